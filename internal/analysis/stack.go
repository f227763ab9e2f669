package analysis

import (
	"fmt"
	"io"
)

// Indexing modes a field's entry in Schema.Indexes can declare:
// NotAnalyzed attaches a keyword analyzer, Analyzed attaches the standard
// analyzer unless the field already has an explicit one.
const (
	IndexingModeNotAnalyzed = "NotAnalyzed"
	IndexingModeAnalyzed    = "Analyzed"
	IndexingModeNotIndexed  = "NotIndexed"
)

// Generator is a registered extension point that may replace the Stack
// being assembled, e.g. to inject a synonym filter.
// Returning the same *Stack it was given is a no-op.
type Generator interface {
	Generate(forQuerying bool, current *Stack) (*Stack, error)
}

// BuildOptions configures Assemble.
type BuildOptions struct {
	Registry        *Registry
	DefaultAnalyzer Analyzer          // rule 1
	Analyzers       map[string]string // field -> analyzer name; "__all_fields" is rule 2, everything else is rule 3
	Indexes         map[string]string // field -> NotAnalyzed|Analyzed, rule 4
	NotForQuerying  map[string]bool   // analyzer names skipped when forQuerying, part of rule 3
	Generators      []Generator       // rule 5
}

// Stack is the assembled per-field analyzer wrapper for a single indexing
// or querying operation. It is built fresh per operation (schema-driven
// parts are cheap to recompute; generator-introduced state is not meant to
// outlive one operation) and must be Close()d when the operation ends.
type Stack struct {
	def      Analyzer
	perField map[string]Analyzer
	dispose  []io.Closer
}

// Assemble builds a Stack by layering, in order: the caller's default
// analyzer, an "__all_fields" override, per-field Analyzers entries,
// per-field Indexes modes, and finally the generator extensions. Later
// layers override earlier ones for the same field, except that an Indexes
// mode only applies to a field that has no explicit Analyzers entry.
func Assemble(opts BuildOptions, forQuerying bool) (*Stack, error) {
	s := &Stack{perField: make(map[string]Analyzer)}

	s.def = opts.DefaultAnalyzer
	if s.def == nil {
		s.def = NewKeywordAnalyzer()
	}

	if name, ok := opts.Analyzers["__all_fields"]; ok {
		a, err := s.resolve(opts.Registry, name)
		if err != nil {
			return nil, err
		}
		s.def = a
	}

	for field, name := range opts.Analyzers {
		if field == "__all_fields" {
			continue
		}
		if forQuerying && opts.NotForQuerying[name] {
			continue
		}
		a, err := s.resolve(opts.Registry, name)
		if err != nil {
			return nil, err
		}
		s.perField[field] = a
	}

	for field, mode := range opts.Indexes {
		if _, explicit := s.perField[field]; explicit {
			continue
		}
		switch mode {
		case IndexingModeNotAnalyzed:
			s.perField[field] = s.track(NewKeywordAnalyzer())
		case IndexingModeAnalyzed:
			a, err := s.resolve(opts.Registry, "standard")
			if err != nil {
				return nil, err
			}
			s.perField[field] = a
		}
	}

	for _, gen := range opts.Generators {
		next, err := gen.Generate(forQuerying, s)
		if err != nil {
			return nil, err
		}
		if next != nil {
			s = next
		}
	}

	return s, nil
}

// For returns the analyzer to use for field, falling back to the stack's
// default when no per-field entry was attached.
func (s *Stack) For(field string) Analyzer {
	if a, ok := s.perField[field]; ok {
		return a
	}
	return s.def
}

// Close releases every generator-introduced analyzer that implements
// io.Closer, in reverse registration order. The built-in analyzers
// (standard/whitespace/keyword) are stateless and never appear in the
// dispose list, so closing a Stack built entirely from them is a no-op.
func (s *Stack) Close() error {
	var first error
	for i := len(s.dispose) - 1; i >= 0; i-- {
		if err := s.dispose[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Stack) resolve(reg *Registry, name string) (Analyzer, error) {
	if reg == nil {
		return nil, fmt.Errorf("analysis: no registry configured for analyzer %q", name)
	}
	a, err := reg.Get(name)
	if err != nil {
		return nil, err
	}
	return s.track(a), nil
}

func (s *Stack) track(a Analyzer) Analyzer {
	if c, ok := a.(io.Closer); ok {
		s.dispose = append(s.dispose, c)
	}
	return a
}
