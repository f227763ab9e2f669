package analysis

import "ravensearch/internal/index"

// BuildIndexingStack assembles the indexing-time Stack for schema: a
// FieldDef's own Analyzer (when set) seeds the same priority level as an
// explicit Schema.Analyzers entry (rule 3) unless Schema.Analyzers already
// names that field, and every field's Mode() backstops Schema.Indexes
// (rule 4) for schemas that never declared it explicitly.
func BuildIndexingStack(schema *index.Schema, registry *Registry, generators []Generator) (*Stack, error) {
	return buildStack(schema, registry, generators, false)
}

// BuildQueryingStack assembles the query-time Stack: identical rules, but
// an analyzer named in Schema.NotForQuerying is skipped when attaching a
// per-field override (rule 3).
func BuildQueryingStack(schema *index.Schema, registry *Registry, generators []Generator) (*Stack, error) {
	return buildStack(schema, registry, generators, true)
}

func buildStack(schema *index.Schema, registry *Registry, generators []Generator, forQuerying bool) (*Stack, error) {
	def, err := defaultAnalyzer(schema, registry)
	if err != nil {
		return nil, err
	}

	analyzers := make(map[string]string, len(schema.Analyzers)+len(schema.Fields))
	for field, name := range schema.Analyzers {
		analyzers[field] = name
	}
	for _, f := range schema.Fields {
		if f.Analyzer == "" {
			continue
		}
		if _, explicit := schema.Analyzers[f.Name]; explicit {
			continue
		}
		analyzers[f.Name] = f.Analyzer
	}

	indexes := make(map[string]string, len(schema.Indexes)+len(schema.Fields))
	for field, mode := range schema.Indexes {
		indexes[field] = mode
	}
	for _, f := range schema.Fields {
		if _, has := indexes[f.Name]; has {
			continue
		}
		indexes[f.Name] = string(f.Mode())
	}

	return Assemble(BuildOptions{
		Registry:        registry,
		DefaultAnalyzer: def,
		Analyzers:       analyzers,
		Indexes:         indexes,
		NotForQuerying:  schema.NotForQuerying,
		Generators:      generators,
	}, forQuerying)
}

func defaultAnalyzer(schema *index.Schema, registry *Registry) (Analyzer, error) {
	if schema.DefaultAnalyzer == "" {
		return NewKeywordAnalyzer(), nil
	}
	if registry == nil {
		return NewKeywordAnalyzer(), nil
	}
	return registry.Get(schema.DefaultAnalyzer)
}
