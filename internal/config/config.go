// Package config loads the engine's tunables from a YAML file, with
// defaults that mirror the hard-coded constants the rest of the codebase
// used before this package existed (indexing.DefaultBufferMemoryLimit,
// indexing.DefaultMaxDocsPerSegment).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ravensearch/internal/indexing"
)

// Config holds every operator-tunable knob for a running server.
type Config struct {
	// FlushIndexToDiskSizeMB forces an in-memory index to materialize to
	// disk once its buffered size crosses this many megabytes.
	FlushIndexToDiskSizeMB int64 `yaml:"flush_index_to_disk_size_mb"`

	// MaxIndexWritesBeforeRecreate bounds how many commits an index takes
	// before a full segment merge (optimize) is forced.
	MaxIndexWritesBeforeRecreate int `yaml:"max_index_writes_before_recreate"`

	// NewIndexInMemoryMaxBytes is the write-buffer memory ceiling before a
	// new index is forced to materialize to disk rather than staying
	// memory-backed.
	NewIndexInMemoryMaxBytes int64 `yaml:"new_index_in_memory_max_bytes"`

	// MaxNumberOfItemsToProcessInSingleBatch caps how many documents a
	// single indexing batch will accept before committing.
	MaxNumberOfItemsToProcessInSingleBatch int `yaml:"max_number_of_items_to_process_in_single_batch"`

	// MaxMapReduceIndexOutputsPerDocument and MaxSimpleIndexOutputsPerDocument
	// bound fan-out per source document for map-reduce and simple indexes
	// respectively.
	MaxMapReduceIndexOutputsPerDocument int `yaml:"max_map_reduce_index_outputs_per_document"`
	MaxSimpleIndexOutputsPerDocument    int `yaml:"max_simple_index_outputs_per_document"`

	// RunInMemory keeps newly created indexes' segment directories in memory
	// until they cross the materialize size threshold or a backup forces
	// them to disk.
	RunInMemory bool `yaml:"run_in_memory"`
}

// Default returns a Config with values mirroring the historical hard-coded
// constants in internal/indexing, so a deployment with no config file
// behaves exactly as it did before this package existed.
func Default() Config {
	return Config{
		FlushIndexToDiskSizeMB:                  64,
		MaxIndexWritesBeforeRecreate:             1024,
		NewIndexInMemoryMaxBytes:                 indexing.DefaultBufferMemoryLimit,
		MaxNumberOfItemsToProcessInSingleBatch:   indexing.DefaultMaxDocsPerSegment,
		MaxMapReduceIndexOutputsPerDocument:      15,
		MaxSimpleIndexOutputsPerDocument:         15,
		RunInMemory:                              false,
	}
}

// Load reads a YAML config file and overlays it on Default(). A missing
// file is not an error — the caller gets Default() back unchanged, which
// matches the "everything has a sane default" design the rest of the
// engine follows (e.g. commit.DefaultOptions).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
