package config

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/haasonsaas/loom/internal/observability"
)

// PresetRegistry holds the built-in pipeline definitions loaded from a
// directory of JSON files. The registry is immutable after load.
type PresetRegistry struct {
	pipelines map[string]*PipelineConfig
	order     []string
}

// LoadPresets reads every *.json file in dir. Files that fail to parse or
// validate are logged and skipped; a missing directory yields an empty
// registry.
func LoadPresets(dir string, logger *observability.Logger) *PresetRegistry {
	reg := &PresetRegistry{pipelines: map[string]*PipelineConfig{}}
	if dir == "" {
		return reg
	}

	ctx := context.Background()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if logger != nil {
			logger.Warn(ctx, "preset directory unavailable", "dir", dir, "error", err)
		}
		return reg
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			if logger != nil {
				logger.Warn(ctx, "skipping unreadable preset", "path", path, "error", err)
			}
			continue
		}
		cfg, err := ParsePipeline(data)
		if err != nil {
			if logger != nil {
				logger.Warn(ctx, "skipping invalid preset", "path", path, "error", err)
			}
			continue
		}
		reg.pipelines[cfg.ID] = cfg
	}

	reg.order = make([]string, 0, len(reg.pipelines))
	for id := range reg.pipelines {
		reg.order = append(reg.order, id)
	}
	sort.Strings(reg.order)
	return reg
}

// Get returns the preset with the given id.
func (r *PresetRegistry) Get(id string) (*PipelineConfig, bool) {
	cfg, ok := r.pipelines[id]
	return cfg, ok
}

// List returns all presets in stable id order.
func (r *PresetRegistry) List() []*PipelineConfig {
	out := make([]*PipelineConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.pipelines[id])
	}
	return out
}

// Len returns the number of loaded presets.
func (r *PresetRegistry) Len() int {
	return len(r.pipelines)
}
