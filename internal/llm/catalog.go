package llm

import "sync"

// DefaultCloudModels returns the catalog entries that are always available.
// The first entry is the session default when nothing else is configured.
func DefaultCloudModels() []ModelEntry {
	return []ModelEntry{
		{ID: "openai-gpt4o", Name: "GPT-4o (OpenAI)", Model: "gpt-4o"},
		{ID: "openai-gpt4o-mini", Name: "GPT-4o mini (OpenAI)", Model: "gpt-4o-mini"},
		{ID: "anthropic-claude-sonnet", Name: "Claude 3.5 Sonnet (Anthropic)", Model: "claude-3-5-sonnet-20241022"},
		{ID: "anthropic-claude-haiku", Name: "Claude 3.5 Haiku (Anthropic)", Model: "claude-3-5-haiku-20241022"},
	}
}

// Catalog is the model list exposed to clients: cloud defaults first, then
// any locally discovered models. Safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	cloud []ModelEntry
	local []ModelEntry
}

// NewCatalog creates a catalog seeded with the given cloud entries.
func NewCatalog(cloud []ModelEntry) *Catalog {
	if len(cloud) == 0 {
		cloud = DefaultCloudModels()
	}
	return &Catalog{cloud: cloud}
}

// SetLocal replaces the locally discovered entries, keeping them after the
// cloud defaults in list order.
func (c *Catalog) SetLocal(local []ModelEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = local
}

// List returns all entries, cloud defaults first.
func (c *Catalog) List() []ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelEntry, 0, len(c.cloud)+len(c.local))
	out = append(out, c.cloud...)
	out = append(out, c.local...)
	return out
}

// Lookup returns the entry with the given id and whether it exists.
func (c *Catalog) Lookup(id string) (ModelEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == "" {
		return ModelEntry{}, false
	}
	for _, m := range c.cloud {
		if m.ID == id {
			return m, true
		}
	}
	for _, m := range c.local {
		if m.ID == id {
			return m, true
		}
	}
	return ModelEntry{}, false
}

// Get returns the entry with the given id. Unknown or empty ids fall back to
// the first catalog entry; model selection never fails.
func (c *Catalog) Get(id string) ModelEntry {
	if m, ok := c.Lookup(id); ok {
		return m
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cloud[0]
}

// Default returns the first catalog entry.
func (c *Catalog) Default() ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cloud[0]
}

// Resolver picks the model for a node execution.
type Resolver struct {
	Catalog *Catalog
}

// Resolve applies the per-run override for the node, then the node's own
// model, then the session default. An unknown id at either step falls back
// to the session default rather than failing the run: model availability is
// discovered dynamically and a stale id must not break execution.
func (r *Resolver) Resolve(nodeID, nodeModel, defaultID string, overrides map[string]string) ModelEntry {
	id := nodeModel
	if o, ok := overrides[nodeID]; ok && o != "" {
		id = o
	}
	if entry, ok := r.Catalog.Lookup(id); ok {
		return entry
	}
	return r.Catalog.Get(defaultID)
}
