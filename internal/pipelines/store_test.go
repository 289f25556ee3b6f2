package pipelines

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/loom/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func chainConfig(id string) *config.PipelineConfig {
	return &config.PipelineConfig{
		ID:   id,
		Name: id,
		Nodes: []config.NodeConfig{
			{ID: "a", Type: config.NodeLLM},
		},
		Edges: []config.EdgeConfig{
			{From: config.EdgeEndpoint{config.TerminalInput}, To: config.EdgeEndpoint{"a"}, Type: config.EdgeDirect},
			{From: config.EdgeEndpoint{"a"}, To: config.EdgeEndpoint{config.TerminalOutput}, Type: config.EdgeDirect},
		},
	}
}

func TestStoreCreateLookupDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, chainConfig("mine")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	cfg, ok := store.Lookup("mine")
	if !ok || cfg.ID != "mine" {
		t.Fatalf("Lookup = %v, %v", cfg, ok)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].Config == nil {
		t.Fatalf("records = %+v", records)
	}

	if err := store.Delete(ctx, "mine"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.Lookup("mine"); ok {
		t.Fatal("Lookup after delete must miss")
	}
	if err := store.Delete(ctx, "mine"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("Delete(absent) = %v, want ErrNoRows", err)
	}
}

func TestStoreCreateRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	bad := &config.PipelineConfig{ID: "bad"}
	if err := store.Create(context.Background(), bad); err == nil {
		t.Fatal("expected validation error")
	}
	if _, ok := store.Lookup("bad"); ok {
		t.Fatal("invalid pipeline must not be cached")
	}
}

func TestStoreCreateReplacesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := chainConfig("p")
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	second := chainConfig("p")
	second.Name = "renamed"
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("Create replace: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].Name != "renamed" {
		t.Fatalf("records = %+v", records)
	}
}

func TestSeedExamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examples.json")
	body := `[
		{
			"id": "summarize",
			"name": "Summarize",
			"nodes": [{"id": "s", "type": "llm"}],
			"edges": [
				{"from": "input", "to": "s", "type": "direct"},
				{"from": "s", "to": "output", "type": "direct"}
			]
		},
		{"id": "broken", "nodes": []}
	]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write examples: %v", err)
	}

	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SeedExamples(ctx, path); err != nil {
		t.Fatalf("SeedExamples: %v", err)
	}
	if _, ok := store.Lookup("summarize"); !ok {
		t.Fatal("expected seeded pipeline in cache")
	}
	if _, ok := store.Lookup("broken"); ok {
		t.Fatal("invalid example must be skipped")
	}

	// Seeding is skipped when the table already has rows.
	if err := store.Create(ctx, chainConfig("user-owned")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, "summarize"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.SeedExamples(ctx, path); err != nil {
		t.Fatalf("SeedExamples again: %v", err)
	}
	if _, ok := store.Lookup("summarize"); ok {
		t.Fatal("non-empty table must not be reseeded")
	}
}

func TestSeedExamplesMissingFile(t *testing.T) {
	store := newTestStore(t)
	if err := store.SeedExamples(context.Background(), filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("SeedExamples missing file: %v", err)
	}
}

func TestConfigsStableOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha"} {
		if err := store.Create(ctx, chainConfig(id)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	configs := store.Configs()
	if len(configs) != 2 || configs[0].ID != "alpha" || configs[1].ID != "zeta" {
		t.Fatalf("Configs order = %+v", configs)
	}
}
