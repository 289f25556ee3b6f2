package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writePreset(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write preset: %v", err)
	}
}

func TestLoadPresets(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "chain.json", `{
		"id": "chain",
		"nodes": [{"id": "a", "type": "llm"}],
		"edges": [
			{"from": "input", "to": "a", "type": "direct"},
			{"from": "a", "to": "output", "type": "direct"}
		]
	}`)
	writePreset(t, dir, "broken.json", `{"id": "broken"`)
	writePreset(t, dir, "invalid.json", `{"id": "invalid", "nodes": []}`)
	writePreset(t, dir, "notes.txt", "ignored")

	reg := LoadPresets(dir, nil)
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (broken and invalid skipped)", reg.Len())
	}
	if _, ok := reg.Get("chain"); !ok {
		t.Fatal("expected chain preset")
	}
	if _, ok := reg.Get("broken"); ok {
		t.Fatal("broken preset must be skipped")
	}
}

func TestLoadPresetsMissingDir(t *testing.T) {
	reg := LoadPresets(filepath.Join(t.TempDir(), "absent"), nil)
	if reg.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", reg.Len())
	}
	if got := reg.List(); len(got) != 0 {
		t.Fatalf("List() = %v, want empty", got)
	}
}

func TestPresetListStableOrder(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		writePreset(t, dir, id+".json", `{
			"id": "`+id+`",
			"nodes": [{"id": "n", "type": "llm"}],
			"edges": []
		}`)
	}
	reg := LoadPresets(dir, nil)
	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, cfg := range list {
		if cfg.ID != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, cfg.ID, want[i])
		}
	}
}
