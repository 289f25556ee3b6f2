package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// discoveryTimeout bounds the /api/tags probe; a local Ollama answers in
// milliseconds, and a slow probe should not delay startup.
const discoveryTimeout = 2 * time.Second

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// DiscoverOllama queries an Ollama server for its installed models and maps
// them to catalog entries. The entries point APIBase at the server's
// OpenAI-compatible endpoint; the native transport strips the /v1 suffix.
func DiscoverOllama(ctx context.Context, baseURL string) ([]ModelEntry, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, nil
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: discoveryTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama tags status %d", resp.StatusCode)
	}

	var payload ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}

	entries := make([]ModelEntry, 0, len(payload.Models))
	for _, m := range payload.Models {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			continue
		}
		entries = append(entries, ModelEntry{
			ID:      name,
			Name:    name + " (Ollama)",
			Model:   name,
			APIBase: baseURL + "/v1",
		})
	}
	return entries, nil
}
