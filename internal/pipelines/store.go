// Package pipelines persists user-defined pipeline configurations and keeps
// a parsed in-memory cache for the engine.
package pipelines

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_pipelines (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT,
	config_json TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
`

// Record is one stored user pipeline.
type Record struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Config      *config.PipelineConfig `json:"config"`
	CreatedAt   int64                  `json:"created_at"`
	UpdatedAt   int64                  `json:"updated_at"`
}

// Store persists user pipelines and caches the parsed configs. The database
// write happens first; the cache is updated only after it succeeds.
type Store struct {
	db     *sql.DB
	logger *observability.Logger

	mu    sync.RWMutex
	cache map[string]*config.PipelineConfig
}

// NewStore opens (or creates) the pipeline table at path and warms the
// cache from existing rows.
func NewStore(path string, logger *observability.Logger) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pipeline db: %w", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init pipeline schema: %w", err)
	}

	s := &Store{db: db, logger: logger, cache: map[string]*config.PipelineConfig{}}
	if err := s.warmCache(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warmCache(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, config_json FROM user_pipelines`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		cfg, err := config.ParsePipeline([]byte(raw))
		if err != nil {
			// A row that no longer parses should not block startup.
			if s.logger != nil {
				s.logger.Warn(ctx, "skipping unparsable stored pipeline", "pipeline_id", id, "error", err)
			}
			continue
		}
		s.cache[id] = cfg
	}
	return rows.Err()
}

// SeedExamples inserts the pipelines from a JSON file when the table is
// empty. Rows are stored verbatim so re-serialization cannot drift from the
// shipped examples. A missing file is not an error.
func (s *Store) SeedExamples(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_pipelines`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read examples: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse examples: %w", err)
	}

	seeded := 0
	for _, entry := range raw {
		cfg, err := config.ParsePipeline(entry)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn(ctx, "skipping invalid example pipeline", "error", err)
			}
			continue
		}
		if err := s.insert(ctx, cfg, string(entry)); err != nil {
			return err
		}
		seeded++
	}
	if s.logger != nil && seeded > 0 {
		s.logger.Info(ctx, "seeded example pipelines", "count", seeded)
	}
	return nil
}

// Create validates and stores a pipeline, replacing any existing row with
// the same id.
func (s *Store) Create(ctx context.Context, cfg *config.PipelineConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	return s.insert(ctx, cfg, string(raw))
}

func (s *Store) insert(ctx context.Context, cfg *config.PipelineConfig, raw string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_pipelines (id, name, description, config_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   config_json = excluded.config_json,
		   updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, cfg.Description, raw, now, now,
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[cfg.ID] = cfg
	s.mu.Unlock()
	return nil
}

// Delete removes a pipeline. Returns sql.ErrNoRows when absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_pipelines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

// List returns all stored pipelines, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, config_json, created_at, updated_at
		 FROM user_pipelines ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var desc sql.NullString
		var raw string
		if err := rows.Scan(&rec.ID, &rec.Name, &desc, &raw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Description = desc.String
		cfg, err := config.ParsePipeline([]byte(raw))
		if err == nil {
			rec.Config = cfg
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Lookup returns the cached config for a pipeline id.
func (s *Store) Lookup(id string) (*config.PipelineConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.cache[id]
	return cfg, ok
}

// Configs returns all cached configs in stable id order.
func (s *Store) Configs() []*config.PipelineConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*config.PipelineConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.cache[id])
	}
	return out
}
