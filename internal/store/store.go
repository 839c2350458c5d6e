// Package store is the run ledger: every index build, link and map
// population is recorded here, together with snapshots of the model
// definitions it was built from.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/runner"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Run is one recorded batch job.
type Run struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Target     string         `json:"target"`
	Status     Status         `json:"status"`
	Rows       int64          `json:"rows"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Duration is the run's wall time, or zero while it is still running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Kind   string `json:"kind,omitempty"`
	Target string `json:"target,omitempty"`
	Status Status `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

const defaultListLimit = 100

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Definition is a stored snapshot of one model definition.
type Definition struct {
	Kind    string    `json:"kind"`
	ID      string    `json:"id"`
	Body    string    `json:"body"`
	SavedAt time.Time `json:"saved_at"`
}

// Store defines the persistence interface of the run ledger.
type Store interface {
	runner.Ledger

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	// LastSuccess returns the most recent complete run of kind on target,
	// or nil when there is none.
	LastSuccess(ctx context.Context, kind, target string) (*Run, error)

	SaveDefinitions(ctx context.Context, reg *model.Registry) (int64, error)
	ListDefinitions(ctx context.Context, kind string) ([]Definition, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres or sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Open connects to the configured backend and applies its migration.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite", "":
		s, err = NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// definitionRows flattens reg into (kind, id, yaml body) rows.
func definitionRows(reg *model.Registry) ([][]any, error) {
	var rows [][]any
	add := func(kind, id string, v any) error {
		b, err := yaml.Marshal(v)
		if err != nil {
			return eris.Wrapf(err, "store: encode %s %s", kind, id)
		}
		rows = append(rows, []any{kind, id, string(b)})
		return nil
	}
	for _, g := range reg.Geographies() {
		if err := add("geography", g.ID, g); err != nil {
			return nil, err
		}
	}
	for _, s := range reg.Sources() {
		if err := add("source", s.ID, s); err != nil {
			return nil, err
		}
	}
	for _, q := range reg.Questions() {
		if err := add("question", q.ID, q); err != nil {
			return nil, err
		}
	}
	for _, m := range reg.Maps() {
		if err := add("map", m.ID, m); err != nil {
			return nil, err
		}
	}
	return rows, nil
}
