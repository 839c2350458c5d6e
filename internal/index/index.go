// Package index materializes geographies: each geography's query is
// validated, written to a staging table, indexed and swapped in place of the
// previous table inside one transaction.
package index

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/runner"
)

// IntegrityError reports a geography query whose result cannot be
// materialized. Nothing is written when it is returned.
type IntegrityError struct {
	Geography  string
	IDField    string
	Missing    []string // required columns absent from the query result
	Duplicates int64    // rows sharing an id with another row
	Nulls      int64    // rows with a NULL id
}

func (e *IntegrityError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns "+strings.Join(e.Missing, ", "))
	}
	if e.Duplicates > 0 {
		parts = append(parts, fmt.Sprintf("%d duplicate %s value(s)", e.Duplicates, e.IDField))
	}
	if e.Nulls > 0 {
		parts = append(parts, fmt.Sprintf("%d null %s value(s)", e.Nulls, e.IDField))
	}
	return fmt.Sprintf("index: geography %s: %s", e.Geography, strings.Join(parts, "; "))
}

// BuildResult describes a completed build.
type BuildResult struct {
	Geography string        `json:"geography"`
	Table     string        `json:"table"`
	Rows      int64         `json:"rows"`
	Duration  time.Duration `json:"duration"`
}

// buildTx gives the integrity check and the copy the same snapshot.
var buildTx = pgx.TxOptions{IsoLevel: pgx.RepeatableRead}

// Invalidator drops cached answers after a build changes data.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Builder builds geography indexes.
type Builder struct {
	pool     db.Pool
	reg      *model.Registry
	schema   string
	readRole string
	locks    *db.Locker
	cache    Invalidator
}

// Option configures a Builder.
type Option func(*Builder)

// WithReadRole grants SELECT on every built table to role.
func WithReadRole(role string) Option {
	return func(b *Builder) { b.readRole = role }
}

// WithLocker shares an in-process locker with other builders and linkers.
func WithLocker(l *db.Locker) Option {
	return func(b *Builder) { b.locks = l }
}

// WithInvalidator sets the cache invalidated after each build.
func WithInvalidator(inv Invalidator) Option {
	return func(b *Builder) { b.cache = inv }
}

// NewBuilder creates a Builder writing into schema.
func NewBuilder(pool db.Pool, reg *model.Registry, schema string, opts ...Option) *Builder {
	b := &Builder{pool: pool, reg: reg, schema: schema}
	for _, o := range opts {
		o(b)
	}
	if b.locks == nil {
		b.locks = db.NewLocker()
	}
	return b
}

// Indexes returns the secondary indexes of a geography's table: the primary
// key index, trigram indexes on name and declared search columns, and
// spatial indexes on geom and centroid.
func Indexes(g *model.Geography) []db.Index {
	idx := []db.Index{
		{Suffix: "pkey", Unique: true, Expr: db.Quote(g.IDField)},
		{Suffix: "name_trgm", Using: "GIN", Expr: db.Quote(model.ColumnName) + " gin_trgm_ops"},
	}
	for _, col := range g.TrigramIndexes {
		if col == model.ColumnName {
			continue
		}
		idx = append(idx, db.Index{Suffix: col + "_trgm", Using: "GIN", Expr: db.Quote(col) + " gin_trgm_ops"})
	}
	idx = append(idx,
		db.Index{Suffix: "geom", Using: "GIST", Expr: db.Quote(model.ColumnGeom)},
		db.Index{Suffix: "centroid", Using: "GIST", Expr: db.Quote(model.ColumnCentroid)},
	)
	return idx
}

// Build materializes one geography. Builds of the same geography are
// serialized in-process and across processes; builds of different
// geographies run independently.
func (b *Builder) Build(ctx context.Context, geographyID string) (*BuildResult, error) {
	g, ok := b.reg.Geography(geographyID)
	if !ok {
		return nil, eris.Errorf("index: unknown geography %q", geographyID)
	}
	log := zap.L().With(zap.String("component", "index"), zap.String("geography", g.ID))
	start := time.Now()

	key := db.GeographyLockKey(g.ID)
	unlock := b.locks.Lock(key)
	defer unlock()

	tx, err := b.pool.BeginTx(ctx, buildTx)
	if err != nil {
		return nil, db.NewBuildError("index", g.ID, eris.Wrap(err, "begin"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := db.AdvisoryLock(ctx, tx, key); err != nil {
		return nil, db.NewBuildError("index", g.ID, err)
	}

	if err := b.check(ctx, tx, g); err != nil {
		return nil, err
	}

	log.Info("building geography index", zap.String("table", g.Table))

	rows, err := b.materialize(ctx, tx, g)
	if err != nil {
		return nil, db.NewBuildError("index", g.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, db.NewBuildError("index", g.ID, eris.Wrap(err, "commit"))
	}

	if b.cache != nil {
		if err := b.cache.Invalidate(ctx); err != nil {
			log.Warn("answer cache invalidation failed", zap.Error(err))
		}
	}

	res := &BuildResult{
		Geography: g.ID,
		Table:     db.Qualify(b.schema, g.Table),
		Rows:      rows,
		Duration:  time.Since(start),
	}
	log.Info("geography index built", zap.Int64("rows", rows), zap.Duration("elapsed", res.Duration))
	return res, nil
}

// check verifies the query result before anything is written: required
// columns present, ids unique and non-null.
func (b *Builder) check(ctx context.Context, tx pgx.Tx, g *model.Geography) error {
	shape, err := tx.Query(ctx, fmt.Sprintf("SELECT * FROM (%s) src LIMIT 0", g.Query))
	if err != nil {
		return db.NewBuildError("index", g.ID, eris.Wrap(err, "read query columns"))
	}
	var have []string
	for _, fd := range shape.FieldDescriptions() {
		have = append(have, fd.Name)
	}
	shape.Close()
	if err := shape.Err(); err != nil {
		return db.NewBuildError("index", g.ID, eris.Wrap(err, "read query columns"))
	}

	var missing []string
	for _, col := range g.AllColumns() {
		if !slices.Contains(have, col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &IntegrityError{Geography: g.ID, IDField: g.IDField, Missing: missing}
	}

	id := db.Quote(g.IDField)
	sql := fmt.Sprintf(
		"SELECT count(*), count(DISTINCT src.%s), count(*) FILTER (WHERE src.%s IS NULL) FROM (%s) src",
		id, id, g.Query,
	)
	var total, distinct, nulls int64
	if err := tx.QueryRow(ctx, sql).Scan(&total, &distinct, &nulls); err != nil {
		return db.NewBuildError("index", g.ID, eris.Wrap(err, "count ids"))
	}
	if dup := total - nulls - distinct; dup > 0 || nulls > 0 {
		return &IntegrityError{Geography: g.ID, IDField: g.IDField, Duplicates: dup, Nulls: nulls}
	}
	return nil
}

func (b *Builder) materialize(ctx context.Context, tx pgx.Tx, g *model.Geography) (int64, error) {
	if err := db.EnsureSchema(ctx, tx, b.schema); err != nil {
		return 0, err
	}

	cols := make([]string, 0, len(g.AllColumns()))
	for _, c := range g.AllColumns() {
		cols = append(cols, "src."+db.Quote(c))
	}
	query := fmt.Sprintf("SELECT %s FROM (%s) src ORDER BY src.%s",
		strings.Join(cols, ", "), g.Query, db.Quote(g.IDField))

	rows, err := db.CreateBuildTableAs(ctx, tx, b.schema, g.Table, query)
	if err != nil {
		return 0, err
	}

	indexes := Indexes(g)
	if err := db.CreateIndexes(ctx, tx, b.schema, g.Table, indexes); err != nil {
		return 0, err
	}
	build := db.BuildName(g.Table)
	pkey := db.Quote(db.IndexName(build, "pkey"))
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY USING INDEX %s",
		db.Qualify(b.schema, build), pkey, pkey)); err != nil {
		return 0, eris.Wrap(err, "add primary key")
	}

	if err := db.Swap(ctx, tx, b.schema, g.Table, indexes); err != nil {
		return 0, err
	}
	if err := db.GrantSelect(ctx, tx, b.schema, g.Table, b.readRole); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, "ANALYZE "+db.Qualify(b.schema, g.Table)); err != nil {
		return 0, eris.Wrap(err, "analyze")
	}
	return rows, nil
}

// BuildAll builds the given geographies (all of them when ids is empty)
// through r. Results come back in hierarchy order; failed builds are
// reported through the returned error.
func (b *Builder) BuildAll(ctx context.Context, ids []string, r *runner.Runner) ([]*BuildResult, error) {
	targets, err := b.targets(ids)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[string]*BuildResult, len(targets))
	jobs := make([]runner.Job, 0, len(targets))
	for _, id := range targets {
		jobs = append(jobs, runner.Job{
			Kind:   "index",
			Target: id,
			Run: func(ctx context.Context) (runner.Outcome, error) {
				res, err := b.Build(ctx, id)
				if err != nil {
					return runner.Outcome{}, err
				}
				mu.Lock()
				results[id] = res
				mu.Unlock()
				return runner.Outcome{Rows: res.Rows, Metadata: map[string]any{"table": res.Table}}, nil
			},
		})
	}

	report, err := r.Run(ctx, jobs)
	if err != nil {
		return nil, err
	}
	out := make([]*BuildResult, 0, len(results))
	for _, id := range targets {
		if res, ok := results[id]; ok {
			out = append(out, res)
		}
	}
	return out, report.Err()
}

func (b *Builder) targets(ids []string) ([]string, error) {
	h, err := b.reg.Hierarchy()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return slices.Clone(h.Order), nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := b.reg.Geography(id); !ok {
			return nil, eris.Errorf("index: unknown geography %q", id)
		}
		want[id] = true
	}
	var out []string
	for _, id := range h.Order {
		if want[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
