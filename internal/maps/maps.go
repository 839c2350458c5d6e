// Package maps materializes answers for every region of a geography into
// long-format map tables, one row per region, time bucket and question, for
// read-heavy serving. Each run rebuilds a table completely and swaps it in.
package maps

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spacerat/internal/answer"
	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/runner"
)

// TableName returns the map table of a source at a geography, optionally
// restricted to a variant.
func TableName(source, geography, variant string) string {
	name := "map__" + source + "__" + geography
	if variant != "" {
		name += "__" + model.Slug(variant)
	}
	return db.ShortName(name)
}

// statColumns are the per-question statistic columns in table order. Date
// minima and maxima are stored as epoch seconds.
var statColumns = []db.Column{
	{Name: "mean", Type: "float8"},
	{Name: "mode", Type: "float8"},
	{Name: "mode_label", Type: "text"},
	{Name: "min", Type: "float8"},
	{Name: "first_quartile", Type: "float8"},
	{Name: "median", Type: "float8"},
	{Name: "third_quartile", Type: "float8"},
	{Name: "max", Type: "float8"},
	{Name: "stddev", Type: "float8"},
	{Name: "sum", Type: "float8"},
	{Name: "count", Type: "bigint"},
	{Name: "percent", Type: "float8"},
	{Name: "n", Type: "bigint"},
}

// Columns returns the full column list of a map table.
func Columns() []db.Column {
	cols := []db.Column{
		{Name: "region_id", Type: "text NOT NULL"},
		{Name: "time", Type: "timestamptz"},
		{Name: "question_id", Type: "text NOT NULL"},
	}
	cols = append(cols, statColumns...)
	return append(cols,
		db.Column{Name: "geom", Type: "geometry"},
		db.Column{Name: "centroid", Type: "geometry"},
	)
}

// NumericStat reports whether stat names a numeric map column.
func NumericStat(stat string) bool {
	for _, c := range statColumns {
		if c.Name == stat {
			return c.Type != "text"
		}
	}
	return false
}

var indexes = []db.Index{
	{Suffix: "region", Expr: `"region_id", "time"`},
	{Suffix: "question", Expr: `"question_id"`},
	{Suffix: "geom", Using: "GIST", Expr: `"geom"`},
	{Suffix: "centroid", Using: "GIST", Expr: `"centroid"`},
}

// SelectQuestions returns the questions of source to materialize, in id
// order: every question of the source, narrowed to include when it is not
// empty. Exclude always wins over include.
func SelectQuestions(reg *model.Registry, source string, include, exclude []string) ([]string, error) {
	if _, ok := reg.Source(source); !ok {
		return nil, eris.Errorf("maps: unknown source %q", source)
	}
	for _, id := range slices.Concat(include, exclude) {
		q, ok := reg.Question(id)
		if !ok {
			return nil, eris.Errorf("maps: unknown question %q", id)
		}
		if q.Source != source {
			return nil, eris.Errorf("maps: question %q belongs to source %q, not %q", id, q.Source, source)
		}
	}

	var out []string
	for _, q := range reg.SourceQuestions(source) {
		if len(include) > 0 && !slices.Contains(include, q.ID) {
			continue
		}
		if slices.Contains(exclude, q.ID) {
			continue
		}
		out = append(out, q.ID)
	}
	if len(out) == 0 {
		return nil, eris.Errorf("maps: no questions of %s selected", source)
	}
	return out, nil
}

// DefaultGeographies returns geos, or the source's own grain when geos is
// empty. Point sources have no grain and need explicit geographies.
func DefaultGeographies(src *model.Source, geos []string) ([]string, error) {
	if len(geos) > 0 {
		return geos, nil
	}
	if src.Point() {
		return nil, eris.Errorf("maps: source %s is recorded at points; name the geographies to populate", src.ID)
	}
	return []string{src.SpatialResolution}, nil
}

// PopulateRequest selects what Populate materializes. Geographies defaults
// to the source's own grain.
type PopulateRequest struct {
	Source      string
	Geographies []string
	Include     []string
	Exclude     []string
	Variant     string
}

// TableResult describes one rebuilt map table.
type TableResult struct {
	Geography string        `json:"geography"`
	Table     string        `json:"table"`
	Rows      int64         `json:"rows"`
	Duration  time.Duration `json:"duration"`
}

// MapResult describes a Populate run.
type MapResult struct {
	Source    string         `json:"source"`
	Variant   string         `json:"variant,omitempty"`
	Questions []string       `json:"questions"`
	Tables    []*TableResult `json:"tables"`
}

// Invalidator drops cached answers after a map table changes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Builder populates map tables.
type Builder struct {
	pool     db.Pool
	reg      *model.Registry
	engine   *answer.Engine
	schema   string
	readRole string
	locks    *db.Locker
	cache    Invalidator
}

// Option configures a Builder.
type Option func(*Builder)

// WithReadRole grants SELECT on every map table to role.
func WithReadRole(role string) Option {
	return func(b *Builder) { b.readRole = role }
}

// WithLocker shares an in-process locker with index builders and linkers.
func WithLocker(l *db.Locker) Option {
	return func(b *Builder) { b.locks = l }
}

// WithInvalidator sets the cache invalidated after each populated table.
func WithInvalidator(inv Invalidator) Option {
	return func(b *Builder) { b.cache = inv }
}

// NewBuilder creates a Builder. Map tables live next to the geography
// tables in schema.
func NewBuilder(pool db.Pool, reg *model.Registry, schema string, opts ...Option) *Builder {
	b := &Builder{pool: pool, reg: reg, schema: schema}
	for _, o := range opts {
		o(b)
	}
	if b.locks == nil {
		b.locks = db.NewLocker()
	}
	b.engine = answer.NewEngine(pool, reg, schema)
	return b
}

// Populate rebuilds the map table of each requested geography through r.
func (b *Builder) Populate(ctx context.Context, req PopulateRequest, r *runner.Runner) (*MapResult, error) {
	src, ok := b.reg.Source(req.Source)
	if !ok {
		return nil, eris.Errorf("maps: unknown source %q", req.Source)
	}
	questions, err := SelectQuestions(b.reg, req.Source, req.Include, req.Exclude)
	if err != nil {
		return nil, err
	}
	geos, err := DefaultGeographies(src, req.Geographies)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := map[string]*TableResult{}
	jobs := make([]runner.Job, 0, len(geos))
	for _, geo := range geos {
		jobs = append(jobs, runner.Job{
			Kind:   "populate",
			Target: TableName(req.Source, geo, req.Variant),
			Run: func(ctx context.Context) (runner.Outcome, error) {
				res, err := b.PopulateTable(ctx, req.Source, geo, questions, req.Variant)
				if err != nil {
					return runner.Outcome{}, err
				}
				mu.Lock()
				results[geo] = res
				mu.Unlock()
				return runner.Outcome{Rows: res.Rows, Metadata: map[string]any{
					"table":     res.Table,
					"questions": questions,
				}}, nil
			},
		})
	}

	report, err := r.Run(ctx, jobs)
	if err != nil {
		return nil, err
	}
	out := &MapResult{Source: req.Source, Variant: req.Variant, Questions: questions}
	for _, geo := range geos {
		if res, ok := results[geo]; ok {
			out.Tables = append(out.Tables, res)
		}
	}
	return out, report.Err()
}

// PopulateMap runs a map configuration: its base table at each geography,
// then one table per variant with the variant's extra questions added.
func (b *Builder) PopulateMap(ctx context.Context, mapID string, r *runner.Runner) ([]*MapResult, error) {
	m, ok := b.reg.Map(mapID)
	if !ok {
		return nil, eris.Errorf("maps: unknown map %q", mapID)
	}
	reqs := []PopulateRequest{{Source: m.Source, Geographies: m.Geographies, Include: m.Questions, Exclude: m.Exclude}}
	for _, v := range m.Variants {
		include := m.Questions
		if len(include) > 0 {
			include = slices.Concat(m.Questions, v.Questions)
		}
		reqs = append(reqs, PopulateRequest{
			Source:      m.Source,
			Geographies: m.Geographies,
			Include:     include,
			Exclude:     m.Exclude,
			Variant:     v.Variant,
		})
	}

	var out []*MapResult
	var errs []error
	for _, req := range reqs {
		res, err := b.Populate(ctx, req, r)
		if res != nil {
			out = append(out, res)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return out, eris.Wrapf(errors.Join(errs...), "maps: populate %s", mapID)
	}
	return out, nil
}

// PopulateTable rebuilds one map table. The table is written while holding
// shared locks on the geographies it reads, so it never observes a
// half-swapped geography or link.
func (b *Builder) PopulateTable(ctx context.Context, source, geography string, questions []string, variant string) (*TableResult, error) {
	table := TableName(source, geography, variant)
	queries, err := b.engine.Compile(answer.Request{
		Questions: questions,
		Scope:     answer.Scope{Geography: geography},
		Time:      answer.All(),
		Variant:   variant,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "maps: compile %s", table)
	}
	if len(queries) != 1 {
		return nil, eris.Errorf("maps: questions of %s span %d sources", table, len(queries))
	}
	q := queries[0]
	geo, _ := b.reg.Geography(geography)

	log := zap.L().With(zap.String("component", "maps"), zap.String("table", table))
	start := time.Now()

	key := "spacerat:map:" + table
	geoKeys := []string{db.GeographyLockKey(q.Geography), db.GeographyLockKey(q.Grain)}
	unlockTable := b.locks.Lock(key)
	defer unlockTable()
	unlockGeos := b.locks.RLock(geoKeys...)
	defer unlockGeos()

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, db.NewBuildError("populate", table, eris.Wrap(err, "begin"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := db.AdvisoryLock(ctx, tx, key); err != nil {
		return nil, db.NewBuildError("populate", table, err)
	}
	if err := db.AdvisoryLockShared(ctx, tx, geoKeys...); err != nil {
		return nil, db.NewBuildError("populate", table, err)
	}

	rows, err := b.materialize(ctx, tx, geo, table, q)
	if err != nil {
		return nil, db.NewBuildError("populate", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, db.NewBuildError("populate", table, eris.Wrap(err, "commit"))
	}

	if b.cache != nil {
		if err := b.cache.Invalidate(ctx); err != nil {
			log.Warn("answer cache invalidation failed", zap.Error(err))
		}
	}

	res := &TableResult{
		Geography: geography,
		Table:     db.Qualify(b.schema, table),
		Rows:      rows,
		Duration:  time.Since(start),
	}
	log.Info("map table built",
		zap.Int64("rows", rows),
		zap.Strings("questions", questions),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

func (b *Builder) materialize(ctx context.Context, tx pgx.Tx, geo *model.Geography, table string, q answer.Query) (int64, error) {
	if err := db.EnsureSchema(ctx, tx, b.schema); err != nil {
		return 0, err
	}
	if err := db.CreateBuildTable(ctx, tx, b.schema, table, Columns()); err != nil {
		return 0, err
	}
	sql, args := b.InsertSQL(geo, table, q)
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, eris.Wrap(err, "insert map rows")
	}
	if err := db.CreateIndexes(ctx, tx, b.schema, table, indexes); err != nil {
		return 0, err
	}
	if err := db.Swap(ctx, tx, b.schema, table, indexes); err != nil {
		return 0, err
	}
	if err := db.GrantSelect(ctx, tx, b.schema, table, b.readRole); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, "ANALYZE "+db.Qualify(b.schema, table)); err != nil {
		return 0, eris.Wrap(err, "analyze")
	}
	return tag.RowsAffected(), nil
}

// InsertSQL returns the statement filling the staging table of table from
// the compiled answer query q, with its arguments. Each answer row fans out
// into one row per question.
func (b *Builder) InsertSQL(geo *model.Geography, table string, q answer.Query) (string, []any) {
	args := slices.Clone(q.Args)
	tuples := make([]string, 0, len(q.Questions))
	for _, qid := range q.Questions {
		question, _ := b.reg.Question(qid)
		args = append(args, qid)
		tuples = append(tuples, valuesTuple(question, fmt.Sprintf("$%d", len(args))))
	}

	names := make([]string, 0, len(statColumns)+1)
	names = append(names, "question_id")
	for _, c := range statColumns {
		names = append(names, c.Name)
	}
	cols := make([]string, 0, len(Columns()))
	for _, c := range Columns() {
		cols = append(cols, db.Quote(c.Name))
	}
	vcols := make([]string, len(names))
	for i, n := range names {
		vcols[i] = "v." + db.Quote(n)
	}

	sql := fmt.Sprintf(`INSERT INTO %s (%s)
SELECT a.region_id, a.bucket, %s, g.geom, g.centroid
FROM (
%s
) a
JOIN %s g ON g.%s::text = a.region_id
CROSS JOIN LATERAL (VALUES
	%s
) AS v(%s)`,
		db.Qualify(b.schema, db.BuildName(table)), strings.Join(cols, ", "),
		strings.Join(vcols, ", "),
		q.SQL,
		db.Qualify(b.schema, geo.Table), db.Quote(geo.IDField),
		strings.Join(tuples, ",\n\t"),
		strings.Join(quoteAll(names), ", "),
	)
	return sql, args
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = db.Quote(n)
	}
	return out
}

// valuesTuple maps one question's answer columns onto the stat columns.
func valuesTuple(q *model.Question, idPlaceholder string) string {
	col := func(stat string) string { return "a." + db.Quote(q.Key(stat)) }
	exprs := map[string]string{}
	switch q.Datatype {
	case model.Continuous:
		for _, stat := range q.Datatype.Stats() {
			exprs[stat] = col(stat)
		}
	case model.Categorical:
		exprs["mode_label"] = col("mode")
		exprs["n"] = col("n")
	case model.Boolean:
		exprs["count"] = col("count")
		exprs["percent"] = col("percent")
		exprs["n"] = col("n")
	case model.Date:
		exprs["min"] = "extract(epoch FROM " + col("min") + ")"
		exprs["max"] = "extract(epoch FROM " + col("max") + ")"
		exprs["n"] = col("n")
	}

	parts := []string{idPlaceholder + "::text"}
	for _, c := range statColumns {
		if e, ok := exprs[c.Name]; ok {
			parts = append(parts, "("+e+")::"+c.Type)
		} else {
			parts = append(parts, "NULL::"+c.Type)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
