// Package link computes child → parent containment for each declared
// hierarchy edge and materializes it as a link table.
//
// A child region resolves to one parent:
//
//  1. parents whose geometry covers the child's centroid win; among several
//     (a centroid on a shared boundary) the largest intersection area wins,
//     then the smallest parent id;
//  2. with no covering parent, the parent with the largest positive
//     intersection area wins, then the smallest parent id;
//  3. otherwise the child is linked to NULL and reported as unmatched.
package link

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/runner"
)

// Link methods recorded per child.
const (
	MethodCentroid  = "centroid"
	MethodOverlap   = "overlap"
	MethodUnmatched = "unmatched"
)

// maxLoggedUnmatched caps the child ids written to the warning log.
const maxLoggedUnmatched = 20

// TableName returns the link table name of an edge.
func TableName(parent, child string) string {
	return db.ShortName("link__" + parent + "__" + child)
}

var columns = []db.Column{
	{Name: "parent_geography", Type: "text NOT NULL"},
	{Name: "parent_id", Type: "text"},
	{Name: "child_geography", Type: "text NOT NULL"},
	{Name: "child_id", Type: "text NOT NULL"},
	{Name: "method", Type: "text NOT NULL"},
}

var indexes = []db.Index{
	{Suffix: "child", Unique: true, Expr: `"child_id"`},
	{Suffix: "parent", Expr: `"parent_id"`},
}

// Result describes a completed link.
type Result struct {
	Parent    string           `json:"parent"`
	Child     string           `json:"child"`
	Table     string           `json:"table"`
	Rows      int64            `json:"rows"`
	ByMethod  map[string]int64 `json:"by_method"`
	Unmatched []string         `json:"unmatched,omitempty"`
	Duration  time.Duration    `json:"duration"`
}

// Invalidator drops cached answers after a link table changes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Linker builds link tables.
type Linker struct {
	pool     db.Pool
	reg      *model.Registry
	schema   string
	readRole string
	locks    *db.Locker
	cache    Invalidator
}

// Option configures a Linker.
type Option func(*Linker)

// WithReadRole grants SELECT on every link table to role.
func WithReadRole(role string) Option {
	return func(l *Linker) { l.readRole = role }
}

// WithLocker shares an in-process locker with index builders.
func WithLocker(locks *db.Locker) Option {
	return func(l *Linker) { l.locks = locks }
}

// WithInvalidator sets the cache invalidated after each link.
func WithInvalidator(inv Invalidator) Option {
	return func(l *Linker) { l.cache = inv }
}

// NewLinker creates a Linker over tables in schema.
func NewLinker(pool db.Pool, reg *model.Registry, schema string, opts ...Option) *Linker {
	l := &Linker{pool: pool, reg: reg, schema: schema}
	for _, o := range opts {
		o(l)
	}
	if l.locks == nil {
		l.locks = db.NewLocker()
	}
	return l
}

// Link materializes the link table for the parent → child edge. Both
// geographies must already be built. The edge holds shared locks on both
// geographies for its whole transaction, so it never interleaves with a
// build of either.
func (l *Linker) Link(ctx context.Context, parentID, childID string) (*Result, error) {
	parent, ok := l.reg.Geography(parentID)
	if !ok {
		return nil, eris.Errorf("link: unknown geography %q", parentID)
	}
	child, ok := l.reg.Geography(childID)
	if !ok {
		return nil, eris.Errorf("link: unknown geography %q", childID)
	}
	if !parent.HasSubgeography(childID) {
		return nil, eris.Errorf("link: %s is not a subgeography of %s", childID, parentID)
	}

	edge := model.Edge{Parent: parentID, Child: childID}.String()
	table := TableName(parentID, childID)
	log := zap.L().With(zap.String("component", "link"), zap.String("edge", edge))
	start := time.Now()

	edgeKey := "spacerat:link:" + table
	parentKey, childKey := db.GeographyLockKey(parentID), db.GeographyLockKey(childID)
	unlockEdge := l.locks.Lock(edgeKey)
	defer unlockEdge()
	unlockGeos := l.locks.RLock(parentKey, childKey)
	defer unlockGeos()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, db.NewBuildError("link", edge, eris.Wrap(err, "begin"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := db.AdvisoryLock(ctx, tx, edgeKey); err != nil {
		return nil, db.NewBuildError("link", edge, err)
	}
	if err := db.AdvisoryLockShared(ctx, tx, parentKey, childKey); err != nil {
		return nil, db.NewBuildError("link", edge, err)
	}

	for _, g := range []*model.Geography{parent, child} {
		exists, err := db.TableExists(ctx, tx, l.schema, g.Table)
		if err != nil {
			return nil, db.NewBuildError("link", edge, err)
		}
		if !exists {
			return nil, db.NewBuildError("link", edge,
				eris.Errorf("geography %s is not built (%s missing)", g.ID, db.Qualify(l.schema, g.Table)))
		}
	}

	res := &Result{Parent: parentID, Child: childID, Table: db.Qualify(l.schema, table)}
	if err := l.materialize(ctx, tx, parent, child, table, res); err != nil {
		return nil, db.NewBuildError("link", edge, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, db.NewBuildError("link", edge, eris.Wrap(err, "commit"))
	}
	res.Duration = time.Since(start)

	if l.cache != nil {
		if err := l.cache.Invalidate(ctx); err != nil {
			log.Warn("answer cache invalidation failed", zap.Error(err))
		}
	}

	if len(res.Unmatched) > 0 {
		sample := res.Unmatched
		if len(sample) > maxLoggedUnmatched {
			sample = sample[:maxLoggedUnmatched]
		}
		log.Warn("child regions without a parent",
			zap.Int("count", len(res.Unmatched)),
			zap.Strings("sample", sample),
		)
	}
	log.Info("link built",
		zap.Int64("rows", res.Rows),
		zap.Int64("centroid", res.ByMethod[MethodCentroid]),
		zap.Int64("overlap", res.ByMethod[MethodOverlap]),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

// InsertSQL returns the statement filling the staging link table. $1 and $2
// bind the parent and child geography ids.
func InsertSQL(schema string, parent, child *model.Geography, table string) string {
	pid := "p." + db.Quote(parent.IDField) + "::text"
	cid := "c." + db.Quote(child.IDField) + "::text"
	return fmt.Sprintf(`INSERT INTO %s (parent_geography, parent_id, child_geography, child_id, method)
SELECT $1::text, m.parent_id, $2::text, %s,
	CASE WHEN m.parent_id IS NULL THEN '%s' WHEN m.covers THEN '%s' ELSE '%s' END
FROM %s c
LEFT JOIN LATERAL (
	SELECT %s AS parent_id, ST_Covers(p.geom, c.centroid) AS covers
	FROM %s p
	WHERE p.geom && c.geom
	  AND (ST_Covers(p.geom, c.centroid) OR ST_Area(ST_Intersection(p.geom, c.geom)) > 0)
	ORDER BY ST_Covers(p.geom, c.centroid) DESC,
	         ST_Area(ST_Intersection(p.geom, c.geom)) DESC,
	         %s ASC
	LIMIT 1
) m ON true
ORDER BY %s`,
		db.Qualify(schema, db.BuildName(table)),
		cid, MethodUnmatched, MethodCentroid, MethodOverlap,
		db.Qualify(schema, child.Table),
		pid, db.Qualify(schema, parent.Table), pid, cid,
	)
}

func (l *Linker) materialize(ctx context.Context, tx pgx.Tx, parent, child *model.Geography, table string, res *Result) error {
	if err := db.CreateBuildTable(ctx, tx, l.schema, table, columns); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, InsertSQL(l.schema, parent, child, table), parent.ID, child.ID)
	if err != nil {
		return eris.Wrap(err, "insert links")
	}
	res.Rows = tag.RowsAffected()

	if err := db.CreateIndexes(ctx, tx, l.schema, table, indexes); err != nil {
		return err
	}

	build := db.Qualify(l.schema, db.BuildName(table))
	res.ByMethod, err = countByMethod(ctx, tx, build)
	if err != nil {
		return err
	}
	res.Unmatched, err = unmatched(ctx, tx, build)
	if err != nil {
		return err
	}

	if err := db.Swap(ctx, tx, l.schema, table, indexes); err != nil {
		return err
	}
	if err := db.GrantSelect(ctx, tx, l.schema, table, l.readRole); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "ANALYZE "+db.Qualify(l.schema, table)); err != nil {
		return eris.Wrap(err, "analyze")
	}
	return nil
}

func countByMethod(ctx context.Context, tx pgx.Tx, table string) (map[string]int64, error) {
	rows, err := tx.Query(ctx, "SELECT method, count(*) FROM "+table+" GROUP BY method ORDER BY method")
	if err != nil {
		return nil, eris.Wrap(err, "count link methods")
	}
	defer rows.Close()

	out := map[string]int64{MethodCentroid: 0, MethodOverlap: 0, MethodUnmatched: 0}
	for rows.Next() {
		var method string
		var n int64
		if err := rows.Scan(&method, &n); err != nil {
			return nil, eris.Wrap(err, "scan link method count")
		}
		out[method] = n
	}
	return out, eris.Wrap(rows.Err(), "iterate link method counts")
}

func unmatched(ctx context.Context, tx pgx.Tx, table string) ([]string, error) {
	rows, err := tx.Query(ctx, "SELECT child_id FROM "+table+" WHERE parent_id IS NULL ORDER BY child_id")
	if err != nil {
		return nil, eris.Wrap(err, "list unmatched children")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "scan unmatched child")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "iterate unmatched children")
}

// LinkAll links every declared hierarchy edge through r, or only the edges
// touching ids when given. Call it after the builds of both endpoints have
// committed.
func (l *Linker) LinkAll(ctx context.Context, r *runner.Runner, ids ...string) ([]*Result, error) {
	h, err := l.reg.Hierarchy()
	if err != nil {
		return nil, err
	}
	edges := h.Edges
	if len(ids) > 0 {
		edges = h.EdgesTouching(ids...)
	}

	results := make([]*Result, len(edges))
	jobs := make([]runner.Job, len(edges))
	for i, e := range edges {
		jobs[i] = runner.Job{
			Kind:   "link",
			Target: e.String(),
			Run: func(ctx context.Context) (runner.Outcome, error) {
				res, err := l.Link(ctx, e.Parent, e.Child)
				if err != nil {
					return runner.Outcome{}, err
				}
				results[i] = res
				return runner.Outcome{Rows: res.Rows, Metadata: map[string]any{
					"table":     res.Table,
					"unmatched": len(res.Unmatched),
				}}, nil
			},
		}
	}

	report, err := r.Run(ctx, jobs)
	if err != nil {
		return nil, err
	}
	out := make([]*Result, 0, len(results))
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out, report.Err()
}
