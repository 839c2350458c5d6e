// Package answer compiles question, scope, time, variant and filter
// requests into parameterized aggregation queries and runs them.
//
// Questions are grouped by source. Each source is read at its grain
// geography and, when the requested scope is coarser, rolled up through the
// link table of the scope → grain edge. Results from several sources are
// merged into one Answer per region and time bucket, keyed
// "<question field>__<stat>".
package answer

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/geometry"
	"github.com/sells-group/spacerat/internal/model"
)

// Answer is the statistics of one region for one time bucket. Time is nil
// for sources without time.
type Answer struct {
	Geography string          `json:"geography"`
	Region    string          `json:"region"`
	Time      *time.Time      `json:"time,omitempty"`
	Variant   string          `json:"variant,omitempty"`
	Values    map[string]any  `json:"values"`
	Geometry  json.RawMessage `json:"geometry,omitempty"`
}

// Cache stores answers between calls. Keys are opaque strings.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
}

// Engine answers requests against materialized geographies and links.
type Engine struct {
	pool   db.Pool
	reg    *model.Registry
	schema string
	clock  func() time.Time
	cache  Cache
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock named time domains resolve against.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithCache enables answer caching.
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// NewEngine creates an Engine reading materialized tables from schema.
func NewEngine(pool db.Pool, reg *model.Registry, schema string, opts ...Option) *Engine {
	e := &Engine{pool: pool, reg: reg, schema: schema, clock: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Compile returns the queries Answer would run, without touching the
// datastore.
func (e *Engine) Compile(req Request) ([]Query, error) {
	plans, err := e.compile(req, shapeAggregate, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Query, len(plans))
	for i, p := range plans {
		out[i] = p.Query
	}
	return out, nil
}

// Answer computes the requested statistics. A geography scope yields one
// Answer per region with data and time bucket; a region scope always yields
// at least one Answer, with n = 0 and null statistics when no rows match.
func (e *Engine) Answer(ctx context.Context, req Request) ([]Answer, error) {
	plans, err := e.compile(req, shapeAggregate, 0)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "answer"), zap.String("scope", req.Scope.String()))

	key := ""
	if e.cache != nil {
		key = cacheKey(req, plans)
		var cached []Answer
		hit, err := e.cache.Get(ctx, key, &cached)
		if err != nil {
			log.Warn("answer cache read failed", zap.Error(err))
		}
		if hit {
			return cached, nil
		}
	}

	if req.Scope.Region != "" {
		if err := e.checkRegion(ctx, plans[0].scope, req.Scope.Region); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	results := make([][]Answer, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range plans {
		g.Go(func() error {
			rows, err := e.run(gctx, p, req.Variant)
			results[i] = rows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := merge(results)
	if len(out) == 0 && req.Scope.Region != "" {
		out = []Answer{{Geography: req.Scope.Geography, Region: req.Scope.Region, Variant: req.Variant, Values: map[string]any{}}}
	}
	fill(out, plans)

	if req.Geometry {
		if err := e.attachGeometry(ctx, plans[0].scope, out); err != nil {
			return nil, err
		}
	}

	log.Debug("answered",
		zap.Strings("questions", req.Questions),
		zap.Int("answers", len(out)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, out); err != nil {
			log.Warn("answer cache write failed", zap.Error(err))
		}
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, p *plan, variant string) ([]Answer, error) {
	rows, err := e.pool.Query(ctx, p.SQL, p.Args...)
	if err != nil {
		return nil, db.NewBuildError("answer", p.Source, eris.Wrap(err, "query"))
	}
	defer rows.Close()

	var out []Answer
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, db.NewBuildError("answer", p.Source, eris.Wrap(err, "scan"))
		}
		a := Answer{Geography: p.scope.ID, Variant: variant, Values: make(map[string]any, len(vals))}
		for i, fd := range rows.FieldDescriptions() {
			switch fd.Name {
			case "bucket":
				a.Time = timePtr(vals[i])
			case "region_id":
				a.Region = asString(vals[i])
			default:
				a.Values[fd.Name] = normalize(fd.Name, vals[i])
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewBuildError("answer", p.Source, eris.Wrap(err, "rows"))
	}
	return out, nil
}

func timePtr(v any) *time.Time {
	t, ok := v.(time.Time)
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	b, _ := json.Marshal(v)
	return strings.Trim(string(b), `"`)
}

func answerKey(a Answer) string {
	if a.Time == nil {
		return a.Region + "|"
	}
	return a.Region + "|" + a.Time.UTC().Format(time.RFC3339Nano)
}

// merge combines per-source answers sharing a region and time bucket, in
// region then time order.
func merge(results [][]Answer) []Answer {
	var out []Answer
	index := map[string]int{}
	for _, rs := range results {
		for _, a := range rs {
			k := answerKey(a)
			if i, ok := index[k]; ok {
				for key, v := range a.Values {
					out[i].Values[key] = v
				}
				continue
			}
			index[k] = len(out)
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b Answer) int {
		if c := strings.Compare(a.Region, b.Region); c != 0 {
			return c
		}
		switch {
		case a.Time == nil && b.Time == nil:
			return 0
		case a.Time == nil:
			return -1
		case b.Time == nil:
			return 1
		}
		return a.Time.Compare(*b.Time)
	})
	return out
}

// fill gives every answer every requested key: missing statistics are null
// and a missing n is zero.
func fill(out []Answer, plans []*plan) {
	for i := range out {
		for _, p := range plans {
			for _, q := range p.questions {
				for _, stat := range q.Datatype.Stats() {
					k := q.Key(stat)
					if _, ok := out[i].Values[k]; ok {
						continue
					}
					if stat == "n" {
						out[i].Values[k] = int64(0)
					} else {
						out[i].Values[k] = nil
					}
				}
			}
		}
	}
}

func (e *Engine) checkRegion(ctx context.Context, g *model.Geography, region string) error {
	sql := "SELECT EXISTS (SELECT 1 FROM " + db.Qualify(e.schema, g.Table) +
		" WHERE " + db.Quote(g.IDField) + "::text = $1)"
	var exists bool
	if err := e.pool.QueryRow(ctx, sql, region).Scan(&exists); err != nil {
		return db.NewBuildError("answer", g.ID, eris.Wrap(err, "check region"))
	}
	if !exists {
		return compileErr("region", region, "no such region in %s", g.ID)
	}
	return nil
}

func (e *Engine) attachGeometry(ctx context.Context, g *model.Geography, out []Answer) error {
	ids := make([]string, 0, len(out))
	for _, a := range out {
		ids = append(ids, a.Region)
	}
	geoms, err := e.geometries(ctx, g, ids)
	if err != nil {
		return err
	}
	for i := range out {
		out[i].Geometry = geoms[out[i].Region]
	}
	return nil
}

// geometries returns the GeoJSON geometry of each region in ids.
func (e *Engine) geometries(ctx context.Context, g *model.Geography, ids []string) (map[string]json.RawMessage, error) {
	sql := "SELECT " + db.Quote(g.IDField) + "::text, ST_AsEWKB(" + db.Quote(model.ColumnGeom) + ") FROM " +
		db.Qualify(e.schema, g.Table) + " WHERE " + db.Quote(g.IDField) + "::text = ANY($1)"
	rows, err := e.pool.Query(ctx, sql, ids)
	if err != nil {
		return nil, db.NewBuildError("answer", g.ID, eris.Wrap(err, "query geometry"))
	}
	out := make(map[string]json.RawMessage, len(ids))
	var id string
	var data []byte
	_, err = pgx.ForEachRow(rows, []any{&id, &data}, func() error {
		gj, err := geometry.GeoJSON(data)
		if err != nil {
			return eris.Wrapf(err, "region %s", id)
		}
		out[id] = gj
		return nil
	})
	if err != nil {
		return nil, db.NewBuildError("answer", g.ID, err)
	}
	return out, nil
}

// cacheKey identifies a request by its compiled statements, so named time
// domains resolved at different instants do not share entries.
func cacheKey(req Request, plans []*plan) string {
	qs := make([]Query, len(plans))
	for i, p := range plans {
		qs[i] = p.Query
	}
	b, _ := json.Marshal(struct {
		Queries  []Query `json:"q"`
		Variant  string  `json:"v"`
		Geometry bool    `json:"g"`
	}{qs, req.Variant, req.Geometry})
	return "answer:" + string(b)
}
