package answer

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/link"
	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/predicate"
)

// Scope names what a request aggregates to: every region of Geography, or
// the single region Region of it.
type Scope struct {
	Geography string `json:"geography"`
	Region    string `json:"region,omitempty"`
}

func (s Scope) String() string {
	if s.Region == "" {
		return s.Geography
	}
	return s.Geography + "." + s.Region
}

// ParseScope parses "geography" or "geography.region".
func ParseScope(s string) Scope {
	geo, region, _ := strings.Cut(s, ".")
	return Scope{Geography: geo, Region: region}
}

// Request is one answer call.
type Request struct {
	Questions []string         `json:"questions"`
	Scope     Scope            `json:"scope"`
	Time      TimeSpec         `json:"time"`
	Variant   string           `json:"variant,omitempty"`
	Filters   map[string][]any `json:"filters,omitempty"`
	Geometry  bool             `json:"geometry,omitempty"`
}

// Query is the compiled statement answering the questions of one source.
type Query struct {
	Source    string   `json:"source"`
	Geography string   `json:"geography"`
	Grain     string   `json:"grain"`
	Questions []string `json:"questions"`
	SQL       string   `json:"sql"`
	Args      []any    `json:"args"`
}

// plan is a compiled query with the definitions it was built from.
type plan struct {
	Query
	source    *model.Source
	scope     *model.Geography
	grain     *model.Geography
	questions []*model.Question
}

// spatial reports whether rows at the grain roll up to a coarser scope
// through a link table.
func (p *plan) spatial() bool {
	return p.grain.ID != p.scope.ID
}

// queryShape selects the final SELECT of a compiled query.
type queryShape int

const (
	shapeAggregate queryShape = iota
	shapeRecords
)

// compile resolves every id in req and builds one query per source.
func (e *Engine) compile(req Request, shape queryShape, limit int) ([]*plan, error) {
	if len(req.Questions) == 0 {
		return nil, compileErr("question", "", "no questions requested")
	}
	scope, ok := e.reg.Geography(req.Scope.Geography)
	if !ok {
		return nil, compileErr("geography", req.Scope.Geography, "unknown geography")
	}

	var plans []*plan
	bySource := map[string]*plan{}
	seen := map[string]bool{}
	for _, qid := range req.Questions {
		if seen[qid] {
			continue
		}
		seen[qid] = true
		q, ok := e.reg.Question(qid)
		if !ok {
			return nil, compileErr("question", qid, "unknown question")
		}
		p, ok := bySource[q.Source]
		if !ok {
			src, ok := e.reg.Source(q.Source)
			if !ok {
				return nil, compileErr("question", qid, "unknown source %q", q.Source)
			}
			grain, err := e.grain(scope, src)
			if err != nil {
				return nil, err
			}
			p = &plan{source: src, scope: scope, grain: grain}
			p.Source, p.Geography, p.Grain = src.ID, scope.ID, grain.ID
			bySource[q.Source] = p
			plans = append(plans, p)
		}
		p.questions = append(p.questions, q)
		p.Questions = append(p.Questions, q.ID)
	}

	now := e.clock()
	for _, p := range plans {
		if err := e.build(p, req, now, shape, limit); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

// grain returns the geography a source's rows are read at for scope: the
// scope itself or one of its direct subgeographies. Point sources are read
// at the scope, matched by containment.
func (e *Engine) grain(scope *model.Geography, src *model.Source) (*model.Geography, error) {
	if src.Point() {
		return scope, nil
	}
	if !src.Aggregates(scope) {
		return nil, compileErr("geography", scope.ID,
			"cannot aggregate source %s, recorded at %s, which is not %s or one of its subgeographies",
			src.ID, src.SpatialResolution, scope.ID)
	}
	g, ok := e.reg.Geography(src.SpatialResolution)
	if !ok {
		return nil, compileErr("geography", src.SpatialResolution, "unknown geography")
	}
	return g, nil
}

func valueType(d model.Datatype) string {
	switch d {
	case model.Continuous:
		return "float8"
	case model.Boolean:
		return "boolean"
	case model.Date:
		return "timestamptz"
	}
	return "text"
}

// aggregates returns the aggregate select items of q over the filtered rows.
func aggregates(q *model.Question) []string {
	f := db.Quote(q.FieldName())
	col := func(stat, expr string) string {
		return expr + " AS " + db.Quote(q.Key(stat))
	}
	ordered := func(agg string) string {
		return agg + " WITHIN GROUP (ORDER BY " + f + ")"
	}
	n := col("n", "count("+f+")")
	switch q.Datatype {
	case model.Continuous:
		return []string{
			col("mean", "avg("+f+")"),
			col("mode", ordered("mode()")),
			col("min", "min("+f+")"),
			col("first_quartile", ordered("percentile_cont(0.25)")),
			col("median", ordered("percentile_cont(0.5)")),
			col("third_quartile", ordered("percentile_cont(0.75)")),
			col("max", "max("+f+")"),
			col("stddev", "stddev_samp("+f+")"),
			col("sum", "sum("+f+")"),
			n,
		}
	case model.Boolean:
		return []string{
			col("count", "count(*) FILTER (WHERE "+f+")"),
			col("percent", "(count(*) FILTER (WHERE "+f+"))::float8 / NULLIF(count(*), 0)"),
			n,
		}
	case model.Date:
		return []string{
			col("min", "min("+f+")"),
			col("max", "max("+f+")"),
			n,
		}
	}
	return []string{col("mode", ordered("mode()")), n}
}

// pointColumn holds a point source's geometry inside the statement.
const pointColumn = "_geom"

// build writes the SQL and arguments of p.
//
// The statement reads the source into src, joins each row to its grain
// region (by id, or by containment for point sources, and for a coarser
// scope through the link table) in filtered, where
// variant, filter, time and scope restrictions apply, then aggregates per
// region and time bucket.
func (e *Engine) build(p *plan, req Request, now time.Time, shape queryShape, limit int) error {
	src, grain := p.source, p.grain
	args := &predicate.Args{}
	var conds []string

	if req.Variant != "" {
		v, ok := grain.Variant(req.Variant)
		if !ok {
			return compileErr("variant", req.Variant, "not a variant of %s (known: %s)",
				grain.ID, strings.Join(grain.VariantNames(), ", "))
		}
		sql, err := predicate.Compile(v, "sub", args, nil)
		if err != nil {
			return compileErr("variant", req.Variant, "%v", err)
		}
		conds = append(conds, sql)
	}

	names := make([]string, 0, len(req.Filters))
	for name := range req.Filters {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		f, ok := grain.Filter(name)
		if !ok {
			return compileErr("filter", name, "not a filter of %s (known: %s)",
				grain.ID, strings.Join(grain.FilterNames(), ", "))
		}
		sql, err := predicate.Compile(f, "sub", args, req.Filters[name])
		if err != nil {
			return compileErr("filter", name, "%v", err)
		}
		conds = append(conds, sql)
	}

	bucket := "NULL::timestamptz"
	latest := false
	if src.Temporal() {
		res := args.Add(src.TemporalResolution)
		bucket = "date_trunc(" + res + ", src.time)"
		switch t := req.Time; t.kind() {
		case TimeLatest:
			latest = true
		case TimePoint:
			conds = append(conds, bucket+" = date_trunc("+res+", "+args.Add(t.At)+"::timestamptz)")
		case TimeRange:
			conds = append(conds, fmt.Sprintf("%s BETWEEN date_trunc(%s, %s::timestamptz) AND date_trunc(%s, %s::timestamptz)",
				bucket, res, args.Add(t.From), res, args.Add(t.To)))
		case TimeNamed:
			w, err := namedWindow(t.Domain, src.TemporalResolution, now)
			if err != nil {
				return compileErr("time", t.Domain, "%v", err)
			}
			conds = append(conds, "src.time >= "+args.Add(w.from)+"::timestamptz")
			if !w.to.IsZero() {
				conds = append(conds, "src.time < "+args.Add(w.to)+"::timestamptz")
			}
		case TimeAll:
		default:
			return compileErr("time", string(t.Kind), "unknown time selection")
		}
	}

	regionID := "sub." + db.Quote(grain.IDField) + "::text"
	if p.spatial() {
		regionID = "lnk.parent_id"
	}
	if req.Scope.Region != "" {
		conds = append(conds, regionID+" = "+args.Add(req.Scope.Region))
	} else if p.spatial() {
		conds = append(conds, "lnk.parent_id IS NOT NULL")
	}

	var b strings.Builder
	region := "NULL::text"
	if src.RegionSelect != "" {
		region = "(" + src.RegionSelect + ")::text"
	}
	b.WriteString("WITH src AS (\n\tSELECT " + region + " AS region,\n\t\t")
	if src.Point() {
		b.WriteString("(" + src.GeomSelect + ") AS " + pointColumn + ",\n\t\t")
	}
	if src.Temporal() {
		b.WriteString("(" + src.TimeSelect + ")::timestamptz AS time")
	} else {
		b.WriteString("NULL::timestamptz AS time")
	}
	for _, q := range p.questions {
		fmt.Fprintf(&b, ",\n\t\t(%s)::%s AS %s", q.ValueSelect, valueType(q.Datatype), db.Quote(q.FieldName()))
	}
	b.WriteString("\n\tFROM " + db.QuoteTable(src.Table) + "\n), filtered AS (\n")
	b.WriteString("\tSELECT " + bucket + " AS bucket, " + regionID + " AS region_id, src.*\n\tFROM src\n")
	if src.Point() {
		fmt.Fprintf(&b, "\tJOIN %s sub ON ST_Covers(sub.%s, src.%s)\n", db.Qualify(e.schema, grain.Table), db.Quote(model.ColumnGeom), pointColumn)
	} else {
		fmt.Fprintf(&b, "\tJOIN %s sub ON sub.%s::text = src.region\n", db.Qualify(e.schema, grain.Table), db.Quote(grain.IDField))
	}
	if p.spatial() {
		fmt.Fprintf(&b, "\tJOIN %s lnk ON lnk.child_id = src.region\n", db.Qualify(e.schema, link.TableName(p.scope.ID, grain.ID)))
	}
	if len(conds) > 0 {
		b.WriteString("\tWHERE " + strings.Join(conds, "\n\t  AND ") + "\n")
	}
	b.WriteString(")\n")

	latestCond := "WHERE bucket = (SELECT max(bucket) FROM filtered)\n"
	switch shape {
	case shapeRecords:
		b.WriteString("SELECT bucket, region_id, region")
		for _, q := range p.questions {
			b.WriteString(", " + db.Quote(q.FieldName()))
		}
		b.WriteString("\nFROM filtered\n")
		if latest {
			b.WriteString(latestCond)
		}
		b.WriteString("ORDER BY region_id, region, bucket\nLIMIT " + args.Add(limit))
	default:
		b.WriteString("SELECT bucket, region_id")
		for _, q := range p.questions {
			for _, agg := range aggregates(q) {
				b.WriteString(",\n\t" + agg)
			}
		}
		b.WriteString("\nFROM filtered\n")
		if latest {
			b.WriteString(latestCond)
		}
		b.WriteString("GROUP BY bucket, region_id\nORDER BY region_id, bucket")
	}

	p.SQL = b.String()
	p.Args = args.Values()
	return nil
}
