package answer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spacerat/internal/db"
)

// DefaultRecordLimit caps Records when the caller passes no limit.
const DefaultRecordLimit = 1000

// Record is one source row that survived a request's restrictions, before
// aggregation.
type Record struct {
	Region    string         `json:"region"`
	Subregion string         `json:"subregion"`
	Time      *time.Time     `json:"time,omitempty"`
	Values    map[string]any `json:"values"`
}

// Records returns the source rows a request aggregates, keyed by question
// field name, at most limit per source.
func (e *Engine) Records(ctx context.Context, req Request, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	plans, err := e.compile(req, shapeRecords, limit)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, p := range plans {
		recs, err := e.records(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (e *Engine) records(ctx context.Context, p *plan) ([]Record, error) {
	rows, err := e.pool.Query(ctx, p.SQL, p.Args...)
	if err != nil {
		return nil, db.NewBuildError("answer", p.Source, eris.Wrap(err, "query records"))
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, db.NewBuildError("answer", p.Source, eris.Wrap(err, "scan record"))
		}
		r := Record{Values: make(map[string]any, len(p.questions))}
		for i, fd := range rows.FieldDescriptions() {
			switch fd.Name {
			case "bucket":
				r.Time = timePtr(vals[i])
			case "region_id":
				r.Region = asString(vals[i])
			case "region":
				r.Subregion = asString(vals[i])
			default:
				r.Values[fd.Name] = vals[i]
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewBuildError("answer", p.Source, eris.Wrap(err, "rows"))
	}
	return out, nil
}
