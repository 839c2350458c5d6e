package maps

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/stats"
)

// Classification methods for Breaks.
const (
	MethodJenks    = "jenks"
	MethodQuantile = "quantile"
)

// DefaultClasses is the class count used when a BreaksRequest names none.
const DefaultClasses = 5

// BreaksRequest selects a map column to classify.
type BreaksRequest struct {
	Map       string `json:"map"`
	Geography string `json:"geography"`
	Question  string `json:"question"`
	Stat      string `json:"stat"`
	Variant   string `json:"variant,omitempty"`
	Classes   int    `json:"classes,omitempty"`
	Method    string `json:"method,omitempty"`
}

// Breaks returns the inner class breaks (Classes-1 values) of one
// statistic of one question across a map table, for choropleth legends.
func (b *Builder) Breaks(ctx context.Context, req BreaksRequest) ([]float64, error) {
	m, ok := b.reg.Map(req.Map)
	if !ok {
		return nil, eris.Errorf("maps: unknown map %q", req.Map)
	}
	if _, ok := b.reg.Question(req.Question); !ok {
		return nil, eris.Errorf("maps: unknown question %q", req.Question)
	}
	if !NumericStat(req.Stat) {
		return nil, eris.Errorf("maps: %q is not a numeric statistic", req.Stat)
	}
	classes := req.Classes
	if classes == 0 {
		classes = DefaultClasses
	}
	breaks := stats.JenksBreaks
	switch req.Method {
	case "", MethodJenks:
	case MethodQuantile:
		breaks = stats.QuantileBreaks
	default:
		return nil, eris.Errorf("maps: unknown break method %q", req.Method)
	}

	table := TableName(m.Source, req.Geography, req.Variant)
	sql := fmt.Sprintf("SELECT %s::float8 FROM %s WHERE question_id = $1 AND %s IS NOT NULL",
		db.Quote(req.Stat), db.Qualify(b.schema, table), db.Quote(req.Stat))
	rows, err := b.pool.Query(ctx, sql, req.Question)
	if err != nil {
		return nil, db.NewBuildError("breaks", table, eris.Wrap(err, "query"))
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[float64])
	if err != nil {
		return nil, db.NewBuildError("breaks", table, eris.Wrap(err, "scan"))
	}
	out, err := breaks(values, classes)
	if err != nil {
		return nil, eris.Wrapf(err, "maps: breaks for %s.%s", req.Question, req.Stat)
	}
	return out, nil
}
