package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/geometry"
	"github.com/sells-group/spacerat/internal/model"
)

// DefaultSearchLimit caps SearchRegions when the caller passes no limit.
const DefaultSearchLimit = 20

// Region is one materialized region.
type Region struct {
	Geography string          `json:"geography"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Score     float64         `json:"score,omitempty"`
	Geometry  json.RawMessage `json:"geometry,omitempty"`
	Centroid  json.RawMessage `json:"centroid,omitempty"`
}

// SearchRegions finds regions of a geography whose name resembles q, best
// match first. Matching uses trigram similarity or a substring match.
func (e *Engine) SearchRegions(ctx context.Context, geographyID, q string, limit int) ([]Region, error) {
	g, ok := e.reg.Geography(geographyID)
	if !ok {
		return nil, compileErr("geography", geographyID, "unknown geography")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	sql := fmt.Sprintf(`SELECT %s::text, name, similarity(name, $1) AS score
FROM %s
WHERE name %% $1 OR strpos(lower(name), lower($1)) > 0
ORDER BY score DESC, 1
LIMIT $2`, db.Quote(g.IDField), db.Qualify(e.schema, g.Table))

	rows, err := e.pool.Query(ctx, sql, q, limit)
	if err != nil {
		return nil, db.NewBuildError("answer", g.ID, eris.Wrap(err, "search regions"))
	}
	var out []Region
	var r Region
	_, err = pgx.ForEachRow(rows, []any{&r.ID, &r.Name, &r.Score}, func() error {
		r.Geography = g.ID
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, db.NewBuildError("answer", g.ID, eris.Wrap(err, "scan regions"))
	}
	return out, nil
}

// Region returns one region with its geometry and centroid as GeoJSON.
func (e *Engine) Region(ctx context.Context, geographyID, id string) (*Region, error) {
	g, ok := e.reg.Geography(geographyID)
	if !ok {
		return nil, compileErr("geography", geographyID, "unknown geography")
	}
	sql := fmt.Sprintf(`SELECT %s::text, name, ST_AsEWKB(geom), ST_AsEWKB(centroid) FROM %s WHERE %s::text = $1`,
		db.Quote(g.IDField), db.Qualify(e.schema, g.Table), db.Quote(g.IDField))

	r := &Region{Geography: g.ID}
	var geom, centroid []byte
	err := e.pool.QueryRow(ctx, sql, id).Scan(&r.ID, &r.Name, &geom, &centroid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, compileErr("region", id, "no such region in %s", g.ID)
	}
	if err != nil {
		return nil, db.NewBuildError("answer", g.ID, eris.Wrap(err, "get region"))
	}
	if r.Geometry, err = geometry.GeoJSON(geom); err != nil {
		return nil, err
	}
	if r.Centroid, err = geometry.GeoJSON(centroid); err != nil {
		return nil, err
	}
	return r, nil
}

// Geography returns a geography definition.
func (e *Engine) Geography(id string) (*model.Geography, error) {
	g, ok := e.reg.Geography(id)
	if !ok {
		return nil, compileErr("geography", id, "unknown geography")
	}
	return g, nil
}

// Question returns a question definition.
func (e *Engine) Question(id string) (*model.Question, error) {
	q, ok := e.reg.Question(id)
	if !ok {
		return nil, compileErr("question", id, "unknown question")
	}
	return q, nil
}
