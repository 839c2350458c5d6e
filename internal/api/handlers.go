package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/spacerat/internal/answer"
	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/geometry"
	"github.com/sells-group/spacerat/internal/maps"
	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/store"
)

const formatGeoJSON = "geojson"

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listGeographies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Geographies())
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Sources())
}

func (s *Server) listQuestions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Questions())
}

func (s *Server) listMaps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Maps())
}

// geographyView adds the hierarchy neighbours to a geography definition.
type geographyView struct {
	*model.Geography
	Parents  []string `json:"parents"`
	Children []string `json:"children"`
	Sources  []string `json:"sources"`
}

func (s *Server) getGeography(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, ok := s.reg.Geography(id)
	if !ok {
		notFound(w, "geography", id)
		return
	}
	view := geographyView{Geography: g, Parents: []string{}, Children: []string{}, Sources: []string{}}
	if h, err := s.reg.Hierarchy(); err == nil {
		view.Parents = append(view.Parents, h.Parents(id)...)
		view.Children = append(view.Children, h.Children(id)...)
	}
	for _, src := range s.reg.Sources() {
		if src.SpatialResolution == id {
			view.Sources = append(view.Sources, src.ID)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getQuestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, ok := s.reg.Question(id)
	if !ok {
		notFound(w, "question", id)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*model.Question
		Stats []string `json:"stats"`
	}{q, q.Datatype.Stats()})
}

func (s *Server) searchRegions(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		badRequest(w, "q is required")
		return
	}
	limit, err := intParam(r, "limit", answer.DefaultSearchLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	regions, err := s.engine.SearchRegions(r.Context(), chi.URLParam(r, "id"), q, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if regions == nil {
		regions = []answer.Region{}
	}
	writeJSON(w, http.StatusOK, regions)
}

func (s *Server) getRegion(w http.ResponseWriter, r *http.Request) {
	region, err := s.engine.Region(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "region"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") != formatGeoJSON {
		writeJSON(w, http.StatusOK, region)
		return
	}
	f, err := geometry.FeatureFromGeoJSON(region.ID, region.Geometry, map[string]any{
		"geography": region.Geography,
		"name":      region.Name,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeGeoJSON(w, f)
}

// answerQuery reads a request from URL parameters:
//
//	/answer?questions=a,b&scope=county.42003&time=2024&variant=residential&filter=owner:SMITH
func (s *Server) answerQuery(w http.ResponseWriter, r *http.Request) {
	req, err := requestFromQuery(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	s.respondAnswers(w, r, req)
}

func (s *Server) answerBody(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	s.respondAnswers(w, r, req)
}

func (s *Server) respondAnswers(w http.ResponseWriter, r *http.Request, req answer.Request) {
	geo := r.URL.Query().Get("format") == formatGeoJSON
	if geo {
		req.Geometry = true
	}
	answers, err := s.engine.Answer(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if answers == nil {
		answers = []answer.Answer{}
	}
	if !geo {
		writeJSON(w, http.StatusOK, answers)
		return
	}
	features := make([]*geojson.Feature, 0, len(answers))
	for _, a := range answers {
		props := make(map[string]any, len(a.Values)+3)
		for k, v := range a.Values {
			props[k] = v
		}
		props["geography"] = a.Geography
		if a.Time != nil {
			props["time"] = a.Time.Format(time.RFC3339)
		}
		if a.Variant != "" {
			props["variant"] = a.Variant
		}
		f, err := geometry.FeatureFromGeoJSON(a.Region, a.Geometry, props)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		features = append(features, f)
	}
	writeGeoJSON(w, geometry.Collection(features...))
}

func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", answer.DefaultRecordLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	records, err := s.engine.Records(r.Context(), req, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []answer.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) compile(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	queries, err := s.engine.Compile(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queries)
}

func (s *Server) breaks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	classes, err := intParam(r, "classes", maps.DefaultClasses)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req := maps.BreaksRequest{
		Map:       chi.URLParam(r, "map"),
		Geography: q.Get("geography"),
		Question:  q.Get("question"),
		Stat:      q.Get("stat"),
		Variant:   q.Get("variant"),
		Classes:   classes,
		Method:    q.Get("method"),
	}
	if req.Geography == "" || req.Question == "" || req.Stat == "" {
		badRequest(w, "geography, question and stat are required")
		return
	}
	out, err := s.breaker.Breaks(r.Context(), req)
	if err != nil {
		if statusOf(err) == http.StatusInternalServerError {
			badRequest(w, err.Error())
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"map":       req.Map,
		"geography": req.Geography,
		"question":  req.Question,
		"stat":      req.Stat,
		"table":     maps.TableName(mapSource(s.reg, req.Map), req.Geography, req.Variant),
		"breaks":    out,
	})
}

func mapSource(reg *model.Registry, id string) string {
	if m, ok := reg.Map(id); ok {
		return m.Source
	}
	return ""
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), store.RunFilter{
		Kind:   q.Get("kind"),
		Target: q.Get("target"),
		Status: store.Status(q.Get("status")),
		Limit:  limit,
	})
	if err != nil {
		s.writeError(w, r, db.NewBuildError("runs", "ledger", err))
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, db.NewBuildError("cache", "stats", err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (answer.Request, bool) {
	var req answer.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return req, false
	}
	return req, true
}

func requestFromQuery(r *http.Request) (answer.Request, error) {
	q := r.URL.Query()
	var req answer.Request
	for _, v := range q["questions"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.Questions = append(req.Questions, id)
			}
		}
	}
	req.Scope = answer.ParseScope(q.Get("scope"))
	t, err := answer.ParseTime(q.Get("time"))
	if err != nil {
		return req, err
	}
	req.Time = t
	req.Variant = q.Get("variant")
	req.Geometry = q.Get("geometry") == "true"
	filters, err := ParseFilters(q["filter"])
	if err != nil {
		return req, err
	}
	req.Filters = filters
	return req, nil
}

// ParseFilters reads "name:arg" filter expressions. Each expression supplies
// the next parameter of the named filter, so a two-parameter filter is given
// twice. The argument is kept whole; set parameters split it on commas.
func ParseFilters(exprs []string) (map[string][]any, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	out := make(map[string][]any, len(exprs))
	for _, e := range exprs {
		name, arg, ok := strings.Cut(e, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, eris.Errorf("invalid filter %q: want name:arg", e)
		}
		out[name] = append(out[name], strings.TrimSpace(arg))
	}
	return out, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, eris.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}
