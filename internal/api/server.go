// Package api serves model definitions, region lookup and answers over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/spacerat/internal/answer"
	"github.com/sells-group/spacerat/internal/cache"
	"github.com/sells-group/spacerat/internal/maps"
	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/store"
)

// Engine is the query surface the API depends on. *answer.Engine
// implements it.
type Engine interface {
	Answer(ctx context.Context, req answer.Request) ([]answer.Answer, error)
	Records(ctx context.Context, req answer.Request, limit int) ([]answer.Record, error)
	Compile(req answer.Request) ([]answer.Query, error)
	SearchRegions(ctx context.Context, geographyID, q string, limit int) ([]answer.Region, error)
	Region(ctx context.Context, geographyID, id string) (*answer.Region, error)
}

// Breaker classifies map columns. *maps.Builder implements it.
type Breaker interface {
	Breaks(ctx context.Context, req maps.BreaksRequest) ([]float64, error)
}

// RunLister lists ledger runs. Every store.Store implements it.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error)
}

// CacheStats reports answer cache counters.
type CacheStats interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

// Server holds the API dependencies.
type Server struct {
	reg     *model.Registry
	engine  Engine
	breaker Breaker
	runs    RunLister
	cache   CacheStats
	origins []string
	log     *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithBreaker enables GET /maps/{map}/breaks.
func WithBreaker(b Breaker) Option { return func(s *Server) { s.breaker = b } }

// WithRuns enables GET /runs.
func WithRuns(r RunLister) Option { return func(s *Server) { s.runs = r } }

// WithCacheStats enables GET /cache/stats.
func WithCacheStats(c CacheStats) Option { return func(s *Server) { s.cache = c } }

// WithAllowedOrigins sets the CORS origins. The default allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// New creates a Server.
func New(reg *model.Registry, engine Engine, opts ...Option) *Server {
	s := &Server{
		reg:     reg,
		engine:  engine,
		origins: []string{"*"},
		log:     zap.L().With(zap.String("component", "api")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/geographies", func(r chi.Router) {
		r.Get("/", s.listGeographies)
		r.Get("/{id}", s.getGeography)
		r.Get("/{id}/regions", s.searchRegions)
		r.Get("/{id}/regions/{region}", s.getRegion)
	})
	r.Route("/questions", func(r chi.Router) {
		r.Get("/", s.listQuestions)
		r.Get("/{id}", s.getQuestion)
	})
	r.Get("/sources", s.listSources)
	r.Get("/maps", s.listMaps)

	r.Get("/answer", s.answerQuery)
	r.Post("/answer", s.answerBody)
	r.Post("/records", s.records)
	r.Post("/compile", s.compile)

	if s.breaker != nil {
		r.Get("/maps/{map}/breaks", s.breaks)
	}
	if s.runs != nil {
		r.Get("/runs", s.listRuns)
	}
	if s.cache != nil {
		r.Get("/cache/stats", s.cacheStats)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
