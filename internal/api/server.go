// Package api serves the read endpoints. Both are answered from freshness
// caches so request volume never translates into store load.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/trading-arena/internal/freshness"
	"github.com/Rajchodisetti/trading-arena/internal/observ"
	"github.com/Rajchodisetti/trading-arena/internal/store"
)

const (
	DefaultLimit = 30
	MaxLimit     = 200
)

// SeriesSource backs /performance.
type SeriesSource interface {
	SeriesPoints(ctx context.Context) ([]store.SeriesPoint, error)
}

// ActivitySource backs /invocations.
type ActivitySource interface {
	RecentActivity(ctx context.Context, limit int) ([]store.ActivityRecord, error)
}

type Config struct {
	PerformanceTTL time.Duration
	InvocationsTTL time.Duration
	// Window is how many activity records the cache holds. Requests are
	// truncated from it, so it is also the largest limit honoured.
	Window       int
	DefaultLimit int
	FetchTimeout time.Duration
	Clock        clockwork.Clock
}

type PerformanceResponse struct {
	Data        []store.SeriesPoint `json:"data"`
	LastUpdated *time.Time          `json:"lastUpdated"`
}

type InvocationsResponse struct {
	Data        []store.ActivityRecord `json:"data"`
	LastUpdated *time.Time             `json:"lastUpdated"`
	Stale       bool                   `json:"stale"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	cfg         Config
	performance *freshness.Cache[[]store.SeriesPoint]
	invocations *freshness.Cache[[]store.ActivityRecord]
	logger      *log.Logger
	mux         *http.ServeMux
}

func NewServer(cfg Config, series SeriesSource, activity ActivitySource, logger *log.Logger) *Server {
	if cfg.PerformanceTTL <= 0 {
		cfg.PerformanceTTL = 5 * time.Minute
	}
	if cfg.InvocationsTTL <= 0 {
		cfg.InvocationsTTL = 2 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = MaxLimit
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.Window {
		cfg.DefaultLimit = min(DefaultLimit, cfg.Window)
	}
	logger = observ.OrDiscard(logger)

	// one coordinator so the two resources share the in-flight table
	flight := freshness.NewCoordinator()
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.performance = freshness.New(series.SeriesPoints, freshness.Options{
		Key:          "performance",
		Policy:       freshness.BlockingRefresh,
		TTL:          cfg.PerformanceTTL,
		FetchTimeout: cfg.FetchTimeout,
		Clock:        cfg.Clock,
		Coordinator:  flight,
		Logger:       logger,
	})
	window := cfg.Window
	s.invocations = freshness.New(func(ctx context.Context) ([]store.ActivityRecord, error) {
		return activity.RecentActivity(ctx, window)
	}, freshness.Options{
		Key:          "invocations",
		Policy:       freshness.StaleWhileRevalidate,
		TTL:          cfg.InvocationsTTL,
		FetchTimeout: cfg.FetchTimeout,
		Clock:        cfg.Clock,
		Coordinator:  flight,
		Logger:       logger,
	})

	s.mux.HandleFunc("GET /performance", s.handlePerformance)
	s.mux.HandleFunc("GET /invocations", s.handleInvocations)
	s.mux.Handle("GET /metrics", observ.Handler())
	s.mux.Handle("GET /health", observ.HealthHandler())
	s.mux.Handle("GET /healthz", observ.Health())
	return s
}

// Handler returns the routes wrapped in CORS and request accounting.
func (s *Server) Handler() http.Handler {
	return withCORS(s.instrument(s.mux))
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	res, err := s.performance.Get(r.Context())
	if err != nil {
		s.logger.Printf("%s: %v", s.performance.Key(), err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load performance data"})
		return
	}
	data := res.Value
	if data == nil {
		data = []store.SeriesPoint{}
	}
	writeJSON(w, http.StatusOK, PerformanceResponse{Data: data, LastUpdated: timePtr(res.LastUpdated)})
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), s.cfg.DefaultLimit, s.cfg.Window)

	// stale-tolerant: never errors
	res, _ := s.invocations.Get(r.Context())
	data := res.Value
	if len(data) > limit {
		data = data[:limit]
	}
	if data == nil {
		data = []store.ActivityRecord{}
	}
	writeJSON(w, http.StatusOK, InvocationsResponse{
		Data:        data,
		LastUpdated: timePtr(res.LastUpdated),
		Stale:       res.Stale,
	})
}

// ParseLimit reads the limit query parameter. Anything unusable becomes
// DefaultLimit and large values are capped at MaxLimit.
func ParseLimit(raw string) int {
	return parseLimit(raw, DefaultLimit, MaxLimit)
}

func parseLimit(raw string, def, upper int) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	// out-of-range input still parses to ±Inf or 0 and is clamped below
	if (err != nil && !errors.Is(err, strconv.ErrRange)) || math.IsNaN(f) {
		return def
	}
	if f > float64(upper) {
		return upper
	}
	if f < 1 {
		return def
	}
	return int(math.Trunc(f))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
