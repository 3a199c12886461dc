package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/search"
	"github.com/bdougie/framesearch/internal/storage"
)

const (
	defaultResults = 10
	maxResults     = 100
	shutdownGrace  = 10 * time.Second
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// Server exposes search over HTTP.
type Server struct {
	searcher      *search.Searcher
	catalog       *search.Catalog
	store         storage.Store
	collection    string
	location      string
	logger        *slog.Logger
	errorHandlers []errorHandler
}

// New creates an HTTP API server.
func New(searcher *search.Searcher, catalog *search.Catalog, store storage.Store, collection, location string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		searcher:   searcher,
		catalog:    catalog,
		store:      store,
		collection: collection,
		location:   location,
		logger:     logger,
		errorHandlers: []errorHandler{
			sentinelHandler(models.ErrNotFound, http.StatusNotFound),
			sentinelHandler(models.ErrDimensionMismatch, http.StatusBadRequest),
			sentinelHandler(models.ErrQueueFull, http.StatusTooManyRequests),
			sentinelHandler(models.ErrEmbeddingProvider, http.StatusBadGateway),
		},
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/info", s.info)
		r.Get("/videos", s.videos)
		r.Get("/videos/{name}/scenes", s.scenes)
		r.Get("/search", s.search)
		r.Get("/frames/{id}/similar", s.similar)
		r.Get("/frames/{id}/image", s.image)
	})

	return otelhttp.NewHandler(r, "framesearch")
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.logger.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	info, err := storage.Describe(r.Context(), s.store, s.collection, s.location)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) videos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.catalog.Videos(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos})
}

func (s *Server) scenes(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	scenes, err := s.catalog.Scenes(r.Context(), name)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if len(scenes) == 0 {
		writeError(w, http.StatusNotFound, "no frames found for video "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"video": name, "scenes": scenes})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	n, ok := resultCount(w, r)
	if !ok {
		return
	}

	matches, err := s.searcher.Search(r.Context(), q, n)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: q, Results: toResults(matches)})
}

func (s *Server) similar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, ok := resultCount(w, r)
	if !ok {
		return
	}

	matches, err := s.searcher.Similar(r.Context(), id, n)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{FrameID: id, Results: toResults(matches)})
}

func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	rec, err := s.searcher.Frame(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	data, err := s.searcher.FrameImage(r.Context(), rec)
	if err != nil {
		s.handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	for _, h := range s.errorHandlers {
		if h(w, err) {
			return
		}
	}
	s.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func resultCount(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return defaultResults, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxResults {
		writeError(w, http.StatusBadRequest, "n must be an integer between 1 and "+strconv.Itoa(maxResults))
		return 0, false
	}
	return n, true
}

type result struct {
	ID          string  `json:"id"`
	VideoName   string  `json:"video_name"`
	SceneIdx    int     `json:"scene_idx"`
	FrameIdx    int     `json:"frame_idx"`
	FrameSample int     `json:"frame_sample"`
	Timestamp   float64 `json:"timestamp"`
	Caption     string  `json:"caption,omitempty"`
	Distance    float64 `json:"distance"`
	Similarity  float64 `json:"similarity"`
}

type searchResponse struct {
	Query   string   `json:"query,omitempty"`
	FrameID string   `json:"frame_id,omitempty"`
	Results []result `json:"results"`
}

func toResults(matches []models.Match) []result {
	out := make([]result, len(matches))
	for i, m := range matches {
		out[i] = result{
			ID:          m.Record.ID,
			VideoName:   m.Record.VideoName,
			SceneIdx:    m.Record.SceneIdx,
			FrameIdx:    m.Record.FrameIdx,
			FrameSample: m.Record.FrameSample,
			Timestamp:   m.Record.Timestamp,
			Caption:     m.Record.Caption,
			Distance:    m.Distance,
			Similarity:  m.Similarity,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func sentinelHandler(sentinel error, status int) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, sentinel.Error())
		return true
	}
}
