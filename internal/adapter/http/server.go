// Package http exposes batches, artifacts and the batch codec over HTTP.
package http

import (
	"net/http"
	"time"

	"github.com/bnema/pixbatch/internal/adapter/http/middleware"
	"github.com/bnema/pixbatch/internal/adapter/http/ratelimit"
	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/port"
)

type Config struct {
	Defaults       domain.ConversionOptions
	MaxUploadBytes int64
	BehindProxy    bool
	// Codec, when set, is served on remote.BatchPath.
	Codec            port.ImageConverter
	CodecConcurrency int
	// SubmitLimit caps batch submissions per client and SubmitWindow.
	SubmitLimit  int
	SubmitWindow time.Duration
}

type Server struct {
	mux      *http.ServeMux
	handlers *Handlers
	sse      *SSEHandler
	codec    *CodecHandler
	limiter  *ratelimit.Limiter
	cfg      Config
}

func NewServer(batches BatchService, events EventSource, cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 500 << 20
	}
	if cfg.SubmitLimit <= 0 {
		cfg.SubmitLimit = 30
	}
	if cfg.SubmitWindow <= 0 {
		cfg.SubmitWindow = time.Minute
	}

	s := &Server{
		mux:      http.NewServeMux(),
		handlers: NewHandlers(batches, cfg.Defaults, cfg.MaxUploadBytes),
		sse:      NewSSEHandler(events, batches),
		limiter:  ratelimit.NewLimiter(cfg.SubmitLimit, cfg.SubmitWindow, 2*cfg.SubmitWindow),
		cfg:      cfg,
	}
	if cfg.Codec != nil {
		s.codec = NewCodecHandler(cfg.Codec, cfg.CodecConcurrency, cfg.MaxUploadBytes)
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	submit := ratelimit.Middleware(s.limiter, s.cfg.BehindProxy, s.handlers.SubmitBatch())
	s.mux.Handle("POST /batches", submit)
	s.mux.HandleFunc("GET /batches", s.handlers.ListBatches())
	s.mux.HandleFunc("GET /batches/{id}", s.handlers.GetBatch())
	s.mux.HandleFunc("DELETE /batches/{id}", s.handlers.CancelBatch())
	s.mux.HandleFunc("POST /batches/{id}/items/{item}/retry", s.handlers.RetryItem())
	s.mux.HandleFunc("GET /batches/{id}/events", s.sse.Events())

	s.mux.HandleFunc("GET /artifacts/{item}", s.handlers.Artifact())
	s.mux.HandleFunc("GET /artifacts/{item}/stale", s.handlers.ArtifactStale())

	s.mux.HandleFunc("GET /resize", s.handlers.Resize())

	if s.codec != nil {
		s.mux.HandleFunc("POST /codec/batch", s.codec.ConvertBatch())
	}

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	middleware.RequestLog(middleware.SecurityHeaders(s.cfg.BehindProxy, s.mux)).ServeHTTP(w, r)
}
