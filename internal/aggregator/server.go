package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// maxBodyBytes bounds the submission payload size.
const maxBodyBytes = 1 << 20

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port int
}

// Server is the aggregator's HTTP API: response submission, health, and
// finalized-result lookup.
type Server struct {
	httpServer *http.Server
	collector  *Collector
	engine     *Engine
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered.
func NewServer(cfg ServerConfig, collector *Collector, engine *Engine, logger *slog.Logger) *Server {
	s := &Server{
		collector: collector,
		engine:    engine,
		logger:    logger.With(slog.String("component", "aggregator_server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit-response", s.handleSubmit)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /consensus/{index}", s.handleConsensus)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      logging(s.logger)(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening and blocks until the server errors or shuts down.
func (s *Server) Start() error {
	s.logger.Info("aggregator listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("aggregator: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("aggregator shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var signed domain.SignedTaskResponse
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&signed); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	if _, done := s.engine.Result(signed.ReferenceTaskIndex); done {
		writeError(w, http.StatusConflict, domain.ErrTaskFinalized.Error())
		return
	}

	submissionID, err := s.collector.Submit(r.Context(), signed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "success",
		"submissionId": submissionID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "task index must be a non-negative integer")
		return
	}

	result, ok := s.engine.Result(uint32(index))
	if !ok {
		writeError(w, http.StatusNotFound, "no terminal result for task")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeJSON marshals v and writes it with the given status. Marshal failure
// falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// logging wraps the mux with structured request logging.
func logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.InfoContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// responseWriter captures the status code for the request log.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}
