// Package httpapi exposes the manager over HTTP for operators: dispatch,
// engine listings, model statistics, probes and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"engined/internal/engine"
	"engined/internal/monitor"
	"engined/internal/registry"
	"engined/internal/router"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Dispatch(ctx context.Context, req router.Request) (*router.Response, error)
	ListEngines(ctx context.Context) []engine.Health
	GetStats(modelID string) (monitor.ModelStat, error)
	AllStats() []monitor.ModelStat
	History(modelID string) ([]monitor.Sample, error)
	Models() []registry.Model
	Ready() bool
}

// Options tunes the HTTP layer. Zero values take defaults.
type Options struct {
	Logger zerolog.Logger
	// BaseContext is canceled on shutdown; in-flight dispatches stop with it.
	BaseContext context.Context
	// MaxBodyBytes limits dispatch bodies (default 1 MiB).
	MaxBodyBytes int64
	// LogLevel is the default per-request log level.
	LogLevel LogLevel
	// AllowedOrigins enables CORS when not empty.
	AllowedOrigins []string
}

type server struct {
	svc     Service
	log     zerolog.Logger
	base    context.Context
	maxBody int64
	level   LogLevel
}

func NewMux(svc Service, opts Options) http.Handler {
	s := &server{
		svc:     svc,
		log:     opts.Logger.With().Str("component", "httpapi").Logger(),
		base:    opts.BaseContext,
		maxBody: opts.MaxBodyBytes,
		level:   opts.LogLevel,
	}
	if s.base == nil {
		s.base = context.Background()
	}
	if s.maxBody <= 0 {
		s.maxBody = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Log-Level", "X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"models": svc.Models()})
	})
	r.Get("/engines", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"engines": svc.ListEngines(r.Context())})
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"models": svc.AllStats()})
	})
	r.Get("/stats/{model}", s.stats)
	r.Get("/stats/{model}/history", s.history)
	r.Post("/dispatch", s.dispatch)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetStats(chi.URLParam(r, "model"))
	if errors.Is(err, monitor.ErrNotTracked) {
		writeJSONError(w, http.StatusNotFound, err.Error(), router.KindNotFound)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, st)
}

func (s *server) history(w http.ResponseWriter, r *http.Request) {
	samples, err := s.svc.History(chi.URLParam(r, "model"))
	if errors.Is(err, monitor.ErrNotTracked) {
		writeJSONError(w, http.StatusNotFound, err.Error(), router.KindNotFound)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, map[string]any{"samples": samples})
}

func (s *server) dispatch(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if strings.TrimSpace(req.ModelID) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required", "")
		return
	}
	if _, err := router.ParseOp(string(req.Op)); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	lvl := requestLogLevel(r, s.level)
	log := s.log.With().Str("model", req.ModelID).Str("op", string(req.Op)).Str("request_id", middleware.GetReqID(r.Context())).Logger()
	start := time.Now()
	if lvl >= LevelInfo {
		log.Info().Msg("dispatch start")
	}

	// Shutdown cancels work too.
	ctx, cancel := joinContexts(s.base, r.Context())
	defer cancel()
	resp, err := s.svc.Dispatch(ctx, req)
	if err != nil {
		kind := router.KindOf(err)
		status := statusFor(kind)
		if kind != router.KindCanceled {
			writeJSONError(w, status, err.Error(), kind)
		}
		if lvl >= LevelError {
			log.Warn().Int("status", status).Str("kind", string(kind)).Dur("dur", time.Since(start)).Err(err).Msg("dispatch end")
		}
		return
	}
	defer resp.Close()

	switch req.Op {
	case router.OpInfer:
		var out io.Writer = w
		if lvl >= LevelDebug {
			out = io.MultiWriter(w, &loggingLineWriter{log: log})
		}
		if gjson.GetBytes(req.Payload, "stream").Bool() {
			err = writeSSE(ctx, w, out, resp)
		} else {
			err = writeBody(ctx, w, out, resp)
		}
	default:
		writeJSON(w, map[string]any{
			"model":   resp.ModelID,
			"engine":  resp.Provider,
			"op":      resp.Op,
			"session": resp.Session,
		})
	}
	if lvl >= LevelInfo {
		ev := log.Info()
		if err != nil {
			ev = ev.Err(err).Str("kind", string(router.KindOf(err)))
		}
		ev.Dur("dur", time.Since(start)).Msg("dispatch end")
	}
}

// writeSSE relays chunks as server-sent events. Headers are already sent
// when a mid-stream failure happens, so it is reported as an error event.
func writeSSE(ctx context.Context, w http.ResponseWriter, out io.Writer, resp *router.Response) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	w.WriteHeader(http.StatusOK)
	for {
		select {
		case chunk, ok := <-resp.Chunks():
			if !ok {
				if err := resp.Err(); err != nil {
					b, _ := json.Marshal(map[string]any{"error": err.Error(), "kind": router.KindOf(err)})
					fmt.Fprintf(out, "event: error\ndata: %s\n\n", b)
					flush()
					return err
				}
				fmt.Fprint(out, "data: [DONE]\n\n")
				flush()
				return nil
			}
			fmt.Fprintf(out, "data: %s\n\n", chunk)
			flush()
		case <-ctx.Done():
			resp.Close()
			return ctx.Err()
		}
	}
}

// writeBody relays a non-streamed reply. The status is decided by the first
// chunk or the failure that preceded it.
func writeBody(ctx context.Context, w http.ResponseWriter, out io.Writer, resp *router.Response) error {
	wrote := false
	for {
		select {
		case chunk, ok := <-resp.Chunks():
			if !ok {
				err := resp.Err()
				if err != nil && !wrote {
					kind := router.KindOf(err)
					if kind != router.KindCanceled {
						writeJSONError(w, statusFor(kind), err.Error(), kind)
					}
				}
				return err
			}
			if !wrote {
				w.Header().Set("Content-Type", "application/json")
				wrote = true
			}
			_, _ = out.Write(chunk)
		case <-ctx.Done():
			resp.Close()
			return ctx.Err()
		}
	}
}
