// Package api is the small HTTP surface the surrounding application uses to
// query delivery status and nudge the pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reminderd/internal/eventbus"
	"reminderd/internal/ledger"
	"reminderd/internal/model"
	"reminderd/internal/pipeline"
	"reminderd/internal/runtime/supervisor"
	logx "reminderd/pkg/logx"
)

type Ledger interface {
	Get(ctx context.Context, key string) (model.DeliveryRecord, bool, error)
	Ping(ctx context.Context) error
}

type TemplateCache interface {
	Invalidate(purpose string) int
}

type Cycles interface {
	RunOnce(ctx context.Context, now time.Time) (eventbus.CycleInfo, error)
	Last() (eventbus.CycleInfo, bool)
}

type Deps struct {
	Ledger    Ledger
	Templates TemplateCache
	Cycles    Cycles
	// Loops is optional; when set /healthz lists supervised loops.
	Loops func() []supervisor.LoopStats
	Log   logx.Logger
	Now   func() time.Time
	// Profiling mounts the pprof handlers under /debug.
	Profiling bool
}

type handler struct {
	Deps
}

// NewHandler builds the router.
func NewHandler(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handler{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/deliveries/{key}", h.delivery)
	r.Route("/templates", func(r chi.Router) {
		r.Post("/invalidate", h.invalidate)
		r.Post("/{purpose}/invalidate", h.invalidate)
	})
	r.Post("/cycles/run", h.runCycle)
	if d.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if err := h.Ledger.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["ledger"] = err.Error()
	}
	if h.Cycles != nil {
		if last, ok := h.Cycles.Last(); ok {
			body["last_cycle"] = last
		}
	}
	if h.Loops != nil {
		body["loops"] = h.Loops()
	}
	writeJSON(w, status, body)
}

func (h *handler) delivery(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || strings.TrimSpace(key) == "" {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}
	rec, ok, err := h.Ledger.Get(r.Context(), key)
	switch {
	case errors.Is(err, ledger.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case !ok:
		writeError(w, http.StatusNotFound, "delivery not found")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	purpose := chi.URLParam(r, "purpose")
	n := h.Templates.Invalidate(purpose)
	h.Log.Info("template cache invalidated", logx.String("purpose", purpose), logx.Int("evicted", n))
	writeJSON(w, http.StatusOK, map[string]any{"purpose": purpose, "evicted": n})
}

func (h *handler) runCycle(w http.ResponseWriter, r *http.Request) {
	// Keep going if the client disconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Minute)
	defer cancel()
	info, err := h.Cycles.RunOnce(ctx, h.Now())
	switch {
	case errors.Is(err, pipeline.ErrCycleRunning):
		writeJSON(w, http.StatusConflict, info)
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, info)
	default:
		writeJSON(w, http.StatusOK, info)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// Server serves the handler until its context is done.
type Server struct {
	addr string
	h    http.Handler
	log  logx.Logger
}

func NewServer(addr string, h http.Handler, log logx.Logger) *Server {
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:8089"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{addr: addr, h: h, log: log}
}

func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("api shutdown", logx.Err(err))
	}
	return nil
}
