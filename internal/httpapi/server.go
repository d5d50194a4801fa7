package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelvisor/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	List() []types.ModelStatus
	Status(id string) (types.ModelStatus, error)
	Start(ctx context.Context, id string) (types.ModelStatus, error)
	StartAsync(id string) (types.ModelStatus, error)
	Stop(ctx context.Context, id string) (types.ModelStatus, error)
	Refresh(ctx context.Context) []types.ModelStatus
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(corsAllowedMethods, []string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Accept", "Content-Type", "X-Request-Id", "X-Log-Level"}),
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	h := &handlers{svc: svc}
	r.Get("/models", h.list)
	r.Post("/models/refresh", h.refresh)
	r.Get("/models/{id}", h.status)
	r.Post("/models/{id}/start", h.start)
	r.Post("/models/{id}/stop", h.stop)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("shutting down"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

type handlers struct {
	svc Service
}

// list godoc
// @Summary      List models
// @Description  Every supervised model with its lifecycle state, port and resource usage.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.List()})
}

// refresh godoc
// @Summary      Refresh resource usage
// @Description  Polls memory usage of every active model now and returns the updated list.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models/refresh [post]
func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.Refresh(r.Context())})
}

// status godoc
// @Summary      Model status
// @Tags         models
// @Produce      json
// @Param        id   path      string  true  "Model ID"
// @Success      200  {object}  types.ModelStatus
// @Failure      404  {object}  types.ErrorResponse
// @Router       /models/{id} [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// start godoc
// @Summary      Start a model
// @Description  Downloads the artifact if needed, launches the backend and waits until it is healthy.
// @Description  Starting a model that is already loading, running or stopping is a no-op that
// @Description  reports the current state. With async=true the call returns as soon as the start
// @Description  sequence has begun.
// @Tags         models
// @Produce      json
// @Param        id     path      string  true   "Model ID"
// @Param        async  query     bool    false  "Return without waiting for readiness"
// @Success      202  {object}  types.ActionResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      409  {object}  types.ErrorResponse
// @Failure      502  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Failure      504  {object}  types.ErrorResponse
// @Router       /models/{id}/start [post]
func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		st, err := h.svc.StartAsync(id)
		if err != nil {
			recordAction("start", err)
			writeError(w, r, err, nil)
			return
		}
		recordAction("start", nil)
		writeJSON(w, http.StatusAccepted, types.ActionResponse{Action: "start", Model: st})
		return
	}
	ctx, cancel := h.actionContext(r)
	defer cancel()
	st, err := h.svc.Start(ctx, id)
	recordAction("start", err)
	if err != nil {
		writeError(w, r, err, &st)
		return
	}
	writeJSON(w, http.StatusAccepted, types.ActionResponse{Action: "start", Model: st})
}

// stop godoc
// @Summary      Stop a model
// @Description  Terminates the backend gracefully, killing it after the grace period, and
// @Description  releases its port and slot. Stopping a stopped model is a no-op. A stop during
// @Description  loading cancels the start.
// @Tags         models
// @Produce      json
// @Param        id   path      string  true  "Model ID"
// @Success      202  {object}  types.ActionResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /models/{id}/stop [post]
func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.actionContext(r)
	defer cancel()
	st, err := h.svc.Stop(ctx, chi.URLParam(r, "id"))
	recordAction("stop", err)
	if err != nil {
		writeError(w, r, err, &st)
		return
	}
	writeJSON(w, http.StatusAccepted, types.ActionResponse{Action: "stop", Model: st})
}

// actionContext joins the request with the server base context so shutdown
// releases waiting callers, bounded by the configured action timeout.
func (h *handlers) actionContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	if actionTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, time.Duration(actionTimeout)*time.Second)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
