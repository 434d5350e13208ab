package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/controller"
	"sitewatch/map-go/internal/db"
	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/metrics"
	"sitewatch/map-go/internal/pushbus"
)

// Devices serves the add-device picker. *deviceapi.Store satisfies this.
type Devices interface {
	ListUnplaced(ctx context.Context, kind device.Kind) ([]device.Marker, error)
	Marker(ctx context.Context, kind device.Kind, identity string) (device.Marker, error)
}

type Options struct {
	Views   []*controller.Controller
	Devices Devices
	Bus     *pushbus.Bus
	Metrics *metrics.Metrics
}

type Handler struct {
	log      zerolog.Logger
	pool     *db.Pool
	views    map[controller.View]*controller.Controller
	devices  Devices
	bus      *pushbus.Bus
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewHandler(log zerolog.Logger, pool *db.Pool, opts Options) *Handler {
	views := make(map[controller.View]*controller.Controller, len(opts.Views))
	for _, c := range opts.Views {
		views[c.View()] = c
	}
	return &Handler{
		log:     log,
		pool:    pool,
		views:   views,
		devices: opts.Devices,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.With(middleware.Timeout(15*time.Second)).Get("/devices/unplaced", h.handleListUnplaced)

			r.Route("/views/{view}", func(r chi.Router) {
				// Long-lived; kept out of the request timeout.
				r.Get("/stream", h.handleStream)

				r.Group(func(r chi.Router) {
					r.Use(middleware.Timeout(15 * time.Second))

					r.Get("/", h.handleSnapshot)
					r.Post("/mount", h.handleMount)
					r.Post("/unmount", h.handleUnmount)
					r.Put("/scope", h.handleSetScope)
					r.Put("/size", h.handleResize)
					r.Put("/fullscreen", h.handleFullscreen)
					r.Put("/minimap", h.handleMinimap)
					r.Put("/viewport", h.handleViewport)
					r.Post("/refresh", h.handleRefresh)

					r.Post("/pointer/down", h.handlePointerDown)
					r.Post("/pointer/move", h.handlePointerMove)
					r.Post("/pointer/up", h.handlePointerUp)
					r.Post("/pointer/cancel", h.handlePointerCancel)

					r.Get("/menu", h.handleMenu)
					r.Post("/menu", h.handleOpenMenu)
					r.Delete("/menu", h.handleCloseMenu)
					r.Post("/menu/dispatch", h.handleDispatchMenu)

					r.Get("/popups", h.handleListPopups)
					r.Post("/popups", h.handleRequestPopup)
					r.Post("/popups/inspect", h.handleInspect)
					r.Delete("/popups/{id}", h.handleClosePopup)

					r.Post("/events", h.handleEvent)
				})
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return
	}

	if err := h.pool.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) handleListUnplaced(w http.ResponseWriter, r *http.Request) {
	if h.devices == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "device store not configured", nil)
		return
	}
	kind, err := device.ParseKind(r.URL.Query().Get("type"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}
	items, err := h.devices.ListUnplaced(r.Context(), kind)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(kind)).Msg("list unplaced devices failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to list devices", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
