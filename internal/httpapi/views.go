package httpapi

import (
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"sitewatch/map-go/internal/controller"
	"sitewatch/map-go/internal/ctxmenu"
	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/deviceapi"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/imagestore"
	"sitewatch/map-go/internal/popup"
	"sitewatch/map-go/internal/relocation"
	"sitewatch/map-go/internal/scene"
)

const maxEventBytes = 1 << 20

func (h *Handler) viewFor(w http.ResponseWriter, r *http.Request) (*controller.Controller, bool) {
	name := chi.URLParam(r, "view")
	c, ok := h.views[controller.View(name)]
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "unknown view", map[string]any{"view": name})
		return nil, false
	}
	return c, true
}

// errorStatus maps domain errors onto HTTP statuses and error codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, relocation.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, relocation.ErrStale), errors.Is(err, scene.ErrSessionDisposed):
		return http.StatusConflict, "stale"
	case errors.Is(err, relocation.ErrNoGesture):
		return http.StatusConflict, "no_gesture"
	case errors.Is(err, ctxmenu.ErrMenuClosed):
		return http.StatusConflict, "menu_closed"
	case errors.Is(err, controller.ErrNotMounted):
		return http.StatusConflict, "not_mounted"
	case errors.Is(err, controller.ErrNoSession):
		return http.StatusConflict, "no_session"
	case errors.Is(err, geom.ErrZeroExtent):
		return http.StatusConflict, "not_sized"
	case errors.Is(err, relocation.ErrRejected):
		return http.StatusUnprocessableEntity, "rejected"
	case errors.Is(err, ctxmenu.ErrActionUnavailable):
		return http.StatusUnprocessableEntity, "action_unavailable"
	case errors.Is(err, relocation.ErrNotCamera):
		return http.StatusUnprocessableEntity, "not_camera"
	case errors.Is(err, controller.ErrInvalidScope), errors.Is(err, ctxmenu.ErrInvalidRequest):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, scene.ErrNodeNotFound), errors.Is(err, pgx.ErrNoRows), errors.Is(err, deviceapi.ErrBackgroundNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, scene.ErrImageUnavailable), errors.Is(err, scene.ErrNoBackground), errors.Is(err, imagestore.ErrNotQualified):
		return http.StatusBadGateway, "image_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		h.writeError(w, status, code, "internal error", nil)
		return
	}
	h.writeError(w, status, code, err.Error(), nil)
}

func (h *Handler) decodeOr400(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSONStrict(r, dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid JSON body", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, c.Snapshot())
}

type sizeRequest struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (s sizeRequest) valid() bool { return s.Width >= 0 && s.Height >= 0 }

type mountRequest struct {
	Scope  device.Scope `json:"scope"`
	Width  float64      `json:"width"`
	Height float64      `json:"height"`
}

func (h *Handler) handleMount(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var req mountRequest
	if !h.decodeOr400(w, r, &req) {
		return
	}
	if !(sizeRequest{Width: req.Width, Height: req.Height}).valid() {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "width and height must not be negative", nil)
		return
	}
	if err := c.Mount(r.Context(), req.Scope, req.Width, req.Height); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) handleUnmount(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	c.Unmount()
	h.writeJSON(w, http.StatusOK, c.Snapshot())
}

type scopeRequest struct {
	Scope device.Scope `json:"scope"`
}

func (h *Handler) handleSetScope(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var req scopeRequest
	if !h.decodeOr400(w, r, &req) {
		return
	}
	if err := c.SetScope(r.Context(), req.Scope); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) handleResize(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var req sizeRequest
	if !h.decodeOr400(w, r, &req) {
		return
	}
	if !req.valid() {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "width and height must not be negative", nil)
		return
	}
	if err := c.Resize(r.Context(), req.Width, req.Height); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c.Snapshot())
}

type fullscreenRequest struct {
	Fullscreen bool    `json:"fullscreen"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

func (h *Handler) handleFullscreen(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var req fullscreenRequest
	if !h.decodeOr400(w, r, &req) {
		return
	}
	if err := c.SetFullscreen(r.Context(), req.Fullscreen, req.Width, req.Height); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c.Snapshot())
}

type minimapRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) handleMinimap(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var req minimapRequest
	if !h.decodeOr400(w, r, &req) {
		return
	}
	if err := c.ToggleMinimap(req.Enabled); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) handleViewport(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var req scene.Viewport
	if !h.decodeOr400(w, r, &req) {
		return
	}
	if err := c.SetViewport(req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c.Snapshot())
}

// handleRefresh refetches one kind (?type=) or every kind the view draws.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	kinds := c.Kinds()
	if raw := r.URL.Query().Get("type"); raw != "" {
		kind, err := device.ParseKind(raw)
		if err != nil || !slices.Contains(kinds, kind) {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "type is not drawn by this view", map[string]any{"type": raw})
			return
		}
		kinds = []device.Kind{kind}
	}
	for _, k := range kinds {
		if err := c.Refresh(r.Context(), k); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) handlePointerDown(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var p controller.Pointer
	if !h.decodeOr400(w, r, &p) {
		return
	}
	key, err := c.PointerDown(p)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"key": key})
}

func (h *Handler) handlePointerMove(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var p controller.Pointer
	if !h.decodeOr400(w, r, &p) {
		return
	}
	if err := c.PointerMove(p); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handlePointerUp(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	res, err := c.PointerUp(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handlePointerCancel(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	if err := c.CancelGesture(); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleMenu(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, c.Menu())
}

func (h *Handler) handleOpenMenu(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var p controller.Pointer
	if !h.decodeOr400(w, r, &p) {
		return
	}
	v, err := c.OpenMenu(r.Context(), p)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleCloseMenu(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	c.CloseMenu()
	h.writeJSON(w, http.StatusOK, c.Menu())
}

type deviceRef struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

type dispatchRequest struct {
	Action   ctxmenu.Action `json:"action"`
	CameraID string         `json:"camera_id,omitempty"`
	Angle    *float64       `json:"angle,omitempty"`
	// Device names the unplaced device for an add.
	Device *deviceRef `json:"device,omitempty"`
}

func (h *Handler) handleDispatchMenu(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var body dispatchRequest
	if !h.decodeOr400(w, r, &body) {
		return
	}
	req := ctxmenu.Request{Action: body.Action, CameraID: body.CameraID, Angle: body.Angle}
	if body.Action == ctxmenu.ActionAdd && body.Device != nil {
		if h.devices == nil {
			h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "device store not configured", nil)
			return
		}
		kind, err := device.ParseKind(body.Device.Type)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
			return
		}
		m, err := h.devices.Marker(r.Context(), kind, body.Device.Identity)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		req.Marker = m
	}

	res, err := c.DispatchMenu(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListPopups(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"items":   c.Popups(),
		"pending": c.PendingRequests(),
	})
}

func (h *Handler) handleRequestPopup(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var req controller.PopupRequest
	if !h.decodeOr400(w, r, &req) {
		return
	}
	if _, err := device.ParseKind(string(req.Kind)); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}
	if req.DeviceIdx == nil && req.DeviceID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "device_idx or device_id is required", nil)
		return
	}
	p, err := c.RequestPopup(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if p == nil {
		h.writeJSON(w, http.StatusAccepted, map[string]any{"pending": true})
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

type inspectRequest struct {
	Key device.Key `json:"key"`
}

func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	var req inspectRequest
	if !h.decodeOr400(w, r, &req) {
		return
	}
	p, err := c.OpenInspect(req.Key)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleClosePopup(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if !c.ClosePopup(id) {
		h.writeError(w, http.StatusNotFound, "not_found", "popup not found", map[string]any{"id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"closed": id})
}

// handleEvent feeds one device event payload to the view, as if it had arrived on the push channel.
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "failed to read body", nil)
		return
	}
	ev, err := popup.ParseEvent(body)
	if errors.Is(err, popup.ErrEmptyPayload) {
		h.writeJSON(w, http.StatusAccepted, map[string]any{"ignored": true})
		return
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid event payload", map[string]any{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, c.HandleEvent(ev))
}
