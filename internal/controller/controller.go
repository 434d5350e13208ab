// Package controller runs the indoor and outdoor map views. A Controller owns at most one live canvas
// session at a time and rebuilds it whenever the map scope or the fullscreen layout changes.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/ctxmenu"
	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/metrics"
	"sitewatch/map-go/internal/popup"
	"sitewatch/map-go/internal/pushbus"
	"sitewatch/map-go/internal/relocation"
	"sitewatch/map-go/internal/scene"
	"sitewatch/map-go/internal/session"
)

type View string

const (
	ViewIndoor  View = "indoor"
	ViewOutdoor View = "outdoor"
)

var (
	ErrNotMounted   = errors.New("view is not mounted")
	ErrNoSession    = errors.New("view has no canvas session")
	ErrInvalidScope = errors.New("scope does not fit this view")
	ErrUnknownView  = errors.New("unknown view")
)

// KindsFor lists the device kinds a view draws.
func KindsFor(v View) []device.Kind {
	switch v {
	case ViewIndoor:
		return []device.Kind{device.KindCamera, device.KindDoor, device.KindEBell, device.KindGuardianlite}
	case ViewOutdoor:
		return []device.Kind{device.KindBuilding, device.KindCamera, device.KindDoor, device.KindEBell, device.KindGuardianlite, device.KindPIDS}
	default:
		return nil
	}
}

// ValidateScope checks that scope names a map this view can show: a site for outdoor, a floor of a site for indoor.
func ValidateScope(v View, scope device.Scope) error {
	switch v {
	case ViewIndoor:
		if scope.OutsideIdx == nil || scope.InsideIdx == nil {
			return fmt.Errorf("%w: indoor needs outside_idx and inside_idx", ErrInvalidScope)
		}
	case ViewOutdoor:
		if scope.OutsideIdx == nil || scope.InsideIdx != nil {
			return fmt.Errorf("%w: outdoor needs outside_idx only", ErrInvalidScope)
		}
	default:
		return ErrUnknownView
	}
	return nil
}

// DeviceAPI is the remote system of record: authoritative per-kind lists and the commit endpoints.
type DeviceAPI interface {
	relocation.Committer
	ListMarkers(ctx context.Context, kind device.Kind, scope device.Scope) ([]device.Marker, error)
}

// BackgroundResolver returns the fully qualified URL of the map image for a scope.
type BackgroundResolver interface {
	ResolveBackground(ctx context.Context, view string, scope device.Scope) (string, error)
}

type Deps struct {
	Log         zerolog.Logger
	Registry    *scene.Registry
	API         DeviceAPI
	Backgrounds BackgroundResolver
	Bus         *pushbus.Bus
	Metrics     *metrics.Metrics
	Access      ctxmenu.DoorAccess
	Assigner    ctxmenu.CameraAssigner
	Popups      popup.Options
	Now         func() time.Time
}

// PopupRequest asks for a device popup on a node that may not be rendered yet.
type PopupRequest struct {
	Kind      device.Kind   `json:"device_type"`
	DeviceIdx *int64        `json:"device_idx,omitempty"`
	DeviceID  string        `json:"device_id,omitempty"`
	Scope     *device.Scope `json:"scope,omitempty"`
	PopupKind popup.Kind    `json:"popup_kind,omitempty"`
}

type Controller struct {
	view  View
	kinds []device.Kind

	log         zerolog.Logger
	registry    *scene.Registry
	api         DeviceAPI
	backgrounds BackgroundResolver
	bus         *pushbus.Bus
	metrics     *metrics.Metrics
	now         func() time.Time

	popups *popup.Manager
	reloc  *relocation.Protocol
	menu   *ctxmenu.Menu

	mu         sync.Mutex
	mounted    bool
	scope      device.Scope
	extent     geom.Extent
	fullscreen bool
	minimap    bool
	sc         *session.Context
	unwatch    func()
	generation uint64
	pending    []PopupRequest
	subs       pushbus.Subscriptions

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(view View, deps Deps) *Controller {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	log := deps.Log.With().Str("view", string(view)).Logger()
	popOpts := deps.Popups
	if popOpts.Now == nil {
		popOpts.Now = now
	}
	pm := popup.NewManager(log, popOpts)
	reloc := relocation.New(log, deps.API, pm, deps.Metrics)
	c := &Controller{
		view:        view,
		kinds:       KindsFor(view),
		log:         log,
		registry:    deps.Registry,
		api:         deps.API,
		backgrounds: deps.Backgrounds,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		now:         now,
		popups:      pm,
		reloc:       reloc,
		menu:        ctxmenu.New(log, deps.Registry, reloc, ctxmenu.Options{Access: deps.Access, Assigner: deps.Assigner, Popups: pm}),
	}
	pm.SetOnChange(func(ch popup.Change) {
		if ch.Type == popup.ChangeOpened {
			c.metrics.IncPopupOpened(string(ch.Popup.Kind))
		}
		c.publish("popup", ch.Popup.DeviceType)
	})
	return c
}

func (c *Controller) View() View { return c.view }

func (c *Controller) Kinds() []device.Kind {
	return append([]device.Kind(nil), c.kinds...)
}

// Mount subscribes the view's push topics and builds the first session.
func (c *Controller) Mount(ctx context.Context, scope device.Scope, width, height float64) error {
	if err := ValidateScope(c.view, scope); err != nil {
		return err
	}
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return c.SetScope(ctx, scope)
	}
	c.mounted = true
	c.scope = scope
	c.extent = geom.Extent{Width: width, Height: height}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if c.bus != nil {
		for _, k := range c.kinds {
			kind := k
			c.subs.Add(
				c.bus.Subscribe(pushbus.CollectionTopic(kind), func(pushbus.Message) { c.refreshAsync(kind) }),
				c.bus.Subscribe(pushbus.EventTopic(kind), c.onEventMessage),
			)
		}
	}
	c.log.Info().Str("scope", scope.String()).Msg("view mounted")
	return c.rebuild(ctx)
}

// Unmount releases every subscription, waits for background refreshes and disposes the session.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	cancel := c.runCancel
	c.mu.Unlock()

	c.subs.Close()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	old := c.detachLocked()
	c.pending = nil
	c.mu.Unlock()
	c.dispose(old)
	c.log.Info().Msg("view unmounted")
}

func (c *Controller) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

func (c *Controller) Scope() device.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// SetScope switches the view to another map. The old session is torn down before the new one is created.
func (c *Controller) SetScope(ctx context.Context, scope device.Scope) error {
	if err := ValidateScope(c.view, scope); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return ErrNotMounted
	}
	if c.scope.Matches(scope) && c.sc != nil {
		c.mu.Unlock()
		return nil
	}
	c.scope = scope
	c.mu.Unlock()
	return c.rebuild(ctx)
}

// SetFullscreen changes the layout and rebuilds the session for it.
func (c *Controller) SetFullscreen(ctx context.Context, on bool, width, height float64) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return ErrNotMounted
	}
	c.fullscreen = on
	c.extent = geom.Extent{Width: width, Height: height}
	c.mu.Unlock()
	return c.rebuild(ctx)
}

// Resize applies a new canvas size. A session still waiting for its first size is sized in place, which
// renders the batches it parked; otherwise the session is rebuilt for the new viewport.
func (c *Controller) Resize(ctx context.Context, width, height float64) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return ErrNotMounted
	}
	c.extent = geom.Extent{Width: width, Height: height}
	sc := c.sc
	c.mu.Unlock()

	if sc != nil && sc.Scene.Extent().IsZero() {
		return sc.Scene.Resize(width, height)
	}
	return c.rebuild(ctx)
}

// ToggleMinimap attaches or detaches the minimap of the live session. The setting survives rebuilds.
func (c *Controller) ToggleMinimap(on bool) error {
	c.mu.Lock()
	c.minimap = on
	sc := c.sc
	c.mu.Unlock()
	if sc == nil {
		return nil
	}
	if !on {
		c.registry.DisableMinimap(sc.Scene)
		c.publish("minimap", "")
		return nil
	}
	if _, err := c.registry.EnableMinimap(sc.Scene); err != nil {
		return err
	}
	c.publish("minimap", "")
	return nil
}

// SetViewport pans/zooms the live session.
func (c *Controller) SetViewport(v scene.Viewport) error {
	sc, err := c.current()
	if err != nil {
		return err
	}
	return sc.Scene.SetViewport(v)
}

func (c *Controller) current() (*session.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return nil, ErrNotMounted
	}
	if c.sc == nil {
		return nil, ErrNoSession
	}
	return c.sc, nil
}

// detachLocked unhooks the live session and bumps the generation so in-flight fetches for it are
// discarded. Caller holds c.mu and passes the result to dispose once it has unlocked.
func (c *Controller) detachLocked() *session.Context {
	c.generation++
	old := c.sc
	c.sc = nil
	if c.unwatch != nil {
		c.unwatch()
		c.unwatch = nil
	}
	return old
}

// dispose releases a detached session with its popups, menu and RenderedFlags.
func (c *Controller) dispose(old *session.Context) {
	if old == nil {
		return
	}
	old.Reset()
	old.Flags.Reset()
	c.registry.DisposeScene(old.Scene)
	c.popups.CloseAll()
	c.menu.Reset()
	c.log.Debug().Str("session_id", old.Scene.ID).Msg("session torn down")
}

// rebuild tears the current session down and creates a new one for the current scope and extent.
// A rebuild that loses the race against a later one discards its session.
func (c *Controller) rebuild(ctx context.Context) error {
	c.mu.Lock()
	old := c.detachLocked()
	gen := c.generation
	scope := c.scope
	extent := c.extent
	c.mu.Unlock()
	c.dispose(old)

	url, err := c.backgrounds.ResolveBackground(ctx, string(c.view), scope)
	if err != nil {
		c.log.Error().Err(err).Str("scope", scope.String()).Msg("resolve background failed")
		c.publish("session", "")
		return fmt.Errorf("resolve background: %w", err)
	}
	s, err := c.registry.CreateScene(ctx, url, extent.Width, extent.Height)
	if err != nil {
		c.log.Error().Err(err).Str("background", url).Msg("create scene failed")
		c.publish("session", "")
		return err
	}

	c.mu.Lock()
	if gen != c.generation || !c.mounted {
		c.mu.Unlock()
		c.registry.DisposeScene(s)
		return nil
	}
	sc := session.New(s, nil)
	s.SetRenderedHook(func(kind device.Kind, count int) { c.onRendered(sc, kind, count) })
	c.unwatch = s.Subscribe(func(ch scene.Change) {
		if ch.Type != scene.ChangeDisposed {
			c.publish(string(ch.Type), ch.Kind)
		}
	})
	c.sc = sc
	minimap := c.minimap
	c.mu.Unlock()

	if minimap {
		if _, err := c.registry.EnableMinimap(s); err != nil {
			c.log.Warn().Err(err).Msg("enable minimap failed")
		}
	}
	c.metrics.IncSessionCreated(string(c.view))
	c.log.Info().Str("session_id", s.ID).Str("scope", scope.String()).Msg("session created")
	c.publish("session", "")

	for _, k := range c.kinds {
		if err := c.Refresh(ctx, k); err != nil && !errors.Is(err, ErrNoSession) {
			c.log.Warn().Err(err).Str("kind", string(k)).Msg("initial fetch failed")
		}
	}
	return nil
}

// Refresh refetches one kind for the current scope and fully replaces that kind's markers.
func (c *Controller) Refresh(ctx context.Context, kind device.Kind) error {
	c.mu.Lock()
	sc, scope, gen := c.sc, c.scope, c.generation
	c.mu.Unlock()
	if sc == nil {
		return ErrNoSession
	}

	items, err := c.api.ListMarkers(ctx, kind, scope)
	if err != nil {
		return fmt.Errorf("list %s: %w", kind, err)
	}

	c.mu.Lock()
	stale := gen != c.generation
	c.mu.Unlock()
	if stale {
		return nil
	}
	_, err = c.registry.AddMarkers(sc.Scene, items, kind, scene.AddOptions{Replace: true, Scope: &scope})
	if errors.Is(err, scene.ErrDeferred) || errors.Is(err, scene.ErrSessionDisposed) {
		return nil
	}
	return err
}

func (c *Controller) refreshAsync(kind device.Kind) {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	ctx := c.runCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.Refresh(ctx, kind); err != nil && !errors.Is(err, ErrNoSession) && ctx.Err() == nil {
			c.log.Warn().Err(err).Str("kind", string(kind)).Msg("refresh after push notification failed")
		}
	}()
}

// onRendered marks the kind rendered on the session that rendered it and serves pending popup requests.
func (c *Controller) onRendered(sc *session.Context, kind device.Kind, count int) {
	sc.Flags.Mark(kind, c.now())
	c.log.Debug().Str("kind", string(kind)).Int("count", count).Msg("markers rendered")

	c.mu.Lock()
	if c.sc != sc {
		c.mu.Unlock()
		return
	}
	scope := c.scope
	var serve, keep []PopupRequest
	for _, r := range c.pending {
		if r.Kind == kind && (r.Scope == nil || r.Scope.Matches(scope)) {
			serve = append(serve, r)
			continue
		}
		keep = append(keep, r)
	}
	c.pending = keep
	c.mu.Unlock()

	for _, r := range serve {
		if _, ok := c.openRequested(sc, r); !ok {
			c.log.Debug().Str("kind", string(r.Kind)).Str("device_id", r.DeviceID).Msg("requested device not on this map")
		}
	}
}

// RequestPopup opens a popup on a device, switching scope first when the request names another map.
// When the device's kind has not rendered yet the request waits for it.
func (c *Controller) RequestPopup(ctx context.Context, req PopupRequest) (*popup.Popup, error) {
	kind, err := device.ParseKind(string(req.Kind))
	if err != nil {
		return nil, err
	}
	req.Kind = kind
	if req.DeviceIdx == nil && req.DeviceID == "" {
		return nil, errors.New("popup request names no device")
	}

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return nil, ErrNotMounted
	}
	switchScope := req.Scope != nil && !req.Scope.Matches(c.scope)
	sc := c.sc
	if !switchScope && sc != nil && sc.Flags.Rendered(kind) {
		c.mu.Unlock()
		if p, ok := c.openRequested(sc, req); ok {
			return &p, nil
		}
		return nil, scene.ErrNodeNotFound
	}
	c.pending = append(c.pending, req)
	c.mu.Unlock()

	if switchScope {
		if err := c.SetScope(ctx, *req.Scope); err != nil {
			return nil, err
		}
	}
	if p, ok := c.popupFor(req); ok {
		return &p, nil
	}
	return nil, nil
}

func (c *Controller) openRequested(sc *session.Context, req PopupRequest) (popup.Popup, bool) {
	for _, rec := range sc.Scene.Records(req.Kind) {
		if !device.Identifies(rec, req.DeviceIdx, req.DeviceID) {
			continue
		}
		pk := req.PopupKind
		if pk == "" {
			pk = inspectPopupKind(rec.Kind())
		}
		return c.popups.OpenFor(sc, pk, rec.Key())
	}
	return popup.Popup{}, false
}

// popupFor returns the open popup serving req, if the request has already been served.
func (c *Controller) popupFor(req PopupRequest) (popup.Popup, bool) {
	for _, p := range c.popups.List() {
		if p.DeviceType != req.Kind || p.Event != nil {
			continue
		}
		if rec, ok := p.Record.(device.Marker); ok && device.Identifies(rec, req.DeviceIdx, req.DeviceID) {
			return p, true
		}
	}
	return popup.Popup{}, false
}

// PendingRequests returns the popup requests still waiting for their kind to render.
func (c *Controller) PendingRequests() []PopupRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PopupRequest(nil), c.pending...)
}

func inspectPopupKind(k device.Kind) popup.Kind {
	if k == device.KindGuardianlite {
		return popup.KindUnit
	}
	return popup.KindDevice
}

func (c *Controller) onEventMessage(msg pushbus.Message) {
	ev, err := popup.ParseEvent(msg.Payload)
	if errors.Is(err, popup.ErrEmptyPayload) {
		return
	}
	if err != nil {
		c.log.Debug().Err(err).Str("topic", msg.Topic).Msg("dropping malformed event")
		c.metrics.IncEventDropped("malformed")
		return
	}
	c.HandleEvent(ev)
}

// HandleEvent routes one device event to the popup matcher of the live session.
func (c *Controller) HandleEvent(ev popup.Event) popup.Outcome {
	c.mu.Lock()
	sc, scope := c.sc, c.scope
	c.mu.Unlock()

	out := c.popups.HandleEvent(sc, scope, ev)
	if out.Dropped != popup.DropNone {
		c.metrics.IncEventDropped(string(out.Dropped))
		c.log.Debug().
			Str("device_type", string(ev.DeviceType)).
			Str("device_id", ev.DeviceID).
			Str("reason", string(out.Dropped)).
			Msg("event dropped")
	}
	return out
}

// ClosePopup closes an open popup by id.
func (c *Controller) ClosePopup(id string) bool {
	return c.popups.CloseByID(id)
}

func (c *Controller) Popups() []popup.Popup {
	return c.popups.List()
}

type changeNote struct {
	View string      `json:"view"`
	Type string      `json:"type"`
	Kind device.Kind `json:"kind,omitempty"`
}

// publish announces a change of this view on its bus topic.
func (c *Controller) publish(what string, kind device.Kind) {
	if c.bus == nil {
		return
	}
	b, err := json.Marshal(changeNote{View: string(c.view), Type: what, Kind: kind})
	if err != nil {
		return
	}
	c.bus.Publish(pushbus.ViewTopic(string(c.view)), "controller", b)
}
