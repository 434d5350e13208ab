// Package ctxmenu is the right-click menu of a map view: closed, or open on one selection (a node or the
// empty canvas) with the actions that selection allows.
package ctxmenu

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/relocation"
	"sitewatch/map-go/internal/scene"
	"sitewatch/map-go/internal/session"
)

type Action string

const (
	ActionAdd          Action = "add"
	ActionRemove       Action = "remove"
	ActionAssignCamera Action = "assign-camera"
	ActionSetAngle     Action = "set-angle"
	ActionLock         Action = "lock"
	ActionUnlock       Action = "unlock"
)

var (
	ErrMenuClosed        = errors.New("context menu is not open")
	ErrActionUnavailable = errors.New("action not available for this selection")
	ErrInvalidRequest    = errors.New("invalid menu request")
)

// ActionsFor lists the actions a selection offers. A nil marker is the empty canvas.
func ActionsFor(m device.Marker, acuAvailable bool) []Action {
	if m == nil {
		return []Action{ActionAdd}
	}
	switch m.(type) {
	case device.Camera:
		return []Action{ActionRemove, ActionSetAngle}
	case device.Door:
		if acuAvailable {
			return []Action{ActionRemove, ActionAssignCamera, ActionLock, ActionUnlock}
		}
		return []Action{ActionRemove, ActionAssignCamera}
	case device.EBell, device.PIDS:
		return []Action{ActionRemove, ActionAssignCamera}
	case device.Guardianlite, device.Building:
		return []Action{ActionRemove}
	default:
		panic(fmt.Sprintf("ctxmenu: unhandled marker %T", m))
	}
}

// DoorAccess talks to the access-control side of doors.
type DoorAccess interface {
	ACUAvailable(ctx context.Context, door device.Door) (bool, error)
	SetDoorLock(ctx context.Context, door device.Door, locked bool) (bool, error)
}

// CameraAssigner links a camera to a door, ebell or pids zone.
type CameraAssigner interface {
	AssignCamera(ctx context.Context, target device.Marker, cameraID string) (bool, error)
}

type PopupCloser interface {
	CloseForDevice(key device.Key)
}

// View is what the client draws for the menu.
type View struct {
	Open    bool        `json:"open"`
	Key     device.Key  `json:"key,omitempty"`
	Kind    device.Kind `json:"kind,omitempty"`
	At      geom.Point  `json:"at"`
	Actions []Action    `json:"actions"`
}

// Request is one dispatched menu action.
type Request struct {
	Action Action `json:"action"`
	// Marker is the device placed by ActionAdd, at the point the menu was opened on.
	Marker device.Marker `json:"-"`
	// CameraID is the composite id of the camera for ActionAssignCamera.
	CameraID string `json:"camera_id,omitempty"`
	// Angle, when set for ActionSetAngle, is committed directly; otherwise the camera enters angle-edit mode.
	Angle *float64 `json:"angle,omitempty"`
}

type Result struct {
	Action Action        `json:"action"`
	Key    device.Key    `json:"key,omitempty"`
	Marker device.Marker `json:"marker,omitempty"`
	// AngleEdit is set when the camera was put in angle-edit mode instead of committing.
	AngleEdit bool `json:"angle_edit,omitempty"`
}

type Options struct {
	Access   DoorAccess
	Assigner CameraAssigner
	Popups   PopupCloser
}

// Menu is the state machine. One per view; it is Reset whenever the view's session is torn down.
type Menu struct {
	log      zerolog.Logger
	registry *scene.Registry
	reloc    *relocation.Protocol
	access   DoorAccess
	assigner CameraAssigner
	popups   PopupCloser

	mu      sync.Mutex
	open    bool
	target  device.Marker
	scope   device.Scope
	at      geom.Point
	actions []Action
}

func New(log zerolog.Logger, registry *scene.Registry, reloc *relocation.Protocol, opts Options) *Menu {
	return &Menu{
		log:      log,
		registry: registry,
		reloc:    reloc,
		access:   opts.Access,
		assigner: opts.Assigner,
		popups:   opts.Popups,
	}
}

// Open shows the menu for the node at key, or for the empty canvas when key is empty. scope is the map
// the view currently shows; placements made through ActionAdd land there.
func (m *Menu) Open(ctx context.Context, sc *session.Context, scope device.Scope, key device.Key, at geom.Point) (View, error) {
	var target device.Marker
	if key != "" {
		rec, ok := sc.Scene.Record(key)
		if !ok {
			return View{}, scene.ErrNodeNotFound
		}
		target = rec
	}

	acu := false
	if door, ok := target.(device.Door); ok && m.access != nil {
		avail, err := m.access.ACUAvailable(ctx, door)
		if err != nil {
			m.log.Warn().Err(err).Str("door_id", door.DoorID).Msg("acu lookup failed")
		}
		acu = avail
	}

	if target != nil {
		sc.Select(target)
	} else {
		sc.ClearSelection("")
	}

	m.mu.Lock()
	m.open = true
	m.target = target
	m.scope = scope
	m.at = at
	m.actions = ActionsFor(target, acu)
	v := m.viewLocked()
	m.mu.Unlock()
	return v, nil
}

func (m *Menu) Close() {
	m.mu.Lock()
	m.closeLocked()
	m.mu.Unlock()
}

func (m *Menu) closeLocked() {
	m.open = false
	m.target = nil
	m.actions = nil
}

// Reset closes the menu. Called on session teardown and scope change.
func (m *Menu) Reset() { m.Close() }

func (m *Menu) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

func (m *Menu) viewLocked() View {
	if !m.open {
		return View{Actions: []Action{}}
	}
	v := View{Open: true, At: m.at, Actions: append([]Action(nil), m.actions...)}
	if m.target != nil {
		v.Key = m.target.Key()
		v.Kind = m.target.Kind()
	}
	return v
}

// Dispatch runs an action of the open menu. The menu closes whatever the outcome; on success the
// selection and the device's popups are cleared.
func (m *Menu) Dispatch(ctx context.Context, sc *session.Context, req Request) (Result, error) {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return Result{}, ErrMenuClosed
	}
	target, scope, at, actions := m.target, m.scope, m.at, m.actions
	m.closeLocked()
	m.mu.Unlock()

	if !slices.Contains(actions, req.Action) {
		return Result{Action: req.Action}, ErrActionUnavailable
	}

	res, err := m.run(ctx, sc, target, scope, at, req)
	res.Action = req.Action
	if errors.Is(err, relocation.ErrBusy) {
		return res, err
	}
	if err != nil {
		m.log.Warn().Err(err).Str("action", string(req.Action)).Str("key", string(res.Key)).Msg("menu action failed")
		return res, err
	}
	if !res.AngleEdit {
		sc.ClearSelection("")
	}
	if res.Key != "" && m.popups != nil {
		m.popups.CloseForDevice(res.Key)
	}
	return res, nil
}

func (m *Menu) run(ctx context.Context, sc *session.Context, target device.Marker, scope device.Scope, at geom.Point, req Request) (Result, error) {
	switch req.Action {
	case ActionAdd:
		return m.add(ctx, sc, scope, at, req.Marker)
	case ActionRemove:
		return m.remove(ctx, sc, target)
	case ActionSetAngle:
		return m.setAngle(ctx, sc, target, req.Angle)
	case ActionAssignCamera:
		return m.assignCamera(ctx, sc, target, req.CameraID)
	case ActionLock, ActionUnlock:
		return m.setLock(ctx, sc, target, req.Action == ActionLock)
	default:
		return Result{}, ErrActionUnavailable
	}
}

func (m *Menu) add(ctx context.Context, sc *session.Context, scope device.Scope, at geom.Point, rec device.Marker) (Result, error) {
	if rec == nil {
		return Result{}, fmt.Errorf("%w: add needs a device", ErrInvalidRequest)
	}
	if !scope.Assigned() {
		return Result{}, fmt.Errorf("%w: no map in scope", ErrInvalidRequest)
	}
	loc, err := sc.Scene.LocationAt(at)
	if err != nil {
		return Result{}, err
	}
	res, err := m.reloc.CommitLocation(ctx, sc, device.LocationUpdate{Target: rec, Scope: scope, Location: loc})
	if err != nil {
		return Result{Key: rec.Key()}, err
	}
	placed := device.WithPlacement(rec, scope, loc)
	if _, err := m.registry.AddMarkers(sc.Scene, []device.Marker{placed}, placed.Kind(), scene.AddOptions{Scope: &scope}); err != nil && !errors.Is(err, scene.ErrDeferred) {
		return Result{Key: res.Key, Marker: placed}, err
	}
	return Result{Key: res.Key, Marker: placed}, nil
}

func (m *Menu) remove(ctx context.Context, sc *session.Context, target device.Marker) (Result, error) {
	if target == nil {
		return Result{}, ErrActionUnavailable
	}
	res, err := m.reloc.CommitLocation(ctx, sc, device.LocationUpdate{Target: target, Scope: device.Unassigned()})
	if err != nil {
		return Result{Key: target.Key()}, err
	}
	m.registry.RemoveMarker(sc.Scene, target.Key())
	return Result{Key: res.Key, Marker: res.Marker}, nil
}

func (m *Menu) setAngle(ctx context.Context, sc *session.Context, target device.Marker, angle *float64) (Result, error) {
	cam, ok := target.(device.Camera)
	if !ok {
		return Result{}, relocation.ErrNotCamera
	}
	if angle == nil {
		if sc.Updating() {
			return Result{Key: cam.Key()}, relocation.ErrBusy
		}
		sc.SetAngleEdit(cam.Key())
		return Result{Key: cam.Key(), Marker: cam, AngleEdit: true}, nil
	}
	res, err := m.reloc.CommitAngle(ctx, sc, device.AngleUpdate{Camera: cam, Angle: *angle})
	if err != nil {
		return Result{Key: cam.Key()}, err
	}
	return Result{Key: res.Key, Marker: res.Marker}, nil
}

func (m *Menu) assignCamera(ctx context.Context, sc *session.Context, target device.Marker, cameraID string) (Result, error) {
	if target == nil {
		return Result{}, ErrActionUnavailable
	}
	if cameraID == "" {
		return Result{Key: target.Key()}, fmt.Errorf("%w: camera_id is required", ErrInvalidRequest)
	}
	if m.assigner == nil {
		return Result{Key: target.Key()}, ErrActionUnavailable
	}
	err := guarded(sc, func() (bool, error) {
		return m.assigner.AssignCamera(ctx, target, cameraID)
	})
	return Result{Key: target.Key(), Marker: target}, err
}

func (m *Menu) setLock(ctx context.Context, sc *session.Context, target device.Marker, locked bool) (Result, error) {
	door, ok := target.(device.Door)
	if !ok || m.access == nil {
		return Result{}, ErrActionUnavailable
	}
	err := guarded(sc, func() (bool, error) {
		return m.access.SetDoorLock(ctx, door, locked)
	})
	return Result{Key: door.Key(), Marker: door}, err
}

// guarded runs a remote call through the session's single-flight guard.
func guarded(sc *session.Context, call func() (bool, error)) error {
	if !sc.TryBeginUpdate() {
		return relocation.ErrBusy
	}
	defer sc.EndUpdate()
	ok, err := call()
	if err != nil {
		return err
	}
	if !ok {
		return relocation.ErrRejected
	}
	return nil
}
