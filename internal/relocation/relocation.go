// Package relocation commits marker moves and camera rotations made on a canvas session.
//
// A drag or rotation is a gesture: Begin claims the node, the move/rotate calls update the scene live,
// and End sends exactly one commit through the session's single-flight guard. A failed commit rolls
// the node back to its stored record.
package relocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/metrics"
	"sitewatch/map-go/internal/scene"
	"sitewatch/map-go/internal/session"
)

var (
	ErrBusy      = errors.New("a commit is already in flight")
	ErrNoGesture = errors.New("no gesture in progress")
	ErrNotCamera = errors.New("only camera nodes can be rotated")
	ErrRejected  = errors.New("commit rejected")
	// ErrStale means the session was disposed while its commit was in flight; the result was not applied.
	ErrStale = errors.New("session disposed during commit")
)

// Committer persists placements and camera angles in the system of record.
// The bool result is the remote "success" flag; an error is a transport failure.
type Committer interface {
	CommitLocation(ctx context.Context, u device.LocationUpdate) (bool, error)
	CommitAngle(ctx context.Context, u device.AngleUpdate) (bool, error)
}

// PopupCloser closes the popups anchored to a device. *popup.Manager satisfies this.
type PopupCloser interface {
	CloseForDevice(key device.Key)
}

// Result describes a finished commit.
type Result struct {
	Key device.Key `json:"key"`
	// Marker is the record as it stands after the commit (new placement on success, previous one after rollback).
	Marker     device.Marker `json:"marker,omitempty"`
	Committed  bool          `json:"committed"`
	RolledBack bool          `json:"rolled_back"`
}

type Protocol struct {
	log       zerolog.Logger
	committer Committer
	popups    PopupCloser
	metrics   *metrics.Metrics
}

func New(log zerolog.Logger, committer Committer, popups PopupCloser, m *metrics.Metrics) *Protocol {
	return &Protocol{log: log, committer: committer, popups: popups, metrics: m}
}

// BeginDrag starts dragging the node for key. It is rejected without side effects while a commit is in flight.
func (p *Protocol) BeginDrag(sc *session.Context, key device.Key) error {
	if sc.Updating() {
		return ErrBusy
	}
	rec, ok := sc.Scene.Record(key)
	if !ok {
		return scene.ErrNodeNotFound
	}
	sc.Select(rec)
	sc.SetPending(session.Pending{Gesture: session.GestureDrag, Key: key, Origin: rec})
	if p.popups != nil {
		p.popups.CloseForDevice(key)
	}
	return nil
}

// Drag moves the dragged node to pt (scene pixels).
func (p *Protocol) Drag(sc *session.Context, pt geom.Point) error {
	pend := sc.Pending()
	if pend.Gesture != session.GestureDrag {
		return ErrNoGesture
	}
	return sc.Scene.MoveNode(pend.Key, pt)
}

// EndDrag commits the dragged node's current normalized location.
func (p *Protocol) EndDrag(ctx context.Context, sc *session.Context) (Result, error) {
	pend := sc.TakePending()
	if pend.Gesture != session.GestureDrag {
		return Result{}, ErrNoGesture
	}
	node, ok := sc.Scene.Node(pend.Key)
	if !ok {
		return Result{Key: pend.Key}, scene.ErrNodeNotFound
	}
	if node.Location == pend.Origin.Common().Location {
		sc.ClearSelection(pend.Key)
		return Result{Key: pend.Key, Marker: pend.Origin}, nil
	}
	res, err := p.CommitLocation(ctx, sc, device.LocationUpdate{
		Target:   pend.Origin,
		Scope:    pend.Origin.Common().Scope,
		Location: node.Location,
	})
	sc.ClearSelection(pend.Key)
	return res, err
}

// Cancel abandons the gesture in progress and redraws its node from the stored record.
func (p *Protocol) Cancel(sc *session.Context) error {
	pend := sc.TakePending()
	if pend.Gesture == session.GestureNone {
		return ErrNoGesture
	}
	sc.ClearSelection(pend.Key)
	return sc.Scene.Restore(pend.Key)
}

// CommitLocation sends u through the single-flight guard. On success the arena record takes the new
// placement and the node's pixel position stays as drawn, unless the node no longer sits at the
// committed location, in which case it is redrawn from the record. On failure the node is restored.
// An unassigned scope takes the marker off the map; the caller removes the node.
func (p *Protocol) CommitLocation(ctx context.Context, sc *session.Context, u device.LocationUpdate) (Result, error) {
	key := u.Target.Key()
	if !sc.TryBeginUpdate() {
		_ = sc.Scene.Restore(key)
		return Result{Key: key}, ErrBusy
	}
	defer sc.EndUpdate()

	ok, err := p.committer.CommitLocation(ctx, u)
	if sc.Scene.Disposed() {
		p.log.Debug().Str("key", string(key)).Msg("discarding location commit result for disposed session")
		return Result{Key: key}, ErrStale
	}
	if err != nil || !ok {
		p.metrics.IncCommit("location", failureLabel(err))
		_ = sc.Scene.Restore(key)
		rec, _ := sc.Scene.Record(key)
		if err != nil {
			p.log.Error().Err(err).Str("key", string(key)).Msg("location commit failed")
			return Result{Key: key, Marker: rec, RolledBack: true}, fmt.Errorf("commit location %s: %w", key, err)
		}
		p.log.Warn().Str("key", string(key)).Msg("location commit rejected")
		return Result{Key: key, Marker: rec, RolledBack: true}, ErrRejected
	}

	p.metrics.IncCommit("location", "ok")
	updated := device.WithPlacement(u.Target, u.Scope, u.Location)
	if u.Scope.Assigned() {
		// A list refresh may have redrawn the node while the commit was in flight.
		node, _ := sc.Scene.Node(key)
		redraw := node.Location != u.Location
		if err := sc.Scene.ReplaceRecord(updated, redraw); err != nil && !errors.Is(err, scene.ErrNodeNotFound) {
			return Result{Key: key, Marker: updated, Committed: true}, err
		}
	}
	p.log.Info().
		Str("key", string(key)).
		Str("scope", u.Scope.String()).
		Float64("top", u.Location.Top).
		Float64("left", u.Location.Left).
		Msg("location committed")
	return Result{Key: key, Marker: updated, Committed: true}, nil
}

// BeginRotate starts rotating the camera node for key.
func (p *Protocol) BeginRotate(sc *session.Context, key device.Key) error {
	if sc.Updating() {
		return ErrBusy
	}
	rec, ok := sc.Scene.Record(key)
	if !ok {
		return scene.ErrNodeNotFound
	}
	if _, ok := rec.(device.Camera); !ok {
		return ErrNotCamera
	}
	sc.Select(rec)
	sc.SetPending(session.Pending{Gesture: session.GestureRotate, Key: key, Origin: rec})
	if p.popups != nil {
		p.popups.CloseForDevice(key)
	}
	return nil
}

// Rotate points the camera cone at pt and returns the new angle in degrees.
func (p *Protocol) Rotate(sc *session.Context, pt geom.Point) (float64, error) {
	pend := sc.Pending()
	if pend.Gesture != session.GestureRotate {
		return 0, ErrNoGesture
	}
	node, ok := sc.Scene.Node(pend.Key)
	if !ok {
		return 0, scene.ErrNodeNotFound
	}
	angle := geom.AngleDegrees(node.Point, pt)
	if err := sc.Scene.RotateNode(pend.Key, angle); err != nil {
		return 0, err
	}
	return angle, nil
}

// EndRotate commits the angle the cone currently shows.
func (p *Protocol) EndRotate(ctx context.Context, sc *session.Context) (Result, error) {
	pend := sc.TakePending()
	if pend.Gesture != session.GestureRotate {
		return Result{}, ErrNoGesture
	}
	node, ok := sc.Scene.Node(pend.Key)
	if !ok {
		return Result{Key: pend.Key}, scene.ErrNodeNotFound
	}
	cam := pend.Origin.(device.Camera)
	res, err := p.CommitAngle(ctx, sc, device.AngleUpdate{Camera: cam, Angle: node.Angle})
	sc.ClearSelection(pend.Key)
	sc.SetAngleEdit("")
	return res, err
}

// CommitAngle sends u through the single-flight guard. Failure restores the previous angle.
func (p *Protocol) CommitAngle(ctx context.Context, sc *session.Context, u device.AngleUpdate) (Result, error) {
	key := u.Camera.Key()
	if !sc.TryBeginUpdate() {
		_ = sc.Scene.Restore(key)
		return Result{Key: key}, ErrBusy
	}
	defer sc.EndUpdate()

	u.Angle = geom.NormalizeDegrees(u.Angle)
	ok, err := p.committer.CommitAngle(ctx, u)
	if sc.Scene.Disposed() {
		p.log.Debug().Str("key", string(key)).Msg("discarding angle commit result for disposed session")
		return Result{Key: key}, ErrStale
	}
	if err != nil || !ok {
		p.metrics.IncCommit("angle", failureLabel(err))
		_ = sc.Scene.Restore(key)
		rec, _ := sc.Scene.Record(key)
		if err != nil {
			p.log.Error().Err(err).Str("key", string(key)).Msg("angle commit failed")
			return Result{Key: key, Marker: rec, RolledBack: true}, fmt.Errorf("commit angle %s: %w", key, err)
		}
		p.log.Warn().Str("key", string(key)).Msg("angle commit rejected")
		return Result{Key: key, Marker: rec, RolledBack: true}, ErrRejected
	}

	p.metrics.IncCommit("angle", "ok")
	cam := u.Camera
	if cur, ok := sc.Scene.Record(key); ok {
		if c, ok := cur.(device.Camera); ok {
			cam = c
		}
	}
	cam.Angle = u.Angle
	if err := sc.Scene.ReplaceRecord(cam, true); err != nil && !errors.Is(err, scene.ErrNodeNotFound) {
		return Result{Key: key, Marker: cam, Committed: true}, err
	}
	p.log.Info().Str("key", string(key)).Float64("angle", u.Angle).Msg("camera angle committed")
	return Result{Key: key, Marker: cam, Committed: true}, nil
}

func failureLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "rejected"
}
