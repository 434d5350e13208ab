// Package deviceapi is the Postgres-backed system of record behind the map views: per-kind marker
// lists, location and angle commits, door access control and camera assignment.
package deviceapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/sqlcgen"
)

var ErrBackgroundNotFound = errors.New("no background configured for scope")

// Queries is the subset of sqlcgen.Queries the store needs.
type Queries interface {
	ListMapMarkersByScope(ctx context.Context, arg sqlcgen.ListMapMarkersByScopeParams) ([]sqlcgen.MapMarker, error)
	ListUnplacedMapMarkers(ctx context.Context, kind string) ([]sqlcgen.MapMarker, error)
	GetMapMarker(ctx context.Context, arg sqlcgen.GetMapMarkerParams) (sqlcgen.MapMarker, error)
	UpdateMapMarkerLocation(ctx context.Context, arg sqlcgen.UpdateMapMarkerLocationParams) (int64, error)
	UpdateCameraAngle(ctx context.Context, arg sqlcgen.UpdateCameraAngleParams) (int64, error)
	GetOnlineACUForDoor(ctx context.Context, doorID string) (sqlcgen.AccessControlUnit, error)
	UpsertDoorLock(ctx context.Context, arg sqlcgen.UpsertDoorLockParams) error
	UpsertCameraAssignment(ctx context.Context, arg sqlcgen.UpsertCameraAssignmentParams) error
	GetMapBackground(ctx context.Context, arg sqlcgen.GetMapBackgroundParams) (sqlcgen.MapBackground, error)
	InsertAuditEvent(ctx context.Context, arg sqlcgen.InsertAuditEventParams) error
}

type Options struct {
	// Actor is recorded on audit events. Defaults to "map-go".
	Actor string
}

type Store struct {
	log   zerolog.Logger
	q     Queries
	actor string
}

func New(log zerolog.Logger, q Queries, opts Options) *Store {
	if opts.Actor == "" {
		opts.Actor = "map-go"
	}
	return &Store{log: log, q: q, actor: opts.Actor}
}

// ListMarkers returns every marker of kind placed on scope. Rows that cannot be decoded are skipped.
func (s *Store) ListMarkers(ctx context.Context, kind device.Kind, scope device.Scope) ([]device.Marker, error) {
	dim := string(device.Dimension2D)
	if scope.Dimension != "" {
		dim = string(scope.Dimension)
	}
	rows, err := s.q.ListMapMarkersByScope(ctx, sqlcgen.ListMapMarkersByScopeParams{
		Kind:          string(kind),
		OutsideIdx:    scope.OutsideIdx,
		InsideIdx:     scope.InsideIdx,
		DimensionType: dim,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s markers: %w", kind, err)
	}
	return s.decode(rows), nil
}

// ListUnplaced returns the markers of kind that are on no map: the candidates for an add.
func (s *Store) ListUnplaced(ctx context.Context, kind device.Kind) ([]device.Marker, error) {
	rows, err := s.q.ListUnplacedMapMarkers(ctx, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list unplaced %s markers: %w", kind, err)
	}
	return s.decode(rows), nil
}

// Marker loads one marker by kind and identity.
func (s *Store) Marker(ctx context.Context, kind device.Kind, identity string) (device.Marker, error) {
	row, err := s.q.GetMapMarker(ctx, sqlcgen.GetMapMarkerParams{Kind: string(kind), Identity: identity})
	if err != nil {
		return nil, err
	}
	return toMarker(row)
}

func (s *Store) decode(rows []sqlcgen.MapMarker) []device.Marker {
	out := make([]device.Marker, 0, len(rows))
	for _, row := range rows {
		m, err := toMarker(row)
		if err != nil {
			s.log.Warn().Err(err).Str("kind", row.Kind).Str("identity", row.Identity).Msg("skipping undecodable marker")
			continue
		}
		out = append(out, m)
	}
	return out
}

// CommitLocation stores a placement. An unassigned scope clears the placement. It reports false when
// no such marker exists.
func (s *Store) CommitLocation(ctx context.Context, u device.LocationUpdate) (bool, error) {
	if u.Target == nil {
		return false, errors.New("location update has no target")
	}
	arg := sqlcgen.UpdateMapMarkerLocationParams{
		Kind:       string(u.Target.Kind()),
		Identity:   identityOf(u.Target),
		OutsideIdx: u.Scope.OutsideIdx,
		InsideIdx:  u.Scope.InsideIdx,
	}
	if u.Scope.Assigned() {
		dim := string(device.Dimension2D)
		if u.Scope.Dimension != "" {
			dim = string(u.Scope.Dimension)
		}
		arg.DimensionType = strPtr(dim)
		arg.TopLocation = strPtr(geom.FormatFraction(u.Location.Top))
		arg.LeftLocation = strPtr(geom.FormatFraction(u.Location.Left))
		if p, ok := device.WithPlacement(u.Target, u.Scope, u.Location).(device.PIDS); ok {
			arg.Attrs = map[string]any{
				"line_start": locationAttr(p.LineStart),
				"line_end":   locationAttr(p.LineEnd),
			}
		}
	}

	n, err := s.q.UpdateMapMarkerLocation(ctx, arg)
	if err != nil {
		return false, fmt.Errorf("update %s location: %w", arg.Kind, err)
	}
	if n == 0 {
		return false, nil
	}
	s.audit(ctx, "marker.location", u.Target, u.Payload())
	return true, nil
}

// CommitAngle stores a camera's field-of-view direction.
func (s *Store) CommitAngle(ctx context.Context, u device.AngleUpdate) (bool, error) {
	n, err := s.q.UpdateCameraAngle(ctx, sqlcgen.UpdateCameraAngleParams{
		Identity: u.Camera.CompositeID(),
		Angle:    geom.NormalizeDegrees(u.Angle),
	})
	if err != nil {
		return false, fmt.Errorf("update camera angle: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	s.audit(ctx, "camera.angle", u.Camera, u.Payload())
	return true, nil
}

// ACUAvailable reports whether an online access-control unit drives the door.
func (s *Store) ACUAvailable(ctx context.Context, door device.Door) (bool, error) {
	_, err := s.q.GetOnlineACUForDoor(ctx, door.DoorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acu lookup: %w", err)
	}
	return true, nil
}

// SetDoorLock records a lock or unlock command for the door's ACU. It reports false when the door
// has no online ACU.
func (s *Store) SetDoorLock(ctx context.Context, door device.Door, locked bool) (bool, error) {
	acu, err := s.q.GetOnlineACUForDoor(ctx, door.DoorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acu lookup: %w", err)
	}
	if err := s.q.UpsertDoorLock(ctx, sqlcgen.UpsertDoorLockParams{DoorID: door.DoorID, Locked: locked, AcuID: acu.AcuID}); err != nil {
		return false, fmt.Errorf("set door lock: %w", err)
	}
	s.audit(ctx, "door.lock", door, map[string]any{"locked": locked, "acu_id": acu.AcuID})
	return true, nil
}

// AssignCamera links cameraID (the camera's composite id) to a door, ebell or pids zone. It reports
// false for other targets and for unknown cameras.
func (s *Store) AssignCamera(ctx context.Context, target device.Marker, cameraID string) (bool, error) {
	switch target.(type) {
	case device.Door, device.EBell, device.PIDS:
	default:
		return false, nil
	}
	_, err := s.q.GetMapMarker(ctx, sqlcgen.GetMapMarkerParams{Kind: string(device.KindCamera), Identity: cameraID})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("camera lookup: %w", err)
	}
	err = s.q.UpsertCameraAssignment(ctx, sqlcgen.UpsertCameraAssignmentParams{
		TargetKind:     string(target.Kind()),
		TargetIdentity: identityOf(target),
		CameraID:       cameraID,
	})
	if err != nil {
		return false, fmt.Errorf("assign camera: %w", err)
	}
	s.audit(ctx, "camera.assign", target, map[string]any{"camera_id": cameraID})
	return true, nil
}

// Background is where a map image lives: an object key in the image store, or a direct URL.
type Background struct {
	ObjectKey string
	URL       string
}

func (s *Store) Background(ctx context.Context, view string, scope device.Scope) (Background, error) {
	if scope.OutsideIdx == nil {
		return Background{}, ErrBackgroundNotFound
	}
	row, err := s.q.GetMapBackground(ctx, sqlcgen.GetMapBackgroundParams{
		View:       view,
		OutsideIdx: *scope.OutsideIdx,
		InsideIdx:  scope.InsideIdx,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Background{}, ErrBackgroundNotFound
	}
	if err != nil {
		return Background{}, fmt.Errorf("background lookup: %w", err)
	}
	var out Background
	if row.ObjectKey != nil {
		out.ObjectKey = *row.ObjectKey
	}
	if row.URL != nil {
		out.URL = *row.URL
	}
	if out.ObjectKey == "" && out.URL == "" {
		return Background{}, ErrBackgroundNotFound
	}
	return out, nil
}

// audit records a successful change. Failures are logged and never undo the change.
func (s *Store) audit(ctx context.Context, action string, m device.Marker, details map[string]any) {
	kind := string(m.Kind())
	identity := identityOf(m)
	err := s.q.InsertAuditEvent(ctx, sqlcgen.InsertAuditEventParams{
		Actor:          s.actor,
		Action:         action,
		TargetKind:     &kind,
		TargetIdentity: &identity,
		Details:        details,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("action", action).Str("key", string(m.Key())).Msg("audit insert failed")
	}
}
