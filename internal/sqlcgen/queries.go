package sqlcgen

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const insertAuditEvent = `-- name: InsertAuditEvent :exec
INSERT INTO audit_events (
  actor,
  action,
  target_kind,
  target_identity,
  details
)
VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::jsonb))
`

type InsertAuditEventParams struct {
	Actor          string
	Action         string
	TargetKind     *string
	TargetIdentity *string
	Details        map[string]any
}

func (q *Queries) InsertAuditEvent(ctx context.Context, arg InsertAuditEventParams) error {
	_, err := q.db.Exec(ctx, insertAuditEvent, arg.Actor, arg.Action, arg.TargetKind, arg.TargetIdentity, arg.Details)
	return err
}

const listMapMarkersByScope = `-- name: ListMapMarkersByScope :many
SELECT kind,
       identity,
       name,
       outside_idx,
       inside_idx,
       dimension_type,
       top_location,
       left_location,
       attrs,
       updated_at
FROM map_markers
WHERE kind = $1
  AND outside_idx IS NOT DISTINCT FROM $2
  AND inside_idx IS NOT DISTINCT FROM $3
  AND COALESCE(dimension_type, '2d') = $4
ORDER BY identity
`

type ListMapMarkersByScopeParams struct {
	Kind          string
	OutsideIdx    *int64
	InsideIdx     *int64
	DimensionType string
}

func (q *Queries) ListMapMarkersByScope(ctx context.Context, arg ListMapMarkersByScopeParams) ([]MapMarker, error) {
	rows, err := q.db.Query(ctx, listMapMarkersByScope, arg.Kind, arg.OutsideIdx, arg.InsideIdx, arg.DimensionType)
	if err != nil {
		return nil, err
	}
	return scanMapMarkers(rows)
}

const listUnplacedMapMarkers = `-- name: ListUnplacedMapMarkers :many
SELECT kind,
       identity,
       name,
       outside_idx,
       inside_idx,
       dimension_type,
       top_location,
       left_location,
       attrs,
       updated_at
FROM map_markers
WHERE kind = $1
  AND outside_idx IS NULL
  AND inside_idx IS NULL
ORDER BY identity
`

func (q *Queries) ListUnplacedMapMarkers(ctx context.Context, kind string) ([]MapMarker, error) {
	rows, err := q.db.Query(ctx, listUnplacedMapMarkers, kind)
	if err != nil {
		return nil, err
	}
	return scanMapMarkers(rows)
}

func scanMapMarkers(rows pgx.Rows) ([]MapMarker, error) {
	defer rows.Close()
	var items []MapMarker
	for rows.Next() {
		var i MapMarker
		if err := rows.Scan(
			&i.Kind,
			&i.Identity,
			&i.Name,
			&i.OutsideIdx,
			&i.InsideIdx,
			&i.DimensionType,
			&i.TopLocation,
			&i.LeftLocation,
			&i.Attrs,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getMapMarker = `-- name: GetMapMarker :one
SELECT kind,
       identity,
       name,
       outside_idx,
       inside_idx,
       dimension_type,
       top_location,
       left_location,
       attrs,
       updated_at
FROM map_markers
WHERE kind = $1
  AND identity = $2
`

type GetMapMarkerParams struct {
	Kind     string
	Identity string
}

func (q *Queries) GetMapMarker(ctx context.Context, arg GetMapMarkerParams) (MapMarker, error) {
	row := q.db.QueryRow(ctx, getMapMarker, arg.Kind, arg.Identity)
	var i MapMarker
	err := row.Scan(
		&i.Kind,
		&i.Identity,
		&i.Name,
		&i.OutsideIdx,
		&i.InsideIdx,
		&i.DimensionType,
		&i.TopLocation,
		&i.LeftLocation,
		&i.Attrs,
		&i.UpdatedAt,
	)
	return i, err
}

const updateMapMarkerLocation = `-- name: UpdateMapMarkerLocation :execrows
UPDATE map_markers
SET outside_idx = $3,
    inside_idx = $4,
    dimension_type = $5,
    top_location = $6,
    left_location = $7,
    attrs = attrs || COALESCE($8, '{}'::jsonb),
    updated_at = now()
WHERE kind = $1
  AND identity = $2
`

type UpdateMapMarkerLocationParams struct {
	Kind          string
	Identity      string
	OutsideIdx    *int64
	InsideIdx     *int64
	DimensionType *string
	TopLocation   *string
	LeftLocation  *string
	Attrs         map[string]any
}

func (q *Queries) UpdateMapMarkerLocation(ctx context.Context, arg UpdateMapMarkerLocationParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateMapMarkerLocation,
		arg.Kind,
		arg.Identity,
		arg.OutsideIdx,
		arg.InsideIdx,
		arg.DimensionType,
		arg.TopLocation,
		arg.LeftLocation,
		arg.Attrs,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const updateCameraAngle = `-- name: UpdateCameraAngle :execrows
UPDATE map_markers
SET attrs = jsonb_set(attrs, '{camera_angle}', to_jsonb($2::float8)),
    updated_at = now()
WHERE kind = 'camera'
  AND identity = $1
`

type UpdateCameraAngleParams struct {
	Identity string
	Angle    float64
}

func (q *Queries) UpdateCameraAngle(ctx context.Context, arg UpdateCameraAngleParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateCameraAngle, arg.Identity, arg.Angle)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const getOnlineACUForDoor = `-- name: GetOnlineACUForDoor :one
SELECT acu_id,
       door_id,
       online
FROM access_control_units
WHERE door_id = $1
  AND online
ORDER BY acu_id
LIMIT 1
`

func (q *Queries) GetOnlineACUForDoor(ctx context.Context, doorID string) (AccessControlUnit, error) {
	row := q.db.QueryRow(ctx, getOnlineACUForDoor, doorID)
	var i AccessControlUnit
	err := row.Scan(&i.AcuID, &i.DoorID, &i.Online)
	return i, err
}

const upsertDoorLock = `-- name: UpsertDoorLock :exec
INSERT INTO door_locks (door_id, locked, acu_id)
VALUES ($1, $2, $3)
ON CONFLICT (door_id) DO UPDATE
SET locked = EXCLUDED.locked,
    acu_id = EXCLUDED.acu_id,
    updated_at = now()
`

type UpsertDoorLockParams struct {
	DoorID string
	Locked bool
	AcuID  string
}

func (q *Queries) UpsertDoorLock(ctx context.Context, arg UpsertDoorLockParams) error {
	_, err := q.db.Exec(ctx, upsertDoorLock, arg.DoorID, arg.Locked, arg.AcuID)
	return err
}

const upsertCameraAssignment = `-- name: UpsertCameraAssignment :exec
INSERT INTO camera_assignments (target_kind, target_identity, camera_id)
VALUES ($1, $2, $3)
ON CONFLICT (target_kind, target_identity) DO UPDATE
SET camera_id = EXCLUDED.camera_id,
    updated_at = now()
`

type UpsertCameraAssignmentParams struct {
	TargetKind     string
	TargetIdentity string
	CameraID       string
}

func (q *Queries) UpsertCameraAssignment(ctx context.Context, arg UpsertCameraAssignmentParams) error {
	_, err := q.db.Exec(ctx, upsertCameraAssignment, arg.TargetKind, arg.TargetIdentity, arg.CameraID)
	return err
}

const getMapBackground = `-- name: GetMapBackground :one
SELECT id,
       view,
       outside_idx,
       inside_idx,
       object_key,
       url
FROM map_backgrounds
WHERE view = $1
  AND outside_idx = $2
  AND inside_idx IS NOT DISTINCT FROM $3
`

type GetMapBackgroundParams struct {
	View       string
	OutsideIdx int64
	InsideIdx  *int64
}

func (q *Queries) GetMapBackground(ctx context.Context, arg GetMapBackgroundParams) (MapBackground, error) {
	row := q.db.QueryRow(ctx, getMapBackground, arg.View, arg.OutsideIdx, arg.InsideIdx)
	var i MapBackground
	err := row.Scan(&i.ID, &i.View, &i.OutsideIdx, &i.InsideIdx, &i.ObjectKey, &i.URL)
	return i, err
}

const listGuardianliteTargets = `-- name: ListGuardianliteTargets :many
SELECT identity,
       name
FROM map_markers
WHERE kind = 'guardianlite'
ORDER BY identity
`

func (q *Queries) ListGuardianliteTargets(ctx context.Context) ([]GuardianliteTarget, error) {
	rows, err := q.db.Query(ctx, listGuardianliteTargets)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []GuardianliteTarget
	for rows.Next() {
		var i GuardianliteTarget
		if err := rows.Scan(&i.Identity, &i.Name); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const updateGuardianliteChannels = `-- name: UpdateGuardianliteChannels :execrows
UPDATE map_markers
SET attrs = jsonb_set(attrs, '{channels}', $2::jsonb),
    updated_at = now()
WHERE kind = 'guardianlite'
  AND identity = $1
  AND attrs -> 'channels' IS DISTINCT FROM $2::jsonb
`

type UpdateGuardianliteChannelsParams struct {
	Identity string
	Channels []byte
}

func (q *Queries) UpdateGuardianliteChannels(ctx context.Context, arg UpdateGuardianliteChannelsParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateGuardianliteChannels, arg.Identity, arg.Channels)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
