package deviceapi

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/sqlcgen"
)

type fakeQueries struct {
	listFn       func(ctx context.Context, arg sqlcgen.ListMapMarkersByScopeParams) ([]sqlcgen.MapMarker, error)
	unplacedFn   func(ctx context.Context, kind string) ([]sqlcgen.MapMarker, error)
	getFn        func(ctx context.Context, arg sqlcgen.GetMapMarkerParams) (sqlcgen.MapMarker, error)
	locationFn   func(ctx context.Context, arg sqlcgen.UpdateMapMarkerLocationParams) (int64, error)
	angleFn      func(ctx context.Context, arg sqlcgen.UpdateCameraAngleParams) (int64, error)
	acuFn        func(ctx context.Context, doorID string) (sqlcgen.AccessControlUnit, error)
	lockFn       func(ctx context.Context, arg sqlcgen.UpsertDoorLockParams) error
	assignFn     func(ctx context.Context, arg sqlcgen.UpsertCameraAssignmentParams) error
	backgroundFn func(ctx context.Context, arg sqlcgen.GetMapBackgroundParams) (sqlcgen.MapBackground, error)

	audits []sqlcgen.InsertAuditEventParams
}

func (f *fakeQueries) ListMapMarkersByScope(ctx context.Context, arg sqlcgen.ListMapMarkersByScopeParams) ([]sqlcgen.MapMarker, error) {
	return f.listFn(ctx, arg)
}

func (f *fakeQueries) ListUnplacedMapMarkers(ctx context.Context, kind string) ([]sqlcgen.MapMarker, error) {
	return f.unplacedFn(ctx, kind)
}

func (f *fakeQueries) GetMapMarker(ctx context.Context, arg sqlcgen.GetMapMarkerParams) (sqlcgen.MapMarker, error) {
	if f.getFn == nil {
		return sqlcgen.MapMarker{}, pgx.ErrNoRows
	}
	return f.getFn(ctx, arg)
}

func (f *fakeQueries) UpdateMapMarkerLocation(ctx context.Context, arg sqlcgen.UpdateMapMarkerLocationParams) (int64, error) {
	return f.locationFn(ctx, arg)
}

func (f *fakeQueries) UpdateCameraAngle(ctx context.Context, arg sqlcgen.UpdateCameraAngleParams) (int64, error) {
	return f.angleFn(ctx, arg)
}

func (f *fakeQueries) GetOnlineACUForDoor(ctx context.Context, doorID string) (sqlcgen.AccessControlUnit, error) {
	if f.acuFn == nil {
		return sqlcgen.AccessControlUnit{}, pgx.ErrNoRows
	}
	return f.acuFn(ctx, doorID)
}

func (f *fakeQueries) UpsertDoorLock(ctx context.Context, arg sqlcgen.UpsertDoorLockParams) error {
	if f.lockFn == nil {
		return nil
	}
	return f.lockFn(ctx, arg)
}

func (f *fakeQueries) UpsertCameraAssignment(ctx context.Context, arg sqlcgen.UpsertCameraAssignmentParams) error {
	if f.assignFn == nil {
		return nil
	}
	return f.assignFn(ctx, arg)
}

func (f *fakeQueries) GetMapBackground(ctx context.Context, arg sqlcgen.GetMapBackgroundParams) (sqlcgen.MapBackground, error) {
	if f.backgroundFn == nil {
		return sqlcgen.MapBackground{}, pgx.ErrNoRows
	}
	return f.backgroundFn(ctx, arg)
}

func (f *fakeQueries) InsertAuditEvent(ctx context.Context, arg sqlcgen.InsertAuditEventParams) error {
	f.audits = append(f.audits, arg)
	return nil
}

func newStore(q *fakeQueries) *Store {
	return New(zerolog.New(io.Discard), q, Options{})
}

func strp(v string) *string { return &v }
func int64p(v int64) *int64 { return &v }

func TestListMarkers_DecodesEveryKind(t *testing.T) {
	var got sqlcgen.ListMapMarkersByScopeParams
	q := &fakeQueries{
		listFn: func(ctx context.Context, arg sqlcgen.ListMapMarkersByScopeParams) ([]sqlcgen.MapMarker, error) {
			got = arg
			placed := func(kind, identity string, attrs map[string]any) sqlcgen.MapMarker {
				return sqlcgen.MapMarker{
					Kind: kind, Identity: identity,
					OutsideIdx: int64p(1), InsideIdx: int64p(2), DimensionType: strp("2d"),
					TopLocation: strp("0.25"), LeftLocation: strp("0.5"),
					Attrs: attrs,
				}
			}
			return []sqlcgen.MapMarker{
				placed("camera", "vms:nvr1:7", map[string]any{"main_service_name": "vms", "vms_name": "nvr1", "camera_id": "7", "camera_angle": float64(-90)}),
				placed("door", "D-1", map[string]any{"acu_id": "ACU-1"}),
				placed("ebell", "12", map[string]any{"ip_address": "10.0.0.12"}),
				placed("guardianlite", "10.0.0.9", map[string]any{"channels": []any{map[string]any{"label": "ch1", "value": "on"}}}),
				placed("pids", "3", map[string]any{"pids_id": "Z3", "line_start": map[string]any{"top": "0.5", "left": 0.25}}),
				placed("building", "4", map[string]any{"service_type": "hq"}),
				placed("ebell", "not-a-number", nil),
			}, nil
		},
	}

	out, err := newStore(q).ListMarkers(context.Background(), device.KindCamera, device.Indoor(1, 2))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.Kind != "camera" || got.DimensionType != "2d" || *got.OutsideIdx != 1 || *got.InsideIdx != 2 {
		t.Fatalf("unexpected query params: %+v", got)
	}
	if len(out) != 6 {
		t.Fatalf("expected 6 decoded markers, got %d", len(out))
	}

	cam, ok := out[0].(device.Camera)
	if !ok {
		t.Fatalf("expected camera, got %T", out[0])
	}
	if cam.Angle != 270 || cam.Location != (geom.Location{Top: 0.25, Left: 0.5}) {
		t.Fatalf("unexpected camera: %+v", cam)
	}
	door := out[1].(device.Door)
	if door.ACUID == nil || *door.ACUID != "ACU-1" {
		t.Fatalf("expected acu id ACU-1, got %v", door.ACUID)
	}
	if out[2].(device.EBell).Idx != 12 {
		t.Fatalf("expected ebell idx 12, got %+v", out[2])
	}
	gl := out[3].(device.Guardianlite)
	if len(gl.Channels) != 1 || gl.Channels[0].Value != "on" {
		t.Fatalf("unexpected channels: %+v", gl.Channels)
	}
	p := out[4].(device.PIDS)
	if p.LineStart != (geom.Location{Top: 0.5, Left: 0.25}) {
		t.Fatalf("unexpected line start: %+v", p.LineStart)
	}
	if out[5].Key() != "building:4" {
		t.Fatalf("expected building:4, got %s", out[5].Key())
	}
}

func TestListMarkers_PlacedRowWithoutLocationSkipped(t *testing.T) {
	q := &fakeQueries{
		listFn: func(ctx context.Context, arg sqlcgen.ListMapMarkersByScopeParams) ([]sqlcgen.MapMarker, error) {
			return []sqlcgen.MapMarker{{Kind: "door", Identity: "D-1", OutsideIdx: int64p(1)}}, nil
		},
	}
	out, err := newStore(q).ListMarkers(context.Background(), device.KindDoor, device.Outdoor(1))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no markers, got %d", len(out))
	}
}

func TestListMarkers_QueryError(t *testing.T) {
	q := &fakeQueries{
		listFn: func(ctx context.Context, arg sqlcgen.ListMapMarkersByScopeParams) ([]sqlcgen.MapMarker, error) {
			return nil, errors.New("boom")
		},
	}
	if _, err := newStore(q).ListMarkers(context.Background(), device.KindDoor, device.Outdoor(1)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCommitLocation_Placed(t *testing.T) {
	var got sqlcgen.UpdateMapMarkerLocationParams
	q := &fakeQueries{
		locationFn: func(ctx context.Context, arg sqlcgen.UpdateMapMarkerLocationParams) (int64, error) {
			got = arg
			return 1, nil
		},
	}
	target := device.PIDS{
		Base:      device.Base{Scope: device.Outdoor(1), Location: geom.Location{Top: 0.5, Left: 0.5}},
		Idx:       3,
		LineStart: geom.Location{Top: 0.25, Left: 0.25},
		LineEnd:   geom.Location{Top: 0.75, Left: 0.75},
	}
	ok, err := newStore(q).CommitLocation(context.Background(), device.LocationUpdate{
		Target:   target,
		Scope:    device.Outdoor(1),
		Location: geom.Location{Top: 0.25, Left: 0.5},
	})
	if err != nil || !ok {
		t.Fatalf("expected committed, got ok=%v err=%v", ok, err)
	}
	if got.Kind != "pids" || got.Identity != "3" {
		t.Fatalf("unexpected identity: %s %s", got.Kind, got.Identity)
	}
	if *got.TopLocation != "0.25" || *got.LeftLocation != "0.5" || *got.DimensionType != "2d" {
		t.Fatalf("unexpected location params: %s %s %s", *got.TopLocation, *got.LeftLocation, *got.DimensionType)
	}
	if got.InsideIdx != nil || *got.OutsideIdx != 1 {
		t.Fatalf("unexpected scope params: %v %v", got.OutsideIdx, got.InsideIdx)
	}
	start := got.Attrs["line_start"].(map[string]any)
	end := got.Attrs["line_end"].(map[string]any)
	if start["top"] != "0" || start["left"] != "0.25" || end["top"] != "0.5" || end["left"] != "0.75" {
		t.Fatalf("unexpected detection line: %v %v", start, end)
	}
	if len(q.audits) != 1 || q.audits[0].Action != "marker.location" {
		t.Fatalf("expected one location audit, got %+v", q.audits)
	}
}

func TestCommitLocation_UnassignedClearsPlacement(t *testing.T) {
	var got sqlcgen.UpdateMapMarkerLocationParams
	q := &fakeQueries{
		locationFn: func(ctx context.Context, arg sqlcgen.UpdateMapMarkerLocationParams) (int64, error) {
			got = arg
			return 1, nil
		},
	}
	door := device.Door{Base: device.Base{Scope: device.Indoor(1, 2)}, DoorID: "D-1"}
	ok, err := newStore(q).CommitLocation(context.Background(), device.LocationUpdate{Target: door, Scope: device.Unassigned()})
	if err != nil || !ok {
		t.Fatalf("expected committed, got ok=%v err=%v", ok, err)
	}
	if got.OutsideIdx != nil || got.InsideIdx != nil || got.TopLocation != nil || got.LeftLocation != nil || got.DimensionType != nil {
		t.Fatalf("expected all placement fields nil, got %+v", got)
	}
}

func TestCommitLocation_UnknownMarkerRejected(t *testing.T) {
	q := &fakeQueries{
		locationFn: func(ctx context.Context, arg sqlcgen.UpdateMapMarkerLocationParams) (int64, error) {
			return 0, nil
		},
	}
	ok, err := newStore(q).CommitLocation(context.Background(), device.LocationUpdate{
		Target: device.Door{DoorID: "nope"}, Scope: device.Outdoor(1),
	})
	if err != nil || ok {
		t.Fatalf("expected rejected without error, got ok=%v err=%v", ok, err)
	}
	if len(q.audits) != 0 {
		t.Fatalf("expected no audit, got %d", len(q.audits))
	}
}

func TestCommitAngle_Normalizes(t *testing.T) {
	var got sqlcgen.UpdateCameraAngleParams
	q := &fakeQueries{
		angleFn: func(ctx context.Context, arg sqlcgen.UpdateCameraAngleParams) (int64, error) {
			got = arg
			return 1, nil
		},
	}
	cam := device.Camera{MainServiceName: "vms", VMSName: "nvr1", CameraID: "7"}
	ok, err := newStore(q).CommitAngle(context.Background(), device.AngleUpdate{Camera: cam, Angle: -90})
	if err != nil || !ok {
		t.Fatalf("expected committed, got ok=%v err=%v", ok, err)
	}
	if got.Identity != "vms:nvr1:7" || got.Angle != 270 {
		t.Fatalf("unexpected params: %+v", got)
	}
}

func TestDoorAccess(t *testing.T) {
	var lock sqlcgen.UpsertDoorLockParams
	q := &fakeQueries{
		acuFn: func(ctx context.Context, doorID string) (sqlcgen.AccessControlUnit, error) {
			if doorID != "D-1" {
				return sqlcgen.AccessControlUnit{}, pgx.ErrNoRows
			}
			return sqlcgen.AccessControlUnit{AcuID: "ACU-1", DoorID: doorID, Online: true}, nil
		},
		lockFn: func(ctx context.Context, arg sqlcgen.UpsertDoorLockParams) error {
			lock = arg
			return nil
		},
	}
	st := newStore(q)
	ctx := context.Background()

	if ok, err := st.ACUAvailable(ctx, device.Door{DoorID: "D-1"}); err != nil || !ok {
		t.Fatalf("expected acu available, got ok=%v err=%v", ok, err)
	}
	if ok, err := st.ACUAvailable(ctx, device.Door{DoorID: "D-2"}); err != nil || ok {
		t.Fatalf("expected no acu, got ok=%v err=%v", ok, err)
	}
	if ok, err := st.SetDoorLock(ctx, device.Door{DoorID: "D-1"}, true); err != nil || !ok {
		t.Fatalf("expected lock stored, got ok=%v err=%v", ok, err)
	}
	if lock.AcuID != "ACU-1" || !lock.Locked {
		t.Fatalf("unexpected lock params: %+v", lock)
	}
	if ok, err := st.SetDoorLock(ctx, device.Door{DoorID: "D-2"}, true); err != nil || ok {
		t.Fatalf("expected rejected without acu, got ok=%v err=%v", ok, err)
	}
}

func TestAssignCamera(t *testing.T) {
	var got sqlcgen.UpsertCameraAssignmentParams
	q := &fakeQueries{
		getFn: func(ctx context.Context, arg sqlcgen.GetMapMarkerParams) (sqlcgen.MapMarker, error) {
			if arg.Kind == "camera" && arg.Identity == "vms:nvr1:7" {
				return sqlcgen.MapMarker{Kind: "camera", Identity: arg.Identity}, nil
			}
			return sqlcgen.MapMarker{}, pgx.ErrNoRows
		},
		assignFn: func(ctx context.Context, arg sqlcgen.UpsertCameraAssignmentParams) error {
			got = arg
			return nil
		},
	}
	st := newStore(q)
	ctx := context.Background()

	if ok, err := st.AssignCamera(ctx, device.EBell{Idx: 12}, "vms:nvr1:7"); err != nil || !ok {
		t.Fatalf("expected assigned, got ok=%v err=%v", ok, err)
	}
	if got.TargetKind != "ebell" || got.TargetIdentity != "12" {
		t.Fatalf("unexpected params: %+v", got)
	}
	if ok, _ := st.AssignCamera(ctx, device.EBell{Idx: 12}, "vms:nvr1:8"); ok {
		t.Fatalf("expected unknown camera rejected")
	}
	if ok, _ := st.AssignCamera(ctx, device.Building{Idx: 1}, "vms:nvr1:7"); ok {
		t.Fatalf("expected building target rejected")
	}
}

func TestBackground(t *testing.T) {
	q := &fakeQueries{
		backgroundFn: func(ctx context.Context, arg sqlcgen.GetMapBackgroundParams) (sqlcgen.MapBackground, error) {
			if arg.View == "indoor" && arg.OutsideIdx == 1 && arg.InsideIdx != nil && *arg.InsideIdx == 2 {
				return sqlcgen.MapBackground{ObjectKey: strp("floors/1-2.png")}, nil
			}
			return sqlcgen.MapBackground{}, pgx.ErrNoRows
		},
	}
	st := newStore(q)
	ctx := context.Background()

	bg, err := st.Background(ctx, "indoor", device.Indoor(1, 2))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if bg.ObjectKey != "floors/1-2.png" {
		t.Fatalf("expected object key, got %+v", bg)
	}
	if _, err := st.Background(ctx, "indoor", device.Indoor(1, 3)); !errors.Is(err, ErrBackgroundNotFound) {
		t.Fatalf("expected ErrBackgroundNotFound, got %v", err)
	}
	if _, err := st.Background(ctx, "outdoor", device.Unassigned()); !errors.Is(err, ErrBackgroundNotFound) {
		t.Fatalf("expected ErrBackgroundNotFound, got %v", err)
	}
}
