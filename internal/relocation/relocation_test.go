package relocation

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/scene"
	"sitewatch/map-go/internal/session"
)

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, url string) (int, int, error) { return 1000, 800, nil }

type fakeCommitter struct {
	mu        sync.Mutex
	locations []device.LocationUpdate
	angles    []device.AngleUpdate

	commitLocationFn func(ctx context.Context, u device.LocationUpdate) (bool, error)
	commitAngleFn    func(ctx context.Context, u device.AngleUpdate) (bool, error)
}

func (f *fakeCommitter) CommitLocation(ctx context.Context, u device.LocationUpdate) (bool, error) {
	f.mu.Lock()
	f.locations = append(f.locations, u)
	f.mu.Unlock()
	if f.commitLocationFn == nil {
		return true, nil
	}
	return f.commitLocationFn(ctx, u)
}

func (f *fakeCommitter) CommitAngle(ctx context.Context, u device.AngleUpdate) (bool, error) {
	f.mu.Lock()
	f.angles = append(f.angles, u)
	f.mu.Unlock()
	if f.commitAngleFn == nil {
		return true, nil
	}
	return f.commitAngleFn(ctx, u)
}

func (f *fakeCommitter) locationCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locations)
}

type fakePopups struct {
	closed []device.Key
}

func (f *fakePopups) CloseForDevice(key device.Key) { f.closed = append(f.closed, key) }

type fixture struct {
	reg  *scene.Registry
	sc   *session.Context
	cam  device.Camera
	door device.Door
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := scene.NewRegistry(zerolog.New(io.Discard), fakeProber{}, scene.Options{})
	s, err := reg.CreateScene(context.Background(), "http://maps/floor.png", 1000, 800)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	scope := device.Indoor(1, 2)
	cam := device.Camera{
		Base:            device.Base{Scope: scope, Location: geom.Location{Top: 0.5, Left: 0.5}},
		MainServiceName: "main",
		VMSName:         "vms",
		CameraID:        "7",
		Angle:           90,
	}
	door := device.Door{Base: device.Base{Scope: scope, Location: geom.Location{Top: 0.1, Left: 0.1}}, DoorID: "D-1"}
	if _, err := reg.AddMarkers(s, []device.Marker{cam}, device.KindCamera, scene.AddOptions{Replace: true, Scope: &scope}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := reg.AddMarkers(s, []device.Marker{door}, device.KindDoor, scene.AddOptions{Replace: true, Scope: &scope}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return fixture{reg: reg, sc: session.New(s, nil), cam: cam, door: door}
}

func newProtocol(c Committer, p PopupCloser) *Protocol {
	return New(zerolog.New(io.Discard), c, p, nil)
}

func TestDrag_CommitsNormalizedLocation(t *testing.T) {
	fx := newFixture(t)
	committer := &fakeCommitter{}
	popups := &fakePopups{}
	p := newProtocol(committer, popups)

	if err := p.BeginDrag(fx.sc, fx.cam.Key()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fx.sc.Selected() == nil || fx.sc.Selected().Key() != fx.cam.Key() {
		t.Fatalf("expected camera selected")
	}
	if len(popups.closed) != 1 || popups.closed[0] != fx.cam.Key() {
		t.Fatalf("expected camera popups closed, got %v", popups.closed)
	}
	if err := p.Drag(fx.sc, geom.Point{X: 250, Y: 200}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	res, err := p.EndDrag(context.Background(), fx.sc)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.Committed {
		t.Fatalf("expected committed result, got %+v", res)
	}
	if len(committer.locations) != 1 {
		t.Fatalf("expected one commit, got %d", len(committer.locations))
	}
	u := committer.locations[0]
	if u.Location != (geom.Location{Top: 0.25, Left: 0.25}) || !u.Scope.Matches(device.Indoor(1, 2)) {
		t.Fatalf("unexpected update %+v", u)
	}
	payload := u.Payload()
	if payload["top_location"] != "0.25" || payload["camera_id"] != "7" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	rec, _ := fx.sc.Scene.Record(fx.cam.Key())
	if rec.Common().Location != (geom.Location{Top: 0.25, Left: 0.25}) {
		t.Fatalf("expected record updated, got %+v", rec.Common().Location)
	}
	node, _ := fx.sc.Scene.Node(fx.cam.Key())
	if node.Point != (geom.Point{X: 250, Y: 200}) {
		t.Fatalf("expected node to stay where dropped, got %+v", node.Point)
	}
	if fx.sc.Updating() || fx.sc.Selected() != nil {
		t.Fatalf("expected guard released and selection cleared")
	}
}

func TestBeginDrag_RejectedWhileCommitInFlight(t *testing.T) {
	fx := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	committer := &fakeCommitter{
		commitLocationFn: func(ctx context.Context, u device.LocationUpdate) (bool, error) {
			close(entered)
			<-release
			return true, nil
		},
	}
	p := newProtocol(committer, nil)

	if err := p.BeginDrag(fx.sc, fx.cam.Key()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	_ = p.Drag(fx.sc, geom.Point{X: 100, Y: 100})

	done := make(chan error, 1)
	go func() {
		_, err := p.EndDrag(context.Background(), fx.sc)
		done <- err
	}()
	<-entered

	if err := p.BeginDrag(fx.sc, fx.door.Key()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if sel := fx.sc.Selected(); sel == nil || sel.Key() != fx.cam.Key() {
		t.Fatalf("expected selection unchanged by rejected drag, got %v", sel)
	}
	if fx.sc.Pending().Gesture != session.GestureNone {
		t.Fatalf("expected no new gesture")
	}
	if err := p.BeginRotate(fx.sc, fx.cam.Key()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for rotate, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if committer.locationCalls() != 1 {
		t.Fatalf("expected exactly one commit, got %d", committer.locationCalls())
	}
}

func TestEndDrag_TransportErrorRollsBackAndReleasesGuard(t *testing.T) {
	fx := newFixture(t)
	fail := true
	committer := &fakeCommitter{
		commitLocationFn: func(ctx context.Context, u device.LocationUpdate) (bool, error) {
			if fail {
				return false, errors.New("connection reset")
			}
			return true, nil
		},
	}
	p := newProtocol(committer, nil)

	_ = p.BeginDrag(fx.sc, fx.door.Key())
	_ = p.Drag(fx.sc, geom.Point{X: 900, Y: 700})
	res, err := p.EndDrag(context.Background(), fx.sc)
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if !res.RolledBack {
		t.Fatalf("expected rollback, got %+v", res)
	}
	node, _ := fx.sc.Scene.Node(fx.door.Key())
	if node.Point != (geom.Point{X: 100, Y: 80}) {
		t.Fatalf("expected node back at pre-drag position, got %+v", node.Point)
	}
	if fx.sc.Updating() {
		t.Fatalf("expected guard released after failure")
	}

	fail = false
	if err := p.BeginDrag(fx.sc, fx.door.Key()); err != nil {
		t.Fatalf("expected next drag accepted, got %v", err)
	}
	_ = p.Drag(fx.sc, geom.Point{X: 500, Y: 400})
	if _, err := p.EndDrag(context.Background(), fx.sc); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if committer.locationCalls() != 2 {
		t.Fatalf("expected two commits, got %d", committer.locationCalls())
	}
}

func TestEndDrag_RejectedResult(t *testing.T) {
	fx := newFixture(t)
	committer := &fakeCommitter{
		commitLocationFn: func(ctx context.Context, u device.LocationUpdate) (bool, error) { return false, nil },
	}
	p := newProtocol(committer, nil)

	_ = p.BeginDrag(fx.sc, fx.door.Key())
	_ = p.Drag(fx.sc, geom.Point{X: 300, Y: 300})
	if _, err := p.EndDrag(context.Background(), fx.sc); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	rec, _ := fx.sc.Scene.Record(fx.door.Key())
	if rec.Common().Location != fx.door.Location {
		t.Fatalf("expected record untouched, got %+v", rec.Common().Location)
	}
}

func TestEndDrag_WithoutMovementSkipsCommit(t *testing.T) {
	fx := newFixture(t)
	committer := &fakeCommitter{}
	p := newProtocol(committer, nil)

	_ = p.BeginDrag(fx.sc, fx.door.Key())
	if _, err := p.EndDrag(context.Background(), fx.sc); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if committer.locationCalls() != 0 {
		t.Fatalf("expected no commit for a click, got %d", committer.locationCalls())
	}
	if _, err := p.EndDrag(context.Background(), fx.sc); !errors.Is(err, ErrNoGesture) {
		t.Fatalf("expected ErrNoGesture, got %v", err)
	}
}

func TestCommit_DisposedSessionDiscardsResult(t *testing.T) {
	fx := newFixture(t)
	committer := &fakeCommitter{}
	committer.commitLocationFn = func(ctx context.Context, u device.LocationUpdate) (bool, error) {
		fx.reg.DisposeScene(fx.sc.Scene)
		return true, nil
	}
	p := newProtocol(committer, nil)

	_ = p.BeginDrag(fx.sc, fx.door.Key())
	_ = p.Drag(fx.sc, geom.Point{X: 300, Y: 300})
	if _, err := p.EndDrag(context.Background(), fx.sc); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if fx.sc.Updating() {
		t.Fatalf("expected guard released")
	}
}

func TestRotate_CommitsCameraAngle(t *testing.T) {
	fx := newFixture(t)
	committer := &fakeCommitter{}
	p := newProtocol(committer, nil)

	if err := p.BeginRotate(fx.sc, fx.door.Key()); !errors.Is(err, ErrNotCamera) {
		t.Fatalf("expected ErrNotCamera, got %v", err)
	}
	if err := p.BeginRotate(fx.sc, fx.cam.Key()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	angle, err := p.Rotate(fx.sc, geom.Point{X: 400, Y: 400})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if math.Abs(angle-180) > 1e-9 {
		t.Fatalf("expected 180 degrees, got %v", angle)
	}
	node, _ := fx.sc.Scene.Node(fx.cam.Key())
	if math.Abs(node.Angle-180) > 1e-9 {
		t.Fatalf("expected cone redrawn live, got %v", node.Angle)
	}

	res, err := p.EndRotate(context.Background(), fx.sc)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(committer.angles) != 1 || math.Abs(committer.angles[0].Angle-180) > 1e-9 {
		t.Fatalf("expected one angle commit at 180, got %+v", committer.angles)
	}
	if cam := res.Marker.(device.Camera); math.Abs(cam.Angle-180) > 1e-9 {
		t.Fatalf("expected committed camera angle, got %v", cam.Angle)
	}
}

func TestRotate_FailureRestoresAngle(t *testing.T) {
	fx := newFixture(t)
	committer := &fakeCommitter{
		commitAngleFn: func(ctx context.Context, u device.AngleUpdate) (bool, error) {
			return false, errors.New("timeout")
		},
	}
	p := newProtocol(committer, nil)

	_ = p.BeginRotate(fx.sc, fx.cam.Key())
	_, _ = p.Rotate(fx.sc, geom.Point{X: 400, Y: 400})
	if _, err := p.EndRotate(context.Background(), fx.sc); err == nil {
		t.Fatalf("expected error")
	}
	node, _ := fx.sc.Scene.Node(fx.cam.Key())
	if node.Angle != 90 {
		t.Fatalf("expected angle restored to 90, got %v", node.Angle)
	}
	if fx.sc.Updating() {
		t.Fatalf("expected guard released")
	}
}

func TestCancel_RestoresNode(t *testing.T) {
	fx := newFixture(t)
	p := newProtocol(&fakeCommitter{}, nil)

	_ = p.BeginDrag(fx.sc, fx.door.Key())
	_ = p.Drag(fx.sc, geom.Point{X: 600, Y: 600})
	if err := p.Cancel(fx.sc); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	node, _ := fx.sc.Scene.Node(fx.door.Key())
	if node.Point != (geom.Point{X: 100, Y: 80}) {
		t.Fatalf("expected node restored, got %+v", node.Point)
	}
}

func TestEndDrag_RefreshDuringCommitRedrawsAtCommittedLocation(t *testing.T) {
	fx := newFixture(t)
	scope := fx.door.Scope
	committer := &fakeCommitter{
		commitLocationFn: func(ctx context.Context, u device.LocationUpdate) (bool, error) {
			// The list fetched before the commit landed still has the old location.
			if _, err := fx.reg.AddMarkers(fx.sc.Scene, []device.Marker{fx.door}, device.KindDoor, scene.AddOptions{Replace: true, Scope: &scope}); err != nil {
				t.Errorf("expected refresh to render, got %v", err)
			}
			return true, nil
		},
	}
	p := newProtocol(committer, nil)

	_ = p.BeginDrag(fx.sc, fx.door.Key())
	_ = p.Drag(fx.sc, geom.Point{X: 500, Y: 400})
	res, err := p.EndDrag(context.Background(), fx.sc)
	if err != nil || !res.Committed {
		t.Fatalf("expected commit, got %+v %v", res, err)
	}

	want := geom.Location{Top: 0.5, Left: 0.5}
	rec, _ := fx.sc.Scene.Record(fx.door.Key())
	if rec.Common().Location != want {
		t.Fatalf("expected record at %+v, got %+v", want, rec.Common().Location)
	}
	node, _ := fx.sc.Scene.Node(fx.door.Key())
	if node.Location != want || node.Point != (geom.Point{X: 500, Y: 400}) {
		t.Fatalf("expected node redrawn at (500,400), got %+v %+v", node.Location, node.Point)
	}
}
