package scene

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
)

type fakeProber struct {
	probeFn func(ctx context.Context, url string) (int, int, error)
}

func (f fakeProber) Probe(ctx context.Context, url string) (int, int, error) {
	if f.probeFn == nil {
		return 2000, 1000, nil
	}
	return f.probeFn(ctx, url)
}

// sized returns a prober reporting a w*h image.
func sized(w, h int) fakeProber {
	return fakeProber{probeFn: func(ctx context.Context, url string) (int, int, error) { return w, h, nil }}
}

func newTestRegistry(p ImageProber) *Registry {
	return NewRegistry(zerolog.New(io.Discard), p, Options{})
}

func camAt(id string, scope device.Scope, top, left float64) device.Camera {
	return device.Camera{
		Base:            device.Base{Scope: scope, Location: geom.Location{Top: top, Left: left}},
		MainServiceName: "main",
		VMSName:         "vms",
		CameraID:        id,
		Angle:           90,
	}
}

func TestCreateScene_FailsClosed(t *testing.T) {
	r := newTestRegistry(fakeProber{probeFn: func(ctx context.Context, url string) (int, int, error) {
		return 0, 0, errors.New("404")
	}})

	s, err := r.CreateScene(context.Background(), "http://maps/floor.png", 1000, 800)
	if s != nil {
		t.Fatalf("expected no session, got %v", s.ID)
	}
	if !errors.Is(err, ErrImageUnavailable) {
		t.Fatalf("expected ErrImageUnavailable, got %v", err)
	}

	if _, err := r.CreateScene(context.Background(), "  ", 1000, 800); !errors.Is(err, ErrNoBackground) {
		t.Fatalf("expected ErrNoBackground, got %v", err)
	}
}

func TestCreateScene_FitsBackgroundToHeight(t *testing.T) {
	r := newTestRegistry(fakeProber{})
	s, err := r.CreateScene(context.Background(), "http://maps/site.png", 1000, 800)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	bg := s.Background()
	if bg.Scale != 0.8 || bg.Rect.Width != 1600 || bg.Rect.Height != 800 || bg.Rect.Left != -300 {
		t.Fatalf("unexpected background fit %+v", bg)
	}
}

func TestAddMarkers_FiltersScopeAndSignalsRender(t *testing.T) {
	r := newTestRegistry(sized(1000, 800))
	s, _ := r.CreateScene(context.Background(), "http://maps/floor.png", 1000, 800)

	var hookKind device.Kind
	var hookCount = -1
	s.SetRenderedHook(func(kind device.Kind, count int) {
		hookKind, hookCount = kind, count
	})

	scope := device.Indoor(1, 2)
	items := []device.Marker{
		camAt("1", scope, 0.5, 0.5),
		camAt("2", scope, 0.1, 0.2),
		camAt("3", device.Indoor(1, 9), 0.1, 0.2),
		device.Door{Base: device.Base{Scope: scope}, DoorID: "d1"},
	}
	n, err := r.AddMarkers(s, items, device.KindCamera, AddOptions{Replace: true, Scope: &scope})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n != 2 || s.Count(device.KindCamera) != 2 {
		t.Fatalf("expected 2 cameras rendered, got n=%d count=%d", n, s.Count(device.KindCamera))
	}
	if hookKind != device.KindCamera || hookCount != 2 {
		t.Fatalf("expected rendered hook for camera/2, got %s/%d", hookKind, hookCount)
	}

	// A later fetch fully replaces the kind.
	n, _ = r.AddMarkers(s, items[:1], device.KindCamera, AddOptions{Replace: true, Scope: &scope})
	if n != 1 || s.Count(device.KindCamera) != 1 {
		t.Fatalf("expected replace to leave 1 camera, got n=%d count=%d", n, s.Count(device.KindCamera))
	}

	node, ok := s.Node(items[0].Key())
	if !ok {
		t.Fatalf("expected node for %s", items[0].Key())
	}
	if node.Point != (geom.Point{X: 500, Y: 400}) {
		t.Fatalf("expected (500,400), got %+v", node.Point)
	}
	if len(node.Visual.Cone) != 3 {
		t.Fatalf("expected camera cone, got %+v", node.Visual.Cone)
	}
	rec, ok := s.Record(node.Key)
	if !ok || rec.(device.Camera).CameraID != "1" {
		t.Fatalf("expected record lookup by node key, got %v", rec)
	}
}

func TestResize_RedrawsFromNormalizedLocation(t *testing.T) {
	r := newTestRegistry(sized(1000, 800))
	s, _ := r.CreateScene(context.Background(), "http://maps/floor.png", 1000, 800)
	scope := device.Indoor(1, 2)
	cam := camAt("1", scope, 0.5, 0.5)
	if _, err := r.AddMarkers(s, []device.Marker{cam}, device.KindCamera, AddOptions{Replace: true, Scope: &scope}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := s.Resize(500, 400); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	node, _ := s.Node(cam.Key())
	if node.Point != (geom.Point{X: 250, Y: 200}) {
		t.Fatalf("expected (250,200), got %+v", node.Point)
	}
	if node.Location != cam.Location {
		t.Fatalf("expected stored location unchanged, got %+v", node.Location)
	}
	if s.Background().Scale != 0.5 {
		t.Fatalf("expected background scale 0.5, got %v", s.Background().Scale)
	}
}

func TestAddMarkers_ZeroExtentDefers(t *testing.T) {
	r := newTestRegistry(fakeProber{})
	s, _ := r.CreateScene(context.Background(), "http://maps/floor.png", 0, 0)

	fired := 0
	s.SetRenderedHook(func(kind device.Kind, count int) { fired++ })

	scope := device.Indoor(1, 2)
	_, err := r.AddMarkers(s, []device.Marker{camAt("1", scope, 0.5, 0.5)}, device.KindCamera, AddOptions{Replace: true, Scope: &scope})
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("expected ErrDeferred, got %v", err)
	}
	if fired != 0 || s.Count(device.KindCamera) != 0 {
		t.Fatalf("expected nothing rendered yet, fired=%d count=%d", fired, s.Count(device.KindCamera))
	}

	if err := s.Resize(200, 100); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fired != 1 || s.Count(device.KindCamera) != 1 {
		t.Fatalf("expected deferred batch rendered on resize, fired=%d count=%d", fired, s.Count(device.KindCamera))
	}
}

func TestPIDSLineAndHitTest(t *testing.T) {
	r := newTestRegistry(sized(1000, 1000))
	s, _ := r.CreateScene(context.Background(), "http://maps/site.png", 1000, 1000)
	scope := device.Outdoor(1)
	p := device.PIDS{
		Base:      device.Base{Scope: scope, Location: geom.Location{Top: 0.5, Left: 0.5}},
		Idx:       3,
		PIDSID:    "zone-3",
		LineStart: geom.Location{Top: 0.5, Left: 0.4},
		LineEnd:   geom.Location{Top: 0.5, Left: 0.6},
	}
	if _, err := r.AddMarkers(s, []device.Marker{p}, device.KindPIDS, AddOptions{Replace: true, Scope: &scope}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	node, _ := s.Node(p.Key())
	if len(node.Visual.Line) != 2 || node.Visual.Line[0].X != 400 || node.Visual.Line[1].X != 600 {
		t.Fatalf("expected detection line 400..600, got %+v", node.Visual.Line)
	}

	hit, ok := s.HitTest(geom.Point{X: 590, Y: 500})
	if !ok || hit.Key != p.Key() {
		t.Fatalf("expected hit on pids line, got %v %v", ok, hit.Key)
	}
	if _, ok := s.HitTest(geom.Point{X: 10, Y: 10}); ok {
		t.Fatalf("expected empty canvas hit")
	}

	if err := s.MoveNode(p.Key(), geom.Point{X: 500, Y: 600}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	node, _ = s.Node(p.Key())
	if node.Visual.Line[0].Y != 600 || math.Abs(node.Location.Top-0.6) > 1e-9 {
		t.Fatalf("expected line to move with node, got %+v loc=%+v", node.Visual.Line, node.Location)
	}
	if err := s.Restore(p.Key()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	node, _ = s.Node(p.Key())
	if node.Point.Y != 500 {
		t.Fatalf("expected restore to pre-drag position, got %+v", node.Point)
	}
}

func TestCanvasBounds_AppliesViewport(t *testing.T) {
	r := newTestRegistry(sized(1000, 1000))
	s, _ := r.CreateScene(context.Background(), "http://maps/site.png", 1000, 1000)
	scope := device.Outdoor(1)
	b := device.Building{Base: device.Base{Scope: scope, Location: geom.Location{Top: 0.1, Left: 0.1}}, Idx: 1}
	_, _ = r.AddMarkers(s, []device.Marker{b}, device.KindBuilding, AddOptions{Replace: true, Scope: &scope})

	_ = s.SetViewport(Viewport{Zoom: 2, PanX: -50, PanY: 10})
	got, ok := s.CanvasBounds(b.Key())
	if !ok {
		t.Fatalf("expected bounds")
	}
	want := geom.Rect{Left: 80*2 - 50, Top: 80*2 + 10, Width: 80, Height: 80}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestMinimap_TracksViewportAndDisposes(t *testing.T) {
	r := newTestRegistry(fakeProber{})
	s, _ := r.CreateScene(context.Background(), "http://maps/site.png", 1000, 500)
	scope := device.Outdoor(1)
	_, _ = r.AddMarkers(s, []device.Marker{camAt("1", scope, 0.5, 0.5)}, device.KindCamera, AddOptions{Replace: true, Scope: &scope})

	mm, err := r.EnableMinimap(s)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	v := mm.View()
	if v.Scale != 0.2 || v.Height != 100 || len(v.Nodes) != 1 || v.Nodes[0].Point != (geom.Point{X: 100, Y: 50}) {
		t.Fatalf("unexpected minimap view %+v", v)
	}

	_ = s.SetViewport(Viewport{Zoom: 2, PanX: -500, PanY: 0})
	v = mm.View()
	want := geom.Rect{Left: 50, Top: 0, Width: 100, Height: 50}
	if v.Viewport != want {
		t.Fatalf("expected viewport %+v, got %+v", want, v.Viewport)
	}

	if s.listenerCount() != 1 {
		t.Fatalf("expected one listener, got %d", s.listenerCount())
	}
	r.DisposeScene(s)
	if !mm.Disposed() {
		t.Fatalf("expected minimap disposed with session")
	}
	if s.listenerCount() != 0 {
		t.Fatalf("expected listeners released, got %d", s.listenerCount())
	}
	if _, err := r.AddMarkers(s, nil, device.KindCamera, AddOptions{}); !errors.Is(err, ErrSessionDisposed) {
		t.Fatalf("expected ErrSessionDisposed, got %v", err)
	}
}

func TestResize_KeepsNodesOnBackgroundWithOtherAspect(t *testing.T) {
	r := newTestRegistry(sized(1000, 500))
	s, _ := r.CreateScene(context.Background(), "http://maps/wide.png", 1000, 800)
	scope := device.Indoor(1, 2)
	cam := camAt("1", scope, 0.5, 0.25)
	if _, err := r.AddMarkers(s, []device.Marker{cam}, device.KindCamera, AddOptions{Replace: true, Scope: &scope}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	onImage := func() float64 {
		node, _ := s.Node(cam.Key())
		bg := s.Background()
		return (node.Point.X - bg.Rect.Left) / bg.Rect.Width
	}
	if got := onImage(); got != 0.25 {
		t.Fatalf("expected camera at 0.25 of the image width, got %v", got)
	}

	if err := s.Resize(500, 800); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s.Background().Rect.Left != -550 {
		t.Fatalf("expected background re-centred at -550, got %+v", s.Background().Rect)
	}
	if got := onImage(); got != 0.25 {
		t.Fatalf("expected camera to stay at 0.25 of the image width, got %v", got)
	}
	node, _ := s.Node(cam.Key())
	if node.Point != (geom.Point{X: -150, Y: 400}) || node.Visual.Cone[0] != node.Point {
		t.Fatalf("expected camera and cone apex at (-150,400), got %+v cone=%+v", node.Point, node.Visual.Cone)
	}

	// Drops convert back through the same image rectangle.
	drop := geom.Point{X: -550 + 0.75*1600, Y: 200}
	loc, err := s.LocationAt(drop)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if loc != (geom.Location{Top: 0.25, Left: 0.75}) {
		t.Fatalf("expected {0.25 0.75}, got %+v", loc)
	}
	if err := s.MoveNode(cam.Key(), drop); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	node, _ = s.Node(cam.Key())
	if node.Location != loc {
		t.Fatalf("expected dragged node at %+v, got %+v", loc, node.Location)
	}
}

func TestMoveNode_PIDSLineMatchesCommittedPlacement(t *testing.T) {
	r := newTestRegistry(sized(1000, 1000))
	s, _ := r.CreateScene(context.Background(), "http://maps/site.png", 1000, 1000)
	scope := device.Outdoor(1)
	p := device.PIDS{
		Base:      device.Base{Scope: scope, Location: geom.Location{Top: 0.5, Left: 0.5}},
		Idx:       4,
		PIDSID:    "zone-4",
		LineStart: geom.Location{Top: 0.5, Left: 0.4},
		LineEnd:   geom.Location{Top: 0.5, Left: 0.6},
	}
	_, _ = r.AddMarkers(s, []device.Marker{p}, device.KindPIDS, AddOptions{Replace: true, Scope: &scope})

	// Past the edge and back again.
	_ = s.MoveNode(p.Key(), geom.Point{X: 1000, Y: 500})
	if err := s.MoveNode(p.Key(), geom.Point{X: 950, Y: 500}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	dragged, _ := s.Node(p.Key())
	if dragged.Visual.Line[1].X != 1000 {
		t.Fatalf("expected line end clamped to the image edge, got %+v", dragged.Visual.Line)
	}

	committed := device.WithPlacement(p, scope, dragged.Location)
	if err := s.ReplaceRecord(committed, true); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	redrawn, _ := s.Node(p.Key())
	for i := range redrawn.Visual.Line {
		if redrawn.Visual.Line[i] != dragged.Visual.Line[i] {
			t.Fatalf("expected drawn line %+v to match committed %+v", dragged.Visual.Line, redrawn.Visual.Line)
		}
	}
}
