package scene

import (
	"errors"
	"sort"
	"sync"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
)

var (
	ErrSessionDisposed = errors.New("scene session disposed")
	ErrNodeNotFound    = errors.New("node not found")
	// ErrDeferred means the canvas has no size yet; the batch is rendered on the next non-zero Resize.
	ErrDeferred = errors.New("render deferred until canvas is sized")
)

// Background is the map image fitted to the canvas height.
type Background struct {
	URL           string    `json:"url"`
	NaturalWidth  float64   `json:"natural_width"`
	NaturalHeight float64   `json:"natural_height"`
	Scale         float64   `json:"scale"`
	Rect          geom.Rect `json:"rect"`
}

func (b *Background) fit(extent geom.Extent) {
	scale, w, h := geom.ScaleToHeight(b.NaturalWidth, b.NaturalHeight, extent.Height)
	b.Scale = scale
	b.Rect = geom.Rect{Left: (extent.Width - w) / 2, Top: 0, Width: w, Height: h}
}

// frame is the rectangle normalized locations are drawn against. Without a fitted image it is the whole canvas.
func (b Background) frame(extent geom.Extent) geom.Rect {
	if !b.Rect.Empty() {
		return b.Rect
	}
	return extent.Rect()
}

// Viewport is the pan/zoom transform from scene to canvas coordinates.
type Viewport struct {
	Zoom float64 `json:"zoom"`
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
}

func (v Viewport) normalized() Viewport {
	if v.Zoom <= 0 {
		v.Zoom = 1
	}
	return v
}

// ChangeType says what part of a session changed.
type ChangeType string

const (
	ChangeMarkers  ChangeType = "markers"
	ChangeViewport ChangeType = "viewport"
	ChangeResize   ChangeType = "resize"
	ChangeDisposed ChangeType = "disposed"
)

type Change struct {
	Type ChangeType
	Kind device.Kind
}

// Session is one live canvas: a background, its nodes, the record arena and the optional minimap.
type Session struct {
	ID string

	mu         sync.RWMutex
	style      Style
	extent     geom.Extent
	background Background
	viewport   Viewport
	nodes      map[device.Key]*Node
	order      []device.Key
	records    map[device.Key]device.Marker
	pending    map[device.Kind][]device.Marker
	listeners  map[uint64]func(Change)
	nextID     uint64
	minimap    *Minimap
	onRendered func(kind device.Kind, count int)
	disposed   bool
}

func newSession(id string, st Style, bg Background, extent geom.Extent) *Session {
	s := &Session{
		ID:         id,
		style:      st,
		extent:     extent,
		background: bg,
		viewport:   Viewport{Zoom: 1},
		nodes:      make(map[device.Key]*Node),
		records:    make(map[device.Key]device.Marker),
		pending:    make(map[device.Kind][]device.Marker),
		listeners:  make(map[uint64]func(Change)),
	}
	s.background.fit(extent)
	return s
}

// SetRenderedHook registers the callback fired after each completed render pass of a kind.
func (s *Session) SetRenderedHook(fn func(kind device.Kind, count int)) {
	s.mu.Lock()
	s.onRendered = fn
	s.mu.Unlock()
}

// Subscribe registers fn for change notifications. The returned func unregisters it.
func (s *Session) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) listenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *Session) notify(c Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *Session) Disposed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed
}

func (s *Session) Extent() geom.Extent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extent
}

// Frame returns the fitted background rectangle that node positions are relative to.
func (s *Session) Frame() geom.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.background.frame(s.extent)
}

// LocationAt converts a scene point to a normalized location on the background image.
func (s *Session) LocationAt(p geom.Point) (geom.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.extent.IsZero() {
		return geom.Location{}, geom.ErrZeroExtent
	}
	return geom.LocationIn(p, s.background.frame(s.extent))
}

func (s *Session) Background() Background {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.background
}

func (s *Session) Viewport() Viewport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewport
}

// SetViewport applies a pan/zoom and notifies listeners (the minimap tracks it).
func (s *Session) SetViewport(v Viewport) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	s.viewport = v.normalized()
	s.mu.Unlock()
	s.notify(Change{Type: ChangeViewport})
	return nil
}

// VisibleRect is the part of the scene currently shown on the canvas, in scene coordinates.
func (s *Session) VisibleRect() geom.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.viewport.normalized()
	return geom.Rect{
		Left:   -v.PanX / v.Zoom,
		Top:    -v.PanY / v.Zoom,
		Width:  s.extent.Width / v.Zoom,
		Height: s.extent.Height / v.Zoom,
	}
}

// Resize changes the canvas extent, refits the background and redraws every node from its
// normalized location against the refitted image. Batches parked while the canvas had no size are rendered here.
func (s *Session) Resize(width, height float64) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	s.extent = geom.Extent{Width: width, Height: height}
	s.background.fit(s.extent)

	var rendered []device.Kind
	var counts []int
	if !s.extent.IsZero() {
		for _, key := range s.order {
			rec, ok := s.records[key]
			if !ok {
				continue
			}
			n, err := buildNode(s.style, rec, s.background.frame(s.extent))
			if err != nil {
				continue
			}
			s.nodes[key] = n
		}
		kinds := make([]device.Kind, 0, len(s.pending))
		for k := range s.pending {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			counts = append(counts, s.renderLocked(k, s.pending[k], true))
			rendered = append(rendered, k)
		}
		s.pending = make(map[device.Kind][]device.Marker)
	}
	hook := s.onRendered
	s.mu.Unlock()

	for i, k := range rendered {
		if hook != nil {
			hook(k, counts[i])
		}
		s.notify(Change{Type: ChangeMarkers, Kind: k})
	}
	s.notify(Change{Type: ChangeResize})
	return nil
}

// renderLocked replaces (or extends) the nodes of kind with items. Caller holds s.mu and has checked the extent.
func (s *Session) renderLocked(kind device.Kind, items []device.Marker, replace bool) int {
	if replace {
		s.removeKindLocked(kind)
	}
	count := 0
	for _, m := range items {
		n, err := buildNode(s.style, m, s.background.frame(s.extent))
		if err != nil {
			continue
		}
		key := m.Key()
		if _, exists := s.nodes[key]; !exists {
			s.order = append(s.order, key)
		}
		s.nodes[key] = n
		s.records[key] = m
		count++
	}
	return count
}

func (s *Session) removeKindLocked(kind device.Kind) {
	kept := s.order[:0]
	for _, key := range s.order {
		if n, ok := s.nodes[key]; ok && n.Kind == kind {
			delete(s.nodes, key)
			delete(s.records, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
}

func (s *Session) removeLocked(key device.Key) bool {
	if _, ok := s.nodes[key]; !ok {
		return false
	}
	delete(s.nodes, key)
	delete(s.records, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Node returns a copy of the node for key.
func (s *Session) Node(key device.Key) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[key]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Record returns the domain record behind a node.
func (s *Session) Record(key device.Key) (device.Marker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.records[key]
	return m, ok
}

// Nodes returns copies of the rendered nodes of kind in draw order. An empty kind returns all nodes.
func (s *Session) Nodes(kind device.Kind) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.order))
	for _, key := range s.order {
		n := s.nodes[key]
		if n == nil || (kind != "" && n.Kind != kind) {
			continue
		}
		out = append(out, n.clone())
	}
	return out
}

// Records returns the records of kind in draw order.
func (s *Session) Records(kind device.Kind) []device.Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]device.Marker, 0)
	for _, key := range s.order {
		m, ok := s.records[key]
		if !ok || (kind != "" && m.Kind() != kind) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Count returns the number of rendered nodes of kind.
func (s *Session) Count(kind device.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := 0
	for _, n := range s.nodes {
		if n.Kind == kind {
			c++
		}
	}
	return c
}

// HitTest returns the top-most node under p (scene coordinates).
func (s *Session) HitTest(p geom.Point) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		n := s.nodes[s.order[i]]
		if n != nil && n.Bounds.Contains(p) {
			return n.clone(), true
		}
	}
	return Node{}, false
}

// CanvasBounds returns the node's bounding box after the viewport transform.
func (s *Session) CanvasBounds(key device.Key) (geom.Rect, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[key]
	if !ok {
		return geom.Rect{}, false
	}
	v := s.viewport.normalized()
	return geom.Rect{
		Left:   n.Bounds.Left*v.Zoom + v.PanX,
		Top:    n.Bounds.Top*v.Zoom + v.PanY,
		Width:  n.Bounds.Width * v.Zoom,
		Height: n.Bounds.Height * v.Zoom,
	}, true
}

// MoveNode places a node at p while it is being dragged. The record is untouched until a commit succeeds.
func (s *Session) MoveNode(key device.Key, p geom.Point) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	n, ok := s.nodes[key]
	if !ok {
		s.mu.Unlock()
		return ErrNodeNotFound
	}
	n.moveTo(s.style, p, s.background.frame(s.extent), s.records[key])
	kind := n.Kind
	s.mu.Unlock()
	s.notify(Change{Type: ChangeMarkers, Kind: kind})
	return nil
}

// RotateNode redraws a camera cone at angle without touching the record.
func (s *Session) RotateNode(key device.Key, angle float64) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	n, ok := s.nodes[key]
	if !ok || n.Kind != device.KindCamera {
		s.mu.Unlock()
		return ErrNodeNotFound
	}
	n.Angle = geom.NormalizeDegrees(angle)
	n.Visual.Cone = cone(s.style, n.Point, n.Angle)
	s.mu.Unlock()
	s.notify(Change{Type: ChangeMarkers, Kind: device.KindCamera})
	return nil
}

// ReplaceRecord stores m in the arena. When redraw is true the node is rebuilt from the record,
// otherwise the node's current pixel geometry is kept as authoritative.
func (s *Session) ReplaceRecord(m device.Marker, redraw bool) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	key := m.Key()
	if _, ok := s.nodes[key]; !ok {
		s.mu.Unlock()
		return ErrNodeNotFound
	}
	s.records[key] = m
	if redraw && !s.extent.IsZero() {
		if n, err := buildNode(s.style, m, s.background.frame(s.extent)); err == nil {
			s.nodes[key] = n
		}
	}
	kind := m.Kind()
	s.mu.Unlock()
	s.notify(Change{Type: ChangeMarkers, Kind: kind})
	return nil
}

// Restore redraws the node for key from its stored record, discarding any uncommitted movement.
func (s *Session) Restore(key device.Key) error {
	rec, ok := s.Record(key)
	if !ok {
		return ErrNodeNotFound
	}
	return s.ReplaceRecord(rec, true)
}

// Minimap returns the live minimap, if enabled.
func (s *Session) Minimap() *Minimap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minimap
}
