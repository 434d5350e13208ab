package scene

import (
	"sync"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
)

// MiniNode is a node reduced to its position on the minimap.
type MiniNode struct {
	Key   device.Key  `json:"key"`
	Kind  device.Kind `json:"kind"`
	Point geom.Point  `json:"point"`
}

// MinimapView is a read-only snapshot of the minimap.
type MinimapView struct {
	Width      float64    `json:"width"`
	Height     float64    `json:"height"`
	Scale      float64    `json:"scale"`
	Background geom.Rect  `json:"background"`
	Nodes      []MiniNode `json:"nodes"`
	Viewport   geom.Rect  `json:"viewport"`
}

// Minimap mirrors a session at a reduced scale. It follows the session through a listener and is
// disposed together with it.
type Minimap struct {
	session     *Session
	width       float64
	mu          sync.RWMutex
	view        MinimapView
	unsubscribe func()
	disposed    bool
}

func newMinimap(s *Session, width float64) *Minimap {
	mm := &Minimap{session: s, width: width}
	mm.sync()
	mm.unsubscribe = s.Subscribe(func(c Change) {
		if c.Type == ChangeDisposed {
			return
		}
		mm.sync()
	})
	return mm
}

func (m *Minimap) sync() {
	extent := m.session.Extent()
	bg := m.session.Background()
	visible := m.session.VisibleRect()
	nodes := m.session.Nodes("")

	var scale float64
	if extent.Width > 0 {
		scale = m.width / extent.Width
	}
	view := MinimapView{
		Width:  m.width,
		Height: extent.Height * scale,
		Scale:  scale,
		Background: geom.Rect{
			Left:   bg.Rect.Left * scale,
			Top:    bg.Rect.Top * scale,
			Width:  bg.Rect.Width * scale,
			Height: bg.Rect.Height * scale,
		},
		Viewport: geom.Rect{
			Left:   visible.Left * scale,
			Top:    visible.Top * scale,
			Width:  visible.Width * scale,
			Height: visible.Height * scale,
		},
		Nodes: make([]MiniNode, 0, len(nodes)),
	}
	for _, n := range nodes {
		view.Nodes = append(view.Nodes, MiniNode{
			Key:   n.Key,
			Kind:  n.Kind,
			Point: geom.Point{X: n.Point.X * scale, Y: n.Point.Y * scale},
		})
	}

	m.mu.Lock()
	if !m.disposed {
		m.view = view
	}
	m.mu.Unlock()
}

// View returns the latest snapshot.
func (m *Minimap) View() MinimapView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.view
	v.Nodes = append([]MiniNode(nil), m.view.Nodes...)
	return v
}

func (m *Minimap) Disposed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disposed
}

func (m *Minimap) dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
