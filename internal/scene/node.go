package scene

import (
	"fmt"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
)

// Visual describes what is drawn for a node.
type Visual struct {
	Icon  string `json:"icon"`
	Label string `json:"label,omitempty"`
	// Cone is the camera field of view polygon, apex first.
	Cone []geom.Point `json:"cone,omitempty"`
	// Line is the PIDS detection line.
	Line []geom.Point `json:"line,omitempty"`
}

// Node is the rendered form of one marker. It only refers to its record by key; the record itself
// lives in the session's arena.
type Node struct {
	Key      device.Key    `json:"key"`
	Kind     device.Kind   `json:"kind"`
	Location geom.Location `json:"location"`
	Point    geom.Point    `json:"point"`
	Angle    float64       `json:"angle,omitempty"`
	Visual   Visual        `json:"visual"`
	Bounds   geom.Rect     `json:"bounds"`
}

// Style holds the fixed sizes used when drawing nodes.
type Style struct {
	IconSize   map[device.Kind]float64
	ConeRadius float64
	ConeFOV    float64
}

func defaultStyle() Style {
	return Style{
		IconSize: map[device.Kind]float64{
			device.KindCamera:       30,
			device.KindDoor:         24,
			device.KindEBell:        28,
			device.KindGuardianlite: 28,
			device.KindPIDS:         12,
			device.KindBuilding:     40,
		},
		ConeRadius: 60,
		ConeFOV:    60,
	}
}

func (st Style) iconSize(k device.Kind) float64 {
	if v, ok := st.IconSize[k]; ok && v > 0 {
		return v
	}
	return 24
}

// buildNode computes pixel geometry for m inside frame, the fitted background.
func buildNode(st Style, m device.Marker, frame geom.Rect) (*Node, error) {
	base := m.Common()
	p, err := base.Location.PointIn(frame)
	if err != nil {
		return nil, err
	}
	size := st.iconSize(m.Kind())
	n := &Node{
		Key:      m.Key(),
		Kind:     m.Kind(),
		Location: base.Location,
		Point:    p,
		Visual: Visual{
			Icon:  "icon-" + string(m.Kind()),
			Label: device.Label(m),
		},
		Bounds: geom.CenteredRect(p, size, size),
	}

	switch v := m.(type) {
	case device.Camera:
		if v.CameraType != "" {
			n.Visual.Icon = "icon-camera-" + v.CameraType
		}
		n.Angle = v.Angle
		n.Visual.Cone = cone(st, p, v.Angle)
	case device.PIDS:
		a, err := v.LineStart.PointIn(frame)
		if err != nil {
			return nil, err
		}
		b, err := v.LineEnd.PointIn(frame)
		if err != nil {
			return nil, err
		}
		n.Visual.Line = []geom.Point{a, b}
		n.Bounds = n.Bounds.Union(lineBounds(a, b))
	case device.Door, device.EBell, device.Guardianlite, device.Building:
	default:
		return nil, fmt.Errorf("scene: unhandled marker %T", m)
	}
	return n, nil
}

func cone(st Style, apex geom.Point, angle float64) []geom.Point {
	half := st.ConeFOV / 2
	return []geom.Point{
		apex,
		geom.Polar(apex, angle-half, st.ConeRadius),
		geom.Polar(apex, angle+half, st.ConeRadius),
	}
}

func lineBounds(a, b geom.Point) geom.Rect {
	r := geom.Rect{Left: a.X, Top: a.Y}
	return r.Union(geom.Rect{Left: b.X, Top: b.Y})
}

// moveTo shifts the node and everything drawn with it to p. rec is the stored record; a PIDS
// detection line is redrawn from it exactly as the placement will be committed.
func (n *Node) moveTo(st Style, p geom.Point, frame geom.Rect, rec device.Marker) {
	n.Point = p
	if loc, err := geom.LocationIn(p, frame); err == nil {
		n.Location = loc
	}
	size := st.iconSize(n.Kind)
	n.Bounds = geom.CenteredRect(p, size, size)
	if v, ok := rec.(device.PIDS); ok {
		placed := device.WithPlacement(v, v.Scope, n.Location).(device.PIDS)
		a, errA := placed.LineStart.PointIn(frame)
		b, errB := placed.LineEnd.PointIn(frame)
		if errA == nil && errB == nil {
			n.Visual.Line = []geom.Point{a, b}
			n.Bounds = n.Bounds.Union(lineBounds(a, b))
		}
	}
	if n.Kind == device.KindCamera {
		n.Visual.Cone = cone(st, p, n.Angle)
	}
}

func (n *Node) clone() Node {
	out := *n
	if n.Visual.Cone != nil {
		out.Visual.Cone = append([]geom.Point(nil), n.Visual.Cone...)
	}
	if n.Visual.Line != nil {
		out.Visual.Line = append([]geom.Point(nil), n.Visual.Line...)
	}
	return out
}
