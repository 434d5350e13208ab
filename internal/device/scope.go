package device

import "fmt"

// Scope identifies the map a marker belongs to: a site (outside), optionally a floor (inside), and the
// dimension of the placement. A Scope with both indexes nil means "not placed on any map".
type Scope struct {
	OutsideIdx *int64    `json:"outside_idx"`
	InsideIdx  *int64    `json:"inside_idx"`
	Dimension  Dimension `json:"dimension_type,omitempty"`
}

// Outdoor returns the scope of a site map.
func Outdoor(outside int64) Scope {
	return Scope{OutsideIdx: &outside, Dimension: Dimension2D}
}

// Indoor returns the scope of a floor map inside a site.
func Indoor(outside, inside int64) Scope {
	return Scope{OutsideIdx: &outside, InsideIdx: &inside, Dimension: Dimension2D}
}

// Unassigned is the scope used to take a marker off the map.
func Unassigned() Scope {
	return Scope{}
}

func (s Scope) Assigned() bool {
	return s.OutsideIdx != nil || s.InsideIdx != nil
}

// Matches reports whether two scopes name the same map.
func (s Scope) Matches(o Scope) bool {
	return sameIdx(s.OutsideIdx, o.OutsideIdx) &&
		sameIdx(s.InsideIdx, o.InsideIdx) &&
		s.Dimension.orDefault() == o.Dimension.orDefault()
}

func (s Scope) String() string {
	return fmt.Sprintf("outside=%s inside=%s dim=%s", idxString(s.OutsideIdx), idxString(s.InsideIdx), s.Dimension.orDefault())
}

func sameIdx(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func idxString(v *int64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%d", *v)
}
