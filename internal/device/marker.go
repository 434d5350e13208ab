package device

import (
	"fmt"
	"strconv"

	"sitewatch/map-go/internal/geom"
)

// Key is the composite identity of a marker: "<kind>:<type specific identity>".
type Key string

// Base holds the fields every marker carries.
type Base struct {
	Scope    Scope         `json:"scope"`
	Location geom.Location `json:"location"`
	Name     string        `json:"name,omitempty"`
}

// Marker is the closed set of device records that can be placed on a map.
// Camera, Door, EBell, Guardianlite, PIDS and Building are the only implementations.
type Marker interface {
	Kind() Kind
	Key() Key
	Common() Base
	sealed()
}

type Camera struct {
	Base
	MainServiceName string  `json:"main_service_name"`
	VMSName         string  `json:"vms_name"`
	CameraID        string  `json:"camera_id"`
	CameraType      string  `json:"camera_type,omitempty"`
	Angle           float64 `json:"camera_angle"`
}

type Door struct {
	Base
	DoorID string `json:"door_id"`
	// ACUID names the access-control unit wired to the door, if any.
	ACUID *string `json:"acu_id,omitempty"`
}

type EBell struct {
	Base
	Idx       int64  `json:"idx"`
	IPAddress string `json:"ip_address"`
}

type Channel struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type Guardianlite struct {
	Base
	IPAddress string    `json:"ip_address"`
	Channels  []Channel `json:"channels,omitempty"`
}

type PIDS struct {
	Base
	Idx       int64         `json:"idx"`
	PIDSID    string        `json:"pids_id"`
	LineStart geom.Location `json:"line_start"`
	LineEnd   geom.Location `json:"line_end"`
}

type Building struct {
	Base
	Idx         int64  `json:"idx"`
	ServiceType string `json:"service_type,omitempty"`
}

func (Camera) Kind() Kind       { return KindCamera }
func (Door) Kind() Kind         { return KindDoor }
func (EBell) Kind() Kind        { return KindEBell }
func (Guardianlite) Kind() Kind { return KindGuardianlite }
func (PIDS) Kind() Kind         { return KindPIDS }
func (Building) Kind() Kind     { return KindBuilding }

func (c Camera) Key() Key       { return MakeKey(KindCamera, c.CompositeID()) }
func (d Door) Key() Key         { return MakeKey(KindDoor, d.DoorID) }
func (e EBell) Key() Key        { return MakeKey(KindEBell, strconv.FormatInt(e.Idx, 10)) }
func (g Guardianlite) Key() Key { return MakeKey(KindGuardianlite, g.IPAddress) }
func (p PIDS) Key() Key         { return MakeKey(KindPIDS, strconv.FormatInt(p.Idx, 10)) }
func (b Building) Key() Key     { return MakeKey(KindBuilding, strconv.FormatInt(b.Idx, 10)) }

func (c Camera) Common() Base       { return c.Base }
func (d Door) Common() Base         { return d.Base }
func (e EBell) Common() Base        { return e.Base }
func (g Guardianlite) Common() Base { return g.Base }
func (p PIDS) Common() Base         { return p.Base }
func (b Building) Common() Base     { return b.Base }

func (Camera) sealed()       {}
func (Door) sealed()         {}
func (EBell) sealed()        {}
func (Guardianlite) sealed() {}
func (PIDS) sealed()         {}
func (Building) sealed()     {}

// CompositeID is the identity cameras are addressed by in events: "<main service>:<vms>:<camera id>".
func (c Camera) CompositeID() string {
	return c.MainServiceName + ":" + c.VMSName + ":" + c.CameraID
}

func MakeKey(kind Kind, identity string) Key {
	return Key(string(kind) + ":" + identity)
}

// Label is the text drawn under a marker.
func Label(m Marker) string {
	b := m.Common()
	if b.Name != "" {
		return b.Name
	}
	switch v := m.(type) {
	case Camera:
		return v.CameraID
	case Door:
		return v.DoorID
	case EBell:
		return v.IPAddress
	case Guardianlite:
		return v.IPAddress
	case PIDS:
		return v.PIDSID
	case Building:
		return strconv.FormatInt(v.Idx, 10)
	default:
		panic(fmt.Sprintf("device: unhandled marker %T", m))
	}
}

// Identifies reports whether m is the device an inbound event names, either by numeric index or by
// its string identity (camera composite id, door id, ip address, pids id).
func Identifies(m Marker, idx *int64, id string) bool {
	switch v := m.(type) {
	case Camera:
		return id != "" && id == v.CompositeID()
	case Door:
		return id != "" && id == v.DoorID
	case EBell:
		return (idx != nil && *idx == v.Idx) || (id != "" && id == v.IPAddress)
	case Guardianlite:
		return id != "" && id == v.IPAddress
	case PIDS:
		return (idx != nil && *idx == v.Idx) || (id != "" && id == v.PIDSID)
	case Building:
		return idx != nil && *idx == v.Idx
	default:
		panic(fmt.Sprintf("device: unhandled marker %T", m))
	}
}

// WithPlacement returns a copy of m moved to scope/loc.
func WithPlacement(m Marker, scope Scope, loc geom.Location) Marker {
	switch v := m.(type) {
	case Camera:
		v.Scope, v.Location = scope, loc
		return v
	case Door:
		v.Scope, v.Location = scope, loc
		return v
	case EBell:
		v.Scope, v.Location = scope, loc
		return v
	case Guardianlite:
		v.Scope, v.Location = scope, loc
		return v
	case PIDS:
		// The detection line follows the marker.
		dt, dl := loc.Top-v.Location.Top, loc.Left-v.Location.Left
		v.LineStart = geom.Location{Top: geom.Clamp01(v.LineStart.Top + dt), Left: geom.Clamp01(v.LineStart.Left + dl)}
		v.LineEnd = geom.Location{Top: geom.Clamp01(v.LineEnd.Top + dt), Left: geom.Clamp01(v.LineEnd.Left + dl)}
		v.Scope, v.Location = scope, loc
		return v
	case Building:
		v.Scope, v.Location = scope, loc
		return v
	default:
		panic(fmt.Sprintf("device: unhandled marker %T", m))
	}
}
