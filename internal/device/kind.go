package device

import (
	"fmt"
	"strings"
)

// Kind tags one variant of Marker.
type Kind string

const (
	KindCamera       Kind = "camera"
	KindDoor         Kind = "door"
	KindEBell        Kind = "ebell"
	KindGuardianlite Kind = "guardianlite"
	KindPIDS         Kind = "pids"
	KindBuilding     Kind = "building"
)

var allKinds = []Kind{
	KindBuilding,
	KindCamera,
	KindDoor,
	KindEBell,
	KindGuardianlite,
	KindPIDS,
}

func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

func NormalizeKind(raw string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(raw)))
}

func IsValidKind(k Kind) bool {
	for _, v := range allKinds {
		if v == k {
			return true
		}
	}
	return false
}

// ParseKind normalizes raw and rejects unknown device types.
func ParseKind(raw string) (Kind, error) {
	k := NormalizeKind(raw)
	if !IsValidKind(k) {
		return "", fmt.Errorf("unknown device type %q", raw)
	}
	return k, nil
}

// Dimension distinguishes 2D map placements from 3D model placements.
type Dimension string

const (
	Dimension2D Dimension = "2d"
	Dimension3D Dimension = "3d"
)

func (d Dimension) orDefault() Dimension {
	if d == "" {
		return Dimension2D
	}
	return d
}
