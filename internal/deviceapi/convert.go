package deviceapi

import (
	"fmt"
	"strconv"
	"strings"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/sqlcgen"
)

// identityOf is the map_markers.identity of m: the part of its key after the kind.
func identityOf(m device.Marker) string {
	return strings.TrimPrefix(string(m.Key()), string(m.Kind())+":")
}

func scopeOf(row sqlcgen.MapMarker) device.Scope {
	s := device.Scope{OutsideIdx: row.OutsideIdx, InsideIdx: row.InsideIdx}
	if row.DimensionType != nil {
		s.Dimension = device.Dimension(*row.DimensionType)
	}
	return s
}

// toMarker turns a stored row into the marker variant named by its kind. Placed rows must carry a
// valid location; unplaced rows keep a zero location.
func toMarker(row sqlcgen.MapMarker) (device.Marker, error) {
	kind, err := device.ParseKind(row.Kind)
	if err != nil {
		return nil, err
	}
	base := device.Base{Scope: scopeOf(row)}
	if row.Name != nil {
		base.Name = *row.Name
	}
	if base.Scope.Assigned() {
		loc, err := parseLocation(row.TopLocation, row.LeftLocation)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", row.Kind, row.Identity, err)
		}
		base.Location = loc
	}
	attrs := row.Attrs

	switch kind {
	case device.KindCamera:
		cam := device.Camera{
			Base:            base,
			MainServiceName: attrString(attrs, "main_service_name"),
			VMSName:         attrString(attrs, "vms_name"),
			CameraID:        attrString(attrs, "camera_id"),
			CameraType:      attrString(attrs, "camera_type"),
			Angle:           geom.NormalizeDegrees(attrFloat(attrs, "camera_angle")),
		}
		if cam.CompositeID() != row.Identity {
			return nil, fmt.Errorf("camera %s: attrs do not match identity", row.Identity)
		}
		return cam, nil
	case device.KindDoor:
		d := device.Door{Base: base, DoorID: row.Identity}
		if v := attrString(attrs, "acu_id"); v != "" {
			d.ACUID = &v
		}
		return d, nil
	case device.KindEBell:
		idx, err := strconv.ParseInt(row.Identity, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ebell %s: %w", row.Identity, err)
		}
		return device.EBell{Base: base, Idx: idx, IPAddress: attrString(attrs, "ip_address")}, nil
	case device.KindGuardianlite:
		return device.Guardianlite{Base: base, IPAddress: row.Identity, Channels: attrChannels(attrs)}, nil
	case device.KindPIDS:
		idx, err := strconv.ParseInt(row.Identity, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pids %s: %w", row.Identity, err)
		}
		return device.PIDS{
			Base:      base,
			Idx:       idx,
			PIDSID:    attrString(attrs, "pids_id"),
			LineStart: attrLocation(attrs, "line_start"),
			LineEnd:   attrLocation(attrs, "line_end"),
		}, nil
	case device.KindBuilding:
		idx, err := strconv.ParseInt(row.Identity, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("building %s: %w", row.Identity, err)
		}
		return device.Building{Base: base, Idx: idx, ServiceType: attrString(attrs, "service_type")}, nil
	default:
		panic(fmt.Sprintf("deviceapi: unhandled kind %q", kind))
	}
}

func parseLocation(top, left *string) (geom.Location, error) {
	if top == nil || left == nil {
		return geom.Location{}, fmt.Errorf("placed marker has no location")
	}
	t, err := geom.ParseFraction(*top)
	if err != nil {
		return geom.Location{}, err
	}
	l, err := geom.ParseFraction(*left)
	if err != nil {
		return geom.Location{}, err
	}
	return geom.Location{Top: t, Left: l}, nil
}

func attrString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func attrFloat(attrs map[string]any, key string) float64 {
	switch v := attrs[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func attrLocation(attrs map[string]any, key string) geom.Location {
	m, ok := attrs[key].(map[string]any)
	if !ok {
		return geom.Location{}
	}
	return geom.Location{
		Top:  geom.Clamp01(attrFloat(m, "top")),
		Left: geom.Clamp01(attrFloat(m, "left")),
	}
}

func attrChannels(attrs map[string]any) []device.Channel {
	raw, ok := attrs["channels"].([]any)
	if !ok {
		return nil
	}
	out := make([]device.Channel, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, device.Channel{Label: attrString(m, "label"), Value: attrString(m, "value")})
	}
	return out
}

func locationAttr(l geom.Location) map[string]any {
	return map[string]any{"top": geom.FormatFraction(l.Top), "left": geom.FormatFraction(l.Left)}
}

func strPtr(s string) *string { return &s }
