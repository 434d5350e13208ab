package device

import (
	"encoding/json"
	"errors"
	"fmt"

	"sitewatch/map-go/internal/geom"
)

// LocationUpdate moves Target (identified by its pre-drag identity) to Scope/Location.
// An unassigned Scope removes the marker from every map.
type LocationUpdate struct {
	Target   Marker
	Scope    Scope
	Location geom.Location
}

// AngleUpdate changes a camera's field-of-view direction.
type AngleUpdate struct {
	Camera Camera
	Angle  float64
}

// Payload renders the update in the remote API's wire format.
func (u LocationUpdate) Payload() map[string]any {
	out := identityFields(u.Target)
	if u.Scope.Assigned() {
		out["top_location"] = geom.FormatFraction(u.Location.Top)
		out["left_location"] = geom.FormatFraction(u.Location.Left)
		out["dimension_type"] = string(u.Scope.Dimension.orDefault())
	} else {
		out["top_location"] = nil
		out["left_location"] = nil
		out["dimension_type"] = nil
	}
	out["outside_idx"] = u.Scope.OutsideIdx
	out["inside_idx"] = u.Scope.InsideIdx
	return out
}

func (u AngleUpdate) Payload() map[string]any {
	out := identityFields(u.Camera)
	out["camera_angle"] = u.Angle
	return out
}

func identityFields(m Marker) map[string]any {
	switch v := m.(type) {
	case Camera:
		return map[string]any{
			"main_service_name": v.MainServiceName,
			"vms_name":          v.VMSName,
			"camera_id":         v.CameraID,
		}
	case Door:
		return map[string]any{"door_id": v.DoorID}
	case EBell:
		return map[string]any{"idx": v.Idx, "ip_address": v.IPAddress}
	case Guardianlite:
		return map[string]any{"ip_address": v.IPAddress}
	case PIDS:
		return map[string]any{"idx": v.Idx, "pids_id": v.PIDSID}
	case Building:
		return map[string]any{"idx": v.Idx}
	default:
		panic(fmt.Sprintf("device: unhandled marker %T", m))
	}
}

// DecodeCommitResult accepts both result shapes the remote API returns:
// {"result": true} and {"result": {"success": true}}.
func DecodeCommitResult(raw []byte) (bool, error) {
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, err
	}
	if len(env.Result) == 0 {
		return false, errors.New("commit response has no result")
	}
	var b bool
	if err := json.Unmarshal(env.Result, &b); err == nil {
		return b, nil
	}
	var obj struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(env.Result, &obj); err != nil {
		return false, fmt.Errorf("unexpected commit result %s", string(env.Result))
	}
	return obj.Success, nil
}
