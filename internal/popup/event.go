package popup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitewatch/map-go/internal/device"
)

// ErrEmptyPayload is returned for push messages that carry nothing; callers ignore them.
var ErrEmptyPayload = errors.New("empty event payload")

const (
	SourceACS = "acs"
	SourceSOP = "sop"
)

// Event is an inbound device event as it arrives on a push channel.
type Event struct {
	DeviceType device.Kind      `json:"device_type"`
	DeviceIdx  *int64           `json:"device_idx,omitempty"`
	DeviceID   string           `json:"device_id,omitempty"`
	OutsideIdx *int64           `json:"outside_idx"`
	InsideIdx  *int64           `json:"inside_idx"`
	Dimension  device.Dimension `json:"dimension_type,omitempty"`
	EventName  string           `json:"event_name"`
	Source     string           `json:"source,omitempty"`
	// Severity orders SOP alarms; a smaller number is more severe.
	Severity   *int      `json:"severity,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

func (e Event) Scope() device.Scope {
	return device.Scope{OutsideIdx: e.OutsideIdx, InsideIdx: e.InsideIdx, Dimension: e.Dimension}
}

// ParseEvent decodes a push payload. Empty or null payloads yield ErrEmptyPayload.
func ParseEvent(raw []byte) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return Event{}, ErrEmptyPayload
	}
	var ev Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	kind, err := device.ParseKind(string(ev.DeviceType))
	if err != nil {
		return Event{}, err
	}
	ev.DeviceType = kind
	if ev.DeviceIdx == nil && ev.DeviceID == "" {
		return Event{}, errors.New("event names no device")
	}
	return ev, nil
}
