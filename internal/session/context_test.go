package session

import (
	"testing"
	"time"

	"sitewatch/map-go/internal/device"
)

func TestRenderedFlags(t *testing.T) {
	f := NewRenderedFlags()
	if f.Rendered(device.KindCamera) {
		t.Fatalf("expected empty flags at mount")
	}
	first := time.Unix(100, 0)
	f.Mark(device.KindCamera, first)
	f.Mark(device.KindCamera, time.Unix(200, 0))
	snap := f.Snapshot()
	if !snap[device.KindCamera].Rendered || !snap[device.KindCamera].When.Equal(first) {
		t.Fatalf("expected first render time kept, got %+v", snap[device.KindCamera])
	}
	f.Reset()
	if f.Rendered(device.KindCamera) || len(f.Snapshot()) != 0 {
		t.Fatalf("expected reset flags")
	}
}

func TestContext_SingleFlightGuard(t *testing.T) {
	c := New(nil, nil)
	if !c.TryBeginUpdate() {
		t.Fatalf("expected first claim to succeed")
	}
	if c.TryBeginUpdate() {
		t.Fatalf("expected second claim to fail while updating")
	}
	if !c.Updating() {
		t.Fatalf("expected updating")
	}
	c.EndUpdate()
	if !c.TryBeginUpdate() {
		t.Fatalf("expected claim after release to succeed")
	}
}

func TestContext_ClearSelectionByKey(t *testing.T) {
	c := New(nil, nil)
	door := device.Door{DoorID: "d1"}
	c.Select(door)
	c.ClearSelection(device.Door{DoorID: "d2"}.Key())
	if c.Selected() == nil {
		t.Fatalf("expected selection of another device to be kept")
	}
	c.ClearSelection(door.Key())
	if c.Selected() != nil {
		t.Fatalf("expected selection cleared")
	}

	c.Select(door)
	c.SetAngleEdit("camera:x")
	c.SetPending(Pending{Gesture: GestureDrag, Key: door.Key()})
	c.Reset()
	if c.Selected() != nil || c.AngleEdit() != "" || c.Pending().Gesture != GestureNone {
		t.Fatalf("expected reset to clear selection state")
	}
}
