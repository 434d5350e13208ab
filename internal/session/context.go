// Package session holds the per-canvas interaction state a view controller passes to every operation:
// the live scene, the selected record, the single-flight commit guard and the RenderedFlags.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/scene"
)

// Flag records whether a device kind has finished its first render pass.
type Flag struct {
	Rendered bool       `json:"rendered"`
	When     *time.Time `json:"when"`
}

// RenderedFlags gates event popups per device kind.
type RenderedFlags struct {
	mu    sync.RWMutex
	flags map[device.Kind]Flag
}

func NewRenderedFlags() *RenderedFlags {
	return &RenderedFlags{flags: make(map[device.Kind]Flag)}
}

// Mark sets kind as rendered. Only the first pass after a reset records its timestamp.
func (f *RenderedFlags) Mark(kind device.Kind, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.flags[kind]; ok && cur.Rendered {
		return
	}
	f.flags[kind] = Flag{Rendered: true, When: &at}
}

func (f *RenderedFlags) Rendered(kind device.Kind) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flags[kind].Rendered
}

func (f *RenderedFlags) Reset() {
	f.mu.Lock()
	f.flags = make(map[device.Kind]Flag)
	f.mu.Unlock()
}

// Snapshot returns the flag of every kind that has one.
func (f *RenderedFlags) Snapshot() map[device.Kind]Flag {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[device.Kind]Flag, len(f.flags))
	for k, v := range f.flags {
		out[k] = v
	}
	return out
}

// Gesture is the pointer gesture in progress on a session.
type Gesture int

const (
	GestureNone Gesture = iota
	GestureDrag
	GestureRotate
)

// Pending describes the node a gesture started on.
type Pending struct {
	Gesture Gesture
	Key     device.Key
	Origin  device.Marker
}

// Context is the state one canvas session carries. It is created with the session and dropped with it.
type Context struct {
	Scene *scene.Session
	Flags *RenderedFlags

	updating atomic.Bool

	mu       sync.Mutex
	selected device.Marker
	pending  Pending
	// angleEdit is the camera the context menu put in angle-edit mode.
	angleEdit device.Key
}

func New(s *scene.Session, flags *RenderedFlags) *Context {
	if flags == nil {
		flags = NewRenderedFlags()
	}
	return &Context{Scene: s, Flags: flags}
}

// TryBeginUpdate claims the single in-flight commit slot. It returns false when a commit is already running.
func (c *Context) TryBeginUpdate() bool {
	return c.updating.CompareAndSwap(false, true)
}

func (c *Context) EndUpdate() {
	c.updating.Store(false)
}

// Updating reports whether a relocation or angle commit is in flight.
func (c *Context) Updating() bool {
	return c.updating.Load()
}

func (c *Context) Selected() device.Marker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

func (c *Context) Select(m device.Marker) {
	c.mu.Lock()
	c.selected = m
	c.mu.Unlock()
}

// ClearSelection drops the selection. When key is non-empty it only clears a selection of that device.
func (c *Context) ClearSelection(key device.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return
	}
	if key != "" && c.selected.Key() != key {
		return
	}
	c.selected = nil
}

func (c *Context) Pending() Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Context) SetPending(p Pending) {
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()
}

// TakePending returns the gesture in progress and clears it.
func (c *Context) TakePending() Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = Pending{}
	return p
}

func (c *Context) AngleEdit() device.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.angleEdit
}

func (c *Context) SetAngleEdit(key device.Key) {
	c.mu.Lock()
	c.angleEdit = key
	c.mu.Unlock()
}

// Reset clears everything selection-related. Called when the owning session is torn down.
func (c *Context) Reset() {
	c.mu.Lock()
	c.selected = nil
	c.pending = Pending{}
	c.angleEdit = ""
	c.mu.Unlock()
}
