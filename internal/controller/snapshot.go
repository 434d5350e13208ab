package controller

import (
	"sitewatch/map-go/internal/ctxmenu"
	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/popup"
	"sitewatch/map-go/internal/scene"
	"sitewatch/map-go/internal/session"
)

// Snapshot is everything a client needs to draw the view.
type Snapshot struct {
	View       View                         `json:"view"`
	Mounted    bool                         `json:"mounted"`
	Scope      device.Scope                 `json:"scope"`
	Fullscreen bool                         `json:"fullscreen"`
	SessionID  string                       `json:"session_id,omitempty"`
	Extent     geom.Extent                  `json:"extent"`
	Background *scene.Background            `json:"background,omitempty"`
	Viewport   *scene.Viewport              `json:"viewport,omitempty"`
	Nodes      []scene.Node                 `json:"nodes"`
	Minimap    *scene.MinimapView           `json:"minimap,omitempty"`
	Popups     []popup.Popup                `json:"popups"`
	Menu       ctxmenu.View                 `json:"menu"`
	Rendered   map[device.Kind]session.Flag `json:"rendered"`
	Selected   device.Key                   `json:"selected,omitempty"`
	AngleEdit  device.Key                   `json:"angle_edit,omitempty"`
	Updating   bool                         `json:"updating"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	out := Snapshot{
		View:       c.view,
		Mounted:    c.mounted,
		Scope:      c.scope,
		Fullscreen: c.fullscreen,
		Extent:     c.extent,
	}
	sc := c.sc
	c.mu.Unlock()

	out.Nodes = []scene.Node{}
	out.Rendered = map[device.Kind]session.Flag{}
	out.Popups = c.popups.List()
	out.Menu = c.menu.View()
	if sc == nil {
		return out
	}
	s := sc.Scene
	bg := s.Background()
	vp := s.Viewport()
	out.SessionID = s.ID
	out.Extent = s.Extent()
	out.Background = &bg
	out.Viewport = &vp
	out.Nodes = s.Nodes("")
	if mm := s.Minimap(); mm != nil {
		v := mm.View()
		out.Minimap = &v
	}
	out.Rendered = sc.Flags.Snapshot()
	if sel := sc.Selected(); sel != nil {
		out.Selected = sel.Key()
	}
	out.AngleEdit = sc.AngleEdit()
	out.Updating = sc.Updating()
	return out
}
