package controller

import (
	"context"

	"sitewatch/map-go/internal/ctxmenu"
	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/popup"
	"sitewatch/map-go/internal/relocation"
	"sitewatch/map-go/internal/scene"
	"sitewatch/map-go/internal/session"
)

// Pointer is a pointer position in canvas pixels, before the viewport transform.
type Pointer struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// toScene maps a canvas position into scene coordinates.
func toScene(v scene.Viewport, p Pointer) geom.Point {
	z := v.Zoom
	if z <= 0 {
		z = 1
	}
	return geom.Point{X: (p.X - v.PanX) / z, Y: (p.Y - v.PanY) / z}
}

// PointerDown starts a gesture on the node under p. A camera in angle-edit mode starts a rotation;
// any other node starts a drag. Pressing the empty canvas clears the selection and closes the menu.
// It returns the key of the node under the pointer, if any.
func (c *Controller) PointerDown(p Pointer) (device.Key, error) {
	sc, err := c.current()
	if err != nil {
		return "", err
	}
	pt := toScene(sc.Scene.Viewport(), p)
	node, ok := sc.Scene.HitTest(pt)
	c.menu.Close()
	if !ok {
		if !sc.Updating() {
			sc.ClearSelection("")
		}
		return "", nil
	}
	if sc.AngleEdit() == node.Key {
		return node.Key, c.reloc.BeginRotate(sc, node.Key)
	}
	return node.Key, c.reloc.BeginDrag(sc, node.Key)
}

// PointerMove drives the gesture in progress.
func (c *Controller) PointerMove(p Pointer) error {
	sc, err := c.current()
	if err != nil {
		return err
	}
	pt := toScene(sc.Scene.Viewport(), p)
	switch sc.Pending().Gesture {
	case session.GestureDrag:
		return c.reloc.Drag(sc, pt)
	case session.GestureRotate:
		_, err := c.reloc.Rotate(sc, pt)
		return err
	default:
		return relocation.ErrNoGesture
	}
}

// PointerUp ends the gesture in progress and commits it. A press and release without movement is a
// click: it opens the inspect popup for the node instead.
func (c *Controller) PointerUp(ctx context.Context) (relocation.Result, error) {
	sc, err := c.current()
	if err != nil {
		return relocation.Result{}, err
	}
	pend := sc.Pending()
	switch pend.Gesture {
	case session.GestureDrag:
		res, err := c.reloc.EndDrag(ctx, sc)
		if err == nil && !res.Committed && res.Marker != nil {
			c.popups.OpenFor(sc, inspectPopupKind(res.Marker.Kind()), res.Key)
		}
		return res, err
	case session.GestureRotate:
		return c.reloc.EndRotate(ctx, sc)
	default:
		return relocation.Result{}, relocation.ErrNoGesture
	}
}

// CancelGesture abandons the gesture in progress.
func (c *Controller) CancelGesture() error {
	sc, err := c.current()
	if err != nil {
		return err
	}
	return c.reloc.Cancel(sc)
}

// OpenMenu opens the context menu on whatever is under p.
func (c *Controller) OpenMenu(ctx context.Context, p Pointer) (ctxmenu.View, error) {
	sc, err := c.current()
	if err != nil {
		return ctxmenu.View{}, err
	}
	if sc.Updating() {
		return ctxmenu.View{}, relocation.ErrBusy
	}
	pt := toScene(sc.Scene.Viewport(), p)
	var key device.Key
	if node, ok := sc.Scene.HitTest(pt); ok {
		key = node.Key
	}
	return c.menu.Open(ctx, sc, c.Scope(), key, pt)
}

func (c *Controller) CloseMenu() { c.menu.Close() }

func (c *Controller) Menu() ctxmenu.View { return c.menu.View() }

// DispatchMenu runs an action of the open context menu.
func (c *Controller) DispatchMenu(ctx context.Context, req ctxmenu.Request) (ctxmenu.Result, error) {
	sc, err := c.current()
	if err != nil {
		return ctxmenu.Result{}, err
	}
	return c.menu.Dispatch(ctx, sc, req)
}

// OpenInspect opens the inspect popup of a rendered node.
func (c *Controller) OpenInspect(key device.Key) (popup.Popup, error) {
	sc, err := c.current()
	if err != nil {
		return popup.Popup{}, err
	}
	rec, ok := sc.Scene.Record(key)
	if !ok {
		return popup.Popup{}, scene.ErrNodeNotFound
	}
	p, _ := c.popups.OpenFor(sc, inspectPopupKind(rec.Kind()), key)
	return p, nil
}
