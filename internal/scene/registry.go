package scene

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
)

var (
	ErrNoBackground     = errors.New("no background image")
	ErrImageUnavailable = errors.New("background image unavailable")
)

// ImageProber resolves the natural size of a background image.
//
// *imagestore.Prober satisfies this.
type ImageProber interface {
	Probe(ctx context.Context, url string) (width, height int, err error)
}

type Options struct {
	Style        Style
	MinimapWidth float64
}

// Registry creates sessions and renders markers into them.
type Registry struct {
	log          zerolog.Logger
	prober       ImageProber
	style        Style
	minimapWidth float64
}

func NewRegistry(log zerolog.Logger, prober ImageProber, opts Options) *Registry {
	st := defaultStyle()
	if opts.Style.ConeRadius > 0 {
		st.ConeRadius = opts.Style.ConeRadius
	}
	if opts.Style.ConeFOV > 0 {
		st.ConeFOV = opts.Style.ConeFOV
	}
	for k, v := range opts.Style.IconSize {
		if v > 0 {
			st.IconSize[k] = v
		}
	}
	mw := opts.MinimapWidth
	if mw <= 0 {
		mw = 200
	}
	return &Registry{log: log, prober: prober, style: st, minimapWidth: mw}
}

// CreateScene probes the background and returns a new session. It fails closed: when the image cannot
// be loaded no session is returned.
func (r *Registry) CreateScene(ctx context.Context, url string, width, height float64) (*Session, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrNoBackground
	}
	if r.prober == nil {
		return nil, fmt.Errorf("%w: no prober configured", ErrImageUnavailable)
	}
	w, h, err := r.prober.Probe(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageUnavailable, err)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrImageUnavailable, w, h)
	}

	s := newSession(uuid.NewString(), r.style, Background{
		URL:           url,
		NaturalWidth:  float64(w),
		NaturalHeight: float64(h),
	}, geom.Extent{Width: width, Height: height})

	r.log.Debug().
		Str("session_id", s.ID).
		Str("background", url).
		Float64("width", width).
		Float64("height", height).
		Msg("scene created")
	return s, nil
}

// AddOptions controls one AddMarkers batch.
type AddOptions struct {
	// Replace drops every node of the kind before adding the batch.
	Replace bool
	// Scope, when set, filters the batch to markers placed on that map.
	Scope *device.Scope
}

// AddMarkers renders items of kind into s and fires the session's rendered hook when the batch is done.
// Items of another kind or outside the scope are skipped.
func (r *Registry) AddMarkers(s *Session, items []device.Marker, kind device.Kind, opts AddOptions) (int, error) {
	if s == nil {
		return 0, ErrSessionDisposed
	}
	filtered := make([]device.Marker, 0, len(items))
	for _, m := range items {
		if m == nil || m.Kind() != kind {
			continue
		}
		if opts.Scope != nil && !m.Common().Scope.Matches(*opts.Scope) {
			continue
		}
		if !m.Common().Location.Valid() {
			r.log.Warn().Str("key", string(m.Key())).Msg("skipping marker with location outside [0,1]")
			continue
		}
		filtered = append(filtered, m)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return 0, ErrSessionDisposed
	}
	if s.extent.IsZero() {
		if !opts.Replace {
			filtered = append(append([]device.Marker(nil), s.pending[kind]...), filtered...)
		}
		s.pending[kind] = filtered
		s.mu.Unlock()
		return 0, ErrDeferred
	}
	count := s.renderLocked(kind, filtered, opts.Replace)
	hook := s.onRendered
	s.mu.Unlock()

	if hook != nil {
		hook(kind, count)
	}
	s.notify(Change{Type: ChangeMarkers, Kind: kind})
	return count, nil
}

// RemoveMarker drops one node and its record.
func (r *Registry) RemoveMarker(s *Session, key device.Key) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	removed := s.removeLocked(key)
	s.mu.Unlock()
	if removed {
		s.notify(Change{Type: ChangeMarkers, Kind: kindOfKey(key)})
	}
	return removed
}

// DisposeScene releases the session: nodes, records, parked batches, the minimap and every listener.
func (r *Registry) DisposeScene(s *Session) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	mm := s.minimap
	s.minimap = nil
	s.mu.Unlock()

	if mm != nil {
		mm.dispose()
	}
	s.notify(Change{Type: ChangeDisposed})

	s.mu.Lock()
	s.disposed = true
	s.nodes = make(map[device.Key]*Node)
	s.records = make(map[device.Key]device.Marker)
	s.pending = make(map[device.Kind][]device.Marker)
	s.order = nil
	s.listeners = make(map[uint64]func(Change))
	s.onRendered = nil
	s.mu.Unlock()

	r.log.Debug().Str("session_id", s.ID).Msg("scene disposed")
}

// EnableMinimap attaches a minimap mirror to s, replacing any previous one.
func (r *Registry) EnableMinimap(s *Session) (*Minimap, error) {
	if s == nil || s.Disposed() {
		return nil, ErrSessionDisposed
	}
	r.DisableMinimap(s)
	mm := newMinimap(s, r.minimapWidth)
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		mm.dispose()
		return nil, ErrSessionDisposed
	}
	s.minimap = mm
	s.mu.Unlock()
	return mm, nil
}

// DisableMinimap detaches and disposes the minimap, if any.
func (r *Registry) DisableMinimap(s *Session) {
	if s == nil {
		return
	}
	s.mu.Lock()
	mm := s.minimap
	s.minimap = nil
	s.mu.Unlock()
	if mm != nil {
		mm.dispose()
	}
}

func kindOfKey(key device.Key) device.Kind {
	raw := string(key)
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		return device.Kind(raw[:i])
	}
	return ""
}
