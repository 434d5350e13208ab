package popup

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/geom"
	"sitewatch/map-go/internal/session"
)

// Kind is the popup slot. At most one popup per kind is open.
type Kind string

const (
	KindDevice Kind = "device"
	KindEvent  Kind = "event"
	KindUnit   Kind = "unit"
)

// Popup is a transient panel anchored to a node.
type Popup struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	DeviceKey  device.Key  `json:"device_key"`
	DeviceType device.Kind `json:"device_type"`
	Anchor     geom.Rect   `json:"anchor"`
	Event      *Event      `json:"event,omitempty"`
	Record     any         `json:"record,omitempty"`
	OpenedAt   time.Time   `json:"opened_at"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
}

// DropReason explains why an event did not produce a popup.
type DropReason string

const (
	DropNone          DropReason = ""
	DropScopeMismatch DropReason = "scope_mismatch"
	DropNotRendered   DropReason = "not_rendered"
	DropNoMatch       DropReason = "no_match"
	DropSuppressed    DropReason = "suppressed"
	DropNoSession     DropReason = "no_session"
)

type Outcome struct {
	Popup   *Popup     `json:"popup,omitempty"`
	Dropped DropReason `json:"dropped,omitempty"`
}

// ChangeType tells listeners whether a popup opened or closed.
type ChangeType string

const (
	ChangeOpened ChangeType = "opened"
	ChangeClosed ChangeType = "closed"
)

type Change struct {
	Type  ChangeType
	Popup Popup
}

type Options struct {
	// AutoDismiss is how long popups from AutoDismissSources stay open. Defaults to 20s.
	AutoDismiss        time.Duration
	AutoDismissSources []string
	Now                func() time.Time
	// AfterFunc schedules f after d and returns a stop function. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

type entry struct {
	popup Popup
	stop  func() bool
}

// Manager owns the open popups of one view.
type Manager struct {
	log         zerolog.Logger
	autoDismiss time.Duration
	autoSources map[string]struct{}
	now         func() time.Time
	afterFunc   func(d time.Duration, f func()) func() bool

	mu       sync.Mutex
	active   map[Kind]*entry
	onChange func(Change)
}

func NewManager(log zerolog.Logger, opts Options) *Manager {
	ad := opts.AutoDismiss
	if ad <= 0 {
		ad = 20 * time.Second
	}
	sources := opts.AutoDismissSources
	if len(sources) == 0 {
		sources = []string{SourceACS}
	}
	set := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		set[s] = struct{}{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	af := opts.AfterFunc
	if af == nil {
		af = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return &Manager{
		log:         log,
		autoDismiss: ad,
		autoSources: set,
		now:         now,
		afterFunc:   af,
		active:      make(map[Kind]*entry),
	}
}

// SetOnChange registers the listener told about every open/close.
func (m *Manager) SetOnChange(fn func(Change)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Manager) emit(c Change) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// Open shows p in its kind's slot, replacing whatever was there.
func (m *Manager) Open(p Popup) Popup {
	return m.open(p, false)
}

func (m *Manager) open(p Popup, autoDismiss bool) Popup {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.OpenedAt = m.now()
	if autoDismiss {
		exp := p.OpenedAt.Add(m.autoDismiss)
		p.ExpiresAt = &exp
	}

	m.mu.Lock()
	prev := m.active[p.Kind]
	e := &entry{popup: p}
	m.active[p.Kind] = e
	if autoDismiss {
		id := p.ID
		kind := p.Kind
		e.stop = m.afterFunc(m.autoDismiss, func() {
			m.closeIf(kind, id)
		})
	}
	m.mu.Unlock()

	if prev != nil {
		if prev.stop != nil {
			prev.stop()
		}
		m.emit(Change{Type: ChangeClosed, Popup: prev.popup})
	}
	m.emit(Change{Type: ChangeOpened, Popup: p})
	return p
}

// closeIf closes the popup of kind only if it is still the one identified by id.
func (m *Manager) closeIf(kind Kind, id string) {
	m.mu.Lock()
	e := m.active[kind]
	if e == nil || e.popup.ID != id {
		m.mu.Unlock()
		return
	}
	delete(m.active, kind)
	m.mu.Unlock()
	m.log.Debug().Str("popup_id", id).Str("kind", string(kind)).Msg("popup auto-dismissed")
	m.emit(Change{Type: ChangeClosed, Popup: e.popup})
}

// Close closes the popup of kind. It reports whether one was open.
func (m *Manager) Close(kind Kind) bool {
	m.mu.Lock()
	e := m.active[kind]
	delete(m.active, kind)
	m.mu.Unlock()
	if e == nil {
		return false
	}
	if e.stop != nil {
		e.stop()
	}
	m.emit(Change{Type: ChangeClosed, Popup: e.popup})
	return true
}

// CloseByID closes the popup with id, whatever its kind.
func (m *Manager) CloseByID(id string) bool {
	m.mu.Lock()
	var kind Kind
	found := false
	for k, e := range m.active {
		if e.popup.ID == id {
			kind, found = k, true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return false
	}
	return m.Close(kind)
}

// CloseForDevice closes every popup anchored to key.
func (m *Manager) CloseForDevice(key device.Key) {
	m.mu.Lock()
	var kinds []Kind
	for k, e := range m.active {
		if e.popup.DeviceKey == key {
			kinds = append(kinds, k)
		}
	}
	m.mu.Unlock()
	for _, k := range kinds {
		m.Close(k)
	}
}

// CloseAll closes every popup. Used on scope change and session teardown.
func (m *Manager) CloseAll() {
	for _, k := range []Kind{KindDevice, KindEvent, KindUnit} {
		m.Close(k)
	}
}

func (m *Manager) Active(kind Kind) (Popup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.active[kind]
	if e == nil {
		return Popup{}, false
	}
	return e.popup, true
}

// List returns the open popups ordered by kind.
func (m *Manager) List() []Popup {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Popup, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e.popup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// OpenFor opens a popup of kind anchored to the node for key in sc.
func (m *Manager) OpenFor(sc *session.Context, kind Kind, key device.Key) (Popup, bool) {
	if sc == nil || sc.Scene == nil {
		return Popup{}, false
	}
	anchor, ok := sc.Scene.CanvasBounds(key)
	if !ok {
		return Popup{}, false
	}
	rec, _ := sc.Scene.Record(key)
	p := Popup{
		Kind:      kind,
		DeviceKey: key,
		Anchor:    anchor,
		Record:    rec,
	}
	if rec != nil {
		p.DeviceType = rec.Kind()
	}
	return m.Open(p), true
}

// HandleEvent runs the matching rules for an inbound event against the live session:
// scope, render gate, node lookup, severity ordering. Dropped events are not retried.
func (m *Manager) HandleEvent(sc *session.Context, current device.Scope, ev Event) Outcome {
	if sc == nil || sc.Scene == nil || sc.Scene.Disposed() {
		return Outcome{Dropped: DropNoSession}
	}
	if !ev.Scope().Matches(current) {
		return Outcome{Dropped: DropScopeMismatch}
	}
	if !sc.Flags.Rendered(ev.DeviceType) {
		return Outcome{Dropped: DropNotRendered}
	}

	var key device.Key
	for _, rec := range sc.Scene.Records(ev.DeviceType) {
		if device.Identifies(rec, ev.DeviceIdx, ev.DeviceID) {
			key = rec.Key()
			break
		}
	}
	if key == "" {
		return Outcome{Dropped: DropNoMatch}
	}
	anchor, ok := sc.Scene.CanvasBounds(key)
	if !ok {
		return Outcome{Dropped: DropNoMatch}
	}

	if m.suppressed(ev) {
		return Outcome{Dropped: DropSuppressed}
	}

	evCopy := ev
	p := m.open(Popup{
		Kind:       KindEvent,
		DeviceKey:  key,
		DeviceType: ev.DeviceType,
		Anchor:     anchor,
		Event:      &evCopy,
	}, m.autoDismisses(ev.Source))
	return Outcome{Popup: &p}
}

// suppressed reports whether an SOP event loses to the SOP event already displayed: the newcomer is
// dropped when the displayed severity is better or equal (smaller is more severe).
func (m *Manager) suppressed(ev Event) bool {
	if ev.Source != SourceSOP || ev.Severity == nil {
		return false
	}
	cur, ok := m.Active(KindEvent)
	if !ok || cur.Event == nil || cur.Event.Source != SourceSOP || cur.Event.Severity == nil {
		return false
	}
	return *cur.Event.Severity <= *ev.Severity
}

func (m *Manager) autoDismisses(source string) bool {
	_, ok := m.autoSources[source]
	return ok
}
