// Package pushbus fans push notifications out to in-process subscribers. Transports (MQTT, Kafka) feed
// it; view controllers subscribe one topic per device-kind collection and one per event feed.
package pushbus

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
)

// CollectionTopic carries "the list of this kind changed" notifications.
func CollectionTopic(kind device.Kind) string { return "collection." + string(kind) }

// EventTopic carries device events of one kind.
func EventTopic(kind device.Kind) string { return "event." + string(kind) }

// ViewTopic carries change notifications of one mounted view.
func ViewTopic(name string) string { return "view." + name }

type Message struct {
	Topic      string
	Payload    []byte
	Source     string
	ReceivedAt time.Time
}

type Handler func(Message)

// Bus is a synchronous topic fan-out. Handlers run on the publisher's goroutine.
type Bus struct {
	log zerolog.Logger
	now func() time.Time

	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

func New(log zerolog.Logger) *Bus {
	return &Bus{log: log, now: time.Now, subs: make(map[string]map[uint64]Handler)}
}

// Subscribe registers h for topic. The returned handle removes it.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h
	return &Subscription{bus: b, topic: topic, id: id}
}

// Publish delivers payload to every subscriber of topic and returns how many received it.
// Empty payloads are ignored.
func (b *Bus) Publish(topic, source string, payload []byte) int {
	if isEmpty(payload) {
		b.log.Debug().Str("topic", topic).Str("source", source).Msg("ignoring empty push payload")
		return 0
	}
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs[topic]))
	for id := range b.subs[topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[topic][id])
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload, Source: source, ReceivedAt: b.now()}
	for _, h := range handlers {
		h(msg)
	}
	return len(handlers)
}

// SubscriberCount returns the number of handlers registered on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

func isEmpty(payload []byte) bool {
	t := bytes.TrimSpace(payload)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("{}")) || bytes.Equal(t, []byte("[]"))
}

// Subscription is one registered handler. Unsubscribe is idempotent.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	once  sync.Once
}

func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.topic, s.id) })
}

// Subscriptions is the scoped list a controller keeps for everything it subscribed while mounted.
type Subscriptions struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (l *Subscriptions) Add(subs ...*Subscription) {
	l.mu.Lock()
	l.subs = append(l.subs, subs...)
	l.mu.Unlock()
}

func (l *Subscriptions) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Close unsubscribes everything in the list and empties it.
func (l *Subscriptions) Close() {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}
