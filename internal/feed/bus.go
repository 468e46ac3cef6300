package feed

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	TypeMatch   = "match"
	TypeSession = "session"
	TypeTimer   = "timer"
	TypeAlert   = "alert"
)

// Event is one change notification on a topic such as "match.<id>".
type Event struct {
	Topic  string          `json:"topic"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	At     time.Time       `json:"at"`
	Origin string          `json:"origin,omitempty"`
}

func MatchTopic(id string) string   { return "match." + id }
func SessionTopic(id string) string { return "session." + id }
func TimerTopic(id string) string   { return "timer." + id }

// NewEvent marshals v into an event.
func NewEvent(topic, typ string, v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return Event{Topic: topic, Type: typ, Data: data, At: time.Now().UTC()}, nil
}

// Handler receives events on the publisher's goroutine and must not block.
type Handler func(Event)

type subscriber struct {
	id int
	h  Handler
}

// Bus is a synchronous in-process topic bus.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscriber
	taps   []Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

// Subscribe registers h for topic and returns its release func. The release
// func is safe to call more than once.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = list
	}
}

// Tap registers h for every locally published event; used by relays.
func (b *Bus) Tap(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, h)
}

// Publish delivers e to subscribers of e.Topic and to taps.
func (b *Bus) Publish(e Event) {
	b.dispatch(e, true)
}

// Deliver delivers e to subscribers only. Relays use it for remote events so
// they are not sent back out.
func (b *Bus) Deliver(e Event) {
	b.dispatch(e, false)
}

func (b *Bus) dispatch(e Event, tap bool) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs[e.Topic]...)
	var taps []Handler
	if tap {
		taps = append(taps, b.taps...)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.h(e)
	}
	for _, h := range taps {
		h(e)
	}
}

// Subscribers returns the number of handlers on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
