// Package event delivers controller events to observers: MQTT, InfluxDB, the log
// and live in-process subscribers.
package event

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// Sink receives every published event. A failing sink never blocks the others.
type Sink interface {
	Name() string
	Send(evt messages.Event) error
}

// Fanout publishes events to all sinks and to any live subscribers.
type Fanout struct {
	sinks []Sink
	now   func() time.Time

	mu     sync.RWMutex
	subs   map[int]chan messages.Event
	nextID int
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks: sinks,
		now:   time.Now,
		subs:  make(map[int]chan messages.Event),
	}
}

// Publish stamps the event and hands it to every sink and subscriber.
func (f *Fanout) Publish(typ messages.EventType, payload any) messages.Event {
	evt := messages.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		Timestamp: f.now().UTC(),
	}

	for _, s := range f.sinks {
		if err := s.Send(evt); err != nil {
			log.Printf("fanout: sink %s failed for %s: %v", s.Name(), evt.Type, err)
		}
	}

	f.mu.RLock()
	for id, ch := range f.subs {
		select {
		case ch <- evt:
		default:
			log.Printf("fanout: subscriber %d is slow, dropping %s", id, evt.Type)
		}
	}
	f.mu.RUnlock()
	return evt
}

// Subscribe registers a live observer with a buffer of size buf. The returned
// cancel func unregisters it and closes the channel.
func (f *Fanout) Subscribe(buf int) (<-chan messages.Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan messages.Event, buf)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of live observers.
func (f *Fanout) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
