// Package events implements the publisher used throughout both the queue
// daemon and the capture pipeline, modelled as an explicit emitter with
// named event types rather than a language-level event-emitter object.
// Structurally this is the teacher's internal/feedback EventBus, adapted
// from transcription-specific event payloads to queue and pipeline
// lifecycle events.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type identifies the kind of event flowing through the bus.
type Type string

const (
	// Queue daemon events (C1/C2).
	TypeEnqueued     Type = "enqueued"
	TypeDropped      Type = "dropped"
	TypePlaying      Type = "playing"
	TypeInterrupted  Type = "interrupted"
	TypeCancelled    Type = "cancelled"

	// Capture pipeline events (C10).
	TypeStateChange Type = "state_change"
	TypeSpeechStart Type = "speech_start"
	TypeSpeechEnd   Type = "speech_end"
	TypeTranscript  Type = "transcript"
	TypeError       Type = "error"
	TypeShutdown    Type = "shutdown"
)

// Event is a single published occurrence.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      interface{}
}

// Handler processes one event. Panics are recovered by the bus.
type Handler func(Event)

// Bus distributes events to subscribers without letting a slow or
// panicking handler block the publisher, and without letting a panicking
// handler stop the others. Handlers run one after another on the bus's
// single delivery goroutine, so a slow handler delays every later delivery.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler

	buffer chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	published map[Type]int64
	delivered int64
	dropped   int64

	log *logrus.Entry
}

// NewBus creates a bus with a bounded intake buffer; Publish never blocks
// once the buffer is full — it drops the event and counts it instead.
func NewBus(bufferSize int, log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Bus{
		handlers:  make(map[Type][]Handler),
		buffer:    make(chan Event, bufferSize),
		stopCh:    make(chan struct{}),
		published: make(map[Type]int64),
		log:       log,
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Subscribe registers handler for a specific event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
	idx := len(b.handlers[t]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[t]
		if idx < len(hs) {
			b.handlers[t] = append(hs[:idx], hs[idx+1:]...)
		}
	}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues event for asynchronous delivery. Non-blocking: a full
// buffer drops the event and logs a warning, matching the teacher's
// drop-on-full EventBus policy.
func (b *Bus) Publish(t Type, data interface{}) {
	ev := Event{Type: t, Timestamp: time.Now(), Data: data}

	b.metricsMu.Lock()
	b.published[t]++
	b.metricsMu.Unlock()

	select {
	case b.buffer <- ev:
	default:
		b.metricsMu.Lock()
		b.dropped++
		b.metricsMu.Unlock()
		b.log.WithField("event_type", t).Warn("event dropped, buffer full")
	}
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.buffer:
			b.deliver(ev)
		case <-b.stopCh:
			for {
				select {
				case ev := <-b.buffer:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.handlers[ev.Type]...)
	all := append([]Handler{}, b.all...)
	b.mu.RUnlock()

	run := func(h Handler) {
		defer func() {
			if r := recover(); r != nil {
				b.log.WithFields(logrus.Fields{
					"event_type": ev.Type,
					"panic":      r,
				}).Error("event handler panic")
			}
		}()
		h(ev)
		b.metricsMu.Lock()
		b.delivered++
		b.metricsMu.Unlock()
	}

	for _, h := range handlers {
		run(h)
	}
	for _, h := range all {
		run(h)
	}
}

// Stop drains pending events and shuts the bus down.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Metrics is a point-in-time snapshot of bus activity.
type Metrics struct {
	Published map[Type]int64
	Delivered int64
	Dropped   int64
}

// Metrics returns a copy of the bus's current counters.
func (b *Bus) Metrics() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	published := make(map[Type]int64, len(b.published))
	for k, v := range b.published {
		published[k] = v
	}
	return Metrics{Published: published, Delivered: b.delivered, Dropped: b.dropped}
}
