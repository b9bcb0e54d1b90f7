// Package queue implements the priority queue manager (spec component C1):
// an ordered multi-priority queue with TTL expiry, overflow eviction,
// preemption signalling and statistics. It is grounded on the teacher's
// internal/pipeline/queue.go, but where the teacher routes items through
// three fixed channels (one per priority tier) serviced by a worker pool,
// this queue keeps a single priority-ordered slice mutated only by the
// daemon's single event-loop goroutine (spec §5) — no internal locking.
package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/voxd/internal/events"
)

// Named priority bands (spec §3.1).
const (
	PriorityCritical = 100
	PriorityHigh     = 80
	PriorityNormal   = 50
	PriorityLow      = 20
	PriorityAmbient  = 10
)

// DefaultTimeout is applied to an EnqueueRequest that does not specify one.
const DefaultTimeout = 30 * time.Second

const maxWaitSamples = 100

// InterruptionPolicy controls how an interrupted item is handled once the
// client acknowledges via playback_interrupted.
type InterruptionPolicy string

const (
	PolicyDrop            InterruptionPolicy = "drop"
	PolicyRequeueFront    InterruptionPolicy = "requeue_front"
	PolicyRequeuePriority InterruptionPolicy = "requeue_priority"
)

// EnqueueRequest is the caller-supplied payload for Enqueue.
type EnqueueRequest struct {
	Text        string
	Priority    int
	VoiceConfig interface{}
	SessionID   string
	AgentID     string
	Timeout     time.Duration
}

// Item is an immutable-after-creation queue entry (spec §3.1).
type Item struct {
	ID          string
	Text        string
	Priority    int
	EnqueueTs   time.Time
	Timeout     time.Duration
	SessionID   string
	AgentID     string
	VoiceConfig interface{}
}

// DroppedData accompanies a TypeDropped event.
type DroppedData struct {
	Item   *Item
	Reason string
}

// InterruptedData accompanies a TypeInterrupted event.
type InterruptedData struct {
	Current *Item
	New     *Item
}

// Stats is the snapshot returned by GetStats.
type Stats struct {
	QueueLength    int
	CurrentItemID  string
	BandCounts     map[int]int
	TotalProcessed int64
	TotalDropped   int64
	MeanWaitMs     float64
	IsPlaying      bool
}

// Config controls queue-manager behaviour (spec §6.3 subset).
type Config struct {
	MaxQueueSize       int
	InterruptThreshold int
	InterruptionPolicy InterruptionPolicy
}

// Queue is the priority queue manager (C1). It must only be mutated from a
// single goroutine — the daemon's event loop — per spec §5.
type Queue struct {
	cfg Config
	bus *events.Bus
	log *logrus.Entry

	items   []*Item // sorted: priority desc, enqueue-ts asc
	current *Item

	lastSpeaker string

	totalProcessed int64
	totalDropped   int64
	waitTimes      []time.Duration
}

// New constructs a queue manager.
func New(cfg Config, bus *events.Bus, log *logrus.Entry) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 50
	}
	if cfg.InterruptionPolicy == "" {
		cfg.InterruptionPolicy = PolicyRequeueFront
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queue{cfg: cfg, bus: bus, log: log}
}

// Enqueue mints an item, applies overflow eviction if needed, inserts it in
// priority order and signals preemption of the current item if applicable.
func (q *Queue) Enqueue(req EnqueueRequest) (id string, position int) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	item := &Item{
		ID:          uuid.New().String(),
		Text:        req.Text,
		Priority:    req.Priority,
		EnqueueTs:   time.Now(),
		Timeout:     timeout,
		SessionID:   req.SessionID,
		AgentID:     req.AgentID,
		VoiceConfig: req.VoiceConfig,
	}

	// Insert first so the new item is itself a candidate for eviction: an
	// overflow must drop the globally lowest-priority item among all K+1,
	// not just the K that were already queued (I2, P2, spec §8 scenario 3).
	q.insertSorted(item)

	if len(q.items) > q.cfg.MaxQueueSize {
		q.evictLowestPriority()
	}

	q.publish(events.TypeEnqueued, item)

	if q.current != nil && item.Priority >= q.cfg.InterruptThreshold && item.Priority > q.current.Priority {
		q.publish(events.TypeInterrupted, InterruptedData{Current: q.current, New: item})
	}

	// item may have been the item evicted above; indexOf reports -1 in
	// that case rather than a stale pre-eviction position.
	return item.ID, q.indexOf(item.ID)
}

// insertSorted inserts item in priority order, preserving FIFO among equal
// priorities (spec §4.1 step 3), and returns its index.
func (q *Queue) insertSorted(item *Item) int {
	idx := q.insertIndex(item.Priority)
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
	return idx
}

// insertIndex finds the first item with strictly lower priority than p so
// that equal-priority items preserve FIFO order (spec §4.1 step 3).
func (q *Queue) insertIndex(p int) int {
	for i, it := range q.items {
		if it.Priority < p {
			return i
		}
	}
	return len(q.items)
}

// insertFront places item ahead of every item of equal-or-lower priority,
// but never ahead of one with strictly higher priority already waiting —
// so an item that caused this very interruption is never itself leapfrogged
// by the item it preempted (spec §8 scenario 2).
func (q *Queue) insertFront(item *Item) {
	idx := 0
	for idx < len(q.items) && q.items[idx].Priority > item.Priority {
		idx++
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
}

func (q *Queue) indexOf(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// evictLowestPriority drops the lowest-priority item, breaking ties by
// latest enqueue time, per I2.
func (q *Queue) evictLowestPriority() {
	if len(q.items) == 0 {
		return
	}
	victim := 0
	for i := 1; i < len(q.items); i++ {
		it := q.items[i]
		v := q.items[victim]
		if it.Priority < v.Priority || (it.Priority == v.Priority && it.EnqueueTs.After(v.EnqueueTs)) {
			victim = i
		}
	}
	dropped := q.items[victim]
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	q.totalDropped++
	q.publish(events.TypeDropped, DroppedData{Item: dropped, Reason: "queue_full"})
}

// GetNext sweeps expired items, then pops the head as the new current item.
func (q *Queue) GetNext() *Item {
	q.sweepExpired()

	if len(q.items) == 0 {
		return nil
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.current = item
	q.recordWait(time.Since(item.EnqueueTs))
	q.publish(events.TypePlaying, item)
	return item
}

func (q *Queue) sweepExpired() {
	now := time.Now()
	kept := q.items[:0]
	for _, it := range q.items {
		if now.Sub(it.EnqueueTs) > it.Timeout {
			q.totalDropped++
			q.publish(events.TypeDropped, DroppedData{Item: it, Reason: "expired"})
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
}

func (q *Queue) recordWait(d time.Duration) {
	q.waitTimes = append(q.waitTimes, d)
	if len(q.waitTimes) > maxWaitSamples {
		q.waitTimes = q.waitTimes[len(q.waitTimes)-maxWaitSamples:]
	}
}

// Cancel removes a still-queued item. Unknown ids are a no-op (P6).
func (q *Queue) Cancel(id string) bool {
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.publish(events.TypeCancelled, it)
			return true
		}
	}
	return false
}

// MarkCompleted releases the current item and updates lastSpeaker. Unknown
// or mismatched ids are a no-op (P6).
func (q *Queue) MarkCompleted(id string, durationMs int64) {
	if q.current == nil || q.current.ID != id {
		return
	}
	q.lastSpeaker = q.current.AgentID
	q.totalProcessed++
	q.current = nil
}

// MarkFailed releases the current item without updating lastSpeaker.
func (q *Queue) MarkFailed(id string, reason string) {
	if q.current == nil || q.current.ID != id {
		return
	}
	q.current = nil
}

// HandleInterruption applies the configured interruption policy to the
// current item, per the "announce-then-wait-for-ack" ordering described in
// spec §9: C1 only reinstates the item once asked, it never advances
// playback state on its own.
func (q *Queue) HandleInterruption(id string) {
	if q.current == nil || q.current.ID != id {
		return
	}
	item := q.current
	q.current = nil

	switch q.cfg.InterruptionPolicy {
	case PolicyDrop:
		q.totalDropped++
		q.publish(events.TypeDropped, DroppedData{Item: item, Reason: "interrupted"})
	case PolicyRequeuePriority:
		q.insertSorted(item)
	default: // PolicyRequeueFront
		q.insertFront(item)
	}
}

// NeedsSpeakerTransition reports whether item's agent differs from the last
// agent whose item completed (spec §4.1).
func (q *Queue) NeedsSpeakerTransition(item *Item) bool {
	return q.lastSpeaker != "" && item != nil && q.lastSpeaker != item.AgentID
}

// GetStats returns a snapshot of queue counters.
func (q *Queue) GetStats() Stats {
	bands := make(map[int]int)
	for _, it := range q.items {
		bands[it.Priority]++
	}

	var mean float64
	if len(q.waitTimes) > 0 {
		var sum time.Duration
		for _, d := range q.waitTimes {
			sum += d
		}
		mean = float64(sum.Milliseconds()) / float64(len(q.waitTimes))
	}

	currentID := ""
	if q.current != nil {
		currentID = q.current.ID
	}

	return Stats{
		QueueLength:    len(q.items),
		CurrentItemID:  currentID,
		BandCounts:     bands,
		TotalProcessed: q.totalProcessed,
		TotalDropped:   q.totalDropped,
		MeanWaitMs:     mean,
		IsPlaying:      q.current != nil,
	}
}

// IsPlaying reports whether an item is currently assigned for playback.
func (q *Queue) IsPlaying() bool {
	return q.current != nil
}

// Current returns the currently-playing item, or nil.
func (q *Queue) Current() *Item {
	return q.current
}

// Clear empties the queue and resets speaker/counter state.
func (q *Queue) Clear() {
	q.items = nil
	q.current = nil
	q.lastSpeaker = ""
	q.totalProcessed = 0
	q.totalDropped = 0
	q.waitTimes = nil
}

func (q *Queue) publish(t events.Type, data interface{}) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(t, data)
}
