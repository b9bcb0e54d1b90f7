package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue() *Queue {
	return New(Config{MaxQueueSize: 10, InterruptThreshold: 80, InterruptionPolicy: PolicyRequeueFront}, nil, nil)
}

func TestEnqueueOrderingByPriorityThenFIFO(t *testing.T) {
	q := newTestQueue()

	id1, _ := q.Enqueue(EnqueueRequest{Text: "a", Priority: PriorityNormal})
	id2, _ := q.Enqueue(EnqueueRequest{Text: "b", Priority: PriorityNormal})
	id3, _ := q.Enqueue(EnqueueRequest{Text: "c", Priority: PriorityHigh})

	first := q.GetNext()
	require.NotNil(t, first)
	assert.Equal(t, id3, first.ID, "higher priority item should be served first")
	q.MarkCompleted(first.ID, 0)

	second := q.GetNext()
	require.NotNil(t, second)
	assert.Equal(t, id1, second.ID, "equal-priority items preserve FIFO order")
	q.MarkCompleted(second.ID, 0)

	third := q.GetNext()
	require.NotNil(t, third)
	assert.Equal(t, id2, third.ID)
}

func TestOverflowDropsLowestPriorityLatest(t *testing.T) {
	q := New(Config{MaxQueueSize: 3, InterruptThreshold: 80}, nil, nil)

	q.Enqueue(EnqueueRequest{Text: "a", Priority: PriorityNormal})
	q.Enqueue(EnqueueRequest{Text: "b", Priority: PriorityNormal})
	q.Enqueue(EnqueueRequest{Text: "c", Priority: PriorityNormal})
	q.Enqueue(EnqueueRequest{Text: "low", Priority: PriorityLow})

	stats := q.GetStats()
	assert.Equal(t, 3, stats.QueueLength)
	assert.EqualValues(t, 1, stats.TotalDropped)
	assert.Equal(t, 0, stats.BandCounts[PriorityLow], "the low-priority latecomer should have been the one dropped")

	q.Enqueue(EnqueueRequest{Text: "urgent", Priority: PriorityCritical})
	stats = q.GetStats()
	assert.Equal(t, 3, stats.QueueLength)
	assert.EqualValues(t, 2, stats.TotalDropped)
	assert.Equal(t, 1, stats.BandCounts[PriorityCritical])
	assert.Equal(t, 2, stats.BandCounts[PriorityNormal])
}

func TestTTLExpiryNeverPlays(t *testing.T) {
	q := newTestQueue()
	q.Enqueue(EnqueueRequest{Text: "short-lived", Priority: PriorityLow, Timeout: 10 * time.Millisecond})

	time.Sleep(20 * time.Millisecond)

	item := q.GetNext()
	assert.Nil(t, item)
	assert.EqualValues(t, 1, q.GetStats().TotalDropped)
}

func TestEnqueueWhilePlayingLeavesCurrentItem(t *testing.T) {
	q := New(Config{MaxQueueSize: 10, InterruptThreshold: 80}, nil, nil)

	id, _ := q.Enqueue(EnqueueRequest{Text: "bg", Priority: PriorityLow})
	item := q.GetNext()
	require.Equal(t, id, item.ID)

	// Below threshold: no preemption, just enqueues normally.
	q.Enqueue(EnqueueRequest{Text: "mid", Priority: PriorityNormal})
	assert.True(t, q.IsPlaying())

	// Above threshold and higher priority than current: this is the
	// preemption case (tested at the server layer for the actual
	// interrupted event; here we just confirm state isn't mutated).
	q.Enqueue(EnqueueRequest{Text: "urgent", Priority: PriorityCritical})
	assert.Equal(t, id, q.Current().ID, "C1 never aborts playback itself, only signals")
}

func TestIdempotentOperationsOnUnknownID(t *testing.T) {
	q := newTestQueue()

	assert.False(t, q.Cancel("nope"))
	assert.NotPanics(t, func() {
		q.MarkCompleted("nope", 0)
		q.MarkFailed("nope", "boom")
		q.HandleInterruption("nope")
	})
}

func TestHandleInterruptionRequeueFront(t *testing.T) {
	q := New(Config{MaxQueueSize: 10, InterruptionPolicy: PolicyRequeueFront}, nil, nil)

	bgID, _ := q.Enqueue(EnqueueRequest{Text: "bg", Priority: PriorityLow})
	bg := q.GetNext()
	require.Equal(t, bgID, bg.ID)

	urgentID, _ := q.Enqueue(EnqueueRequest{Text: "urgent", Priority: PriorityCritical})

	q.HandleInterruption(bgID)
	assert.False(t, q.IsPlaying())

	// requeue_front reinstates bg ahead of anything at or below its own
	// priority, but it never leapfrogs urgent, which is already waiting at
	// a strictly higher priority (spec §8 scenario 2: the item that caused
	// the interruption always plays before the reinstated item replays).
	next := q.GetNext()
	require.NotNil(t, next)
	assert.Equal(t, urgentID, next.ID)
	q.MarkCompleted(urgentID, 0)

	next = q.GetNext()
	require.NotNil(t, next)
	assert.Equal(t, bgID, next.ID, "the interrupted item replays once the preempting item has played")
}

func TestHandleInterruptionRequeueFrontAheadOfLowerPriorityPeers(t *testing.T) {
	q := New(Config{MaxQueueSize: 10, InterruptionPolicy: PolicyRequeueFront}, nil, nil)

	bgID, _ := q.Enqueue(EnqueueRequest{Text: "bg", Priority: PriorityNormal})
	bg := q.GetNext()
	require.Equal(t, bgID, bg.ID)

	q.Enqueue(EnqueueRequest{Text: "ambient", Priority: PriorityAmbient})

	q.HandleInterruption(bgID)

	next := q.GetNext()
	require.NotNil(t, next)
	assert.Equal(t, bgID, next.ID, "requeue_front still jumps ahead of lower-priority items")
}

func TestSpeakerTransitionDetection(t *testing.T) {
	q := newTestQueue()
	itemA := &Item{AgentID: "A"}
	itemB := &Item{AgentID: "B"}

	assert.False(t, q.NeedsSpeakerTransition(itemA), "no prior speaker yet")

	q.lastSpeaker = "A"
	assert.False(t, q.NeedsSpeakerTransition(itemA))
	assert.True(t, q.NeedsSpeakerTransition(itemB))
}

func TestMarkCompletedUpdatesLastSpeakerOnlyOnSuccess(t *testing.T) {
	q := newTestQueue()
	id, _ := q.Enqueue(EnqueueRequest{Text: "a", Priority: PriorityNormal, AgentID: "A"})
	item := q.GetNext()
	require.Equal(t, id, item.ID)

	q.MarkFailed(id, "oops")
	assert.Empty(t, q.lastSpeaker, "a failed item must not update lastSpeaker")

	id2, _ := q.Enqueue(EnqueueRequest{Text: "b", Priority: PriorityNormal, AgentID: "B"})
	item2 := q.GetNext()
	require.Equal(t, id2, item2.ID)
	q.MarkCompleted(id2, 100)
	assert.Equal(t, "B", q.lastSpeaker)
}
