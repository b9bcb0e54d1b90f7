// Package ringbuffer implements the rolling audio buffer (spec component
// C9): a time-windowed, append-only store of audio chunks that the
// orchestrator drains to reconstruct a speech segment's PCM. Grounded on
// internal/audio/smart_buffer.go's AudioBuffer (raw PCM accumulator with
// duration tracking), generalized from a single growing byte slice to a
// pruned list of timestamped chunks so extraction can target an arbitrary
// [start,end] window rather than always taking "everything buffered so
// far".
package ringbuffer

import "github.com/sirupsen/logrus"

// ExtractionMarginMs covers audio overhanging segment endpoints, since a
// chunk's timestamp marks its start (spec §4.9 rationale).
const ExtractionMarginMs = 100

// Chunk is a single timestamped block of PCM audio (spec §3.4).
type Chunk struct {
	PCM         []byte
	SampleRate  int
	Channels    int
	TimestampMs int64
}

// Buffer is the rolling window of recent audio chunks.
type Buffer struct {
	maxDurationMs int64
	chunks        []Chunk
	log           *logrus.Entry
}

// New constructs a buffer pruned to maxDurationMs of history (default 60s
// when maxDurationMs <= 0).
func New(maxDurationMs int64, log *logrus.Entry) *Buffer {
	if maxDurationMs <= 0 {
		maxDurationMs = 60000
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Buffer{maxDurationMs: maxDurationMs, log: log}
}

// Push appends chunk and prunes anything older than maxDurationMs relative
// to the newest chunk.
func (b *Buffer) Push(c Chunk) {
	b.chunks = append(b.chunks, c)
	newest := c.TimestampMs
	cutoff := newest - b.maxDurationMs
	i := 0
	for i < len(b.chunks) && b.chunks[i].TimestampMs < cutoff {
		i++
	}
	if i > 0 {
		b.chunks = b.chunks[i:]
	}
}

// ExtractSegment concatenates the PCM payloads of all chunks overlapping
// [startMs, endMs], widened by ExtractionMarginMs on both sides. An empty
// result is valid.
func (b *Buffer) ExtractSegment(startMs, endMs int64) []byte {
	lo := startMs - ExtractionMarginMs
	hi := endMs + ExtractionMarginMs

	var out []byte
	for _, c := range b.chunks {
		if c.TimestampMs >= lo && c.TimestampMs < hi {
			out = append(out, c.PCM...)
		}
	}
	if out == nil {
		b.log.WithFields(logrus.Fields{"start_ms": startMs, "end_ms": endMs}).Debug("extracted empty segment")
	}
	return out
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.chunks = nil
}

// Stats summarizes the buffer's current window.
type Stats struct {
	Count    int
	OldestMs int64
	NewestMs int64
}

// Stats returns the current chunk count and window bounds.
func (b *Buffer) Stats() Stats {
	if len(b.chunks) == 0 {
		return Stats{}
	}
	return Stats{
		Count:    len(b.chunks),
		OldestMs: b.chunks[0].TimestampMs,
		NewestMs: b.chunks[len(b.chunks)-1].TimestampMs,
	}
}
