package vad

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/voxd/internal/ringbuffer"
)

// fakeCaller decides is_speech from the single byte of PCM payload each test
// chunk carries (1 = speech, 0 = silence), sidestepping a real subprocess
// round-trip so the hysteresis state machine can be exercised directly.
type fakeCaller struct{}

func (fakeCaller) EnsureStarted(ctx context.Context) error { return nil }
func (fakeCaller) Shutdown(ctx context.Context)             {}
func (fakeCaller) CallRPC(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	p := params.(map[string]interface{})
	b64 := p["audio_base64"].(string)
	isSpeech := b64 == "AQ==" // base64("\x01")
	prob := 0.1
	if isSpeech {
		prob = 0.9
	}
	return json.Marshal(processResult{IsSpeech: isSpeech, Probability: prob})
}

func speechChunk(ts int64) ringbuffer.Chunk {
	return ringbuffer.Chunk{PCM: []byte{1}, SampleRate: 16000, Channels: 1, TimestampMs: ts}
}

func silenceChunk(ts int64) ringbuffer.Chunk {
	return ringbuffer.Chunk{PCM: []byte{0}, SampleRate: 16000, Channels: 1, TimestampMs: ts}
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for vad events")
		}
	}
}

func TestHysteresisEmitsSegmentOnLongEnoughSpeech(t *testing.T) {
	a := newAdapter(fakeCaller{}, nil)
	opts := Options{Threshold: 0.5, MinSpeechDurationMs: 250, MinSilenceDurationMs: 300}

	in := make(chan ringbuffer.Chunk)
	out := a.ProcessStream(context.Background(), in, opts)

	go func() {
		in <- silenceChunk(0)
		in <- speechChunk(100)
		in <- speechChunk(200)
		in <- speechChunk(400) // speech run: 100..400 = 300ms >= 250ms
		in <- silenceChunk(500)
		in <- silenceChunk(850) // 850-500 = 350ms >= 300ms silence -> speech_end
		close(in)
	}()

	events := collect(t, out)

	var sawStart, sawEnd bool
	var seg Segment
	for _, ev := range events {
		switch ev.Kind {
		case KindSpeechStart:
			sawStart = true
		case KindSpeechEnd:
			sawEnd = true
			seg = ev.Segment
		}
	}

	require.True(t, sawStart)
	require.True(t, sawEnd)
	assert.Equal(t, int64(100), seg.StartMs)
	assert.Equal(t, int64(400), seg.EndMs)
}

func TestHysteresisDropsShortSpeechBurst(t *testing.T) {
	a := newAdapter(fakeCaller{}, nil)
	opts := Options{Threshold: 0.5, MinSpeechDurationMs: 500, MinSilenceDurationMs: 100}

	in := make(chan ringbuffer.Chunk)
	out := a.ProcessStream(context.Background(), in, opts)

	go func() {
		in <- speechChunk(0)
		in <- speechChunk(50) // only 50ms of speech, below 500ms threshold
		in <- silenceChunk(200)
		close(in)
	}()

	events := collect(t, out)
	for _, ev := range events {
		assert.NotEqual(t, KindSpeechEnd, ev.Kind, "a too-short speech run must not yield a segment")
	}
}
