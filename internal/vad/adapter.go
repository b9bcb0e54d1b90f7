// Package vad implements the voice-activity-detection adapter (spec
// component C6): it streams audio chunks to a persistent VAD helper
// process over the RPC harness and reconstructs speech segments with a
// hysteresis state machine. The per-chunk RPC shape is grounded on
// internal/rpc.Harness (itself grounded on pkg/transcriber/faster_whisper.go
// and internal/mcp/server.go); the hysteresis state-machine shape is
// grounded on internal/audio/vad.go's speechCount/silenceCount hysteresis
// and team-hashing-lokutor-orchestrator/pkg/orchestrator/vad.go's RMSVAD
// consecutive-frame confirmation, both reimplemented here as a time-based
// (rather than frame-count-based) state machine per spec §4.6.
package vad

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/voxd/internal/ringbuffer"
	"github.com/fankserver/voxd/internal/rpc"
)

type state int

const (
	stateIdle state = iota
	stateInSpeech
)

// Options configures the hysteresis thresholds (spec §4.6 defaults).
type Options struct {
	Threshold            float64
	MinSpeechDurationMs  int64
	MinSilenceDurationMs int64
	SpeechPadMs          int64
}

// DefaultOptions mirrors spec §6.6's VAD defaults.
func DefaultOptions() Options {
	return Options{Threshold: 0.5, MinSpeechDurationMs: 250, MinSilenceDurationMs: 1000, SpeechPadMs: 300}
}

// Kind distinguishes the event variants a VAD stream can yield.
type Kind int

const (
	KindProbability Kind = iota
	KindSpeechStart
	KindSpeechEnd
	KindError
)

// Segment is a detected speech region (spec §3.5).
type Segment struct {
	StartMs        int64
	EndMs          int64
	DurationMs     int64
	AvgProbability float64
}

// Event is one item of the VAD's output stream.
type Event struct {
	Kind        Kind
	Probability float64
	Segment     Segment
	Err         error
}

type processResult struct {
	IsSpeech    bool    `json:"is_speech"`
	Probability float64 `json:"probability"`
}

// caller is the subset of *rpc.Harness the adapter needs; accepting the
// interface (rather than the concrete harness type) lets tests exercise the
// hysteresis state machine with a fake RPC responder.
type caller interface {
	CallRPC(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	EnsureStarted(ctx context.Context) error
	Shutdown(ctx context.Context)
}

// Adapter drives a VAD helper process through the harness.
type Adapter struct {
	harness caller
	log     *logrus.Entry
}

// New constructs a VAD adapter over the given RPC harness.
func New(h *rpc.Harness, log *logrus.Entry) *Adapter {
	return newAdapter(h, log)
}

func newAdapter(c caller, log *logrus.Entry) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{harness: c, log: log}
}

// Initialize spawns the helper and waits for its ready handshake.
func (a *Adapter) Initialize(ctx context.Context) error {
	return a.harness.EnsureStarted(ctx)
}

// ProcessStream consumes chunks and yields VAD events until in is closed or
// ctx is cancelled. The returned channel is closed when processing ends.
func (a *Adapter) ProcessStream(ctx context.Context, in <-chan ringbuffer.Chunk, opts Options) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		st := stateIdle
		var speechStartMs, lastSpeechMs, silenceStart int64
		var probs []float64

		emit := func(ev Event) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		finishSegment := func(endMs int64) {
			if lastSpeechMs-speechStartMs >= opts.MinSpeechDurationMs {
				avg := average(probs)
				emit(Event{Kind: KindSpeechEnd, Segment: Segment{
					StartMs:        speechStartMs,
					EndMs:          endMs,
					DurationMs:     endMs - speechStartMs,
					AvgProbability: avg,
				}})
			}
			st = stateIdle
			probs = nil
			silenceStart = 0
		}

		for {
			select {
			case chunk, ok := <-in:
				if !ok {
					if st == stateInSpeech {
						finishSegment(lastSpeechMs)
					}
					return
				}

				res, err := a.process(ctx, chunk, opts)
				if err != nil {
					emit(Event{Kind: KindError, Err: err})
					continue
				}

				emit(Event{Kind: KindProbability, Probability: res.Probability})

				switch st {
				case stateIdle:
					if res.IsSpeech {
						st = stateInSpeech
						speechStartMs = chunk.TimestampMs
						lastSpeechMs = chunk.TimestampMs
						silenceStart = 0
						probs = []float64{res.Probability}
						emit(Event{Kind: KindSpeechStart})
					}
				case stateInSpeech:
					probs = append(probs, res.Probability)
					if res.IsSpeech {
						lastSpeechMs = chunk.TimestampMs
						silenceStart = 0
						continue
					}
					if silenceStart == 0 {
						silenceStart = chunk.TimestampMs
					}
					if chunk.TimestampMs-silenceStart >= opts.MinSilenceDurationMs {
						finishSegment(lastSpeechMs)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (a *Adapter) process(ctx context.Context, chunk ringbuffer.Chunk, opts Options) (processResult, error) {
	params := map[string]interface{}{
		"audio_base64": base64.StdEncoding.EncodeToString(chunk.PCM),
		"sample_rate":  chunk.SampleRate,
		"threshold":    opts.Threshold,
	}
	raw, err := a.harness.CallRPC(ctx, "process", params)
	if err != nil {
		return processResult{}, fmt.Errorf("vad process rpc: %w", err)
	}
	var res processResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return processResult{}, fmt.Errorf("decoding vad result: %w", err)
	}
	return res, nil
}

// Reset asks the helper to clear any internal state.
func (a *Adapter) Reset(ctx context.Context) error {
	_, err := a.harness.CallRPC(ctx, "reset", struct{}{})
	return err
}

// Dispose best-effort resets then shuts the helper down (spec §4.6).
func (a *Adapter) Dispose(ctx context.Context) {
	_ = a.Reset(ctx)
	a.harness.Shutdown(ctx)
}

func average(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
