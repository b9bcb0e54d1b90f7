// Package orchestrator wires the capture pipeline together (spec
// component C10): it tees incoming audio into the rolling buffer and the
// VAD stream, wraps extracted segments in WAV for STT, and dispatches
// transcripts through a handler chain. Grounded on
// internal/pipeline/worker.go's event-driven state-machine shape,
// generalised from Discord voice states to the capture-pipeline states
// of spec §3.7/§4.10.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/voxd/internal/audioinput"
	"github.com/fankserver/voxd/internal/events"
	"github.com/fankserver/voxd/internal/ringbuffer"
	"github.com/fankserver/voxd/internal/stt"
	"github.com/fankserver/voxd/internal/vad"
	"github.com/fankserver/voxd/internal/wav"
)

// State is a pipeline FSM state (spec §3.7).
type State string

const (
	StateInitializing State = "initializing"
	StateListening     State = "listening"
	StateCapturing     State = "capturing"
	StateTranscribing  State = "transcribing"
	StateError         State = "error"
	StateShutdown      State = "shutdown"
)

// Handler inspects a transcript and returns true if it claimed it,
// stopping the chain (spec §4.10 "Handler chain").
type Handler func(ctx context.Context, transcript string, confidence float64) bool

// Config bundles the tunables the orchestrator needs beyond its
// collaborators' own config (VAD options, STT options, and the audio
// format used for WAV framing).
type Config struct {
	VADOptions vad.Options
	STTOptions stt.Options
	SampleRate int
	Channels   int
}

// Orchestrator drives the capture pipeline's state machine.
type Orchestrator struct {
	cfg   Config
	input *audioinput.Stream
	vadA  *vad.Adapter
	sttA  *stt.Adapter
	buf   *ringbuffer.Buffer
	bus   *events.Bus
	log   *logrus.Entry

	mu       sync.Mutex
	state    State
	handlers []namedHandler

	cancel context.CancelFunc
}

type namedHandler struct {
	name string
	fn   Handler
}

// New constructs an orchestrator from its already-built collaborators.
func New(cfg Config, input *audioinput.Stream, vadA *vad.Adapter, sttA *stt.Adapter, buf *ringbuffer.Buffer, bus *events.Bus, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		cfg: cfg, input: input, vadA: vadA, sttA: sttA, buf: buf, bus: bus, log: log,
		state: StateInitializing,
	}
}

// RegisterHandler appends a named transcript handler to the chain, in
// registration order (spec §4.10).
func (o *Orchestrator) RegisterHandler(name string, fn Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, namedHandler{name: name, fn: fn})
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.publish(events.TypeStateChange, s)
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) publish(t events.Type, data interface{}) {
	if o.bus != nil {
		o.bus.Publish(t, data)
	}
}

// Run starts the capture pipeline and blocks until ctx is cancelled or an
// unrecoverable error occurs. It opens the audio stream, initialises VAD,
// and tees chunks to both the rolling buffer and the VAD stream.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	if err := o.vadA.Initialize(runCtx); err != nil {
		o.setState(StateError)
		o.publish(events.TypeError, err.Error())
		return fmt.Errorf("initializing VAD: %w", err)
	}

	chunks, audioErrs, err := o.input.Start(runCtx)
	if err != nil {
		o.setState(StateError)
		o.publish(events.TypeError, err.Error())
		return fmt.Errorf("starting audio input: %w", err)
	}

	vadIn := make(chan ringbuffer.Chunk, 16)
	vadEvents := o.vadA.ProcessStream(runCtx, vadIn, o.cfg.VADOptions)

	o.setState(StateListening)

	go o.tee(runCtx, chunks, vadIn)

	for {
		select {
		case <-runCtx.Done():
			o.setState(StateShutdown)
			o.input.Stop()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			o.vadA.Dispose(shutdownCtx)
			o.sttA.Shutdown(shutdownCtx)
			shutdownCancel()
			return nil

		case err, ok := <-audioErrs:
			if !ok {
				continue
			}
			o.log.WithError(err).Error("audio input error")
			o.setState(StateError)
			o.publish(events.TypeError, err.Error())

		case ev, ok := <-vadEvents:
			if !ok {
				return nil
			}
			o.handleVADEvent(runCtx, ev)
		}
	}
}

// tee is the synchronous fan-out described in spec §4.10: each chunk is
// pushed to the rolling buffer and then forwarded to the VAD stream. It
// breaks promptly on ctx cancellation so neither side can block the other.
func (o *Orchestrator) tee(ctx context.Context, in <-chan ringbuffer.Chunk, out chan<- ringbuffer.Chunk) {
	defer close(out)
	for {
		select {
		case c, ok := <-in:
			if !ok {
				return
			}
			o.buf.Push(c)
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handleVADEvent(ctx context.Context, ev vad.Event) {
	switch ev.Kind {
	case vad.KindSpeechStart:
		o.setState(StateCapturing)
		o.publish(events.TypeSpeechStart, ev.Segment)

	case vad.KindSpeechEnd:
		o.publish(events.TypeSpeechEnd, ev.Segment)
		o.transcribeSegment(ctx, ev.Segment)

	case vad.KindError:
		o.log.WithError(ev.Err).Error("vad error")
		o.setState(StateError)
		o.publish(events.TypeError, ev.Err.Error())
	}
}

func (o *Orchestrator) transcribeSegment(ctx context.Context, seg vad.Segment) {
	o.setState(StateTranscribing)

	pcm := o.buf.ExtractSegment(seg.StartMs, seg.EndMs)
	framed := wav.Frame(pcm, o.cfg.SampleRate, o.cfg.Channels)

	result, err := o.sttA.Transcribe(ctx, stt.AudioInput{Buffer: framed}, o.cfg.STTOptions)
	if err != nil {
		o.log.WithError(err).Error("transcription failed")
		o.setState(StateError)
		o.publish(events.TypeError, err.Error())
		o.setState(StateListening)
		return
	}

	o.publish(events.TypeTranscript, result)
	o.dispatch(ctx, result)
	o.setState(StateListening)
}

func (o *Orchestrator) dispatch(ctx context.Context, result stt.Result) {
	confidence := meanConfidence(result.Segments)

	o.mu.Lock()
	chain := append([]namedHandler(nil), o.handlers...)
	o.mu.Unlock()

	for _, h := range chain {
		claimed := o.invokeHandler(ctx, h, result.Text, confidence)
		if claimed {
			return
		}
	}

	o.log.WithField("text", result.Text).Info("transcript: " + result.Text)
}

func (o *Orchestrator) invokeHandler(ctx context.Context, h namedHandler, transcript string, confidence float64) (claimed bool) {
	defer func() {
		if r := recover(); r != nil {
			o.log.WithField("handler", h.name).Errorf("handler panicked: %v", r)
			claimed = false
		}
	}()
	return h.fn(ctx, transcript, confidence)
}

func meanConfidence(segments []stt.Segment) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range segments {
		sum += s.Confidence
	}
	return sum / float64(len(segments))
}

// Stop cancels the pipeline's run context, triggering the shutdown path.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}
