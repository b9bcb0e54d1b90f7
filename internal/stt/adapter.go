// Package stt implements the speech-to-text adapter (spec component C7):
// batch transcription plus a streaming mode with chunked submission and
// session lifecycle, both over the subprocess RPC harness. Grounded on
// pkg/transcriber/interface.go's Transcriber contract (Transcribe,
// TranscribeWithContext, IsReady, Close) and pkg/transcriber/faster_whisper.go's
// subprocess invocation pattern — generalized from the teacher's one-shot
// exec-per-call subprocess into a persistent, harness-supervised helper
// with a streaming session protocol the teacher does not have.
package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/voxd/internal/rpc"
)

const defaultChunkSize = 32 * 1024

var (
	ErrStreamTimeout = fmt.Errorf("stream transcription timed out")
)

// Options forwarded verbatim to the helper's transcribe RPC.
type Options struct {
	Language       string
	BeamSize       int
	VADFilter      bool
	WordTimestamps bool
	InitialPrompt  string
	Temperature    float64
}

// AudioInput is the discriminated union accepted by Transcribe: exactly one
// of FilePath or Buffer should be set.
type AudioInput struct {
	FilePath string
	Buffer   []byte
}

// Segment is one recognized span within a transcription result.
type Segment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Result is the batch transcription outcome (spec §6.2).
type Result struct {
	Text               string    `json:"text"`
	Segments           []Segment `json:"segments"`
	Language           string    `json:"language"`
	LanguageConfidence float64   `json:"languageConfidence"`
	DurationMs         float64   `json:"durationMs"`
	ProcessingTimeMs   float64   `json:"processingTimeMs"`
	Model              string    `json:"model"`
	WallClockMs        float64   `json:"-"`
}

// LangResult is the outcome of DetectLanguage.
type LangResult struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// StreamEventType enumerates streaming session events (spec §6.2).
type StreamEventType string

const (
	StreamStarted   StreamEventType = "started"
	StreamPartial   StreamEventType = "partial"
	StreamCompleted StreamEventType = "completed"
	StreamError     StreamEventType = "error"
)

// StreamEvent is one item of TranscribeStream's output.
type StreamEvent struct {
	Type  StreamEventType
	Text  string
	Error string
}

// caller is the subset of *rpc.Harness the adapter needs; accepting the
// interface lets tests drive the streaming/session logic with a fake
// responder instead of a real subprocess.
type caller interface {
	CallRPC(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	SendNotification(method string, params interface{}) error
	Shutdown(ctx context.Context)
}

// Adapter drives an STT helper process through the harness.
type Adapter struct {
	harness caller
	log     *logrus.Entry

	mu       sync.Mutex
	sessions map[string]chan json.RawMessage

	streamTimeout time.Duration
}

// New constructs an STT adapter. The harness's notification handler must
// route to Adapter.OnNotification.
func New(h *rpc.Harness, log *logrus.Entry) *Adapter {
	return newAdapter(h, log)
}

func newAdapter(c caller, log *logrus.Entry) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{harness: c, log: log, sessions: make(map[string]chan json.RawMessage), streamTimeout: 120 * time.Second}
}

// OnNotification is the harness's NotificationHandler; it demultiplexes
// stream_event notifications to the right session's channel.
func (a *Adapter) OnNotification(method string, params json.RawMessage) {
	if method != "stream_event" {
		return
	}
	var env struct {
		SessionID string          `json:"session_id"`
		Event     json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(params, &env); err != nil {
		a.log.WithError(err).Warn("malformed stream_event")
		return
	}

	a.mu.Lock()
	ch, ok := a.sessions[env.SessionID]
	a.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env.Event:
	default:
	}
}

// resolveAudio materialises Buffer-backed input to a temp file, returning
// the path to use and a cleanup function that is always safe to call.
func (a *Adapter) resolveAudio(in AudioInput) (path string, cleanup func(), err error) {
	if in.FilePath != "" {
		return in.FilePath, func() {}, nil
	}
	f, err := os.CreateTemp("", "voxd-stt-*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp audio file: %w", err)
	}
	if _, err := f.Write(in.Buffer); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("writing temp audio file: %w", err)
	}
	f.Close()
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// Transcribe performs a batch transcription (spec §4.7).
func (a *Adapter) Transcribe(ctx context.Context, in AudioInput, opts Options) (Result, error) {
	path, cleanup, err := a.resolveAudio(in)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	start := time.Now()
	raw, err := a.harness.CallRPC(ctx, "transcribe", map[string]interface{}{
		"audio_path":      path,
		"language":        opts.Language,
		"beam_size":       opts.BeamSize,
		"vad_filter":      opts.VADFilter,
		"word_timestamps": opts.WordTimestamps,
		"initial_prompt":  opts.InitialPrompt,
		"temperature":     opts.Temperature,
	})
	wall := time.Since(start)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe rpc: %w", err)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("decoding transcribe result: %w", err)
	}
	res.WallClockMs = float64(wall.Milliseconds())
	return res, nil
}

// DetectLanguage identifies the spoken language of an audio file.
func (a *Adapter) DetectLanguage(ctx context.Context, in AudioInput) (LangResult, error) {
	path, cleanup, err := a.resolveAudio(in)
	if err != nil {
		return LangResult{}, err
	}
	defer cleanup()

	raw, err := a.harness.CallRPC(ctx, "detect_language", map[string]interface{}{"audio_path": path})
	if err != nil {
		return LangResult{}, fmt.Errorf("detect_language rpc: %w", err)
	}
	var res LangResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return LangResult{}, fmt.Errorf("decoding language result: %w", err)
	}
	return res, nil
}

// TranscribeStream chunks the audio, submits it over notifications, and
// yields stream events in order until completed/error or streamTimeout
// elapses (spec §4.7).
func (a *Adapter) TranscribeStream(ctx context.Context, in AudioInput, opts Options) (<-chan StreamEvent, error) {
	path, cleanup, err := a.resolveAudio(in)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	raw, err := os.ReadFile(path)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("reading audio for stream: %w", err)
	}

	if _, err := a.harness.CallRPC(ctx, "start_stream", map[string]interface{}{
		"session_id": sessionID,
		"options":    opts,
	}); err != nil {
		cleanup()
		return nil, fmt.Errorf("start_stream rpc: %w", err)
	}

	notifyCh := make(chan json.RawMessage, 32)
	a.mu.Lock()
	a.sessions[sessionID] = notifyCh
	a.mu.Unlock()

	out := make(chan StreamEvent, 8)
	out <- StreamEvent{Type: StreamStarted}

	go a.pumpStream(ctx, sessionID, raw, notifyCh, out, cleanup)

	return out, nil
}

func (a *Adapter) pumpStream(ctx context.Context, sessionID string, audio []byte, notifyCh chan json.RawMessage, out chan StreamEvent, cleanup func()) {
	defer cleanup()
	defer close(out)
	defer func() {
		a.mu.Lock()
		delete(a.sessions, sessionID)
		a.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.submitChunks(sessionID, audio)
	}()

	timeout := time.NewTimer(a.streamTimeout)
	defer timeout.Stop()

	for {
		select {
		case raw := <-notifyCh:
			var ev struct {
				Type  string `json:"type"`
				Text  string `json:"text"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			se := StreamEvent{Type: StreamEventType(ev.Type), Text: ev.Text, Error: ev.Error}
			out <- se
			if se.Type == StreamCompleted || se.Type == StreamError {
				return
			}
		case <-timeout.C:
			_, _ = a.harness.CallRPC(ctx, "cancel_stream", map[string]interface{}{"session_id": sessionID})
			out <- StreamEvent{Type: StreamError, Error: ErrStreamTimeout.Error()}
			return
		case <-ctx.Done():
			_, _ = a.harness.CallRPC(context.Background(), "cancel_stream", map[string]interface{}{"session_id": sessionID})
			out <- StreamEvent{Type: StreamError, Error: ctx.Err().Error()}
			return
		}
	}
}

func (a *Adapter) submitChunks(sessionID string, audio []byte) {
	for i := 0; i < len(audio); i += defaultChunkSize {
		end := i + defaultChunkSize
		isFinal := end >= len(audio)
		if end > len(audio) {
			end = len(audio)
		}
		chunk := audio[i:end]
		err := a.harness.SendNotification("audio_chunk", map[string]interface{}{
			"session_id":   sessionID,
			"chunk_base64": base64.StdEncoding.EncodeToString(chunk),
			"is_final":     isFinal,
		})
		if err != nil {
			a.log.WithError(err).Warn("failed to submit audio chunk")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Shutdown tears down the underlying helper process.
func (a *Adapter) Shutdown(ctx context.Context) {
	a.harness.Shutdown(ctx)
}
