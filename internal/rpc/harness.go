// Package rpc implements the subprocess RPC harness (spec component C5): a
// reusable supervisor for long-running helper processes reached over
// stdin/stdout via line-delimited JSON-RPC 2.0. It underlies both the VAD
// and STT adapters.
//
// Grounded on pkg/transcriber/faster_whisper.go's os/exec child-process
// patterns (env-var composition, stdin/stdout piping) and
// internal/mcp/server.go's hand-rolled line-JSON framing (bufio reads,
// json.Marshal writes, no third-party JSON-RPC library) — the teacher
// reaches for the standard library on both ends of this exact problem, so
// this harness does too rather than adopting a generic JSON-RPC package.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// maxAccumulatorBytes is the longest stdout line the harness accepts; a
// longer line is discarded with a warning (spec §3.8 / §4.5).
const maxAccumulatorBytes = 1 << 20

var (
	ErrHelperCrashed    = fmt.Errorf("helper process crashed")
	ErrStartupTimeout   = fmt.Errorf("helper process startup timed out")
	ErrRequestTimeout   = fmt.Errorf("rpc request timed out")
	ErrShuttingDown     = fmt.Errorf("process shutdown")
	ErrInterpreterMissing = fmt.Errorf("interpreter not found")
)

// Config describes how to spawn and supervise a helper process.
type Config struct {
	Interpreter    string
	ScriptPath     string
	Args           []string
	EnvOverlay     map[string]string
	StartupTimeout time.Duration
	RequestTimeout time.Duration
	// Prerequisite is an adapter-specific hook checked before spawn (spec
	// §4.5 step 1, "adapter-specific environment prerequisites").
	Prerequisite func() error
}

// NotificationHandler receives server-pushed notifications that are not
// responses to a call (e.g. STT's stream_event).
type NotificationHandler func(method string, params json.RawMessage)

type pendingCall struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Harness supervises one helper process.
type Harness struct {
	cfg Config
	log *logrus.Entry

	onNotify NotificationHandler

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	ready   atomic.Bool
	nextID  int64
	pending map[int64]*pendingCall
}

// New constructs a harness. Call EnsureStarted (or just CallRPC, which
// starts lazily) to spawn the child.
func New(cfg Config, onNotify NotificationHandler, log *logrus.Entry) *Harness {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Harness{cfg: cfg, onNotify: onNotify, log: log, pending: make(map[int64]*pendingCall)}
}

// EnsureStarted spawns the child if it is not already running and blocks
// until the helper reports ready or cfg.StartupTimeout elapses.
func (h *Harness) EnsureStarted(ctx context.Context) error {
	h.mu.Lock()
	if h.cmd != nil {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if h.cfg.Prerequisite != nil {
		if err := h.cfg.Prerequisite(); err != nil {
			return fmt.Errorf("prerequisite check failed: %w", err)
		}
	}
	if _, err := exec.LookPath(h.cfg.Interpreter); err != nil {
		if _, statErr := os.Stat(h.cfg.Interpreter); statErr != nil {
			return ErrInterpreterMissing
		}
	}

	args := append([]string{h.cfg.ScriptPath}, h.cfg.Args...)
	cmd := exec.CommandContext(context.Background(), h.cfg.Interpreter, args...)
	cmd.Env = h.composeEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning helper: %w", err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.stdin = stdin
	h.ready.Store(false)
	h.mu.Unlock()

	go h.readStdout(stdout)
	go h.readStderr(stderr)
	go h.watchExit(cmd)

	deadline := time.Now().Add(h.cfg.StartupTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.ready.Load() {
			return nil
		}
		if time.Now().After(deadline) {
			h.killLocked()
			return ErrStartupTimeout
		}
		select {
		case <-ctx.Done():
			h.killLocked()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Harness) composeEnv() []string {
	env := os.Environ()
	for k, v := range h.cfg.EnvOverlay {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// readStdout is the bounded line-accumulator read loop (spec §4.5 step 4 /
// §3.8): on overflow it clears the buffer and logs rather than blocking or
// crashing, matching P9.
func (h *Harness) readStdout(r io.Reader) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var acc bytes.Buffer

	for {
		chunk, err := reader.ReadBytes('\n')
		acc.Write(chunk)

		if acc.Len() > maxAccumulatorBytes {
			h.log.Warn("rpc stdout accumulator overflow, clearing")
			acc.Reset()
		} else if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			line := bytes.TrimRight(acc.Bytes(), "\r\n")
			if len(line) > 0 {
				h.handleLine(line)
			}
			acc.Reset()
		}

		if err != nil {
			return
		}
	}
}

func (h *Harness) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.log.WithField("stream", "stderr").Debug(scanner.Text())
	}
}

func (h *Harness) handleLine(line []byte) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		h.log.WithError(err).Warn("malformed rpc line from helper")
		return
	}

	if msg.Method == "ready" && msg.ID == nil {
		h.ready.Store(true)
		return
	}

	if msg.ID != nil && msg.Method == "" {
		h.mu.Lock()
		pc, ok := h.pending[*msg.ID]
		if ok {
			delete(h.pending, *msg.ID)
		}
		h.mu.Unlock()
		if !ok {
			return
		}
		if msg.Error != nil {
			pc.errCh <- fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message)
		} else {
			pc.resultCh <- msg.Result
		}
		return
	}

	if msg.Method != "" && h.onNotify != nil {
		h.onNotify(msg.Method, msg.Params)
	}
}

func (h *Harness) watchExit(cmd *exec.Cmd) {
	_ = cmd.Wait()

	h.mu.Lock()
	h.cmd = nil
	h.ready.Store(false)
	pending := h.pending
	h.pending = make(map[int64]*pendingCall)
	h.mu.Unlock()

	for _, pc := range pending {
		pc.errCh <- ErrHelperCrashed
	}
}

// CallRPC assigns a request id, sends the request, and blocks for a
// response up to cfg.RequestTimeout. A timeout frees the pending slot
// without killing the helper (spec §5 cancellation policy).
func (h *Harness) CallRPC(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := h.EnsureStarted(ctx); err != nil {
		return nil, err
	}

	id := atomic.AddInt64(&h.nextID, 1)
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}

	pc := &pendingCall{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}

	h.mu.Lock()
	if h.stdin == nil {
		h.mu.Unlock()
		return nil, ErrHelperCrashed
	}
	h.pending[id] = pc
	stdin := h.stdin
	h.mu.Unlock()

	req := wireMessage{JSONRPC: "2.0", Method: method, Params: raw, ID: &id}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	line = append(line, '\n')

	if _, err := stdin.Write(line); err != nil {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	select {
	case res := <-pc.resultCh:
		return res, nil
	case err := <-pc.errCh:
		return nil, err
	case <-time.After(h.cfg.RequestTimeout):
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SendNotification writes a JSON-RPC object without an id; no response is
// expected or correlated.
func (h *Harness) SendNotification(method string, params interface{}) error {
	h.mu.Lock()
	stdin := h.stdin
	h.mu.Unlock()
	if stdin == nil {
		return ErrHelperCrashed
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	msg := wireMessage{JSONRPC: "2.0", Method: method, Params: raw}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	line = append(line, '\n')
	_, err = stdin.Write(line)
	return err
}

// Shutdown attempts a graceful RPC shutdown, then kills the child and
// rejects any pending requests.
func (h *Harness) Shutdown(ctx context.Context) {
	h.mu.Lock()
	running := h.cmd != nil
	h.mu.Unlock()
	if !running {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _ = h.CallRPC(shutdownCtx, "shutdown", struct{}{})

	h.mu.Lock()
	h.killLocked()
	pending := h.pending
	h.pending = make(map[int64]*pendingCall)
	h.mu.Unlock()

	for _, pc := range pending {
		pc.errCh <- ErrShuttingDown
	}
}

func (h *Harness) killLocked() {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	h.cmd = nil
	h.ready.Store(false)
}

// Ready reports whether the helper has completed its ready handshake.
func (h *Harness) Ready() bool {
	return h.ready.Load()
}
