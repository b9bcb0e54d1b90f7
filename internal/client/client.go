// Package client is the queue client library (spec component C4): the
// caller-facing counterpart to internal/ipc that auto-starts the daemon,
// correlates request/response traffic over the wire protocol, and
// dispatches push signals (play_now, abort) to registered one-shot/ongoing
// handlers. Grounded on internal/mcp/server.go's line-JSON socket idiom,
// mirrored for the client side of the same protocol.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/voxd/internal/daemon"
	"github.com/fankserver/voxd/internal/ipc"
	"github.com/fankserver/voxd/internal/queue"
)

// Sentinel errors (spec §7 maps these to distinct error-kind categories).
var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrRequestTimeout = errors.New("client: request timed out")
	ErrDaemonAbsent   = errors.New("client: daemon socket absent and autoStart disabled")
	ErrUnknownID      = errors.New("client: unknown item id")
)

// Config mirrors the §6.3 client-relevant config surface.
type Config struct {
	SocketPath           string
	PIDFile              string
	DaemonBinary         string
	ConnectTimeout       time.Duration
	DaemonStartTimeout   time.Duration
	RequestTimeout       time.Duration
	AutoStart            bool
}

// DefaultConfig fills in the §6.3 defaults.
func DefaultConfig(socketPath string) Config {
	return Config{
		SocketPath:         socketPath,
		ConnectTimeout:     time.Second,
		DaemonStartTimeout: 5 * time.Second,
		RequestTimeout:     5 * time.Second,
		AutoStart:          true,
	}
}

// Item is the decoded form of a play_now payload.
type Item struct {
	ID          string
	Text        string
	Priority    int
	VoiceConfig interface{}
	SessionID   string
	AgentID     string
}

// Stats mirrors queue.Stats as delivered on the wire.
type Stats struct {
	QueueLength    int
	CurrentItemID  string
	BandCounts     map[int]int
	TotalProcessed int64
	TotalDropped   int64
	MeanWaitMs     float64
	IsPlaying      bool
}

type pendingResponse struct {
	ch chan ipc.Message
}

// Client is a single connection to the voice queue daemon.
type Client struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	pending map[string]*pendingResponse

	playMu    sync.Mutex
	playWait  chan Item
	onAbort   func(id, reason string)

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a client. Call Connect before any other method.
func New(cfg Config, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		pending: make(map[string]*pendingResponse),
		done:    make(chan struct{}),
	}
}

// Connect dials the daemon socket, auto-starting the daemon first if the
// socket is absent and cfg.AutoStart is set (spec §4.4 "Connection").
func (c *Client) Connect(ctx context.Context) error {
	if _, err := netDialProbe(c.cfg.SocketPath); err != nil {
		if !c.cfg.AutoStart {
			return ErrDaemonAbsent
		}
		if daemon.IsRunning(c.cfg.SocketPath, c.cfg.PIDFile) {
			// A live daemon exists but refused the probe dial; fall through
			// to the regular dial below, which will surface the real error.
		} else if c.cfg.DaemonBinary != "" {
			if err := daemon.StartDetached(c.cfg.DaemonBinary, nil, nil, c.cfg.SocketPath, c.cfg.DaemonStartTimeout); err != nil {
				return fmt.Errorf("auto-starting daemon: %w", err)
			}
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", c.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.SocketPath, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func netDialProbe(path string) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
	}
	return conn, err
}

// Disconnect closes the connection and fails every pending request.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	for id, p := range c.pending {
		close(p.ch)
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var msg ipc.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.log.WithError(err).Warn("malformed message from daemon")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg ipc.Message) {
	switch msg.Type {
	case ipc.MsgPlayNow:
		c.playMu.Lock()
		ch := c.playWait
		c.playWait = nil
		c.playMu.Unlock()
		if ch == nil {
			c.log.Warn("play_now received with no registered waiter, dropping")
			return
		}
		item := Item{ID: msg.ID}
		if msg.Item != nil {
			item = Item{
				ID: msg.Item.ID, Text: msg.Item.Text, Priority: msg.Item.Priority,
				VoiceConfig: msg.Item.VoiceConfig, SessionID: msg.Item.SessionID, AgentID: msg.Item.AgentID,
			}
		}
		ch <- item
		close(ch)

	case ipc.MsgAbort:
		c.playMu.Lock()
		cb := c.onAbort
		c.playMu.Unlock()
		if cb != nil {
			cb(msg.ID, msg.Reason)
		}

	default:
		c.mu.Lock()
		p, ok := c.pending[msg.RequestID]
		if ok {
			delete(c.pending, msg.RequestID)
		}
		c.mu.Unlock()
		if ok {
			p.ch <- msg
			close(p.ch)
		}
	}
}

func (c *Client) request(ctx context.Context, msg ipc.Message) (ipc.Message, error) {
	msg.RequestID = uuid.New().String()

	p := &pendingResponse{ch: make(chan ipc.Message, 1)}
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ipc.Message{}, ErrNotConnected
	}
	c.pending[msg.RequestID] = p
	raw, err := json.Marshal(msg)
	if err != nil {
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		return ipc.Message{}, err
	}
	raw = append(raw, '\n')
	_, werr := c.writer.Write(raw)
	if werr == nil {
		werr = c.writer.Flush()
	}
	c.mu.Unlock()
	if werr != nil {
		return ipc.Message{}, werr
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case resp, ok := <-p.ch:
		if !ok {
			return ipc.Message{}, ErrNotConnected
		}
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		return ipc.Message{}, ErrRequestTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		return ipc.Message{}, ctx.Err()
	}
}

// Enqueue sends an enqueue request and returns the minted item id.
func (c *Client) Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	resp, err := c.request(ctx, ipc.Message{
		Type: ipc.MsgEnqueue,
		Payload: &ipc.EnqueuePayload{
			Text: req.Text, Priority: req.Priority, VoiceConfig: req.VoiceConfig,
			SessionID: req.SessionID, AgentID: req.AgentID, Timeout: req.Timeout.Milliseconds(),
		},
	})
	if err != nil {
		return "", err
	}
	if resp.Type == ipc.MsgError {
		return "", fmt.Errorf("enqueue rejected: %s", resp.Message)
	}
	return resp.ID, nil
}

// WaitForPlaySignal blocks until the daemon signals this client's turn or
// timeoutMs elapses.
func (c *Client) WaitForPlaySignal(timeoutMs int64) (Item, error) {
	ch := make(chan Item, 1)
	c.playMu.Lock()
	c.playWait = ch
	c.playMu.Unlock()

	select {
	case item, ok := <-ch:
		if !ok {
			return Item{}, ErrNotConnected
		}
		return item, nil
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		c.playMu.Lock()
		if c.playWait == ch {
			c.playWait = nil
		}
		c.playMu.Unlock()
		return Item{}, ErrRequestTimeout
	case <-c.done:
		return Item{}, ErrNotConnected
	}
}

// OnAbort registers the callback invoked when the daemon preempts this
// client's current item.
func (c *Client) OnAbort(cb func(id, reason string)) {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.onAbort = cb
}

func (c *Client) reportOnly(msg ipc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	_, _ = c.writer.Write(raw)
	_ = c.writer.Flush()
}

// ReportComplete notifies the daemon that item id finished playing.
func (c *Client) ReportComplete(id string, durationMs int64) {
	c.reportOnly(ipc.Message{Type: ipc.MsgPlaybackComplete, ID: id, DurationMs: durationMs})
}

// ReportFailed notifies the daemon that item id failed to play.
func (c *Client) ReportFailed(id, errMsg string) {
	c.reportOnly(ipc.Message{Type: ipc.MsgPlaybackFailed, ID: id, Error: errMsg})
}

// ReportInterrupted acknowledges a preemption (spec's announce-then-wait
// protocol: the daemon does not advance the queue until this arrives).
func (c *Client) ReportInterrupted(id string) {
	c.reportOnly(ipc.Message{Type: ipc.MsgPlaybackInterrupted, ID: id})
}

// Cancel requests cancellation of a still-queued item.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	resp, err := c.request(ctx, ipc.Message{Type: ipc.MsgCancel, ID: id})
	if err != nil {
		return false, err
	}
	return resp.Type == ipc.MsgCancelled, nil
}

// GetStatus requests the current queue stats snapshot.
func (c *Client) GetStatus(ctx context.Context) (Stats, error) {
	resp, err := c.request(ctx, ipc.Message{Type: ipc.MsgStatus})
	if err != nil {
		return Stats{}, err
	}
	if resp.Stats == nil {
		return Stats{}, fmt.Errorf("status response missing stats")
	}
	s := resp.Stats
	return Stats{
		QueueLength: s.QueueLength, CurrentItemID: s.CurrentItemID, BandCounts: s.BandCounts,
		TotalProcessed: s.TotalProcessed, TotalDropped: s.TotalDropped, MeanWaitMs: s.MeanWaitMs,
		IsPlaying: s.IsPlaying,
	}, nil
}

// RequestShutdown asks the daemon to shut down gracefully.
func (c *Client) RequestShutdown(ctx context.Context) error {
	_, err := c.request(ctx, ipc.Message{Type: ipc.MsgShutdown})
	return err
}
