// Package ipc implements the IPC server (spec component C2): it accepts
// client connections over a local stream socket, frames newline-delimited
// JSON, translates protocol messages into queue operations, and signals
// play turns / aborts. Grounded on internal/mcp/server.go's hand-rolled
// line-JSON protocol (bufio.Scanner reads, json.Marshal+newline writes,
// method-string dispatch) — the teacher reaches for the standard library
// here rather than a generic RPC framework, and this server does the same.
//
// All queue mutation happens on a single goroutine (the "daemon loop"),
// fed by a command channel that per-connection readers, timers and the
// accept loop post work into. This matches spec §5: C1 state is owned
// exclusively by the daemon loop and requires no internal locking.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/voxd/internal/events"
	"github.com/fankserver/voxd/internal/queue"
)

type connection struct {
	id            string
	conn          net.Conn
	currentItemID string
	connectedAt   time.Time
	writer        *bufio.Writer
}

// Server is the queue daemon's IPC front-end.
type Server struct {
	socketPath          string
	speakerTransitionMs time.Duration

	q   *queue.Queue
	bus *events.Bus
	log *logrus.Entry

	listener net.Listener
	commands chan func()
	done     chan struct{}

	// Accessed only from the command-loop goroutine. connOrder is a FIFO
	// rotation of *idle* connection ids: appended when a connection becomes
	// idle (on connect, or on release after completion/failure/interruption)
	// and popped when one is chosen to take the next item. This ensures a
	// connection that just released the floor isn't immediately re-chosen
	// ahead of another connection that has been waiting longer (spec §8
	// scenario 2: the interrupting client, not the just-released one, gets
	// the next play_now).
	conns     map[string]*connection
	connOrder []string

	// OnShutdownRequest is invoked (outside the command loop) when a
	// client sends {type:"shutdown"}; C3 wires this to trigger process exit.
	OnShutdownRequest func()

	wg sync.WaitGroup
}

// New constructs a server bound to socketPath.
func New(socketPath string, speakerTransitionMs time.Duration, q *queue.Queue, bus *events.Bus, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		socketPath:          socketPath,
		speakerTransitionMs: speakerTransitionMs,
		q:                   q,
		bus:                 bus,
		log:                 log,
		commands:            make(chan func(), 64),
		done:                make(chan struct{}),
		conns:               make(map[string]*connection),
	}
	if bus != nil {
		bus.Subscribe(events.TypeInterrupted, func(ev events.Event) {
			data, ok := ev.Data.(queue.InterruptedData)
			if !ok {
				return
			}
			s.commands <- func() { s.broadcastAbort(data) }
		})
	}
	return s
}

// Start unlinks any stale socket file, listens, and begins serving.
func (s *Server) Start(ctx context.Context) error {
	if _, err := os.Stat(s.socketPath); err == nil {
		_ = os.Remove(s.socketPath)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.runCommandLoop()

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

func (s *Server) runCommandLoop() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.commands:
			cmd()
		case <-s.done:
			return
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.WithError(err).Warn("accept failed")
				return
			}
		}
		id := uuid.New().String()
		conn := &connection{id: id, conn: c, connectedAt: time.Now(), writer: bufio.NewWriter(c)}

		s.commands <- func() {
			s.conns[id] = conn
			s.connOrder = append(s.connOrder, id)
		}

		s.wg.Add(1)
		go s.readConnection(conn)
	}
}

// readConnection is the per-connection reader: it maintains a byte
// accumulator, splits on '\n', and parses each line as JSON (spec §4.2).
func (s *Server) readConnection(c *connection) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.commands <- func() {
				s.send(c, Message{Type: MsgError, Message: "malformed json", RequestID: msg.RequestID})
			}
			continue
		}
		cp := msg
		s.commands <- func() { s.handleMessage(c, cp) }
	}

	s.commands <- func() { s.handleDisconnect(c.id) }
}

func (s *Server) handleMessage(c *connection, msg Message) {
	switch msg.Type {
	case MsgEnqueue:
		if msg.Payload == nil {
			s.send(c, Message{Type: MsgError, Message: "missing payload", RequestID: msg.RequestID})
			return
		}
		id, pos := s.q.Enqueue(queue.EnqueueRequest{
			Text:        msg.Payload.Text,
			Priority:    msg.Payload.Priority,
			VoiceConfig: msg.Payload.VoiceConfig,
			SessionID:   msg.Payload.SessionID,
			AgentID:     msg.Payload.AgentID,
			Timeout:     time.Duration(msg.Payload.Timeout) * time.Millisecond,
		})
		s.send(c, Message{Type: MsgQueued, ID: id, Position: pos, RequestID: msg.RequestID})
		s.processQueue()

	case MsgCancel:
		if s.q.Cancel(msg.ID) {
			s.send(c, Message{Type: MsgCancelled, ID: msg.ID, RequestID: msg.RequestID})
		} else {
			s.send(c, Message{Type: MsgError, Message: "unknown id", RequestID: msg.RequestID})
		}

	case MsgStatus:
		st := s.q.GetStats()
		s.send(c, Message{Type: MsgStatusResp, Stats: &StatusPayload{
			QueueLength: st.QueueLength, CurrentItemID: st.CurrentItemID, BandCounts: st.BandCounts,
			TotalProcessed: st.TotalProcessed, TotalDropped: st.TotalDropped, MeanWaitMs: st.MeanWaitMs,
			IsPlaying: st.IsPlaying,
		}, RequestID: msg.RequestID})

	case MsgShutdown:
		s.publish(events.TypeShutdown, nil)
		s.send(c, Message{Type: MsgShutdownAck, RequestID: msg.RequestID})
		if s.OnShutdownRequest != nil {
			go s.OnShutdownRequest()
		}

	case MsgPlaybackComplete:
		s.q.MarkCompleted(msg.ID, msg.DurationMs)
		s.releaseIfHolding(c, msg.ID)
		s.processQueue()

	case MsgPlaybackFailed:
		s.q.MarkFailed(msg.ID, msg.Error)
		s.releaseIfHolding(c, msg.ID)
		s.processQueue()

	case MsgPlaybackInterrupted:
		s.q.HandleInterruption(msg.ID)
		s.releaseIfHolding(c, msg.ID)
		s.processQueue()

	default:
		s.send(c, Message{Type: MsgError, Message: "unknown message type: " + msg.Type, RequestID: msg.RequestID})
	}
}

func (s *Server) releaseIfHolding(c *connection, itemID string) {
	if c.currentItemID == itemID {
		c.currentItemID = ""
		s.connOrder = append(s.connOrder, c.id)
	}
}

// processQueue is invoked after every state change (spec §4.2).
func (s *Server) processQueue() {
	if s.q.IsPlaying() {
		return
	}
	item := s.q.GetNext()
	if item == nil {
		return
	}

	target := s.firstIdleConnection()
	if target == nil {
		// No connection is available to take the item: reinstate it
		// rather than leaving it lost (spec §9 open question / §4.2 step 4).
		s.q.HandleInterruption(item.ID)
		return
	}
	s.removeFromIdle(target.id)

	if s.q.NeedsSpeakerTransition(item) {
		time.AfterFunc(s.speakerTransitionMs, func() {
			s.commands <- func() { s.sendPlayNow(target, item) }
		})
		return
	}
	s.sendPlayNow(target, item)
}

// firstIdleConnection returns the longest-idle connection, i.e. the head of
// the idle rotation (spec §4.2 step 3's "insertion order" read as order of
// becoming available, not raw socket-accept order).
func (s *Server) firstIdleConnection() *connection {
	for len(s.connOrder) > 0 {
		id := s.connOrder[0]
		if c, ok := s.conns[id]; ok {
			return c
		}
		// Stale id left behind by a disconnect race: drop and keep looking.
		s.connOrder = s.connOrder[1:]
	}
	return nil
}

func (s *Server) removeFromIdle(id string) {
	for i, cid := range s.connOrder {
		if cid == id {
			s.connOrder = append(s.connOrder[:i], s.connOrder[i+1:]...)
			return
		}
	}
}

func (s *Server) sendPlayNow(c *connection, item *queue.Item) {
	c.currentItemID = item.ID
	s.send(c, Message{Type: MsgPlayNow, ID: item.ID, Item: &WireItem{
		ID: item.ID, Text: item.Text, Priority: item.Priority, VoiceConfig: item.VoiceConfig,
		SessionID: item.SessionID, AgentID: item.AgentID,
	}})
}

// broadcastAbort sends abort{id,reason} to the connection holding the
// interrupted item without itself altering queue state (spec §4.2).
func (s *Server) broadcastAbort(data queue.InterruptedData) {
	for _, c := range s.conns {
		if c.currentItemID == data.Current.ID {
			s.send(c, Message{Type: MsgAbort, ID: data.Current.ID, Reason: "preempted"})
			return
		}
	}
}

// handleDisconnect synthesises a disconnect failure for any item the
// connection was playing, then advances the queue (spec §4.2, I5).
func (s *Server) handleDisconnect(id string) {
	c, ok := s.conns[id]
	if !ok {
		return
	}
	if c.currentItemID != "" {
		s.q.MarkFailed(c.currentItemID, "client_disconnected")
	}
	delete(s.conns, id)
	s.removeFromIdle(id)
	s.processQueue()
}

func (s *Server) send(c *connection, msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.WithError(err).Error("marshaling outbound message")
		return
	}
	raw = append(raw, '\n')
	if _, err := c.writer.Write(raw); err != nil {
		return
	}
	_ = c.writer.Flush()
}

func (s *Server) publish(t events.Type, data interface{}) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

// Stop closes the listener, sends shutdown_ack to every connection, then
// unlinks the socket file (spec §4.2 socket lifecycle).
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}

	acked := make(chan struct{})
	s.commands <- func() {
		for _, c := range s.conns {
			s.send(c, Message{Type: MsgShutdownAck})
		}
		close(acked)
	}
	select {
	case <-acked:
	case <-time.After(time.Second):
	}

	// Only stop the command loop after the ack-broadcast command above has
	// been processed, so the two can never race.
	close(s.done)

	_ = os.Remove(s.socketPath)
	s.wg.Wait()
}
