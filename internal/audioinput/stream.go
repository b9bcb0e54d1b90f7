// Package audioinput implements the audio input stream (spec component
// C8): it spawns a PCM-producing child process, waits for its readiness
// handshake on stderr, and decodes length-prefixed PCM records from its
// stdout into timestamped audio chunks. Grounded on internal/audio/processor.go's
// stream/buffer plumbing (this package generalizes it from Discord's
// Opus-frame channel to a generic length-prefixed PCM child process) and on
// internal/rpc.Harness's child-process spawn/pipe conventions.
package audioinput

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/voxd/internal/ringbuffer"
)

// maxPendingBytes bounds the stdout record-accumulation buffer (spec §4.8).
const maxPendingBytes = 1 << 20

// ErrPendingOverflow is fatal to the stream (spec §7 kind 6).
var ErrPendingOverflow = fmt.Errorf("audio input pending buffer overflow")

// Config describes the PCM producer child and the stream's audio format.
type Config struct {
	Command    string
	Device     string
	SampleRate int
	Channels   int
	ChunkSize  int
}

// Stream owns one PCM producer child process.
type Stream struct {
	cfg Config
	log *logrus.Entry

	cmd   *exec.Cmd
	start atomic.Int64 // unix-nano of stream start, set once ready
}

// New constructs a stream for the given producer configuration.
func New(cfg Config, log *logrus.Entry) *Stream {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stream{cfg: cfg, log: log}
}

// Start spawns the producer, blocks until its READY handshake appears on
// stderr, then returns a channel of audio chunks and a channel that
// receives at most one terminal error (e.g. pending-buffer overflow).
func (s *Stream) Start(ctx context.Context) (<-chan ringbuffer.Chunk, <-chan error, error) {
	args := []string{
		"--device", s.cfg.Device,
		"--sample-rate", strconv.Itoa(s.cfg.SampleRate),
		"--channels", strconv.Itoa(s.cfg.Channels),
		"--chunk-size", strconv.Itoa(s.cfg.ChunkSize),
	}
	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawning audio producer: %w", err)
	}
	s.cmd = cmd

	stderrReader := bufio.NewReader(stderr)
	if err := s.waitForReady(stderrReader); err != nil {
		_ = cmd.Process.Kill()
		return nil, nil, err
	}
	s.start.Store(time.Now().UnixNano())

	go s.logStderr(stderrReader)

	chunks := make(chan ringbuffer.Chunk)
	errCh := make(chan error, 1)
	go s.readStdout(stdout, chunks, errCh)

	return chunks, errCh, nil
}

// waitForReady reads lines from stderr until one contains "READY".
func (s *Stream) waitForReady(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if strings.Contains(line, "READY") {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("audio producer exited before signalling READY")
			}
			return fmt.Errorf("reading producer stderr: %w", err)
		}
	}
}

func (s *Stream) logStderr(r *bufio.Reader) {
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			s.log.WithField("stream", "stderr").Debug(strings.TrimRight(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}

// readStdout decodes [u32 LE length][payload] records, bounding total
// buffered-but-unconsumed bytes at maxPendingBytes.
func (s *Stream) readStdout(r io.Reader, out chan<- ringbuffer.Chunk, errCh chan<- error) {
	defer close(out)

	var buf bytes.Buffer
	read := make([]byte, 32*1024)

	for {
		n, err := r.Read(read)
		if n > 0 {
			buf.Write(read[:n])
			if buf.Len() > maxPendingBytes {
				errCh <- ErrPendingOverflow
				return
			}
			s.extractRecords(&buf, out)
		}
		if err != nil {
			return
		}
	}
}

func (s *Stream) extractRecords(buf *bytes.Buffer, out chan<- ringbuffer.Chunk) {
	for {
		data := buf.Bytes()
		if len(data) < 4 {
			return
		}
		length := binary.LittleEndian.Uint32(data[:4])
		if uint32(len(data)-4) < length {
			return
		}
		payload := make([]byte, length)
		copy(payload, data[4:4+length])
		buf.Next(int(4 + length))

		startNs := s.start.Load()
		ts := (time.Now().UnixNano() - startNs) / int64(time.Millisecond)
		out <- ringbuffer.Chunk{
			PCM:         payload,
			SampleRate:  s.cfg.SampleRate,
			Channels:    s.cfg.Channels,
			TimestampMs: ts,
		}
	}
}

// Stop signals the producer child to terminate; subsequent stdout reads
// observe EOF and the stream ends cleanly.
func (s *Stream) Stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
}
