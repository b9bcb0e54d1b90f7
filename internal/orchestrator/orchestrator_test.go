package orchestrator

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/voxd/internal/audioinput"
	"github.com/fankserver/voxd/internal/events"
	"github.com/fankserver/voxd/internal/ringbuffer"
	"github.com/fankserver/voxd/internal/rpc"
	"github.com/fankserver/voxd/internal/stt"
	"github.com/fankserver/voxd/internal/vad"
)

func TestMeanConfidenceEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, meanConfidence(nil))
}

func TestMeanConfidenceAverages(t *testing.T) {
	got := meanConfidence([]stt.Segment{{Confidence: 0.8}, {Confidence: 0.4}})
	assert.InDelta(t, 0.6, got, 0.0001)
}

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestDispatchFirstHandlerWins(t *testing.T) {
	o := &Orchestrator{log: testLogger()}
	var calledA, calledB bool
	o.RegisterHandler("a", func(ctx context.Context, transcript string, confidence float64) bool {
		calledA = true
		return true
	})
	o.RegisterHandler("b", func(ctx context.Context, transcript string, confidence float64) bool {
		calledB = true
		return true
	})

	o.dispatch(context.Background(), stt.Result{Text: "hello"})
	assert.True(t, calledA)
	assert.False(t, calledB, "chain must stop at the first claiming handler")
}

func TestDispatchFallsThroughToDefaultSink(t *testing.T) {
	o := &Orchestrator{log: testLogger()}
	claimed := false
	o.RegisterHandler("never-claims", func(ctx context.Context, transcript string, confidence float64) bool {
		return false
	})

	assert.NotPanics(t, func() {
		o.dispatch(context.Background(), stt.Result{Text: "unclaimed"})
	})
	assert.False(t, claimed)
}

func TestInvokeHandlerRecoversFromPanic(t *testing.T) {
	o := &Orchestrator{log: testLogger()}
	h := namedHandler{name: "panics", fn: func(ctx context.Context, transcript string, confidence float64) bool {
		panic("boom")
	}}
	var claimed bool
	assert.NotPanics(t, func() {
		claimed = o.invokeHandler(context.Background(), h, "x", 0)
	})
	assert.False(t, claimed)
}

// TestRunEndToEnd drives the full pipeline through real child processes
// (fake shell scripts standing in for the audio producer, VAD helper and
// STT helper) and asserts a transcript reaches a registered handler.
func TestRunEndToEnd(t *testing.T) {
	producer := writeProducerScript(t)
	vadHelper := writeVADHelperScript(t)
	sttHelper := writeSTTHelperScript(t)

	input := audioinput.New(audioinput.Config{Command: producer, Device: "default", SampleRate: 16000, Channels: 1, ChunkSize: 512}, nil)

	vadHarness := rpc.New(rpc.Config{
		Interpreter: "/bin/sh", ScriptPath: vadHelper,
		StartupTimeout: 2 * time.Second, RequestTimeout: 2 * time.Second,
	}, nil, nil)
	vadAdapter := vad.New(vadHarness, nil)

	sttHarness := rpc.New(rpc.Config{
		Interpreter: "/bin/sh", ScriptPath: sttHelper,
		StartupTimeout: 2 * time.Second, RequestTimeout: 2 * time.Second,
	}, nil, nil)
	sttAdapter := stt.New(sttHarness, nil)

	buf := ringbuffer.New(60000, nil)
	bus := events.NewBus(64, nil)
	defer bus.Stop()

	opts := vad.DefaultOptions()
	opts.MinSpeechDurationMs = 20
	opts.MinSilenceDurationMs = 20

	o := New(Config{VADOptions: opts, STTOptions: stt.Options{}, SampleRate: 16000, Channels: 1}, input, vadAdapter, sttAdapter, buf, bus, nil)

	transcripts := make(chan string, 1)
	o.RegisterHandler("capture", func(ctx context.Context, transcript string, confidence float64) bool {
		transcripts <- transcript
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	select {
	case text := <-transcripts:
		assert.Equal(t, "hello world", text)
	case err := <-done:
		t.Fatalf("pipeline exited before producing a transcript: %v", err)
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}

	cancel()
	<-done
}

func writeProducerScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "producer.sh")

	rec := func() string {
		length := make([]byte, 4)
		binary.LittleEndian.PutUint32(length, 4)
		return octal(length) + octal([]byte{0x10, 0x10, 0x10, 0x10})
	}

	var sb []byte
	sb = append(sb, []byte("#!/bin/sh\necho 'producer READY' 1>&2\n")...)
	for i := 0; i < 6; i++ {
		sb = append(sb, []byte("printf '"+rec()+"'\nsleep 0.03\n")...)
	}
	sb = append(sb, []byte("sleep 0.3\n")...)

	require.NoError(t, os.WriteFile(path, sb, 0o755))
	return path
}

func octal(b []byte) string {
	out := ""
	for _, c := range b {
		out += "\\" + octalDigits(c)
	}
	return out
}

func octalDigits(b byte) string {
	const digits = "01234567"
	return string([]byte{'0' + b/64, digits[(b/8)%8], digits[b%8]})
}

// writeVADHelperScript answers every "process" call with is_speech=true for
// calls 2 through 5 (a short speech run bracketed by silence), matching the
// six chunks the producer emits.
func writeVADHelperScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vad.sh")
	counter := filepath.Join(dir, "count")
	require.NoError(t, os.WriteFile(counter, []byte("0"), 0o644))

	script := `#!/bin/sh
COUNTER="` + counter + `"
printf '{"jsonrpc":"2.0","method":"ready","id":null}\n'
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([a-z_]*\)".*/\1/p')
  if [ "$method" = "process" ]; then
    n=$(cat "$COUNTER")
    n=$((n + 1))
    echo "$n" > "$COUNTER"
    if [ "$n" -ge 2 ] && [ "$n" -le 5 ]; then
      speech=true
    else
      speech=false
    fi
    printf '{"jsonrpc":"2.0","id":%s,"result":{"is_speech":%s,"probability":0.9}}\n' "$id" "$speech"
  elif [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
  fi
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeSTTHelperScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stt.sh")
	script := `#!/bin/sh
printf '{"jsonrpc":"2.0","method":"ready","id":null}\n'
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"text":"hello world","segments":[{"text":"hello world","start":0,"end":1,"confidence":0.95}],"language":"en","durationMs":1000,"processingTimeMs":10,"model":"fake"}}\n' "$id"
  fi
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}
