package rpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "helper.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

const echoHelperScript = `#!/bin/sh
printf '{"jsonrpc":"2.0","method":"ready","id":null}\n'
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
  fi
done
`

func TestHarnessRoundTrip(t *testing.T) {
	script := writeScript(t, echoHelperScript)
	h := New(Config{
		Interpreter:    "/bin/sh",
		ScriptPath:     script,
		StartupTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	}, nil, nil)
	defer h.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.EnsureStarted(ctx))
	assert.True(t, h.Ready())

	res, err := h.CallRPC(ctx, "process", map[string]any{"sample_rate": 16000})
	require.NoError(t, err)
	assert.Contains(t, string(res), "ok")
}

func TestHarnessStartupTimeout(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nsleep 5\n")
	h := New(Config{
		Interpreter:    "/bin/sh",
		ScriptPath:     script,
		StartupTimeout: 200 * time.Millisecond,
		RequestTimeout: time.Second,
	}, nil, nil)

	err := h.EnsureStarted(context.Background())
	assert.ErrorIs(t, err, ErrStartupTimeout)
}

func TestHarnessCrashRejectsPending(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nprintf '{\"jsonrpc\":\"2.0\",\"method\":\"ready\",\"id\":null}\\n'\nsleep 0.1\nexit 1\n")
	h := New(Config{
		Interpreter:    "/bin/sh",
		ScriptPath:     script,
		StartupTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
	}, nil, nil)

	ctx := context.Background()
	require.NoError(t, h.EnsureStarted(ctx))

	_, err := h.CallRPC(ctx, "process", map[string]any{})
	assert.ErrorIs(t, err, ErrHelperCrashed)
}

func TestHarnessMissingInterpreter(t *testing.T) {
	h := New(Config{
		Interpreter:    "/no/such/interpreter",
		ScriptPath:     "ignored",
		StartupTimeout: time.Second,
	}, nil, nil)

	err := h.EnsureStarted(context.Background())
	assert.ErrorIs(t, err, ErrInterpreterMissing)
}
