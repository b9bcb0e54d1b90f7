package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemovePIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxd.pid")

	require.NoError(t, WritePIDFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, itoa(os.Getpid()), string(data))

	RemovePIDFile(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func itoa(n int) string {
	return fmtInt(n)
}

func fmtInt(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestIsRunningFalseWhenSocketMissing(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, IsRunning(filepath.Join(dir, "missing.sock"), filepath.Join(dir, "missing.pid")))
}

func TestIsRunningPurgesStaleSocketForDeadPID(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "voxd.sock")
	pidFile := filepath.Join(dir, "voxd.pid")

	require.NoError(t, os.WriteFile(sock, []byte{}, 0o644))
	require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0o644))

	assert.False(t, IsRunning(sock, pidFile))
	_, err := os.Stat(sock)
	assert.True(t, os.IsNotExist(err), "stale socket should be purged")
}

func TestIsRunningTrueForLiveProcess(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "voxd.sock")
	pidFile := filepath.Join(dir, "voxd.pid")

	require.NoError(t, os.WriteFile(sock, []byte{}, 0o644))
	require.NoError(t, WritePIDFile(pidFile))

	assert.True(t, IsRunning(sock, pidFile))
}

func TestWaitForSocketTimesOutWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	err := WaitForSocket(filepath.Join(dir, "never.sock"), 150*time.Millisecond)
	assert.Error(t, err)
}

func TestWaitForSocketSucceedsOnceCreated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appears.sock")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte{}, 0o644)
	}()

	assert.NoError(t, WaitForSocket(path, time.Second))
}
