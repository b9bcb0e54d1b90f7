// Package daemon implements the daemon lifecycle (spec component C3) and
// the launch/discovery helpers the client library needs (spec §6.3): PID
// file management, signal handling, best-effort logging, and the
// isDaemonRunning/startDaemon/stopDaemon trio. Grounded on
// cmd/discord-voice-mcp/main.go's signal.NotifyContext-based graceful
// shutdown and logrus setup, extended with the PID-file bookkeeping the
// teacher's single always-foreground bot process never needed.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// WritePIDFile writes the current process id to path.
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePIDFile best-effort unlinks path.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// SetupLogging configures logrus the way cmd/discord-voice-mcp/main.go
// does (text formatter, level from config), additionally appending
// best-effort to logFile when non-empty; file write errors are ignored
// per spec §4.3.
func SetupLogging(level, logFile string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			logger.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	return logrus.NewEntry(logger)
}

// Run installs SIGINT/SIGTERM handling and invokes onShutdown exactly once
// when a signal arrives or ctx is otherwise cancelled, then returns once
// onShutdown returns. It does not exit the process itself; a main that
// returns after Run exits with code 0 (spec §4.3).
func Run(ctx context.Context, log *logrus.Entry, onShutdown func()) {
	notifyCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-notifyCtx.Done()
	log.Info("shutdown signal received, stopping")
	onShutdown()
	log.Info("shutdown complete")
}

// IsRunning reports whether a daemon appears to be alive at socketPath per
// §6.3: both the socket and PID files must exist and the PID must be live.
// Stale files are purged as a side effect of a negative answer.
func IsRunning(socketPath, pidFile string) bool {
	if _, err := os.Stat(socketPath); err != nil {
		return false
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		_ = os.Remove(socketPath)
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		_ = os.Remove(socketPath)
		_ = os.Remove(pidFile)
		return false
	}
	if err := unix.Kill(pid, 0); err != nil {
		_ = os.Remove(socketPath)
		_ = os.Remove(pidFile)
		return false
	}
	return true
}

// StartDetached spawns binaryPath as a detached background process,
// inheriting env, and waits up to startTimeout for socketPath to appear.
func StartDetached(binaryPath string, args []string, env []string, socketPath string, startTimeout time.Duration) error {
	cmd := exec.Command(binaryPath, args...)
	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("detaching daemon process: %w", err)
	}
	return WaitForSocket(socketPath, startTimeout)
}

// WaitForSocket polls every 100ms until path exists or timeout elapses.
func WaitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for socket %s", path)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// StopProcess sends SIGTERM to pid and polls for exit up to timeout.
func StopProcess(pid int, timeout time.Duration) error {
	if err := unix.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("pid %d did not exit within %s", pid, timeout)
}
