// Command vqd is the Voice Queue Daemon: it owns the priority queue (C1)
// and serves it to clients over a local IPC socket (C2). Grounded on
// cmd/discord-voice-mcp/main.go's flag/env/signal-context bootstrap idiom.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/voxd/internal/config"
	"github.com/fankserver/voxd/internal/daemon"
	"github.com/fankserver/voxd/internal/events"
	"github.com/fankserver/voxd/internal/ipc"
	"github.com/fankserver/voxd/internal/queue"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "path to voxd.yaml")
	flag.Parse()
	_ = godotenv.Load()
}

func main() {
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}

	log := daemon.SetupLogging(cfg.Daemon.LogLevel, cfg.Daemon.LogFile)

	if daemon.IsRunning(cfg.Daemon.SocketPath, cfg.Daemon.PIDFile) {
		log.Fatal("a voice queue daemon is already running")
	}
	if err := daemon.WritePIDFile(cfg.Daemon.PIDFile); err != nil {
		log.WithError(err).Fatal("writing pid file")
	}
	defer daemon.RemovePIDFile(cfg.Daemon.PIDFile)

	bus := events.NewBus(256, log)
	defer bus.Stop()

	q := queue.New(queue.Config{
		MaxQueueSize:       cfg.Daemon.MaxQueueSize,
		InterruptThreshold: cfg.Daemon.InterruptThreshold,
		InterruptionPolicy: queue.InterruptionPolicy(cfg.Daemon.InterruptionPolicy),
	}, bus, log)

	server := ipc.New(cfg.Daemon.SocketPath, time.Duration(cfg.Daemon.SpeakerTransitionMs)*time.Millisecond, q, bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		log.WithError(err).Fatal("starting ipc server")
	}
	log.WithField("socket", cfg.Daemon.SocketPath).Info("voice queue daemon listening")

	server.OnShutdownRequest = func() { cancel() }

	daemon.Run(ctx, log, func() {
		server.Stop()
	})
}
