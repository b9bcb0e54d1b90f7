// Command vcp is the Voice Capture Pipeline: it drives microphone audio
// through VAD and STT child processes and dispatches transcripts to
// registered handlers (spec component C10 and its collaborators).
// Grounded on cmd/discord-voice-mcp/main.go's bootstrap idiom.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/voxd/internal/audioinput"
	"github.com/fankserver/voxd/internal/config"
	"github.com/fankserver/voxd/internal/daemon"
	"github.com/fankserver/voxd/internal/events"
	"github.com/fankserver/voxd/internal/orchestrator"
	"github.com/fankserver/voxd/internal/ringbuffer"
	"github.com/fankserver/voxd/internal/rpc"
	"github.com/fankserver/voxd/internal/stt"
	"github.com/fankserver/voxd/internal/vad"
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

	bus := events.NewBus(256, log)
	defer bus.Stop()

	vadHarness := rpc.New(rpc.Config{
		Interpreter:    cfg.Helpers.Interpreter,
		ScriptPath:     cfg.Helpers.VADScript,
		StartupTimeout: 10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}, nil, log)
	vadAdapter := vad.New(vadHarness, log)

	var sttAdapter *stt.Adapter
	sttHarness := rpc.New(rpc.Config{
		Interpreter:    cfg.Helpers.Interpreter,
		ScriptPath:     cfg.Helpers.STTScript,
		StartupTimeout: 30 * time.Second,
		RequestTimeout: 120 * time.Second,
	}, func(method string, params json.RawMessage) {
		if sttAdapter != nil {
			sttAdapter.OnNotification(method, params)
		}
	}, log)
	sttAdapter = stt.New(sttHarness, log)

	input := audioinput.New(audioinput.Config{
		Command:    cfg.Helpers.AudioInputCommand,
		Device:     cfg.Helpers.Device,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		ChunkSize:  cfg.Audio.ChunkSize,
	}, log)

	buf := ringbuffer.New(60000, log)

	vadOpts := vad.Options{
		Threshold:            cfg.VAD.Threshold,
		MinSpeechDurationMs:  int64(cfg.VAD.MinSpeechDurationMs),
		MinSilenceDurationMs: int64(cfg.VAD.MinSilenceDurationMs),
		SpeechPadMs:          int64(cfg.VAD.SpeechPadMs),
	}
	sttOpts := stt.Options{Language: cfg.STT.Language}

	orch := orchestrator.New(orchestrator.Config{
		VADOptions: vadOpts,
		STTOptions: sttOpts,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	}, input, vadAdapter, sttAdapter, buf, bus, log)

	orch.RegisterHandler("console", func(ctx context.Context, transcript string, confidence float64) bool {
		log.WithField("confidence", confidence).Info("transcript: " + transcript)
		return false
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(ctx) }()

	daemon.Run(ctx, log, func() {
		orch.Stop()
		<-runDone
	})
}
