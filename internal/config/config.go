// Package config loads the daemon and pipeline configuration from a YAML
// file, environment overlays and built-in defaults, the way the teacher
// loads its .env settings in cmd/discord-voice-mcp/main.go but backed by
// viper for the richer nested schema both subsystems need.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Daemon holds the VQD launch/discovery surface (spec §6.3).
type Daemon struct {
	SocketPath           string `mapstructure:"socketPath"`
	PIDFile              string `mapstructure:"pidFile"`
	LogFile              string `mapstructure:"logFile"`
	MaxQueueSize         int    `mapstructure:"maxQueueSize"`
	MaxWaitTimeMs        int    `mapstructure:"maxWaitTimeMs"`
	InterruptThreshold   int    `mapstructure:"interruptThreshold"`
	InterruptionPolicy   string `mapstructure:"interruptionPolicy"`
	SpeakerTransitionMs  int    `mapstructure:"speakerTransitionMs"`
	ConnectTimeoutMs     int    `mapstructure:"connectTimeoutMs"`
	DaemonStartTimeoutMs int    `mapstructure:"daemonStartTimeoutMs"`
	LogLevel             string `mapstructure:"logLevel"`
}

// Audio holds the capture input settings.
type Audio struct {
	SampleRate int `mapstructure:"sampleRate"`
	Channels   int `mapstructure:"channels"`
	ChunkSize  int `mapstructure:"chunkSize"`
}

// VAD holds the voice-activity hysteresis parameters (spec §4.6).
type VAD struct {
	Threshold           float64 `mapstructure:"threshold"`
	MinSpeechDurationMs int     `mapstructure:"minSpeechDurationMs"`
	MinSilenceDurationMs int    `mapstructure:"minSilenceDurationMs"`
	SpeechPadMs         int     `mapstructure:"speechPadMs"`
}

// STT holds the speech-to-text backend settings.
type STT struct {
	Model              string `mapstructure:"model"`
	Language           string `mapstructure:"language"`
	MaxSpeechDurationS int    `mapstructure:"maxSpeechDurationS"`
}

// Helpers locates the child processes C6/C7/C8 spawn (spec §6.2/§6.4).
// Not named explicitly in the base schema; added so cmd/vcp has somewhere
// to read the interpreter/script/command paths from.
type Helpers struct {
	Interpreter       string `mapstructure:"interpreter"`
	VADScript         string `mapstructure:"vadScript"`
	STTScript         string `mapstructure:"sttScript"`
	AudioInputCommand string `mapstructure:"audioInputCommand"`
	Device            string `mapstructure:"device"`
}

// Config is the fully-resolved configuration for both cmd/vqd and cmd/vcp.
type Config struct {
	Daemon  Daemon  `mapstructure:"daemon"`
	Audio   Audio   `mapstructure:"audio"`
	VAD     VAD     `mapstructure:"vad"`
	STT     STT     `mapstructure:"stt"`
	Helpers Helpers `mapstructure:"helpers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.socketPath", "/tmp/voxd.sock")
	v.SetDefault("daemon.pidFile", "/tmp/voxd.pid")
	v.SetDefault("daemon.logFile", "/tmp/voxd.log")
	v.SetDefault("daemon.maxQueueSize", 50)
	v.SetDefault("daemon.maxWaitTimeMs", 30000)
	v.SetDefault("daemon.interruptThreshold", 80)
	v.SetDefault("daemon.interruptionPolicy", "requeue_front")
	v.SetDefault("daemon.speakerTransitionMs", 300)
	v.SetDefault("daemon.connectTimeoutMs", 1000)
	v.SetDefault("daemon.daemonStartTimeoutMs", 5000)
	v.SetDefault("daemon.logLevel", "info")

	v.SetDefault("audio.sampleRate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.chunkSize", 512)

	v.SetDefault("vad.threshold", 0.5)
	v.SetDefault("vad.minSpeechDurationMs", 250)
	v.SetDefault("vad.minSilenceDurationMs", 1000)
	v.SetDefault("vad.speechPadMs", 300)

	v.SetDefault("stt.model", "base")
	v.SetDefault("stt.language", "en")
	v.SetDefault("stt.maxSpeechDurationS", 30)

	v.SetDefault("helpers.interpreter", "python3")
	v.SetDefault("helpers.vadScript", "./helpers/vad_server.py")
	v.SetDefault("helpers.sttScript", "./helpers/stt_server.py")
	v.SetDefault("helpers.audioInputCommand", "./helpers/audio_input")
	v.SetDefault("helpers.device", "default")
}

// Load reads path (if non-empty and present) layered over defaults and
// VOXD_-prefixed environment overrides, then validates ranges per spec §6.6.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		return fmt.Errorf("audio.sampleRate %d out of range [8000,48000]", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels %d out of range [1,2]", cfg.Audio.Channels)
	}
	if cfg.Audio.ChunkSize < 128 || cfg.Audio.ChunkSize > 4096 {
		return fmt.Errorf("audio.chunkSize %d out of range [128,4096]", cfg.Audio.ChunkSize)
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		return fmt.Errorf("vad.threshold %f out of range [0,1]", cfg.VAD.Threshold)
	}
	if cfg.STT.MaxSpeechDurationS < 1 || cfg.STT.MaxSpeechDurationS > 300 {
		return fmt.Errorf("stt.maxSpeechDurationS %d out of range [1,300]", cfg.STT.MaxSpeechDurationS)
	}
	if cfg.Daemon.MaxQueueSize < 1 {
		return fmt.Errorf("daemon.maxQueueSize must be positive, got %d", cfg.Daemon.MaxQueueSize)
	}
	switch cfg.Daemon.InterruptionPolicy {
	case "drop", "requeue_front", "requeue_priority":
	default:
		return fmt.Errorf("daemon.interruptionPolicy %q invalid", cfg.Daemon.InterruptionPolicy)
	}
	return nil
}
