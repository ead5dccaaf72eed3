package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Discord.BotToken == "" {
		errs = append(errs, errors.New("discord.bot_token is required"))
	}
	if cfg.Discord.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("discord.inactivity_timeout %s must not be negative", cfg.Discord.InactivityTimeout))
	}

	if cfg.Bridge.URL == "" {
		errs = append(errs, errors.New("bridge.url is required"))
	} else if !strings.HasPrefix(cfg.Bridge.URL, "ws://") && !strings.HasPrefix(cfg.Bridge.URL, "wss://") {
		errs = append(errs, fmt.Errorf("bridge.url %q must use the ws:// or wss:// scheme", cfg.Bridge.URL))
	}

	if cfg.OpenClaw.BaseURL == "" {
		errs = append(errs, errors.New("openclaw.base_url is required"))
	}

	if cfg.STT.ModelPath == "" {
		errs = append(errs, errors.New("stt.model_path is required"))
	}

	if cfg.TTS.Provider != "" && !cfg.TTS.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("tts.provider %q is invalid; valid values: elevenlabs, piper", cfg.TTS.Provider))
	}
	switch cfg.TTS.Provider {
	case TTSElevenLabs:
		if cfg.TTS.APIKey == "" {
			errs = append(errs, errors.New("tts.api_key is required when tts.provider is elevenlabs"))
		}
	case TTSPiper:
		if cfg.TTS.PiperModel == "" {
			errs = append(errs, errors.New("tts.piper_model is required when tts.provider is piper"))
		}
	}

	if cfg.WakeWord.Enabled && cfg.WakeWord.ModelPath == "" && cfg.WakeWord.Phrase == "" {
		errs = append(errs, errors.New("wake_word requires model_path or phrase when enabled"))
	}
	if cfg.WakeWord.Threshold < 0 || cfg.WakeWord.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wake_word.threshold %.2f is out of range [0, 1]", cfg.WakeWord.Threshold))
	}

	if cfg.Webhook.ListenAddr != "" && cfg.Webhook.Token == "" {
		slog.Warn("webhook.listen_addr is set without webhook.token; the endpoint will accept unauthenticated requests")
	}
	switch cfg.Webhook.DefaultMode {
	case "", "auto", "live", "notify", "voicemail":
	default:
		errs = append(errs, fmt.Errorf("webhook.default_mode %q is invalid; valid values: auto, live, notify, voicemail", cfg.Webhook.DefaultMode))
	}

	if cfg.Auth.UsersFile == "" && len(cfg.Auth.BootstrapAdmins) > 0 {
		errs = append(errs, errors.New("auth.users_file is required when auth.bootstrap_admins is set"))
	}
	if cfg.Auth.UsersFile == "" {
		slog.Warn("auth.users_file is empty; every speaker will be treated as unauthorized")
	}

	if cfg.Pipeline.SentenceSilence < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sentence_silence %s must not be negative", cfg.Pipeline.SentenceSilence))
	}

	return errors.Join(errs...)
}
