package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/internal/config"
)

const validYAML = `
server:
  log_level: info
discord:
  bot_token: "token"
  auto_join: true
  inactivity_timeout: 5m
bridge:
  url: "ws://127.0.0.1:8765/ws"
openclaw:
  base_url: "http://127.0.0.1:18789/v1"
  api_key: "secret"
  agent_id: "main"
stt:
  model_path: "/models/ggml-base.en.bin"
tts:
  provider: elevenlabs
  api_key: "el-key"
  voice_id: "Rachel"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bridge.URL != "ws://127.0.0.1:8765/ws" {
		t.Errorf("bridge.url = %q", cfg.Bridge.URL)
	}
	if cfg.Discord.InactivityTimeout.Minutes() != 5 {
		t.Errorf("inactivity_timeout = %s, want 5m", cfg.Discord.InactivityTimeout)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\nunknown_section:\n  foo: bar\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_MissingBotToken(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, `bot_token: "token"`, `bot_token: ""`, 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing bot token, got nil")
	}
	if !strings.Contains(err.Error(), "discord.bot_token") {
		t.Errorf("error should mention discord.bot_token, got: %v", err)
	}
}

func TestValidate_BridgeURLScheme(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "ws://127.0.0.1:8765/ws", "http://127.0.0.1:8765/ws", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-websocket bridge URL, got nil")
	}
	if !strings.Contains(err.Error(), "ws://") {
		t.Errorf("error should mention the ws:// scheme, got: %v", err)
	}
}

func TestValidate_ElevenLabsRequiresAPIKey(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, `api_key: "el-key"`, `api_key: ""`, 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for elevenlabs without api key, got nil")
	}
	if !strings.Contains(err.Error(), "tts.api_key") {
		t.Errorf("error should mention tts.api_key, got: %v", err)
	}
}

func TestValidate_PiperRequiresModel(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML,
		"tts:\n  provider: elevenlabs\n  api_key: \"el-key\"\n  voice_id: \"Rachel\"",
		"tts:\n  provider: piper", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for piper without model path, got nil")
	}
	if !strings.Contains(err.Error(), "tts.piper_model") {
		t.Errorf("error should mention tts.piper_model, got: %v", err)
	}
}

func TestValidate_WakeWordNeedsModelOrPhrase(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\nwake_word:\n  enabled: true\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for enabled wake word without model or phrase, got nil")
	}
}

func TestValidate_WakeWordThresholdRange(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\nwake_word:\n  enabled: true\n  phrase: \"hey vox\"\n  threshold: 1.5\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range threshold, got nil")
	}
	if !strings.Contains(err.Error(), "threshold") {
		t.Errorf("error should mention threshold, got: %v", err)
	}
}
