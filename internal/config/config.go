// Package config provides the configuration schema and loader for the
// Voxgate voice gateway.
package config

import "time"

// LogLevel controls log verbosity for the Voxgate process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TTSProviderName selects the speech synthesis backend.
type TTSProviderName string

const (
	TTSElevenLabs TTSProviderName = "elevenlabs"
	TTSPiper      TTSProviderName = "piper"
)

// IsValid reports whether t is a recognised TTS provider name.
func (t TTSProviderName) IsValid() bool {
	return t == TTSElevenLabs || t == TTSPiper
}

// Config is the root configuration structure for Voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Discord  DiscordConfig  `yaml:"discord"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	OpenClaw OpenClawConfig `yaml:"openclaw"`
	STT      STTConfig      `yaml:"stt"`
	TTS      TTSConfig      `yaml:"tts"`
	WakeWord WakeWordConfig `yaml:"wake_word"`
	Auth     AuthConfig     `yaml:"auth"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig holds logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving /metrics and /healthz
	// (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DiscordConfig holds Discord gateway credentials and join behaviour.
type DiscordConfig struct {
	// BotToken is the Discord bot token used by the gateway session.
	BotToken string `yaml:"bot_token"`

	// AutoJoin enables automatically joining voice channels when an
	// authorized user enters one.
	AutoJoin bool `yaml:"auto_join"`

	// InactivityTimeout is how long a session may sit idle before the bot
	// leaves the channel. Zero means the 5 minute default.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

// BridgeConfig describes the connection to the external voice-gateway process.
type BridgeConfig struct {
	// URL is the WebSocket endpoint of the voice bridge
	// (e.g., "ws://127.0.0.1:8765/ws").
	URL string `yaml:"url"`
}

// OpenClawConfig holds settings for the OpenAI-compatible conversation backend.
type OpenClawConfig struct {
	// BaseURL is the chat-completions endpoint base (e.g., "http://127.0.0.1:18789/v1").
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer token sent with every request.
	APIKey string `yaml:"api_key"`

	// AgentID is the default agent routed to when a user has no override.
	AgentID string `yaml:"agent_id"`

	// Model is the model name sent in requests. The backend routes by agent,
	// so this is mostly informational.
	Model string `yaml:"model"`
}

// STTConfig holds speech-to-text settings.
type STTConfig struct {
	// ModelPath is the filesystem path to the whisper.cpp GGML model.
	ModelPath string `yaml:"model_path"`

	// Language is the BCP-47 language hint for transcription. Defaults to "en".
	Language string `yaml:"language"`
}

// TTSConfig holds speech synthesis settings.
type TTSConfig struct {
	// Provider selects the synthesis backend.
	Provider TTSProviderName `yaml:"provider"`

	// APIKey authenticates against hosted providers (ElevenLabs).
	APIKey string `yaml:"api_key"`

	// VoiceID is the provider-specific default voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Model is the provider-specific synthesis model.
	Model string `yaml:"model"`

	// PiperBinary is the path to the piper executable when Provider is "piper".
	PiperBinary string `yaml:"piper_binary"`

	// PiperModel is the path to the piper ONNX voice model.
	PiperModel string `yaml:"piper_model"`

	// TrimLeadingSilence removes near-silent samples from the start of
	// synthesized audio before playback.
	TrimLeadingSilence bool `yaml:"trim_leading_silence"`
}

// WakeWordConfig holds wake-word gating settings.
type WakeWordConfig struct {
	// Enabled turns on wake-word detection.
	Enabled bool `yaml:"enabled"`

	// ModelPath is the path to the ONNX wake-word model.
	ModelPath string `yaml:"model_path"`

	// Phrase is the textual wake phrase matched against transcripts as a
	// fallback when the acoustic model is unavailable.
	Phrase string `yaml:"phrase"`

	// Threshold is the detection score above which the wake word is
	// considered present. Zero means the 0.5 default.
	Threshold float64 `yaml:"threshold"`

	// RequireForUnauthorized gates utterances from users missing from the
	// auth store behind a wake-word detection.
	RequireForUnauthorized bool `yaml:"require_for_unauthorized"`
}

// AuthConfig holds paths for the on-disk authorization and routing store.
type AuthConfig struct {
	// UsersFile is the JSON file holding authorized users and roles.
	UsersFile string `yaml:"users_file"`

	// RoutingFile is the JSON file holding per-user agent routing, voice
	// overrides, and per-guild channel allowlists.
	RoutingFile string `yaml:"routing_file"`

	// BootstrapAdmins lists user ids granted the admin role when the users
	// file does not exist yet.
	BootstrapAdmins []string `yaml:"bootstrap_admins"`
}

// WebhookConfig holds settings for the proactive-message HTTP endpoint.
type WebhookConfig struct {
	// ListenAddr is the TCP address the webhook server listens on
	// (e.g., ":8090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// Token is a shared secret required in the Authorization header.
	Token string `yaml:"token"`

	// DefaultMode is the delivery mode used when a request names none.
	// One of "auto", "live", "notify", "voicemail". Empty means "auto".
	DefaultMode string `yaml:"default_mode"`

	// NotifyUserIDs are the fallback recipients for proactive messages that
	// arrive without an explicit user id.
	NotifyUserIDs []string `yaml:"notify_user_ids"`
}

// PipelineConfig tunes the conversation pipeline.
type PipelineConfig struct {
	// SentenceSilence is the pause inserted between played sentences.
	// Zero means the 150 ms default.
	SentenceSilence time.Duration `yaml:"sentence_silence"`

	// ThinkingSound enables the looping feedback tone while a reply is
	// being prepared.
	ThinkingSound bool `yaml:"thinking_sound"`
}
