package bridge

import "encoding/json"

// Wire protocol of the voice-gateway process. Transport is WebSocket text
// frames; every payload is a UTF-8 JSON object with an "op" discriminator.

// Audio container formats accepted by the bridge's play op.
const (
	FormatWAV = "wav"
	FormatOGG = "ogg"
)

// joinFrame asks the bridge to join a voice channel on behalf of the bot user.
type joinFrame struct {
	Op        string `json:"op"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// credentialFrame forwards a raw platform voice event body to the bridge.
// Op is "voice_state_update" or "voice_server_update"; D is the untouched
// event payload as received from the platform gateway.
type credentialFrame struct {
	Op string          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// playFrame carries base64 audio for playback into the guild's channel.
// Loop is only honoured by newer bridge builds; older ones play once.
type playFrame struct {
	Op      string `json:"op"`
	GuildID string `json:"guild_id"`
	Audio   string `json:"audio"`
	Format  string `json:"format"`
	Loop    bool   `json:"loop,omitempty"`
}

// stopFrame halts current playback, optionally with a short fade-out.
type stopFrame struct {
	Op      string `json:"op"`
	GuildID string `json:"guild_id"`
	Fade    bool   `json:"fade,omitempty"`
}

// disconnectFrame tells the bridge to leave the guild's voice channel.
type disconnectFrame struct {
	Op      string `json:"op"`
	GuildID string `json:"guild_id"`
}

// inboundFrame is the union of all messages the bridge sends to us. Fields
// not used by a given op are left at their zero values.
type inboundFrame struct {
	Op      string  `json:"op"`
	GuildID string  `json:"guild_id"`
	UserID  string  `json:"user_id"`
	PCM     string  `json:"pcm"`  // base64, 48 kHz stereo 16-bit LE
	RMS     float64 `json:"rms"`  // speaking_start loudness
	Dave    bool    `json:"dave"` // ready: end-to-end encryption active
	Message string  `json:"message"`
}

const (
	opJoin              = "join"
	opVoiceStateUpdate  = "voice_state_update"
	opVoiceServerUpdate = "voice_server_update"
	opPlay              = "play"
	opStop              = "stop"
	opDisconnect        = "disconnect"

	opReady         = "ready"
	opAudio         = "audio"
	opSpeakingStart = "speaking_start"
	opPlayDone      = "play_done"
	opDisconnected  = "disconnected"
	opError         = "error"
)
