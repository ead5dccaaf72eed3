// Package platform adapts the Discord gateway for the voice session layer.
// It joins voice channels without spinning up discordgo's own voice client,
// captures the raw credential events the external bridge needs, and tracks
// who is in which channel.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

const credentialTimeout = 10 * time.Second

// Credentials holds the two raw gateway events the bridge forwards to
// Discord's voice endpoint.
type Credentials struct {
	SessionID   string
	VoiceState  json.RawMessage
	VoiceServer json.RawMessage
}

// VoiceStateChange describes a user moving between voice channels.
// ChannelID is empty when the user left voice entirely.
type VoiceStateChange struct {
	GuildID       string
	UserID        string
	ChannelID     string
	PrevChannelID string
	IsBot         bool
}

// StateFunc receives voice state changes for all guilds.
type StateFunc func(ev VoiceStateChange)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// credWait collects the two credential events for one pending join.
type credWait struct {
	state  chan json.RawMessage
	server chan json.RawMessage
}

// Client wraps one discordgo gateway session.
type Client struct {
	session *discordgo.Session
	log     *slog.Logger

	mu       sync.Mutex
	waiters  map[string]*credWait
	stateFns []StateFunc
}

// voiceStatePayload is the subset of a raw VOICE_STATE_UPDATE needed to
// route the event.
type voiceStatePayload struct {
	GuildID   string `json:"guild_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// New creates a Client for the given bot token. Open must be called before
// any other method.
func New(token string, opts ...Option) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("platform: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers
	session.StateEnabled = true

	c := &Client{
		session: session,
		log:     slog.Default(),
		waiters: make(map[string]*credWait),
	}
	for _, o := range opts {
		o(c)
	}

	session.AddHandler(c.onRawEvent)
	session.AddHandler(c.onVoiceStateUpdate)
	return c, nil
}

// Open connects to the gateway.
func (c *Client) Open() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("platform: open gateway: %w", err)
	}
	c.log.Info("gateway connected", "user_id", c.BotUserID())
	return nil
}

// Close disconnects from the gateway.
func (c *Client) Close() error {
	return c.session.Close()
}

// BotUserID returns the bot's own user ID.
func (c *Client) BotUserID() string {
	if c.session.State != nil && c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

// OnVoiceStateChange registers a callback for user voice movements. Must be
// called before Open.
func (c *Client) OnVoiceStateChange(fn StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateFns = append(c.stateFns, fn)
}

// ─── Voice join ───

// JoinChannel asks the gateway to move the bot into the channel and waits
// for both credential events. The bot is not unmuted or undeafened; audio
// flows through the external bridge.
func (c *Client) JoinChannel(ctx context.Context, guildID, channelID string) (Credentials, error) {
	wait := &credWait{
		state:  make(chan json.RawMessage, 1),
		server: make(chan json.RawMessage, 1),
	}
	c.mu.Lock()
	c.waiters[guildID] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, guildID)
		c.mu.Unlock()
	}()

	if err := c.session.ChannelVoiceJoinManual(guildID, channelID, false, false); err != nil {
		return Credentials{}, fmt.Errorf("platform: voice join: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, credentialTimeout)
	defer cancel()

	var creds Credentials
	for creds.VoiceState == nil || creds.VoiceServer == nil {
		select {
		case raw := <-wait.state:
			creds.VoiceState = raw
			var payload voiceStatePayload
			if err := json.Unmarshal(raw, &payload); err == nil {
				creds.SessionID = payload.SessionID
			}
		case raw := <-wait.server:
			creds.VoiceServer = raw
		case <-ctx.Done():
			return Credentials{}, fmt.Errorf("platform: waiting for voice credentials: %w", ctx.Err())
		}
	}
	return creds, nil
}

// LeaveChannel moves the bot out of voice in the given guild.
func (c *Client) LeaveChannel(guildID string) error {
	if err := c.session.ChannelVoiceJoinManual(guildID, "", false, false); err != nil {
		return fmt.Errorf("platform: voice leave: %w", err)
	}
	return nil
}

// ─── Event handlers ───

// onRawEvent captures the bot's own credential events before discordgo
// unmarshals them, preserving fields the bridge needs verbatim.
func (c *Client) onRawEvent(_ *discordgo.Session, e *discordgo.Event) {
	switch e.Type {
	case "VOICE_STATE_UPDATE", "VOICE_SERVER_UPDATE":
	default:
		return
	}

	var payload voiceStatePayload
	if err := json.Unmarshal(e.RawData, &payload); err != nil {
		return
	}
	if e.Type == "VOICE_STATE_UPDATE" && payload.UserID != c.BotUserID() {
		return
	}

	c.mu.Lock()
	wait := c.waiters[payload.GuildID]
	c.mu.Unlock()
	if wait == nil {
		return
	}

	raw := append(json.RawMessage(nil), e.RawData...)
	switch e.Type {
	case "VOICE_STATE_UPDATE":
		select {
		case wait.state <- raw:
		default:
		}
	case "VOICE_SERVER_UPDATE":
		select {
		case wait.server <- raw:
		default:
		}
	}
}

func (c *Client) onVoiceStateUpdate(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e.UserID == c.BotUserID() {
		return
	}
	prev := ""
	if e.BeforeUpdate != nil {
		prev = e.BeforeUpdate.ChannelID
	}
	if prev == e.ChannelID {
		// Mute or deafen toggle, not a movement.
		return
	}
	isBot := false
	if e.Member != nil && e.Member.User != nil {
		isBot = e.Member.User.Bot
	}
	ev := VoiceStateChange{
		GuildID:       e.GuildID,
		UserID:        e.UserID,
		ChannelID:     e.ChannelID,
		PrevChannelID: prev,
		IsBot:         isBot,
	}

	c.mu.Lock()
	fns := append([]StateFunc(nil), c.stateFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ─── Channel introspection ───

// ChannelMembers returns the user IDs currently in the channel, split into
// humans and bots.
func (c *Client) ChannelMembers(guildID, channelID string) (humans, bots []string) {
	guild, err := c.session.State.Guild(guildID)
	if err != nil {
		return nil, nil
	}
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		member, err := c.session.State.Member(guildID, vs.UserID)
		if err == nil && member.User != nil && member.User.Bot {
			bots = append(bots, vs.UserID)
			continue
		}
		humans = append(humans, vs.UserID)
	}
	return humans, bots
}

// MemberCount returns the number of non-bot members in the channel.
func (c *Client) MemberCount(guildID, channelID string) int {
	humans, _ := c.ChannelMembers(guildID, channelID)
	return len(humans)
}

// DisplayName resolves a user's guild nickname, falling back to their
// username, falling back to the raw ID.
func (c *Client) DisplayName(guildID, userID string) string {
	member, err := c.session.State.Member(guildID, userID)
	if err == nil {
		if member.Nick != "" {
			return member.Nick
		}
		if member.User != nil && member.User.Username != "" {
			return member.User.Username
		}
	}
	user, err := c.session.User(userID)
	if err == nil && user.Username != "" {
		return user.Username
	}
	return userID
}

// ─── Direct messages ───

// SendVoicemailDM delivers an OGG/Opus clip to a user's DM channel as a
// Discord voice message. Voice messages need the IS_VOICE_MESSAGE flag
// (8192) plus attachment duration and waveform metadata, which discordgo's
// message helpers do not cover, so the three-step upload flow goes through
// the raw API.
func (c *Client) SendVoicemailDM(ctx context.Context, userID string, ogg []byte, durationSecs float64, waveform string) error {
	dm, err := c.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("platform: open dm channel: %w", err)
	}

	// Step 1: request an upload slot.
	type fileReq struct {
		Filename string `json:"filename"`
		FileSize int    `json:"file_size"`
		ID       string `json:"id"`
	}
	attachReq := struct {
		Files []fileReq `json:"files"`
	}{Files: []fileReq{{Filename: "voice-message.ogg", FileSize: len(ogg), ID: "0"}}}

	attachURL := discordgo.EndpointChannel(dm.ID) + "/attachments"
	body, err := c.session.RequestWithBucketID("POST", attachURL, attachReq, attachURL, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("platform: request upload slot: %w", err)
	}
	var attachResp struct {
		Attachments []struct {
			UploadURL      string `json:"upload_url"`
			UploadFilename string `json:"upload_filename"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(body, &attachResp); err != nil {
		return fmt.Errorf("platform: decode upload slot: %w", err)
	}
	if len(attachResp.Attachments) == 0 {
		return fmt.Errorf("platform: no upload slot returned")
	}
	slot := attachResp.Attachments[0]

	// Step 2: upload the clip. The upload URL is pre-signed and takes no
	// bot authentication.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.UploadURL, bytes.NewReader(ogg))
	if err != nil {
		return fmt.Errorf("platform: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/ogg")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform: upload voice message: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("platform: upload failed with status %d", resp.StatusCode)
	}

	// Step 3: send the message referencing the uploaded file.
	type attachment struct {
		ID               string  `json:"id"`
		Filename         string  `json:"filename"`
		UploadedFilename string  `json:"uploaded_filename"`
		DurationSecs     float64 `json:"duration_secs"`
		Waveform         string  `json:"waveform"`
	}
	msgReq := struct {
		Flags       int          `json:"flags"`
		Attachments []attachment `json:"attachments"`
	}{
		Flags: int(discordgo.MessageFlagsIsVoiceMessage),
		Attachments: []attachment{{
			ID:               "0",
			Filename:         "voice-message.ogg",
			UploadedFilename: slot.UploadFilename,
			DurationSecs:     durationSecs,
			Waveform:         waveform,
		}},
	}
	msgURL := discordgo.EndpointChannelMessages(dm.ID)
	if _, err := c.session.RequestWithBucketID("POST", msgURL, msgReq, msgURL, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("platform: send voice message: %w", err)
	}
	c.log.Info("voice message sent", "user_id", userID, "duration_secs", durationSecs)
	return nil
}

// SendTextDM delivers a plain text direct message.
func (c *Client) SendTextDM(ctx context.Context, userID, content string) error {
	dm, err := c.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("platform: open dm channel: %w", err)
	}
	if _, err := c.session.ChannelMessageSend(dm.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("platform: send dm: %w", err)
	}
	return nil
}
