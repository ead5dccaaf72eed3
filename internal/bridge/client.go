// Package bridge maintains the WebSocket connection to the external
// voice-gateway process and fans inbound events out to per-guild
// subscribers.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/internal/observe"
)

// Sentinel errors returned by client operations.
var (
	// ErrNotConnected is returned when a send is attempted while the socket
	// is down. Callers treat it as non-fatal; the client reconnects on its own.
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrTimeout is returned when a wait operation exceeds its deadline.
	ErrTimeout = errors.New("bridge: timed out")
)

const (
	reconnectBase = 2 * time.Second
	reconnectMax  = 60 * time.Second

	// Audio segments can span many seconds of 48 kHz stereo PCM.
	readLimit = 32 << 20

	defaultPlayTimeout = 120 * time.Second
)

// AudioFunc receives one decoded speech segment from one user.
type AudioFunc func(userID string, pcm []byte)

// SpeakingFunc is invoked when a user starts speaking loudly during playback.
type SpeakingFunc func(userID string, rms float64)

// ReconnectFunc is invoked after the socket has been re-established so the
// session can re-issue join and voice credentials.
type ReconnectFunc func()

// guildHooks holds the single subscriber of each kind for one guild.
type guildHooks struct {
	audio     AudioFunc
	speaking  SpeakingFunc
	reconnect ReconnectFunc
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithPlayTimeout overrides the default 120 s play_done wait.
func WithPlayTimeout(d time.Duration) Option {
	return func(c *Client) { c.playTimeout = d }
}

// Client owns the single WebSocket to the voice bridge. All guilds share the
// connection; outbound writes are serialized by an internal mutex, and inbound
// frames are dispatched to the callbacks registered per guild.
type Client struct {
	url         string
	log         *slog.Logger
	playTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{} // closed while the socket is open; swapped on loss
	hooks     map[string]*guildHooks
	dave      map[string]bool
	readyCh   map[string]chan error // one waiter per guild
	playCh    map[string]chan error // one waiter per guild; plays are serialized by callers

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

// New creates a Client for the given ws:// or wss:// URL. Call Start to
// connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		log:         slog.Default(),
		playTimeout: defaultPlayTimeout,
		connected:   make(chan struct{}),
		hooks:       make(map[string]*guildHooks),
		dave:        make(map[string]bool),
		readyCh:     make(map[string]chan error),
		playCh:      make(map[string]chan error),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start launches the connect/read loop. Idempotent.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.run(ctx)
	})
}

// Stop closes the socket and cancels the run loop. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "shutting down")
		}
		<-c.done
	})
}

// WaitConnected blocks until the socket reaches the OPEN state or the timeout
// expires.
func (c *Client) WaitConnected(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	ch := c.connected
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no bridge connection after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join asks the bridge to connect to a voice channel. Callers must forward
// the captured voice_state and voice_server events after Join and before
// WaitReady.
func (c *Client) Join(ctx context.Context, guildID, channelID, userID, sessionID string) error {
	return c.send(ctx, joinFrame{
		Op:        opJoin,
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
		SessionID: sessionID,
	})
}

// ForwardVoiceState forwards the raw platform VOICE_STATE_UPDATE body.
func (c *Client) ForwardVoiceState(ctx context.Context, raw json.RawMessage) error {
	return c.send(ctx, credentialFrame{Op: opVoiceStateUpdate, D: raw})
}

// ForwardVoiceServer forwards the raw platform VOICE_SERVER_UPDATE body.
func (c *Client) ForwardVoiceServer(ctx context.Context, raw json.RawMessage) error {
	return c.send(ctx, credentialFrame{Op: opVoiceServerUpdate, D: raw})
}

// WaitReady blocks until the bridge reports the guild's voice connection as
// ready, the timeout expires, or the socket is lost.
func (c *Client) WaitReady(ctx context.Context, guildID string, timeout time.Duration) error {
	ch := make(chan error, 1)
	c.mu.Lock()
	c.readyCh[guildID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.readyCh[guildID] == ch {
			delete(c.readyCh, guildID)
		}
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: no ready for guild %s after %s", ErrTimeout, guildID, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Play sends audio for playback and blocks until the bridge reports
// play_done, the play timeout expires, or the socket is lost. Concurrent
// plays for the same guild must be serialized by the caller.
func (c *Client) Play(ctx context.Context, guildID string, audio []byte, format string) error {
	ch := make(chan error, 1)
	c.mu.Lock()
	c.playCh[guildID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.playCh[guildID] == ch {
			delete(c.playCh, guildID)
		}
		c.mu.Unlock()
	}()

	if err := c.send(ctx, playFrame{
		Op:      opPlay,
		GuildID: guildID,
		Audio:   base64.StdEncoding.EncodeToString(audio),
		Format:  format,
	}); err != nil {
		return err
	}

	timer := time.NewTimer(c.playTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: no play_done for guild %s after %s", ErrTimeout, guildID, c.playTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PlayLoop sends audio flagged for looped playback and returns without
// waiting. Bridges that ignore the loop flag play the clip once.
func (c *Client) PlayLoop(ctx context.Context, guildID string, audio []byte, format string) error {
	return c.send(ctx, playFrame{
		Op:      opPlay,
		GuildID: guildID,
		Audio:   base64.StdEncoding.EncodeToString(audio),
		Format:  format,
		Loop:    true,
	})
}

// StopPlaying halts current playback. Does not wait for confirmation.
func (c *Client) StopPlaying(ctx context.Context, guildID string, fade bool) error {
	return c.send(ctx, stopFrame{Op: opStop, GuildID: guildID, Fade: fade})
}

// Disconnect tells the bridge to leave the guild's voice channel.
func (c *Client) Disconnect(ctx context.Context, guildID string) error {
	return c.send(ctx, disconnectFrame{Op: opDisconnect, GuildID: guildID})
}

// IsDaveActive reports the end-to-end-encryption status from the most recent
// ready event for the guild.
func (c *Client) IsDaveActive(guildID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dave[guildID]
}

// RegisterAudioCallback sets the audio subscriber for a guild. Exactly one
// subscriber per kind per guild; a second registration overwrites the first.
func (c *Client) RegisterAudioCallback(guildID string, fn AudioFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guildHooks(guildID).audio = fn
}

// RegisterSpeakingCallback sets the speaking_start subscriber for a guild.
func (c *Client) RegisterSpeakingCallback(guildID string, fn SpeakingFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guildHooks(guildID).speaking = fn
}

// RegisterReconnectCallback sets the reconnect subscriber for a guild.
func (c *Client) RegisterReconnectCallback(guildID string, fn ReconnectFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guildHooks(guildID).reconnect = fn
}

// UnregisterGuild removes all subscribers and cached state for a guild.
func (c *Client) UnregisterGuild(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hooks, guildID)
	delete(c.dave, guildID)
}

// guildHooks returns the hook set for a guild, creating it if needed.
// Caller must hold c.mu.
func (c *Client) guildHooks(guildID string) *guildHooks {
	h, ok := c.hooks[guildID]
	if !ok {
		h = &guildHooks{}
		c.hooks[guildID] = h
	}
	return h
}

// ─── Connection management ───────────────────────────────────────────────────

// run dials the bridge and reads frames until the context is cancelled,
// reconnecting with exponential backoff on socket loss.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			wait := backoff(attempts)
			attempts++
			c.log.Warn("bridge dial failed, retrying",
				"url", c.url, "attempt", attempts, "wait", wait, "err", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}
		conn.SetReadLimit(readLimit)
		attempts = 0

		c.mu.Lock()
		c.conn = conn
		close(c.connected)
		reconnectFns := make([]ReconnectFunc, 0, len(c.hooks))
		for _, h := range c.hooks {
			if h.reconnect != nil {
				reconnectFns = append(reconnectFns, h.reconnect)
			}
		}
		c.mu.Unlock()

		c.log.Info("bridge connected", "url", c.url)
		for _, fn := range reconnectFns {
			go fn()
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = make(chan struct{})
		c.mu.Unlock()
		c.failWaiters(ErrNotConnected)

		if ctx.Err() != nil {
			return
		}
		observe.DefaultMetrics().BridgeReconnects.Add(ctx, 1)
		c.log.Warn("bridge connection lost, reconnecting")
	}
}

// backoff returns min(reconnectBase * 2^attempts, reconnectMax).
func backoff(attempts int) time.Duration {
	wait := reconnectBase
	for range attempts {
		wait *= 2
		if wait >= reconnectMax {
			return reconnectMax
		}
	}
	return wait
}

// readLoop reads frames until the socket errors out.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame to the registered guild callbacks.
// Malformed frames and frames for unknown guilds are dropped.
func (c *Client) dispatch(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warn("bridge sent invalid JSON, dropping frame", "err", err)
		return
	}

	switch frame.Op {
	case opReady:
		c.mu.Lock()
		c.dave[frame.GuildID] = frame.Dave
		ch := c.readyCh[frame.GuildID]
		delete(c.readyCh, frame.GuildID)
		c.mu.Unlock()
		if ch != nil {
			ch <- nil
		}

	case opAudio:
		pcm, err := base64.StdEncoding.DecodeString(frame.PCM)
		if err != nil {
			c.log.Warn("bridge audio frame has invalid base64, dropping",
				"guild_id", frame.GuildID, "err", err)
			return
		}
		c.mu.Lock()
		h := c.hooks[frame.GuildID]
		c.mu.Unlock()
		if h != nil && h.audio != nil {
			h.audio(frame.UserID, pcm)
		}

	case opSpeakingStart:
		c.mu.Lock()
		h := c.hooks[frame.GuildID]
		c.mu.Unlock()
		if h != nil && h.speaking != nil {
			h.speaking(frame.UserID, frame.RMS)
		}

	case opPlayDone:
		c.mu.Lock()
		ch := c.playCh[frame.GuildID]
		delete(c.playCh, frame.GuildID)
		c.mu.Unlock()
		if ch != nil {
			ch <- nil
		}

	case opDisconnected:
		c.log.Info("bridge reports voice disconnect", "guild_id", frame.GuildID)
		c.mu.Lock()
		delete(c.dave, frame.GuildID)
		c.mu.Unlock()

	case opError:
		c.log.Error("bridge error", "guild_id", frame.GuildID, "message", frame.Message)

	default:
		c.log.Warn("bridge sent unknown op, dropping frame", "op", frame.Op)
	}
}

// failWaiters unblocks every pending ready and play_done waiter with err so
// callers fall through to their normal error paths.
func (c *Client) failWaiters(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for guild, ch := range c.readyCh {
		ch <- err
		delete(c.readyCh, guild)
	}
	for guild, ch := range c.playCh {
		ch <- err
		delete(c.playCh, guild)
	}
}

// send marshals the frame and writes it as one text message. Writes are
// serialized; the WebSocket is shared across all guilds.
func (c *Client) send(ctx context.Context, frame any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("bridge: marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("bridge: write: %w", err)
	}
	return nil
}
