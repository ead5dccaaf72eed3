// Package session owns the lifecycle of one in-channel voice conversation.
// The pipeline is warmed up before the bot joins the channel, so it never
// appears in voice while still deaf.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/bridge"
	"github.com/MrWong99/voxgate/internal/pipeline"
	"github.com/MrWong99/voxgate/internal/platform"
	"github.com/MrWong99/voxgate/internal/sink"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/wakeword"
)

const (
	connectTimeout = 5 * time.Second
	readyTimeout   = 15 * time.Second
	taskGrace      = 2 * time.Second
	compactTimeout = 5 * time.Second
)

// Bridge is the voice bridge surface the controller needs.
type Bridge interface {
	pipeline.Bridge
	WaitConnected(ctx context.Context, timeout time.Duration) error
	Join(ctx context.Context, guildID, channelID, userID, sessionID string) error
	ForwardVoiceState(ctx context.Context, raw json.RawMessage) error
	ForwardVoiceServer(ctx context.Context, raw json.RawMessage) error
	WaitReady(ctx context.Context, guildID string, timeout time.Duration) error
	Disconnect(ctx context.Context, guildID string) error
	IsDaveActive(guildID string) bool
	RegisterAudioCallback(guildID string, fn bridge.AudioFunc)
	RegisterSpeakingCallback(guildID string, fn bridge.SpeakingFunc)
	RegisterReconnectCallback(guildID string, fn bridge.ReconnectFunc)
	UnregisterGuild(guildID string)
}

// Platform is the gateway surface the controller needs.
type Platform interface {
	BotUserID() string
	JoinChannel(ctx context.Context, guildID, channelID string) (platform.Credentials, error)
	LeaveChannel(guildID string) error
	MemberCount(guildID, channelID string) int
	DisplayName(guildID, userID string) string
}

// Compactor asks the LLM backend to summarise a conversation's history.
type Compactor interface {
	Compact(ctx context.Context, sessionID string) error
}

var _ Bridge = (*bridge.Client)(nil)

// Params holds everything a Controller needs. All fields are required
// unless noted.
type Params struct {
	GuildID   string
	ChannelID string

	Bridge   Bridge
	Platform Platform
	Auth     pipeline.Auth
	Chat     pipeline.Chat
	STT      stt.Provider
	TTS      tts.Provider

	// Compactor, when set, is asked to summarise each per-user history at
	// teardown. Usually the same object as Chat.
	Compactor Compactor

	// Wake, when set, gates utterances on the wake word model.
	Wake wakeword.Detector

	// WakePhrase, when set, gates utterances on the transcript.
	WakePhrase *wakeword.PhraseMatcher

	RequireWakeForUnauthorized bool

	// ThinkingSound enables the audible "working on it" loop.
	ThinkingSound bool

	SentenceSilence time.Duration

	// OnActivity is invoked when an utterance passes the authorization
	// gate. Optional.
	OnActivity func()

	Logger *slog.Logger
}

// Controller runs one voice session from join to teardown.
type Controller struct {
	p   Params
	log *slog.Logger

	// chanMu guards channelID and creds, which change on MoveTo.
	chanMu    sync.RWMutex
	channelID string
	creds     platform.Credentials

	active    atomic.Bool
	startTime time.Time

	orch *pipeline.Orchestrator
	sink *sink.Sink

	cancel context.CancelFunc
}

// New creates a Controller. Start must be called to join the channel.
func New(p Params) *Controller {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		p:         p,
		channelID: p.ChannelID,
		log:       log.With("guild_id", p.GuildID, "channel_id", p.ChannelID),
	}
}

// GuildID returns the guild this session runs in.
func (c *Controller) GuildID() string { return c.p.GuildID }

// ChannelID returns the channel the bot currently sits in.
func (c *Controller) ChannelID() string {
	c.chanMu.RLock()
	defer c.chanMu.RUnlock()
	return c.channelID
}

// Active reports whether the session is processing audio.
func (c *Controller) Active() bool { return c.active.Load() }

// StartTime returns when the session went live.
func (c *Controller) StartTime() time.Time { return c.startTime }

// Start warms up the pipeline, joins the voice channel and begins
// listening.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.p.Bridge.WaitConnected(ctx, connectTimeout); err != nil {
		return fmt.Errorf("session: bridge not connected: %w", err)
	}

	// Phase 1: warm up every collaborator while the bot is still outside
	// the channel.
	warmupStart := time.Now()
	var thinkingWAV []byte
	g, warmCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.p.STT.WarmUp(warmCtx) })
	g.Go(func() error { return c.p.TTS.WarmUp(warmCtx) })
	if c.p.Wake != nil {
		g.Go(func() error { return c.p.Wake.WarmUp(warmCtx) })
	}
	if c.p.ThinkingSound {
		g.Go(func() error {
			thinkingWAV = audio.GenerateThinkingSound(audio.DefaultThinkingSound())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("session: warm-up: %w", err)
	}
	c.log.Info("pipeline warm-up complete", "took", time.Since(warmupStart))

	// Phase 2: join voice and hand the credentials to the bridge.
	creds, err := c.p.Platform.JoinChannel(ctx, c.p.GuildID, c.p.ChannelID)
	if err != nil {
		return fmt.Errorf("session: join channel: %w", err)
	}
	c.chanMu.Lock()
	c.creds = creds
	c.chanMu.Unlock()

	if err := c.handshake(ctx, creds); err != nil {
		c.p.Platform.LeaveChannel(c.p.GuildID)
		return err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	opts := []pipeline.Option{
		pipeline.WithRequireWakeForUnauthorized(c.p.RequireWakeForUnauthorized),
		pipeline.WithLogger(c.log),
	}
	if c.p.Wake != nil {
		opts = append(opts, pipeline.WithWakeDetector(c.p.Wake))
	}
	if c.p.WakePhrase != nil {
		opts = append(opts, pipeline.WithWakePhrase(c.p.WakePhrase))
	}
	if len(thinkingWAV) > 0 {
		opts = append(opts, pipeline.WithThinkingSound(thinkingWAV))
	}
	if c.p.SentenceSilence > 0 {
		opts = append(opts, pipeline.WithSentenceSilence(c.p.SentenceSilence))
	}
	if c.p.OnActivity != nil {
		opts = append(opts, pipeline.WithActivityFunc(c.p.OnActivity))
	}

	c.sink = sink.New(func(u sink.Utterance) {
		c.orch.HandleUtterance(sessionCtx, u)
	}, sink.WithLogger(c.log))

	c.orch = pipeline.New(c.p.GuildID, c.p.ChannelID, pipeline.Deps{
		Bridge: c.p.Bridge,
		Gate:   c.sink,
		STT:    c.p.STT,
		TTS:    c.p.TTS,
		Chat:   c.p.Chat,
		Auth:   c.p.Auth,
		MemberCount: func() int {
			return c.p.Platform.MemberCount(c.p.GuildID, c.ChannelID())
		},
		DisplayName: func(userID string) string {
			return c.p.Platform.DisplayName(c.p.GuildID, userID)
		},
	}, opts...)

	c.p.Bridge.RegisterAudioCallback(c.p.GuildID, func(userID string, pcm []byte) {
		if c.active.Load() {
			c.sink.ProcessSegment(userID, pcm)
		}
	})
	c.p.Bridge.RegisterSpeakingCallback(c.p.GuildID, func(userID string, rms float64) {
		if c.active.Load() && rms > sink.PlaybackSpeechThreshold {
			c.orch.Interrupt()
		}
	})
	c.p.Bridge.RegisterReconnectCallback(c.p.GuildID, c.rejoin)

	c.active.Store(true)
	c.startTime = time.Now()
	c.log.Info("voice session started", "dave", c.p.Bridge.IsDaveActive(c.p.GuildID))
	return nil
}

// handshake sends join plus both credential events and waits for the bridge
// to report the voice connection ready.
func (c *Controller) handshake(ctx context.Context, creds platform.Credentials) error {
	if err := c.p.Bridge.Join(ctx, c.p.GuildID, c.ChannelID(), c.p.Platform.BotUserID(), creds.SessionID); err != nil {
		return fmt.Errorf("session: bridge join: %w", err)
	}
	if len(creds.VoiceState) > 0 {
		if err := c.p.Bridge.ForwardVoiceState(ctx, creds.VoiceState); err != nil {
			return fmt.Errorf("session: forward voice state: %w", err)
		}
	}
	if len(creds.VoiceServer) > 0 {
		if err := c.p.Bridge.ForwardVoiceServer(ctx, creds.VoiceServer); err != nil {
			return fmt.Errorf("session: forward voice server: %w", err)
		}
	}
	if err := c.p.Bridge.WaitReady(ctx, c.p.GuildID, readyTimeout); err != nil {
		return fmt.Errorf("session: bridge not ready: %w", err)
	}
	return nil
}

// rejoin re-establishes the voice connection after the bridge socket was
// rebuilt; the bridge side dropped all voice state with the old socket.
func (c *Controller) rejoin() {
	if !c.active.Load() {
		return
	}
	c.log.Info("bridge reconnected, re-establishing voice session")
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout+connectTimeout)
	defer cancel()
	c.chanMu.RLock()
	creds := c.creds
	c.chanMu.RUnlock()
	if err := c.handshake(ctx, creds); err != nil {
		c.log.Error("failed to re-establish voice session", "err", err)
		return
	}
	c.log.Info("voice session re-established")
}

// Announce speaks a proactive message into the channel.
func (c *Controller) Announce(ctx context.Context, text string) error {
	if !c.active.Load() {
		return fmt.Errorf("session: not active")
	}
	return c.orch.Announce(ctx, text)
}

// HasListeners reports whether any humans are in the channel.
func (c *Controller) HasListeners() bool {
	return c.p.Platform.MemberCount(c.p.GuildID, c.ChannelID()) > 0
}

// Stop tears the session down: stop accepting audio, give in-flight
// pipeline runs a short grace period, leave voice and compact histories.
func (c *Controller) Stop(ctx context.Context) {
	if !c.active.CompareAndSwap(true, false) {
		return
	}
	c.p.Bridge.UnregisterGuild(c.p.GuildID)
	c.orch.SetActive(false)

	if !c.orch.Wait(taskGrace) {
		c.log.Warn("pipeline tasks still running after grace period")
	}
	if c.cancel != nil {
		c.cancel()
	}

	if err := c.p.Bridge.Disconnect(ctx, c.p.GuildID); err != nil {
		c.log.Debug("bridge disconnect failed during teardown", "err", err)
	}
	if err := c.p.Platform.LeaveChannel(c.p.GuildID); err != nil {
		c.log.Debug("voice leave failed during teardown", "err", err)
	}

	// History compaction is best effort; the backend may be down.
	if c.p.Compactor != nil {
		for _, id := range c.orch.UserSessionIDs() {
			compactCtx, cancel := context.WithTimeout(context.Background(), compactTimeout)
			if err := c.p.Compactor.Compact(compactCtx, id); err != nil {
				c.log.Debug("history compaction failed", "session_id", id, "err", err)
			}
			cancel()
		}
	}

	c.sink.Close()
	c.log.Info("voice session ended", "duration", time.Since(c.startTime))
}

// MoveTo follows a user into another channel in the same guild. The bridge
// keeps its guild-scoped state; only fresh credentials are forwarded.
func (c *Controller) MoveTo(ctx context.Context, channelID string) error {
	creds, err := c.p.Platform.JoinChannel(ctx, c.p.GuildID, channelID)
	if err != nil {
		return fmt.Errorf("session: move to channel: %w", err)
	}
	c.chanMu.Lock()
	c.creds = creds
	c.channelID = channelID
	c.chanMu.Unlock()
	if err := c.handshake(ctx, creds); err != nil {
		return err
	}
	c.log.Info("moved to channel", "channel_id", channelID)
	return nil
}
