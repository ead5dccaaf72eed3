// Package channel decides when the bot enters and leaves voice channels. It
// owns at most one session per guild, follows authorized users between
// allowed channels and tears sessions down when nobody worth listening to
// remains.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/auth"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/platform"
	"github.com/MrWong99/voxgate/internal/session"
)

const (
	defaultInactivityTimeout = 5 * time.Minute

	// unauthorizedLeaveDelay is how long the bot lingers in a channel that
	// still has humans but none of them authorized.
	unauthorizedLeaveDelay = 30 * time.Second

	joinTimeout  = 30 * time.Second
	leaveTimeout = 15 * time.Second
)

// Session is the per-guild voice session lifecycle the manager drives.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	MoveTo(ctx context.Context, channelID string) error
	Announce(ctx context.Context, text string) error
	ChannelID() string
	Active() bool
	HasListeners() bool
}

// Factory builds the session for one guild channel. The onActivity callback
// must reach the session's pipeline so voice activity resets the guild's
// inactivity timer.
type Factory func(guildID, channelID string, onActivity func()) Session

// Auth is the authorization surface the manager needs.
type Auth interface {
	IsAuthorized(userID string) bool
	IsChannelAllowed(guildID, channelID string) bool
	UserCount() int
}

// Gateway is the platform surface the manager needs.
type Gateway interface {
	ChannelMembers(guildID, channelID string) (humans, bots []string)
	LeaveChannel(guildID string) error
	SendTextDM(ctx context.Context, userID, content string) error
}

// Voicemail turns text into a Discord voice message delivered over DM.
type Voicemail interface {
	Send(ctx context.Context, userID, text string) error
}

// Compile-time glue checks against the concrete collaborators.
var (
	_ Auth    = (*auth.Store)(nil)
	_ Gateway = (*platform.Client)(nil)
	_ Session = (*session.Controller)(nil)
)

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithAutoJoin enables joining a channel whenever an authorized user enters
// one.
func WithAutoJoin(enabled bool) Option {
	return func(m *Manager) { m.autoJoin = enabled }
}

// WithInactivityTimeout sets how long a session may sit without voice
// activity before the bot leaves. Zero keeps the 5 minute default; negative
// disables the timer.
func WithInactivityTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d != 0 {
			m.inactivityTimeout = d
		}
	}
}

// WithVoicemail enables the voicemail delivery mode.
func WithVoicemail(v Voicemail) Option {
	return func(m *Manager) { m.voicemail = v }
}

// WithNotifyUsers sets the fallback recipients for proactive messages that
// arrive without an explicit user id.
func WithNotifyUsers(ids []string) Option {
	return func(m *Manager) { m.notifyUsers = ids }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager coordinates voice channel presence across guilds. All methods are
// safe for concurrent use; join and leave within one guild are serialized.
type Manager struct {
	factory Factory
	auth    Auth
	gw      Gateway

	autoJoin          bool
	inactivityTimeout time.Duration
	voicemail         Voicemail
	notifyUsers       []string
	log               *slog.Logger

	mu            sync.Mutex
	sessions      map[string]Session
	timers        map[string]*time.Timer
	locks         map[string]*sync.Mutex
	pendingNotify map[string][]string
}

// New creates a Manager. Voice state events must be fed to HandleVoiceState.
func New(factory Factory, authz Auth, gw Gateway, opts ...Option) *Manager {
	m := &Manager{
		factory:           factory,
		auth:              authz,
		gw:                gw,
		inactivityTimeout: defaultInactivityTimeout,
		log:               slog.Default(),
		sessions:          make(map[string]Session),
		timers:            make(map[string]*time.Timer),
		locks:             make(map[string]*sync.Mutex),
		pendingNotify:     make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) guildLock(guildID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[guildID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[guildID] = lock
	}
	return lock
}

// ─── Voice state events ───

// HandleVoiceState reacts to users moving between voice channels. It is the
// gateway's voice state callback.
func (m *Manager) HandleVoiceState(ev platform.VoiceStateChange) {
	if ev.ChannelID != "" && ev.ChannelID != ev.PrevChannelID && !ev.IsBot {
		if m.autoJoin && m.auth.IsAuthorized(ev.UserID) {
			m.tryJoin(ev.GuildID, ev.ChannelID, ev.UserID)
		}
		m.deliverPendingNotify(ev.GuildID, ev.UserID)
	}
	if ev.PrevChannelID != "" && ev.PrevChannelID != ev.ChannelID {
		m.checkShouldLeave(ev.GuildID, ev.PrevChannelID)
	}
}

// tryJoin joins or follows an authorized user into a channel, honouring the
// guild's allowlist.
func (m *Manager) tryJoin(guildID, channelID, userID string) {
	if !m.auth.IsChannelAllowed(guildID, channelID) {
		m.log.Debug("ignoring auto-join, channel not in allowlist",
			"guild_id", guildID, "channel_id", channelID)
		return
	}

	m.mu.Lock()
	sess := m.sessions[guildID]
	m.mu.Unlock()

	if sess != nil {
		if sess.ChannelID() != channelID {
			m.log.Info("following user to channel",
				"guild_id", guildID, "channel_id", channelID, "user_id", userID)
			ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
			defer cancel()
			if err := sess.MoveTo(ctx, channelID); err != nil {
				m.log.Warn("failed to follow user",
					"guild_id", guildID, "channel_id", channelID, "err", err)
				return
			}
		}
		// A pending leave no longer applies with an authorized user present.
		m.cancelInactivityTimer(guildID)
		return
	}

	m.log.Info("auto-joining channel",
		"guild_id", guildID, "channel_id", channelID, "user_id", userID)
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := m.Join(ctx, guildID, channelID); err != nil {
		m.log.Warn("auto-join failed",
			"guild_id", guildID, "channel_id", channelID, "err", err)
	}
}

// checkShouldLeave runs after someone vacated a channel and decides whether
// the bot should stay.
func (m *Manager) checkShouldLeave(guildID, channelID string) {
	humans, _ := m.gw.ChannelMembers(guildID, channelID)

	m.mu.Lock()
	sess := m.sessions[guildID]
	m.mu.Unlock()

	if sess == nil {
		// The bot can be stuck in the channel without a session after a
		// crash mid-join.
		if len(humans) == 0 {
			if err := m.gw.LeaveChannel(guildID); err == nil {
				m.log.Info("cleaned up orphaned voice connection",
					"guild_id", guildID, "channel_id", channelID)
			}
		}
		return
	}
	if sess.ChannelID() != channelID {
		return
	}

	if len(humans) == 0 {
		m.log.Info("no users remaining, leaving", "guild_id", guildID, "channel_id", channelID)
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		m.Leave(ctx, guildID)
		return
	}

	authorized := 0
	for _, id := range humans {
		if m.auth.IsAuthorized(id) {
			authorized++
		}
	}
	if authorized == 0 && m.auth.UserCount() > 0 {
		m.log.Info("no authorized users remaining, starting leave timer",
			"guild_id", guildID, "channel_id", channelID)
		m.resetInactivityTimer(guildID, unauthorizedLeaveDelay)
	}
}

// ─── Session lifecycle ───

// Join starts a session in the channel, replacing any existing session in
// the guild.
func (m *Manager) Join(ctx context.Context, guildID, channelID string) error {
	lock := m.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	old := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()
	if old != nil {
		old.Stop(ctx)
		observe.DefaultMetrics().ActiveSessions.Add(ctx, -1)
	}

	sess := m.factory(guildID, channelID, func() { m.NotifyActivity(guildID) })
	m.mu.Lock()
	m.sessions[guildID] = sess
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, guildID)
		m.mu.Unlock()
		return fmt.Errorf("channel: start session: %w", err)
	}
	observe.DefaultMetrics().ActiveSessions.Add(ctx, 1)
	m.resetInactivityTimer(guildID, m.inactivityTimeout)
	return nil
}

// Leave stops the guild's session and leaves its voice channel.
func (m *Manager) Leave(ctx context.Context, guildID string) {
	lock := m.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	m.cancelInactivityTimer(guildID)

	m.mu.Lock()
	sess := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()
	if sess != nil {
		sess.Stop(ctx)
		observe.DefaultMetrics().ActiveSessions.Add(ctx, -1)
		m.log.Info("left voice channel", "guild_id", guildID)
	}
}

// Session returns the guild's active session, or nil.
func (m *Manager) Session(guildID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID]
}

// SessionCount returns the number of active sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown leaves every voice channel.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	guilds := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		guilds = append(guilds, id)
	}
	m.mu.Unlock()
	for _, id := range guilds {
		m.Leave(ctx, id)
	}
}

// ─── Inactivity timers ───

// NotifyActivity resets the guild's inactivity timer. Wired into each
// session's pipeline as the activity callback.
func (m *Manager) NotifyActivity(guildID string) {
	m.mu.Lock()
	_, ok := m.sessions[guildID]
	m.mu.Unlock()
	if ok {
		m.resetInactivityTimer(guildID, m.inactivityTimeout)
	}
}

func (m *Manager) resetInactivityTimer(guildID string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.timers[guildID]; t != nil {
		t.Stop()
		delete(m.timers, guildID)
	}
	if timeout <= 0 {
		return
	}
	m.timers[guildID] = time.AfterFunc(timeout, func() {
		m.log.Info("inactivity timeout reached", "guild_id", guildID)
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		m.Leave(ctx, guildID)
	})
}

func (m *Manager) cancelInactivityTimer(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.timers[guildID]; t != nil {
		t.Stop()
		delete(m.timers, guildID)
	}
}
