package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
)

// Delivery modes for proactive messages.
const (
	ModeAuto      = "auto"
	ModeLive      = "live"
	ModeNotify    = "notify"
	ModeVoicemail = "voicemail"
)

const announceTimeout = 2 * time.Minute

// Deliver routes a proactive message to a listener. Mode "live" speaks it
// into an active session, "notify" DMs the user and queues the message for
// their next voice join, "voicemail" sends a recorded voice message, and
// "auto" tries them in that order. It returns the delivery method used.
func (m *Manager) Deliver(ctx context.Context, text, mode, guildID, userID string) (string, error) {
	delivery, err := m.deliver(ctx, text, mode, guildID, userID)
	status := "ok"
	if err != nil {
		status = "error"
	}
	recorded := delivery
	if recorded == "" {
		recorded = mode
	}
	observe.DefaultMetrics().RecordProactiveDelivery(ctx, recorded, status)
	return delivery, err
}

func (m *Manager) deliver(ctx context.Context, text, mode, guildID, userID string) (string, error) {
	switch mode {
	case "", ModeAuto:
		return m.deliverAuto(ctx, text, guildID, userID)
	case ModeLive:
		return m.deliverLive(ctx, text, guildID)
	case ModeNotify:
		return m.deliverNotify(ctx, text, userID)
	case ModeVoicemail:
		return m.deliverVoicemail(ctx, text, userID)
	default:
		return "", fmt.Errorf("channel: unknown delivery mode %q", mode)
	}
}

func (m *Manager) deliverAuto(ctx context.Context, text, guildID, userID string) (string, error) {
	if sess := m.findSessionWithListeners(guildID); sess != nil {
		if err := sess.Announce(ctx, text); err != nil {
			return "", fmt.Errorf("channel: live delivery: %w", err)
		}
		return ModeLive, nil
	}

	userID = m.resolveUserID(userID)
	if userID == "" {
		return "", fmt.Errorf("channel: no active session with listeners and no fallback user configured")
	}
	if delivery, err := m.deliverNotify(ctx, text, userID); err == nil {
		return delivery, nil
	}
	return m.deliverVoicemail(ctx, text, userID)
}

func (m *Manager) deliverLive(ctx context.Context, text, guildID string) (string, error) {
	sess := m.findSessionWithListeners(guildID)
	if sess == nil {
		return "", fmt.Errorf("channel: no active voice session with listeners")
	}
	if err := sess.Announce(ctx, text); err != nil {
		return "", fmt.Errorf("channel: live delivery: %w", err)
	}
	return ModeLive, nil
}

// deliverNotify queues the message for the user's next voice join and sends
// a text DM telling them there is something to hear. A failed DM is not
// fatal; the queued message still plays when they join.
func (m *Manager) deliverNotify(ctx context.Context, text, userID string) (string, error) {
	userID = m.resolveUserID(userID)
	if userID == "" {
		return "", fmt.Errorf("channel: user id required for notify delivery")
	}

	m.mu.Lock()
	m.pendingNotify[userID] = append(m.pendingNotify[userID], text)
	pending := len(m.pendingNotify[userID])
	m.mu.Unlock()
	m.log.Info("queued notify message", "user_id", userID, "pending", pending)

	dm := "I have something to tell you! Join a voice channel to hear it."
	if err := m.gw.SendTextDM(ctx, userID, dm); err != nil {
		m.log.Warn("notify DM failed, message stays queued", "user_id", userID, "err", err)
	}
	return ModeNotify, nil
}

func (m *Manager) deliverVoicemail(ctx context.Context, text, userID string) (string, error) {
	userID = m.resolveUserID(userID)
	if userID == "" {
		return "", fmt.Errorf("channel: user id required for voicemail delivery")
	}
	if m.voicemail == nil {
		return "", fmt.Errorf("channel: voicemail delivery not configured")
	}
	if err := m.voicemail.Send(ctx, userID, text); err != nil {
		return "", fmt.Errorf("channel: voicemail delivery: %w", err)
	}
	return ModeVoicemail, nil
}

// deliverPendingNotify plays queued notify messages once the user shows up
// in voice. Auto-join runs before this, so a session usually exists already.
func (m *Manager) deliverPendingNotify(guildID, userID string) {
	m.mu.Lock()
	pending := m.pendingNotify[userID]
	delete(m.pendingNotify, userID)
	sess := m.sessions[guildID]
	m.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	if sess == nil || !sess.Active() {
		m.mu.Lock()
		m.pendingNotify[userID] = append(pending, m.pendingNotify[userID]...)
		m.mu.Unlock()
		m.log.Warn("no active session to deliver pending notify messages",
			"guild_id", guildID, "user_id", userID, "pending", len(pending))
		return
	}

	m.log.Info("delivering pending notify messages",
		"guild_id", guildID, "user_id", userID, "count", len(pending))
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	for _, text := range pending {
		if err := sess.Announce(ctx, text); err != nil {
			m.log.Warn("pending notify delivery failed",
				"guild_id", guildID, "user_id", userID, "err", err)
			return
		}
	}
}

// findSessionWithListeners prefers the named guild, then any session with
// humans present.
func (m *Manager) findSessionWithListeners(guildID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess := m.sessions[guildID]; sess != nil && sess.Active() && sess.HasListeners() {
		return sess
	}
	for id, sess := range m.sessions {
		if id == guildID {
			continue
		}
		if sess.Active() && sess.HasListeners() {
			return sess
		}
	}
	return nil
}

// resolveUserID falls back to the configured notify recipients when the
// request names nobody.
func (m *Manager) resolveUserID(userID string) string {
	if userID != "" {
		return userID
	}
	if len(m.notifyUsers) > 0 {
		return m.notifyUsers[0]
	}
	return ""
}
