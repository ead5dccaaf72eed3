// Package auth holds the persistent user authorization and agent routing
// store. Authorization is fail-closed: an empty store denies everyone, so a
// fresh deployment needs bootstrap admins to be usable.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	// RoleAdmin may manage the user list and agent routing.
	RoleAdmin = "admin"
	// RoleUser may talk to the bot but not administer it.
	RoleUser = "user"
)

var (
	// ErrNotFound is returned when the referenced user is not in the store.
	ErrNotFound = errors.New("auth: user not found")
	// ErrAlreadyExists is returned when adding a user that is already known.
	ErrAlreadyExists = errors.New("auth: user already exists")
	// ErrLastAdmin is returned when an operation would remove or demote the
	// only remaining admin.
	ErrLastAdmin = errors.New("auth: cannot remove the last admin")
)

// UserEntry describes one authorized user.
type UserEntry struct {
	Role    string    `json:"role"`
	AddedBy string    `json:"added_by"`
	AddedAt time.Time `json:"added_at"`
}

// RouteEntry holds per-user overrides for backend agent and TTS voice.
type RouteEntry struct {
	AgentID string `json:"agent_id,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
}

type usersFile struct {
	Users map[string]UserEntry `json:"users"`
}

type routesFile struct {
	Routes map[string]RouteEntry `json:"routes"`
	// Allowlists maps guild ID to the channel IDs the bot may auto-join.
	// A missing or empty list allows every channel in the guild.
	Allowlists map[string][]string `json:"allowlists,omitempty"`
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithBootstrapAdmins seeds the given user IDs as admins when the users file
// does not exist yet.
func WithBootstrapAdmins(ids []string) Option {
	return func(s *Store) { s.bootstrapAdmins = ids }
}

// WithDefaultAgent sets the agent ID returned for users without a route.
// Defaults to "default".
func WithDefaultAgent(agent string) Option {
	return func(s *Store) { s.defaultAgent = agent }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Store is the authorization and routing store. All methods are safe for
// concurrent use. Empty file paths make the store in-memory only.
type Store struct {
	usersPath  string
	routesPath string

	bootstrapAdmins []string
	defaultAgent    string
	log             *slog.Logger

	mu         sync.RWMutex
	users      map[string]UserEntry
	routes     map[string]RouteEntry
	allowlists map[string][]string
}

// Open loads the store from the given JSON files, bootstrapping admins when
// the users file does not exist.
func Open(usersPath, routesPath string, opts ...Option) (*Store, error) {
	s := &Store{
		usersPath:    usersPath,
		routesPath:   routesPath,
		defaultAgent: "default",
		log:          slog.Default(),
		users:        make(map[string]UserEntry),
		routes:       make(map[string]RouteEntry),
		allowlists:   make(map[string][]string),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	if len(s.users) == 0 && len(s.bootstrapAdmins) > 0 {
		now := time.Now().UTC()
		for _, id := range s.bootstrapAdmins {
			s.users[id] = UserEntry{Role: RoleAdmin, AddedBy: "bootstrap", AddedAt: now}
		}
		s.log.Info("bootstrapped admins", "count", len(s.bootstrapAdmins))
		s.saveUsersLocked()
	}
	return s, nil
}

func (s *Store) load() error {
	if s.usersPath != "" {
		var uf usersFile
		if err := readJSON(s.usersPath, &uf); err != nil {
			return fmt.Errorf("auth: load users: %w", err)
		}
		if uf.Users != nil {
			s.users = uf.Users
			s.log.Info("loaded authorized users", "count", len(s.users), "path", s.usersPath)
		}
	}
	if s.routesPath != "" {
		var rf routesFile
		if err := readJSON(s.routesPath, &rf); err != nil {
			return fmt.Errorf("auth: load routes: %w", err)
		}
		if rf.Routes != nil {
			s.routes = rf.Routes
			s.log.Info("loaded agent routes", "count", len(s.routes), "path", s.routesPath)
		}
		if rf.Allowlists != nil {
			s.allowlists = rf.Allowlists
		}
	}
	return nil
}

// Reload re-reads both files, picking up external edits.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]UserEntry)
	s.routes = make(map[string]RouteEntry)
	s.allowlists = make(map[string][]string)
	return s.load()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON replaces path atomically so a crash never leaves a truncated
// store behind. An exclusive file lock keeps writers in other processes
// (a second gateway instance, a CLI edit) from interleaving their renames.
func (s *Store) writeJSON(path string, v any) {
	if path == "" {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.log.Error("failed to encode store", "path", path, "err", err)
		return
	}
	lock, err := acquireFileLock(path)
	if err != nil {
		s.log.Error("failed to lock store", "path", path, "err", err)
		return
	}
	defer releaseFileLock(lock)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		s.log.Error("failed to write store", "path", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.Error("failed to replace store", "path", path, "err", err)
	}
}

func (s *Store) saveUsersLocked() {
	s.writeJSON(s.usersPath, usersFile{Users: s.users})
}

func (s *Store) saveRoutesLocked() {
	s.writeJSON(s.routesPath, routesFile{Routes: s.routes, Allowlists: s.allowlists})
}

// ─── Authorization ───

// IsAuthorized reports whether the user may talk to the bot.
func (s *Store) IsAuthorized(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// IsAdmin reports whether the user holds the admin role.
func (s *Store) IsAdmin(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].Role == RoleAdmin
}

// Role returns the user's role, or "" when the user is not authorized.
func (s *Store) Role(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].Role
}

// Users returns a copy of all authorized users.
func (s *Store) Users() map[string]UserEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]UserEntry, len(s.users))
	for id, e := range s.users {
		out[id] = e
	}
	return out
}

// UserCount returns the number of authorized users.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// AdminCount returns the number of admins.
func (s *Store) AdminCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adminCountLocked()
}

func (s *Store) adminCountLocked() int {
	n := 0
	for _, e := range s.users {
		if e.Role == RoleAdmin {
			n++
		}
	}
	return n
}

// AddUser authorizes a new user with the given role.
func (s *Store) AddUser(userID, role, addedBy string) error {
	if role != RoleAdmin && role != RoleUser {
		return fmt.Errorf("auth: invalid role %q", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; ok {
		return ErrAlreadyExists
	}
	s.users[userID] = UserEntry{Role: role, AddedBy: addedBy, AddedAt: time.Now().UTC()}
	s.saveUsersLocked()
	s.log.Info("user added", "user_id", userID, "role", role, "added_by", addedBy)
	return nil
}

// RemoveUser deauthorizes a user and drops their routing overrides. The last
// remaining admin cannot be removed.
func (s *Store) RemoveUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if entry.Role == RoleAdmin && s.adminCountLocked() <= 1 {
		return ErrLastAdmin
	}
	delete(s.users, userID)
	delete(s.routes, userID)
	s.saveUsersLocked()
	s.saveRoutesLocked()
	s.log.Info("user removed", "user_id", userID)
	return nil
}

// Promote raises a user to admin.
func (s *Store) Promote(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if entry.Role == RoleAdmin {
		return ErrAlreadyExists
	}
	entry.Role = RoleAdmin
	s.users[userID] = entry
	s.saveUsersLocked()
	s.log.Info("user promoted", "user_id", userID)
	return nil
}

// Demote lowers an admin to user. The last remaining admin cannot be
// demoted.
func (s *Store) Demote(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.users[userID]
	if !ok || entry.Role != RoleAdmin {
		return ErrNotFound
	}
	if s.adminCountLocked() <= 1 {
		return ErrLastAdmin
	}
	entry.Role = RoleUser
	s.users[userID] = entry
	s.saveUsersLocked()
	s.log.Info("user demoted", "user_id", userID)
	return nil
}

// ─── Agent and voice routing ───

// AgentID returns the user's routed agent, falling back to the default.
func (s *Store) AgentID(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.routes[userID]; ok && r.AgentID != "" {
		return r.AgentID
	}
	return s.defaultAgent
}

// SetAgentID sets a per-user agent override.
func (s *Store) SetAgentID(userID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.routes[userID]
	r.AgentID = agentID
	s.routes[userID] = r
	s.saveRoutesLocked()
	s.log.Info("agent route set", "user_id", userID, "agent_id", agentID)
}

// VoiceID returns the user's TTS voice override, or "" for the provider
// default.
func (s *Store) VoiceID(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routes[userID].VoiceID
}

// SetVoiceID sets a per-user TTS voice override.
func (s *Store) SetVoiceID(userID, voiceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.routes[userID]
	r.VoiceID = voiceID
	s.routes[userID] = r
	s.saveRoutesLocked()
	s.log.Info("voice route set", "user_id", userID, "voice_id", voiceID)
}

// ClearRoute removes all routing overrides for a user.
func (s *Store) ClearRoute(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[userID]; !ok {
		return false
	}
	delete(s.routes, userID)
	s.saveRoutesLocked()
	s.log.Info("route cleared", "user_id", userID)
	return true
}

// ─── Channel allowlists ───

// IsChannelAllowed reports whether the bot may auto-join the channel. A
// guild with no allowlist allows every channel.
func (s *Store) IsChannelAllowed(guildID, channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.allowlists[guildID]
	if len(list) == 0 {
		return true
	}
	for _, id := range list {
		if id == channelID {
			return true
		}
	}
	return false
}

// AllowChannel adds a channel to the guild's allowlist.
func (s *Store) AllowChannel(guildID, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.allowlists[guildID] {
		if id == channelID {
			return
		}
	}
	s.allowlists[guildID] = append(s.allowlists[guildID], channelID)
	s.saveRoutesLocked()
	s.log.Info("channel allowlisted", "guild_id", guildID, "channel_id", channelID)
}

// DisallowChannel removes a channel from the guild's allowlist. Removing the
// last entry opens the guild up again.
func (s *Store) DisallowChannel(guildID, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.allowlists[guildID]
	for i, id := range list {
		if id != channelID {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(s.allowlists, guildID)
		} else {
			s.allowlists[guildID] = list
		}
		s.saveRoutesLocked()
		s.log.Info("channel removed from allowlist", "guild_id", guildID, "channel_id", channelID)
		return true
	}
	return false
}

// MakeSessionID derives the stable per-user LLM session key.
func (s *Store) MakeSessionID(guildID, channelID, userID string) string {
	return fmt.Sprintf("voice:%s:%s:%s", guildID, channelID, userID)
}
