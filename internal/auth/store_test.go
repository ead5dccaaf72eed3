package auth_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/auth"
)

func openStore(t *testing.T, opts ...auth.Option) (*auth.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := auth.Open(
		filepath.Join(dir, "authorized_users.json"),
		filepath.Join(dir, "agent_routing.json"),
		opts...,
	)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestFailClosed(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	if s.IsAuthorized("42") {
		t.Error("empty store authorized a user")
	}
	if s.IsAdmin("42") {
		t.Error("empty store granted admin")
	}
}

func TestBootstrapAdmins(t *testing.T) {
	t.Parallel()
	s, dir := openStore(t, auth.WithBootstrapAdmins([]string{"100", "200"}))
	if !s.IsAdmin("100") || !s.IsAdmin("200") {
		t.Error("bootstrap admins not authorized as admins")
	}
	if s.AdminCount() != 2 {
		t.Errorf("admin count = %d, want 2", s.AdminCount())
	}

	// Bootstrap persists, and is not re-applied once users exist.
	reopened, err := auth.Open(
		filepath.Join(dir, "authorized_users.json"),
		filepath.Join(dir, "agent_routing.json"),
		auth.WithBootstrapAdmins([]string{"999"}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.IsAdmin("100") {
		t.Error("persisted admin lost on reopen")
	}
	if reopened.IsAuthorized("999") {
		t.Error("bootstrap re-applied over existing users")
	}
}

func TestAddRemoveUser(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t, auth.WithBootstrapAdmins([]string{"1"}))

	if err := s.AddUser("2", auth.RoleUser, "1"); err != nil {
		t.Fatal(err)
	}
	if !s.IsAuthorized("2") || s.IsAdmin("2") {
		t.Error("added user has wrong authorization state")
	}
	if err := s.AddUser("2", auth.RoleUser, "1"); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Errorf("duplicate add returned %v, want ErrAlreadyExists", err)
	}
	if err := s.AddUser("3", "superuser", "1"); err == nil {
		t.Error("invalid role accepted")
	}

	if err := s.RemoveUser("2"); err != nil {
		t.Fatal(err)
	}
	if s.IsAuthorized("2") {
		t.Error("removed user still authorized")
	}
	if err := s.RemoveUser("2"); !errors.Is(err, auth.ErrNotFound) {
		t.Errorf("removing unknown user returned %v, want ErrNotFound", err)
	}
}

func TestLastAdminProtection(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t, auth.WithBootstrapAdmins([]string{"1"}))

	if err := s.RemoveUser("1"); !errors.Is(err, auth.ErrLastAdmin) {
		t.Errorf("removing last admin returned %v, want ErrLastAdmin", err)
	}
	if err := s.Demote("1"); !errors.Is(err, auth.ErrLastAdmin) {
		t.Errorf("demoting last admin returned %v, want ErrLastAdmin", err)
	}

	if err := s.AddUser("2", auth.RoleAdmin, "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Demote("1"); err != nil {
		t.Errorf("demoting with a second admin present failed: %v", err)
	}
	if s.IsAdmin("1") {
		t.Error("demoted user still admin")
	}
}

func TestPromote(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t, auth.WithBootstrapAdmins([]string{"1"}))
	if err := s.AddUser("2", auth.RoleUser, "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Promote("2"); err != nil {
		t.Fatal(err)
	}
	if !s.IsAdmin("2") {
		t.Error("promoted user not admin")
	}
	if err := s.Promote("2"); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Errorf("promoting an admin returned %v, want ErrAlreadyExists", err)
	}
	if err := s.Promote("missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Errorf("promoting unknown user returned %v, want ErrNotFound", err)
	}
}

func TestAgentAndVoiceRouting(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t, auth.WithDefaultAgent("general"))

	if got := s.AgentID("7"); got != "general" {
		t.Errorf("default agent = %q, want %q", got, "general")
	}
	s.SetAgentID("7", "research")
	if got := s.AgentID("7"); got != "research" {
		t.Errorf("routed agent = %q, want %q", got, "research")
	}

	if got := s.VoiceID("7"); got != "" {
		t.Errorf("default voice = %q, want empty", got)
	}
	s.SetVoiceID("7", "voice-x")
	if got := s.VoiceID("7"); got != "voice-x" {
		t.Errorf("routed voice = %q, want %q", got, "voice-x")
	}

	if !s.ClearRoute("7") {
		t.Error("clearing existing route returned false")
	}
	if got := s.AgentID("7"); got != "general" {
		t.Errorf("agent after clear = %q, want default", got)
	}
	if s.ClearRoute("7") {
		t.Error("clearing absent route returned true")
	}
}

func TestRemoveUserDropsRoute(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t, auth.WithBootstrapAdmins([]string{"1"}))
	if err := s.AddUser("2", auth.RoleUser, "1"); err != nil {
		t.Fatal(err)
	}
	s.SetAgentID("2", "research")
	if err := s.RemoveUser("2"); err != nil {
		t.Fatal(err)
	}
	if got := s.AgentID("2"); got != "default" {
		t.Errorf("route survived user removal: %q", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	s, dir := openStore(t, auth.WithBootstrapAdmins([]string{"1"}))
	if err := s.AddUser("2", auth.RoleUser, "1"); err != nil {
		t.Fatal(err)
	}
	s.SetAgentID("2", "research")

	reopened, err := auth.Open(
		filepath.Join(dir, "authorized_users.json"),
		filepath.Join(dir, "agent_routing.json"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.IsAuthorized("2") {
		t.Error("user not persisted")
	}
	if got := reopened.AgentID("2"); got != "research" {
		t.Errorf("route not persisted: %q", got)
	}

	// No leftover temp files after atomic writes.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteWaitsForFileLock(t *testing.T) {
	t.Parallel()
	s, dir := openStore(t, auth.WithBootstrapAdmins([]string{"1"}))
	usersPath := filepath.Join(dir, "authorized_users.json")

	// Hold the store's lock file the way a second process would.
	lf, err := os.OpenFile(usersPath+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	defer lf.Close()
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.AddUser("2", auth.RoleUser, "1") }()

	select {
	case <-done:
		t.Fatal("write finished while another process held the store lock")
	case <-time.After(100 * time.Millisecond):
	}

	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_UN); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write still blocked after the lock was released")
	}

	data, err := os.ReadFile(usersPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"2"`) {
		t.Error("user not persisted after the lock was released")
	}
}

func TestInMemoryStore(t *testing.T) {
	t.Parallel()
	s, err := auth.Open("", "", auth.WithBootstrapAdmins([]string{"1"}))
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsAdmin("1") {
		t.Error("in-memory bootstrap failed")
	}
	if err := s.AddUser("2", auth.RoleUser, "1"); err != nil {
		t.Fatal(err)
	}
}

func TestChannelAllowlist(t *testing.T) {
	t.Parallel()
	s, dir := openStore(t)

	// No allowlist means every channel is allowed.
	if !s.IsChannelAllowed("g1", "c1") {
		t.Error("empty allowlist rejected a channel")
	}

	s.AllowChannel("g1", "c1")
	if !s.IsChannelAllowed("g1", "c1") {
		t.Error("allowlisted channel rejected")
	}
	if s.IsChannelAllowed("g1", "c2") {
		t.Error("non-listed channel allowed while allowlist is set")
	}
	if !s.IsChannelAllowed("g2", "c2") {
		t.Error("allowlist leaked into another guild")
	}

	// Duplicate adds are a no-op.
	s.AllowChannel("g1", "c1")

	reopened, err := auth.Open(
		filepath.Join(dir, "authorized_users.json"),
		filepath.Join(dir, "agent_routing.json"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.IsChannelAllowed("g1", "c2") {
		t.Error("allowlist not persisted")
	}

	// Removing the last entry opens the guild up again.
	if !s.DisallowChannel("g1", "c1") {
		t.Error("removing listed channel returned false")
	}
	if s.DisallowChannel("g1", "c1") {
		t.Error("removing absent channel returned true")
	}
	if !s.IsChannelAllowed("g1", "c2") {
		t.Error("guild not open after allowlist emptied")
	}
}

func TestMakeSessionID(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	if got := s.MakeSessionID("g", "c", "u"); got != "voice:g:c:u" {
		t.Errorf("session id = %q", got)
	}
}
