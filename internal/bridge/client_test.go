package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// testBridge is a fake voice-gateway process backed by httptest. Each accepted
// connection is delivered on conns so tests can drive the protocol directly.
type testBridge struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	tb := &testBridge{conns: make(chan *websocket.Conn, 4)}
	tb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		tb.conns <- conn
	}))
	t.Cleanup(tb.srv.Close)
	return tb
}

func (tb *testBridge) url() string {
	return "ws" + strings.TrimPrefix(tb.srv.URL, "http")
}

// accept waits for the next client connection.
func (tb *testBridge) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-tb.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted within 5s")
		return nil
	}
}

func (tb *testBridge) sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (tb *testBridge) readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("server unmarshal: %v", err)
	}
	return m
}

func startClient(t *testing.T, tb *testBridge) *Client {
	t.Helper()
	c := New(tb.url())
	c.Start()
	t.Cleanup(c.Stop)
	if err := c.WaitConnected(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	return c
}

func TestClient_JoinFrameShape(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	conn := tb.accept(t)

	if err := c.Join(context.Background(), "g1", "ch1", "bot", "sess"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	frame := tb.readJSON(t, conn)
	want := map[string]any{
		"op": "join", "guild_id": "g1", "channel_id": "ch1",
		"user_id": "bot", "session_id": "sess",
	}
	for k, v := range want {
		if frame[k] != v {
			t.Errorf("join frame %s = %v, want %v", k, frame[k], v)
		}
	}
}

func TestClient_WaitReadyAndDave(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	conn := tb.accept(t)

	errCh := make(chan error, 1)
	go func() { errCh <- c.WaitReady(context.Background(), "g1", 3*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	tb.sendJSON(t, conn, map[string]any{"op": "ready", "guild_id": "g1", "dave": true})

	if err := <-errCh; err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if !c.IsDaveActive("g1") {
		t.Error("IsDaveActive = false after ready{dave:true}")
	}
}

func TestClient_WaitReadyTimeout(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	tb.accept(t)

	err := c.WaitReady(context.Background(), "g1", 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("WaitReady error = %v, want ErrTimeout", err)
	}
}

func TestClient_AudioDispatch(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	conn := tb.accept(t)

	got := make(chan []byte, 1)
	c.RegisterAudioCallback("g1", func(userID string, pcm []byte) {
		if userID == "u1" {
			got <- pcm
		}
	})

	pcm := []byte{1, 2, 3, 4}
	tb.sendJSON(t, conn, map[string]any{
		"op": "audio", "guild_id": "g1", "user_id": "u1",
		"pcm": base64.StdEncoding.EncodeToString(pcm),
	})

	select {
	case p := <-got:
		if len(p) != 4 || p[0] != 1 {
			t.Errorf("pcm = %v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio callback not invoked")
	}
}

func TestClient_AudioForUnknownGuildDropped(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	conn := tb.accept(t)

	invoked := make(chan struct{}, 1)
	c.RegisterAudioCallback("g1", func(string, []byte) { invoked <- struct{}{} })

	tb.sendJSON(t, conn, map[string]any{
		"op": "audio", "guild_id": "other", "user_id": "u1",
		"pcm": base64.StdEncoding.EncodeToString([]byte{0, 0}),
	})
	// A later frame for the registered guild must still arrive.
	tb.sendJSON(t, conn, map[string]any{
		"op": "audio", "guild_id": "g1", "user_id": "u1",
		"pcm": base64.StdEncoding.EncodeToString([]byte{0, 0}),
	})

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("frame for registered guild was not dispatched")
	}
	select {
	case <-invoked:
		t.Error("frame for unknown guild was dispatched")
	default:
	}
}

func TestClient_InvalidJSONDropped(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	conn := tb.accept(t)

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	// The connection must survive; a valid frame afterwards still works.
	errCh := make(chan error, 1)
	go func() { errCh <- c.WaitReady(ctx, "g1", 3*time.Second) }()
	time.Sleep(50 * time.Millisecond)
	tb.sendJSON(t, conn, map[string]any{"op": "ready", "guild_id": "g1", "dave": false})
	if err := <-errCh; err != nil {
		t.Fatalf("WaitReady after invalid JSON: %v", err)
	}
}

func TestClient_PlayWaitsForPlayDone(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	conn := tb.accept(t)

	var mu sync.Mutex
	done := false

	errCh := make(chan error, 1)
	go func() { errCh <- c.Play(context.Background(), "g1", []byte("RIFF..."), FormatWAV) }()

	frame := tb.readJSON(t, conn)
	if frame["op"] != "play" || frame["format"] != "wav" {
		t.Errorf("play frame = %v", frame)
	}
	if frame["audio"] == "" {
		t.Error("play frame has empty audio")
	}
	if _, hasLoop := frame["loop"]; hasLoop {
		t.Error("non-looping play must omit the loop field")
	}

	select {
	case <-errCh:
		t.Fatal("Play returned before play_done")
	case <-time.After(100 * time.Millisecond):
	}

	mu.Lock()
	done = true
	mu.Unlock()
	tb.sendJSON(t, conn, map[string]any{"op": "play_done", "guild_id": "g1"})

	if err := <-errCh; err != nil {
		t.Fatalf("Play: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !done {
		t.Error("Play returned before the server sent play_done")
	}
}

func TestClient_PlayLoopSendsLoopFlag(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	conn := tb.accept(t)

	if err := c.PlayLoop(context.Background(), "g1", []byte("wav"), FormatWAV); err != nil {
		t.Fatalf("PlayLoop: %v", err)
	}
	frame := tb.readJSON(t, conn)
	if frame["loop"] != true {
		t.Errorf("loop = %v, want true", frame["loop"])
	}
}

func TestClient_StopPlayingFade(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	conn := tb.accept(t)

	if err := c.StopPlaying(context.Background(), "g1", true); err != nil {
		t.Fatalf("StopPlaying: %v", err)
	}
	frame := tb.readJSON(t, conn)
	if frame["op"] != "stop" || frame["fade"] != true {
		t.Errorf("stop frame = %v", frame)
	}
}

func TestClient_ReconnectFailsWaitersAndNotifies(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	c := startClient(t, tb)
	conn := tb.accept(t)

	reconnected := make(chan struct{}, 1)
	c.RegisterReconnectCallback("g1", func() { reconnected <- struct{}{} })

	// A pending play must fail with a connection error when the socket drops.
	errCh := make(chan error, 1)
	go func() { errCh <- c.Play(context.Background(), "g1", []byte("x"), FormatWAV) }()
	tb.readJSON(t, conn)

	conn.Close(websocket.StatusInternalError, "bridge crash")

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Play error = %v, want ErrNotConnected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Play did not fail after socket loss")
	}

	// Backoff base is 2 s; the client must be back and the guild notified.
	tb.accept(t)
	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("reconnect callback not invoked")
	}
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	t.Parallel()
	c := New("ws://127.0.0.1:1/ws")
	if err := c.Disconnect(context.Background(), "g1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect error = %v, want ErrNotConnected", err)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{4, 32 * time.Second},
		{5, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}
