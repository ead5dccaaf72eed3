package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voxgate/internal/channel"
	"github.com/MrWong99/voxgate/internal/webhook"
)

type deliverCall struct {
	Text    string
	Mode    string
	GuildID string
	UserID  string
}

type fakeDeliverer struct {
	mu       sync.Mutex
	calls    []deliverCall
	delivery string
	err      error
	sessions int
}

func (d *fakeDeliverer) Deliver(_ context.Context, text, mode, guildID, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, deliverCall{Text: text, Mode: mode, GuildID: guildID, UserID: userID})
	if d.err != nil {
		return "", d.err
	}
	if d.delivery == "" {
		return channel.ModeLive, nil
	}
	return d.delivery, nil
}

func (d *fakeDeliverer) SessionCount() int { return d.sessions }

func (d *fakeDeliverer) lastCall(t *testing.T) deliverCall {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		t.Fatal("no delivery was attempted")
	}
	return d.calls[len(d.calls)-1]
}

func newTestServer(t *testing.T, d *fakeDeliverer, opts ...webhook.Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(webhook.New(":0", d, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postSpeak(t *testing.T, srv *httptest.Server, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/speak", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	return resp, decoded
}

func TestSpeak(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{}
	srv := newTestServer(t, d)

	resp, body := postSpeak(t, srv, "", `{"text":"the oven is done","mode":"live","guild_id":"g1","user_id":"u1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" || body["delivery"] != "live" {
		t.Errorf("body = %v", body)
	}
	call := d.lastCall(t)
	if call.Text != "the oven is done" || call.Mode != "live" || call.GuildID != "g1" || call.UserID != "u1" {
		t.Errorf("call = %+v", call)
	}
}

func TestSpeakNumericIDsKeepPrecision(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{}
	srv := newTestServer(t, d)

	// Snowflakes are larger than float64 can represent exactly.
	resp, _ := postSpeak(t, srv, "", `{"text":"hi","guild_id":123456789012345678,"user_id":987654321098765432}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	call := d.lastCall(t)
	if call.GuildID != "123456789012345678" || call.UserID != "987654321098765432" {
		t.Errorf("ids = %q / %q", call.GuildID, call.UserID)
	}
}

func TestSpeakNestedPayloadText(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{}
	srv := newTestServer(t, d)

	resp, _ := postSpeak(t, srv, "", `{"payload":{"summary":"daily digest ready"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := d.lastCall(t).Text; got != "daily digest ready" {
		t.Errorf("text = %q", got)
	}
}

func TestSpeakDefaultMode(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{}
	srv := newTestServer(t, d, webhook.WithDefaultMode(channel.ModeNotify))

	if resp, _ := postSpeak(t, srv, "", `{"text":"hi"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := d.lastCall(t).Mode; got != channel.ModeNotify {
		t.Errorf("mode = %q, want notify", got)
	}
}

func TestSpeakRejectsBadRequests(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{}
	srv := newTestServer(t, d)

	for name, body := range map[string]string{
		"invalid json": `{"text":`,
		"no text":      `{"mode":"live"}`,
		"bad mode":     `{"text":"hi","mode":"telegram"}`,
	} {
		resp, _ := postSpeak(t, srv, "", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) != 0 {
		t.Errorf("bad requests reached the deliverer: %+v", d.calls)
	}
}

func TestSpeakDeliveryFailure(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{err: errors.New("no active voice session with listeners")}
	srv := newTestServer(t, d)

	resp, body := postSpeak(t, srv, "", `{"text":"hi","mode":"live"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if body["status"] != "error" {
		t.Errorf("body = %v", body)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{}
	srv := newTestServer(t, d, webhook.WithToken("hunter2"))

	if resp, _ := postSpeak(t, srv, "", `{"text":"hi"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := postSpeak(t, srv, "wrong", `{"text":"hi"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := postSpeak(t, srv, "hunter2", `{"text":"hi"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", resp.StatusCode)
	}

	// Health stays open for probes.
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status = %d, want 200", resp.StatusCode)
	}
}
