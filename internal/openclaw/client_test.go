package openclaw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// capturedRequest records what the fake backend received.
type capturedRequest struct {
	AgentHeader string
	Body        map[string]any
}

// newFakeBackend serves an SSE stream of the given deltas for every chat
// completion request and records the last request.
func newFakeBackend(t *testing.T, status int, deltas []string) (*Client, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		captured.AgentHeader = r.Header.Get("x-agent-id")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured.Body)

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			return
		}

		if captured.Body["stream"] != true {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			payload, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]any{"content": d}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, captured
}

func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var out []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("stream did not close within 5s")
		}
	}
}

func TestStream_YieldsDeltasInOrder(t *testing.T) {
	t.Parallel()
	c, captured := newFakeBackend(t, http.StatusOK, []string{"Hi there! ", "How are you?"})

	got := collect(t, c.Stream(context.Background(), "voice:g:c:u", "hello", "Alice", "u1", DefaultAgent))
	if len(got) != 2 || got[0] != "Hi there! " || got[1] != "How are you?" {
		t.Errorf("deltas = %v", got)
	}

	if captured.Body["user"] != "voice:g:c:u" {
		t.Errorf("user field = %v, want session id", captured.Body["user"])
	}
	msgs := captured.Body["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].(string)
	if !strings.HasPrefix(content, "(You are responding via voice") {
		t.Error("voice instruction missing from user content")
	}
	if !strings.HasSuffix(content, "[Alice]: hello") {
		t.Errorf("content = %q, want sender-tagged text suffix", content)
	}
}

func TestStream_AgentHeader(t *testing.T) {
	t.Parallel()
	c, captured := newFakeBackend(t, http.StatusOK, []string{"ok"})

	collect(t, c.Stream(context.Background(), "s", "hi", "", "u1", "research"))
	if captured.AgentHeader != "research" {
		t.Errorf("x-agent-id = %q, want %q", captured.AgentHeader, "research")
	}
}

func TestStream_NoHeaderForDefaultAgent(t *testing.T) {
	t.Parallel()
	c, captured := newFakeBackend(t, http.StatusOK, []string{"ok"})

	collect(t, c.Stream(context.Background(), "s", "hi", "", "u1", DefaultAgent))
	if captured.AgentHeader != "" {
		t.Errorf("x-agent-id = %q, want empty for default agent", captured.AgentHeader)
	}
}

func TestStream_UnauthorizedYieldsNothing(t *testing.T) {
	t.Parallel()
	c, _ := newFakeBackend(t, http.StatusUnauthorized, nil)

	got := collect(t, c.Stream(context.Background(), "s", "hi", "", "u1", DefaultAgent))
	if len(got) != 0 {
		t.Errorf("deltas = %v, want none on 401", got)
	}
}

func TestStream_NotFoundYieldsNothing(t *testing.T) {
	t.Parallel()
	c, _ := newFakeBackend(t, http.StatusNotFound, nil)

	got := collect(t, c.Stream(context.Background(), "s", "hi", "", "u1", DefaultAgent))
	if len(got) != 0 {
		t.Errorf("deltas = %v, want none on 404", got)
	}
}

func TestResetAndCompactSentinels(t *testing.T) {
	t.Parallel()
	c, captured := newFakeBackend(t, http.StatusOK, nil)

	if err := c.Reset(context.Background(), "sess", DefaultAgent); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	msgs := captured.Body["messages"].([]any)
	if got := msgs[0].(map[string]any)["content"]; got != "/new" {
		t.Errorf("reset content = %v, want /new", got)
	}

	if err := c.Compact(context.Background(), "sess", DefaultAgent); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	msgs = captured.Body["messages"].([]any)
	if got := msgs[0].(map[string]any)["content"]; got != "/compact" {
		t.Errorf("compact content = %v, want /compact", got)
	}
}
