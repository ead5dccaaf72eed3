package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/voxgate/internal/health"
)

func bridgeCheck(err error) health.Checker {
	return health.Checker{Name: "bridge", Check: func(context.Context) error { return err }}
}

func discordCheck(err error) health.Checker {
	return health.Checker{Name: "discord", Check: func(context.Context) error { return err }}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) (string, map[string]string) {
	t.Helper()
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad JSON body %q: %v", rr.Body.String(), err)
	}
	return body.Status, body.Checks
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()
	h := health.New(bridgeCheck(errors.New("voice bridge not connected")))

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even with a failing probe", rr.Code)
	}
	status, _ := decode(t, rr)
	if status != "ok" {
		t.Errorf("status field = %q, want ok", status)
	}
}

func TestReadyzAllProbesPass(t *testing.T) {
	t.Parallel()
	h := health.New(bridgeCheck(nil), discordCheck(nil))

	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	status, checks := decode(t, rr)
	if status != "ok" {
		t.Errorf("status field = %q, want ok", status)
	}
	if checks["bridge"] != "ok" || checks["discord"] != "ok" {
		t.Errorf("checks = %v, want both ok", checks)
	}
}

func TestReadyzBridgeDown(t *testing.T) {
	t.Parallel()
	h := health.New(
		bridgeCheck(errors.New("voice bridge not connected")),
		discordCheck(nil),
	)

	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	status, checks := decode(t, rr)
	if status != "fail" {
		t.Errorf("status field = %q, want fail", status)
	}
	if checks["bridge"] != "fail: voice bridge not connected" {
		t.Errorf("bridge check = %q", checks["bridge"])
	}
	if checks["discord"] != "ok" {
		t.Errorf("discord check = %q, want ok", checks["discord"])
	}
}

func TestReadyzRunsProbesConcurrently(t *testing.T) {
	t.Parallel()
	// Each probe blocks until the other one has started. Sequential
	// evaluation would stall until the probe timeout fails the request.
	var started atomic.Int32
	release := make(chan struct{})
	probe := func(ctx context.Context) error {
		if started.Add(1) == 2 {
			close(release)
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h := health.New(
		health.Checker{Name: "bridge", Check: probe},
		health.Checker{Name: "discord", Check: probe},
	)
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 from concurrent probes", rr.Code)
	}
}

func TestReadyzProbeGetsDeadline(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "bridge", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("probe context has no deadline")
		}
		return nil
	}})

	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	health.New(discordCheck(nil)).Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("GET /readyz = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rr.Code)
	}
}
