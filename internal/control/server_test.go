package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeActions struct {
	startErr       error
	killSwitchArg  bool
	startOnBootArg bool
	paymentBody    map[string]any
	paymentErr     error
	statusBody     map[string]any
	logs           []string
	exited         bool
}

func (f *fakeActions) Start(ctx context.Context) error   { return f.startErr }
func (f *fakeActions) Stop(ctx context.Context) error    { return nil }
func (f *fakeActions) Restart(ctx context.Context) error { return nil }
func (f *fakeActions) SetKillSwitch(ctx context.Context, enabled bool) error {
	f.killSwitchArg = enabled
	return nil
}
func (f *fakeActions) SetStartOnBoot(ctx context.Context, enabled bool) error {
	f.startOnBootArg = enabled
	return nil
}
func (f *fakeActions) BeginPayment(ctx context.Context) (map[string]any, error) {
	return f.paymentBody, f.paymentErr
}
func (f *fakeActions) Status(ctx context.Context) map[string]any { return f.statusBody }
func (f *fakeActions) RecentLogs() []string                      { return f.logs }
func (f *fakeActions) Exit(ctx context.Context) error             { f.exited = true; return nil }

type fakeMetrics struct{ body string }

func (f fakeMetrics) Render() string { return f.body }

func newTestMux(actions Actions, metrics MetricsRenderer) http.Handler {
	s := NewServer("127.0.0.1", 0, actions, metrics)
	return s.httpServer.Handler
}

func TestHealth(t *testing.T) {
	mux := newTestMux(&fakeActions{}, fakeMetrics{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != true {
		t.Errorf("body: got %v", body)
	}
}

func TestMetrics_RendersRegistryOutput(t *testing.T) {
	mux := newTestMux(&fakeActions{}, fakeMetrics{body: "# TYPE dvpn_x counter\ndvpn_x 1\n"})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if rec.Body.String() != "# TYPE dvpn_x counter\ndvpn_x 1\n" {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
}

func TestUnknownRoute_Returns404(t *testing.T) {
	mux := newTestMux(&fakeActions{}, fakeMetrics{})
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != false {
		t.Errorf("body: got %v", body)
	}
}

func TestStart_FailurePropagatesAs500(t *testing.T) {
	mux := newTestMux(&fakeActions{startErr: errors.New("boom")}, fakeMetrics{})
	req := httptest.NewRequest(http.MethodPost, "/start", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != false || body["error"] != "boom" {
		t.Errorf("body: got %v", body)
	}
}

func TestKillSwitch_ForwardsEnabledFlag(t *testing.T) {
	fa := &fakeActions{}
	mux := newTestMux(fa, fakeMetrics{})
	req := httptest.NewRequest(http.MethodPost, "/killswitch", bytes.NewBufferString(`{"enabled":true}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if !fa.killSwitchArg {
		t.Error("expected killSwitchArg true")
	}
}

func TestLogs_ReturnsRecentLogs(t *testing.T) {
	mux := newTestMux(&fakeActions{logs: []string{"line1", "line2"}}, fakeMetrics{})
	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	logs, _ := body["logs"].([]any)
	if len(logs) != 2 {
		t.Fatalf("expected 2 log lines, got %v", body["logs"])
	}
}

func TestPayments_ReturnsBeginCheckoutBody(t *testing.T) {
	mux := newTestMux(&fakeActions{paymentBody: map[string]any{"session_id": "s1"}}, fakeMetrics{})
	req := httptest.NewRequest(http.MethodPost, "/payments", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["session_id"] != "s1" {
		t.Errorf("body: got %v", body)
	}
}
