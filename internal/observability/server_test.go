package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ai-speech-turn-client/internal/observability/metrics"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestRouter_Health(t *testing.T) {
	h := NewRouter(nil)

	if code, body := get(t, h, "/v1/liveness"); code != http.StatusOK || body != "ok" {
		t.Errorf("liveness: expected 200 ok, got %d %q", code, body)
	}
	if code, body := get(t, h, "/v1/readiness"); code != http.StatusOK || body != "ready" {
		t.Errorf("readiness: expected 200 ready, got %d %q", code, body)
	}
	if code, _ := get(t, h, "/nope"); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d", code)
	}
}

func TestRouter_NotReady(t *testing.T) {
	h := NewRouter(func() error { return errors.New("session not open") })

	code, body := get(t, h, "/v1/readiness")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "session not open") {
		t.Errorf("expected 503 with reason, got %d %q", code, body)
	}
}

func TestRouter_Metrics(t *testing.T) {
	metrics.DefaultMetrics.RecordSessionStart()

	code, body := get(t, NewRouter(nil), "/metrics")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.Contains(body, "ai_speech_turn_client_sessions_total") {
		t.Error("expected session metric in exposition")
	}
}
