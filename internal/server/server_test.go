package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfig = `
active_profile: quick

profiles:
  default:
    audio:
      duration_seconds: 0.001
    capture:
      source: constant
      level: 4095
    diagnostics:
      enabled: false
    sim:
      mode: fast
  quick:
    run:
      cycles: 2
  forever:
    run:
      cycles: 0
  stepped:
    sim:
      mode: manual
`

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "pwmloop.yaml")
	if err := os.WriteFile(configFile, []byte(testConfig), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	srv, err := New(configFile, "0")
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown() })
	return srv, configFile
}

func do(t *testing.T, srv *Server, method, path string, form url.Values) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("Invalid JSON from %s %s: %v", method, path, err)
		}
	}
	return rec, body
}

func waitForStatus(t *testing.T, srv *Server, want string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := do(t, srv, http.MethodGet, "/status", nil)
		if body["status"] == want {
			return body
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for status %s, last: %v", want, body["status"])
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStatus_BeforeStart(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, body := do(t, srv, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["status"] != "STANDBY" {
		t.Errorf("Expected STANDBY, got %v", body["status"])
	}
	if body["active_profile"] != "quick" {
		t.Errorf("Expected active profile quick, got %v", body["active_profile"])
	}

	resolved := body["resolved_config"].(map[string]interface{})
	if resolved["samples"].(float64) != 8 {
		t.Errorf("Expected 8 samples, got %v", resolved["samples"])
	}
	if resolved["capture_period_us"].(float64) != 125 {
		t.Errorf("Expected 125us capture period, got %v", resolved["capture_period_us"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/status"},
		{http.MethodGet, "/start"},
		{http.MethodGet, "/stop"},
		{http.MethodGet, "/restart"},
		{http.MethodGet, "/config/select"},
	} {
		rec, body := do(t, srv, tc.method, tc.path, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
		if body["success"] != false {
			t.Errorf("%s %s: expected success false, got %v", tc.method, tc.path, body["success"])
		}
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, body := do(t, srv, http.MethodPost, "/start", nil)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("Expected start to succeed, got %d %v", rec.Code, body)
	}

	status := waitForStatus(t, srv, "FINISHED")
	engine := status["engine"].(map[string]interface{})
	loop := engine["loop"].(map[string]interface{})
	if loop["cycles"].(float64) != 2 {
		t.Errorf("Expected 2 cycles, got %v", loop["cycles"])
	}
	if engine["levels_out"].(float64) != 2*8*8 {
		t.Errorf("Expected 128 levels out, got %v", engine["levels_out"])
	}
	first := engine["session"]

	rec, body = do(t, srv, http.MethodPost, "/restart", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected restart to succeed, got %d %v", rec.Code, body)
	}
	restarted := body["engine"].(map[string]interface{})
	if restarted["session"] == first {
		t.Error("Expected a new session after restart")
	}
	waitForStatus(t, srv, "FINISHED")
}

func TestSelectProfileAndStop(t *testing.T) {
	srv, configFile := newTestServer(t)

	rec, body := do(t, srv, http.MethodPost, "/config/select", url.Values{"profile": {"forever"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected profile change, got %d %v", rec.Code, body)
	}
	data, _ := os.ReadFile(configFile)
	if !strings.Contains(string(data), "active_profile: forever") {
		t.Errorf("Expected active profile saved to config file, got:\n%s", data)
	}

	if rec, _ := do(t, srv, http.MethodPost, "/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("Expected start to succeed, got %d", rec.Code)
	}
	waitForStatus(t, srv, "RUNNING")

	if rec, _ := do(t, srv, http.MethodPost, "/start", nil); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 on second start, got %d", rec.Code)
	}
	rec, _ = do(t, srv, http.MethodPost, "/config/select", url.Values{"profile": {"quick"}})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 changing profile while running, got %d", rec.Code)
	}

	rec, body = do(t, srv, http.MethodPost, "/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected stop to succeed, got %d", rec.Code)
	}
	engine := body["engine"].(map[string]interface{})
	if engine["state"] != "STANDBY" {
		t.Errorf("Expected STANDBY after stop, got %v", engine["state"])
	}

	rec, _ = do(t, srv, http.MethodPost, "/config/select", url.Values{"profile": {"missing"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a missing profile, got %d", rec.Code)
	}
}

func TestProfilesAndDetails(t *testing.T) {
	srv, _ := newTestServer(t)

	_, body := do(t, srv, http.MethodGet, "/config/profiles", nil)
	profiles := body["profiles"].([]interface{})
	if len(profiles) != 4 {
		t.Errorf("Expected 4 profiles, got %v", profiles)
	}

	rec, body := do(t, srv, http.MethodGet, "/config/details/quick", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	cfg := body["config"].(map[string]interface{})
	inheritance := cfg["inheritance"].(map[string]interface{})
	if inheritance["run.cycles"] != "profile-specific" {
		t.Errorf("Expected run.cycles to be profile-specific, got %v", inheritance["run.cycles"])
	}
	if inheritance["sim.mode"] != "inherited" {
		t.Errorf("Expected sim.mode to be inherited, got %v", inheritance["sim.mode"])
	}

	if rec, _ := do(t, srv, http.MethodGet, "/config/details/missing", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing profile, got %d", rec.Code)
	}
	if rec, _ := do(t, srv, http.MethodGet, "/config/details/", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a profile name, got %d", rec.Code)
	}
}

func TestBackendsAndIndex(t *testing.T) {
	srv, _ := newTestServer(t)

	_, body := do(t, srv, http.MethodGet, "/backends", nil)
	if backends := body["backends"].([]interface{}); len(backends) != 6 {
		t.Errorf("Expected 6 backends, got %d", len(backends))
	}

	rec, _ := do(t, srv, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/restart") {
		t.Errorf("Expected index page listing endpoints, got %d", rec.Code)
	}

	if rec, _ := do(t, srv, http.MethodGet, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestStartRejectsManualMode(t *testing.T) {
	srv, _ := newTestServer(t)

	if rec, body := do(t, srv, http.MethodPost, "/config/select", url.Values{"profile": {"stepped"}}); rec.Code != http.StatusOK {
		t.Fatalf("Expected profile change, got %d %v", rec.Code, body)
	}

	for _, path := range []string{"/start", "/restart"} {
		rec, body := do(t, srv, http.MethodPost, path, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400 for manual mode, got %d", path, rec.Code)
		}
		if msg, _ := body["error"].(string); !strings.Contains(msg, "manual") {
			t.Errorf("%s: expected error to name manual mode, got %v", path, body["error"])
		}
	}

	_, body := do(t, srv, http.MethodGet, "/status", nil)
	if body["status"] != "STANDBY" {
		t.Errorf("Expected engine to stay in STANDBY, got %v", body["status"])
	}
}
