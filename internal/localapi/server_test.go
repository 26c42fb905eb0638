package localapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stagehand/host/internal/historydb"
	"stagehand/host/internal/journal"
	"stagehand/host/internal/session"
	"stagehand/host/internal/valstatus"
	"stagehand/host/internal/validate"
)

type fakeHost struct {
	sessions    []session.Session
	status      valstatus.Status
	statusFound bool

	lastWait    bool
	lastTimeout time.Duration

	viewers int
	closed  map[string]bool
}

func (f *fakeHost) Sessions() []session.Session { return f.sessions }

func (f *fakeHost) Status(sessionID string, wait bool, timeout time.Duration) (valstatus.Status, bool) {
	f.lastWait = wait
	f.lastTimeout = timeout
	return f.status, f.statusFound
}

func (f *fakeHost) RequestScreenshot(sessionID string) (int, bool) {
	if !f.statusFound {
		return 0, false
	}
	return f.viewers, true
}

func (f *fakeHost) JournalTail(sessionID string, limit int) ([]journal.Entry, bool, error) {
	if !f.statusFound {
		return nil, false, nil
	}
	return []journal.Entry{journal.EventEntry("clicked", nil)}, true, nil
}

func (f *fakeHost) History(sessionID string, limit int) ([]historydb.Outcome, error) {
	return []historydb.Outcome{{SessionID: "demo", Status: "ok", At: time.Unix(100, 0)}}, nil
}

func (f *fakeHost) Close(sessionID string) bool {
	if f.closed == nil {
		f.closed = map[string]bool{}
	}
	if !f.statusFound {
		return false
	}
	f.closed[sessionID] = true
	return true
}

func getJSON(t *testing.T, ts *httptest.Server, method, path string, wantStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(Deps{Host: &fakeHost{}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := getJSON(t, ts, http.MethodGet, "/healthz", http.StatusOK)
	if body["ok"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestServer_SessionList(t *testing.T) {
	fake := &fakeHost{sessions: []session.Session{
		{ID: "demo", Mode: "jsx", URL: "/view/demo", CreatedAt: time.Unix(100, 0)},
	}}
	srv := NewServer(Deps{Host: fake})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := getJSON(t, ts, http.MethodGet, "/api/v1/sessions", http.StatusOK)
	data := body["data"].(map[string]any)
	sessions := data["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %v", sessions)
	}
	first := sessions[0].(map[string]any)
	if first["id"] != "demo" || first["mode"] != "jsx" {
		t.Fatalf("unexpected session payload: %v", first)
	}
}

func TestServer_StatusFound(t *testing.T) {
	fake := &fakeHost{
		statusFound: true,
		status: valstatus.Status{
			Notices:    []validate.Notice{{Severity: "error", Category: "scope-check", Message: "unknown component Foo"}},
			Counts:     validate.Counts{Errors: 1},
			RecordedAt: time.Unix(100, 0),
		},
	}
	srv := NewServer(Deps{Host: fake})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := getJSON(t, ts, http.MethodGet, "/api/v1/sessions/demo/status?wait=1&timeout_ms=500", http.StatusOK)
	data := body["data"].(map[string]any)
	if data["exists"] != true || data["pending"] != false {
		t.Fatalf("unexpected status payload: %v", data)
	}
	counts := data["counts"].(map[string]any)
	if counts["error"] != float64(1) {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if !fake.lastWait {
		t.Fatal("wait=1 should pass through")
	}
	if fake.lastTimeout != 500*time.Millisecond {
		t.Fatalf("unexpected timeout passthrough: %v", fake.lastTimeout)
	}
}

func TestServer_StatusNotFound(t *testing.T) {
	srv := NewServer(Deps{Host: &fakeHost{statusFound: false}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := getJSON(t, ts, http.MethodGet, "/api/v1/sessions/ghost/status", http.StatusNotFound)
	errObj := body["error"].(map[string]any)
	if errObj["code"] != "SESSION_NOT_FOUND" {
		t.Fatalf("unexpected error code: %v", errObj)
	}
}

func TestServer_StatusTimeoutCappedAndValidated(t *testing.T) {
	fake := &fakeHost{statusFound: true}
	srv := NewServer(Deps{Host: fake})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	getJSON(t, ts, http.MethodGet, "/api/v1/sessions/demo/status?wait=1&timeout_ms=99999999", http.StatusOK)
	if fake.lastTimeout != maxWaitTimeout {
		t.Fatalf("timeout should be capped at %v, got %v", maxWaitTimeout, fake.lastTimeout)
	}
	getJSON(t, ts, http.MethodGet, "/api/v1/sessions/demo/status?timeout_ms=abc", http.StatusBadRequest)
}

func TestServer_Screenshot(t *testing.T) {
	fake := &fakeHost{statusFound: true, viewers: 2}
	srv := NewServer(Deps{Host: fake})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := getJSON(t, ts, http.MethodPost, "/api/v1/sessions/demo/screenshot", http.StatusOK)
	data := body["data"].(map[string]any)
	if data["accepted"] != true || data["viewers"] != float64(2) {
		t.Fatalf("unexpected screenshot response: %v", data)
	}

	fake.viewers = 0
	body = getJSON(t, ts, http.MethodPost, "/api/v1/sessions/demo/screenshot", http.StatusOK)
	data = body["data"].(map[string]any)
	if data["accepted"] != false {
		t.Fatalf("zero viewers should report accepted=false: %v", data)
	}
}

func TestServer_Journal(t *testing.T) {
	srv := NewServer(Deps{Host: &fakeHost{statusFound: true}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := getJSON(t, ts, http.MethodGet, "/api/v1/sessions/demo/journal?limit=10", http.StatusOK)
	data := body["data"].(map[string]any)
	entries := data["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("unexpected entries: %v", entries)
	}
	getJSON(t, ts, http.MethodGet, "/api/v1/sessions/demo/journal?limit=-3", http.StatusBadRequest)
}

func TestServer_CloseSession(t *testing.T) {
	fake := &fakeHost{statusFound: true}
	srv := NewServer(Deps{Host: fake})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	getJSON(t, ts, http.MethodDelete, "/api/v1/sessions/demo", http.StatusOK)
	if !fake.closed["demo"] {
		t.Fatal("close should reach the host")
	}

	fake.statusFound = false
	getJSON(t, ts, http.MethodDelete, "/api/v1/sessions/ghost", http.StatusNotFound)
}

func TestServer_History(t *testing.T) {
	srv := NewServer(Deps{Host: &fakeHost{}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := getJSON(t, ts, http.MethodGet, "/api/v1/history?session=demo&limit=5", http.StatusOK)
	data := body["data"].(map[string]any)
	outcomes := data["outcomes"].([]any)
	if len(outcomes) != 1 {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
	first := outcomes[0].(map[string]any)
	if first["session_id"] != "demo" || first["status"] != "ok" {
		t.Fatalf("unexpected outcome payload: %v", first)
	}
}

func TestServer_MethodGuards(t *testing.T) {
	srv := NewServer(Deps{Host: &fakeHost{statusFound: true}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	getJSON(t, ts, http.MethodPost, "/api/v1/sessions", http.StatusMethodNotAllowed)
	getJSON(t, ts, http.MethodGet, "/api/v1/sessions/demo/screenshot", http.StatusMethodNotAllowed)
	getJSON(t, ts, http.MethodGet, "/api/v1/sessions/demo/unknown", http.StatusNotFound)
}
