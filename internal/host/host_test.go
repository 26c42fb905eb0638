package host

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"stagehand/host/internal/journal"
	"stagehand/host/internal/logging"
	"stagehand/host/internal/protocol"
	"stagehand/host/internal/validate"
	"stagehand/host/internal/watcher"
)

func writeSession(t *testing.T, root, id, code, caps string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if caps != "" {
		if err := os.WriteFile(filepath.Join(dir, "capabilities.json"), []byte(caps), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "view.jsx"), []byte(code), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	return dir
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHost_SessionLifecycleDirectDispatch(t *testing.T) {
	root := t.TempDir()
	dir := writeSession(t, root, "demo", `<Button />`, `{"components":["Button"]}`)
	h := New(Options{Root: root})

	h.dispatch(watcher.Event{Kind: watcher.KindSessionFound, SessionID: "demo", Dir: dir, Mode: "jsx", Show: true})

	sessions := h.Sessions()
	if len(sessions) != 1 || sessions[0].ID != "demo" {
		t.Fatalf("expected demo in session list, got %+v", sessions)
	}

	waitUntil(t, "validation to record", func() bool {
		status, found := h.Status("demo", false, 0)
		return found && !status.Pending && !status.RecordedAt.IsZero()
	})
	status, _ := h.Status("demo", false, 0)
	if status.Counts.Errors != 0 {
		t.Fatalf("clean payload should have no errors, got %+v", status)
	}

	entries, found, err := h.JournalTail("demo", 0)
	if err != nil || !found {
		t.Fatalf("JournalTail failed: found=%v err=%v", found, err)
	}
	if len(entries) == 0 || entries[len(entries)-1].Type != journal.TypeRender {
		t.Fatalf("journal should end with a render entry, got %+v", entries)
	}
	if entries[len(entries)-1].Status != "ok" {
		t.Fatalf("render outcome should be ok, got %+v", entries[len(entries)-1])
	}

	h.dispatch(watcher.Event{Kind: watcher.KindEntryRemoved, SessionID: "demo", Dir: dir, Mode: "jsx"})
	if len(h.Sessions()) != 0 {
		t.Fatal("session should be gone after entry removal")
	}
	if _, found := h.Status("demo", false, 0); found {
		t.Fatal("status for a closed session should report not found")
	}
}

func TestHost_ValidationLogsCarrySessionID(t *testing.T) {
	root := t.TempDir()
	dir := writeSession(t, root, "demo", `<Button />`, "")
	var buf bytes.Buffer
	h := New(Options{Root: root, Logger: logging.NewLogger(logging.Options{Level: "info", Writer: &buf})})

	h.dispatch(watcher.Event{Kind: watcher.KindSessionFound, SessionID: "demo", Dir: dir, Mode: "jsx", Show: true})
	waitUntil(t, "validation to record", func() bool {
		status, found := h.Status("demo", false, 0)
		return found && !status.Pending && !status.RecordedAt.IsZero()
	})

	recorded := false
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, "validation recorded") {
			continue
		}
		recorded = true
		if !strings.Contains(line, `"session_id":"demo"`) {
			t.Fatalf("validation log line missing session id: %s", line)
		}
	}
	if !recorded {
		t.Fatal("expected a validation recorded log line")
	}
}

func TestHost_ValidationErrorsSurfaceInStatusAndJournal(t *testing.T) {
	root := t.TempDir()
	dir := writeSession(t, root, "demo", `<Foo />`, `{"components":["Button","Footer"]}`)
	h := New(Options{Root: root})

	h.dispatch(watcher.Event{Kind: watcher.KindSessionFound, SessionID: "demo", Dir: dir, Mode: "jsx", Show: true})
	waitUntil(t, "validation to record", func() bool {
		status, found := h.Status("demo", false, 0)
		return found && !status.RecordedAt.IsZero()
	})

	status, _ := h.Status("demo", false, 0)
	if status.Counts.Errors != 1 {
		t.Fatalf("expected one error, got %+v", status.Counts)
	}
	n := status.Notices[0]
	if n.Category != "scope-check" || !strings.Contains(n.Message, "Foo") {
		t.Fatalf("unexpected notice: %+v", n)
	}

	entries, _, err := h.JournalTail("demo", 0)
	if err != nil {
		t.Fatalf("JournalTail failed: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Type != journal.TypeRender || last.Status != "error" {
		t.Fatalf("render entry should carry the error outcome, got %+v", last)
	}
}

func TestHost_StatusWaitBlocksForRecord(t *testing.T) {
	root := t.TempDir()
	dir := writeSession(t, root, "demo", `<Button />`, `{"components":["Button"]}`)
	h := New(Options{Root: root})
	h.dispatch(watcher.Event{Kind: watcher.KindSessionFound, SessionID: "demo", Dir: dir, Mode: "jsx", Show: false})

	// Session registered but never validated: no result yet, not pending.
	status, found := h.Status("demo", true, 50*time.Millisecond)
	if !found {
		t.Fatal("registered session must be found")
	}
	if status.Pending || len(status.Notices) != 0 {
		t.Fatalf("dormant session should report empty non-pending status, got %+v", status)
	}

	h.dispatch(watcher.Event{Kind: watcher.KindEntryChanged, SessionID: "demo", Dir: dir, Mode: "jsx"})
	status, found = h.Status("demo", true, 2*time.Second)
	if !found {
		t.Fatal("session must be found")
	}
	if status.Pending {
		t.Fatalf("wait should return a settled status, got %+v", status)
	}
}

func TestHost_StatusUnknownSession(t *testing.T) {
	h := New(Options{Root: t.TempDir()})
	if _, found := h.Status("ghost", false, 0); found {
		t.Fatal("unknown session should report not found")
	}
	if _, found := h.RequestScreenshot("ghost"); found {
		t.Fatal("unknown session screenshot request should report not found")
	}
	if _, found, _ := h.JournalTail("ghost", 0); found {
		t.Fatal("unknown session journal should report not found")
	}
}

func TestHost_RequestScreenshotZeroViewers(t *testing.T) {
	root := t.TempDir()
	dir := writeSession(t, root, "demo", `<Button />`, `{"components":["Button"]}`)
	h := New(Options{Root: root})
	h.dispatch(watcher.Event{Kind: watcher.KindSessionFound, SessionID: "demo", Dir: dir, Mode: "jsx"})

	viewers, found := h.RequestScreenshot("demo")
	if !found {
		t.Fatal("session should be found")
	}
	if viewers != 0 {
		t.Fatalf("expected zero viewers, got %d", viewers)
	}
}

func TestHost_EndToEnd(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "demo", `<Foo />`, `{"components":["Button"]}`)

	h := New(Options{Root: root})
	w, err := watcher.New(watcher.Options{Root: root, Debounce: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("watcher.New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("watcher.Start failed: %v", err)
	}
	go func() { _ = h.Run(ctx, w.Events()) }()

	// Session appears in list().
	waitUntil(t, "session registration", func() bool { return len(h.Sessions()) == 1 })

	// Status query (wait=true) reports the scope-check error mentioning Foo.
	waitUntil(t, "validation result", func() bool {
		status, found := h.Status("demo", true, time.Second)
		return found && !status.RecordedAt.IsZero()
	})
	status, _ := h.Status("demo", true, time.Second)
	if status.Counts.Errors != 1 || status.Notices[0].Category != "scope-check" || !strings.Contains(status.Notices[0].Message, "Foo") {
		t.Fatalf("unexpected status: %+v", status)
	}

	// A connecting client receives the reload with the current payload.
	ts := httptest.NewServer(h.Hub())
	defer ts.Close()
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws"+ts.URL[len("http"):]+"/ws/view/demo", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read resync frame: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode resync frame: %v", err)
	}
	if msg.Kind != protocol.KindReload {
		t.Fatalf("first resync frame should be reload, got %s", msg.Kind)
	}
	var reload protocol.ReloadPayload
	if err := json.Unmarshal(msg.Payload, &reload); err != nil {
		t.Fatalf("decode reload payload: %v", err)
	}
	if !strings.Contains(reload.Code, "<Foo") {
		t.Fatalf("reload should carry the edited payload, got %q", reload.Code)
	}

	// Client emits an event; exactly one event entry lands in the journal.
	emit := protocol.Message{ID: "m1", Kind: protocol.KindEmitEvent, Payload: protocol.MustRaw(protocol.EmitEventPayload{
		Name: "clicked",
		Data: json.RawMessage(`{"id":1}`),
	})}
	raw, _ := json.Marshal(emit)
	if err := conn.Write(context.Background(), websocket.MessageText, raw); err != nil {
		t.Fatalf("write emit-event: %v", err)
	}
	waitUntil(t, "event entry in journal", func() bool {
		entries, _, err := h.JournalTail("demo", 0)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.Type == journal.TypeEvent && e.Event == "clicked" && string(e.Data) == `{"id":1}` {
				return true
			}
		}
		return false
	})
}

func TestHost_SetStatePersistsAndEchoes(t *testing.T) {
	root := t.TempDir()
	dir := writeSession(t, root, "demo", `<Button />`, `{"components":["Button"]}`)
	h := New(Options{Root: root})
	h.dispatch(watcher.Event{Kind: watcher.KindSessionFound, SessionID: "demo", Dir: dir, Mode: "jsx"})

	ts := httptest.NewServer(h.Hub())
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws/view/demo", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Drain the resync frames (reload + session list; no state yet).
	for i := 0; i < 2; i++ {
		readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, _, err := conn.Read(readCtx); err != nil {
			readCancel()
			t.Fatalf("read resync frame %d: %v", i, err)
		}
		readCancel()
	}

	setState := protocol.Message{ID: "m2", Kind: protocol.KindSetState, Payload: protocol.MustRaw(protocol.SetStatePayload{
		State: json.RawMessage(`{"filter":"done"}`),
	})}
	raw, _ := json.Marshal(setState)
	if err := conn.Write(context.Background(), websocket.MessageText, raw); err != nil {
		t.Fatalf("write set-state: %v", err)
	}

	// The sender receives the canonical echo.
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read state echo: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if msg.Kind != protocol.KindState {
		t.Fatalf("expected state echo, got %s", msg.Kind)
	}

	// And the on-disk blob converges to the same value.
	waitUntil(t, "state file write", func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "state.json"))
		return err == nil && strings.Contains(string(b), "done")
	})
}

func TestHost_ModeForFallsBackToConfiguredDefault(t *testing.T) {
	h := New(Options{Root: t.TempDir(), DefaultMode: "tsx"})

	if got := h.modeFor(watcher.Event{SessionID: "unknown"}); got != "tsx" {
		t.Fatalf("unregistered session should use the configured default, got %q", got)
	}
	if got := h.modeFor(watcher.Event{SessionID: "unknown", Mode: "jsx"}); got != "jsx" {
		t.Fatalf("an explicit event mode must win, got %q", got)
	}

	if h2 := New(Options{Root: t.TempDir()}); h2.modeFor(watcher.Event{SessionID: "x"}) != "jsx" {
		t.Fatal("empty DefaultMode should mean jsx")
	}
}

func TestRenderOutcomeHelper(t *testing.T) {
	status, errText := renderOutcome(nil)
	if status != "ok" || errText != "" {
		t.Fatalf("empty notices should be ok, got %s %q", status, errText)
	}
	status, errText = renderOutcome([]validate.Notice{
		{Severity: validate.SeverityWarning, Message: "slow"},
		{Severity: validate.SeverityError, Message: "broken"},
	})
	if status != "error" || errText != "broken" {
		t.Fatalf("unexpected outcome: %s %q", status, errText)
	}
}
