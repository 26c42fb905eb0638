package host

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stagehand/host/internal/historydb"
	"stagehand/host/internal/hub"
	"stagehand/host/internal/journal"
	"stagehand/host/internal/logging"
	"stagehand/host/internal/manifest"
	"stagehand/host/internal/protocol"
	"stagehand/host/internal/session"
	"stagehand/host/internal/statefile"
	"stagehand/host/internal/valstatus"
	"stagehand/host/internal/validate"
	"stagehand/host/internal/watcher"
)

const screenshotFileName = "screenshot.png"

type Options struct {
	Root      string
	PublicURL string
	// DefaultMode is assumed when an event carries no mode and the registry
	// has nothing recorded; empty means "jsx".
	DefaultMode string
	Logger      *slog.Logger
	// History is optional; a nil store disables render-outcome persistence.
	History *historydb.Store
}

// Host glues the watcher, pipeline, stores, and hub into one running system.
type Host struct {
	root        string
	defaultMode string
	logger      *slog.Logger

	registry *session.Registry
	journal  *journal.Journal
	status   *valstatus.Store
	pipeline *validate.Pipeline
	history  *historydb.Store
	hub      *hub.Hub

	// lastLiveState suppresses the echo broadcast when the watcher reports
	// the state write we just made on behalf of a live client.
	mu            sync.Mutex
	lastLiveState map[string]string
}

func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	defaultMode := opts.DefaultMode
	if defaultMode == "" {
		defaultMode = "jsx"
	}
	h := &Host{
		root:          filepath.Clean(opts.Root),
		defaultMode:   defaultMode,
		logger:        logger,
		registry:      session.NewRegistry(opts.PublicURL),
		journal:       journal.New(opts.Root),
		status:        valstatus.NewStore(),
		pipeline:      validate.NewPipeline(validate.DefaultChecks()...),
		history:       opts.History,
		lastLiveState: map[string]string{},
	}
	h.hub = hub.New(hub.Deps{
		Logger:        logger,
		SessionExists: h.SessionExists,
		Resync:        h.resyncMessages,
		OnMessage:     h.handleClientMessage,
	})
	return h
}

func (h *Host) Hub() *hub.Hub { return h.hub }

// Run consumes watcher events until the channel closes or the context ends.
func (h *Host) Run(ctx context.Context, events <-chan watcher.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.dispatch(ev)
		}
	}
}

func (h *Host) dispatch(ev watcher.Event) {
	switch ev.Kind {
	case watcher.KindSessionFound:
		h.sessionFound(ev)
	case watcher.KindEntryChanged, watcher.KindManifestChanged:
		h.revalidate(ev.SessionID, ev.Dir, h.modeFor(ev))
	case watcher.KindStateChanged:
		h.stateChanged(ev.SessionID, ev.Dir)
	case watcher.KindEntryRemoved:
		h.sessionRemoved(ev.SessionID)
	}
}

func (h *Host) sessionFound(ev watcher.Event) {
	if _, err := h.registry.Open(ev.SessionID, ev.Dir, ev.Mode); err != nil {
		h.logger.Warn("open session failed", "session_id", ev.SessionID, "error", err)
		return
	}
	if h.history != nil {
		if err := h.history.TouchSession(ev.SessionID); err != nil {
			h.logger.Warn("history touch failed", "session_id", ev.SessionID, "error", err)
		}
	}
	h.broadcastSessionList()
	h.logger.Info("session registered", "session_id", ev.SessionID, "mode", ev.Mode, "show", ev.Show)
	if ev.Show {
		h.revalidate(ev.SessionID, ev.Dir, ev.Mode)
	}
}

func (h *Host) sessionRemoved(sessionID string) {
	if !h.registry.Close(sessionID) {
		return
	}
	h.status.Drop(sessionID)
	h.hub.CloseSession(sessionID)
	h.broadcastSessionList()
	h.logger.Info("session closed", "session_id", sessionID)
}

// Close removes a session on explicit request, reporting whether it existed.
// Files on disk are left alone.
func (h *Host) Close(sessionID string) bool {
	if _, ok := h.registry.Get(sessionID); !ok {
		return false
	}
	h.sessionRemoved(sessionID)
	return true
}

// revalidate clears the journal, marks the session pending, and runs the
// pipeline on its own goroutine so a slow check never stalls event dispatch.
func (h *Host) revalidate(sessionID, dir, mode string) {
	logger := logging.ForSession(h.logger, sessionID)
	if err := h.journal.Clear(sessionID); err != nil {
		logger.Warn("journal clear failed", "error", err)
	}
	gen := h.status.MarkPending(sessionID)

	go func() {
		start := time.Now()

		code, err := os.ReadFile(filepath.Join(dir, "view."+mode))
		if err != nil {
			// Transient: the file vanished between the event and the read.
			// Drop the action; the next change retries.
			logger.Warn("entry read failed", "error", err)
			return
		}

		notices := []validate.Notice{}
		caps, err := manifest.Load(dir)
		if err != nil {
			notices = append(notices, validate.Notice{
				Severity: validate.SeverityError,
				Category: "manifest-check",
				Message:  err.Error(),
			})
		}
		notices = append(notices, h.pipeline.Run(validate.Input{
			Code:         string(code),
			Capabilities: caps.Components,
		})...)
		duration := time.Since(start)

		if !h.status.Record(sessionID, gen, notices) {
			// A newer change superseded this run; its own completion owns the
			// journal and the broadcast.
			return
		}

		status, errText := renderOutcome(notices)
		entries := make([]journal.Entry, 0, len(notices)+1)
		for _, n := range notices {
			entries = append(entries, journal.NoticeEntry(n.Severity, n.Category, n.Message, n.Details))
		}
		entries = append(entries, journal.RenderEntry(status, errText, duration))
		if err := h.journal.AppendMany(sessionID, entries); err != nil {
			logger.Warn("journal append failed", "error", err)
		}
		if h.history != nil {
			if err := h.history.RecordOutcome(sessionID, status, errText, duration); err != nil {
				logger.Warn("history record failed", "error", err)
			}
		}

		h.hub.Send(sessionID, protocol.NewMessage(protocol.KindReload, sessionID, protocol.ReloadPayload{
			Code:    string(code),
			Mode:    mode,
			Notices: toWireNotices(notices),
		}))
		logger.Info("validation recorded", "status", status, "notices", len(notices), "duration_ms", duration.Milliseconds())
	}()
}

func (h *Host) stateChanged(sessionID, dir string) {
	state, ok, err := statefile.Read(dir)
	if err != nil {
		h.logger.Warn("state read failed", "session_id", sessionID, "error", err)
		return
	}
	if !ok {
		return
	}
	if h.consumeLiveStateEcho(sessionID, state) {
		return
	}
	h.hub.Send(sessionID, protocol.NewMessage(protocol.KindState, sessionID, protocol.StatePayload{State: state}))
}

func (h *Host) modeFor(ev watcher.Event) string {
	if ev.Mode != "" {
		return ev.Mode
	}
	if s, ok := h.registry.Get(ev.SessionID); ok {
		return s.Mode
	}
	return h.defaultMode
}

// --- hub callbacks ---

func (h *Host) SessionExists(sessionID string) bool {
	_, ok := h.registry.Get(sessionID)
	return ok
}

func (h *Host) resyncMessages(sessionID string) []protocol.Message {
	s, ok := h.registry.Get(sessionID)
	if !ok {
		return nil
	}
	var msgs []protocol.Message
	if code, err := os.ReadFile(filepath.Join(s.Root, "view."+s.Mode)); err == nil {
		var notices []validate.Notice
		if status, ok := h.status.Get(sessionID); ok {
			notices = status.Notices
		}
		msgs = append(msgs, protocol.NewMessage(protocol.KindReload, sessionID, protocol.ReloadPayload{
			Code:    string(code),
			Mode:    s.Mode,
			Notices: toWireNotices(notices),
		}))
	}
	if state, ok, err := statefile.Read(s.Root); err == nil && ok {
		msgs = append(msgs, protocol.NewMessage(protocol.KindState, sessionID, protocol.StatePayload{State: state}))
	}
	msgs = append(msgs, h.sessionListMessage())
	return msgs
}

func (h *Host) handleClientMessage(sessionID string, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindEmitEvent:
		var payload protocol.EmitEventPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Name == "" {
			h.logger.Warn("dropping bad emit-event payload", "session_id", sessionID, "error", err)
			return
		}
		if err := h.journal.Append(sessionID, journal.EventEntry(payload.Name, payload.Data)); err != nil {
			h.logger.Warn("journal append failed", "session_id", sessionID, "error", err)
		}

	case protocol.KindReportError:
		var payload protocol.ReportErrorPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Message == "" {
			h.logger.Warn("dropping bad report-error payload", "session_id", sessionID, "error", err)
			return
		}
		entry := journal.NoticeEntry(validate.SeverityError, "runtime", payload.Message, nil)
		if err := h.journal.Append(sessionID, entry); err != nil {
			h.logger.Warn("journal append failed", "session_id", sessionID, "error", err)
		}

	case protocol.KindReportNotices:
		var payload protocol.ReportNoticesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.logger.Warn("dropping bad report-notices payload", "session_id", sessionID, "error", err)
			return
		}
		entries := make([]journal.Entry, 0, len(payload.Notices))
		for _, n := range payload.Notices {
			entries = append(entries, journal.NoticeEntry(n.Severity, n.Category, n.Message, n.Details))
		}
		if err := h.journal.AppendMany(sessionID, entries); err != nil {
			h.logger.Warn("journal append failed", "session_id", sessionID, "error", err)
		}

	case protocol.KindSetState:
		var payload protocol.SetStatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.logger.Warn("dropping bad set-state payload", "session_id", sessionID, "error", err)
			return
		}
		h.applyLiveState(sessionID, payload.State)

	case protocol.KindScreenshotResult:
		var payload protocol.ScreenshotResultPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.logger.Warn("dropping bad screenshot payload", "session_id", sessionID, "error", err)
			return
		}
		h.storeScreenshot(sessionID, payload.Data)
	}
}

// applyLiveState persists a live client's state write and echoes the
// canonical value to every viewer of the session, sender included.
func (h *Host) applyLiveState(sessionID string, state json.RawMessage) {
	s, ok := h.registry.Get(sessionID)
	if !ok {
		return
	}
	h.markLiveStateEcho(sessionID, state)
	if err := statefile.Write(s.Root, state); err != nil {
		h.logger.Warn("state write failed", "session_id", sessionID, "error", err)
		return
	}
	h.hub.Send(sessionID, protocol.NewMessage(protocol.KindState, sessionID, protocol.StatePayload{State: state}))
}

func (h *Host) storeScreenshot(sessionID, data string) {
	s, ok := h.registry.Get(sessionID)
	if !ok {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		h.logger.Warn("screenshot decode failed", "session_id", sessionID, "error", err)
		return
	}
	path := filepath.Join(s.Root, screenshotFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		h.logger.Warn("screenshot write failed", "session_id", sessionID, "error", err)
		return
	}
	if err := h.journal.Append(sessionID, journal.ScreenshotEntry(screenshotFileName)); err != nil {
		h.logger.Warn("journal append failed", "session_id", sessionID, "error", err)
	}
}

// --- queries used by the HTTP API ---

func (h *Host) Sessions() []session.Session {
	return h.registry.List()
}

// Status reports the validation state for a session, optionally blocking for
// an in-flight run. found=false means the session does not exist.
func (h *Host) Status(sessionID string, wait bool, timeout time.Duration) (valstatus.Status, bool) {
	if _, ok := h.registry.Get(sessionID); !ok {
		return valstatus.Status{}, false
	}
	if wait {
		h.status.Wait(sessionID, timeout)
	}
	status, ok := h.status.Get(sessionID)
	if !ok {
		return valstatus.Status{Notices: []validate.Notice{}}, true
	}
	return status, true
}

// RequestScreenshot asks the session's viewers to capture; reports how many
// connections received the request.
func (h *Host) RequestScreenshot(sessionID string) (int, bool) {
	if _, ok := h.registry.Get(sessionID); !ok {
		return 0, false
	}
	viewers := h.hub.ConnCount(sessionID)
	if viewers > 0 {
		h.hub.Send(sessionID, protocol.NewMessage(protocol.KindScreenshotRequest, sessionID, struct{}{}))
	}
	return viewers, true
}

func (h *Host) JournalTail(sessionID string, limit int) ([]journal.Entry, bool, error) {
	if _, ok := h.registry.Get(sessionID); !ok {
		return nil, false, nil
	}
	entries, err := h.journal.Tail(sessionID, limit)
	return entries, true, err
}

func (h *Host) History(sessionID string, limit int) ([]historydb.Outcome, error) {
	if h.history == nil {
		return []historydb.Outcome{}, nil
	}
	return h.history.ListOutcomes(sessionID, limit)
}

// --- helpers ---

func (h *Host) broadcastSessionList() {
	h.hub.BroadcastGlobal(h.sessionListMessage())
}

func (h *Host) sessionListMessage() protocol.Message {
	sessions := h.registry.List()
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, protocol.SessionInfo{
			ID:        s.ID,
			Mode:      s.Mode,
			URL:       s.URL,
			CreatedAt: s.CreatedAt.Unix(),
		})
	}
	return protocol.NewMessage(protocol.KindSessionList, "", protocol.SessionListPayload{Sessions: infos})
}

func (h *Host) markLiveStateEcho(sessionID string, state json.RawMessage) {
	h.mu.Lock()
	h.lastLiveState[sessionID] = stateDigest(state)
	h.mu.Unlock()
}

func (h *Host) consumeLiveStateEcho(sessionID string, state json.RawMessage) bool {
	digest := stateDigest(state)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastLiveState[sessionID] == digest {
		delete(h.lastLiveState, sessionID)
		return true
	}
	return false
}

func stateDigest(state json.RawMessage) string {
	sum := sha1.Sum(state)
	return hex.EncodeToString(sum[:])
}

func renderOutcome(notices []validate.Notice) (status, errText string) {
	for _, n := range notices {
		if n.Severity == validate.SeverityError {
			return "error", n.Message
		}
	}
	return "ok", ""
}

func toWireNotices(notices []validate.Notice) []protocol.Notice {
	if len(notices) == 0 {
		return nil
	}
	out := make([]protocol.Notice, 0, len(notices))
	for _, n := range notices {
		out = append(out, protocol.Notice{
			Severity: n.Severity,
			Category: n.Category,
			Message:  n.Message,
			Details:  n.Details,
		})
	}
	return out
}
