package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event kinds published to the orchestrator.
const (
	KindSessionFound    = "session-found"
	KindEntryChanged    = "entry-changed"
	KindStateChanged    = "state-changed"
	KindManifestChanged = "manifest-changed"
	KindEntryRemoved    = "entry-removed"
)

// Event is one semantically meaningful action distilled from the raw
// filesystem stream.
type Event struct {
	Kind      string
	SessionID string
	Dir       string
	Mode      string
	// Show marks the session that should visibly present itself; during the
	// initial scan only the most recently modified session gets it.
	Show bool
}

const (
	RoleEntry    = "entry"
	RoleState    = "state"
	RoleManifest = "manifest"
)

type Options struct {
	Root     string
	Debounce time.Duration
	Logger   *slog.Logger
}

type timerKey struct {
	sessionID string
	role      string
}

// Watcher turns fsnotify events under the workspace root into debounced,
// per-(session, role) actions. Depth is limited to the root plus each
// session directory.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger

	fsw    *fsnotify.Watcher
	events chan Event

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	known  map[string]string // session id -> mode
	closed bool
}

func New(opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 75 * time.Millisecond
	}
	return &Watcher{
		root:     filepath.Clean(opts.Root),
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		events:   make(chan Event, 64),
		timers:   map[timerKey]*time.Timer{},
		known:    map[string]string{},
	}, nil
}

func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start performs the initial scan and hands the collected sessions to the
// event loop, which delivers each of them (only the most recently modified
// one with Show set) before consuming live fsnotify events until the
// context is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	if err := w.fsw.Add(w.root); err != nil {
		return err
	}

	found := w.initialScan()
	w.mu.Lock()
	for _, f := range found {
		w.known[f.id] = f.mode
	}
	w.mu.Unlock()

	go w.loop(ctx, found)
	return nil
}

type scanned struct {
	id    string
	dir   string
	mode  string
	mtime time.Time
	show  bool
}

func (w *Watcher) initialScan() []scanned {
	dirents, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Warn("initial scan failed", "error", err)
		return nil
	}

	var found []scanned
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, d.Name())
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn("watch session dir failed", "dir", dir, "error", err)
			continue
		}
		mode, mtime, ok := entryInfo(dir)
		if !ok {
			continue
		}
		found = append(found, scanned{id: d.Name(), dir: dir, mode: mode, mtime: mtime})
	}

	// Most recently modified first; ties break lexicographically by id so
	// restarts are deterministic.
	sort.Slice(found, func(i, j int) bool {
		if !found[i].mtime.Equal(found[j].mtime) {
			return found[i].mtime.After(found[j].mtime)
		}
		return found[i].id < found[j].id
	})
	if len(found) > 0 {
		found[0].show = true
	}
	return found
}

func entryInfo(dir string) (mode string, mtime time.Time, ok bool) {
	for _, name := range []string{"view.jsx", "view.tsx"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		return strings.TrimPrefix(filepath.Ext(name), "."), info.ModTime(), true
	}
	return "", time.Time{}, false
}

func (w *Watcher) loop(ctx context.Context, found []scanned) {
	defer func() {
		w.mu.Lock()
		w.closed = true
		for key, t := range w.timers {
			t.Stop()
			delete(w.timers, key)
		}
		close(w.events)
		w.mu.Unlock()
		_ = w.fsw.Close()
	}()

	// The initial batch must never be lossy: a restart can discover more
	// sessions than the live channel buffers, so block until the consumer
	// has taken each one.
	for _, f := range found {
		select {
		case <-ctx.Done():
			return
		case w.events <- Event{
			Kind:      KindSessionFound,
			SessionID: f.id,
			Dir:       f.dir,
			Mode:      f.mode,
			Show:      f.show,
		}:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Never fatal: the next event for the same key retries.
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	if ev.Op&fsnotify.Chmod != 0 {
		return
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))

	// A new directory directly under the root is a candidate session dir.
	if len(parts) == 1 {
		if ev.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := w.fsw.Add(ev.Name); err != nil {
					w.logger.Warn("watch session dir failed", "dir", ev.Name, "error", err)
				} else if mode, _, ok := entryInfo(ev.Name); ok {
					// Entry file landed before the directory watch did.
					w.schedule(parts[0], RoleEntry, mode)
				}
			}
		}
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.sessionDirGone(parts[0])
		}
		return
	}
	if len(parts) != 2 {
		return
	}

	sessionID := parts[0]
	role, mode := classify(parts[1])
	if role == "" {
		return
	}

	if role == RoleEntry && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// Deletion is not burst noise; close synchronously.
		w.entryRemoved(sessionID)
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	w.schedule(sessionID, role, mode)
}

// classify maps a filename to its recognized role; unrecognized files are
// ignored entirely.
func classify(name string) (role, mode string) {
	switch name {
	case "view.jsx":
		return RoleEntry, "jsx"
	case "view.tsx":
		return RoleEntry, "tsx"
	case "state.json":
		return RoleState, ""
	case "capabilities.json":
		return RoleManifest, ""
	default:
		return "", ""
	}
}

// schedule restarts the debounce timer for the (session, role) key; the
// timer firing is the only trigger for downstream action.
func (w *Watcher) schedule(sessionID, role, mode string) {
	key := timerKey{sessionID: sessionID, role: role}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.timers[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, key)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.fire(sessionID, role, mode)
	})
}

func (w *Watcher) fire(sessionID, role, mode string) {
	dir := filepath.Join(w.root, sessionID)
	switch role {
	case RoleEntry:
		if _, err := os.Stat(filepath.Join(dir, "view."+mode)); err != nil {
			// File vanished between the event and the timer; the next event
			// retries.
			w.logger.Debug("entry read skipped", "session_id", sessionID, "error", err)
			return
		}
		w.mu.Lock()
		_, knownBefore := w.known[sessionID]
		w.known[sessionID] = mode
		w.mu.Unlock()
		if !knownBefore {
			w.emit(Event{Kind: KindSessionFound, SessionID: sessionID, Dir: dir, Mode: mode, Show: true})
			return
		}
		w.emit(Event{Kind: KindEntryChanged, SessionID: sessionID, Dir: dir, Mode: mode})
	case RoleState:
		w.emit(Event{Kind: KindStateChanged, SessionID: sessionID, Dir: dir})
	case RoleManifest:
		w.emit(Event{Kind: KindManifestChanged, SessionID: sessionID, Dir: dir})
	}
}

func (w *Watcher) entryRemoved(sessionID string) {
	w.mu.Lock()
	mode, ok := w.known[sessionID]
	if ok {
		delete(w.known, sessionID)
	}
	key := timerKey{sessionID: sessionID, role: RoleEntry}
	if t, exists := w.timers[key]; exists {
		t.Stop()
		delete(w.timers, key)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	w.emit(Event{Kind: KindEntryRemoved, SessionID: sessionID, Dir: filepath.Join(w.root, sessionID), Mode: mode})
}

func (w *Watcher) sessionDirGone(sessionID string) {
	w.entryRemoved(sessionID)
}

func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.events <- ev:
	default:
		// A stalled consumer must not block the debounce path.
		w.logger.Warn("event channel full, dropping", "kind", ev.Kind, "session_id", ev.SessionID)
	}
}
