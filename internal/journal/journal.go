package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const FileName = "journal.ndjson"

const (
	TypeEvent      = "event"
	TypeNotice     = "notice"
	TypeRender     = "render"
	TypeScreenshot = "screenshot"
)

// Entry is one journal line. Type selects which of the optional fields are
// meaningful; TS is assigned at append time so file order matches wall-clock
// order even for batched entries.
type Entry struct {
	TS   time.Time `json:"ts"`
	Type string    `json:"type"`

	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	Severity string            `json:"severity,omitempty"`
	Category string            `json:"category,omitempty"`
	Message  string            `json:"message,omitempty"`
	Details  map[string]string `json:"details,omitempty"`

	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	Path string `json:"path,omitempty"`
}

func EventEntry(name string, data json.RawMessage) Entry {
	return Entry{Type: TypeEvent, Event: name, Data: data}
}

func NoticeEntry(severity, category, message string, details map[string]string) Entry {
	return Entry{Type: TypeNotice, Severity: severity, Category: category, Message: message, Details: details}
}

func RenderEntry(status, errText string, duration time.Duration) Entry {
	return Entry{Type: TypeRender, Status: status, Error: errText, DurationMS: duration.Milliseconds()}
}

func ScreenshotEntry(path string) Entry {
	return Entry{Type: TypeScreenshot, Path: path}
}

// Journal writes per-session NDJSON logs under <root>/<id>/journal.ndjson.
// One writer at a time per session; entries are never rewritten except by an
// explicit Clear.
type Journal struct {
	root    string
	nowFunc func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(root string) *Journal {
	return &Journal{
		root:    filepath.Clean(root),
		nowFunc: time.Now,
		locks:   map[string]*sync.Mutex{},
	}
}

func (j *Journal) Append(id string, entry Entry) error {
	return j.AppendMany(id, []Entry{entry})
}

// AppendMany stamps every entry with the same append-time clock read and
// writes them as one batch.
func (j *Journal) AppendMany(id string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	path, err := j.pathFor(id)
	if err != nil {
		return err
	}

	lock := j.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	now := j.nowFunc().UTC()
	var buf []byte
	for _, entry := range entries {
		entry.TS = now
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode journal entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return nil
}

// Clear truncates the session journal. Callers invoke this only as the first
// step of reacting to a code change.
func (j *Journal) Clear(id string) error {
	path, err := j.pathFor(id)
	if err != nil {
		return err
	}
	lock := j.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Tail reads the last limit entries (all of them when limit <= 0).
// Unparseable lines are skipped rather than failing the whole read.
func (j *Journal) Tail(id string, limit int) ([]Entry, error) {
	path, err := j.pathFor(id)
	if err != nil {
		return nil, err
	}
	lock := j.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func (j *Journal) pathFor(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", errors.New("invalid session id")
	}
	dir := filepath.Join(j.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

func (j *Journal) lockFor(id string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	lock, ok := j.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		j.locks[id] = lock
	}
	return lock
}
