package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Server -> client kinds.
const (
	KindReload            = "reload"
	KindState             = "state"
	KindScreenshotRequest = "screenshot-request"
	KindSessionList       = "session-list"
)

// Client -> server kinds.
const (
	KindEmitEvent        = "emit-event"
	KindReportError      = "report-error"
	KindReportNotices    = "report-notices"
	KindSetState         = "set-state"
	KindScreenshotResult = "screenshot-result"
)

// Message is the wire envelope for both directions. Payload shape is
// determined by Kind.
type Message struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ReloadPayload struct {
	Code    string   `json:"code"`
	Mode    string   `json:"mode"`
	Notices []Notice `json:"notices,omitempty"`
}

type StatePayload struct {
	State json.RawMessage `json:"state"`
}

type SessionListPayload struct {
	Sessions []SessionInfo `json:"sessions"`
}

type SessionInfo struct {
	ID        string `json:"id"`
	Mode      string `json:"mode"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"created_at"`
}

type EmitEventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ReportErrorPayload struct {
	Message string `json:"message"`
}

type ReportNoticesPayload struct {
	Notices []Notice `json:"notices"`
}

type SetStatePayload struct {
	State json.RawMessage `json:"state"`
}

type ScreenshotResultPayload struct {
	// Data is the base64-encoded image body.
	Data string `json:"data"`
}

// Notice mirrors the journal notice shape so browser-side findings land in the
// log unchanged.
type Notice struct {
	Severity string            `json:"severity"`
	Category string            `json:"category"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

var clientKinds = map[string]struct{}{
	KindEmitEvent:        {},
	KindReportError:      {},
	KindReportNotices:    {},
	KindSetState:         {},
	KindScreenshotResult: {},
}

// ParseClientMessage decodes and sanity-checks an inbound client frame.
func ParseClientMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	kind := strings.TrimSpace(msg.Kind)
	if kind == "" {
		return Message{}, errors.New("message kind is required")
	}
	if _, ok := clientKinds[kind]; !ok {
		return Message{}, errors.New("unknown client message kind: " + kind)
	}
	msg.Kind = kind
	return msg, nil
}

// NewMessage builds a server-originated envelope with a fresh id.
func NewMessage(kind, sessionID string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		Payload:   MustRaw(payload),
	}
}

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

