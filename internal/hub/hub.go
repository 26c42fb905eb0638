package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"stagehand/host/internal/protocol"
)

const wsReadLimitBytes int64 = 1 << 20 // 1 MiB

const writeTimeout = 2 * time.Second

type peerConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Deps wires the hub to the rest of the host without import cycles: the
// orchestrator supplies session lookup, resync frames, and the inbound sink.
type Deps struct {
	Logger *slog.Logger
	// SessionExists gates the upgrade; unknown ids get a 404.
	SessionExists func(sessionID string) bool
	// Resync returns the ordered frames a fresh connection must receive to be
	// fully consistent: reload (if code exists), state (if state exists),
	// then the session list.
	Resync func(sessionID string) []protocol.Message
	// OnMessage receives every well-formed inbound client message.
	OnMessage func(sessionID string, msg protocol.Message)
}

// Hub is the registry of live viewer connections keyed by session id.
type Hub struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]map[*peerConn]struct{}
}

func New(deps Deps) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Hub{
		deps:     deps,
		logger:   logger,
		sessions: map[string]map[*peerConn]struct{}{},
	}
}

// ServeHTTP upgrades /ws/view/{session-id} requests.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseViewPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if h.deps.SessionExists != nil && !h.deps.SessionExists(sessionID) {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimitBytes)
	peer := &peerConn{id: uuid.NewString(), conn: conn}

	h.attach(sessionID, peer)
	defer h.detach(sessionID, peer)

	// Full-state resync before anything else, so the viewer needs no second
	// round trip regardless of when it (re)connects.
	if h.deps.Resync != nil {
		for _, msg := range h.deps.Resync(sessionID) {
			h.writePeer(peer, msg)
		}
	}

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			// Malformed frames are dropped; the connection stays open.
			h.logger.Warn("dropping malformed client message", "session_id", sessionID, "conn_id", peer.id, "error", err)
			continue
		}
		msg.SessionID = sessionID
		if h.deps.OnMessage != nil {
			h.deps.OnMessage(sessionID, msg)
		}
	}
}

func parseViewPath(path string) (sessionID string, ok bool) {
	if !strings.HasPrefix(path, "/ws/view/") {
		return "", false
	}
	id := strings.TrimPrefix(path, "/ws/view/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (h *Hub) attach(sessionID string, peer *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.sessions[sessionID]
	if peers == nil {
		peers = map[*peerConn]struct{}{}
		h.sessions[sessionID] = peers
	}
	peers[peer] = struct{}{}
}

// detach is idempotent; a double remove is a no-op.
func (h *Hub) detach(sessionID string, peer *peerConn) {
	h.mu.Lock()
	peers := h.sessions[sessionID]
	if peers != nil {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()
	_ = peer.conn.Close(websocket.StatusNormalClosure, "")
}

// Send delivers to every live connection of one session. Zero viewers is a
// silent no-op.
func (h *Hub) Send(sessionID string, msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, peer := range h.peersFor(sessionID) {
		h.writeRaw(peer, data)
	}
}

// BroadcastGlobal delivers to every connection across all sessions. Used only
// for session-list updates.
func (h *Hub) BroadcastGlobal(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	var all []*peerConn
	for _, peers := range h.sessions {
		for peer := range peers {
			all = append(all, peer)
		}
	}
	h.mu.Unlock()
	for _, peer := range all {
		h.writeRaw(peer, data)
	}
}

// CloseSession disconnects every viewer of a session; used when the entry
// file is deleted.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	peers := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	for peer := range peers {
		_ = peer.conn.Close(websocket.StatusGoingAway, "session closed")
	}
}

// ConnCount reports live viewers for a session.
func (h *Hub) ConnCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) peersFor(sessionID string) []*peerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.sessions[sessionID]
	out := make([]*peerConn, 0, len(peers))
	for peer := range peers {
		out = append(out, peer)
	}
	return out
}

func (h *Hub) writePeer(peer *peerConn, msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.writeRaw(peer, data)
}

func (h *Hub) writeRaw(peer *peerConn, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	peer.writeMu.Lock()
	_ = peer.conn.Write(ctx, websocket.MessageText, data)
	peer.writeMu.Unlock()
	cancel()
}
