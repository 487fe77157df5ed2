// Package hub tracks which connection has joined which session and fans
// events out to every connection in a session.
package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mixmate/remixd/internal/event"
	"github.com/mixmate/remixd/internal/metrics"
)

// Conn is one live client connection. Send must not block: it enqueues into
// a bounded buffer and reports false when the buffer is full, so a slow or
// dead peer never stalls the mutation path for others.
type Conn interface {
	ID() string
	UserID() string
	Send(env event.Envelope) bool
}

// Hub maps session codes to the connections joined to them. A connection is
// bound to at most one session; binding it to a second code implies leaving
// the first.
type Hub struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	bySession map[string]map[string]Conn // code -> connID -> conn
	byConn    map[string]string          // connID -> code
}

// New creates an empty Hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		bySession: make(map[string]map[string]Conn),
		byConn:    make(map[string]string),
	}
}

// Bind associates conn with the session code. If the connection was bound to
// a different code, the previous binding is dropped first and returned so the
// caller can announce the departure.
func (h *Hub) Bind(code string, conn Conn) (previous string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.byConn[conn.ID()]; ok {
		if prev == code {
			return ""
		}
		h.unbindLocked(conn.ID(), prev)
		previous = prev
	}
	conns, ok := h.bySession[code]
	if !ok {
		conns = make(map[string]Conn)
		h.bySession[code] = conns
		metrics.TrackedSessions.Set(float64(len(h.bySession)))
	}
	conns[conn.ID()] = conn
	h.byConn[conn.ID()] = code
	return previous
}

// Unbind removes the connection's session binding, returning the code it was
// bound to. ok is false when there was no binding (disconnect is a no-op).
func (h *Hub) Unbind(connID string) (code string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	code, ok = h.byConn[connID]
	if !ok {
		return "", false
	}
	h.unbindLocked(connID, code)
	return code, true
}

func (h *Hub) unbindLocked(connID, code string) {
	delete(h.byConn, connID)
	if conns, ok := h.bySession[code]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.bySession, code)
			metrics.TrackedSessions.Set(float64(len(h.bySession)))
		}
	}
}

// Session returns the code the connection is bound to, if any.
func (h *Hub) Session(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	code, ok := h.byConn[connID]
	return code, ok
}

// Broadcast delivers env to every connection in the session, including the
// originator. Full peer buffers are skipped and counted, never waited on.
func (h *Hub) Broadcast(code string, env event.Envelope) {
	h.send(code, "", env)
}

// BroadcastExcept delivers env to every connection in the session except the
// originating one. Used for playback and tempo sync, where the originator
// already holds the authoritative value.
func (h *Hub) BroadcastExcept(code, originID string, env event.Envelope) {
	h.send(code, originID, env)
}

func (h *Hub) send(code, skipID string, env event.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, conn := range h.bySession[code] {
		if id == skipID {
			continue
		}
		if !conn.Send(env) {
			metrics.BroadcastDroppedTotal.WithLabelValues(env.Event).Inc()
			h.logger.Warn().
				Str("code", code).
				Str("conn", id).
				Str("event", env.Event).
				Msg("peer send buffer full, event dropped")
		}
	}
}
