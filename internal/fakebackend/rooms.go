// ABOUTME: Websocket sessions and per-conversation rooms for the fake backend's event bus
// ABOUTME: Each session sits in at most one room; fan-out skips the originating session by default

package fakebackend

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	sendBacklog = 128
)

var errSessionClosed = errors.New("session closed")

// wsSession is one authenticated socket. Outbound frames go through a
// buffered queue drained by a single writer goroutine.
type wsSession struct {
	id     string
	userID string

	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newSession(userID string, ws *websocket.Conn) *wsSession {
	return &wsSession{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBacklog),
		closed: make(chan struct{}),
	}
}

// enqueue queues payload. A session whose backlog is full is closed.
func (s *wsSession) enqueue(payload []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- payload:
		return nil
	default:
		s.close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("send buffer exceeded")
	}
}

func (s *wsSession) close(code int, reason string) {
	s.once.Do(func() {
		close(s.closed)
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = s.ws.Close()
	})
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// router tracks live sessions and which room each one joined.
type router struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
	rooms    map[string]map[string]*wsSession // conversation ID -> session ID -> session
	joined   map[string]string                // session ID -> conversation ID
}

func newRouter() *router {
	return &router{
		sessions: make(map[string]*wsSession),
		rooms:    make(map[string]map[string]*wsSession),
		joined:   make(map[string]string),
	}
}

func (r *router) attach(s *wsSession) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	go s.writeLoop()
}

func (r *router) detach(s *wsSession) {
	r.mu.Lock()
	r.leaveLocked(s.id)
	delete(r.sessions, s.id)
	r.mu.Unlock()
}

// join moves the session into conversationID, leaving its previous room.
func (r *router) join(conversationID string, s *wsSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.id]; !ok {
		return
	}
	r.leaveLocked(s.id)

	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]*wsSession)
		r.rooms[conversationID] = room
	}
	room[s.id] = s
	r.joined[s.id] = conversationID
}

func (r *router) leaveLocked(sessionID string) {
	convID, ok := r.joined[sessionID]
	if !ok {
		return
	}
	delete(r.joined, sessionID)
	if room := r.rooms[convID]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, convID)
		}
	}
}

// room returns the conversation the session joined, or "".
func (r *router) room(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joined[sessionID]
}

// broadcast delivers payload to every session in the room except excludeSessionID.
func (r *router) broadcast(conversationID string, payload []byte, excludeSessionID string) int {
	r.mu.RLock()
	targets := make([]*wsSession, 0, len(r.rooms[conversationID]))
	for id, s := range r.rooms[conversationID] {
		if id == excludeSessionID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(payload) == nil {
			delivered++
		}
	}
	return delivered
}

func (r *router) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// closeAll terminates every session.
func (r *router) closeAll(code int, reason string) {
	r.mu.RLock()
	all := make([]*wsSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.close(code, reason)
	}
}
