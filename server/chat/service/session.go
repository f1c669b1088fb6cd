package service

import (
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"ops_chat/server/chat/protocol"
	commonlog "ops_chat/server/common/log"
	"ops_chat/server/common/metrics"
)

const DefaultSessionQueueSize = 64

// Session is one client connection as seen by the hub. Frames are queued
// on a bounded channel and written by the connection's own writer; a
// session that falls behind is closed rather than skipped.
type Session struct {
	id  string
	out chan []byte

	// authUserID comes from a verified token and wins over payload ids.
	authUserID   string
	authUserName string

	mu          sync.Mutex
	userID      string
	displayName string
	room        string
	closed      bool
	closeCode   int
	closeReason string
	done        chan struct{}
}

func NewSession(id string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultSessionQueueSize
	}
	return &Session{
		id:   id,
		out:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// Authenticate pins the session to a verified identity.
func (s *Session) Authenticate(userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authUserID = strings.TrimSpace(userID)
	s.authUserName = strings.TrimSpace(displayName)
	if s.authUserID != "" {
		s.userID = s.authUserID
		s.displayName = s.authUserName
	}
}

func (s *Session) ID() string { return s.id }

// Outbound yields encoded frames in send order.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done is closed once the session has been closed by the server.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Identity() (userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.displayName
}

func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// CloseStatus reports the websocket close code chosen by the server.
func (s *Session) CloseStatus() (code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// bindIdentity records the claimed identity unless a verified one exists.
// An empty display name keeps the previous one.
func (s *Session) bindIdentity(userID, displayName string) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)
	if s.authUserID != "" {
		s.userID = s.authUserID
		if s.authUserName != "" {
			displayName = s.authUserName
		}
	} else if userID != "" {
		s.userID = userID
	}
	if displayName != "" {
		s.displayName = displayName
	}
	if s.displayName == "" {
		s.displayName = s.userID
	}
	return s.userID, s.displayName
}

func (s *Session) setRoom(room string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.room
	s.room = room
	return previous
}

// enqueue queues frame without blocking. A full queue closes the session.
func (s *Session) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
	}
	s.closeLocked(websocket.CloseTryAgainLater, "outbound queue full")
	metrics.SessionsDropped.WithLabelValues("slow_consumer").Inc()
	commonlog.Warnf("event=ws_session action=enqueue status=dropped reason=slow_consumer session_id=%s user_id=%s room_id=%s", s.id, s.userID, s.room)
	return false
}

func (s *Session) send(e protocol.Event) bool {
	return s.enqueue(protocol.MustEncode(e))
}

func (s *Session) sendError(message string) bool {
	return s.send(protocol.Error{Message: message})
}

// Close stops further delivery. Safe to call more than once; the first
// code wins.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(code, reason)
}

func (s *Session) closeLocked(code int, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.done)
}
