package service

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ops_chat/server/chat/protocol"
	commonlog "ops_chat/server/common/log"
	"ops_chat/server/common/metrics"
	"ops_chat/server/common/middleware"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RealtimeService owns websocket connections: it upgrades requests,
// decodes frames for the hub and writes each session's outbound queue.
type RealtimeService struct {
	hub       *Hub
	queueSize int
}

func NewRealtimeService(hub *Hub, queueSize int) *RealtimeService {
	return &RealtimeService{hub: hub, queueSize: queueSize}
}

func (s *RealtimeService) HandleWS(c *gin.Context) {
	identity, authenticated := middleware.IdentityFromContext(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=ws_session action=upgrade status=failed remote=%s error=%v", c.ClientIP(), err)
		return
	}

	session := NewSession(uuid.NewString(), s.queueSize)
	if authenticated {
		session.Authenticate(identity.UserID, identity.DisplayName)
	}
	s.hub.Register(session)
	commonlog.Infof("event=ws_session action=open status=ok session_id=%s user_id=%s authenticated=%t", session.ID(), identity.UserID, authenticated)

	go s.writePump(conn, session)
	s.readPump(conn, session)
}

func (s *RealtimeService) readPump(conn *websocket.Conn, session *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.hub.Disconnect(session)
		_ = conn.Close()
		uid, _ := session.Identity()
		commonlog.Infof("event=ws_session action=close status=ok session_id=%s user_id=%s", session.ID(), uid)
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				commonlog.Warnf("event=ws_session action=read status=failed session_id=%s error=%v", session.ID(), err)
			}
			return
		}
		ev, err := protocol.Decode(raw)
		if err != nil {
			s.hub.Reject(session, "invalid", err)
			continue
		}
		s.hub.Handle(ctx, session, ev)
	}
}

// writePump is the only writer of conn besides the upgrade handshake.
func (s *RealtimeService) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				metrics.SessionsDropped.WithLabelValues("write_error").Inc()
				commonlog.Warnf("event=ws_session action=write status=failed session_id=%s error=%v", session.ID(), err)
				session.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-session.Done():
			code, reason := session.CloseStatus()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}
