package api

import (
	"encoding/json"
	"sync"
	"time"

	"chatrelay/logger"
	"chatrelay/metrics"
	"chatrelay/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
)

// Session is one live client connection. Outbound frames go through a
// bounded queue drained by the write pump, so a slow client never blocks
// request handling or fan-out.
type Session struct {
	id     string
	remote string

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newSession(id, remote string, buffer int) *Session {
	return &Session{id: id, remote: remote, send: make(chan []byte, buffer)}
}

func (s *Session) ID() string { return s.id }

// Send queues a private frame. It reports false when the frame was dropped.
func (s *Session) Send(f models.Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		logger.Error("encode private frame", err, logger.FieldKV("event", f.Event))
		return false
	}
	return s.enqueue(b)
}

func (s *Session) enqueue(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		metrics.IncDroppedFrame()
		return false
	}
	select {
	case s.send <- b:
		return true
	default:
		metrics.IncDroppedFrame()
		logger.Debug("session queue full, frame dropped", logger.FieldKV("session_id", s.id))
		return false
	}
}

// Close stops accepting frames. The write pump flushes what is queued, sends
// a close frame and closes the connection.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case b, ok := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Debug("websocket write error", logger.FieldKV("session_id", s.id), logger.FieldKV("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds every inbound frame to onFrame until the connection fails
// or the session is closed.
func (s *Session) readPump(conn *websocket.Conn, onFrame func([]byte)) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error("websocket read error", err, logger.FieldKV("session_id", s.id))
			}
			return
		}
		if s.isClosed() {
			return
		}
		onFrame(data)
	}
}
