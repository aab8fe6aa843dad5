package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dicklesworthstone/clipagent/internal/notify"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	outboxBuffer = 64
)

// wsSurface is one websocket subscriber. Events are queued in a bounded
// outbox and written by a dedicated goroutine so the hub never blocks on
// a slow connection.
type wsSurface struct {
	conn   *websocket.Conn
	outbox chan notify.Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWSSurface(conn *websocket.Conn) *wsSurface {
	return &wsSurface{
		conn:   conn,
		outbox: make(chan notify.Event, outboxBuffer),
		done:   make(chan struct{}),
	}
}

// Send implements notify.Surface.
func (s *wsSurface) Send(ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return notify.ErrClosed
	}
	select {
	case s.outbox <- ev:
		return nil
	default:
		return notify.ErrBackpressure
	}
}

// Close stops the write loop. The connection is closed by the loop.
func (s *wsSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	surface := newWSSurface(conn)
	unregister := s.hub.Register(surface)
	s.logger.Debug("surface connected", "remote", r.RemoteAddr, "surfaces", s.hub.Count())

	go surface.writeLoop()
	surface.readLoop()

	unregister()
	_ = surface.Close()
	s.logger.Debug("surface disconnected", "remote", r.RemoteAddr)
}

// readLoop drains control frames and returns when the peer goes away.
func (s *wsSurface) readLoop() {
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *wsSurface) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}
