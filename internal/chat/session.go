package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.
)

// Command is what the client sends: select a conversation or send a message.
type Command struct {
	Type    string `json:"type"` // "select" or "send"
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content,omitempty"`
}

// Frame is what the server pushes back. Snapshots are always whole views;
// the client re-renders rather than patching.
type Frame struct {
	Type  string `json:"type"` // "snapshot" or "error"
	View  *View  `json:"view,omitempty"`
	Error string `json:"error,omitempty"`
	Draft string `json:"draft,omitempty"` // preserved text of a failed send
}

// Session ties one websocket connection to one engine. The engine holds at
// most one conversation; selecting another tears the previous one down.
type Session struct {
	conn   *websocket.Conn
	engine *Engine
	userID string
	out    chan Frame
	dirty  chan struct{}
	done   chan struct{}
	log    *zap.SugaredLogger
}

func newSession(conn *websocket.Conn, engine *Engine, userID string, log *zap.SugaredLogger) *Session {
	s := &Session{
		conn:   conn,
		engine: engine,
		userID: userID,
		out:    make(chan Frame, 16),
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    log,
	}
	engine.OnChange(s.markDirty)
	return s
}

// markDirty coalesces change notifications; the write pump sends one fresh
// snapshot per wakeup no matter how many events landed in between.
func (s *Session) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Session) enqueue(f Frame) {
	select {
	case s.out <- f:
	default:
		s.log.Warnw("dropping frame, slow consumer", "user_id", s.userID)
	}
}

// readPump pumps commands from the websocket into the engine.
func (s *Session) readPump() {
	defer func() {
		s.engine.Teardown()
		close(s.done)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warnw("websocket read failed", "user_id", s.userID, "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.enqueue(Frame{Type: "error", Error: "malformed command"})
			continue
		}
		s.handle(cmd)
	}
}

func (s *Session) handle(cmd Command) {
	switch cmd.Type {
	case "select":
		if err := s.engine.Initialize(context.Background(), cmd.ChatID, s.userID); err != nil {
			s.log.Warnw("conversation load failed", "chat_id", cmd.ChatID, "user_id", s.userID, "error", err)
			s.enqueue(Frame{Type: "error", Error: "could not load conversation"})
			return
		}
		s.markDirty()
	case "send":
		if err := s.engine.SendMessage(context.Background(), cmd.Content); err != nil {
			// The draft goes back so the client can retry.
			s.enqueue(Frame{Type: "error", Error: err.Error(), Draft: cmd.Content})
		}
	default:
		s.enqueue(Frame{Type: "error", Error: "unknown command type"})
	}
}

// writePump pushes frames and snapshots to the websocket and keeps the
// connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return

		case frame := <-s.out:
			if !s.write(frame) {
				return
			}

		case <-s.dirty:
			view := s.engine.Snapshot()
			if !s.write(Frame{Type: "snapshot", View: &view}) {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(f Frame) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(f); err != nil {
		return false
	}
	return true
}
