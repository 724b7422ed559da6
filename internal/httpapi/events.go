package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/beoremote/internal/core/state"
)

const (
	wsTypeSnapshot = "snapshot"
	wsTypeEvent    = "event"

	wsSendBuffer = 64
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
)

// wsMessage is one frame on the /api/events feed.
type wsMessage struct {
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleEvents upgrades to a WebSocket, sends the current snapshot and then
// relays every device event until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.dev.Subscribe(wsSendBuffer)
	defer sub.Close()

	s.log.Debug("event feed client connected", "remote", r.RemoteAddr)
	defer s.log.Debug("event feed client disconnected", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	go readPump(conn, closed)

	if err := writeMessage(conn, wsMessage{
		Type:      wsTypeSnapshot,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   s.dev.Snapshot(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeMessage(conn, eventMessage(evt)); err != nil {
				s.log.Debug("event feed write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func eventMessage(evt state.Event) wsMessage {
	return wsMessage{
		Type:      wsTypeEvent,
		EventType: string(evt.Type),
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   evt.Data,
	}
}

func writeMessage(conn *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readPump drains client frames so control frames are processed, and closes
// closed when the connection ends.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
