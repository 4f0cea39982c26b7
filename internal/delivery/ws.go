package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	// pongWait is a backstop read deadline, not the primary teardown signal:
	// it has to outlast missedPongs's own threshold (the third ping tick
	// without a pong, 3*pingInterval after the last pong) or
	// it fires first and the "two missed pongs" accounting in writePump
	// never gets a chance to trigger.
	pongWait       = 4 * pingInterval
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades /ws/{user_id}/{device_id} and pumps frames between the
// registry and the socket until the connection drops or two consecutive
// pongs are missed.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	deviceID := chi.URLParam(r, "device_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := &session{userID: userID, deviceID: deviceID, send: make(chan []byte, sendBufferSize)}
	s.registry.register(sess)
	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("websocket connected")

	var missedPongs atomic.Int32
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		missedPongs.Store(0)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go s.writePump(conn, sess, done, &missedPongs)
	s.readPump(conn, sess, done)

	s.registry.unregister(sess)
	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("websocket disconnected")
}

func (s *Service) readPump(conn *websocket.Conn, sess *session, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		s.handleCommand(sess, cmd)
	}
}

func (s *Service) handleCommand(sess *session, cmd Command) {
	switch cmd.Type {
	case CommandTyping:
		if cmd.ConversationID != "" {
			_ = s.PublishTyping(context.Background(), cmd.ConversationID, sess.userID, cmd.IsTyping)
		}
	case CommandPing:
		// liveness only; the ping/pong frames carry the real heartbeat.
	}
}

func (s *Service) writePump(conn *websocket.Conn, sess *session, done chan struct{}, missedPongs *atomic.Int32) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case body, ok := <-sess.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			if missedPongs.Add(1) > 2 {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
