package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// busCountSocket streams {id_bus, count} for one bus: the current count on
// connect and every change after it. The handler goroutine is the only
// writer; a reader goroutine consumes client frames and cancels the stream
// when the client goes away.
func (s *Server) busCountSocket(w http.ResponseWriter, r *http.Request) {
	busID := chi.URLParam(r, "id_bus")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		logf("ws upgrade bus=%s: %v", busID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.ledger.Subscribe(ctx, busID)
	if err != nil {
		logf("ws subscribe bus=%s: %v", busID, err)
		closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer sub.Close()

	go readPump(conn, cancel)

	lastPing := time.Now()
	for {
		ev, ok, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logf("ws bus=%s: %v", busID, err)
				closeWith(conn, websocket.CloseGoingAway, "stream ended")
			}
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if !ok {
			if time.Since(lastPing) >= pingPeriod {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				lastPing = time.Now()
			}
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			logf("ws write bus=%s: %v", busID, err)
			return
		}
	}
}

// readPump drains client frames so control frames are processed, and cancels
// the stream on the first read error.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logf("ws read: %v", err)
			}
			return
		}
		// client messages carry no meaning; any frame counts as liveness
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
