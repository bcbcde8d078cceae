package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/pokerdash/internal/config"
	"github.com/kiliankoe/pokerdash/internal/poker"
	"github.com/kiliankoe/pokerdash/internal/router"
)

// EventAck acknowledges a successful action on the plain WebSocket
// transport. Failures arrive as error events instead.
const EventAck = "ack"

// inbound is one client frame: {"type": "<action>", "id": "...", "payload": {...}}.
type inbound struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Payload poker.Payload `json:"payload"`
}

type ack struct {
	ID     string       `json:"id,omitempty"`
	Action poker.Action `json:"action"`
	Data   any          `json:"data,omitempty"`
}

// WebSocketHandler serves the router over plain WebSocket frames of JSON
// {type, payload} envelopes.
type WebSocketHandler struct {
	Router   *router.Router
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(rt *router.Router, cfg config.Config) *WebSocketHandler {
	origin := cfg.CORSOrigin
	return &WebSocketHandler{
		Router: rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return origin == "*" || r.Header.Get("Origin") == "" || r.Header.Get("Origin") == origin
			},
		},
	}
}

func (h *WebSocketHandler) Mount(r *gin.Engine) {
	r.GET("/ws", h.Serve)
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied to the client
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	p := newPeer("ws-"+uuid.NewString(), func() { _ = conn.Close() })
	h.Router.Connect(p)
	log.Info().Str("conn", p.id).Str("remote", c.ClientIP()).Msg("websocket connected")

	go writePump(conn, p)
	h.readPump(conn, p)
}

func (h *WebSocketHandler) readPump(conn *websocket.Conn, p *peer) {
	defer func() {
		h.Router.Disconnect(p.id)
		p.close()
		log.Info().Str("conn", p.id).Msg("websocket disconnected")
	}()

	conn.SetReadLimit(MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("conn", p.id).Msg("websocket read error")
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			p.Emit(string(poker.EventError), router.ErrorPayload{
				Code:    poker.CodeInvalidInput,
				Message: "malformed message",
			})
			continue
		}
		action := poker.Action(msg.Type)
		reply, err := h.Router.Route(p.id, action, msg.Payload)
		if err != nil {
			continue
		}
		p.Emit(EventAck, ack{ID: msg.ID, Action: action, Data: reply})
	}
}

func writePump(conn *websocket.Conn, p *peer) {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case m := <-p.send:
			_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := conn.WriteJSON(m); err != nil {
				log.Warn().Err(err).Str("conn", p.id).Msg("websocket write error")
				p.close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.done:
			_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
