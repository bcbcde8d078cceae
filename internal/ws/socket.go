package ws

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/pokerdash/internal/config"
	"github.com/kiliankoe/pokerdash/internal/poker"
	"github.com/kiliankoe/pokerdash/internal/router"
)

// Server exposes the router over Socket.IO. Every inbound action is a
// Socket.IO event of the same name; outbound events are emitted under their
// own names.
type Server struct {
	Router *router.Router
	config config.Config
}

func New(rt *router.Router, cfg config.Config) *Server {
	return &Server{Router: rt, config: cfg}
}

// Mount attaches Socket.IO server with handlers to the given Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		p := newPeer(s.ID(), func() { _ = s.Close() })
		s.SetContext(p)
		go pumpSocket(s, p)
		srv.Router.Connect(p)
		log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	for _, action := range poker.Actions {
		action := action
		io.OnEvent("/", string(action), func(s socketio.Conn, payload poker.Payload) map[string]any {
			return srv.handle(s, action, payload)
		})
	}

	io.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			log.Error().Err(e).Msg("socket error")
			return
		}
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})
	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		srv.Router.Disconnect(s.ID())
		if p, ok := s.Context().(*peer); ok {
			p.release()
		}
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go func() {
		if err := io.Serve(); err != nil {
			log.Error().Err(err).Msg("socket.io server stopped")
		}
	}()

	// Mount to router
	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", srv.config.CORSOrigin)
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

// handle routes one event and builds its acknowledgement. The error event
// itself is emitted by the router.
func (srv *Server) handle(s socketio.Conn, action poker.Action, payload poker.Payload) map[string]any {
	reply, err := srv.Router.Route(s.ID(), action, payload)
	if err != nil {
		return ackError(err)
	}
	log.Debug().Str("sid", s.ID()).Str("action", string(action)).Msg("socket action")
	return map[string]any{"ok": true, "data": reply}
}

func ackError(err error) map[string]any {
	msg := poker.ErrInternal.Message
	var pe *poker.Error
	if errors.As(err, &pe) {
		msg = pe.Message
	}
	return map[string]any{"error": msg, "code": poker.CodeOf(err)}
}

func pumpSocket(s socketio.Conn, p *peer) {
	for {
		select {
		case m := <-p.send:
			s.Emit(m.Type, m.Payload)
		case <-p.done:
			return
		}
	}
}
