package ws

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Connection limits shared by both transports.
const (
	SendBufferSize = 256
	MaxMessageSize = 8 << 10
	WriteTimeout   = 10 * time.Second
	PongTimeout    = 60 * time.Second
	PingInterval   = PongTimeout * 9 / 10
)

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// peer is the router-facing side of one client connection. Emit only
// queues; a transport-specific pump drains send. A peer that falls
// SendBufferSize messages behind is closed.
type peer struct {
	id      string
	send    chan outbound
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newPeer(id string, onClose func()) *peer {
	return &peer{
		id:      id,
		send:    make(chan outbound, SendBufferSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (p *peer) ID() string { return p.id }

func (p *peer) Emit(event string, payload any) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.send <- outbound{Type: event, Payload: payload}:
	default:
		log.Warn().Str("conn", p.id).Str("event", event).Msg("send buffer full, closing slow connection")
		p.close()
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		if p.onClose != nil {
			go p.onClose()
		}
	})
}

// release stops the peer after the transport has already gone away.
func (p *peer) release() {
	p.once.Do(func() { close(p.done) })
}

func (p *peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
