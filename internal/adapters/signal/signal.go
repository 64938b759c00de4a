// Package signal is the WebSocket boundary: it upgrades connections,
// decodes request envelopes, orders the negotiation steps per session and
// relays lifecycle events pushed by the broker.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/app/orch"
	"github.com/Stefan-migo/MCR/internal/config"
	"github.com/Stefan-migo/MCR/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Orch *orch.Orchestrator

	limiter *RateLimiter
}

func NewController(o *orch.Orchestrator, cfg *config.Config) *Controller {
	return &Controller{
		Orch:    o,
		limiter: NewRateLimiter(cfg.MsgRateLimit, cfg.MsgRateInterval),
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the HTTP request and runs one signaling session
// until the socket dies or the server context ends. Every connection gets a
// fresh session id; identity comes from register-device, not from the URL.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).
		Str("remote", c.Request.RemoteAddr).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	sess := newSession(ctx, sid, conn)
	events := ctl.Orch.Broker.Subscribe(string(sid))

	go ctl.writePump(ctx, conn)
	go ctl.eventPump(ctx, conn, events)
	go func() {
		ctl.readPump(ctx, sess)
		cancel()
		ctl.teardown(sess)
	}()
}

// teardown runs the session close cascade: owned transports go first, which
// closes their producers and any egress bindings and emits stream-ended;
// then the device is marked disconnected and its removal grace starts.
func (ctl *Controller) teardown(sess *session) {
	transports := sess.shutdown()
	if transports == nil {
		return
	}
	ctx := context.Background()
	for _, t := range transports {
		ctl.Orch.CloseTransport(ctx, t)
	}
	ctl.Orch.SessionClosed(sess.id)
	ctl.Orch.Broker.Unsubscribe(string(sess.id))
	ctl.limiter.Forget(sess.id)
	sess.conn.Close()
	log.Info().Str("module", "signal").Str("sid", string(sess.id)).Msg("session closed")
}
