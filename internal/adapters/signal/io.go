package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/metrics"
)

// envelope is one correlated request. Server pushes carry no id.
type envelope struct {
	ID   uint64          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, sess *session) {
	defer log.Info().Str("module", "signal").Str("sid", string(sess.id)).Msg("readPump closing")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := sess.conn.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("sid", string(sess.id)).Msg("readPump read error")
				return
			}
			if !ctl.limiter.Allow(sess.id) {
				log.Warn().Str("module", "signal").Str("sid", string(sess.id)).Msg("message rate exceeded, closing")
				return
			}
			ctl.dispatch(sess, data)
		}
	}
}

// eventPump forwards broker events to the socket as uncorrelated pushes.
// A backpressured connection is closed rather than skipped, so an observer
// never sees a gap in the middle of a per-device sequence.
func (ctl *Controller) eventPump(ctx context.Context, c core.SignalConnection, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.Close()
				return
			}
			push := struct {
				Type string `json:"type"`
				Data any    `json:"data"`
			}{string(ev.Type), ev.Data}
			b, err := json.Marshal(push)
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("event marshal")
				continue
			}
			if err := c.TrySend(b); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("event", string(ev.Type)).
					Msg("event push failed, closing connection")
				c.Close()
				return
			}
		}
	}
}

func (ctl *Controller) dispatch(sess *session, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}
	metrics.SignalRequests.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case "ping":
		ctl.handlePing(sess.conn, env)
	case "register-device":
		ctl.handleRegisterDevice(sess, env)
	case "get-rtp-capabilities":
		ctl.handleGetCapabilities(sess, env)
	case "create-transport":
		ctl.handleCreateTransport(sess, env)
	case "connect-transport":
		ctl.handleConnectTransport(sess, env)
	case "produce":
		ctl.handleProduce(sess, env)
	case "create-recv-transport":
		ctl.handleCreateRecvTransport(sess, env)
	case "connect-recv-transport":
		ctl.handleConnectRecvTransport(sess, env)
	case "consume-stream":
		ctl.handleConsumeStream(sess, env)
	case "resume-consumer":
		ctl.handleResumeConsumer(sess, env)
	case "stop-stream":
		ctl.handleStopStream(sess, env)
	case "disconnect-stream":
		ctl.handleDisconnectStream(sess, env)
	case "update-stream-name":
		ctl.handleUpdateStreamName(sess, env)
	case "get-active-streams":
		ctl.handleGetActiveStreams(sess, env)
	case "ndi-bridge-request-streams":
		ctl.handleBridgeRequestStreams(sess, env)
	case "ndi-bridge-consume-stream":
		ctl.handleBridgeConsumeStream(sess, env)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, nil))
	}
}

func (ctl *Controller) replyOK(c core.SignalConnection, id uint64, ok any) {
	if ok == nil {
		ok = struct{}{}
	}
	ctl.sendJSON(c, struct {
		ID   uint64 `json:"id"`
		Type string `json:"type"`
		OK   any    `json:"ok"`
	}{id, "response", ok})
}

func (ctl *Controller) replyErr(c core.SignalConnection, id uint64, err error) {
	kind, ok := core.KindOf(err)
	if !ok {
		kind = core.KindBadPayload
	}
	metrics.SignalErrors.WithLabelValues(string(kind)).Inc()
	ctl.sendJSON(c, struct {
		ID    uint64 `json:"id"`
		Type  string `json:"type"`
		Error string `json:"error"`
	}{id, "response", string(kind)})
}

func (ctl *Controller) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped, closing connection")
		c.Close()
	}
}
