package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/rtc"
	"github.com/Stefan-migo/MCR/internal/sfu"
)

// transportReply is the handshake material the client feeds into its ICE
// agent. The parameter blobs pass through from the worker untouched.
type transportReply struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

func newTransportReply(t *sfu.Transport) transportReply {
	return transportReply{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}
}

func (ctl *Controller) handleGetCapabilities(sess *session, env envelope) {
	caps, err := ctl.Orch.Capabilities()
	if err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	ctl.replyOK(sess.conn, env.ID, caps)
}

func (ctl *Controller) handleCreateTransport(sess *session, env envelope) {
	if err := sess.permit(evCreateSend); err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	t, err := ctl.Orch.CreateClientTransport(sess.ctx, sess.id)
	if err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	sess.addTransport(t)
	_ = sess.advance(evCreateSend)
	ctl.replyOK(sess.conn, env.ID, newTransportReply(t))
}

func (ctl *Controller) handleConnectTransport(sess *session, env envelope) {
	var p struct {
		TransportID    string          `json:"transportId"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, err))
		return
	}
	if err := sess.permit(evConnectSend); err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	t, ok := sess.transport(p.TransportID)
	if !ok {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindUnknownTransport, nil))
		return
	}
	if err := t.Connect(sess.ctx, p.DtlsParameters); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("transport", p.TransportID).Msg("connect")
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindUnknownTransport, err))
		return
	}
	_ = sess.advance(evConnectSend)
	ctl.replyOK(sess.conn, env.ID, nil)
}

func (ctl *Controller) handleProduce(sess *session, env envelope) {
	var p struct {
		TransportID   string            `json:"transportId"`
		Kind          rtc.MediaKind     `json:"kind"`
		RtpParameters rtc.RtpParameters `json:"rtpParameters"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, err))
		return
	}
	if err := sess.permit(evProduce); err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	t, ok := sess.transport(p.TransportID)
	if !ok {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindUnknownTransport, nil))
		return
	}

	producer, stream, err := ctl.Orch.Produce(sess.ctx, sess.id, t, p.Kind, &p.RtpParameters)
	if err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	_ = sess.advance(evProduce)
	resp := struct {
		ID   string        `json:"id"`
		Kind rtc.MediaKind `json:"kind"`
	}{producer.ID(), producer.Kind()}
	if stream != nil {
		log.Info().Str("module", "signal").Str("sid", string(sess.id)).
			Str("producer", producer.ID()).Str("stream", string(stream.ID)).Msg("producing")
	}
	ctl.replyOK(sess.conn, env.ID, resp)
}

func (ctl *Controller) handleCreateRecvTransport(sess *session, env envelope) {
	if !sess.registered() {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindProtocolOrder, nil))
		return
	}
	t, err := ctl.Orch.CreateClientTransport(sess.ctx, sess.id)
	if err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	sess.addTransport(t)
	ctl.replyOK(sess.conn, env.ID, newTransportReply(t))
}

func (ctl *Controller) handleConnectRecvTransport(sess *session, env envelope) {
	var p struct {
		TransportID    string          `json:"transportId"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, err))
		return
	}
	t, ok := sess.transport(p.TransportID)
	if !ok {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindUnknownTransport, nil))
		return
	}
	if err := t.Connect(sess.ctx, p.DtlsParameters); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindUnknownTransport, err))
		return
	}
	ctl.replyOK(sess.conn, env.ID, nil)
}

func (ctl *Controller) handleConsumeStream(sess *session, env envelope) {
	var p struct {
		TransportID  string              `json:"transportId"`
		ProducerID   string              `json:"producerId"`
		Capabilities rtc.RtpCapabilities `json:"capabilities"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, err))
		return
	}
	if !sess.registered() {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindProtocolOrder, nil))
		return
	}
	t, ok := sess.transport(p.TransportID)
	if !ok {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindUnknownTransport, nil))
		return
	}

	consumer, err := ctl.Orch.ConsumeStream(sess.ctx, t, p.ProducerID, &p.Capabilities)
	if err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	sess.addConsumer(consumer)
	ctl.replyOK(sess.conn, env.ID, struct {
		ID            string            `json:"id"`
		ProducerID    string            `json:"producerId"`
		Kind          rtc.MediaKind     `json:"kind"`
		RtpParameters rtc.RtpParameters `json:"rtpParameters"`
	}{consumer.ID(), consumer.ProducerID(), consumer.Kind(), consumer.RtpParameters()})
}

func (ctl *Controller) handleResumeConsumer(sess *session, env envelope) {
	var p struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, err))
		return
	}
	// Resuming a consumer this session never created is an ordering fault,
	// not a decode fault.
	c, ok := sess.consumer(p.ConsumerID)
	if !ok {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindProtocolOrder, nil))
		return
	}
	if err := c.Resume(sess.ctx); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindProduceFailed, err))
		return
	}
	ctl.replyOK(sess.conn, env.ID, nil)
}
