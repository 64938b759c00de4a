package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/domain"
	"github.com/Stefan-migo/MCR/internal/rtc"
)

// The NDI bridge predates this server and sends snake_case field names;
// both spellings are accepted on input, replies are camelCase.
type bridgeConsumePayload struct {
	StreamID        string               `json:"streamId"`
	StreamIDSnake   string               `json:"stream_id"`
	ProducerID      string               `json:"producerId"`
	ProducerIDSnake string               `json:"producer_id"`
	Capabilities    *rtc.RtpCapabilities `json:"capabilities"`
	CapsSnake       *rtc.RtpCapabilities `json:"rtp_capabilities"`
}

func (p *bridgeConsumePayload) normalize() (string, string, *rtc.RtpCapabilities) {
	streamID, producerID, caps := p.StreamID, p.ProducerID, p.Capabilities
	if streamID == "" {
		streamID = p.StreamIDSnake
	}
	if producerID == "" {
		producerID = p.ProducerIDSnake
	}
	if caps == nil {
		caps = p.CapsSnake
	}
	return streamID, producerID, caps
}

func (ctl *Controller) handleBridgeRequestStreams(sess *session, env envelope) {
	ctl.handleGetActiveStreams(sess, env)
}

func (ctl *Controller) handleBridgeConsumeStream(sess *session, env envelope) {
	var p bridgeConsumePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, err))
		return
	}
	streamID, producerID, caps := p.normalize()
	if producerID == "" {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, nil))
		return
	}

	b, s, err := ctl.Orch.BridgeConsume(sess.ctx, domain.StreamID(streamID), producerID, caps)
	if err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}

	type tupleReply struct {
		ID       string `json:"id"`
		IP       string `json:"ip"`
		Port     uint16 `json:"port"`
		RtcpPort uint16 `json:"rtcpPort"`
		Protocol string `json:"protocol"`
	}
	type metadataReply struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		FPS        int    `json:"fps"`
		DeviceName string `json:"deviceName"`
	}
	ctl.replyOK(sess.conn, env.ID, struct {
		ConsumerID     string            `json:"consumerId"`
		Transport      tupleReply        `json:"transport"`
		RtpParameters  rtc.RtpParameters `json:"rtpParameters"`
		StreamMetadata metadataReply     `json:"streamMetadata"`
	}{
		ConsumerID:    b.ConsumerID,
		Transport:     tupleReply{b.TransportID, b.IP, b.Port, b.RtcpPort, "udp"},
		RtpParameters: b.RtpParameters,
		StreamMetadata: metadataReply{
			Width:      s.Width,
			Height:     s.Height,
			FPS:        s.FPS,
			DeviceName: s.Label(),
		},
	})

	// The consumer starts paused; RTP only flows once the tuple reply is on
	// its way to the sink.
	if err := ctl.Orch.ResumeBridge(sess.ctx, producerID); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("producer", producerID).Msg("egress resume")
	}
	log.Info().Str("module", "signal").Str("producer", producerID).
		Str("ip", b.IP).Uint16("port", b.Port).Msg("egress binding delivered")
}
