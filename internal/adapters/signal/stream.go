package signal

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/domain"
)

// streamView is the wire shape of one stream as sinks and dashboards see
// it: the display name already resolved to the operator override when set.
type streamView struct {
	ID         domain.StreamID `json:"id"`
	ProducerID string          `json:"producerId"`
	DeviceID   domain.DeviceID `json:"deviceId"`
	Name       string          `json:"name"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	FPS        int             `json:"fps"`
	Bitrate    int             `json:"bitrate"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func viewOf(s *domain.Stream) streamView {
	return streamView{
		ID:         s.ID,
		ProducerID: s.ProducerID,
		DeviceID:   s.DeviceID,
		Name:       s.Label(),
		Width:      s.Width,
		Height:     s.Height,
		FPS:        s.FPS,
		Bitrate:    s.Bitrate,
		CreatedAt:  s.CreatedAt,
	}
}

func viewsOf(streams []*domain.Stream) []streamView {
	out := make([]streamView, 0, len(streams))
	for _, s := range streams {
		out = append(out, viewOf(s))
	}
	return out
}

func (ctl *Controller) handleGetActiveStreams(sess *session, env envelope) {
	ctl.replyOK(sess.conn, env.ID, struct {
		Streams []streamView `json:"streams"`
	}{viewsOf(ctl.Orch.ActiveStreams())})
}

func (ctl *Controller) handleUpdateStreamName(sess *session, env envelope) {
	var p struct {
		StreamID string `json:"streamId"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, err))
		return
	}
	s, err := ctl.Orch.RenameStream(domain.StreamID(p.StreamID), p.Name)
	if err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	ctl.replyOK(sess.conn, env.ID, viewOf(s))
}

func (ctl *Controller) handleDisconnectStream(sess *session, env envelope) {
	var p struct {
		StreamID string `json:"streamId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, err))
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sess.id)).
		Str("stream", p.StreamID).Msg("disconnect-stream")
	if err := ctl.Orch.DisconnectStream(sess.ctx, domain.StreamID(p.StreamID)); err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	ctl.replyOK(sess.conn, env.ID, nil)
}
