package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/core"
)

func (ctl *Controller) handleRegisterDevice(sess *session, env envelope) {
	var p struct {
		DeviceID   string `json:"deviceId"`
		DeviceName string `json:"deviceName"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.replyErr(sess.conn, env.ID, core.NewError(core.KindBadPayload, err))
		return
	}

	dev, err := ctl.Orch.RegisterDevice(sess.id, p.DeviceID, p.DeviceName)
	if err != nil {
		ctl.replyErr(sess.conn, env.ID, err)
		return
	}
	// Re-registering from an already registered session is a no-op for the
	// sequencer; only the first call moves it past opened.
	if sess.seq.Current() == stateOpened {
		if err := sess.advance(evRegister); err != nil {
			ctl.replyErr(sess.conn, env.ID, err)
			return
		}
	}

	log.Info().Str("module", "signal").Str("sid", string(sess.id)).
		Str("device", string(dev.ID)).Msg("device registered")
	ctl.replyOK(sess.conn, env.ID, struct {
		DeviceID   string `json:"deviceId"`
		DeviceName string `json:"deviceName,omitempty"`
	}{string(dev.ID), dev.Name})
}

// stop-stream is advisory: the device stops advertising itself as live but
// the producer keeps flowing until its transport closes.
func (ctl *Controller) handleStopStream(sess *session, env envelope) {
	ctl.Orch.StopStream(sess.id)
	ctl.replyOK(sess.conn, env.ID, nil)
}
