package signal

import "github.com/Stefan-migo/MCR/internal/core"

func (ctl *Controller) handlePing(conn core.SignalConnection, env envelope) {
	if env.ID != 0 {
		ctl.replyOK(conn, env.ID, struct {
			Pong bool `json:"pong"`
		}{true})
		return
	}
	ctl.sendJSON(conn, struct {
		Type string `json:"type"`
	}{"pong"})
}
