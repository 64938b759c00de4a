// Package orch mediates between the signaling adapter, the device/stream
// registry, the media router and the egress bridge. Every mutating media
// operation of a session goes through here so the close cascades and the
// registry bookkeeping stay in one place.
package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/app"
	"github.com/Stefan-migo/MCR/internal/app/egress"
	"github.com/Stefan-migo/MCR/internal/config"
	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/domain"
	"github.com/Stefan-migo/MCR/internal/rtc"
	"github.com/Stefan-migo/MCR/internal/sfu"
)

type Orchestrator struct {
	Registry *app.Registry
	Router   *sfu.Router
	Egress   *egress.Service
	Broker   *app.Broker
	Cfg      *config.Config
}

// ready guards every media-plane operation issued before the routing
// context exists.
func (o *Orchestrator) ready() error {
	if o.Router == nil {
		return core.NewError(core.KindNotInitialized, nil)
	}
	return nil
}

// Capabilities returns the router RTP capability descriptor.
func (o *Orchestrator) Capabilities() (rtc.RtpCapabilities, error) {
	if err := o.ready(); err != nil {
		return rtc.RtpCapabilities{}, err
	}
	return o.Router.Capabilities(), nil
}

// RegisterDevice binds the session to its device identity, cancelling any
// pending removal.
func (o *Orchestrator) RegisterDevice(sid core.SessionID, deviceID, name string) (*domain.Device, error) {
	if deviceID == "" {
		return nil, core.NewError(core.KindMissingDeviceID, domain.ErrDeviceIDEmpty)
	}
	d, err := o.Registry.RegisterDevice(sid, domain.DeviceID(deviceID), name)
	if err != nil {
		return nil, core.NewError(core.KindMissingDeviceID, err)
	}
	return d, nil
}

// SessionClosed runs the channel-close cascade for one session: the caller
// closes the session's transports first (ending its producers and their
// egress bindings), then this marks the device disconnected and starts the
// removal grace window.
func (o *Orchestrator) SessionClosed(sid core.SessionID) {
	o.Registry.MarkDisconnected(sid)
	log.Debug().Str("module", "app.orch").Str("sid", string(sid)).Msg("session closed")
}

// StopStream marks the session's device as not streaming. Advisory only:
// the producer keeps running until its transport closes.
func (o *Orchestrator) StopStream(sid core.SessionID) {
	d, ok := o.Registry.DeviceBySession(sid)
	if !ok {
		return
	}
	o.Registry.SetStreaming(d.ID, false, "")
}
