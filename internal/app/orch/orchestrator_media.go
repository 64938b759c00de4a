package orch

import (
	"context"
	"errors"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/app"
	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/domain"
	"github.com/Stefan-migo/MCR/internal/metrics"
	"github.com/Stefan-migo/MCR/internal/rtc"
	"github.com/Stefan-migo/MCR/internal/sfu"
)

// CreateClientTransport materializes an encrypted transport for a session.
// appData.clientId is populated when the session already registered a
// device; otherwise it is bound lazily on the first produce.
func (o *Orchestrator) CreateClientTransport(ctx context.Context, sid core.SessionID) (*sfu.Transport, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	appData := sfu.TransportAppData{SessionID: string(sid)}
	if d, ok := o.Registry.DeviceBySession(sid); ok {
		appData.ClientID = string(d.ID)
	}
	return o.Router.CreateClientTransport(ctx, sfu.ClientTransportOptions{
		ListenIPs: []sfu.TransportListenIP{
			{IP: o.Cfg.ListenIP, AnnouncedIP: o.Cfg.AnnouncedIP},
		},
		InitialAvailableOutgoingBitrate: o.Cfg.InitialBitrate,
		MaxIncomingBitrate:              o.Cfg.MaxIncomingBitrate,
		AppData:                         appData,
	})
}

// Produce binds an inbound track to the session's transport. Video
// producers synthesize (or refresh) the stream record and flip the device
// to streaming, which also reconnects a device in its grace window.
func (o *Orchestrator) Produce(ctx context.Context, sid core.SessionID, t *sfu.Transport, kind rtc.MediaKind, params *rtc.RtpParameters) (*sfu.Producer, *domain.Stream, error) {
	if err := o.ready(); err != nil {
		return nil, nil, err
	}
	d, ok := o.Registry.DeviceBySession(sid)
	if !ok {
		return nil, nil, core.NewError(core.KindProtocolOrder, errors.New("produce before register-device"))
	}

	p, err := t.Produce(ctx, sfu.ProduceOptions{
		Kind:          kind,
		RtpParameters: params,
		ClientID:      string(d.ID),
	})
	if err != nil {
		if errors.Is(err, sfu.ErrInvalidTransport) {
			return nil, nil, core.NewError(core.KindUnknownTransport, err)
		}
		return nil, nil, core.NewError(core.KindProduceFailed, err)
	}
	metrics.ProducersLive.Inc()

	// Teardown order on close: the egress binding dies first, then the
	// stream record, so stream-ended is the last thing observers see.
	p.OnClose(func(pr *sfu.Producer) {
		metrics.ProducersLive.Dec()
		if o.Egress != nil {
			o.Egress.OnProducerClose(pr.ID())
		}
		o.Registry.RemoveStreamByProducer(pr.ID())
	})

	var stream *domain.Stream
	if kind == rtc.MediaKindVideo {
		stream = o.Registry.UpsertStream(t.ID(), p.ID(), d.ID, nominalsFromParams(params))
		o.Registry.SetStreaming(d.ID, true, stream.ID)
	}
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).
		Str("producer", p.ID()).Str("kind", string(kind)).Msg("producer bound")
	return p, stream, nil
}

// ConsumeStream opens a forward-watching consumer on the session's receive
// transport.
func (o *Orchestrator) ConsumeStream(ctx context.Context, t *sfu.Transport, producerID string, caps *rtc.RtpCapabilities) (*sfu.Consumer, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	p, ok := o.Router.Producer(producerID)
	if !ok {
		return nil, core.NewError(core.KindUnknownProducer, nil)
	}
	c, err := t.Consume(ctx, p, caps, true)
	if err != nil {
		switch {
		case errors.Is(err, rtc.ErrUnsupported):
			return nil, core.NewError(core.KindUnsupportedCapabilities, err)
		case errors.Is(err, sfu.ErrProducerClosed):
			return nil, core.NewError(core.KindProducerClosed, err)
		}
		return nil, err
	}
	return c, nil
}

// CloseTransport tears down one transport and everything it owns. The
// ended-stream record of a client transport is dropped with it, so revival
// only spans producer replacements on a live transport.
func (o *Orchestrator) CloseTransport(ctx context.Context, t *sfu.Transport) {
	t.Close(ctx)
	if t.Kind() == sfu.TransportClient {
		o.Registry.DropTransportStream(t.ID())
	}
}

// nominalsFromParams derives the stream's nominal shape from the declared
// encodings: 1280x720 at 30 fps and 1 Mbps, scaled down by the declared
// factor and overridden by a declared bitrate ceiling.
func nominalsFromParams(params *rtc.RtpParameters) app.StreamNominals {
	n := app.StreamNominals{
		Width:   domain.DefaultStreamWidth,
		Height:  domain.DefaultStreamHeight,
		FPS:     domain.DefaultStreamFPS,
		Bitrate: domain.DefaultStreamBitrate,
	}
	if len(params.Encodings) > 0 {
		enc := params.Encodings[0]
		if enc.ScaleResolutionDownBy > 1 {
			n.Width = int(math.Floor(float64(domain.DefaultStreamWidth) / enc.ScaleResolutionDownBy))
			n.Height = int(math.Floor(float64(domain.DefaultStreamHeight) / enc.ScaleResolutionDownBy))
		}
		if enc.MaxBitrate > 0 {
			n.Bitrate = enc.MaxBitrate
		}
	}
	return n
}
