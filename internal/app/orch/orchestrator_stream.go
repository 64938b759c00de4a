package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/app/egress"
	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/domain"
	"github.com/Stefan-migo/MCR/internal/rtc"
)

// ActiveStreams snapshots the live stream list.
func (o *Orchestrator) ActiveStreams() []*domain.Stream {
	return o.Registry.ActiveStreams()
}

// RenameStream applies an operator override to a stream's display name.
func (o *Orchestrator) RenameStream(id domain.StreamID, name string) (*domain.Stream, error) {
	return o.Registry.RenameStream(id, name)
}

// DisconnectStream force-closes the producer behind a stream. The close
// cascade tears down the egress binding and emits stream-ended.
func (o *Orchestrator) DisconnectStream(ctx context.Context, id domain.StreamID) error {
	if err := o.ready(); err != nil {
		return err
	}
	s, ok := o.Registry.Stream(id)
	if !ok {
		return core.NewError(core.KindUnknownStream, nil)
	}
	p, ok := o.Router.Producer(s.ProducerID)
	if !ok {
		return core.NewError(core.KindUnknownStream, nil)
	}
	log.Info().Str("module", "app.orch").Str("stream", string(id)).Msg("operator disconnect")
	p.Close(ctx)
	return nil
}

// BridgeConsume materializes (or returns) the plain RTP egress binding for
// one producer, together with the stream metadata the sink displays.
func (o *Orchestrator) BridgeConsume(ctx context.Context, streamID domain.StreamID, producerID string, caps *rtc.RtpCapabilities) (*egress.Binding, *domain.Stream, error) {
	if err := o.ready(); err != nil {
		return nil, nil, err
	}
	if caps == nil {
		// A sink that sends no capabilities takes whatever the routing
		// context speaks.
		rc := o.Router.Capabilities()
		caps = &rc
	}
	b, err := o.Egress.ConsumeStream(ctx, streamID, producerID, caps)
	if err != nil {
		return nil, nil, err
	}
	s, ok := o.Registry.StreamByProducer(producerID)
	if !ok {
		// Audio producers and just-ended streams still get a tuple; the
		// metadata is simply empty.
		s = &domain.Stream{ID: streamID, ProducerID: producerID}
	}
	return b, s, nil
}

// ResumeBridge starts packet flow once the tuple reply reached the sink.
func (o *Orchestrator) ResumeBridge(ctx context.Context, producerID string) error {
	return o.Egress.Resume(ctx, producerID)
}
