package egress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/domain"
	"github.com/Stefan-migo/MCR/internal/metrics"
	"github.com/Stefan-migo/MCR/internal/rtc"
	"github.com/Stefan-migo/MCR/internal/sfu"
)

// Binding is a live pairing of a producer with its egress transport and
// consumer. The tuple it reports is stable until the producer closes.
type Binding struct {
	StreamID      domain.StreamID
	ProducerID    string
	TransportID   string
	ConsumerID    string
	IP            string
	Port          uint16
	RtcpPort      uint16
	RtpParameters rtc.RtpParameters
	CreatedAt     time.Time

	pair      PortPair
	transport *sfu.Transport
	consumer  *sfu.Consumer
}

// Service owns the egress pool and the set of active bindings, at most one
// per producer. Requests for an already-bound producer return the original
// tuple unchanged.
type Service struct {
	router      *sfu.Router
	pool        *PortPool
	listenIP    string
	announcedIP string

	mu       sync.Mutex
	bindings map[string]*Binding
}

func NewService(router *sfu.Router, pool *PortPool, listenIP, announcedIP string) *Service {
	return &Service{
		router:      router,
		pool:        pool,
		listenIP:    listenIP,
		announcedIP: announcedIP,
		bindings:    make(map[string]*Binding),
	}
}

// ConsumeStream attaches a plain RTP tuple to the producer. Steps: resolve
// the producer, acquire a port pair, create the egress transport, synthesize
// the consumer. Any failure releases whatever was acquired before it.
// The consumer starts paused; callers resume it once the tuple has been
// delivered to the sink.
func (s *Service) ConsumeStream(ctx context.Context, streamID domain.StreamID, producerID string, caps *rtc.RtpCapabilities) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bindings[producerID]; ok {
		return b, nil
	}

	producer, ok := s.router.Producer(producerID)
	if !ok {
		return nil, core.NewError(core.KindUnknownProducer, nil)
	}

	pair, err := s.pool.Acquire()
	if err != nil {
		return nil, core.NewError(core.KindEgressPortsExhausted, err)
	}

	transport, err := s.router.CreateEgressTransport(ctx, sfu.EgressTransportOptions{
		ListenIP: sfu.TransportListenIP{IP: s.listenIP, AnnouncedIP: s.announcedIP},
		Port:     pair.RTP,
		RtcpPort: pair.RTCP,
		AppData:  sfu.TransportAppData{ClientID: producer.ClientID()},
	})
	if err != nil {
		s.pool.Release(pair)
		if sfu.IsWorkerError(err, sfu.WorkerErrPortsExhausted) {
			return nil, core.NewError(core.KindEgressPortsExhausted, err)
		}
		return nil, err
	}

	consumer, err := transport.Consume(ctx, producer, caps, true)
	if err != nil {
		transport.Close(context.Background())
		s.pool.Release(pair)
		switch {
		case errors.Is(err, rtc.ErrUnsupported):
			return nil, core.NewError(core.KindUnsupportedCapabilities, err)
		case errors.Is(err, sfu.ErrProducerClosed):
			return nil, core.NewError(core.KindProducerClosed, err)
		}
		return nil, err
	}

	ip := s.announcedIP
	if ip == "" {
		ip = transport.Tuple().LocalIP
	}
	b := &Binding{
		StreamID:      streamID,
		ProducerID:    producerID,
		TransportID:   transport.ID(),
		ConsumerID:    consumer.ID(),
		IP:            ip,
		Port:          pair.RTP,
		RtcpPort:      pair.RTCP,
		RtpParameters: consumer.RtpParameters(),
		CreatedAt:     time.Now(),
		pair:          pair,
		transport:     transport,
		consumer:      consumer,
	}
	s.bindings[producerID] = b
	metrics.EgressBindings.Set(float64(len(s.bindings)))

	producer.OnClose(func(*sfu.Producer) {
		s.OnProducerClose(producerID)
	})
	if producer.Closed() {
		// The producer died between lookup and wiring; undo everything.
		s.teardownLocked(b)
		return nil, core.NewError(core.KindProducerClosed, sfu.ErrProducerClosed)
	}

	log.Info().Str("module", "egress").Str("producer", producerID).
		Str("stream", string(streamID)).Str("ip", b.IP).
		Uint16("port", b.Port).Uint16("rtcp_port", b.RtcpPort).Msg("egress binding created")
	return b, nil
}

// Resume starts packet flow for the binding of producerID. Called after the
// tuple reply reached the sink, so RTP never arrives at an address the sink
// has not learned yet.
func (s *Service) Resume(ctx context.Context, producerID string) error {
	s.mu.Lock()
	b, ok := s.bindings[producerID]
	s.mu.Unlock()
	if !ok {
		return core.NewError(core.KindUnknownProducer, nil)
	}
	return b.consumer.Resume(ctx)
}

// OnProducerClose tears down the binding of a closed producer: consumer,
// transport, port pair, in that order. Idempotent.
func (s *Service) OnProducerClose(producerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[producerID]
	if !ok {
		return
	}
	s.teardownLocked(b)
	log.Info().Str("module", "egress").Str("producer", producerID).
		Uint16("port", b.Port).Msg("egress binding destroyed")
}

func (s *Service) teardownLocked(b *Binding) {
	delete(s.bindings, b.ProducerID)
	b.consumer.Close(context.Background())
	b.transport.Close(context.Background())
	s.pool.Release(b.pair)
	metrics.EgressBindings.Set(float64(len(s.bindings)))
}

// Binding returns the live binding for producerID, if any.
func (s *Service) Binding(producerID string) (*Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[producerID]
	return b, ok
}

// Bindings snapshots every active binding for the admin surface.
func (s *Service) Bindings() []*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	return out
}

// Close tears down every binding. Used on shutdown only.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		s.teardownLocked(b)
	}
}
