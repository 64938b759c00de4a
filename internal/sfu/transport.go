package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/rtc"
)

// TransportKind discriminates the two transport variants the router hands out.
type TransportKind string

const (
	// TransportClient is an encrypted bidirectional ICE/DTLS transport
	// terminating a remote WebRTC peer.
	TransportClient TransportKind = "client"
	// TransportEgress is a plain RTP/UDP outbound transport feeding a
	// trusted local sink.
	TransportEgress TransportKind = "egress"
)

var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrInvalidTransport = errors.New("operation requires a client transport")
	ErrProducerClosed   = errors.New("producer closed")
)

// TransportAppData decorates a transport with the identities that own it.
// ClientID may be bound lazily, on the first produce call, when the session
// had not registered a device at transport-creation time.
type TransportAppData struct {
	SessionID string `json:"sessionId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
}

// Transport is one typed handle from the media worker. It exclusively owns
// the producers and consumers created on it; closing the transport closes
// them all. A transport is reachable from exactly one owner (the session for
// client transports, the egress binding for egress ones).
type Transport struct {
	id     string
	kind   TransportKind
	router *Router

	iceParameters  json.RawMessage
	iceCandidates  json.RawMessage
	dtlsParameters json.RawMessage
	tuple          TransportTuple
	rtcpTuple      TransportTuple

	mu        sync.Mutex
	appData   TransportAppData
	producers map[string]*Producer
	consumers map[string]*Consumer
	onClose   []func(*Transport)
	closed    bool
}

func newTransport(id string, kind TransportKind, router *Router, appData TransportAppData) *Transport {
	return &Transport{
		id:        id,
		kind:      kind,
		router:    router,
		appData:   appData,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
}

func (t *Transport) ID() string          { return t.id }
func (t *Transport) Kind() TransportKind { return t.kind }

func (t *Transport) AppData() TransportAppData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appData
}

// BindClientID sets appData.clientId once the owning device is known.
// An already-bound id is never overwritten.
func (t *Transport) BindClientID(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.appData.ClientID == "" {
		t.appData.ClientID = clientID
	}
}

// ICE/DTLS material for the create-transport reply. Raw JSON from the
// worker, forwarded to the client verbatim.
func (t *Transport) IceParameters() json.RawMessage  { return t.iceParameters }
func (t *Transport) IceCandidates() json.RawMessage  { return t.iceCandidates }
func (t *Transport) DtlsParameters() json.RawMessage { return t.dtlsParameters }

// Tuple is the local RTP address of an egress transport.
func (t *Transport) Tuple() TransportTuple { return t.tuple }

// RtcpTuple is the local RTCP address of an egress transport (non-muxed).
func (t *Transport) RtcpTuple() TransportTuple { return t.rtcpTuple }

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// OnClose registers an observer run when the transport closes, after its
// producers and consumers are gone.
func (t *Transport) OnClose(fn func(*Transport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// Connect finishes the DTLS handshake of a client transport.
func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	if t.Closed() {
		return ErrTransportClosed
	}
	_, err := t.router.ch.Request(ctx, "transport.connect", t.id, map[string]any{
		"dtlsParameters": dtlsParameters,
	})
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

// ProduceOptions configure one inbound media track bound to this transport.
type ProduceOptions struct {
	Kind          rtc.MediaKind
	RtpParameters *rtc.RtpParameters
	ClientID      string
}

// Produce binds an inbound track: validates the parameters, computes the
// producer-to-router mapping and the consumable parameters, and registers
// the producer with the worker. Fails on non-client transports.
func (t *Transport) Produce(ctx context.Context, opts ProduceOptions) (*Producer, error) {
	if t.kind != TransportClient {
		return nil, ErrInvalidTransport
	}
	if t.Closed() {
		return nil, ErrTransportClosed
	}
	if err := rtc.ValidateRtpParameters(opts.RtpParameters); err != nil {
		return nil, fmt.Errorf("%w: %v", rtc.ErrUnsupported, err)
	}
	if len(opts.RtpParameters.Encodings) == 0 {
		opts.RtpParameters.Encodings = []*rtc.RtpEncodingParameters{{}}
	}
	if opts.RtpParameters.Rtcp.Cname == "" {
		opts.RtpParameters.Rtcp.Cname = uuid.NewString()[:8]
	}

	caps := t.router.Capabilities()
	mapping, err := rtc.GetProducerRtpParametersMapping(opts.RtpParameters, caps)
	if err != nil {
		return nil, err
	}
	consumable := rtc.GetConsumableRtpParameters(opts.Kind, opts.RtpParameters, caps, mapping)

	id := uuid.NewString()
	if _, err := t.router.ch.Request(ctx, "transport.produce", t.id, map[string]any{
		"producerId":    id,
		"kind":          opts.Kind,
		"rtpParameters": opts.RtpParameters,
		"rtpMapping":    mapping,
	}); err != nil {
		return nil, fmt.Errorf("produce: %w", err)
	}

	t.BindClientID(opts.ClientID)
	p := newProducer(id, opts.Kind, t, opts.RtpParameters, consumable, opts.ClientID)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		// Lost the race against a close cascade; undo the worker-side state.
		_, _ = t.router.ch.Request(ctx, "producer.close", id, nil)
		return nil, ErrTransportClosed
	}
	t.producers[id] = p
	t.mu.Unlock()

	t.router.registerProducer(p)
	t.router.ch.Subscribe(id, p.handleNotification)
	log.Debug().Str("module", "sfu.transport").Str("transport", t.id).
		Str("producer", id).Str("kind", string(opts.Kind)).Msg("producer bound")
	return p, nil
}

// Consume binds an outbound forwarding of producer to this transport. The
// synthesized parameters intersect the producer's consumable set with caps;
// incompatible capability sets fail with rtc.ErrUnsupported.
func (t *Transport) Consume(ctx context.Context, producer *Producer, caps *rtc.RtpCapabilities, paused bool) (*Consumer, error) {
	if t.Closed() {
		return nil, ErrTransportClosed
	}
	if producer.Closed() {
		return nil, ErrProducerClosed
	}

	consumable := producer.ConsumableRtpParameters()
	if !rtc.CanConsume(&consumable, caps) {
		return nil, fmt.Errorf("%w: cannot consume producer %s", rtc.ErrUnsupported, producer.ID())
	}
	rtpParameters, err := rtc.GetConsumerRtpParameters(&consumable, caps)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if _, err := t.router.ch.Request(ctx, "transport.consume", t.id, map[string]any{
		"consumerId":             id,
		"producerId":             producer.ID(),
		"kind":                   producer.Kind(),
		"rtpParameters":          rtpParameters,
		"consumableRtpEncodings": consumable.Encodings,
		"paused":                 paused,
	}); err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	c := newConsumer(id, producer.Kind(), t, producer.ID(), rtpParameters)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_, _ = t.router.ch.Request(ctx, "consumer.close", id, nil)
		return nil, ErrTransportClosed
	}
	t.consumers[id] = c
	t.mu.Unlock()

	producer.addConsumer(c)
	log.Debug().Str("module", "sfu.transport").Str("transport", t.id).
		Str("consumer", id).Str("producer", producer.ID()).Msg("consumer bound")
	return c, nil
}

// GetStats fetches the worker-side statistics for this transport.
func (t *Transport) GetStats(ctx context.Context) (json.RawMessage, error) {
	if t.Closed() {
		return nil, ErrTransportClosed
	}
	return t.router.ch.Request(ctx, "transport.getStats", t.id, nil)
}

// Close tears the transport down: one close request to the worker (which
// cascades internally), then the local producer/consumer children, then the
// close observers. Idempotent.
func (t *Transport) Close(ctx context.Context) {
	t.closeInternal(ctx, true)
}

func (t *Transport) closeInternal(ctx context.Context, notifyWorker bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = map[string]*Producer{}
	t.consumers = map[string]*Consumer{}
	observers := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	if notifyWorker {
		if _, err := t.router.ch.Request(ctx, "transport.close", t.id, nil); err != nil && !errors.Is(err, ErrChannelClosed) {
			log.Warn().Err(err).Str("module", "sfu.transport").Str("transport", t.id).Msg("worker transport close")
		}
	}
	// The worker already cascaded, so children only clean up locally.
	for _, p := range producers {
		p.closeInternal(ctx, false)
	}
	for _, c := range consumers {
		c.closeInternal(ctx, false)
	}
	t.router.removeTransport(t.id)
	for _, fn := range observers {
		fn(t)
	}
	log.Debug().Str("module", "sfu.transport").Str("transport", t.id).Str("kind", string(t.kind)).Msg("transport closed")
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// handleNotification consumes worker-initiated events for this transport,
// e.g. an ICE failure closing it from the media side.
func (t *Transport) handleNotification(event string, _ json.RawMessage) {
	switch event {
	case "transportclose":
		log.Info().Str("module", "sfu.transport").Str("transport", t.id).Msg("worker closed transport")
		t.closeInternal(context.Background(), false)
	}
}
