package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/rtc"
)

// TransportListenIP is a local bind address plus the address announced to
// remote peers when the bind address is not publicly reachable.
type TransportListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

// TransportTuple is a local address the worker actually bound.
type TransportTuple struct {
	LocalIP   string `json:"localIp"`
	LocalPort uint16 `json:"localPort"`
	Protocol  string `json:"protocol"`
}

// ClientTransportOptions configure an encrypted WebRTC transport.
type ClientTransportOptions struct {
	ListenIPs                       []TransportListenIP
	InitialAvailableOutgoingBitrate int
	MaxIncomingBitrate              int
	AppData                         TransportAppData
}

// EgressTransportOptions configure a plain RTP transport on a fixed port
// pair. Comedia stays on so the sink can feed RTCP back from its learned
// address; RTCP is never muxed at this boundary.
type EgressTransportOptions struct {
	ListenIP TransportListenIP
	Port     uint16
	RtcpPort uint16
	AppData  TransportAppData
}

// Router is the single routing context: it owns every transport and indexes
// every live producer. Mutating operations serialize behind mu; capability
// reads are lock-free because the descriptor never changes after creation.
type Router struct {
	id   string
	ch   *Channel
	caps rtc.RtpCapabilities

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
}

func NewRouter(id string, ch *Channel, caps rtc.RtpCapabilities) *Router {
	return &Router{
		id:         id,
		ch:         ch,
		caps:       caps,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string { return r.id }

// Capabilities returns the router RTP capability descriptor. Callers must
// treat it as read-only.
func (r *Router) Capabilities() rtc.RtpCapabilities { return r.caps }

// CreateClientTransport materializes an encrypted transport for a producer
// or monitoring consumer.
func (r *Router) CreateClientTransport(ctx context.Context, opts ClientTransportOptions) (*Transport, error) {
	id := uuid.NewString()
	data, err := r.ch.Request(ctx, "router.createWebRtcTransport", r.id, map[string]any{
		"transportId":                     id,
		"listenIps":                       opts.ListenIPs,
		"enableUdp":                       true,
		"enableTcp":                       false,
		"preferUdp":                       true,
		"initialAvailableOutgoingBitrate": opts.InitialAvailableOutgoingBitrate,
	})
	if err != nil {
		return nil, fmt.Errorf("create client transport: %w", err)
	}
	var reply struct {
		IceParameters  json.RawMessage `json:"iceParameters"`
		IceCandidates  json.RawMessage `json:"iceCandidates"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("client transport reply: %w", err)
	}

	t := newTransport(id, TransportClient, r, opts.AppData)
	t.iceParameters = reply.IceParameters
	t.iceCandidates = reply.IceCandidates
	t.dtlsParameters = reply.DtlsParameters

	if opts.MaxIncomingBitrate > 0 {
		if _, err := r.ch.Request(ctx, "transport.setMaxIncomingBitrate", id, map[string]any{
			"bitrate": opts.MaxIncomingBitrate,
		}); err != nil {
			t.Close(ctx)
			return nil, fmt.Errorf("set max incoming bitrate: %w", err)
		}
	}

	r.register(t)
	log.Debug().Str("module", "sfu.router").Str("transport", id).Msg("client transport created")
	return t, nil
}

// CreateEgressTransport materializes a plain RTP transport on the given
// port pair. The pair is owned by the caller's pool; the worker fails with
// PortsExhausted if it cannot bind.
func (r *Router) CreateEgressTransport(ctx context.Context, opts EgressTransportOptions) (*Transport, error) {
	id := uuid.NewString()
	data, err := r.ch.Request(ctx, "router.createPlainTransport", r.id, map[string]any{
		"transportId": id,
		"listenIp":    opts.ListenIP,
		"port":        opts.Port,
		"rtcpPort":    opts.RtcpPort,
		"rtcpMux":     false,
		"comedia":     true,
		"enableSrtp":  false,
	})
	if err != nil {
		return nil, fmt.Errorf("create egress transport: %w", err)
	}
	var reply struct {
		Tuple     TransportTuple `json:"tuple"`
		RtcpTuple TransportTuple `json:"rtcpTuple"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("egress transport reply: %w", err)
	}

	t := newTransport(id, TransportEgress, r, opts.AppData)
	t.tuple = reply.Tuple
	t.rtcpTuple = reply.RtcpTuple
	r.register(t)
	log.Debug().Str("module", "sfu.router").Str("transport", id).
		Uint16("port", opts.Port).Uint16("rtcp_port", opts.RtcpPort).Msg("egress transport created")
	return t, nil
}

// Producer finds a live producer by id.
func (r *Router) Producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// Transport finds a live transport by id.
func (r *Router) Transport(id string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

// Close tears down every transport. Used on shutdown only.
func (r *Router) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close(ctx)
	}
}

func (r *Router) register(t *Transport) {
	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	r.ch.Subscribe(t.id, t.handleNotification)
}

func (r *Router) removeTransport(id string) {
	r.ch.Unsubscribe(id)
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}
