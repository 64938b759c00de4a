package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/rtc"
)

// Producer is one inbound media track bound to a client transport. Its
// lifetime is a strict subset of the transport's; closing it closes every
// consumer forwarding it. ClientID carries the owning device id.
type Producer struct {
	id            string
	kind          rtc.MediaKind
	transport     *Transport
	rtpParameters *rtc.RtpParameters
	consumable    rtc.RtpParameters
	clientID      string
	createdAt     time.Time

	mu        sync.Mutex
	consumers map[string]*Consumer
	onClose   []func(*Producer)
	closed    bool
}

func newProducer(id string, kind rtc.MediaKind, t *Transport, params *rtc.RtpParameters, consumable rtc.RtpParameters, clientID string) *Producer {
	return &Producer{
		id:            id,
		kind:          kind,
		transport:     t,
		rtpParameters: params,
		consumable:    consumable,
		clientID:      clientID,
		createdAt:     time.Now(),
		consumers:     make(map[string]*Consumer),
	}
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() rtc.MediaKind               { return p.kind }
func (p *Producer) Transport() *Transport             { return p.transport }
func (p *Producer) RtpParameters() *rtc.RtpParameters { return p.rtpParameters }
func (p *Producer) ClientID() string                  { return p.clientID }
func (p *Producer) CreatedAt() time.Time              { return p.createdAt }

// ConsumableRtpParameters is the router-side form consumers are synthesized
// from. Callers must treat it as read-only.
func (p *Producer) ConsumableRtpParameters() rtc.RtpParameters { return p.consumable }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// OnClose registers an observer run when the producer closes, after its
// consumers are gone. Observers run exactly once in registration order.
func (p *Producer) OnClose(fn func(*Producer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

func (p *Producer) addConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.consumers[c.ID()] = c
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// Close tears the producer down, cascading to its consumers. Idempotent.
func (p *Producer) Close(ctx context.Context) {
	p.closeInternal(ctx, true)
}

func (p *Producer) closeInternal(ctx context.Context, notifyWorker bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = map[string]*Consumer{}
	observers := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	if notifyWorker {
		if _, err := p.transport.router.ch.Request(ctx, "producer.close", p.id, nil); err != nil && !errors.Is(err, ErrChannelClosed) {
			log.Warn().Err(err).Str("module", "sfu.producer").Str("producer", p.id).Msg("worker producer close")
		}
	}
	// The worker kills consumers of a closed producer itself.
	for _, c := range consumers {
		c.closeInternal(ctx, false)
	}
	p.transport.removeProducer(p.id)
	p.transport.router.removeProducer(p.id)
	p.transport.router.ch.Unsubscribe(p.id)
	for _, fn := range observers {
		fn(p)
	}
	log.Debug().Str("module", "sfu.producer").Str("producer", p.id).Str("kind", string(p.kind)).Msg("producer closed")
}

func (p *Producer) handleNotification(event string, _ json.RawMessage) {
	switch event {
	case "producerclose":
		log.Info().Str("module", "sfu.producer").Str("producer", p.id).Msg("worker closed producer")
		p.closeInternal(context.Background(), false)
	}
}
