package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/rtc"
)

// Consumer is one outbound forwarding of a producer, bound to a client or
// egress transport. It closes when either the producer or the owning
// transport closes.
type Consumer struct {
	id            string
	kind          rtc.MediaKind
	transport     *Transport
	producerID    string
	rtpParameters rtc.RtpParameters

	mu     sync.Mutex
	closed bool
}

func newConsumer(id string, kind rtc.MediaKind, t *Transport, producerID string, params rtc.RtpParameters) *Consumer {
	return &Consumer{
		id:            id,
		kind:          kind,
		transport:     t,
		producerID:    producerID,
		rtpParameters: params,
	}
}

func (c *Consumer) ID() string            { return c.id }
func (c *Consumer) Kind() rtc.MediaKind   { return c.kind }
func (c *Consumer) ProducerID() string    { return c.producerID }
func (c *Consumer) Transport() *Transport { return c.transport }

// RtpParameters are the synthesized parameters the consuming side must
// decode: payload types, clock rates and the SSRC match the emitted RTP
// byte-for-byte.
func (c *Consumer) RtpParameters() rtc.RtpParameters { return c.rtpParameters }

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Resume starts packet flow for a consumer created paused.
func (c *Consumer) Resume(ctx context.Context) error {
	if c.Closed() {
		return ErrTransportClosed
	}
	if _, err := c.transport.router.ch.Request(ctx, "consumer.resume", c.id, nil); err != nil {
		return fmt.Errorf("resume consumer: %w", err)
	}
	return nil
}

// Close tears the consumer down. Idempotent.
func (c *Consumer) Close(ctx context.Context) {
	c.closeInternal(ctx, true)
}

func (c *Consumer) closeInternal(ctx context.Context, notifyWorker bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if notifyWorker {
		if _, err := c.transport.router.ch.Request(ctx, "consumer.close", c.id, nil); err != nil && !errors.Is(err, ErrChannelClosed) {
			log.Warn().Err(err).Str("module", "sfu.consumer").Str("consumer", c.id).Msg("worker consumer close")
		}
	}
	c.transport.removeConsumer(c.id)
	if p, ok := c.transport.router.Producer(c.producerID); ok {
		p.removeConsumer(c.id)
	}
	log.Debug().Str("module", "sfu.consumer").Str("consumer", c.id).Msg("consumer closed")
}
