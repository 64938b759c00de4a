package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/core"
)

const (
	brokerQueueSize     = 256
	subscriberQueueSize = 32
)

// Broker fans lifecycle events out to every subscribed observer. The
// registry publishes into a single FIFO queue, so the order observers see
// matches commit order. A subscriber that stops draining its channel is
// dropped, the same way the signaling layer kicks a backpressured
// connection; the registry itself never blocks on a slow observer.
type Broker struct {
	queue chan core.Event

	mu   sync.Mutex
	subs map[string]chan core.Event

	done      chan struct{}
	closeOnce sync.Once
}

func NewBroker() *Broker {
	b := &Broker{
		queue: make(chan core.Event, brokerQueueSize),
		subs:  make(map[string]chan core.Event),
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

// Publish enqueues one event. Called by the registry while it holds its
// write lock, so it must not block: a full queue drops the event and logs.
func (b *Broker) Publish(ev core.Event) {
	select {
	case b.queue <- ev:
	default:
		log.Error().Str("module", "app.broker").Str("type", string(ev.Type)).
			Str("device", string(ev.DeviceID)).Msg("broker queue full, dropping event")
	}
}

// Subscribe registers an observer under id and returns its event channel.
// The channel is closed when the observer falls behind or unsubscribes.
func (b *Broker) Subscribe(id string) <-chan core.Event {
	ch := make(chan core.Event, subscriberQueueSize)
	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		close(old)
	}
	b.subs[id] = ch
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Close stops the fan-out loop and closes every subscriber channel.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *Broker) loop() {
	for {
		select {
		case <-b.done:
			b.mu.Lock()
			for id, ch := range b.subs {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
			return
		case ev := <-b.queue:
			b.mu.Lock()
			for id, ch := range b.subs {
				select {
				case ch <- ev:
				default:
					// Slow observer: drop it rather than stall everyone.
					delete(b.subs, id)
					close(ch)
					log.Warn().Str("module", "app.broker").Str("subscriber", id).
						Msg("observer backpressure, dropping subscriber")
				}
			}
			b.mu.Unlock()
		}
	}
}
