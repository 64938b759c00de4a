// Package sfu drives the media worker subprocess: the IPC channel, the
// routing context and the transport/producer/consumer handles. Ownership is
// a strict parent→child flow: closing a transport closes its producers and
// consumers, closing a producer closes its consumers. Back-references are
// never owning.
package sfu

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// maxFrameSize bounds a single IPC frame; anything larger means the
	// stream is corrupt.
	maxFrameSize = 4 * 1024 * 1024

	requestTimeout = 10 * time.Second

	notifyQueueSize = 1024
)

var ErrChannelClosed = errors.New("worker channel closed")

// WorkerError is a structured rejection from the media worker.
type WorkerError struct {
	Kind   string
	Reason string
}

func (e *WorkerError) Error() string {
	if e.Reason == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Reason
}

// Worker rejection kinds the router code discriminates on.
const (
	WorkerErrNotFound       = "NotFound"
	WorkerErrPortsExhausted = "PortsExhausted"
)

// IsWorkerError reports whether err is a worker rejection of the given kind.
func IsWorkerError(err error, kind string) bool {
	var we *WorkerError
	return errors.As(err, &we) && we.Kind == kind
}

type channelRequest struct {
	ID        uint32 `json:"id"`
	Method    string `json:"method"`
	HandlerID string `json:"handlerId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type channelMessage struct {
	ID       uint32          `json:"id,omitempty"`
	Accepted bool            `json:"accepted,omitempty"`
	Error    string          `json:"error,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Event    string          `json:"event,omitempty"`
}

// NotificationHandler consumes worker-initiated events for one entity id.
type NotificationHandler func(event string, data json.RawMessage)

// / Channel is the duplex link to the media worker: correlated request/reply
// plus worker-initiated notifications. Frames are a uint32 little-endian
// length prefix followed by a JSON body.
type Channel struct {
	wmu sync.Mutex
	w   io.WriteCloser
	r   io.ReadCloser

	nextID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan channelMessage
	subs    map[string]NotificationHandler

	// Notifications are dispatched off the read loop so a handler may issue
	// further requests without deadlocking on its own reply.
	notifyQueue chan channelMessage

	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func NewChannel(w io.WriteCloser, r io.ReadCloser) *Channel {
	c := &Channel{
		w:           w,
		r:           r,
		pending:     make(map[uint32]chan channelMessage),
		subs:        make(map[string]NotificationHandler),
		notifyQueue: make(chan channelMessage, notifyQueueSize),
		done:        make(chan struct{}),
		logger:      log.With().Str("module", "sfu.channel").Logger(),
	}
	go c.readLoop()
	go c.notifyLoop()
	return c
}

// Done is closed when the worker side of the channel is gone.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		_ = c.w.Close()
		_ = c.r.Close()
	})
}

// Request sends one method invocation and waits for the correlated reply.
func (c *Channel) Request(ctx context.Context, method, handlerID string, data any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrChannelClosed
	default:
	}

	id := c.nextID.Add(1)
	reply := make(chan channelMessage, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	drop := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.writeFrame(channelRequest{ID: id, Method: method, HandlerID: handlerID, Data: data}); err != nil {
		drop()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrChannelClosed
	case <-timer.C:
		drop()
		return nil, fmt.Errorf("request %s timed out", method)
	case msg := <-reply:
		if msg.Error != "" {
			return nil, &WorkerError{Kind: msg.Error, Reason: msg.Reason}
		}
		return msg.Data, nil
	}
}

// Subscribe routes notifications for targetID to h. One handler per id.
func (c *Channel) Subscribe(targetID string, h NotificationHandler) {
	c.mu.Lock()
	c.subs[targetID] = h
	c.mu.Unlock()
}

func (c *Channel) Unsubscribe(targetID string) {
	c.mu.Lock()
	delete(c.subs, targetID)
	c.mu.Unlock()
}

func (c *Channel) writeFrame(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = c.w.Write(body)
	return err
}

func (c *Channel) readLoop() {
	defer func() {
		close(c.done)
		close(c.notifyQueue)
		c.mu.Lock()
		c.pending = map[uint32]chan channelMessage{}
		c.mu.Unlock()
	}()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Error().Err(err).Msg("read frame length")
			}
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxFrameSize {
			c.logger.Error().Uint32("len", n).Msg("bad frame length")
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(c.r, body); err != nil {
			c.logger.Error().Err(err).Msg("read frame body")
			return
		}
		var msg channelMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			c.logger.Error().Err(err).Msg("bad frame json")
			continue
		}

		switch {
		case msg.ID != 0:
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				reply <- msg
			}
		case msg.Event != "":
			select {
			case c.notifyQueue <- msg:
			default:
				c.logger.Error().Str("event", msg.Event).Str("target", msg.TargetID).
					Msg("notification queue full, dropping")
			}
		}
	}
}

func (c *Channel) notifyLoop() {
	for msg := range c.notifyQueue {
		c.mu.Lock()
		h := c.subs[msg.TargetID]
		c.mu.Unlock()
		if h != nil {
			h(msg.Event, msg.Data)
		}
	}
}
