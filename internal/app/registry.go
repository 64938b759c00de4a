package app

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/domain"
	"github.com/Stefan-migo/MCR/internal/metrics"
)

// Registry is the authoritative mapping between device identities, open
// sessions, producers and streams. It is the single writer for all of that
// state: every mutation happens under mu, and lifecycle events are published
// to the sink before the lock is released so per-device event order equals
// commit order.
type Registry struct {
	mu                sync.RWMutex
	devices           map[domain.DeviceID]*domain.Device
	bySession         map[core.SessionID]domain.DeviceID
	streams           map[domain.StreamID]*domain.Stream
	streamByProducer  map[string]domain.StreamID
	streamByTransport map[string]*domain.Stream
	removals          map[domain.DeviceID]*time.Timer

	sink  core.EventSink
	grace time.Duration
}

func NewRegistry(sink core.EventSink, grace time.Duration) *Registry {
	return &Registry{
		devices:           make(map[domain.DeviceID]*domain.Device),
		bySession:         make(map[core.SessionID]domain.DeviceID),
		streams:           make(map[domain.StreamID]*domain.Stream),
		streamByProducer:  make(map[string]domain.StreamID),
		streamByTransport: make(map[string]*domain.Stream),
		removals:          make(map[domain.DeviceID]*time.Timer),
		sink:              sink,
		grace:             grace,
	}
}

// RegisterDevice binds a session to a device identity, creating the device
// on first sight. A pending removal is cancelled; rebinding transfers the
// device to the new session and keeps the known name when the registration
// omits one.
func (r *Registry) RegisterDevice(sid core.SessionID, id domain.DeviceID, name string) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		var err error
		d, err = domain.NewDevice(id, name)
		if err != nil {
			return nil, err
		}
		r.devices[id] = d
	} else if name != "" {
		if err := d.SetName(name); err != nil {
			return nil, err
		}
	}
	r.cancelRemovalLocked(id)

	// A previous session of this device may still be bound during a
	// reconnect window; the new one wins.
	if d.SessionID != "" && d.SessionID != string(sid) {
		delete(r.bySession, core.SessionID(d.SessionID))
	}
	d.SessionID = string(sid)
	d.LastSeen = time.Now()
	r.bySession[sid] = id

	if !d.Connected {
		d.Connected = true
		r.publishLocked(core.Event{
			Type:     core.EventDeviceConnected,
			DeviceID: id,
			Data:     core.DeviceConnectedPayload{DeviceID: id, DeviceName: d.Name},
		})
	}
	r.updateGaugesLocked()
	log.Info().Str("module", "app.registry").Str("device", string(id)).Str("sid", string(sid)).Msg("device registered")
	dc := *d
	return &dc, nil
}

// MarkDisconnected flips the session's device to not-connected and starts
// the deferred-removal window. The device record survives the grace period
// so a quick reconnect keeps its identity and name.
func (r *Registry) MarkDisconnected(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.bySession[sid]
	if !ok {
		return
	}
	delete(r.bySession, sid)
	d, ok := r.devices[id]
	if !ok || d.SessionID != string(sid) {
		return
	}
	d.SessionID = ""
	d.LastSeen = time.Now()
	if d.Connected {
		d.Connected = false
		r.publishLocked(core.Event{
			Type:     core.EventDeviceDisconnected,
			DeviceID: id,
			Data:     core.DeviceGonePayload{DeviceID: id},
		})
	}
	r.scheduleRemovalLocked(id)
	r.updateGaugesLocked()
	log.Info().Str("module", "app.registry").Str("device", string(id)).
		Dur("grace", r.grace).Msg("device disconnected, removal scheduled")
}

func (r *Registry) scheduleRemovalLocked(id domain.DeviceID) {
	r.cancelRemovalLocked(id)
	r.removals[id] = time.AfterFunc(r.grace, func() {
		r.expireDevice(id)
	})
}

func (r *Registry) cancelRemovalLocked(id domain.DeviceID) {
	if t, ok := r.removals[id]; ok {
		t.Stop()
		delete(r.removals, id)
	}
}

// expireDevice runs when the grace window elapses. The device is removed
// only if it is still neither connected nor streaming. A device still
// streaming keeps its timer armed so the record cannot outlive its last
// producer by more than another window.
func (r *Registry) expireDevice(id domain.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.removals, id)
	d, ok := r.devices[id]
	if !ok || d.Connected {
		return
	}
	if d.Streaming {
		r.scheduleRemovalLocked(id)
		return
	}
	delete(r.devices, id)
	r.publishLocked(core.Event{
		Type:     core.EventDeviceRemoved,
		DeviceID: id,
		Data:     core.DeviceGonePayload{DeviceID: id},
	})
	r.updateGaugesLocked()
	log.Info().Str("module", "app.registry").Str("device", string(id)).Msg("device removed after grace window")
}

// SetStreaming flips the device streaming flag and records the current
// stream id. Turning streaming on implicitly reconnects a device sitting in
// its grace window.
func (r *Registry) SetStreaming(id domain.DeviceID, streaming bool, streamID domain.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return
	}
	if streaming {
		r.cancelRemovalLocked(id)
	}
	if d.Streaming == streaming && d.StreamID == streamID {
		return
	}
	d.Streaming = streaming
	d.StreamID = streamID
	d.LastSeen = time.Now()

	payload := core.StreamingChangedPayload{DeviceID: id, IsStreaming: streaming}
	if streaming {
		sid := streamID
		payload.StreamID = &sid
	}
	r.publishLocked(core.Event{Type: core.EventDeviceStreamingChanged, DeviceID: id, Data: payload})
	r.updateGaugesLocked()
}

// StreamNominals are the declared shape of a video producer's media.
type StreamNominals struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int
}

// UpsertStream synthesizes or refreshes the stream record for a video
// producer on the given client transport. A live stream on the same
// transport is updated in place, keeping its id and operator name, and
// stream-updated is emitted instead of a duplicate stream-started. A stream
// that already ended on this transport is revived under its old id so
// operator labels survive producer re-creations.
func (r *Registry) UpsertStream(transportID, producerID string, deviceID domain.DeviceID, nominals StreamNominals) *domain.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	displayName := string(deviceID)
	if d, ok := r.devices[deviceID]; ok {
		displayName = d.DisplayName()
	}

	s := r.streamByTransport[transportID]
	live := false
	if s != nil {
		_, live = r.streams[s.ID]
	}

	now := time.Now()
	eventType := core.EventStreamStarted
	switch {
	case s == nil:
		s = &domain.Stream{
			ID:       domain.NewStreamID(transportID, now),
			DeviceID: deviceID,
		}
		r.streamByTransport[transportID] = s
	case live:
		// Same transport, producer replaced while the old stream is still
		// listed: update in place.
		delete(r.streamByProducer, s.ProducerID)
		eventType = core.EventStreamUpdated
	default:
		// Revival after stream-ended: same id, operator name preserved.
	}

	s.ProducerID = producerID
	s.DeviceID = deviceID
	s.DisplayName = displayName
	s.Width = nominals.Width
	s.Height = nominals.Height
	s.FPS = nominals.FPS
	s.Bitrate = nominals.Bitrate
	s.CreatedAt = now

	r.streams[s.ID] = s
	r.streamByProducer[producerID] = s.ID

	r.publishLocked(core.Event{
		Type:     eventType,
		DeviceID: deviceID,
		Data:     core.StreamStartedPayload{Stream: s.Clone()},
	})
	r.updateGaugesLocked()
	log.Info().Str("module", "app.registry").Str("stream", string(s.ID)).
		Str("producer", producerID).Str("device", string(deviceID)).
		Str("event", string(eventType)).Msg("stream upserted")
	return s.Clone()
}

// RemoveStreamByProducer ends the stream of a closed video producer and
// emits stream-ended. The device streaming flag is cleared without a
// streaming-changed emission: observers learn the end from stream-ended,
// and when the whole session is going away the cascade continues with
// device-disconnected.
func (r *Registry) RemoveStreamByProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	streamID, ok := r.streamByProducer[producerID]
	if !ok {
		return
	}
	delete(r.streamByProducer, producerID)
	s, ok := r.streams[streamID]
	if !ok {
		return
	}
	delete(r.streams, streamID)
	// streamByTransport keeps the ended record so a re-produce on the same
	// transport revives the id and the operator name.

	if d, ok := r.devices[s.DeviceID]; ok && d.StreamID == streamID {
		d.Streaming = false
		d.StreamID = ""
		// The stream was the last thing holding a disconnected device alive.
		// Its grace timer may already have fired and bailed on the streaming
		// flag, so start the removal window now if none is pending.
		if !d.Connected {
			if _, pending := r.removals[s.DeviceID]; !pending {
				r.scheduleRemovalLocked(s.DeviceID)
			}
		}
	}
	r.publishLocked(core.Event{
		Type:     core.EventStreamEnded,
		DeviceID: s.DeviceID,
		Data:     core.StreamEndedPayload{StreamID: streamID},
	})
	r.updateGaugesLocked()
	log.Info().Str("module", "app.registry").Str("stream", string(streamID)).Msg("stream ended")
}

// DropTransportStream forgets the ended-stream record of a closed client
// transport. Revival is only meaningful while the transport lives.
func (r *Registry) DropTransportStream(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streamByTransport, transportID)
}

// RenameStream applies an operator override to a live stream's name.
func (r *Registry) RenameStream(id domain.StreamID, name string) (*domain.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[id]
	if !ok {
		return nil, core.NewError(core.KindUnknownStream, nil)
	}
	if err := s.Rename(name); err != nil {
		return nil, err
	}
	r.publishLocked(core.Event{
		Type:     core.EventStreamNameUpdated,
		DeviceID: s.DeviceID,
		Data:     core.StreamNameUpdatedPayload{StreamID: id, Name: name, Stream: s.Clone()},
	})
	log.Info().Str("module", "app.registry").Str("stream", string(id)).Str("name", name).Msg("stream renamed")
	return s.Clone(), nil
}

// ActiveStreams returns a point-in-time snapshot of every live stream,
// oldest first.
func (r *Registry) ActiveStreams() []*domain.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Stream(id domain.StreamID) (*domain.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (r *Registry) StreamByProducer(producerID string) (*domain.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.streamByProducer[producerID]
	if !ok {
		return nil, false
	}
	s, ok := r.streams[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (r *Registry) Device(id domain.DeviceID) (*domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	dc := *d
	return &dc, true
}

func (r *Registry) DeviceBySession(sid core.SessionID) (*domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sid]
	if !ok {
		return nil, false
	}
	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	dc := *d
	return &dc, true
}

func (r *Registry) publishLocked(ev core.Event) {
	if r.sink != nil {
		r.sink.Publish(ev)
	}
}

func (r *Registry) updateGaugesLocked() {
	connected := 0
	for _, d := range r.devices {
		if d.Connected {
			connected++
		}
	}
	metrics.DevicesConnected.Set(float64(connected))
	metrics.StreamsActive.Set(float64(len(r.streams)))
}
