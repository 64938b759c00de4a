package app

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *recordingSink) Publish(ev core.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) typesFor(id domain.DeviceID) []core.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.EventType
	for _, ev := range s.events {
		if ev.DeviceID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (s *recordingSink) count(t core.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newTestRegistry(grace time.Duration) (*Registry, *recordingSink) {
	sink := &recordingSink{}
	return NewRegistry(sink, grace), sink
}

func TestRegisterDeviceIdempotent(t *testing.T) {
	r, sink := newTestRegistry(time.Minute)

	d1, err := r.RegisterDevice("s1", "dev-A", "Pixel 8")
	require.NoError(t, err)
	d2, err := r.RegisterDevice("s1", "dev-A", "")
	require.NoError(t, err)

	assert.Equal(t, d1.ID, d2.ID)
	assert.Equal(t, "Pixel 8", d2.Name)
	assert.Equal(t, 1, sink.count(core.EventDeviceConnected))

	got, ok := r.DeviceBySession("s1")
	require.True(t, ok)
	assert.True(t, got.Connected)
}

func TestRegisterRebindsSession(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	_, err := r.RegisterDevice("s1", "dev-A", "Pixel")
	require.NoError(t, err)
	_, err = r.RegisterDevice("s2", "dev-A", "")
	require.NoError(t, err)

	_, ok := r.DeviceBySession("s1")
	assert.False(t, ok)
	d, ok := r.DeviceBySession("s2")
	require.True(t, ok)
	assert.Equal(t, domain.DeviceID("dev-A"), d.ID)
}

func TestGraceExpiryRemovesDeviceOnce(t *testing.T) {
	r, sink := newTestRegistry(30 * time.Millisecond)

	_, err := r.RegisterDevice("s1", "dev-A", "")
	require.NoError(t, err)
	r.MarkDisconnected("s1")

	require.Eventually(t, func() bool {
		_, ok := r.Device("dev-A")
		return !ok
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, sink.count(core.EventDeviceRemoved))
	assert.Equal(t,
		[]core.EventType{core.EventDeviceConnected, core.EventDeviceDisconnected, core.EventDeviceRemoved},
		sink.typesFor("dev-A"))
}

func TestReconnectWithinGraceCancelsRemoval(t *testing.T) {
	r, sink := newTestRegistry(60 * time.Millisecond)

	_, err := r.RegisterDevice("s1", "dev-A", "Pixel")
	require.NoError(t, err)
	r.MarkDisconnected("s1")
	_, err = r.RegisterDevice("s2", "dev-A", "")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	assert.Zero(t, sink.count(core.EventDeviceRemoved))
	d, ok := r.Device("dev-A")
	require.True(t, ok)
	assert.True(t, d.Connected)
	assert.Equal(t, "Pixel", d.Name)
}

func TestStreamingBlocksRemoval(t *testing.T) {
	r, sink := newTestRegistry(30 * time.Millisecond)

	_, err := r.RegisterDevice("s1", "dev-A", "")
	require.NoError(t, err)
	r.UpsertStream("T1", "P1", "dev-A", StreamNominals{})
	r.SetStreaming("dev-A", true, "stream-x")
	r.MarkDisconnected("s1")

	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, sink.count(core.EventDeviceRemoved))
	_, ok := r.Device("dev-A")
	assert.True(t, ok)
}

func TestRebindDisconnectRemovesDeviceAfterStreamEnds(t *testing.T) {
	r, sink := newTestRegistry(30 * time.Millisecond)

	// First session streams, a second session rebinds the device and then
	// disconnects while the producer is still alive. The grace timer fires
	// into the streaming flag; ending the producer must still lead to
	// removal.
	_, err := r.RegisterDevice("s1", "dev-A", "Pixel")
	require.NoError(t, err)
	s := r.UpsertStream("T1", "P1", "dev-A", StreamNominals{})
	r.SetStreaming("dev-A", true, s.ID)

	_, err = r.RegisterDevice("s2", "dev-A", "")
	require.NoError(t, err)
	r.MarkDisconnected("s2")

	time.Sleep(100 * time.Millisecond)
	_, ok := r.Device("dev-A")
	require.True(t, ok)

	r.RemoveStreamByProducer("P1")

	require.Eventually(t, func() bool {
		_, ok := r.Device("dev-A")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.count(core.EventDeviceRemoved))
}

func TestSetStreamingCancelsRemoval(t *testing.T) {
	r, sink := newTestRegistry(60 * time.Millisecond)

	_, err := r.RegisterDevice("s1", "dev-A", "")
	require.NoError(t, err)
	r.MarkDisconnected("s1")
	r.SetStreaming("dev-A", true, "stream-x")

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, sink.count(core.EventDeviceRemoved))
}

func TestUpsertStreamUpdateInPlace(t *testing.T) {
	r, sink := newTestRegistry(time.Minute)
	_, err := r.RegisterDevice("s1", "dev-A", "Pixel")
	require.NoError(t, err)

	s1 := r.UpsertStream("T1", "P1", "dev-A", StreamNominals{Width: 1280, Height: 720, FPS: 30})
	assert.Equal(t, 1, sink.count(core.EventStreamStarted))

	// Replacing the producer on the same transport keeps the stream identity.
	s2 := r.UpsertStream("T1", "P2", "dev-A", StreamNominals{Width: 1920, Height: 1080, FPS: 30})
	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, "P2", s2.ProducerID)
	assert.Equal(t, 1, sink.count(core.EventStreamStarted))
	assert.Equal(t, 1, sink.count(core.EventStreamUpdated))

	_, ok := r.StreamByProducer("P1")
	assert.False(t, ok)
	got, ok := r.StreamByProducer("P2")
	require.True(t, ok)
	assert.Equal(t, 1920, got.Width)
	assert.Len(t, r.ActiveStreams(), 1)
}

func TestStreamRevivalKeepsOperatorName(t *testing.T) {
	r, sink := newTestRegistry(time.Minute)
	_, err := r.RegisterDevice("s1", "dev-A", "Pixel")
	require.NoError(t, err)

	s1 := r.UpsertStream("T1", "P1", "dev-A", StreamNominals{})
	_, err = r.RenameStream(s1.ID, "Stage Left")
	require.NoError(t, err)

	r.RemoveStreamByProducer("P1")
	assert.Equal(t, 1, sink.count(core.EventStreamEnded))
	assert.Empty(t, r.ActiveStreams())

	// Re-produce on the same transport revives the stream under its old id.
	s2 := r.UpsertStream("T1", "P2", "dev-A", StreamNominals{})
	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, "Stage Left", s2.Label())
	assert.Equal(t, 2, sink.count(core.EventStreamStarted))

	// Once the transport is gone the identity is gone too.
	r.RemoveStreamByProducer("P2")
	r.DropTransportStream("T1")
	s3 := r.UpsertStream("T1", "P3", "dev-A", StreamNominals{})
	assert.NotEqual(t, s1.ID, s3.ID)
}

func TestRemoveStreamClearsStreamingSilently(t *testing.T) {
	r, sink := newTestRegistry(time.Minute)
	_, err := r.RegisterDevice("s1", "dev-A", "")
	require.NoError(t, err)

	s := r.UpsertStream("T1", "P1", "dev-A", StreamNominals{})
	r.SetStreaming("dev-A", true, s.ID)
	assert.Equal(t, 1, sink.count(core.EventDeviceStreamingChanged))

	r.RemoveStreamByProducer("P1")

	d, ok := r.Device("dev-A")
	require.True(t, ok)
	assert.False(t, d.Streaming)
	// stream-ended carries the news; no extra streaming-changed emission.
	assert.Equal(t, 1, sink.count(core.EventDeviceStreamingChanged))
	assert.Equal(t, 1, sink.count(core.EventStreamEnded))
}

func TestRenameStream(t *testing.T) {
	r, sink := newTestRegistry(time.Minute)
	_, err := r.RegisterDevice("s1", "dev-A", "Pixel")
	require.NoError(t, err)
	s := r.UpsertStream("T1", "P1", "dev-A", StreamNominals{})

	renamed, err := r.RenameStream(s.ID, "Main Cam")
	require.NoError(t, err)
	assert.Equal(t, "Main Cam", renamed.Label())
	assert.Equal(t, 1, sink.count(core.EventStreamNameUpdated))

	streams := r.ActiveStreams()
	require.Len(t, streams, 1)
	assert.Equal(t, "Main Cam", streams[0].Label())

	_, err = r.RenameStream("stream-nope", "x")
	kind, ok := core.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, core.KindUnknownStream, kind)
}

func TestPerDeviceEventOrder(t *testing.T) {
	r, sink := newTestRegistry(25 * time.Millisecond)

	_, err := r.RegisterDevice("s1", "dev-A", "Pixel")
	require.NoError(t, err)
	s := r.UpsertStream("T1", "P1", "dev-A", StreamNominals{})
	r.SetStreaming("dev-A", true, s.ID)

	// Session close cascade: producer close ends the stream first, then the
	// device goes disconnected and eventually removed.
	r.RemoveStreamByProducer("P1")
	r.MarkDisconnected("s1")

	require.Eventually(t, func() bool {
		return sink.count(core.EventDeviceRemoved) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []core.EventType{
		core.EventDeviceConnected,
		core.EventStreamStarted,
		core.EventDeviceStreamingChanged,
		core.EventStreamEnded,
		core.EventDeviceDisconnected,
		core.EventDeviceRemoved,
	}, sink.typesFor("dev-A"))
}
