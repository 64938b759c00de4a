package signal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stefan-migo/MCR/internal/app"
	"github.com/Stefan-migo/MCR/internal/app/egress"
	"github.com/Stefan-migo/MCR/internal/app/orch"
	"github.com/Stefan-migo/MCR/internal/config"
	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/rtc"
	"github.com/Stefan-migo/MCR/internal/sfu"
	"github.com/Stefan-migo/MCR/internal/sfu/sfutest"
)

type fixture struct {
	ctl    *Controller
	sess   *session
	broker *app.Broker
	events <-chan core.Event
	worker *sfutest.Worker
	router *sfu.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fw := sfutest.New()
	w, r := fw.ChannelEnds()
	ch := sfu.NewChannel(w, r)
	t.Cleanup(func() {
		ch.Close()
		fw.Close()
	})

	codecs, err := rtc.MediaCodecsByName([]string{"opus", "VP8", "H264"})
	require.NoError(t, err)
	caps, err := rtc.GenerateRouterRtpCapabilities(codecs)
	require.NoError(t, err)
	router := sfu.NewRouter("router-1", ch, caps)

	broker := app.NewBroker()
	t.Cleanup(broker.Close)
	registry := app.NewRegistry(broker, time.Minute)
	pool, err := egress.NewPortPool(20000, 20007)
	require.NoError(t, err)

	cfg := &config.Config{
		ListenIP:           "0.0.0.0",
		AnnouncedIP:        "203.0.113.9",
		InitialBitrate:     1_000_000,
		MaxIncomingBitrate: 1_500_000,
		MsgRateLimit:       1000,
		MsgRateInterval:    time.Second,
	}
	o := &orch.Orchestrator{
		Registry: registry,
		Router:   router,
		Egress:   egress.NewService(router, pool, cfg.ListenIP, cfg.AnnouncedIP),
		Broker:   broker,
		Cfg:      cfg,
	}

	conn := &wsConn{send: make(chan core.Frame, 64)}
	return &fixture{
		ctl:    NewController(o, cfg),
		sess:   newSession(context.Background(), "sess-1", conn),
		broker: broker,
		events: broker.Subscribe("test-observer"),
		worker: fw,
		router: router,
	}
}

type response struct {
	ID    uint64          `json:"id"`
	Type  string          `json:"type"`
	OK    json.RawMessage `json:"ok"`
	Error string          `json:"error"`
}

var reqID uint64

// request feeds one envelope through dispatch and returns the written reply.
func (f *fixture) request(t *testing.T, op string, data any) response {
	t.Helper()
	reqID++
	raw, err := json.Marshal(map[string]any{"id": reqID, "type": op, "data": data})
	require.NoError(t, err)
	f.ctl.dispatch(f.sess, raw)

	select {
	case frame := <-f.sess.conn.send:
		var resp response
		require.NoError(t, json.Unmarshal(frame, &resp))
		assert.Equal(t, reqID, resp.ID)
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply to %s", op)
		return response{}
	}
}

func (f *fixture) mustOK(t *testing.T, op string, data any) json.RawMessage {
	t.Helper()
	resp := f.request(t, op, data)
	require.Empty(t, resp.Error, "op %s failed: %s", op, resp.Error)
	return resp.OK
}

// ingest drives scenario parts shared by several tests: register, create
// and connect the send transport, produce video. Returns transport and
// producer ids.
func (f *fixture) ingest(t *testing.T) (string, string) {
	t.Helper()
	f.mustOK(t, "register-device", map[string]any{"deviceId": "dev-A", "deviceName": "Pixel 8"})
	f.mustOK(t, "get-rtp-capabilities", nil)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(f.mustOK(t, "create-transport", nil), &created))

	f.mustOK(t, "connect-transport", map[string]any{
		"transportId":    created.ID,
		"dtlsParameters": map[string]any{"role": "client"},
	})

	var produced struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(f.mustOK(t, "produce", map[string]any{
		"transportId": created.ID,
		"kind":        "video",
		"rtpParameters": map[string]any{
			"codecs": []map[string]any{
				{"mimeType": "video/VP8", "payloadType": 96, "clockRate": 90000},
			},
			"encodings": []map[string]any{{"ssrc": 222222222}},
			"rtcp":      map[string]any{"cname": "cam-A"},
		},
	}), &produced))
	assert.Equal(t, "video", produced.Kind)
	return created.ID, produced.ID
}

func (f *fixture) drainEvents(t *testing.T, n int) []core.EventType {
	t.Helper()
	out := make([]core.EventType, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-f.events:
			out = append(out, ev.Type)
		case <-timeout:
			t.Fatalf("timed out after events %v", out)
		}
	}
	return out
}

func TestHappyPathIngest(t *testing.T) {
	f := newFixture(t)
	_, producerID := f.ingest(t)

	_, ok := f.router.Producer(producerID)
	assert.True(t, ok)

	streams := f.ctl.Orch.ActiveStreams()
	require.Len(t, streams, 1)
	assert.Equal(t, producerID, streams[0].ProducerID)
	assert.Equal(t, "Pixel 8", streams[0].Label())

	assert.Equal(t, []core.EventType{
		core.EventDeviceConnected,
		core.EventStreamStarted,
		core.EventDeviceStreamingChanged,
	}, f.drainEvents(t, 3))
}

func TestRegisterDeviceIdempotent(t *testing.T) {
	f := newFixture(t)
	f.mustOK(t, "register-device", map[string]any{"deviceId": "dev-A"})
	f.mustOK(t, "register-device", map[string]any{"deviceId": "dev-A"})
	assert.Equal(t, stateRegistered, f.sess.seq.Current())
}

func TestRegisterDeviceMissingID(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, "register-device", map[string]any{"deviceName": "anon"})
	assert.Equal(t, "MissingDeviceId", resp.Error)
	assert.Equal(t, stateOpened, f.sess.seq.Current())

	// The session recovers with a correct registration.
	f.mustOK(t, "register-device", map[string]any{"deviceId": "dev-A"})
}

func TestProduceBeforeConnectIsProtocolOrder(t *testing.T) {
	f := newFixture(t)
	f.mustOK(t, "register-device", map[string]any{"deviceId": "dev-A"})
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(f.mustOK(t, "create-transport", nil), &created))

	resp := f.request(t, "produce", map[string]any{
		"transportId":   created.ID,
		"kind":          "video",
		"rtpParameters": map[string]any{},
	})
	assert.Equal(t, "ProtocolOrder", resp.Error)
	assert.Equal(t, stateSendCreated, f.sess.seq.Current())
}

func TestCreateTransportBeforeRegisterIsProtocolOrder(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, "create-transport", nil)
	assert.Equal(t, "ProtocolOrder", resp.Error)
}

func TestConnectUnknownTransport(t *testing.T) {
	f := newFixture(t)
	f.mustOK(t, "register-device", map[string]any{"deviceId": "dev-A"})
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(f.mustOK(t, "create-transport", nil), &created))

	resp := f.request(t, "connect-transport", map[string]any{
		"transportId":    "bogus",
		"dtlsParameters": map[string]any{},
	})
	assert.Equal(t, "UnknownTransport", resp.Error)

	// The failed call leaves the session where it was, so a retry with the
	// right id goes through instead of tripping the sequencer.
	assert.Equal(t, stateSendCreated, f.sess.seq.Current())
	f.mustOK(t, "connect-transport", map[string]any{
		"transportId":    created.ID,
		"dtlsParameters": map[string]any{"role": "client"},
	})
	assert.Equal(t, stateSendConnected, f.sess.seq.Current())
}

func TestFailedProduceLeavesSessionRetryable(t *testing.T) {
	f := newFixture(t)
	f.mustOK(t, "register-device", map[string]any{"deviceId": "dev-A"})
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(f.mustOK(t, "create-transport", nil), &created))
	f.mustOK(t, "connect-transport", map[string]any{
		"transportId":    created.ID,
		"dtlsParameters": map[string]any{"role": "client"},
	})

	resp := f.request(t, "produce", map[string]any{
		"transportId":   "bogus",
		"kind":          "video",
		"rtpParameters": map[string]any{},
	})
	assert.Equal(t, "UnknownTransport", resp.Error)
	assert.Equal(t, stateSendConnected, f.sess.seq.Current())

	f.mustOK(t, "produce", map[string]any{
		"transportId": created.ID,
		"kind":        "video",
		"rtpParameters": map[string]any{
			"codecs": []map[string]any{
				{"mimeType": "video/VP8", "payloadType": 96, "clockRate": 90000},
			},
			"encodings": []map[string]any{{"ssrc": 333333333}},
			"rtcp":      map[string]any{"cname": "cam-A"},
		},
	})
	assert.Equal(t, stateProducing, f.sess.seq.Current())
}

func TestMalformedPayloadIsBadPayload(t *testing.T) {
	f := newFixture(t)
	f.mustOK(t, "register-device", map[string]any{"deviceId": "dev-A"})
	resp := f.request(t, "connect-transport", "not-an-object")
	assert.Equal(t, "BadPayload", resp.Error)
}

func TestUnknownOperation(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, "no-such-op", nil)
	assert.Equal(t, "BadPayload", resp.Error)
}

func TestStopStreamIsAdvisory(t *testing.T) {
	f := newFixture(t)
	_, producerID := f.ingest(t)
	f.drainEvents(t, 3)

	f.mustOK(t, "stop-stream", nil)

	d, ok := f.ctl.Orch.Registry.Device("dev-A")
	require.True(t, ok)
	assert.False(t, d.Streaming)

	// The producer keeps flowing until its transport closes.
	_, ok = f.router.Producer(producerID)
	assert.True(t, ok)

	got := f.drainEvents(t, 1)
	assert.Equal(t, core.EventDeviceStreamingChanged, got[0])
}

func TestUpdateStreamNameRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.ingest(t)
	streams := f.ctl.Orch.ActiveStreams()
	require.Len(t, streams, 1)

	f.mustOK(t, "update-stream-name", map[string]any{
		"streamId": string(streams[0].ID),
		"name":     "Stage Left",
	})

	var listed struct {
		Streams []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(f.mustOK(t, "get-active-streams", nil), &listed))
	require.Len(t, listed.Streams, 1)
	assert.Equal(t, "Stage Left", listed.Streams[0].Name)

	resp := f.request(t, "update-stream-name", map[string]any{"streamId": "nope", "name": "x"})
	assert.Equal(t, "UnknownStream", resp.Error)
}

func TestDisconnectStream(t *testing.T) {
	f := newFixture(t)
	_, producerID := f.ingest(t)
	f.drainEvents(t, 3)
	streams := f.ctl.Orch.ActiveStreams()
	require.Len(t, streams, 1)

	f.mustOK(t, "disconnect-stream", map[string]any{"streamId": string(streams[0].ID)})

	_, ok := f.router.Producer(producerID)
	assert.False(t, ok)
	assert.Empty(t, f.ctl.Orch.ActiveStreams())
	got := f.drainEvents(t, 1)
	assert.Equal(t, core.EventStreamEnded, got[0])

	resp := f.request(t, "disconnect-stream", map[string]any{"streamId": string(streams[0].ID)})
	assert.Equal(t, "UnknownStream", resp.Error)
}

func TestBridgeConsumeStream(t *testing.T) {
	f := newFixture(t)
	_, producerID := f.ingest(t)
	streams := f.ctl.Orch.ActiveStreams()
	require.Len(t, streams, 1)

	// The sink speaks snake_case; the reply is camelCase.
	ok := f.mustOK(t, "ndi-bridge-consume-stream", map[string]any{
		"stream_id":   string(streams[0].ID),
		"producer_id": producerID,
	})
	var reply struct {
		ConsumerID string `json:"consumerId"`
		Transport  struct {
			IP       string `json:"ip"`
			Port     uint16 `json:"port"`
			RtcpPort uint16 `json:"rtcpPort"`
			Protocol string `json:"protocol"`
		} `json:"transport"`
		RtpParameters  rtc.RtpParameters `json:"rtpParameters"`
		StreamMetadata struct {
			DeviceName string `json:"deviceName"`
		} `json:"streamMetadata"`
	}
	require.NoError(t, json.Unmarshal(ok, &reply))
	assert.NotEmpty(t, reply.ConsumerID)
	assert.Equal(t, "203.0.113.9", reply.Transport.IP)
	assert.EqualValues(t, 20000, reply.Transport.Port)
	assert.EqualValues(t, 20001, reply.Transport.RtcpPort)
	assert.Equal(t, "udp", reply.Transport.Protocol)
	assert.NotEmpty(t, reply.RtpParameters.Codecs)
	assert.Equal(t, "Pixel 8", reply.StreamMetadata.DeviceName)

	// Paused until the tuple reply was delivered, then resumed.
	require.Eventually(t, func() bool {
		return len(f.worker.Requests("consumer.resume")) == 1
	}, time.Second, 10*time.Millisecond)

	// Same binding on repeat (idempotent).
	ok2 := f.mustOK(t, "ndi-bridge-consume-stream", map[string]any{
		"streamId":   string(streams[0].ID),
		"producerId": producerID,
	})
	var reply2 struct {
		ConsumerID string `json:"consumerId"`
		Transport  struct {
			Port uint16 `json:"port"`
		} `json:"transport"`
	}
	require.NoError(t, json.Unmarshal(ok2, &reply2))
	assert.Equal(t, reply.ConsumerID, reply2.ConsumerID)
	assert.Equal(t, reply.Transport.Port, reply2.Transport.Port)
}

func TestBridgeRequestStreams(t *testing.T) {
	f := newFixture(t)
	f.ingest(t)

	var listed struct {
		Streams []json.RawMessage `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(f.mustOK(t, "ndi-bridge-request-streams", nil), &listed))
	assert.Len(t, listed.Streams, 1)
}

func TestMonitorConsumeFlow(t *testing.T) {
	f := newFixture(t)
	_, producerID := f.ingest(t)

	var recv struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(f.mustOK(t, "create-recv-transport", nil), &recv))
	f.mustOK(t, "connect-recv-transport", map[string]any{
		"transportId":    recv.ID,
		"dtlsParameters": map[string]any{"role": "client"},
	})

	caps := f.router.Capabilities()
	var consumed struct {
		ID         string `json:"id"`
		ProducerID string `json:"producerId"`
	}
	require.NoError(t, json.Unmarshal(f.mustOK(t, "consume-stream", map[string]any{
		"transportId":  recv.ID,
		"producerId":   producerID,
		"capabilities": caps,
	}), &consumed))
	assert.Equal(t, producerID, consumed.ProducerID)

	f.mustOK(t, "resume-consumer", map[string]any{"consumerId": consumed.ID})
}

func TestResumeUnknownConsumerIsProtocolOrder(t *testing.T) {
	f := newFixture(t)
	f.ingest(t)

	// The payload decodes fine; the fault is resuming before a consume.
	resp := f.request(t, "resume-consumer", map[string]any{"consumerId": "nope"})
	assert.Equal(t, "ProtocolOrder", resp.Error)
}

func TestConsumeRequiresRegistration(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, "consume-stream", map[string]any{
		"transportId": "t", "producerId": "p", "capabilities": map[string]any{},
	})
	assert.Equal(t, "ProtocolOrder", resp.Error)
}

func TestSessionTeardownCascade(t *testing.T) {
	f := newFixture(t)
	_, producerID := f.ingest(t)
	f.drainEvents(t, 3)

	f.ctl.teardown(f.sess)

	_, ok := f.router.Producer(producerID)
	assert.False(t, ok)
	assert.Empty(t, f.ctl.Orch.ActiveStreams())

	d, ok := f.ctl.Orch.Registry.Device("dev-A")
	require.True(t, ok, "device survives into the grace window")
	assert.False(t, d.Connected)

	assert.Equal(t, []core.EventType{
		core.EventStreamEnded,
		core.EventDeviceDisconnected,
	}, f.drainEvents(t, 2))

	// Second teardown is a no-op.
	f.ctl.teardown(f.sess)
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, "ping", nil)
	assert.Empty(t, resp.Error)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("s1"))
	}
	assert.False(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s2"), "windows are per session")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("s1"), "window slides")

	rl.Forget("s1")
	assert.True(t, rl.Allow("s1"))
}
