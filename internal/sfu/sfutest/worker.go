// Package sfutest provides a scripted in-memory stand-in for the media
// worker subprocess. It speaks the same length-prefixed JSON framing as the
// real worker over io.Pipe ends, answers every request with a canned reply
// (overridable per method) and can push worker-initiated notifications.
package sfutest

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
)

// Request is one decoded method invocation received from the channel.
type Request struct {
	ID        uint32          `json:"id"`
	Method    string          `json:"method"`
	HandlerID string          `json:"handlerId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Reject is a scripted worker-side rejection.
type Reject struct {
	Kind   string
	Reason string
}

// Handler produces the reply for one request. Returning a non-nil Reject
// sends an error frame instead of data.
type Handler func(req Request) (data any, rej *Reject)

type response struct {
	ID       uint32 `json:"id,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Data     any    `json:"data,omitempty"`
	TargetID string `json:"targetId,omitempty"`
	Event    string `json:"event,omitempty"`
}

// Worker serves scripted replies. Wire it to a channel with ChannelEnds.
type Worker struct {
	reqR  *io.PipeReader
	reqW  *io.PipeWriter
	respR *io.PipeReader
	respW *io.PipeWriter

	mu       sync.Mutex
	stubs    map[string]Handler
	requests []Request

	closeOnce sync.Once
}

func New() *Worker {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	w := &Worker{
		reqR:  reqR,
		reqW:  reqW,
		respR: respR,
		respW: respW,
		stubs: make(map[string]Handler),
	}
	go w.serve()
	return w
}

// ChannelEnds returns the pipe ends the Channel under test writes to and
// reads from.
func (w *Worker) ChannelEnds() (io.WriteCloser, io.ReadCloser) {
	return w.reqW, w.respR
}

// Stub overrides the reply for one method.
func (w *Worker) Stub(method string, h Handler) {
	w.mu.Lock()
	w.stubs[method] = h
	w.mu.Unlock()
}

// Requests returns every request received so far for the given method, or
// all of them when method is empty.
func (w *Worker) Requests(method string) []Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Request, 0, len(w.requests))
	for _, r := range w.requests {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Notify pushes a worker-initiated event for the given target id.
func (w *Worker) Notify(targetID, event string, data any) {
	_ = w.writeFrame(response{TargetID: targetID, Event: event, Data: data})
}

// Close drops both pipes, simulating worker death.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		_ = w.respW.Close()
		_ = w.reqR.Close()
	})
}

func (w *Worker) serve() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(w.reqR, lenBuf[:]); err != nil {
			return
		}
		body := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(w.reqR, body); err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			continue
		}

		w.mu.Lock()
		w.requests = append(w.requests, req)
		stub := w.stubs[req.Method]
		w.mu.Unlock()

		var data any
		var rej *Reject
		if stub != nil {
			data, rej = stub(req)
		} else {
			data = defaultReply(req)
		}
		resp := response{ID: req.ID}
		if rej != nil {
			resp.Error = rej.Kind
			resp.Reason = rej.Reason
		} else {
			resp.Accepted = true
			resp.Data = data
		}
		if err := w.writeFrame(resp); err != nil {
			return
		}
	}
}

func (w *Worker) writeFrame(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.respW.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.respW.Write(body)
	return err
}

func defaultReply(req Request) any {
	switch req.Method {
	case "router.createWebRtcTransport":
		frag := req.HandlerID
		if len(frag) > 8 {
			frag = frag[:8]
		}
		return map[string]any{
			"iceParameters": map[string]any{
				"usernameFragment": "frag-" + frag,
				"password":         "pwd",
				"iceLite":          true,
			},
			"iceCandidates": []map[string]any{{
				"foundation": "udpcandidate",
				"ip":         "127.0.0.1",
				"port":       40000,
				"priority":   1076302079,
				"protocol":   "udp",
				"type":       "host",
			}},
			"dtlsParameters": map[string]any{
				"role":         "auto",
				"fingerprints": []map[string]any{{"algorithm": "sha-256", "value": "AB:CD"}},
			},
		}
	case "router.createPlainTransport":
		var in struct {
			ListenIP struct {
				IP string `json:"ip"`
			} `json:"listenIp"`
			Port     uint16 `json:"port"`
			RtcpPort uint16 `json:"rtcpPort"`
		}
		_ = json.Unmarshal(req.Data, &in)
		return map[string]any{
			"tuple":     map[string]any{"localIp": in.ListenIP.IP, "localPort": in.Port, "protocol": "udp"},
			"rtcpTuple": map[string]any{"localIp": in.ListenIP.IP, "localPort": in.RtcpPort, "protocol": "udp"},
		}
	case "transport.produce":
		return map[string]any{"type": "simple"}
	case "transport.consume":
		return map[string]any{"paused": true, "producerPaused": false}
	case "transport.getStats":
		return []map[string]any{{"bytesReceived": 4096, "recvBitrate": 800_000}}
	default:
		return map[string]any{}
	}
}
