package core

import "github.com/Stefan-migo/MCR/internal/domain"

// EventType labels a lifecycle transition pushed to observers.
type EventType string

const (
	EventDeviceConnected        EventType = "device-connected"
	EventDeviceDisconnected     EventType = "device-disconnected"
	EventDeviceRemoved          EventType = "device-removed"
	EventDeviceStreamingChanged EventType = "device-streaming-changed"
	EventStreamStarted          EventType = "stream-started"
	EventStreamUpdated          EventType = "stream-updated"
	EventStreamEnded            EventType = "stream-ended"
	EventStreamNameUpdated      EventType = "stream-name-updated"
	EventStreamStats            EventType = "stream-stats"
)

// Event is one transition fanned out to every observer.
// Within a single DeviceID events are delivered in the order the registry
// committed the state changes; across devices there is no ordering guarantee.
type Event struct {
	Type     EventType
	DeviceID domain.DeviceID
	Data     any
}

type DeviceConnectedPayload struct {
	DeviceID   domain.DeviceID `json:"deviceId"`
	DeviceName string          `json:"deviceName,omitempty"`
}

type DeviceGonePayload struct {
	DeviceID domain.DeviceID `json:"deviceId"`
}

type StreamingChangedPayload struct {
	DeviceID    domain.DeviceID  `json:"deviceId"`
	IsStreaming bool             `json:"isStreaming"`
	StreamID    *domain.StreamID `json:"streamId"`
}

type StreamStartedPayload struct {
	Stream *domain.Stream `json:"stream"`
}

type StreamEndedPayload struct {
	StreamID domain.StreamID `json:"streamId"`
}

type StreamNameUpdatedPayload struct {
	StreamID domain.StreamID `json:"streamId"`
	Name     string          `json:"name"`
	Stream   *domain.Stream  `json:"stream"`
}

type StreamStatsPayload struct {
	StreamID      domain.StreamID `json:"streamId"`
	BytesReceived int64           `json:"bytesReceived"`
	Bitrate       int64           `json:"bitrate"`
	PacketLoss    float64         `json:"packetLoss"`
}
