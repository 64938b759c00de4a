package domain

import (
	"errors"
	"fmt"
	"time"
)

const MaxStreamNameLen = 80

var (
	ErrStreamNameEmpty   = errors.New("stream name empty")
	ErrStreamNameTooLong = errors.New("stream name too long")
)

// Nominal defaults for a stream whose RTP parameters declare nothing better.
const (
	DefaultStreamWidth   = 1280
	DefaultStreamHeight  = 720
	DefaultStreamFPS     = 30
	DefaultStreamBitrate = 1_000_000
)

type StreamID string

// NewStreamID derives the publishable stream identity from the client
// transport it first appeared on. Reusing the transport id keeps the stream
// identity stable across producer re-creations on the same transport.
func NewStreamID(transportID string, at time.Time) StreamID {
	return StreamID(fmt.Sprintf("stream-%s-%d", transportID, at.UnixMilli()))
}

// Stream is the operator-visible identity of one video producer.
// Exactly one Stream exists per live video producer; audio never yields one.
type Stream struct {
	ID          StreamID  `json:"id"`
	ProducerID  string    `json:"producerId"`
	DeviceID    DeviceID  `json:"deviceId"`
	DisplayName string    `json:"displayName"`
	CustomName  string    `json:"customName,omitempty"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	FPS         int       `json:"fps"`
	Bitrate     int       `json:"bitrate"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Label is the name shown to operators and sinks: the operator override
// when set, the device-derived display name otherwise.
func (s *Stream) Label() string {
	if s.CustomName != "" {
		return s.CustomName
	}
	return s.DisplayName
}

func (s *Stream) Rename(name string) error {
	if len(name) == 0 {
		return ErrStreamNameEmpty
	}
	if len(name) > MaxStreamNameLen {
		return ErrStreamNameTooLong
	}
	s.CustomName = name
	return nil
}

// Clone returns a copy safe to hand to observers and API serializers.
func (s *Stream) Clone() *Stream {
	c := *s
	return &c
}
