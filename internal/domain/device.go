// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"time"
)

const (
	MaxDeviceIDLen   = 64
	MaxDeviceNameLen = 64
)

var (
	ErrDeviceIDEmpty     = errors.New("device id empty")
	ErrDeviceIDTooLong   = errors.New("device id too long")
	ErrDeviceNameTooLong = errors.New("device name too long")
)

// DeviceID is the externally-stable identity of a mobile endpoint,
// chosen by the client and independent of any single signaling session.
type DeviceID string

type Device struct {
	ID        DeviceID  `json:"deviceId"`
	Name      string    `json:"deviceName,omitempty"`
	SessionID string    `json:"-"`
	Connected bool      `json:"connected"`
	Streaming bool      `json:"streaming"`
	StreamID  StreamID  `json:"streamId,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

// NewDevice is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewDevice(id DeviceID, name string) (*Device, error) {
	if len(id) == 0 {
		return nil, ErrDeviceIDEmpty
	}
	if len(id) > MaxDeviceIDLen {
		return nil, ErrDeviceIDTooLong
	}
	if len(name) > MaxDeviceNameLen {
		return nil, ErrDeviceNameTooLong
	}
	return &Device{ID: id, Name: name, LastSeen: time.Now()}, nil
}

func (d *Device) SetName(name string) error {
	if len(name) > MaxDeviceNameLen {
		return ErrDeviceNameTooLong
	}
	d.Name = name
	return nil
}

// DisplayName is what operators see when no custom stream name is set.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	id := string(d.ID)
	if len(id) > 8 {
		id = id[:8]
	}
	return "Device " + id
}
