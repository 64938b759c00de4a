package core

// Frame is a raw wire payload handed to a signaling connection.
type Frame []byte

// SessionID is the transient identity of one open signaling channel.
type SessionID string

// SignalConnection abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// EventSink receives lifecycle transitions from the registry at commit time.
// Implementations must not block for long: the registry publishes while it
// still holds its write lock so that per-device event order matches the
// order state changes were committed.
type EventSink interface {
	Publish(Event)
}
