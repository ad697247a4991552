package core

// Frame is a raw signaling payload, already encoded for the wire.
type Frame []byte

// ConnID identifies one live signaling channel from one device. Minted by
// the server on channel open, dead on channel close. An identity owns
// zero-or-more ConnIDs at a time.
type ConnID string

// SignalConnection abstracts the messaging transport of one connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend is fire-and-forget: it must never block on peer I/O.
	TrySend(Frame) error
	Close()
}
