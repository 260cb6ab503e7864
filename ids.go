package raft

import "github.com/google/uuid"

// ServerID is the opaque identifier of a peer participating in a consensus
// group.
type ServerID string

// LogID identifies an independent consensus group multiplexed on the same
// peer set. Two Consensus instances sharing a Dispatcher but differing in
// LogID do not interact.
type LogID uuid.UUID

// NewLogID generates a fresh, random LogID.
func NewLogID() LogID {
	return LogID(uuid.New())
}

// String renders the LogID in its canonical UUID form.
func (id LogID) String() string {
	return uuid.UUID(id).String()
}

// ClientID is the opaque identifier of a connected client, assigned by the
// transport layer when a client session is established.
type ClientID uuid.UUID

// NewClientID generates a fresh, random ClientID.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// String renders the ClientID in its canonical UUID form.
func (id ClientID) String() string {
	return uuid.UUID(id).String()
}

// TransactionID is the opaque session identifier a client uses to group a
// sequence of proposals and queries into a single atomic unit on one log.
type TransactionID uuid.UUID

// NewTransactionID generates a fresh, random TransactionID.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.New())
}

// String renders the TransactionID in its canonical UUID form.
func (id TransactionID) String() string {
	return uuid.UUID(id).String()
}

// TransactionIDFromBytes parses the 16 raw bytes of a TransactionID, as
// carried on the wire in a ClientRequest/peer message.
func TransactionIDFromBytes(b []byte) (TransactionID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return TransactionID{}, err
	}
	return TransactionID(id), nil
}

// Bytes returns the 16 raw bytes of the TransactionID.
func (id TransactionID) Bytes() []byte {
	u := uuid.UUID(id)
	b := make([]byte, len(u))
	copy(b, u[:])
	return b
}

// Term is a monotonically non-decreasing, per-log leadership epoch number.
type Term uint64

// LogIndex is a 1-based position in the replicated log. 0 denotes "before
// the first entry".
type LogIndex uint64
