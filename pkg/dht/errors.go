package dht

import "errors"

var (
	// ErrNotFound reports a FIND_VALUE lookup that ended without a value.
	ErrNotFound = errors.New("dht: record not found")
	// ErrUnderQuorum reports a STORE that finished with fewer acknowledgments
	// than requested. The local copy is unaffected.
	ErrUnderQuorum = errors.New("dht: replication under quorum")
	// ErrQueryTimeout reports a query finalized by its deadline.
	ErrQueryTimeout = errors.New("dht: query timed out")
	// ErrUnknownMessage is returned for requests of an unsupported type.
	ErrUnknownMessage = errors.New("dht: unknown message type")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("dht: invalid request")
)
