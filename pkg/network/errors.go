package network

import "errors"

var (
	// ErrClosed is returned by operations on a stopped transport.
	ErrClosed = errors.New("network: transport closed")
	// ErrMessageTooLarge is returned for frames above the size limit.
	ErrMessageTooLarge = errors.New("network: message too large")
	// ErrRemote wraps an error response sent by the peer.
	ErrRemote = errors.New("network: remote error")
	// ErrUnexpectedResponse is returned when a reply does not match its request.
	ErrUnexpectedResponse = errors.New("network: unexpected response")
)
