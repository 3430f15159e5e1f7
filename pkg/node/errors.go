package node

import "errors"

var (
	// ErrStopped is returned to peers whose request arrives after the loop
	// has exited.
	ErrStopped = errors.New("node: stopped")

	errNoAddress    = errors.New("node: contact has no address")
	errPeerMismatch = errors.New("node: responder identity does not match contact")
)
