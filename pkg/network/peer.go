package network

import (
	"context"
	"fmt"
	"net"

	"github.com/hashicorp/yamux"
)

// Peer is a multiplexed session to one remote address. Every request runs on
// its own stream.
type Peer struct {
	session *yamux.Session
}

// dialPeer connects to addr and starts a client session on the connection.
func dialPeer(ctx context.Context, dial func(ctx context.Context, network, addr string) (net.Conn, error), addr string, cfg *yamux.Config) (*Peer, error) {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	session, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return &Peer{session: session}, nil
}

func (p *Peer) IsConnected() bool {
	return !p.session.IsClosed()
}

// Request writes payload on a fresh stream and reads a single reply frame.
func (p *Peer) Request(ctx context.Context, payload []byte) ([]byte, error) {
	stream, err := p.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	if err := writeFrame(stream, payload); err != nil {
		return nil, err
	}
	reply, err := readFrame(stream)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}

	return reply, nil
}

func (p *Peer) Close() error {
	return p.session.Close()
}
