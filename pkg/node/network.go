package node

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/busybox42/kadns/pkg/dht"
	"github.com/busybox42/kadns/pkg/protocol"
	"github.com/busybox42/kadns/pkg/types"
)

// Requester performs one request/response exchange with the node at addr.
// *network.Transport satisfies it.
type Requester interface {
	Request(ctx context.Context, addr string, msg *protocol.Message) (*protocol.Message, error)
}

// sender implements dht.Network on top of a Requester. Each Send runs in its
// own goroutine and reports back to the loop as an RPCResult event.
type sender struct {
	ctx       context.Context
	requester Requester
	events    chan<- Event
}

func (s *sender) Send(to types.Contact, req dht.Request) {
	go func() {
		resp, err := s.call(to, req)
		ev := RPCResult{dht.RPCResult{Request: req, To: to, Response: resp, Err: err}}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
		}
	}()
}

// call tries each of the contact's addresses in order and returns the first
// good response.
func (s *sender) call(to types.Contact, req dht.Request) (*dht.Response, error) {
	if len(to.Addrs) == 0 {
		return nil, errNoAddress
	}

	var errs error
	for _, addr := range to.Addrs {
		if s.ctx.Err() != nil {
			return nil, multierr.Append(errs, s.ctx.Err())
		}
		reply, err := s.requester.Request(s.ctx, addr, requestToWire(req))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		resp, err := responseFromWire(reply, addr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		if to.ID != (types.NodeID{}) && resp.Sender.ID != to.ID {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w: got %s", addr, errPeerMismatch, resp.Sender.ID.Short()))
			continue
		}
		return resp, nil
	}
	return nil, errs
}
