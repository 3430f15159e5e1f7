// Package node ties the record store, routing table and query engine to a
// transport and runs them from a single event loop.
package node

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/kadns/internal/store"
	"github.com/busybox42/kadns/pkg/dht"
	"github.com/busybox42/kadns/pkg/metrics"
	"github.com/busybox42/kadns/pkg/protocol"
	"github.com/busybox42/kadns/pkg/types"
)

const (
	eventBuffer   = 256
	sweepInterval = 500 * time.Millisecond
)

type Options struct {
	DHT           dht.Config
	PublishQuorum int
	Requester     Requester
	Bootstrap     []types.Contact

	// Output receives the interactive command results. Defaults to stdout.
	Output  io.Writer
	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

// Node owns all mutable DHT state. Everything except Post and HandleInbound
// must be called from the goroutine running Run.
type Node struct {
	id      types.NodeID
	cfg     dht.Config
	quorum  int
	store   *store.Local
	rt      *dht.RoutingTable
	engine  *dht.Engine
	handler *dht.MessageHandler
	seeds   []types.Contact
	events  chan Event
	out     io.Writer
	metrics *metrics.Metrics
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
}

func New(id types.NodeID, opts Options) (*Node, error) {
	cfg := opts.DHT
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:      id,
		cfg:     cfg,
		quorum:  dht.ClampQuorum(opts.PublishQuorum, cfg.K),
		store:   store.NewLocal(),
		rt:      dht.NewRoutingTable(id, cfg.K),
		seeds:   opts.Bootstrap,
		events:  make(chan Event, eventBuffer),
		out:     opts.Output,
		metrics: opts.Metrics,
		log:     opts.Log.WithField("node", id.Short()),
		ctx:     ctx,
		cancel:  cancel,
	}
	n.handler = dht.NewMessageHandler(n.rt, n.store, cfg.K)
	n.engine = dht.NewEngine(cfg, n.rt, &sender{
		ctx:       ctx,
		requester: opts.Requester,
		events:    n.events,
	}, n.onOutcome, n.log)
	return n, nil
}

func (n *Node) ID() types.NodeID {
	return n.id
}

// Post hands an event to the loop. It reports false once the node has
// stopped or ctx is done.
func (n *Node) Post(ctx context.Context, ev Event) bool {
	select {
	case n.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-n.ctx.Done():
		return false
	}
}

// HandleInbound answers a verified request from another node by passing it
// through the loop. It has the signature of network.RequestHandler.
func (n *Node) HandleInbound(ctx context.Context, from net.Addr, msg *protocol.Message) (*protocol.Message, error) {
	req, err := requestFromWire(msg, from)
	if err != nil {
		return nil, err
	}

	reply := make(chan InboundReply, 1)
	if !n.Post(ctx, InboundRequest{Request: req, Reply: reply}) {
		return nil, ErrStopped
	}

	select {
	case r := <-reply:
		if r.Err != nil {
			return nil, r.Err
		}
		return responseToWire(msg, r.Response), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrStopped
	}
}

// Run drives the node until lines is closed, an exit command is read or ctx
// is cancelled. Outstanding requests are abandoned when it returns.
func (n *Node) Run(ctx context.Context, lines <-chan string) error {
	defer n.cancel()

	n.printf("Local peer id: %s\n", n.id)
	n.engine.Bootstrap(n.seeds)

	ticker := n.cfg.Clock.Ticker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !n.execute(line) {
				return nil
			}
		case ev := <-n.events:
			n.handleEvent(ev)
		case now := <-ticker.C:
			n.engine.Expire(now)
		}
		n.updateGauges()
	}
}

func (n *Node) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case ListenAddr:
		n.printf("Listening on %s\n", ev.Addr)
	case InboundRequest:
		n.handleInbound(ev)
	case RPCResult:
		if n.metrics != nil {
			n.metrics.ObserveRPC(ev.Request.Type.String(), ev.Err)
		}
		n.engine.HandleResult(ev.RPCResult)
	case PeerDiscovered:
		n.log.WithField("peer", ev.Contact.String()).Debug("Discovered peer")
		if n.rt.Len() == 0 {
			n.engine.Bootstrap([]types.Contact{ev.Contact})
		} else {
			n.engine.Ping(ev.Contact)
		}
	}
}

func (n *Node) handleInbound(ev InboundRequest) {
	req := ev.Request
	if n.metrics != nil {
		n.metrics.InboundRequests.WithLabelValues(req.Type.String()).Inc()
	}
	n.engine.Seen(req.Sender)

	resp, err := n.handler.HandleRequest(req)
	if err != nil {
		n.log.WithError(err).WithField("peer", req.Sender.ID.Short()).Debug("Rejected request")
	}
	select {
	case ev.Reply <- InboundReply{Response: resp, Err: err}:
	default:
	}
}

func (n *Node) updateGauges() {
	if n.metrics == nil {
		return
	}
	n.metrics.RoutingTableSize.Set(float64(n.rt.Len()))
	n.metrics.StoredRecords.Set(float64(n.store.Len()))
	n.metrics.ActiveQueries.Set(float64(n.engine.Active()))
}
