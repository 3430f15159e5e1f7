// Package server assembles a kadns node from its configuration: identity
// keys, optional Tor, the transport, LAN discovery and metrics.
package server

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/kadns/internal/config"
	"github.com/busybox42/kadns/pkg/crypto"
	"github.com/busybox42/kadns/pkg/discovery"
	"github.com/busybox42/kadns/pkg/metrics"
	"github.com/busybox42/kadns/pkg/network"
	"github.com/busybox42/kadns/pkg/node"
	"github.com/busybox42/kadns/pkg/tor"
	"github.com/busybox42/kadns/pkg/types"
)

type Server struct {
	cfg        *config.Config
	keys       *crypto.KeyPair
	torManager *tor.TorManager
	transport  *network.Transport
	node       *node.Node
	mdns       *discovery.MDNS
	metrics    *metrics.Metrics
	log        *logrus.Entry
}

// New builds and starts listening. Command output is written to out.
func New(ctx context.Context, cfg *config.Config, out io.Writer, log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{
		"port": cfg.Port,
		"tor":  cfg.Tor,
	}).Info("Initializing kadns node")

	srv := &Server{cfg: cfg, log: log}
	if err := srv.initializeKeys(); err != nil {
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}
	if cfg.Tor {
		if err := srv.initializeTor(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize Tor: %w", err)
		}
	}
	if cfg.Metrics != "" {
		srv.metrics = metrics.New()
	}
	if err := srv.initializeNetwork(out); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to initialize network: %w", err)
	}

	log.WithField("id", srv.keys.NodeID().String()).Info("Node initialized")
	return srv, nil
}

func (srv *Server) initializeKeys() error {
	keys, err := crypto.LoadOrCreate(srv.cfg.KeyDir, srv.cfg.Port)
	if err != nil {
		return err
	}
	srv.keys = keys
	return nil
}

func (srv *Server) initializeTor(ctx context.Context) error {
	torManager, err := tor.StartTor(ctx, srv.cfg.Port, srv.log)
	if err != nil {
		return err
	}
	srv.torManager = torManager
	return nil
}

func (srv *Server) initializeNetwork(out io.Writer) error {
	netCfg := &network.Config{
		ListenAddr: srv.cfg.ListenAddr(),
		PublicKey:  srv.keys.PublicKey,
		PrivateKey: srv.keys.PrivateKey,
	}
	if srv.torManager != nil {
		dialer, err := srv.torManager.Dialer()
		if err != nil {
			return err
		}
		netCfg.Listener = srv.torManager.Listener()
		netCfg.AdvertiseAddrs = []string{srv.torManager.AdvertiseAddr()}
		netCfg.Dialer = dialer
	}

	transport, err := network.NewTransport(netCfg, srv.log)
	if err != nil {
		return err
	}
	srv.transport = transport

	var seeds []types.Contact
	for _, addr := range srv.cfg.Bootstrap {
		seeds = append(seeds, types.Contact{Addrs: []string{addr}})
	}

	srv.node, err = node.New(srv.keys.NodeID(), node.Options{
		DHT:           srv.cfg.DHTConfig(),
		PublishQuorum: srv.cfg.DHT.PublishQuorum,
		Requester:     transport,
		Bootstrap:     seeds,
		Output:        out,
		Metrics:       srv.metrics,
		Log:           srv.log,
	})
	if err != nil {
		return err
	}
	return transport.Listen(srv.node.HandleInbound)
}

func (srv *Server) ID() types.NodeID {
	return srv.keys.NodeID()
}

// ListenAddrs are the addresses other nodes can bootstrap from.
func (srv *Server) ListenAddrs() []string {
	return srv.transport.ListenAddrs()
}

// Run drives the node with the given command lines until they run out, an
// exit command is read or ctx is cancelled. Discovery and the metrics
// endpoint live as long as the node does.
func (srv *Server) Run(ctx context.Context, lines <-chan string) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	for _, addr := range srv.transport.ListenAddrs() {
		srv.node.Post(runCtx, node.ListenAddr{Addr: addr})
	}

	if srv.cfg.MDNS && srv.torManager == nil {
		m, err := discovery.NewMDNS(srv.ID(), srv.transport.Addr().String(), func(c types.Contact) {
			srv.node.Post(runCtx, node.PeerDiscovered{Contact: c})
		}, srv.log)
		if err != nil {
			srv.log.WithError(err).Warn("mDNS discovery disabled")
		} else {
			srv.mdns = m
		}
	}

	if srv.metrics != nil {
		g.Go(func() error {
			return metrics.Serve(runCtx, srv.cfg.Metrics, srv.metrics, srv.log)
		})
	}

	g.Go(func() error {
		defer stop()
		return srv.node.Run(runCtx, lines)
	})
	return g.Wait()
}

// Shutdown releases everything New and Run started.
func (srv *Server) Shutdown() error {
	var err error
	if srv.mdns != nil {
		srv.mdns.Stop()
		srv.mdns = nil
	}
	if srv.transport != nil {
		if cerr := srv.transport.Close(); cerr != nil {
			srv.log.WithError(cerr).Error("Error stopping transport")
			err = multierr.Append(err, cerr)
		}
	}
	if srv.torManager != nil {
		if terr := srv.torManager.StopTor(); terr != nil {
			srv.log.WithError(terr).Error("Error stopping Tor")
			err = multierr.Append(err, terr)
		}
		srv.torManager = nil
	}
	return err
}
