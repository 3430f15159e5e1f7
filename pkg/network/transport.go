// pkg/network/transport.go
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/yamux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/busybox42/kadns/pkg/protocol"
)

// Transport carries signed request/response exchanges over multiplexed TCP
// sessions. Outbound sessions are pooled per address.
type Transport struct {
	config   *Config
	listener net.Listener
	handler  RequestHandler
	log      *logrus.Entry

	yamuxConfig *yamux.Config
	logWriter   *io.PipeWriter

	peers  *lru.Cache[string, *Peer]
	poolMu sync.Mutex
	dials  singleflight.Group

	mu      sync.Mutex
	inbound map[*yamux.Session]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewTransport(config *Config, log *logrus.Entry) (*Transport, error) {
	if len(config.PrivateKey) == 0 || len(config.PublicKey) == 0 {
		return nil, errors.New("network: key pair is required")
	}
	config.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "network")

	peers, err := lru.NewWithEvict[string, *Peer](config.MaxSessions, func(addr string, p *Peer) {
		p.Close()
	})
	if err != nil {
		return nil, err
	}

	logWriter := log.WriterLevel(logrus.DebugLevel)
	ycfg := yamux.DefaultConfig()
	ycfg.LogOutput = logWriter
	ycfg.ConnectionWriteTimeout = config.RequestTimeout

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		config:      config,
		log:         log,
		yamuxConfig: ycfg,
		logWriter:   logWriter,
		peers:       peers,
		inbound:     make(map[*yamux.Session]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Listen binds the configured address and serves inbound requests with
// handler until Close.
func (t *Transport) Listen(handler RequestHandler) error {
	if t.closed.Load() {
		return ErrClosed
	}
	listener := t.config.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", t.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", t.config.ListenAddr, err)
		}
	}
	t.listener = listener
	t.handler = handler

	t.log.WithField("addr", listener.Addr().String()).Info("Listening")

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Addr is the bound address, or nil before Listen.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// ListenAddrs are the addresses announced to peers.
func (t *Transport) ListenAddrs() []string {
	if len(t.config.AdvertiseAddrs) > 0 {
		return append([]string(nil), t.config.AdvertiseAddrs...)
	}
	if t.listener == nil {
		return nil
	}
	return []string{t.listener.Addr().String()}
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.log.WithError(err).Warn("Failed to accept connection")
			return
		}

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *Transport) handleConnection(conn net.Conn) {
	defer t.wg.Done()

	session, err := yamux.Server(conn, t.yamuxConfig)
	if err != nil {
		t.log.WithError(err).Debug("Failed to start session")
		conn.Close()
		return
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		session.Close()
		return
	}
	t.inbound[session] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.inbound, session)
		t.mu.Unlock()
		session.Close()
	}()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.handleStream(session.RemoteAddr(), stream)
	}
}

func (t *Transport) handleStream(remote net.Addr, stream *yamux.Stream) {
	defer t.wg.Done()
	defer stream.Close()

	ctx, cancel := context.WithTimeout(t.ctx, t.config.RequestTimeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	data, err := readFrame(stream)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			t.log.WithError(err).WithField("remote", remote.String()).Debug("Failed to read request")
		}
		return
	}

	req, err := protocol.DeserializeMessage(data)
	if err != nil {
		t.log.WithError(err).WithField("remote", remote.String()).Debug("Dropping invalid request")
		return
	}
	if req.Type.IsResponse() {
		t.log.WithField("remote", remote.String()).Debug("Dropping unsolicited response")
		return
	}

	resp, err := t.handler(ctx, remote, req)
	if err != nil {
		resp = req.Reply(protocol.ErrorResponse, t.config.PublicKey)
		resp.Error = err.Error()
	}
	if resp == nil {
		return
	}
	resp.ID = append([]byte(nil), req.ID...)

	payload, err := t.seal(resp)
	if err != nil {
		t.log.WithError(err).Warn("Failed to encode response")
		return
	}
	if err := writeFrame(stream, payload); err != nil {
		t.log.WithError(err).WithField("remote", remote.String()).Debug("Failed to write response")
	}
}

// seal stamps the local identity on msg, signs and encodes it.
func (t *Transport) seal(msg *protocol.Message) ([]byte, error) {
	msg.Sender = t.config.PublicKey
	msg.ListenAddrs = t.ListenAddrs()
	if err := msg.Sign(t.config.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return msg.Serialize()
}

func (t *Transport) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	defer cancel()
	if t.config.Dialer != nil {
		return t.config.Dialer.DialContext(ctx, network, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// peer returns a live session to addr, dialing at most once concurrently.
func (t *Transport) peer(ctx context.Context, addr string) (*Peer, error) {
	if p, ok := t.peers.Get(addr); ok && p.IsConnected() {
		return p, nil
	}

	v, err, _ := t.dials.Do(addr, func() (interface{}, error) {
		if p, ok := t.peers.Get(addr); ok && p.IsConnected() {
			return p, nil
		}
		p, err := dialPeer(ctx, t.dial, addr, t.yamuxConfig)
		if err != nil {
			return nil, err
		}
		if t.closed.Load() {
			p.Close()
			return nil, ErrClosed
		}
		t.poolMu.Lock()
		t.peers.Add(addr, p)
		t.poolMu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Peer), nil
}

// Request signs msg, sends it to addr and returns the verified reply. Error
// responses from the peer are returned as ErrRemote.
func (t *Transport) Request(ctx context.Context, addr string, msg *protocol.Message) (*protocol.Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()

	payload, err := t.seal(msg)
	if err != nil {
		return nil, err
	}

	p, err := t.peer(ctx, addr)
	if err != nil {
		return nil, err
	}

	data, err := p.Request(ctx, payload)
	if err != nil {
		if !p.IsConnected() {
			t.forget(addr, p)
		}
		return nil, err
	}

	resp, err := protocol.DeserializeMessage(data)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(resp.ID, msg.ID) || !resp.Type.IsResponse() {
		return nil, ErrUnexpectedResponse
	}
	if resp.Type == protocol.ErrorResponse {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp, nil
}

// forget drops p from the pool unless addr has since been given a new session.
func (t *Transport) forget(addr string, p *Peer) {
	t.poolMu.Lock()
	defer t.poolMu.Unlock()
	if pooled, ok := t.peers.Peek(addr); ok && pooled == p {
		t.peers.Remove(addr)
	}
}

// Sessions is the number of pooled outbound sessions.
func (t *Transport) Sessions() int {
	return t.peers.Len()
}

// Close stops accepting, tears down every session and waits for in-flight
// handlers to return.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	var err error
	if t.listener != nil {
		err = multierr.Append(err, t.listener.Close())
	}

	t.mu.Lock()
	for session := range t.inbound {
		err = multierr.Append(err, session.Close())
	}
	t.mu.Unlock()

	t.peers.Purge()
	t.wg.Wait()
	return multierr.Append(err, t.logWriter.Close())
}
