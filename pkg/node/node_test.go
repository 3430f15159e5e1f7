package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/kadns/pkg/client"
	"github.com/busybox42/kadns/pkg/crypto"
	"github.com/busybox42/kadns/pkg/dht"
	"github.com/busybox42/kadns/pkg/network"
	"github.com/busybox42/kadns/pkg/protocol"
	"github.com/busybox42/kadns/pkg/types"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// refuseRequester fails every request.
type refuseRequester struct{}

func (refuseRequester) Request(ctx context.Context, addr string, msg *protocol.Message) (*protocol.Message, error) {
	return nil, fmt.Errorf("dial %s: connection refused", addr)
}

// blockRequester never answers.
type blockRequester struct {
	calls chan string
}

func (b *blockRequester) Request(ctx context.Context, addr string, msg *protocol.Message) (*protocol.Message, error) {
	b.calls <- addr
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestNode(t *testing.T, requester Requester) (*Node, *syncBuffer) {
	t.Helper()
	n, out, _ := newClockedNode(t, requester)
	return n, out
}

func newClockedNode(t *testing.T, requester Requester) (*Node, *syncBuffer, *clock.Mock) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	mock := clock.NewMock()
	cfg := dht.DefaultConfig()
	cfg.Clock = mock
	out := &syncBuffer{}
	n, err := New(kp.NodeID(), Options{
		DHT:           cfg,
		PublishQuorum: 1,
		Requester:     requester,
		Output:        out,
	})
	require.NoError(t, err)
	return n, out, mock
}

// runLines feeds lines to a fresh loop and waits for it to return.
func runLines(t *testing.T, n *Node, lines ...string) {
	t.Helper()
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)

	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background(), ch) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}

func TestPutThenGetWithoutPeers(t *testing.T) {
	n, out := newTestNode(t, refuseRequester{})
	runLines(t, n, "put alice 1.2.3.4", "get alice")

	got := out.String()
	assert.Contains(t, got, "Record stored locally for key: alice\n")
	assert.Contains(t, got, "Publishing record to DHT for key: alice (Query ID: ")
	assert.Contains(t, got, "Record for key alice is stored locally only (0/1 acks)\n")
	assert.Contains(t, got, "Found record locally: alice => 1.2.3.4\n")

	rec, ok := n.store.Get([]byte("alice"))
	require.True(t, ok)
	assert.Equal(t, []byte("1.2.3.4"), rec.Value)
	require.NotNil(t, rec.Publisher)
	assert.Equal(t, n.ID(), *rec.Publisher)
	assert.Equal(t, 0, n.engine.Active())
}

func TestGetMissingWithoutPeers(t *testing.T) {
	n, out := newTestNode(t, refuseRequester{})
	runLines(t, n, "get bob")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Local peer id: "+n.ID().String(), lines[0])
	assert.Equal(t, "Record not found locally for key: bob", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "Querying DHT for key: bob (Query ID: "))
	assert.Equal(t, "Record not found in DHT for key: bob", lines[3])
}

func TestMalformedCommandPrintsUsage(t *testing.T) {
	tests := []string{"put onlykey", "get", "delete alice", "PUT a b"}

	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			n, out := newTestNode(t, refuseRequester{})
			runLines(t, n, line)
			want := "Local peer id: " + n.ID().String() + "\n" + client.Usage
			assert.Equal(t, want, out.String())
			assert.Equal(t, 0, n.store.Len())
		})
	}
}

func TestBlankLinesAreSkipped(t *testing.T) {
	n, out := newTestNode(t, refuseRequester{})
	runLines(t, n, "", "   ", "\t")
	assert.Equal(t, "Local peer id: "+n.ID().String()+"\n", out.String())
	assert.Equal(t, 0, n.store.Len())
}

func TestExitAbandonsOutstandingQuery(t *testing.T) {
	req := &blockRequester{calls: make(chan string, 4)}
	n, out := newTestNode(t, req)
	peer := types.NewContact(types.KeyID([]byte("peer")), "10.0.0.2:4001")
	n.rt.RecordSeen(peer)

	ch := make(chan string, 2)
	ch <- "put alice 1.2.3.4"
	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background(), ch) }()

	select {
	case addr := <-req.calls:
		assert.Equal(t, "10.0.0.2:4001", addr)
	case <-time.After(5 * time.Second):
		t.Fatal("no request sent")
	}
	ch <- "exit"

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exit did not stop the node")
	}

	assert.Equal(t, 1, n.engine.Active())
	got := out.String()
	assert.True(t, strings.HasSuffix(got, "Exiting...\n"))
	assert.NotContains(t, got, "Record published")

	_, err := n.HandleInbound(context.Background(), nil, &protocol.Message{Type: protocol.PingRequest})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestQueryTimeoutsAreReported(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{line: "put alice 1.2.3.4", want: "Publishing timed out for key: alice (0/1 acks)\n"},
		{line: "get bob", want: "Query timed out for key: bob\n"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			req := &blockRequester{calls: make(chan string, 4)}
			n, out, mock := newClockedNode(t, req)
			n.rt.RecordSeen(types.NewContact(types.KeyID([]byte("peer")), "10.0.0.2:4001"))

			ch := make(chan string, 2)
			ch <- tt.line
			done := make(chan error, 1)
			go func() { done <- n.Run(context.Background(), ch) }()

			select {
			case <-req.calls:
			case <-time.After(5 * time.Second):
				t.Fatal("no request sent")
			}

			mock.Add(dht.QueryTimeout)
			require.Eventually(t, func() bool {
				mock.Add(sweepInterval)
				return strings.Contains(out.String(), tt.want)
			}, 5*time.Second, 10*time.Millisecond)

			ch <- "exit"
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("node did not stop")
			}
			assert.Equal(t, 0, n.engine.Active())
		})
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	n, _ := newTestNode(t, refuseRequester{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, make(chan string)) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}

// hub connects nodes in memory. Requests skip signing; the hub stamps the
// sender the way the transport would.
type hub struct {
	mu    sync.Mutex
	peers map[string]*hubPeer
}

type hubPeer struct {
	node *Node
	pub  ed25519.PublicKey
	addr string
	out  *syncBuffer
	hub  *hub

	lines chan string
	done  chan error
}

func newHub() *hub {
	return &hub{peers: make(map[string]*hubPeer)}
}

func (p *hubPeer) Request(ctx context.Context, addr string, msg *protocol.Message) (*protocol.Message, error) {
	p.hub.mu.Lock()
	target, ok := p.hub.peers[addr]
	p.hub.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	msg.Sender = p.pub
	msg.ListenAddrs = []string{p.addr}
	resp, err := target.node.HandleInbound(ctx, dialedAddr(p.addr), msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", network.ErrRemote, err)
	}
	resp.Sender = target.pub
	resp.ListenAddrs = []string{target.addr}
	return resp, nil
}

func (h *hub) start(t *testing.T, addr string, seeds ...string) *hubPeer {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	p := &hubPeer{
		pub:   kp.PublicKey,
		addr:  addr,
		out:   &syncBuffer{},
		hub:   h,
		lines: make(chan string, 8),
		done:  make(chan error, 1),
	}
	var bootstrap []types.Contact
	for _, s := range seeds {
		bootstrap = append(bootstrap, types.Contact{Addrs: []string{s}})
	}
	p.node, err = New(kp.NodeID(), Options{
		DHT:           dht.DefaultConfig(),
		PublishQuorum: 1,
		Requester:     p,
		Bootstrap:     bootstrap,
		Output:        p.out,
	})
	require.NoError(t, err)

	h.mu.Lock()
	h.peers[addr] = p
	h.mu.Unlock()

	go func() { p.done <- p.node.Run(context.Background(), p.lines) }()
	t.Cleanup(func() {
		close(p.lines)
		<-p.done
	})
	return p
}

func (p *hubPeer) waitFor(t *testing.T, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(p.out.String(), text)
	}, 5*time.Second, 10*time.Millisecond, "waiting for %q in:\n%s", text, p.out.String())
}

func TestPublishAndRetrieveAcrossNodes(t *testing.T) {
	h := newHub()
	seed := h.start(t, "10.0.0.1:4001")
	var joined []*hubPeer
	for i := 2; i <= 4; i++ {
		p := h.start(t, fmt.Sprintf("10.0.0.%d:4001", i), seed.addr)
		joined = append(joined, p)
	}
	for _, p := range joined {
		p.waitFor(t, "Connected to ")
	}

	publisher := joined[0]
	publisher.lines <- "put alice 1.2.3.4"
	publisher.waitFor(t, "Record published for key: alice (1/1 acks)")

	late := h.start(t, "10.0.0.9:4001", seed.addr)
	late.waitFor(t, "Connected to ")
	late.lines <- "get alice"
	late.waitFor(t, "Found record in DHT: alice => 1.2.3.4")

	// The value is cached locally afterwards.
	late.lines <- "get alice"
	late.waitFor(t, "Found record locally: alice => 1.2.3.4")
}

func TestDiscoveredPeerBootstrapsEmptyNode(t *testing.T) {
	h := newHub()
	a := h.start(t, "10.0.1.1:4001")
	b := h.start(t, "10.0.1.2:4001")

	contact := types.NewContact(a.node.ID(), a.addr)
	require.True(t, b.node.Post(context.Background(), PeerDiscovered{Contact: contact}))
	b.waitFor(t, "Connected to 1 peers")
}

func TestListenAddrEventIsPrinted(t *testing.T) {
	h := newHub()
	a := h.start(t, "10.0.2.1:4001")
	require.True(t, a.node.Post(context.Background(), ListenAddr{Addr: "10.0.2.1:4001"}))
	a.waitFor(t, "Listening on 10.0.2.1:4001\n")
}

func TestInboundRequestRejectedAfterStop(t *testing.T) {
	n, _ := newTestNode(t, refuseRequester{})
	runLines(t, n)

	msg := protocol.NewMessage(protocol.FindNodeRequest, nil)
	msg.Target = make([]byte, types.IDLength)
	_, err := n.HandleInbound(context.Background(), &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, msg)
	assert.True(t, errors.Is(err, ErrStopped))
}
