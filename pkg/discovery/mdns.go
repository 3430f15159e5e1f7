package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/kadns/pkg/types"
)

const (
	serviceName = "_kadns._tcp"
	domain      = "local."
	nodeTXT     = "node="
)

// MDNS announces the local node and discovers peers on the LAN.
type MDNS struct {
	self   types.NodeID
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// NewMDNS registers the node on the port of listenAddr and browses for other
// nodes. onPeer is called from a background goroutine for every discovered
// node with a known id.
func NewMDNS(self types.NodeID, listenAddr string, onPeer func(types.Contact), log *logrus.Entry) (*MDNS, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid listen addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid port: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	server, err := zeroconf.Register(self.String(), serviceName, domain, port, []string{
		nodeTXT + self.String(),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	m := &MDNS{
		self:   self,
		server: server,
		cancel: cancel,
		log:    log.WithField("component", "mdns"),
	}

	m.wg.Add(1)
	go m.browseLoop(entries, onPeer)

	if err := resolver.Browse(ctx, serviceName, domain, entries); err != nil {
		cancel()
		server.Shutdown()
		m.wg.Wait()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	m.log.WithField("port", port).Info("Announcing on mDNS")
	return m, nil
}

func (m *MDNS) browseLoop(entries <-chan *zeroconf.ServiceEntry, onPeer func(types.Contact)) {
	defer m.wg.Done()
	for entry := range entries {
		c, ok := contactFromEntry(entry, m.self)
		if !ok {
			continue
		}
		m.log.WithField("peer", c.String()).Debug("Discovered peer")
		onPeer(c)
	}
}

// contactFromEntry extracts the node id and addresses advertised by entry.
// Entries from self or without a valid id are rejected.
func contactFromEntry(entry *zeroconf.ServiceEntry, self types.NodeID) (types.Contact, bool) {
	var id types.NodeID
	found := false
	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, nodeTXT) {
			continue
		}
		parsed, err := types.ParseNodeID(strings.TrimPrefix(txt, nodeTXT))
		if err != nil {
			return types.Contact{}, false
		}
		id, found = parsed, true
		break
	}
	if !found || id == self {
		return types.Contact{}, false
	}

	c := types.NewContact(id)
	port := strconv.Itoa(entry.Port)
	for _, ip := range entry.AddrIPv4 {
		c.AddAddrs(net.JoinHostPort(ip.String(), port))
	}
	for _, ip := range entry.AddrIPv6 {
		c.AddAddrs(net.JoinHostPort(ip.String(), port))
	}
	if len(c.Addrs) == 0 {
		return types.Contact{}, false
	}
	return c, true
}

// Stop shuts down the discovery service.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}
