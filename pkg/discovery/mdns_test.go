package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/kadns/pkg/types"
)

func entry(port int, txt []string, v4 ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("instance", serviceName, domain)
	e.Port = port
	e.Text = txt
	for _, ip := range v4 {
		e.AddrIPv4 = append(e.AddrIPv4, net.ParseIP(ip))
	}
	return e
}

func TestContactFromEntry(t *testing.T) {
	self := types.KeyID([]byte("self"))
	peer := types.KeyID([]byte("peer"))

	tests := []struct {
		name  string
		entry *zeroconf.ServiceEntry
		ok    bool
		addrs []string
	}{
		{
			name:  "valid peer",
			entry: entry(4001, []string{"node=" + peer.String()}, "192.168.1.10", "192.168.1.11"),
			ok:    true,
			addrs: []string{"192.168.1.10:4001", "192.168.1.11:4001"},
		},
		{
			name:  "self is ignored",
			entry: entry(4001, []string{"node=" + self.String()}, "192.168.1.10"),
		},
		{
			name:  "missing node id",
			entry: entry(4001, []string{"other=1"}, "192.168.1.10"),
		},
		{
			name:  "malformed node id",
			entry: entry(4001, []string{"node=xyz"}, "192.168.1.10"),
		},
		{
			name:  "no addresses",
			entry: entry(4001, []string{"node=" + peer.String()}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := contactFromEntry(tt.entry, self)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, peer, c.ID)
			assert.Equal(t, tt.addrs, c.Addrs)
		})
	}
}
