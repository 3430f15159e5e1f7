// pkg/network/network.go
package network

import (
	"context"
	"net"

	"github.com/busybox42/kadns/pkg/protocol"
)

// RequestHandler answers one verified inbound request. from is the remote
// end of the connection it arrived on.
type RequestHandler func(ctx context.Context, from net.Addr, req *protocol.Message) (*protocol.Message, error)

// ResolveAdvertised replaces unspecified hosts in addrs ("0.0.0.0", "::" or
// empty) with the IP the connection came from.
func ResolveAdvertised(addrs []string, remote net.Addr) []string {
	var remoteIP net.IP
	if tcp, ok := remote.(*net.TCPAddr); ok {
		remoteIP = tcp.IP
	} else if remote != nil {
		if host, _, err := net.SplitHostPort(remote.String()); err == nil {
			remoteIP = net.ParseIP(host)
		}
	}

	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			if remoteIP == nil {
				continue
			}
			addr = net.JoinHostPort(remoteIP.String(), port)
		}
		out = append(out, addr)
	}
	return out
}
