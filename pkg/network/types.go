package network

import (
	"crypto/ed25519"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

type Config struct {
	// ListenAddr is the host:port to bind. Ignored when Listener is set.
	ListenAddr string
	// Listener, when set, is used instead of binding ListenAddr (for
	// example an onion service).
	Listener net.Listener
	// AdvertiseAddrs overrides the addresses announced to peers.
	AdvertiseAddrs []string
	// Dialer, when set, is used for outbound connections (for example a
	// SOCKS5 proxy).
	Dialer proxy.ContextDialer

	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MaxSessions    int
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = connTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = requestTimeout
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = maxSessions
	}
	if c.ListenAddr == "" && c.Listener == nil {
		c.ListenAddr = "0.0.0.0:0"
	}
}
