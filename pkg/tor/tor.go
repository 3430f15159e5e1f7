package tor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const startTimeout = 3 * time.Minute

// TorManager manages an embedded Tor instance and the onion service the node
// listens on.
type TorManager struct {
	TorInstance  *tor.Tor
	Onion        *tor.OnionService
	OnionAddress string
	ServicePort  int
	SocksPort    int
	DataDir      string

	debug io.Closer
	log   *logrus.Entry
}

// StartTor launches Tor, waits for it to bootstrap and publishes an onion
// service on servicePort. Connections to the service arrive on the
// returned manager's Listener.
func StartTor(ctx context.Context, servicePort int, log *logrus.Entry) (*TorManager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "tor")

	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	socksPort, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to pick SOCKS5 port: %w", err)
	}

	dataDir, err := os.MkdirTemp("", "kadns-tor-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary Tor data directory: %w", err)
	}

	debug := log.WriterLevel(logrus.TraceLevel)
	log.WithField("socks_port", socksPort).Info("Starting embedded Tor")
	t, err := tor.Start(ctx, &tor.StartConf{
		DataDir:     dataDir,
		DebugWriter: debug,
		ExtraArgs:   []string{"--SocksPort", strconv.Itoa(socksPort)},
	})
	if err != nil {
		debug.Close()
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("failed to start Tor: %w", err)
	}

	tm := &TorManager{
		TorInstance: t,
		ServicePort: servicePort,
		SocksPort:   socksPort,
		DataDir:     dataDir,
		debug:       debug,
		log:         log,
	}

	if err := t.EnableNetwork(ctx, true); err != nil {
		tm.StopTor()
		return nil, fmt.Errorf("could not enable Tor network: %w", err)
	}

	onion, err := t.Listen(ctx, &tor.ListenConf{
		RemotePorts: []int{servicePort},
		Version3:    true,
	})
	if err != nil {
		tm.StopTor()
		return nil, fmt.Errorf("could not create hidden service: %w", err)
	}
	tm.Onion = onion
	tm.OnionAddress = onion.ID + ".onion"

	log.WithField("addr", tm.AdvertiseAddr()).Info("Hidden service published")
	return tm, nil
}

// Listener accepts connections made to the onion service.
func (tm *TorManager) Listener() net.Listener {
	return tm.Onion
}

// AdvertiseAddr is the host:port peers dial to reach the onion service.
func (tm *TorManager) AdvertiseAddr() string {
	return onionAddr(tm.OnionAddress, tm.ServicePort)
}

// Dialer returns a SOCKS5 dialer that routes outgoing connections via Tor.
func (tm *TorManager) Dialer() (proxy.ContextDialer, error) {
	return socksDialer(fmt.Sprintf("127.0.0.1:%d", tm.SocksPort))
}

// StopTor shuts down the embedded Tor instance and cleans up the temp data
// directory.
func (tm *TorManager) StopTor() error {
	tm.log.Info("Stopping Tor")

	var err error
	if tm.Onion != nil {
		tm.Onion.Close()
	}
	if tm.TorInstance != nil {
		err = tm.TorInstance.Close()
	}
	if tm.debug != nil {
		tm.debug.Close()
	}
	if tm.DataDir != "" {
		os.RemoveAll(tm.DataDir)
	}
	return err
}

func socksDialer(addr string) (proxy.ContextDialer, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	return cd, nil
}

func onionAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
