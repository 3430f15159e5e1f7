package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/kadns/internal/config"
	"github.com/busybox42/kadns/pkg/client"
	"github.com/busybox42/kadns/pkg/server"
)

var log = logrus.New()

func initLogger(level string) {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
}

func main() {
	fs := flag.NewFlagSet("kadns", flag.ExitOnError)
	fs.Int("port", 4001, "Port to listen on")
	fs.String("listen", "0.0.0.0", "Interface to bind")
	fs.String("bootstrap", "", "Comma separated host:port list of nodes to join through")
	fs.Bool("tor", false, "Publish an onion service and route outgoing traffic through Tor")
	fs.Bool("mdns", false, "Discover peers on the local network")
	fs.String("metrics", "", "Address to serve Prometheus metrics on (disabled when empty)")
	fs.String("log-level", "info", "Log level")
	fs.String("key-dir", "", "Directory holding the node identity keys")
	fs.Int("quorum", 1, "Acknowledgments required to consider a put published")
	configFile := fs.String("config", "", "Path to a config file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "kadns [flags] [command]\n\n%s\nFlags:\n", client.Usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs, *configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initLogger(cfg.LogLevel)
	entry := logrus.NewEntry(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, os.Stdout, entry)
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	defer srv.Shutdown()

	lines := make(chan string, 100)
	if args := fs.Args(); len(args) > 0 {
		lines <- client.FromArgs(args)
	} else {
		client.PrintUsage(os.Stdout)
	}
	go func() {
		if err := client.ReadLines(ctx, os.Stdin, lines); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("Stopped reading commands")
		}
	}()

	if err := srv.Run(ctx, lines); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Node stopped")
		srv.Shutdown()
		os.Exit(1)
	}
}
