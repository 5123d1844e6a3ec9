package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"

	"zeq/internal/config"
)

// parseFlags loads the optional config file and applies the flags that were
// set on top of it.
func parseFlags(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("zeq", flag.ContinueOnError)
	var (
		path      = fs.String("config", "", "JSON config file")
		publish   = fs.String("publish", "", "publisher URI, scheme:// or scheme://*:port")
		discovery = fs.String("discovery", "", "discovery mode: zeroconf, memory or none")
		logLevel  = fs.String("log-level", "", "log level")
		logFormat = fs.String("log-format", "", "log format: console or json")
		metrics   = fs.String("metrics-addr", "", "listen address of the /metrics endpoint")
		interval  = fs.Duration("interval", 0, "emit interval")
		echo      = fs.String("echo", "", "echo message to emit every interval")
		camera    = fs.Bool("camera", false, "emit a camera event every interval")
		heartbeat = fs.Bool("heartbeat", true, "emit a heartbeat every interval")
		gossip    = fs.Bool("gossip", false, "relay events over the libp2p gossip mesh")
		subscribe []string
		bootstrap []string
	)
	fs.Func("subscribe", "publisher URI to subscribe to, repeatable", func(s string) error {
		subscribe = append(subscribe, s)
		return nil
	})
	fs.Func("gossip-bootstrap", "mesh peer multiaddr with /p2p id, repeatable", func(s string) error {
		bootstrap = append(bootstrap, s)
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "publish":
			cfg.Publish = *publish
		case "subscribe":
			cfg.Subscribe = subscribe
		case "discovery":
			cfg.Discovery.Mode = strings.ToLower(*discovery)
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "metrics-addr":
			cfg.Metrics.Addr = *metrics
		case "interval":
			cfg.Emit.Interval = config.Duration(*interval)
		case "echo":
			cfg.Emit.Echo = *echo
		case "camera":
			cfg.Emit.Camera = *camera
		case "heartbeat":
			cfg.Emit.Heartbeat = *heartbeat
		case "gossip":
			cfg.Gossip.Enabled = *gossip
		case "gossip-bootstrap":
			cfg.Gossip.Bootstrap = bootstrap
		}
	})
	return cfg, cfg.Validate()
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	app := fx.New(
		appOptions(cfg, log),
		fx.StopTimeout(10*time.Second),
	)
	app.Run()
}
