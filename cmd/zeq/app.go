package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"zeq/internal/broker"
	"zeq/internal/config"
	"zeq/internal/core/discovery"
	"zeq/internal/core/event"
	"zeq/internal/core/network"
	"zeq/internal/core/transport"
)

func appOptions(cfg config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
		fx.Provide(
			newMetricsRegistry,
			newRegistry,
			newTransport,
			newBroker,
			newMesh,
		),
		fx.Invoke(serveMetrics, runNode),
	)
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newRegistry returns nil when discovery is disabled.
func newRegistry(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (discovery.Registry, error) {
	var reg discovery.Registry
	switch cfg.Discovery.Mode {
	case config.DiscoveryNone:
		return nil, nil
	case config.DiscoveryMemory:
		reg = discovery.NewMemory("localhost", log)
	default:
		ifaces := make([]net.Interface, 0, len(cfg.Discovery.Interfaces))
		for _, name := range cfg.Discovery.Interfaces {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				return nil, fmt.Errorf("discovery interface %q: %w", name, err)
			}
			ifaces = append(ifaces, *iface)
		}
		reg = discovery.NewZeroconf(log, ifaces...)
	}
	lc.Append(fx.StopHook(reg.Close))
	return reg, nil
}

func newTransport(cfg config.Config, log *zap.Logger) transport.Transport {
	return transport.NewTCP(transport.TCPOptions{
		ReconnectInterval: cfg.Transport.ReconnectInterval.Duration(),
		DialTimeout:       cfg.Transport.DialTimeout.Duration(),
		SendQueue:         cfg.Transport.SendQueue,
		RecvQueue:         cfg.Transport.RecvQueue,
		Logger:            log,
	})
}

type brokerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Registry  discovery.Registry
	Transport transport.Transport
	Metrics   *prometheus.Registry
	Logger    *zap.Logger
}

func newBroker(p brokerParams) (*broker.Broker, error) {
	opts := []broker.Option{
		broker.WithTransport(p.Transport),
		broker.WithDiscoveryTimeout(p.Config.Discovery.Timeout.Duration()),
		broker.WithLogger(p.Logger),
		broker.WithMetrics(p.Metrics),
	}
	if p.Registry != nil {
		opts = append(opts, broker.WithRegistry(p.Registry))
	}
	if p.Config.Publish != "" {
		opts = append(opts, broker.WithPublisher(p.Config.Publish))
	}

	b, err := broker.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	lc := p.Lifecycle
	lc.Append(fx.StopHook(b.Close))
	return b, nil
}

// newMesh returns nil when gossip is disabled.
func newMesh(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (network.PubSub, error) {
	if !cfg.Gossip.Enabled {
		return nil, nil
	}
	mesh, err := network.NewLibp2pPubSub(context.Background(), network.Libp2pOptions{
		ListenAddrs:     cfg.Gossip.Listen,
		Bootstrap:       cfg.Gossip.Bootstrap,
		Rendezvous:      cfg.Gossip.Rendezvous,
		EnableMDNS:      cfg.Gossip.MDNS,
		IdentityKeyFile: cfg.Gossip.IdentityKeyFile,
		// room for the RPC envelope around a full frame
		MaxMessageSize: transport.MaxFrameSize + 64<<10,
		Validate:       validateFrame,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(mesh.Close))
	return mesh, nil
}

// validateFrame keeps frames that are not zeq events off the mesh.
func validateFrame(payload []byte) error {
	_, err := event.Unmarshal(payload)
	return err
}

func serveMetrics(lc fx.Lifecycle, cfg config.Config, reg *prometheus.Registry, log *zap.Logger) {
	if cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			l, err := net.Listen("tcp", cfg.Metrics.Addr)
			if err != nil {
				return fmt.Errorf("metrics listen: %w", err)
			}
			log.Info("metrics exposed", zap.String("url", "http://"+l.Addr().String()+"/metrics"))
			go func() {
				if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
