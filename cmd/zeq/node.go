package main

import (
	"context"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"zeq/internal/bridge"
	"zeq/internal/broker"
	"zeq/internal/config"
	"zeq/internal/core/address"
	"zeq/internal/core/event"
	"zeq/internal/core/network"
	"zeq/internal/vocabulary"
)

// node drives a broker: it subscribes, emits on a ticker and receives until
// stopped. With a mesh it hands the receive loop to a gossip bridge.
type node struct {
	cfg      config.Config
	broker   *broker.Broker
	bridge   *bridge.Bridge
	shutdown fx.Shutdowner
	log      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

type nodeParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     config.Config
	Broker     *broker.Broker
	Mesh       network.PubSub
	Metrics    *prometheus.Registry
	Logger     *zap.Logger
}

func runNode(p nodeParams) error {
	n := &node{
		cfg:      p.Config,
		broker:   p.Broker,
		shutdown: p.Shutdowner,
		log:      p.Logger.Named("node"),
	}

	var bridged []event.Type
	if p.Mesh != nil {
		types, err := p.Config.GossipTypes()
		if err != nil {
			return err
		}
		br, err := bridge.New(p.Broker, p.Mesh, bridge.Options{
			Scheme:       p.Config.PublishScheme(),
			Types:        types,
			Observe:      n.onEvent,
			PollInterval: p.Config.ReceiveTimeout.Duration(),
			Logger:       p.Logger,
			Registerer:   p.Metrics,
		})
		if err != nil {
			return err
		}
		n.bridge = br
		bridged = types
	}
	for _, t := range vocabulary.Types() {
		if !slices.Contains(bridged, t) {
			p.Broker.RegisterHandler(t, n.onEvent)
		}
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			n.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return n.stop(ctx)
		},
	})
	return nil
}

func (n *node) start() {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go func() {
		defer close(n.done)
		n.run(ctx)
	}()
}

func (n *node) stop(ctx context.Context) error {
	n.cancel()
	select {
	case <-n.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n.bridge != nil {
		return n.bridge.Close()
	}
	return nil
}

func (n *node) run(ctx context.Context) {
	if a, ok := n.broker.PublisherAddress(); ok {
		n.log.Info("publisher ready", zap.Stringer("addr", a))
	}
	for _, s := range n.cfg.Subscribe {
		a, err := address.Parse(s)
		if err != nil {
			n.log.Warn("skip subscription", zap.String("uri", s), zap.Error(err))
			continue
		}
		if !n.broker.Subscribe(ctx, a) {
			n.log.Warn("subscribe failed", zap.Stringer("addr", a))
		}
	}

	ticker := time.NewTicker(n.cfg.Emit.Interval.Duration())
	defer ticker.Stop()

	if n.bridge != nil {
		relayDone := make(chan struct{})
		go func() {
			defer close(relayDone)
			if err := n.bridge.Run(ctx); err != nil && ctx.Err() == nil {
				n.log.Error("bridge stopped", zap.Error(err))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				<-relayDone
				return
			case <-ticker.C:
				n.emit(n.bridge.Publish)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.emit(n.broker.Publish)
		default:
		}
		n.broker.Receive(n.cfg.ReceiveTimeout.Duration())
	}
}

func (n *node) emit(publish func(event.Event) (bool, error)) {
	if !n.broker.IsPublisher() {
		return
	}
	var events []event.Event
	if n.cfg.Emit.Heartbeat {
		events = append(events, vocabulary.SerializeHeartbeat())
	}
	if n.cfg.Emit.Camera {
		events = append(events, vocabulary.SerializeCamera(identity()))
	}
	if n.cfg.Emit.Echo != "" {
		events = append(events, vocabulary.SerializeEcho(n.cfg.Emit.Echo))
	}
	for _, e := range events {
		if _, err := publish(e); err != nil {
			n.log.Warn("publish failed", zap.String("event", vocabulary.Name(e.Type())), zap.Error(err))
		}
	}
}

func (n *node) onEvent(e event.Event) {
	if b, err := vocabulary.ToJSON(e); err != nil {
		n.log.Info("event", zap.String("name", vocabulary.Name(e.Type())),
			zap.Int("size", len(e.Payload())), zap.NamedError("render", err))
	} else {
		n.log.Info("event", zap.ByteString("json", b))
	}

	if e.Type() == vocabulary.EventExit {
		n.log.Info("exit requested by peer")
		if err := n.shutdown.Shutdown(); err != nil {
			n.log.Error("shutdown", zap.Error(err))
		}
	}
}

func identity() []float32 {
	m := make([]float32, 16)
	for i := 0; i < 4; i++ {
		m[i*5] = 1
	}
	return m
}
