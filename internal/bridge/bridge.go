// Package bridge relays zeq events between a Broker and a gossip mesh.
//
// Events the broker receives for the bridged types are published on the mesh
// topic "zeq/<scheme>". Events arriving from other mesh nodes are published
// through the broker's own publisher. Frames the bridge itself injected into
// the broker are recognised by digest when they come back and are not sent
// to the mesh again.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	sha256 "github.com/minio/sha256-simd"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"zeq/internal/broker"
	"zeq/internal/core/event"
	"zeq/internal/core/network"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultEchoWindow   = 5 * time.Second
	defaultEchoEntries  = 4096
)

var (
	// ErrNoTypes is returned by New when Options.Types is empty.
	ErrNoTypes = errors.New("bridge needs at least one event type")
	// ErrHandlerTaken is returned by New when a bridged type already has a
	// handler on the broker.
	ErrHandlerTaken = errors.New("event type already has a handler")
	// ErrMeshClosed is returned by Run when the mesh ends the subscription.
	ErrMeshClosed = errors.New("mesh subscription closed")
)

// Topic is the mesh topic events of scheme travel on.
func Topic(scheme string) string { return "zeq/" + scheme }

// Options configures a Bridge.
type Options struct {
	// Scheme names the mesh topic, see Topic.
	Scheme string
	// Types are the event types relayed in both directions.
	Types []event.Type
	// Observe, if set, sees every event the broker delivers for a bridged
	// type, before it is relayed.
	Observe event.Handler
	// PollInterval bounds each broker.Receive call in Run.
	PollInterval time.Duration
	// EchoWindow is how long a frame injected from the mesh is remembered
	// for echo suppression.
	EchoWindow time.Duration
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

type digest = [sha256.Size]byte

// Bridge couples one publishing Broker to one mesh topic. Run and Publish
// may be called from different goroutines; broker access is serialized.
type Bridge struct {
	mu     sync.Mutex
	broker *broker.Broker
	mesh   network.PubSub
	topic  string
	types  []event.Type
	opts   Options
	log    *zap.Logger

	// injected counts frames published into the broker from the mesh that
	// have not come back yet.
	injected *expirable.LRU[digest, int]
	relayed  *prometheus.CounterVec
}

// New registers a relaying handler on b for every type in opts.Types. The
// broker must be a publisher. New fails if any of the types already has a
// handler, removing the handlers it did register.
func New(b *broker.Broker, mesh network.PubSub, opts Options) (*Bridge, error) {
	if len(opts.Types) == 0 {
		return nil, ErrNoTypes
	}
	if !b.IsPublisher() {
		return nil, broker.ErrNotAPublisher
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = DefaultEchoWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	br := &Bridge{
		broker:   b,
		mesh:     mesh,
		topic:    Topic(opts.Scheme),
		types:    opts.Types,
		opts:     opts,
		log:      opts.Logger.Named("bridge").With(zap.String("topic", Topic(opts.Scheme))),
		injected: expirable.NewLRU[digest, int](defaultEchoEntries, nil, opts.EchoWindow),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zeq", Subsystem: "bridge", Name: "events_relayed_total",
			Help: "Events relayed by the gossip bridge.",
		}, []string{"direction"}),
	}
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(br.relayed); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
			br.relayed = existing
		}
	}

	for i, typ := range opts.Types {
		if !b.RegisterHandler(typ, br.toMesh) {
			for _, done := range opts.Types[:i] {
				b.DeregisterHandler(done)
			}
			return nil, fmt.Errorf("bridge %s: %w", typ, ErrHandlerTaken)
		}
	}
	return br, nil
}

// Run relays in both directions until ctx ends or the mesh subscription is
// closed. It owns the broker's receive loop while it runs. Each pass handles
// at most one mesh message and then polls the broker once.
func (br *Bridge) Run(ctx context.Context) error {
	msgs, cancel, err := br.mesh.Subscribe(br.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", br.topic, err)
	}
	defer cancel()
	br.log.Info("bridge running", zap.String("node", br.mesh.ID()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return ErrMeshClosed
			}
			br.fromMesh(m)
		default:
		}

		br.mu.Lock()
		br.broker.Receive(br.opts.PollInterval)
		br.mu.Unlock()
	}
}

// Publish publishes e on the broker, serialized with the relay loop.
func (br *Bridge) Publish(e event.Event) (bool, error) {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.broker.Publish(e)
}

// Close removes the bridge's handlers from the broker.
func (br *Bridge) Close() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	for _, typ := range br.types {
		br.broker.DeregisterHandler(typ)
	}
	br.injected.Purge()
	return nil
}

// toMesh runs inside broker.Receive, with br.mu held.
func (br *Bridge) toMesh(e event.Event) {
	if br.opts.Observe != nil {
		br.opts.Observe(e)
	}
	frame := e.Marshal()
	d := sha256.Sum256(frame)
	if n, ok := br.injected.Peek(d); ok {
		if n <= 1 {
			br.injected.Remove(d)
		} else {
			br.injected.Add(d, n-1)
		}
		br.log.Debug("suppressed echo", zap.Stringer("type", e.Type()))
		return
	}
	if err := br.mesh.Publish(br.topic, frame); err != nil {
		br.log.Warn("mesh publish failed", zap.Error(err))
		return
	}
	br.relayed.WithLabelValues("to_mesh").Inc()
}

func (br *Bridge) fromMesh(m network.Message) {
	if m.From == br.mesh.ID() {
		return
	}
	e, err := event.Unmarshal(m.Payload)
	if err != nil {
		br.log.Warn("dropping undecodable mesh frame", zap.String("from", m.From), zap.Error(err))
		return
	}
	if !br.bridged(e.Type()) {
		br.log.Debug("dropping unbridged type", zap.Stringer("type", e.Type()))
		return
	}

	br.mu.Lock()
	defer br.mu.Unlock()
	d := sha256.Sum256(m.Payload)
	n, _ := br.injected.Peek(d)
	br.injected.Add(d, n+1)
	ok, err := br.broker.Publish(e)
	if err != nil || !ok {
		if n == 0 {
			br.injected.Remove(d)
		} else {
			br.injected.Add(d, n)
		}
		br.log.Warn("broker publish failed", zap.String("from", m.From), zap.Error(err))
		return
	}
	br.relayed.WithLabelValues("from_mesh").Inc()
}

func (br *Bridge) bridged(t event.Type) bool { return slices.Contains(br.types, t) }
