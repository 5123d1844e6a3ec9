// Package broker implements the zeq publish/subscribe node.
//
// A Broker publishes typed events on at most one bound address and receives
// events from any number of subscribed publishers, dispatching each to the
// single handler registered for its type. A Broker is not safe for concurrent
// use; Receive is the only call that blocks, bounded by its timeout.
package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"zeq/internal/core/address"
	"zeq/internal/core/event"
	"zeq/internal/core/transport"
)

var (
	// ErrInvalidAddress is returned by New for bind addresses with a
	// concrete host or a wildcard without a port.
	ErrInvalidAddress = address.ErrInvalidAddress
	// ErrNotAPublisher is returned by Publish on a broker built without
	// WithPublisher.
	ErrNotAPublisher = errors.New("broker is not a publisher")
	// ErrNoRegistry is returned by New for a discovery publish address on a
	// broker built without WithRegistry.
	ErrNoRegistry = errors.New("discovery address needs a registry")
	// ErrFrameTooLarge is returned by Publish for events whose wire frame
	// exceeds transport.MaxFrameSize.
	ErrFrameTooLarge = errors.New("event exceeds the maximum frame size")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("broker closed")
)

type subscription struct {
	requested address.Address
	resolved  address.Address
	sub       transport.Subscriber
}

// Broker is a zeq node: an optional publisher plus a set of subscriptions
// whose events are dispatched to registered handlers.
type Broker struct {
	opts      options
	log       *zap.Logger
	transport transport.Transport
	metrics   *Metrics

	publisher  transport.Publisher
	bound      address.Address
	advertised bool

	subscriptions map[string]*subscription
	handlers      handlerTable
	closed        bool
}

// New creates a broker. Without WithPublisher it can only subscribe and
// receive.
func New(ctx context.Context, opts ...Option) (*Broker, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.transport == nil {
		o.transport = transport.NewTCP(transport.TCPOptions{Logger: o.logger})
	}
	metrics, err := newMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	b := &Broker{
		opts:          o,
		log:           o.logger.Named("broker"),
		transport:     o.transport,
		metrics:       metrics,
		subscriptions: make(map[string]*subscription),
		handlers:      make(handlerTable),
	}
	if o.publish != nil {
		if err := b.bind(ctx, *o.publish); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Broker) bind(ctx context.Context, a address.Address) error {
	if a.IsDiscovery() && b.opts.registry == nil {
		return fmt.Errorf("publish on %s: %w", a, ErrNoRegistry)
	}

	var (
		m   ma.Multiaddr
		err error
	)
	if a.IsDiscovery() {
		// the OS picks a free port
		m, err = ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
	} else {
		m, err = a.Multiaddr()
	}
	if err != nil {
		return fmt.Errorf("publish on %s: %w", a, err)
	}

	pub, err := b.transport.Bind(ctx, m)
	if err != nil {
		return fmt.Errorf("publish on %s: %w", a, err)
	}
	bound, err := address.FromMultiaddr(a.Scheme, pub.Multiaddr())
	if err != nil {
		_ = pub.Close()
		return fmt.Errorf("publish on %s: %w", a, err)
	}

	if a.IsDiscovery() {
		if err := b.opts.registry.Advertise(ctx, a.Scheme, bound.Port); err != nil {
			_ = pub.Close()
			return fmt.Errorf("advertise %s: %w", bound, err)
		}
		b.advertised = true
	}

	b.publisher = pub
	b.bound = bound
	b.log.Info("publishing", zap.Stringer("addr", bound), zap.Bool("advertised", b.advertised))
	return nil
}

// IsPublisher reports whether the broker can Publish.
func (b *Broker) IsPublisher() bool { return b.publisher != nil }

// PublisherAddress returns the bound address, with the port chosen for
// discovery-mode publishers.
func (b *Broker) PublisherAddress() (address.Address, bool) {
	return b.bound, b.publisher != nil
}

// Subscribe connects to the publisher at a. An address without a host is
// resolved through the registry. It reports false for wildcard hosts, failed
// discovery, failed connects and addresses already subscribed.
func (b *Broker) Subscribe(ctx context.Context, a address.Address) bool {
	if b.closed {
		return false
	}
	log := b.log.With(zap.Stringer("addr", a))
	if err := a.ValidateConnect(); err != nil {
		log.Debug("cannot subscribe", zap.Error(err))
		return false
	}

	target := a
	if a.IsDiscovery() {
		if b.opts.registry == nil {
			log.Debug("cannot subscribe", zap.Error(ErrNoRegistry))
			return false
		}
		rctx, cancel := context.WithTimeout(ctx, b.opts.discoveryTimeout)
		resolved, err := b.opts.registry.Resolve(rctx, a.Scheme)
		cancel()
		if err != nil {
			log.Debug("discovery failed", zap.Error(err))
			return false
		}
		target = resolved
	}

	key := target.String()
	if _, ok := b.subscriptions[key]; ok {
		return false
	}

	m, err := target.Multiaddr()
	if err != nil {
		log.Debug("cannot subscribe", zap.Error(err))
		return false
	}
	sub, err := b.transport.Connect(ctx, m)
	if err != nil {
		log.Warn("connect failed", zap.Error(err))
		return false
	}

	b.subscriptions[key] = &subscription{requested: a, resolved: target, sub: sub}
	b.metrics.Subscriptions.Inc()
	log.Info("subscribed", zap.String("key", key))
	return true
}

// Unsubscribe closes the subscription created from a, matching either the
// resolved address or the address as given to Subscribe.
func (b *Broker) Unsubscribe(a address.Address) bool {
	key := a.String()
	s, ok := b.subscriptions[key]
	if !ok {
		for k, cand := range b.subscriptions {
			if cand.requested == a {
				key, s, ok = k, cand, true
				break
			}
		}
	}
	if !ok {
		return false
	}

	delete(b.subscriptions, key)
	b.metrics.Subscriptions.Dec()
	if err := s.sub.Close(); err != nil {
		b.log.Warn("close subscription", zap.String("key", key), zap.Error(err))
	}
	b.log.Info("unsubscribed", zap.String("key", key))
	return true
}

// Subscriptions returns the resolved addresses of all subscriptions, sorted.
func (b *Broker) Subscriptions() []address.Address {
	out := make([]address.Address, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		out = append(out, s.resolved)
	}
	slices.SortFunc(out, func(x, y address.Address) int {
		return strings.Compare(x.String(), y.String())
	})
	return out
}

// RegisterHandler installs h for typ unless a handler for typ already exists.
func (b *Broker) RegisterHandler(typ event.Type, h event.Handler) bool {
	return b.handlers.register(typ, h)
}

// DeregisterHandler removes the handler for typ and reports whether one was
// registered.
func (b *Broker) DeregisterHandler(typ event.Type) bool {
	return b.handlers.deregister(typ)
}

// Publish sends e to every connected subscriber. It fails with
// ErrNotAPublisher if the broker has no bound address and with
// ErrFrameTooLarge if e does not fit in one frame; otherwise it reports
// whether the transport accepted the event.
func (b *Broker) Publish(e event.Event) (bool, error) {
	if b.closed {
		return false, ErrClosed
	}
	if b.publisher == nil {
		return false, ErrNotAPublisher
	}
	frame := e.Marshal()
	if len(frame) > transport.MaxFrameSize {
		return false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	if !b.publisher.Send(frame) {
		return false, nil
	}
	b.metrics.Published.Inc()
	return true, nil
}

// Receive waits up to timeout for one event on any subscription and
// dispatches it. It reports whether an event was consumed, which includes
// events no handler is registered for.
func (b *Broker) Receive(timeout time.Duration) bool {
	subs := make([]transport.Subscriber, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, s.sub)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	frame, ok := transport.Poll(ctx, subs)
	cancel()
	if !ok {
		return false
	}
	b.metrics.Received.Inc()

	e, err := event.Unmarshal(frame)
	if err != nil {
		b.metrics.DecodeErrors.Inc()
		b.log.Warn("dropping undecodable frame", zap.Error(err))
		return true
	}
	if b.handlers.dispatch(e) {
		b.metrics.Dispatched.Inc()
	} else {
		b.metrics.Discarded.Inc()
	}
	return true
}

// Close withdraws the advertisement and releases every socket. Further
// publishes fail with ErrClosed.
func (b *Broker) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	if b.advertised {
		err = multierr.Append(err, b.opts.registry.Withdraw(b.bound.Scheme, b.bound.Port))
		b.advertised = false
	}
	if b.publisher != nil {
		err = multierr.Append(err, b.publisher.Close())
	}
	for key, s := range b.subscriptions {
		err = multierr.Append(err, s.sub.Close())
		delete(b.subscriptions, key)
		b.metrics.Subscriptions.Dec()
	}
	return err
}
