package broker

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"zeq/internal/core/address"
	"zeq/internal/core/discovery"
	"zeq/internal/core/transport"
)

// DefaultDiscoveryTimeout bounds discovery lookups unless
// WithDiscoveryTimeout is given.
const DefaultDiscoveryTimeout = 2 * time.Second

// Option configures a Broker.
type Option func(*options) error

type options struct {
	publish          *address.Address
	transport        transport.Transport
	registry         discovery.Registry
	discoveryTimeout time.Duration
	logger           *zap.Logger
	registerer       prometheus.Registerer
}

func defaultOptions() options {
	return options{
		discoveryTimeout: DefaultDiscoveryTimeout,
		logger:           zap.NewNop(),
	}
}

// WithPublisher gives the broker publisher capability on uri. The host must be
// empty (bind an ephemeral port and advertise it) or "*" with a port.
func WithPublisher(uri string) Option {
	return func(o *options) error {
		a, err := address.Parse(uri)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
		if err := a.ValidateBind(); err != nil {
			return err
		}
		o.publish = &a
		return nil
	}
}

// WithTransport sets the socket transport. The default is TCP.
func WithTransport(t transport.Transport) Option {
	return func(o *options) error {
		o.transport = t
		return nil
	}
}

// WithRegistry sets the discovery registry used for addresses without a host.
// The broker does not own the registry and never closes it.
func WithRegistry(r discovery.Registry) Option {
	return func(o *options) error {
		o.registry = r
		return nil
	}
}

// WithDiscoveryTimeout bounds each discovery lookup made by Subscribe.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("discovery timeout must be positive, got %s", d)
		}
		o.discoveryTimeout = d
		return nil
	}
}

// WithLogger sets the logger; nil keeps the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) error {
		if l != nil {
			o.logger = l
		}
		return nil
	}
}

// WithMetrics registers the broker's collectors on r.
func WithMetrics(r prometheus.Registerer) Option {
	return func(o *options) error {
		o.registerer = r
		return nil
	}
}
