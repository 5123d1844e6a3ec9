package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/libp2p/zeroconf/v2"
	"go.uber.org/zap"

	"zeq/internal/core/address"
)

const mdnsDomain = "local."

// Zeroconf advertises and browses publishers with mDNS/DNS-SD. A scheme foo
// maps to the service type _foo._tcp.
type Zeroconf struct {
	log    *zap.Logger
	ifaces []net.Interface

	mu      sync.Mutex
	servers map[endpoint]*zeroconf.Server
	closed  bool
}

// NewZeroconf returns a registry announcing and browsing on ifaces, or on
// every multicast interface if ifaces is empty.
func NewZeroconf(log *zap.Logger, ifaces ...net.Interface) *Zeroconf {
	if log == nil {
		log = zap.NewNop()
	}
	return &Zeroconf{
		log:     log.Named("zeroconf"),
		ifaces:  ifaces,
		servers: make(map[endpoint]*zeroconf.Server),
	}
}

// serviceType maps scheme to its DNS-SD service type. The scheme must be a
// valid service name: 1 to 15 letters, digits and hyphens with at least one
// letter, and no hyphen at either end or next to another.
func serviceType(scheme string) (string, error) {
	if len(scheme) == 0 || len(scheme) > 15 ||
		strings.HasPrefix(scheme, "-") || strings.HasSuffix(scheme, "-") ||
		strings.Contains(scheme, "--") {
		return "", fmt.Errorf("%w: %q", ErrInvalidScheme, scheme)
	}
	letters := 0
	for _, c := range scheme {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			letters++
		case c >= '0' && c <= '9', c == '-':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidScheme, scheme)
		}
	}
	if letters == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidScheme, scheme)
	}
	return "_" + scheme + "._tcp", nil
}

func (z *Zeroconf) Advertise(_ context.Context, scheme string, port uint16) error {
	service, err := serviceType(scheme)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return ErrClosed
	}
	key := endpoint{scheme: scheme, port: port}
	if _, ok := z.servers[key]; ok {
		return nil
	}

	instance := "zeq-" + uuid.NewString()
	srv, err := zeroconf.Register(instance, service, mdnsDomain, int(port), []string{"scheme=" + scheme}, z.ifaces)
	if err != nil {
		return fmt.Errorf("register %s on port %d: %w", service, port, err)
	}
	z.servers[key] = srv
	z.log.Info("advertising", zap.String("service", service), zap.Uint16("port", port), zap.String("instance", instance))
	return nil
}

func (z *Zeroconf) Withdraw(scheme string, port uint16) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	key := endpoint{scheme: scheme, port: port}
	if srv, ok := z.servers[key]; ok {
		srv.Shutdown()
		delete(z.servers, key)
		z.log.Info("withdrawn", zap.String("scheme", scheme), zap.Uint16("port", port))
	}
	return nil
}

// Resolve browses for the scheme's service type and returns the first entry
// that carries an address.
func (z *Zeroconf) Resolve(ctx context.Context, scheme string) (address.Address, error) {
	service, err := serviceType(scheme)
	if err != nil {
		return address.Address{}, err
	}
	z.mu.Lock()
	closed := z.closed
	z.mu.Unlock()
	if closed {
		return address.Address{}, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	browseErr := make(chan error, 1)
	go func() {
		var opts []zeroconf.ClientOption
		if len(z.ifaces) > 0 {
			opts = append(opts, zeroconf.SelectIfaces(z.ifaces))
		}
		browseErr <- zeroconf.Browse(ctx, service, mdnsDomain, entries, opts...)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				// Browse closes entries on its way out; its result follows
				entries = nil
				continue
			}
			host := entryHost(entry)
			if host == "" || entry.Port <= 0 || entry.Port > 0xffff {
				continue
			}
			a := address.Address{Scheme: scheme, Host: host, Port: uint16(entry.Port)}
			z.log.Debug("resolved", zap.String("service", service), zap.Stringer("addr", a))
			// Browse blocks on sends until it sees the cancel
			go func(entries <-chan *zeroconf.ServiceEntry) {
				for range entries {
				}
			}(entries)
			return a, nil
		case err := <-browseErr:
			// a failed client setup returns without closing entries
			if err != nil && ctx.Err() == nil {
				return address.Address{}, fmt.Errorf("browse %s: %w", service, err)
			}
			return address.Address{}, ErrNotFound
		}
	}
}

func entryHost(e *zeroconf.ServiceEntry) string {
	if len(e.AddrIPv4) > 0 {
		return e.AddrIPv4[0].String()
	}
	if len(e.AddrIPv6) > 0 {
		return e.AddrIPv6[0].String()
	}
	return e.HostName
}

func (z *Zeroconf) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return nil
	}
	z.closed = true
	for key, srv := range z.servers {
		srv.Shutdown()
		delete(z.servers, key)
	}
	return nil
}
