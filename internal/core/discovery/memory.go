package discovery

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"zeq/internal/core/address"
)

// Memory is a process-local Registry. Every advertisement resolves to Host.
type Memory struct {
	host string
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string][]uint16
	changed chan struct{}
	closed  bool
}

// NewMemory returns a registry resolving to host, "localhost" if empty.
func NewMemory(host string, log *zap.Logger) *Memory {
	if host == "" {
		host = "localhost"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{
		host:    host,
		log:     log.Named("discovery"),
		entries: make(map[string][]uint16),
		changed: make(chan struct{}),
	}
}

func (m *Memory) Advertise(_ context.Context, scheme string, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if slices.Contains(m.entries[scheme], port) {
		return nil
	}
	m.entries[scheme] = append(m.entries[scheme], port)
	m.notifyLocked()
	m.log.Debug("advertised", zap.String("scheme", scheme), zap.Uint16("port", port))
	return nil
}

func (m *Memory) Withdraw(scheme string, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := m.entries[scheme]
	i := slices.Index(ports, port)
	if i < 0 {
		return nil
	}
	ports = slices.Delete(ports, i, i+1)
	if len(ports) == 0 {
		delete(m.entries, scheme)
	} else {
		m.entries[scheme] = ports
	}
	m.log.Debug("withdrawn", zap.String("scheme", scheme), zap.Uint16("port", port))
	return nil
}

// Resolve returns the first advertiser of scheme, waiting for one to appear
// until ctx ends.
func (m *Memory) Resolve(ctx context.Context, scheme string) (address.Address, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return address.Address{}, ErrClosed
		}
		if ports := m.entries[scheme]; len(ports) > 0 {
			m.mu.Unlock()
			return address.Address{Scheme: scheme, Host: m.host, Port: ports[0]}, nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return address.Address{}, ErrNotFound
		case <-changed:
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.entries = make(map[string][]uint16)
	m.notifyLocked()
	return nil
}

func (m *Memory) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
