package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
)

// firstEphemeralPort is where Memory starts handing out ports for binds on
// port 0.
const firstEphemeralPort = 49152

// Memory is a process-local transport for tests. Endpoints are keyed by TCP
// port only, so any host in a connect address reaches the publisher bound on
// that port.
type Memory struct {
	mu       sync.Mutex
	nextPort int
	bound    map[int]*memPublisher
	subs     map[int]map[*memSubscriber]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		nextPort: firstEphemeralPort,
		bound:    make(map[int]*memPublisher),
		subs:     make(map[int]map[*memSubscriber]struct{}),
	}
}

func (m *Memory) Bind(_ context.Context, addr ma.Multiaddr) (Publisher, error) {
	port, err := tcpPort(addr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if port == 0 {
		for m.bound[m.nextPort] != nil {
			m.nextPort++
		}
		port = m.nextPort
		m.nextPort++
	}
	if m.bound[port] != nil {
		return nil, fmt.Errorf("bind port %d: address already in use", port)
	}
	bound, err := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/" + strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	p := &memPublisher{m: m, port: port, addr: bound}
	m.bound[port] = p
	return p, nil
}

func (m *Memory) Connect(_ context.Context, addr ma.Multiaddr) (Subscriber, error) {
	port, err := tcpPort(addr)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		return nil, fmt.Errorf("connect %s: no port", addr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memSubscriber{m: m, port: port, addr: addr, frames: make(chan []byte, 64)}
	if _, ok := m.subs[port]; !ok {
		m.subs[port] = make(map[*memSubscriber]struct{})
	}
	m.subs[port][s] = struct{}{}
	return s, nil
}

func tcpPort(addr ma.Multiaddr) (int, error) {
	v, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return 0, fmt.Errorf("%s: not a tcp address: %w", addr, err)
	}
	return strconv.Atoi(v)
}

type memPublisher struct {
	m      *Memory
	port   int
	addr   ma.Multiaddr
	closed bool
}

func (p *memPublisher) Multiaddr() ma.Multiaddr { return p.addr }

func (p *memPublisher) Send(frame []byte) bool {
	if len(frame) > MaxFrameSize {
		return false
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if p.closed {
		return false
	}
	for s := range p.m.subs[p.port] {
		select {
		case s.frames <- append([]byte(nil), frame...):
		default:
			// full subscriber queue, drop like a slow TCP peer
		}
	}
	return true
}

func (p *memPublisher) Close() error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	delete(p.m.bound, p.port)
	return nil
}

type memSubscriber struct {
	m      *Memory
	port   int
	addr   ma.Multiaddr
	frames chan []byte
}

func (s *memSubscriber) Multiaddr() ma.Multiaddr { return s.addr }

func (s *memSubscriber) Frames() <-chan []byte { return s.frames }

func (s *memSubscriber) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	subs, ok := s.m.subs[s.port]
	if !ok {
		return nil
	}
	if _, exists := subs[s]; exists {
		delete(subs, s)
		close(s.frames)
	}
	if len(subs) == 0 {
		delete(s.m.subs, s.port)
	}
	return nil
}
