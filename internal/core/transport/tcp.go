package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"
)

// TCPOptions tunes the TCP transport. Zero values select the defaults.
type TCPOptions struct {
	// ReconnectInterval is the pause between dial attempts of a subscriber.
	ReconnectInterval time.Duration
	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration
	// SendQueue is the number of frames buffered per peer before frames to
	// that peer are dropped.
	SendQueue int
	// RecvQueue is the number of frames a subscriber buffers.
	RecvQueue int
	Logger    *zap.Logger
}

func (o TCPOptions) withDefaults() TCPOptions {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 100 * time.Millisecond
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 1000
	}
	if o.RecvQueue <= 0 {
		o.RecvQueue = 1000
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// TCP carries varint length-prefixed frames over TCP connections.
type TCP struct {
	opts TCPOptions
	log  *zap.Logger
}

// NewTCP returns a TCP transport; zero option fields take their defaults.
func NewTCP(opts TCPOptions) *TCP {
	opts = opts.withDefaults()
	return &TCP{opts: opts, log: opts.Logger.Named("tcp")}
}

func (t *TCP) Bind(_ context.Context, addr ma.Multiaddr) (Publisher, error) {
	l, err := manet.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	p := &tcpPublisher{
		opts:     t.opts,
		log:      t.log.With(zap.Stringer("listen", l.Multiaddr())),
		listener: l,
		peers:    make(map[*tcpPeer]struct{}),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	p.log.Debug("publisher bound")
	return p, nil
}

func (t *TCP) Connect(_ context.Context, addr ma.Multiaddr) (Subscriber, error) {
	if _, _, err := manet.DialArgs(addr); err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &tcpSubscriber{
		opts:   t.opts,
		log:    t.log.With(zap.Stringer("remote", addr)),
		addr:   addr,
		frames: make(chan []byte, t.opts.RecvQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

type tcpPublisher struct {
	opts     TCPOptions
	log      *zap.Logger
	listener manet.Listener

	mu     sync.Mutex
	peers  map[*tcpPeer]struct{}
	closed bool
	wg     sync.WaitGroup
}

type tcpPeer struct {
	conn manet.Conn
	out  chan []byte
}

func (p *tcpPublisher) Multiaddr() ma.Multiaddr { return p.listener.Multiaddr() }

func (p *tcpPublisher) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		peer := &tcpPeer{conn: conn, out: make(chan []byte, p.opts.SendQueue)}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.peers[peer] = struct{}{}
		p.wg.Add(1)
		p.mu.Unlock()

		p.log.Debug("subscriber connected", zap.Stringer("peer", conn.RemoteMultiaddr()))
		go p.writeLoop(peer)
	}
}

func (p *tcpPublisher) writeLoop(peer *tcpPeer) {
	defer p.wg.Done()
	w := msgio.NewVarintWriter(peer.conn)
	for frame := range peer.out {
		if err := w.WriteMsg(frame); err != nil {
			p.log.Debug("subscriber dropped", zap.Stringer("peer", peer.conn.RemoteMultiaddr()), zap.Error(err))
			p.removePeer(peer)
			// drain until removePeer's close of out lands
			for range peer.out {
			}
			return
		}
	}
}

func (p *tcpPublisher) removePeer(peer *tcpPeer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[peer]; !ok {
		return
	}
	delete(p.peers, peer)
	close(peer.out)
	_ = peer.conn.Close()
}

func (p *tcpPublisher) Send(frame []byte) bool {
	if len(frame) > MaxFrameSize {
		p.log.Warn("frame too large, not sent", zap.Int("size", len(frame)))
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	for peer := range p.peers {
		select {
		case peer.out <- frame:
		default:
			p.log.Debug("send queue full, frame dropped", zap.Stringer("peer", peer.conn.RemoteMultiaddr()))
		}
	}
	return true
}

func (p *tcpPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	err := p.listener.Close()
	for peer := range p.peers {
		delete(p.peers, peer)
		close(peer.out)
		_ = peer.conn.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Debug("publisher closed")
	return err
}

type tcpSubscriber struct {
	opts   TCPOptions
	log    *zap.Logger
	addr   ma.Multiaddr
	frames chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn manet.Conn
}

func (s *tcpSubscriber) Multiaddr() ma.Multiaddr { return s.addr }

func (s *tcpSubscriber) Frames() <-chan []byte { return s.frames }

// run keeps a connection to the publisher, redialing after failures, until
// the subscriber is closed.
func (s *tcpSubscriber) run() {
	defer s.wg.Done()
	defer close(s.frames)

	dialer := &manet.Dialer{}
	for {
		dialCtx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
		conn, err := dialer.DialContext(dialCtx, s.addr)
		cancel()
		if err == nil {
			s.log.Debug("connected")
			s.readLoop(conn)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.opts.ReconnectInterval):
		}
	}
}

func (s *tcpSubscriber) readLoop(conn manet.Conn) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := msgio.NewVarintReaderSize(conn, MaxFrameSize)
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Debug("connection lost", zap.Error(err))
			}
			return
		}
		frame := append([]byte(nil), msg...)
		r.ReleaseMsg(msg)
		select {
		case s.frames <- frame:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *tcpSubscriber) Close() error {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
