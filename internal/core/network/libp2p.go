package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	// DefaultRendezvous is the mDNS service name mesh nodes find each other by.
	DefaultRendezvous = "zeq-mesh"
	defaultListenAddr = "/ip4/0.0.0.0/tcp/0"
	subscriberQueue   = 64
)

// Libp2pOptions configures the libp2p mesh node.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	// MaxMessageSize raises the GossipSub message limit; zero keeps the
	// library default.
	MaxMessageSize int
	// Validate, if set, is run on every payload before it is delivered or
	// forwarded. Payloads it rejects are dropped by the whole mesh, and a
	// local Publish of one fails.
	Validate func(payload []byte) error
	Logger   *zap.Logger
}

// Libp2pPubSub is a GossipSub mesh node.
type Libp2pPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	host     host.Host
	ps       *pubsub.PubSub
	mdns     mdns.Service
	validate func([]byte) error

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewLibp2pPubSub starts a mesh node, dials the bootstrap peers and, when
// enabled, looks for other nodes over mDNS. Unusable bootstrap entries are
// logged and skipped.
func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	listen, err := parseListenAddrs(opts.ListenAddrs)
	if err != nil {
		return nil, err
	}
	hostOpts := []libp2p.Option{libp2p.ListenAddrs(listen...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(key))
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	var psOpts []pubsub.Option
	if opts.MaxMessageSize > 0 {
		psOpts = append(psOpts, pubsub.WithMaxMessageSize(opts.MaxMessageSize))
	}
	ctx, cancel := context.WithCancel(parent)
	ps, err := pubsub.NewGossipSub(ctx, h, psOpts...)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	p := &Libp2pPubSub{
		ctx:      ctx,
		cancel:   cancel,
		log:      log.Named("mesh").With(zap.Stringer("peer", h.ID())),
		host:     h,
		ps:       ps,
		validate: opts.Validate,
		topics:   make(map[string]*pubsub.Topic),
	}
	if opts.EnableMDNS {
		p.startMDNS(opts.Rendezvous)
	}
	p.connectBootstrap(opts.Bootstrap)

	p.log.Info("mesh node started", zap.Strings("addrs", p.ListenAddrs()))
	return p, nil
}

func parseListenAddrs(raw []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		out = append(out, ma.StringCast(defaultListenAddr))
	}
	return out, nil
}

func (p *Libp2pPubSub) startMDNS(rendezvous string) {
	if rendezvous == "" {
		rendezvous = DefaultRendezvous
	}
	svc := mdns.NewMdnsService(p.host, rendezvous, &mdnsNotifee{host: p.host, log: p.log})
	if err := svc.Start(); err != nil {
		// the mesh still works through bootstrap peers
		p.log.Warn("mdns start failed", zap.String("rendezvous", rendezvous), zap.Error(err))
		return
	}
	p.mdns = svc
}

func (p *Libp2pPubSub) connectBootstrap(addrs []string) {
	for _, raw := range addrs {
		if raw == "" {
			continue
		}
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			p.log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		if err := p.host.Connect(p.ctx, *info); err != nil {
			p.log.Warn("bootstrap connect failed", zap.Stringer("bootstrap", info.ID), zap.Error(err))
			continue
		}
		p.log.Info("connected bootstrap peer", zap.Stringer("bootstrap", info.ID))
	}
}

func (p *Libp2pPubSub) ID() string { return p.host.ID().String() }

func (p *Libp2pPubSub) Publish(topic string, payload []byte) error {
	t, err := p.topic(topic)
	if err != nil {
		return err
	}
	return t.Publish(p.ctx, payload)
}

// Subscribe delivers the topic's messages, this node's own included. A full
// queue drops messages rather than stall the GossipSub router.
func (p *Libp2pPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	t, err := p.topic(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan Message, subscriberQueue)
	ctx, cancel := context.WithCancel(p.ctx)
	go p.deliver(ctx, sub, out)
	return out, func() {
		cancel()
		sub.Cancel()
	}, nil
}

func (p *Libp2pPubSub) deliver(ctx context.Context, sub *pubsub.Subscription, out chan<- Message) {
	defer close(out)
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		m := Message{
			Topic:   sub.Topic(),
			From:    msg.GetFrom().String(),
			Payload: append([]byte(nil), msg.Data...),
		}
		select {
		case out <- m:
		default:
			p.log.Debug("subscriber queue full, message dropped", zap.String("topic", m.Topic), zap.String("from", m.From))
		}
	}
}

func (p *Libp2pPubSub) Close() error {
	p.cancel()
	if p.mdns != nil {
		_ = p.mdns.Close()
	}
	p.mu.Lock()
	for name, t := range p.topics {
		_ = t.Close()
		_ = p.ps.UnregisterTopicValidator(name)
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	return p.host.Close()
}

// ListenAddrs returns the node's dialable addresses including its peer id,
// suitable for other nodes' Bootstrap lists.
func (p *Libp2pPubSub) ListenAddrs() []string {
	info := peer.AddrInfo{ID: p.host.ID(), Addrs: p.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

// topic joins name on first use and installs the payload validator.
func (p *Libp2pPubSub) topic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	if p.validate != nil {
		err := p.ps.RegisterTopicValidator(name, func(_ context.Context, from peer.ID, msg *pubsub.Message) bool {
			if err := p.validate(msg.Data); err != nil {
				p.log.Debug("rejected mesh message", zap.String("topic", name), zap.Stringer("from", from), zap.Error(err))
				return false
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("validator for %s: %w", name, err)
		}
	}
	t, err := p.ps.Join(name)
	if err != nil {
		if p.validate != nil {
			_ = p.ps.UnregisterTopicValidator(name)
		}
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	p.topics[name] = t
	return t, nil
}

type mdnsNotifee struct {
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Debug("mdns connect failed", zap.Stringer("found", info.ID), zap.Error(err))
		return
	}
	n.log.Info("mdns peer connected", zap.Stringer("found", info.ID))
}

// loadOrCreateIdentityKey keeps the node's peer id stable across restarts so
// that bootstrap lists pointing at it stay valid.
func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
