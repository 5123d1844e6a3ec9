// Package config holds the settings of a zeq node as read from a JSON file
// and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"zeq/internal/core/address"
	"zeq/internal/core/event"
	"zeq/internal/vocabulary"
)

// Discovery modes.
const (
	DiscoveryZeroconf = "zeroconf"
	DiscoveryMemory   = "memory"
	DiscoveryNone     = "none"
)

var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration written as a string ("250ms") or as
// nanoseconds in JSON.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

type Config struct {
	Log       Log       `json:"log"`
	Publish   string    `json:"publish,omitempty"`
	Subscribe []string  `json:"subscribe,omitempty"`
	Discovery Discovery `json:"discovery"`
	Transport Transport `json:"transport"`
	Emit      Emit      `json:"emit"`
	// ReceiveTimeout bounds each Receive call of the node loop.
	ReceiveTimeout Duration `json:"receive_timeout"`
	Metrics        Metrics  `json:"metrics"`
	Gossip         Gossip   `json:"gossip"`
}

type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type Discovery struct {
	Mode       string   `json:"mode"`
	Timeout    Duration `json:"timeout"`
	Interfaces []string `json:"interfaces,omitempty"`
}

type Transport struct {
	ReconnectInterval Duration `json:"reconnect_interval"`
	DialTimeout       Duration `json:"dial_timeout"`
	SendQueue         int      `json:"send_queue"`
	RecvQueue         int      `json:"recv_queue"`
}

// Emit selects the events a publishing node sends every Interval.
type Emit struct {
	Interval  Duration `json:"interval"`
	Heartbeat bool     `json:"heartbeat"`
	Camera    bool     `json:"camera"`
	Echo      string   `json:"echo,omitempty"`
}

type Metrics struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `json:"addr,omitempty"`
}

type Gossip struct {
	Enabled         bool     `json:"enabled"`
	Listen          []string `json:"listen,omitempty"`
	Bootstrap       []string `json:"bootstrap,omitempty"`
	MDNS            bool     `json:"mdns"`
	Rendezvous      string   `json:"rendezvous,omitempty"`
	IdentityKeyFile string   `json:"identity_key_file,omitempty"`
	// Types are vocabulary names ("camera", "echo", ...) relayed to the mesh.
	Types []string `json:"types,omitempty"`
}

func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "console"},
		Discovery: Discovery{
			Mode:    DiscoveryZeroconf,
			Timeout: Duration(2 * time.Second),
		},
		Transport: Transport{
			ReconnectInterval: Duration(100 * time.Millisecond),
			DialTimeout:       Duration(time.Second),
			SendQueue:         1000,
			RecvQueue:         1000,
		},
		Emit:           Emit{Interval: Duration(time.Second), Heartbeat: true},
		ReceiveTimeout: Duration(100 * time.Millisecond),
		Gossip: Gossip{
			Listen: []string{"/ip4/0.0.0.0/tcp/0"},
			MDNS:   true,
			Types:  []string{"camera", "selection", "lookuptable1d", "echo"},
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if c.Publish != "" {
		a, err := address.Parse(c.Publish)
		if err != nil {
			return fmt.Errorf("%w: publish: %w", ErrInvalid, err)
		}
		if err := a.ValidateBind(); err != nil {
			return fmt.Errorf("%w: publish: %w", ErrInvalid, err)
		}
		if a.IsDiscovery() && c.Discovery.Mode == DiscoveryNone {
			return fmt.Errorf("%w: publish %s needs discovery", ErrInvalid, c.Publish)
		}
	}
	for _, s := range c.Subscribe {
		a, err := address.Parse(s)
		if err != nil {
			return fmt.Errorf("%w: subscribe: %w", ErrInvalid, err)
		}
		if err := a.ValidateConnect(); err != nil {
			return fmt.Errorf("%w: subscribe %s: %w", ErrInvalid, s, err)
		}
		if a.IsDiscovery() && c.Discovery.Mode == DiscoveryNone {
			return fmt.Errorf("%w: subscribe %s needs discovery", ErrInvalid, s)
		}
	}

	switch c.Discovery.Mode {
	case DiscoveryZeroconf, DiscoveryMemory, DiscoveryNone:
	default:
		return fmt.Errorf("%w: discovery mode %q", ErrInvalid, c.Discovery.Mode)
	}
	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("%w: discovery timeout must be positive", ErrInvalid)
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("%w: receive timeout must be positive", ErrInvalid)
	}
	if c.Transport.SendQueue < 0 || c.Transport.RecvQueue < 0 {
		return fmt.Errorf("%w: negative queue size", ErrInvalid)
	}
	if c.Emit.Interval <= 0 {
		return fmt.Errorf("%w: emit interval must be positive", ErrInvalid)
	}

	if c.Gossip.Enabled {
		if c.Publish == "" {
			return fmt.Errorf("%w: gossip needs a publish address", ErrInvalid)
		}
		if _, err := c.GossipTypes(); err != nil {
			return err
		}
	}
	return nil
}

// PublishScheme is the scheme of the publish address, used as the gossip
// topic suffix.
func (c Config) PublishScheme() string {
	a, err := address.Parse(c.Publish)
	if err != nil {
		return ""
	}
	return a.Scheme
}

// GossipTypes resolves Gossip.Types to event types.
func (c Config) GossipTypes() ([]event.Type, error) {
	if len(c.Gossip.Types) == 0 {
		return nil, fmt.Errorf("%w: gossip needs at least one type", ErrInvalid)
	}
	out := make([]event.Type, 0, len(c.Gossip.Types))
	for _, name := range c.Gossip.Types {
		t, ok := vocabulary.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown gossip type %q", ErrInvalid, name)
		}
		out = append(out, t)
	}
	return out, nil
}
