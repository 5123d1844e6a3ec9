// Package address parses and validates the scheme://host[:port] addresses
// brokers bind and subscribe to.
//
// An empty host selects discovery mode, where the concrete endpoint is found
// through a discovery registry. The wildcard host "*" means every local
// interface and is only legal when binding.
package address

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// Wildcard is the host marker for binding on all interfaces.
const Wildcard = "*"

var (
	// ErrMalformed is returned by Parse for strings that are not
	// scheme://host[:port].
	ErrMalformed = errors.New("malformed address")
	// ErrInvalidAddress rejects a bind address with a concrete host, or a
	// wildcard host without a port.
	ErrInvalidAddress = errors.New("invalid bind address")
	// ErrWildcardHost rejects connecting to "*".
	ErrWildcardHost = errors.New("wildcard host is not connectable")
	// ErrMissingPort rejects a concrete host without a port.
	ErrMissingPort = errors.New("address has no port")
)

// Address is a parsed broker address. A zero Port means the port is unset.
type Address struct {
	Scheme string
	Host   string
	Port   uint16
}

// Parse parses s in the form scheme://host[:port]. Scheme and host are
// lowercased, so addresses differing only in case compare equal.
func Parse(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	if u.Scheme == "" {
		return Address{}, fmt.Errorf("%w: %q: missing scheme", ErrMalformed, s)
	}
	if u.Opaque != "" || u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return Address{}, fmt.Errorf("%w: %q: only scheme, host and port are allowed", ErrMalformed, s)
	}

	a := Address{Scheme: u.Scheme, Host: strings.ToLower(u.Hostname())}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return Address{}, fmt.Errorf("%w: %q: bad port %q", ErrMalformed, s, p)
		}
		a.Port = uint16(port)
	}
	return a, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	host := a.Host
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	if a.Port == 0 {
		return a.Scheme + "://" + host
	}
	return a.Scheme + "://" + host + ":" + strconv.Itoa(int(a.Port))
}

// IsDiscovery reports whether the address leaves the host to service discovery.
func (a Address) IsDiscovery() bool { return a.Host == "" }

func (a Address) IsWildcard() bool { return a.Host == Wildcard }

// IsConcrete reports whether the address names a connectable endpoint.
func (a Address) IsConcrete() bool {
	return a.Host != "" && a.Host != Wildcard && a.Port != 0
}

// ValidateBind checks a in the publisher role: the host must be empty or the
// wildcard, and a wildcard needs an explicit port.
func (a Address) ValidateBind() error {
	switch {
	case a.IsDiscovery():
		return nil
	case a.IsWildcard():
		if a.Port == 0 {
			return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, a, ErrMissingPort)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s: host must be empty or %q", ErrInvalidAddress, a, Wildcard)
	}
}

// ValidateConnect checks a in the subscriber role.
func (a Address) ValidateConnect() error {
	switch {
	case a.IsWildcard():
		return ErrWildcardHost
	case a.IsDiscovery():
		return nil
	case a.Port == 0:
		return ErrMissingPort
	}
	return nil
}

// Multiaddr returns the TCP multiaddr for a concrete or wildcard address.
func (a Address) Multiaddr() (ma.Multiaddr, error) {
	if a.Port == 0 {
		return nil, ErrMissingPort
	}
	var s string
	switch ip := net.ParseIP(a.Host); {
	case a.IsWildcard():
		s = "/ip4/0.0.0.0"
	case a.IsDiscovery():
		return nil, fmt.Errorf("%w: %s: discovery address has no endpoint", ErrMalformed, a)
	case ip == nil:
		s = "/dns/" + a.Host
	case ip.To4() != nil:
		s = "/ip4/" + ip.String()
	default:
		s = "/ip6/" + ip.String()
	}
	return ma.NewMultiaddr(s + "/tcp/" + strconv.Itoa(int(a.Port)))
}

// FromMultiaddr builds an address in scheme from a TCP multiaddr.
func FromMultiaddr(scheme string, m ma.Multiaddr) (Address, error) {
	var host string
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6} {
		if v, err := m.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return Address{}, fmt.Errorf("%w: %s: no host component", ErrMalformed, m)
	}
	if host == "0.0.0.0" || host == "::" {
		host = Wildcard
	}
	p, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s: no tcp component", ErrMalformed, m)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s: %v", ErrMalformed, m, err)
	}
	return Address{Scheme: scheme, Host: host, Port: uint16(port)}, nil
}
