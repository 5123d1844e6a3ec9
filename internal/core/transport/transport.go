// Package transport provides the sockets brokers publish and subscribe on.
//
// A Publisher binds an address and fans every frame out to all connected
// subscribers. A Subscriber connects to a publisher address and delivers the
// frames it receives in send order. Subscribers connect lazily, so they may be
// created before the publisher they point at is bound.
package transport

import (
	"context"
	"errors"
	"reflect"

	ma "github.com/multiformats/go-multiaddr"
)

// MaxFrameSize bounds a single frame on the wire. Publishers refuse larger
// frames and subscribers drop the connection on one.
const MaxFrameSize = 4 << 20

// ErrClosed is returned by operations on a closed socket.
var ErrClosed = errors.New("transport closed")

// Transport opens publisher and subscriber sockets.
type Transport interface {
	Bind(ctx context.Context, addr ma.Multiaddr) (Publisher, error)
	Connect(ctx context.Context, addr ma.Multiaddr) (Subscriber, error)
}

// Publisher is a bound socket fanning frames out to its subscribers.
type Publisher interface {
	// Multiaddr returns the bound address, with the real port if the
	// requested one was 0.
	Multiaddr() ma.Multiaddr
	// Send queues frame for every connected subscriber. It reports false if
	// the publisher is closed or frame is larger than MaxFrameSize.
	Send(frame []byte) bool
	Close() error
}

// Subscriber is a connection to one publisher address.
type Subscriber interface {
	// Multiaddr returns the publisher address the subscriber connects to.
	Multiaddr() ma.Multiaddr
	// Frames yields received frames. It is closed by Close.
	Frames() <-chan []byte
	Close() error
}

// Poll waits on all subscribers at once and returns the first frame to
// arrive. It reports false if ctx ends first.
func Poll(ctx context.Context, subs []Subscriber) ([]byte, bool) {
	cases := make([]reflect.SelectCase, 0, len(subs)+1)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	for _, s := range subs {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.Frames())})
	}

	for {
		chosen, v, ok := reflect.Select(cases)
		if chosen == 0 {
			return nil, false
		}
		if !ok {
			// closed subscriber; a nil channel never fires
			cases[chosen].Chan = reflect.ValueOf((<-chan []byte)(nil))
			continue
		}
		return v.Bytes(), true
	}
}
