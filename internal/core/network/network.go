// Package network is the gossip mesh used to relay zeq events between
// sites that service discovery cannot reach.
package network

// Message is a frame received from the mesh.
type Message struct {
	Topic   string
	From    string
	Payload []byte
}

// PubSub is a broadcast mesh. Subscribers also see messages published by
// their own node; From tells them apart.
type PubSub interface {
	// ID identifies this node in Message.From.
	ID() string
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}
