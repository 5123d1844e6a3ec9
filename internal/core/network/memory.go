package network

import (
	"errors"
	"sync"
)

var ErrMeshClosed = errors.New("mesh node closed")

// MemoryMesh is a process-local mesh for tests. Nodes joined to the same
// mesh see each other's messages.
type MemoryMesh struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*memorySub
}

type memorySub struct {
	node *MemoryNode
	ch   chan Message
}

func NewMemoryMesh() *MemoryMesh {
	return &MemoryMesh{subs: make(map[string]map[int]*memorySub)}
}

// Join adds a node named id to the mesh.
func (m *MemoryMesh) Join(id string) *MemoryNode {
	return &MemoryNode{mesh: m, id: id}
}

// MemoryNode is one participant of a MemoryMesh.
type MemoryNode struct {
	mesh *MemoryMesh
	id   string

	mu     sync.Mutex
	closed bool
}

func (n *MemoryNode) ID() string { return n.id }

func (n *MemoryNode) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *MemoryNode) Publish(topic string, payload []byte) error {
	if n.isClosed() {
		return ErrMeshClosed
	}
	m := n.mesh
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs[topic] {
		msg := Message{Topic: topic, From: n.id, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
	return nil
}

func (n *MemoryNode) Subscribe(topic string) (<-chan Message, func(), error) {
	if n.isClosed() {
		return nil, nil, ErrMeshClosed
	}
	m := n.mesh
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]*memorySub)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, 64)
	m.subs[topic][id] = &memorySub{node: n, ch: ch}

	cancel := func() { m.unsubscribe(topic, id) }
	return ch, cancel, nil
}

func (m *MemoryMesh) unsubscribe(topic string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subsByTopic, ok := m.subs[topic]; ok {
		if sub, exists := subsByTopic[id]; exists {
			delete(subsByTopic, id)
			close(sub.ch)
		}
		if len(subsByTopic) == 0 {
			delete(m.subs, topic)
		}
	}
}

// Close cancels every subscription of the node.
func (n *MemoryNode) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	m := n.mesh
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, subsByTopic := range m.subs {
		for id, sub := range subsByTopic {
			if sub.node == n {
				delete(subsByTopic, id)
				close(sub.ch)
			}
		}
		if len(subsByTopic) == 0 {
			delete(m.subs, topic)
		}
	}
	return nil
}
