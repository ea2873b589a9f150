package node

import (
	"errors"
	"sync"
)

// ErrEmptyPool is returned by NextNode when the pool has no nodes.
var ErrEmptyPool = errors.New("node pool is empty")

// Pool hands out nodes in round-robin order. For a given sequence of NextNode
// calls the distribution is always the same.
type Pool struct {
	mu    sync.Mutex
	nodes []Node
	next  int // Index of the node NextNode returns next
}

// NewPool creates a pool over nodes, in the given order.
func NewPool(nodes ...Node) *Pool {
	return &Pool{nodes: append([]Node(nil), nodes...)}
}

// Add appends a node to the end of the rotation.
func (p *Pool) Add(n Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = append(p.nodes, n)
}

// NextNode returns the next node in the rotation, wrapping around at the end.
func (p *Pool) NextNode() (Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.nodes) == 0 {
		return nil, ErrEmptyPool
	}
	if p.next >= len(p.nodes) {
		p.next = 0
	}
	n := p.nodes[p.next]
	p.next = (p.next + 1) % len(p.nodes)
	return n, nil
}

// Lookup finds a node by name.
func (p *Pool) Lookup(name string) (Node, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		if n.Name() == name {
			return n, true
		}
	}
	return nil, false
}

// Names returns the node names in rotation order.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.nodes))
	for i, n := range p.nodes {
		names[i] = n.Name()
	}
	return names
}

// Len returns the number of nodes in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes)
}
