package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/protocol"
)

const memoryQueueSize = 1024

var errTransportClosed = errors.New("transport closed")

// MemoryNetwork is an in-process rendezvous for MemoryTransports. It stands in
// for the signaling service: identities register here and links are opened by
// looking them up.
type MemoryNetwork struct {
	mu           sync.RWMutex
	nodes        map[string]*MemoryTransport
	signalingUp  bool
	unresponsive map[string]bool
}

// NewMemoryNetwork creates a network with signaling available.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes:        make(map[string]*MemoryTransport),
		signalingUp:  true,
		unresponsive: make(map[string]bool),
	}
}

// CreateTransport returns an uninitialized transport attached to the network.
func (n *MemoryNetwork) CreateTransport() *MemoryTransport {
	return &MemoryTransport{
		network: n,
		links:   make(map[string]*memoryLink),
	}
}

// SetSignaling toggles signaling availability for future Initialize calls and health checks.
func (n *MemoryNetwork) SetSignaling(up bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signalingUp = up
}

// SetUnresponsive makes connects to id hang until the caller's deadline.
func (n *MemoryNetwork) SetUnresponsive(id string, v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unresponsive[id] = v
}

func (n *MemoryNetwork) lookup(id string) (*MemoryTransport, bool, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[id]
	return t, ok, n.unresponsive[id]
}

// MemoryTransport is a Transport whose links are in-process queues.
type MemoryTransport struct {
	network *MemoryNetwork

	mu      sync.RWMutex
	id      string
	handler LinkHandler
	links   map[string]*memoryLink
	closed  bool
}

// memoryLink is the receiving half of a link: envelopes from remote are queued
// and delivered to the local handler by one goroutine, preserving order.
type memoryLink struct {
	remote *MemoryTransport
	queue  chan protocol.Envelope
	once   sync.Once
}

func (l *memoryLink) close() {
	l.once.Do(func() { close(l.queue) })
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Initialize(_ context.Context, preferredID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id != "" {
		return t.id
	}

	n := t.network
	n.mu.Lock()
	defer n.mu.Unlock()

	id := preferredID
	if id == "" {
		id = uuid.NewString()
	}
	if _, taken := n.nodes[id]; !n.signalingUp || taken {
		t.id = OfflineIdentity()
		return t.id
	}
	n.nodes[id] = t
	t.id = id
	return id
}

func (t *MemoryTransport) ConnectTo(ctx context.Context, peerID string) error {
	t.mu.RLock()
	self, closed := t.id, t.closed
	_, linked := t.links[peerID]
	t.mu.RUnlock()
	switch {
	case closed:
		return errTransportClosed
	case self == "" || domain.IsOfflineIdentity(self):
		return fmt.Errorf("%w: no signaling identity", domain.ErrTransportUnavailable)
	case linked:
		return nil
	}

	remote, ok, hang := t.network.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, peerID)
	}
	if hang {
		<-ctx.Done()
		return fmt.Errorf("%w: %s: %v", domain.ErrLinkTimeout, peerID, ctx.Err())
	}

	// Local half first: the remote may start sending as soon as it sees the link.
	if err := t.attach(remote); err != nil {
		return err
	}
	if err := remote.attach(t); err != nil {
		t.detach(peerID, err)
		return err
	}
	return nil
}

// attach installs the receiving half for envelopes coming from remote.
func (t *MemoryTransport) attach(remote *MemoryTransport) error {
	remoteID := remote.Identity()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	if _, ok := t.links[remoteID]; ok {
		t.mu.Unlock()
		return nil
	}
	link := &memoryLink{remote: remote, queue: make(chan protocol.Envelope, memoryQueueSize)}
	t.links[remoteID] = link
	handler := t.handler
	t.mu.Unlock()

	go func() {
		for env := range link.queue {
			if handler != nil {
				handler.Receive(remoteID, env)
			}
		}
	}()
	if handler != nil {
		handler.LinkOpened(remoteID)
	}
	return nil
}

// detach drops the link to remoteID and reports it closed.
func (t *MemoryTransport) detach(remoteID string, cause error) bool {
	t.mu.Lock()
	link, ok := t.links[remoteID]
	if ok {
		delete(t.links, remoteID)
		link.close()
	}
	handler := t.handler
	t.mu.Unlock()
	if ok && handler != nil {
		handler.LinkClosed(remoteID, cause)
	}
	return ok
}

func (t *MemoryTransport) Send(peerID string, env protocol.Envelope) error {
	t.mu.RLock()
	link, ok := t.links[peerID]
	self := t.id
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no link to %s", peerID)
	}

	remote := link.remote
	remote.mu.RLock()
	defer remote.mu.RUnlock()
	in, ok := remote.links[self]
	if !ok {
		return fmt.Errorf("link to %s closed", peerID)
	}
	payload := append([]byte(nil), env.Payload...)
	select {
	case in.queue <- protocol.Envelope{Kind: env.Kind, Payload: payload}:
		return nil
	default:
		return fmt.Errorf("link to %s congested", peerID)
	}
}

func (t *MemoryTransport) Disconnect(peerID string) error {
	t.mu.RLock()
	link, ok := t.links[peerID]
	self := t.id
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	t.detach(peerID, nil)
	link.remote.detach(self, nil)
	return nil
}

func (t *MemoryTransport) SetHandler(h LinkHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MemoryTransport) Identity() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

func (t *MemoryTransport) Healthy() bool {
	t.mu.RLock()
	id, closed := t.id, t.closed
	t.mu.RUnlock()
	if closed || id == "" || domain.IsOfflineIdentity(id) {
		return false
	}
	t.network.mu.RLock()
	defer t.network.mu.RUnlock()
	return t.network.signalingUp
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	peers := make([]string, 0, len(t.links))
	for id := range t.links {
		peers = append(peers, id)
	}
	id := t.id
	t.mu.Unlock()

	for _, p := range peers {
		_ = t.Disconnect(p)
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.network.mu.Lock()
	if t.network.nodes[id] == t {
		delete(t.network.nodes, id)
	}
	t.network.mu.Unlock()
	return nil
}
