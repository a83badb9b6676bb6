package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

// Registry is a process-local rendezvous directory. Seeded entries let a LAN
// room run from a fixed peer list without a registry service.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]string
}

func NewRegistry(seed map[string]string) *Registry {
	peers := make(map[string]string, len(seed))
	for id, addr := range seed {
		peers[id] = addr
	}
	return &Registry{peers: peers}
}

func (r *Registry) Register(_ context.Context, id, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.peers[id]; ok && owner != addr {
		return fmt.Errorf("%w: %s", domain.ErrIdentityTaken, id)
	}
	r.peers[id] = addr
	return nil
}

func (r *Registry) Resolve(_ context.Context, id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
	}
	return addr, nil
}

func (r *Registry) Unregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	return nil
}

func (r *Registry) Ping(context.Context) error {
	return nil
}
