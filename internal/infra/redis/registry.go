package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

// Registry is the rendezvous directory for websocket peers.
// Entries are stored as: SET peermesh:peer:{id} {addr} EX ttl
// Owners re-register before the ttl runs out; a crashed node drops out on expiry.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRegistry(client *redis.Client, ttl time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl}
}

// Register claims id for addr, or refreshes the claim if addr already owns it.
func (r *Registry) Register(ctx context.Context, id, addr string) error {
	key := r.key(id)
	ok, err := r.client.SetNX(ctx, key, addr, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	if ok {
		return nil
	}
	owner, err := r.client.Get(ctx, key).Result()
	switch {
	case isMiss(err):
		// Expired between the two calls.
		return r.Register(ctx, id, addr)
	case err != nil:
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	case owner != addr:
		return fmt.Errorf("%w: %s", domain.ErrIdentityTaken, id)
	}
	return r.client.Expire(ctx, key, r.ttl).Err()
}

func (r *Registry) Resolve(ctx context.Context, id string) (string, error) {
	addr, err := r.client.Get(ctx, r.key(id)).Result()
	if isMiss(err) {
		return "", fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return addr, nil
}

func (r *Registry) Unregister(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Registry) key(id string) string {
	return "peermesh:peer:" + id
}
