package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore keeps node snapshots as plain Redis strings. A positive ttl lets
// an abandoned session expire on its own; every save refreshes it.
type SnapshotStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSnapshotStore(client *redis.Client, prefix string, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *SnapshotStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if isMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *SnapshotStore) Save(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, s.key(key), data, s.ttl).Err()
}

func (s *SnapshotStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *SnapshotStore) key(key string) string {
	return s.prefix + key
}
