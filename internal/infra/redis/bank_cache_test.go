package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/infra/memory"
)

func TestBankCacheCachesInRedis(t *testing.T) {
	mr, client := newServer(t)

	loader := &countingLoader{StaticBankLoader: memory.NewStaticBankLoader(memory.DefaultBanks())}
	repo := NewBankCache(client, loader, time.Minute)

	bank, err := repo.LoadBank(context.Background(), memory.DemoBankID)
	if err != nil {
		t.Fatalf("load bank: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls.Load())
	}
	if !mr.Exists("peermesh:bank:demo") {
		t.Fatalf("expected bank key to be set")
	}
	if ttl := mr.TTL("peermesh:bank:demo"); ttl < time.Minute || ttl > time.Minute+6*time.Second {
		t.Fatalf("ttl with jitter out of range: %s", ttl)
	}

	// Second call should hit cache, loader not incremented.
	again, err := repo.LoadBank(context.Background(), memory.DemoBankID)
	if err != nil {
		t.Fatalf("load cached bank: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls.Load())
	}
	if len(again.Questions) != len(bank.Questions) || again.Questions[1].Options[1] != "42" {
		t.Fatalf("cached bank differs: %+v", again)
	}

	if err := repo.Invalidate(context.Background(), memory.DemoBankID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, _ = repo.LoadBank(context.Background(), memory.DemoBankID)
	if loader.calls.Load() != 2 {
		t.Fatalf("expected reload after invalidate, loader calls=%d", loader.calls.Load())
	}
}

func TestBankCacheReloadsCorruptEntry(t *testing.T) {
	mr, client := newServer(t)
	if err := mr.Set("peermesh:bank:demo", "{broken"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	loader := &countingLoader{StaticBankLoader: memory.NewStaticBankLoader(memory.DefaultBanks())}
	repo := NewBankCache(client, loader, time.Minute)

	if _, err := repo.LoadBank(context.Background(), memory.DemoBankID); err != nil {
		t.Fatalf("load bank: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected corrupt entry to miss, loader calls=%d", loader.calls.Load())
	}
}

func TestBankCacheUnknownBank(t *testing.T) {
	mr, client := newServer(t)
	repo := NewBankCache(client, memory.NewStaticBankLoader(nil), time.Minute)

	_, err := repo.LoadBank(context.Background(), "missing")
	if !errors.Is(err, domain.ErrBankNotFound) {
		t.Fatalf("expected ErrBankNotFound, got %v", err)
	}
	if mr.Exists("peermesh:bank:missing") {
		t.Fatalf("failed loads must not be cached")
	}
}

type countingLoader struct {
	*memory.StaticBankLoader
	calls atomic.Int32
}

func (l *countingLoader) LoadBank(ctx context.Context, bankID string) (domain.Bank, error) {
	l.calls.Add(1)
	return l.StaticBankLoader.LoadBank(ctx, bankID)
}

func newServer(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}
