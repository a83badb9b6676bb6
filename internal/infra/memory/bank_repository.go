package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"golang.org/x/sync/singleflight"
)

// BankRepository caches banks with TTL to avoid repeated loader hits.
type BankRepository struct {
	loader app.BankLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedBank
}

type cachedBank struct {
	bank      domain.Bank
	expiresAt time.Time
}

func NewBankRepository(loader app.BankLoader, ttl time.Duration) *BankRepository {
	return &BankRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedBank),
	}
}

func (r *BankRepository) LoadBank(ctx context.Context, bankID string) (domain.Bank, error) {
	if bank, ok := r.cached(bankID, r.clock()); ok {
		return bank, nil
	}

	result, err, _ := r.sf.Do(bankID, func() (interface{}, error) {
		now := r.clock()
		if bank, ok := r.cached(bankID, now); ok {
			return bank, nil
		}

		bank, err := r.loader.LoadBank(ctx, bankID)
		if err != nil {
			return domain.Bank{}, err
		}

		ttl := r.ttlWithJitter()
		r.mu.Lock()
		r.cache[bankID] = cachedBank{bank: bank, expiresAt: now.Add(ttl)}
		r.mu.Unlock()
		return bank, nil
	})
	if err != nil {
		return domain.Bank{}, err
	}
	return cloneBank(result.(domain.Bank)), nil
}

func (r *BankRepository) cached(bankID string, now time.Time) (domain.Bank, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[bankID]
	if !ok || !entry.expiresAt.After(now) {
		return domain.Bank{}, false
	}
	return cloneBank(entry.bank), true
}

// cloneBank copies the question slice so callers cannot mutate the cache.
func cloneBank(b domain.Bank) domain.Bank {
	qs := make([]domain.Question, len(b.Questions))
	for i, q := range b.Questions {
		q.Options = append([]string(nil), q.Options...)
		qs[i] = q
	}
	b.Questions = qs
	return b
}

func (r *BankRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// up to 10% jitter spreads expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticBankLoader serves banks from an in-memory map (tests, demos, offline rooms).
type StaticBankLoader struct {
	banks map[string]domain.Bank
}

func NewStaticBankLoader(banks map[string]domain.Bank) *StaticBankLoader {
	return &StaticBankLoader{banks: banks}
}

func (l *StaticBankLoader) LoadBank(_ context.Context, bankID string) (domain.Bank, error) {
	if bank, ok := l.banks[bankID]; ok {
		return bank, nil
	}
	return domain.Bank{}, fmt.Errorf("%w: %s", domain.ErrBankNotFound, bankID)
}

// DemoBankID names the built-in bank.
const DemoBankID = "demo"

// DefaultBanks is the built-in demo bank for sessions without a bank source.
func DefaultBanks() map[string]domain.Bank {
	return map[string]domain.Bank{
		DemoBankID: {
			ID:    DemoBankID,
			Title: "Manual Test Session",
			Questions: []domain.Question{
				{
					ID:               "d1",
					Text:             "Why do programmers prefer dark mode?",
					Options:          []string{"It looks cool", "It saves battery", "Light attracts bugs", "They are nocturnal"},
					CorrectIndex:     2,
					TimeLimitSeconds: 20,
					Version:          1,
				},
				{
					ID:               "d2",
					Text:             `What is the "Answer to the Ultimate Question of Life, the Universe, and Everything"?`,
					Options:          []string{"Pizza", "42", "Money", "Sleep"},
					CorrectIndex:     1,
					TimeLimitSeconds: 15,
					Version:          1,
				},
				{
					ID:               "d3",
					Text:             "Which of these is a real programming language named after a gemstone?",
					Options:          []string{"Diamond", "Ruby", "Emerald", "Sapphire"},
					CorrectIndex:     1,
					TimeLimitSeconds: 20,
					Version:          1,
				},
				{
					ID:               "d4",
					Text:             "How many legs does a spider have?",
					Options:          []string{"6", "8", "10", "None"},
					CorrectIndex:     1,
					TimeLimitSeconds: 10,
					Version:          1,
				},
				{
					ID:               "d5",
					Text:             `What happens if you type "do a barrel roll" in Google search?`,
					Options:          []string{"Google crashes", "Nothing", "The page rotates 360°", "It shows airplanes"},
					CorrectIndex:     2,
					TimeLimitSeconds: 25,
					Version:          1,
				},
			},
		},
	}
}
