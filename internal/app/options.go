package app

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/metrics"
)

const eventBuffer = 256

type options struct {
	log             zerolog.Logger
	clock           clock.Clock
	metrics         *metrics.Metrics
	rnd             *rand.Rand
	leaderboardSize int
	banks           BankLoader
	reconnect       func() backoff.BackOff
}

// Option configures a Controller or an Agent.
type Option func(*options)

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRand seeds shuffling; tests pass a fixed source.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rnd = r }
}

func WithLeaderboardSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.leaderboardSize = n
		}
	}
}

func WithBankLoader(l BankLoader) Option {
	return func(o *options) { o.banks = l }
}

// WithReconnectBackoff sets the retry policy the agent uses after losing its controller link.
func WithReconnectBackoff(f func() backoff.BackOff) Option {
	return func(o *options) { o.reconnect = f }
}

func buildOptions(opts []Option) options {
	o := options{
		log:             zerolog.Nop(),
		clock:           clock.New(),
		leaderboardSize: domain.DefaultLeaderboardSize,
		reconnect:       defaultReconnectBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNop()
	}
	if o.rnd == nil {
		o.rnd = rand.New(rand.NewSource(o.clock.Now().UnixNano()))
	}
	return o
}

func defaultReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// command is a request from outside the event loop. fn runs on the loop.
type command struct {
	name     string
	readOnly bool
	fn       func() (any, error)
	reply    chan commandResult
}

type commandResult struct {
	value any
	err   error
}
