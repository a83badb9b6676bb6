package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/metrics"
	"github.com/UtilityDD/peermesh-exam-system/internal/protocol"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultHealthInterval = 5 * time.Second
)

// Handlers routes decoded messages by kind. Nil entries drop the kind with a debug log.
type Handlers struct {
	Join         func(from string, m protocol.Join)
	Question     func(from string, m protocol.Question)
	Response     func(from string, m protocol.Response)
	Ack          func(from string, m protocol.Ack)
	Integrity    func(from string, m protocol.Integrity)
	Heartbeat    func(from string, m protocol.Heartbeat)
	Results      func(from string, m protocol.Results)
	SessionEnded func(from string, m protocol.SessionEnded)

	PeerUp   func(peerID string)
	PeerDown func(peerID string)
	// Health is called when the sampled transport health flips.
	Health func(healthy bool)
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

// Manager owns the live link set on top of a Transport.
type Manager struct {
	transport      Transport
	log            zerolog.Logger
	clock          clock.Clock
	metrics        *metrics.Metrics
	connectTimeout time.Duration
	healthInterval time.Duration
	sf             singleflight.Group

	mu       sync.RWMutex
	links    map[string]struct{}
	handlers Handlers

	healthy atomic.Bool
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewManager wraps t. Call Start before use.
func NewManager(t Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:      t,
		log:            zerolog.Nop(),
		clock:          clock.New(),
		connectTimeout: DefaultConnectTimeout,
		healthInterval: DefaultHealthInterval,
		links:          make(map[string]struct{}),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NewNop()
	}
	return m
}

// Start initializes the transport and begins health sampling. It returns the node identity,
// which is an offline identity when signaling could not be reached.
func (m *Manager) Start(ctx context.Context, preferredID string) string {
	m.transport.SetHandler(m)
	id := m.transport.Initialize(ctx, preferredID)
	if domain.IsOfflineIdentity(id) {
		m.log.Warn().Str("peer_id", id).Err(domain.ErrTransportUnavailable).Msg("signaling unreachable, running in offline mesh mode")
	} else {
		m.log.Info().Str("peer_id", id).Msg("peer identity registered")
	}
	m.sampleHealth()
	if m.started.CompareAndSwap(false, true) {
		go m.healthLoop(m.clock.Ticker(m.healthInterval))
	}
	return id
}

// OnMessage installs the dispatch table. It replaces any previous one.
func (m *Manager) OnMessage(h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
}

// Identity returns the transport identity.
func (m *Manager) Identity() string {
	return m.transport.Identity()
}

// Connect opens a link to peerID within the connect timeout. Concurrent calls for
// the same peer share one attempt.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	if m.IsLinked(peerID) {
		return nil
	}
	_, err, _ := m.sf.Do(peerID, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()

		m.log.Info().Str("peer", peerID).Msg("connecting")
		err := m.transport.ConnectTo(cctx, peerID)
		switch {
		case err == nil:
			return nil, nil
		case errors.Is(err, domain.ErrPeerNotFound), errors.Is(err, domain.ErrLinkTimeout):
			return nil, err
		case errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrLinkTimeout, peerID, m.connectTimeout)
		}
		return nil, err
	})
	if err != nil {
		m.log.Warn().Err(err).Str("peer", peerID).Msg("connect failed")
	}
	return err
}

// Send delivers msg to peerID if a link is live. It is fire-and-forget: a missing
// link is a no-op and a failing link is evicted.
func (m *Manager) Send(peerID string, msg protocol.Message) {
	if !m.IsLinked(peerID) {
		m.log.Debug().Str("peer", peerID).Str("kind", string(msg.Kind())).Msg("no live link, message skipped")
		return
	}
	env, err := protocol.Encode(msg)
	if err != nil {
		m.log.Error().Err(err).Str("kind", string(msg.Kind())).Msg("refusing to send invalid message")
		return
	}
	m.sendEnvelope(peerID, env)
}

// Broadcast sends msg to every live link.
func (m *Manager) Broadcast(msg protocol.Message) {
	env, err := protocol.Encode(msg)
	if err != nil {
		m.log.Error().Err(err).Str("kind", string(msg.Kind())).Msg("refusing to broadcast invalid message")
		return
	}
	for _, peer := range m.Peers() {
		m.sendEnvelope(peer, env)
	}
}

func (m *Manager) sendEnvelope(peerID string, env protocol.Envelope) {
	if err := m.transport.Send(peerID, env); err != nil {
		m.log.Warn().Err(err).Str("peer", peerID).Str("kind", string(env.Kind)).Msg("send failed, evicting link")
		m.metrics.MessagesDropped.WithLabelValues("send_error").Inc()
		m.evict(peerID)
		go func() { _ = m.transport.Disconnect(peerID) }()
		return
	}
	m.metrics.MessagesOut.WithLabelValues(string(env.Kind)).Inc()
}

// Disconnect closes the link to peerID.
func (m *Manager) Disconnect(peerID string) error {
	return m.transport.Disconnect(peerID)
}

// Peers returns the live link identities in a stable order.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsLinked reports whether a live link to peerID exists.
func (m *Manager) IsLinked(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.links[peerID]
	return ok
}

// Healthy returns the most recent health sample.
func (m *Manager) Healthy() bool {
	return m.healthy.Load()
}

// Close stops health sampling and tears down the transport.
func (m *Manager) Close() error {
	m.once.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
	return m.transport.Close()
}

// LinkOpened implements LinkHandler.
func (m *Manager) LinkOpened(peerID string) {
	m.mu.Lock()
	m.links[peerID] = struct{}{}
	n := len(m.links)
	h := m.handlers.PeerUp
	m.mu.Unlock()

	m.metrics.Links.Set(float64(n))
	m.log.Info().Str("peer", peerID).Int("links", n).Msg("link opened")
	if h != nil {
		h(peerID)
	}
}

// LinkClosed implements LinkHandler.
func (m *Manager) LinkClosed(peerID string, err error) {
	ev := m.log.Info()
	if err != nil {
		ev = m.log.Warn().Err(err)
	}
	ev.Str("peer", peerID).Msg("link closed")
	m.evict(peerID)
}

func (m *Manager) evict(peerID string) {
	m.mu.Lock()
	_, ok := m.links[peerID]
	delete(m.links, peerID)
	n := len(m.links)
	h := m.handlers.PeerDown
	m.mu.Unlock()

	m.metrics.Links.Set(float64(n))
	if ok && h != nil {
		h(peerID)
	}
}

// Receive implements LinkHandler: decode, then route by kind.
func (m *Manager) Receive(peerID string, env protocol.Envelope) {
	msg, err := protocol.Decode(env)
	if err != nil {
		m.metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		m.log.Warn().Err(err).Str("peer", peerID).Str("kind", string(env.Kind)).Msg("dropping malformed envelope")
		return
	}
	m.metrics.MessagesIn.WithLabelValues(string(msg.Kind())).Inc()

	m.mu.RLock()
	h := m.handlers
	m.mu.RUnlock()

	handled := false
	switch v := msg.(type) {
	case protocol.Join:
		if handled = h.Join != nil; handled {
			h.Join(peerID, v)
		}
	case protocol.Question:
		if handled = h.Question != nil; handled {
			h.Question(peerID, v)
		}
	case protocol.Response:
		if handled = h.Response != nil; handled {
			h.Response(peerID, v)
		}
	case protocol.Ack:
		if handled = h.Ack != nil; handled {
			h.Ack(peerID, v)
		}
	case protocol.Integrity:
		if handled = h.Integrity != nil; handled {
			h.Integrity(peerID, v)
		}
	case protocol.Heartbeat:
		if handled = h.Heartbeat != nil; handled {
			h.Heartbeat(peerID, v)
		}
	case protocol.Results:
		if handled = h.Results != nil; handled {
			h.Results(peerID, v)
		}
	case protocol.SessionEnded:
		if handled = h.SessionEnded != nil; handled {
			h.SessionEnded(peerID, v)
		}
	}
	if !handled {
		m.metrics.MessagesDropped.WithLabelValues("unhandled").Inc()
		m.log.Debug().Str("peer", peerID).Str("kind", string(msg.Kind())).Msg("no handler for kind")
	}
}

func (m *Manager) healthLoop(ticker *clock.Ticker) {
	defer close(m.done)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sampleHealth()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sampleHealth() {
	now := m.transport.Healthy()
	prev := m.healthy.Swap(now)
	if now {
		m.metrics.LinkHealthy.Set(1)
	} else {
		m.metrics.LinkHealthy.Set(0)
	}
	if prev == now {
		return
	}
	if now {
		m.log.Info().Msg("transport healthy")
	} else {
		m.log.Warn().Msg("transport offline")
	}
	m.mu.RLock()
	h := m.handlers.Health
	m.mu.RUnlock()
	if h != nil {
		h(now)
	}
}
