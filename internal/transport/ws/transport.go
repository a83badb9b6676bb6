// Package ws carries peer links over websockets. Nodes find each other through a
// rendezvous Registry and then talk directly: the dialing side opens a websocket to
// the remote's /mesh endpoint and both sides exchange a hello frame naming themselves.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/mesh"
	"github.com/UtilityDD/peermesh-exam-system/internal/protocol"
)

const (
	DefaultRefreshInterval  = 10 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	sendQueueSize           = 64
)

var errTransportClosed = errors.New("transport closed")

// Registry maps peer identities to dialable websocket URLs.
type Registry interface {
	// Register claims id for addr. It returns domain.ErrIdentityTaken when another
	// address owns id and domain.ErrTransportUnavailable when the registry is down.
	Register(ctx context.Context, id, addr string) error
	// Resolve returns domain.ErrPeerNotFound for unknown ids.
	Resolve(ctx context.Context, id string) (string, error)
	Unregister(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// hello is the first frame on a link in each direction.
type hello struct {
	PeerID string `json:"peerId"`
}

type Option func(*Transport)

func WithLogger(log zerolog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

func WithClock(c clock.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithRefreshInterval sets how often the registry claim is renewed.
func WithRefreshInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.refresh = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.handshake = d
		}
	}
}

// Transport implements mesh.Transport. Mount it at the address passed as advertise.
type Transport struct {
	registry  Registry
	advertise string
	log       zerolog.Logger
	clock     clock.Clock
	refresh   time.Duration
	handshake time.Duration
	dialer    *websocket.Dialer
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	id      string
	handler mesh.LinkHandler
	links   map[string]*link
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

var _ mesh.Transport = (*Transport)(nil)

// NewTransport creates a transport that registers under advertise, a ws:// URL
// other nodes can reach.
func NewTransport(registry Registry, advertise string, opts ...Option) *Transport {
	t := &Transport{
		registry:  registry,
		advertise: advertise,
		log:       zerolog.Nop(),
		clock:     clock.New(),
		refresh:   DefaultRefreshInterval,
		handshake: DefaultHandshakeTimeout,
		dialer:    &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		links: make(map[string]*link),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Initialize(ctx context.Context, preferredID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id != "" {
		return t.id
	}

	id := preferredID
	if id == "" {
		id = uuid.NewString()
	}
	if err := t.registry.Register(ctx, id, t.advertise); err != nil {
		t.id = mesh.OfflineIdentity()
		t.log.Warn().Err(err).Str("preferred", id).Str("peer_id", t.id).Msg("registration failed")
		return t.id
	}
	t.id = id
	t.wg.Add(1)
	go t.refreshLoop(t.clock.Ticker(t.refresh), id)
	return t.id
}

func (t *Transport) refreshLoop(ticker *clock.Ticker, id string) {
	defer t.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.handshake)
			if err := t.registry.Register(ctx, id, t.advertise); err != nil {
				t.log.Warn().Err(err).Str("peer_id", id).Msg("registry refresh failed")
			}
			cancel()
		}
	}
}

// ServeHTTP accepts inbound links.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.isClosed() {
		http.Error(w, errTransportClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn().Err(err).Msg("mesh upgrade failed")
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(t.handshake))
	var in hello
	if err := conn.ReadJSON(&in); err != nil || in.PeerID == "" {
		t.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("mesh hello missing")
		_ = conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(t.handshake))
	if err := conn.WriteJSON(hello{PeerID: t.Identity()}); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	if err := t.attach(in.PeerID, conn); err != nil {
		_ = conn.Close()
	}
}

func (t *Transport) ConnectTo(ctx context.Context, peerID string) error {
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

	addr, err := t.registry.Resolve(ctx, peerID)
	if err != nil {
		return err
	}
	conn, _, err := t.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrLinkTimeout, peerID, err)
		}
		return fmt.Errorf("dial %s: %w", peerID, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.handshake)
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	var reply hello
	err = conn.WriteJSON(hello{PeerID: self})
	if err == nil {
		err = conn.ReadJSON(&reply)
	}
	switch {
	case err != nil && ctx.Err() != nil:
		_ = conn.Close()
		return fmt.Errorf("%w: %s: %v", domain.ErrLinkTimeout, peerID, err)
	case err != nil:
		_ = conn.Close()
		return fmt.Errorf("hello %s: %w", peerID, err)
	case reply.PeerID != peerID:
		_ = conn.Close()
		return fmt.Errorf("%w: %s answered as %q", domain.ErrPeerNotFound, peerID, reply.PeerID)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return t.attach(peerID, conn)
}

// attach installs a link and starts its pumps. A newer link to the same peer
// replaces the old one without reporting it closed.
func (t *Transport) attach(peerID string, conn *websocket.Conn) error {
	l := &link{
		peer: peerID,
		conn: conn,
		send: make(chan protocol.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	old := t.links[peerID]
	t.links[peerID] = l
	handler := t.handler
	t.mu.Unlock()

	if old != nil {
		old.close()
	}
	if handler != nil {
		handler.LinkOpened(peerID)
	}
	go l.writePump(t.log)
	go t.readPump(l, handler)
	return nil
}

func (t *Transport) readPump(l *link, handler mesh.LinkHandler) {
	var cause error
	for {
		var env protocol.Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			cause = err
			break
		}
		if handler != nil {
			handler.Receive(l.peer, env)
		}
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		cause = nil
	}
	t.detach(l, cause)
}

// detach removes l if it is still the current link for its peer.
func (t *Transport) detach(l *link, cause error) {
	t.mu.Lock()
	current := t.links[l.peer] == l
	if current {
		delete(t.links, l.peer)
	}
	handler := t.handler
	t.mu.Unlock()

	l.close()
	if current && handler != nil {
		handler.LinkClosed(l.peer, cause)
	}
}

func (t *Transport) Send(peerID string, env protocol.Envelope) error {
	t.mu.RLock()
	l, ok := t.links[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no link to %s", peerID)
	}
	select {
	case <-l.done:
		return fmt.Errorf("link to %s closed", peerID)
	default:
	}
	select {
	case l.send <- env:
		return nil
	case <-l.done:
		return fmt.Errorf("link to %s closed", peerID)
	default:
		return fmt.Errorf("link to %s congested", peerID)
	}
}

func (t *Transport) Disconnect(peerID string) error {
	t.mu.RLock()
	l, ok := t.links[peerID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	t.detach(l, nil)
	return nil
}

func (t *Transport) SetHandler(h mesh.LinkHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) Identity() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// Healthy reports whether the node is registered and the registry answers.
func (t *Transport) Healthy() bool {
	t.mu.RLock()
	id, closed := t.id, t.closed
	t.mu.RUnlock()
	if closed || id == "" || domain.IsOfflineIdentity(id) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.handshake)
	defer cancel()
	return t.registry.Ping(ctx) == nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	id := t.id
	t.mu.Unlock()

	for _, l := range links {
		t.detach(l, nil)
	}
	close(t.stop)
	t.wg.Wait()

	if id == "" || domain.IsOfflineIdentity(id) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.handshake)
	defer cancel()
	return t.registry.Unregister(ctx, id)
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// link owns one websocket. Only writePump writes to conn after the handshake.
type link struct {
	peer string
	conn *websocket.Conn
	send chan protocol.Envelope
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
	})
}

func (l *link) writePump(log zerolog.Logger) {
	defer l.conn.Close()
	for {
		select {
		case env := <-l.send:
			if err := l.conn.WriteJSON(env); err != nil {
				log.Warn().Err(err).Str("peer", l.peer).Msg("mesh write failed")
				l.close()
				return
			}
		case <-l.done:
			l.drain(log)
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// drain flushes what was queued before the link was closed.
func (l *link) drain(log zerolog.Logger) {
	for {
		select {
		case env := <-l.send:
			if err := l.conn.WriteJSON(env); err != nil {
				log.Debug().Err(err).Str("peer", l.peer).Msg("dropping queued envelopes")
				return
			}
		default:
			return
		}
	}
}
