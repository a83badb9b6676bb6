// Package mdns advertises and finds mesh peers on the local network with
// multicast DNS, for rooms without a shared registry service.
package mdns

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

const (
	DefaultService = "_peermesh._tcp"
	DefaultDomain  = "local."

	addrKey = "addr="
)

// Registry publishes one service instance per registered peer id. The instance
// carries the peer's websocket URL in its TXT record.
type Registry struct {
	service string
	domain  string
	timeout time.Duration

	mu      sync.Mutex
	servers map[string]*entry
}

type entry struct {
	addr   string
	server *zeroconf.Server
}

func NewRegistry(service string, lookupTimeout time.Duration) *Registry {
	if service == "" {
		service = DefaultService
	}
	return &Registry{
		service: service,
		domain:  DefaultDomain,
		timeout: lookupTimeout,
		servers: make(map[string]*entry),
	}
}

func (r *Registry) Register(ctx context.Context, id, addr string) error {
	r.mu.Lock()
	if e, ok := r.servers[id]; ok && e.addr == addr {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if owner, err := r.Resolve(ctx, id); err == nil && owner != addr {
		return fmt.Errorf("%w: %s", domain.ErrIdentityTaken, id)
	}

	port, err := portOf(addr)
	if err != nil {
		return err
	}
	server, err := zeroconf.Register(id, r.service, r.domain, port, []string{addrKey + addr}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.servers[id]; ok {
		old.server.Shutdown()
	}
	r.servers[id] = &entry{addr: addr, server: server}
	return nil
}

func (r *Registry) Resolve(ctx context.Context, id string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Lookup(ctx, id, r.service, r.domain, entries); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	for e := range entries {
		if addr := addrOf(e); addr != "" {
			return addr, nil
		}
	}
	return "", fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
}

func (r *Registry) Unregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[id]; ok {
		e.server.Shutdown()
		delete(r.servers, id)
	}
	return nil
}

// Ping checks that a multicast socket can be opened.
func (r *Registry) Ping(context.Context) error {
	if _, err := zeroconf.NewResolver(nil); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

// Close withdraws every advertised instance.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.servers {
		e.server.Shutdown()
		delete(r.servers, id)
	}
}

// addrOf prefers the advertised URL and falls back to the first IPv4 address.
func addrOf(e *zeroconf.ServiceEntry) string {
	for _, txt := range e.Text {
		if strings.HasPrefix(txt, addrKey) {
			return strings.TrimPrefix(txt, addrKey)
		}
	}
	if len(e.AddrIPv4) == 0 || e.Port == 0 {
		return ""
	}
	return "ws://" + net.JoinHostPort(e.AddrIPv4[0].String(), strconv.Itoa(e.Port)) + "/mesh"
}

func portOf(addr string) (int, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return 0, fmt.Errorf("parse advertise address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("advertise address %q has no port", addr)
	}
	return port, nil
}
