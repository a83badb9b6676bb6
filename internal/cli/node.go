package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
	"github.com/UtilityDD/peermesh-exam-system/internal/config"
	"github.com/UtilityDD/peermesh-exam-system/internal/infra/bolt"
	"github.com/UtilityDD/peermesh-exam-system/internal/infra/mdns"
	"github.com/UtilityDD/peermesh-exam-system/internal/infra/memory"
	redisinfra "github.com/UtilityDD/peermesh-exam-system/internal/infra/redis"
	"github.com/UtilityDD/peermesh-exam-system/internal/logging"
	"github.com/UtilityDD/peermesh-exam-system/internal/mesh"
	"github.com/UtilityDD/peermesh-exam-system/internal/metrics"
	transport "github.com/UtilityDD/peermesh-exam-system/internal/transport/http"
	"github.com/UtilityDD/peermesh-exam-system/internal/transport/ws"
)

const identityKey = "peermesh:identity"

// node is the wiring shared by both roles: config, logger, metrics, the local
// snapshot store and the websocket mesh.
type node struct {
	cfg      config.Config
	port     string
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	redis    *redis.Client
	store    app.SnapshotStore
	ws       *ws.Transport
	mesh     *mesh.Manager
	closers  []func() error
}

func newNode(f *flags, role string) (*node, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	n := &node{cfg: cfg, port: f.port}
	if n.port == "" {
		n.port = cfg.Server.Port
	}
	if f.peerID != "" {
		n.cfg.Mesh.PeerID = f.peerID
	}
	n.log = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format).With().Str("role", role).Logger()

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.metrics = metrics.New(n.registry)

	if cfg.Redis.Addr != "" {
		n.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		n.closers = append(n.closers, n.redis.Close)
	}

	if err := n.openStore(role); err != nil {
		n.Close()
		return nil, err
	}
	reg, err := n.openRegistry()
	if err != nil {
		n.Close()
		return nil, err
	}

	advertise := cfg.Mesh.Advertise
	if advertise == "" {
		advertise = "ws://localhost:" + n.port + "/mesh"
	}
	n.ws = ws.NewTransport(reg, advertise,
		ws.WithLogger(logging.Component(n.log, "ws")),
		ws.WithRefreshInterval(config.TTLDuration(cfg.Registry.TTL, 30*time.Second)/3),
	)
	n.mesh = mesh.NewManager(n.ws,
		mesh.WithLogger(logging.Component(n.log, "mesh")),
		mesh.WithMetrics(n.metrics),
		mesh.WithConnectTimeout(config.TTLDuration(cfg.Mesh.ConnectTimeout, mesh.DefaultConnectTimeout)),
		mesh.WithHealthInterval(config.TTLDuration(cfg.Mesh.HealthInterval, mesh.DefaultHealthInterval)),
	)
	n.closers = append(n.closers, n.mesh.Close)
	return n, nil
}

func (n *node) openStore(role string) error {
	switch strings.ToLower(n.cfg.Persistence.Backend) {
	case config.StoreMemory:
		n.store = memory.NewSnapshotStore()
	case config.StoreRedis:
		if n.redis == nil {
			return errors.New("redis persistence needs redis.addr")
		}
		prefix := n.cfg.Mesh.PeerID
		if prefix == "" {
			prefix = role + "-" + n.port
		}
		n.store = redisinfra.NewSnapshotStore(n.redis, prefix+":", config.TTLDuration(n.cfg.Persistence.TTL, 0))
	case "", config.StoreBolt:
		path := n.cfg.Persistence.Path
		if path == "" {
			path = config.Default().Persistence.Path
		}
		st, err := bolt.Open(path)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		n.store = st
		n.closers = append(n.closers, st.Close)
	default:
		return fmt.Errorf("unknown persistence backend %q", n.cfg.Persistence.Backend)
	}
	return nil
}

func (n *node) openRegistry() (ws.Registry, error) {
	ttl := config.TTLDuration(n.cfg.Registry.TTL, 30*time.Second)
	switch strings.ToLower(n.cfg.Registry.Backend) {
	case "", config.RegistryStatic:
		return memory.NewRegistry(n.cfg.Registry.Peers), nil
	case config.RegistryRedis:
		if n.redis == nil {
			return nil, errors.New("redis registry needs redis.addr")
		}
		return redisinfra.NewRegistry(n.redis, ttl), nil
	case config.RegistryMDNS:
		reg := mdns.NewRegistry(n.cfg.Registry.Service, 2*time.Second)
		n.closers = append(n.closers, func() error {
			reg.Close()
			return nil
		})
		return reg, nil
	}
	return nil, fmt.Errorf("unknown registry backend %q", n.cfg.Registry.Backend)
}

// preferredID picks the identity to claim: explicit config first, then the
// one this device used last time, else a fresh one that is remembered.
func (n *node) preferredID(ctx context.Context, persisted string) string {
	if n.cfg.Mesh.PeerID != "" {
		return n.cfg.Mesh.PeerID
	}
	if persisted != "" {
		return persisted
	}
	if data, ok, err := n.store.Load(ctx, identityKey); err == nil && ok && len(data) > 0 {
		return string(data)
	}
	id := uuid.NewString()[:8]
	if err := n.store.Save(ctx, identityKey, []byte(id)); err != nil {
		n.log.Warn().Err(err).Msg("remembering identity failed")
	}
	return id
}

// serve runs the event loop and the HTTP server until a signal arrives or either fails.
func (n *node) serve(ctx context.Context, handler http.Handler, loop func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              ":" + n.port,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop(ctx)
	})
	g.Go(func() error {
		n.log.Info().Str("addr", server.Addr).Str("peer_id", n.mesh.Identity()).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		n.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *node) routerNode() transport.Node {
	return transport.Node{Mesh: n.mesh, MeshWS: n.ws, Gatherer: n.registry, Log: logging.Component(n.log, "http")}
}

// Close releases everything in reverse order of opening.
func (n *node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.log.Warn().Err(err).Msg("close failed")
		}
	}
	n.closers = nil
}
