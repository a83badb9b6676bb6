package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/infra/postgres"
	pgmigrations "github.com/UtilityDD/peermesh-exam-system/internal/infra/postgres/migrations"
	infraredis "github.com/UtilityDD/peermesh-exam-system/internal/infra/redis"
	"github.com/UtilityDD/peermesh-exam-system/internal/mesh"
)

func TestControllerSessionOverPostgresAndRedis(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateDB(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	loader := postgres.NewBankLoader(pool)
	if err := loader.SaveBank(ctx, sampleBank()); err != nil {
		t.Fatalf("seed bank: %v", err)
	}
	if _, err := loader.LoadBank(ctx, "missing"); !errors.Is(err, domain.ErrBankNotFound) {
		t.Fatalf("expected ErrBankNotFound, got %v", err)
	}

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	banks := infraredis.NewBankCache(redisClient, loader, 5*time.Minute)
	store := infraredis.NewSnapshotStore(redisClient, "it:", time.Hour)

	net := mesh.NewMemoryNetwork()
	m := mesh.NewManager(net.CreateTransport())
	id := m.Start(ctx, "room-1")
	defer m.Close()

	ctrl := app.NewController(id, m, store, app.WithBankLoader(banks))
	m.OnMessage(ctrl.Handlers())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	bank, err := ctrl.LoadBank(ctx, "bank-1")
	if err != nil {
		t.Fatalf("load bank: %v", err)
	}
	if len(bank.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(bank.Questions))
	}
	if n, err := redisClient.Exists(ctx, "peermesh:bank:bank-1").Result(); err != nil || n != 1 {
		t.Fatalf("expected bank cached in redis, got n=%d err=%v", n, err)
	}

	if err := ctrl.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	// The snapshot is written right after the command replies.
	var persisted string
	for i := 0; i < 50 && persisted == ""; i++ {
		persisted, err = app.PersistedControllerID(ctx, store)
		if err != nil {
			t.Fatalf("persisted id: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if persisted != "room-1" {
		t.Fatalf("expected persisted controller room-1, got %q", persisted)
	}

	if err := ctrl.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, ok, err := store.Load(ctx, app.ControllerSnapshotKey); err != nil || ok {
		t.Fatalf("expected snapshot cleared, ok=%v err=%v", ok, err)
	}
}

func TestRedisRegistryClaims(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	redisURL, cleanup := startRedis(t, ctx)
	defer cleanup()
	client, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	reg := infraredis.NewRegistry(client, time.Minute)
	if err := reg.Register(ctx, "ctrl", "ws://a/mesh"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(ctx, "ctrl", "ws://b/mesh"); !errors.Is(err, domain.ErrIdentityTaken) {
		t.Fatalf("expected ErrIdentityTaken, got %v", err)
	}
	addr, err := reg.Resolve(ctx, "ctrl")
	if err != nil || addr != "ws://a/mesh" {
		t.Fatalf("resolve: %q %v", addr, err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "exam", "POSTGRES_PASSWORD": "exampass", "POSTGRES_DB": "examdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://exam:exampass@%s:%s/examdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateDB(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	// Postgres accepts connections a moment after the port opens.
	var lastErr error
	for i := 0; i < 20; i++ {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		db := bun.NewDB(sqldb, pgdialect.New())
		migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
		lastErr = migrator.Init(ctx)
		if lastErr == nil {
			_, lastErr = migrator.Migrate(ctx)
		}
		db.Close()
		if lastErr == nil {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("migrate: %v", lastErr)
}

func sampleBank() domain.Bank {
	return domain.Bank{
		ID:    "bank-1",
		Title: "Integration",
		Questions: []domain.Question{
			{ID: "q1", Text: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectIndex: 1, TimeLimitSeconds: 10, Version: 1},
			{ID: "q2", Text: "Capital of France?", Options: []string{"Paris", "Rome"}, CorrectIndex: 0, TimeLimitSeconds: 10, Version: 1},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
