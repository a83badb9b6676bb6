package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
	"github.com/UtilityDD/peermesh-exam-system/internal/config"
	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/infra/memory"
	"github.com/UtilityDD/peermesh-exam-system/internal/infra/postgres"
	redisinfra "github.com/UtilityDD/peermesh-exam-system/internal/infra/redis"
	"github.com/UtilityDD/peermesh-exam-system/internal/logging"
	transport "github.com/UtilityDD/peermesh-exam-system/internal/transport/http"
)

func newControllerCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run an exam controller node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd.Context(), f)
		},
	}
}

func runController(ctx context.Context, f *flags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := newNode(f, "controller")
	if err != nil {
		return err
	}
	defer n.Close()

	banks, err := n.bankLoader(ctx)
	if err != nil {
		return err
	}

	persisted, err := app.PersistedControllerID(ctx, n.store)
	if err != nil {
		n.log.Warn().Err(err).Msg("reading persisted session failed")
	}
	id := n.mesh.Start(ctx, n.preferredID(ctx, persisted))

	ctrl := app.NewController(id, n.mesh, n.store,
		app.WithLogger(logging.Component(n.log, "controller")),
		app.WithMetrics(n.metrics),
		app.WithLeaderboardSize(n.cfg.Exam.LeaderboardSize),
		app.WithBankLoader(banks),
	)
	n.mesh.OnMessage(ctrl.Handlers())

	if bankID := n.cfg.Exam.DefaultBank; bankID != "" {
		go n.preloadBank(ctx, ctrl, bankID)
	}

	router := transport.NewControllerRouter(n.routerNode(),
		transport.NewControllerHandler(ctrl, logging.Component(n.log, "http")),
		transport.NewWSHandler(ctrl, logging.Component(n.log, "dashboard")),
	)
	return n.serve(ctx, router, ctrl.Run)
}

// bankLoader builds the bank source: Postgres when configured, else the built-in
// banks, cached in Redis when available.
func (n *node) bankLoader(ctx context.Context) (app.BankLoader, error) {
	var source app.BankLoader = memory.NewStaticBankLoader(memory.DefaultBanks())
	if n.cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, n.cfg, n.log); err != nil {
			return nil, err
		}
		pool, err := pgxpool.Connect(ctx, n.cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		n.closers = append(n.closers, func() error {
			pool.Close()
			return nil
		})
		pg := postgres.NewBankLoader(pool)
		if err := seedDemoBank(ctx, pg); err != nil {
			n.log.Warn().Err(err).Msg("seeding demo bank failed")
		}
		source = pg
	}

	ttl := config.TTLDuration(n.cfg.Exam.BankTTL, 10*time.Minute)
	if n.redis != nil {
		return redisinfra.NewBankCache(n.redis, source, ttl), nil
	}
	return memory.NewBankRepository(source, ttl), nil
}

func seedDemoBank(ctx context.Context, pg *postgres.BankLoader) error {
	_, err := pg.LoadBank(ctx, memory.DemoBankID)
	if !errors.Is(err, domain.ErrBankNotFound) {
		return err
	}
	return pg.SaveBank(ctx, memory.DefaultBanks()[memory.DemoBankID])
}

// preloadBank fills an empty bank once the event loop is up.
func (n *node) preloadBank(ctx context.Context, ctrl *app.Controller, bankID string) {
	v, err := ctrl.View(ctx)
	if err != nil || len(v.Questions) > 0 || v.Phase != domain.PhaseIdle {
		return
	}
	if _, err := ctrl.LoadBank(ctx, bankID); err != nil {
		n.log.Warn().Err(err).Str("bank", bankID).Msg("preloading bank failed")
	}
}
