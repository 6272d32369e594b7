// Command loansbot runs the forum bot: the comment and link scanners,
// the event workers, and the scheduled jobs, supervised as one fleet.
// Any worker death brings the whole process down non-zero so the host
// restarts it with fresh state.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/cache"
	"github.com/LoansBot/loansbot/internal/config"
	"github.com/LoansBot/loansbot/internal/database"
	"github.com/LoansBot/loansbot/internal/endpoints"
	"github.com/LoansBot/loansbot/internal/fleet"
	"github.com/LoansBot/loansbot/internal/fx"
	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/logging"
	"github.com/LoansBot/loansbot/internal/metrics"
	"github.com/LoansBot/loansbot/internal/perms"
	"github.com/LoansBot/loansbot/internal/proxy"
	"github.com/LoansBot/loansbot/internal/responses"
	"github.com/LoansBot/loansbot/internal/runners"
	"github.com/LoansBot/loansbot/internal/summons"
	"github.com/LoansBot/loansbot/internal/trusts"
	"github.com/LoansBot/loansbot/internal/website"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting loansbot",
		"app", cfg.AppName,
		"subreddits", cfg.Subreddits,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("loansbot exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("loansbot shut down")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open publisher channel: %w", err)
	}
	publisher, err := bus.NewPublisher(pubCh)
	if err != nil {
		return err
	}

	cc := cache.New(cfg.MemcachedAddr())
	rates := fx.New(cc, cfg.CurrencyLayerAPIKey,
		fx.WithCacheTTL(cfg.CurrencyCacheTime),
		fx.WithLogger(logger),
	)

	b := &workerBuilder{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		publisher: publisher,
		cache:     cc,
		ledger:    ledger.NewService(ledger.NewPostgresStore(db), rates, publisher, ledger.WithLogger(logger)),
		bans:      perms.NewPostgresBanStore(db),
		trusts:    trusts.NewPostgresStore(db),
		endpoints: endpoints.NewPostgresStore(db),
		website:   website.NewService(website.NewPostgresStore(db), cfg.DefaultPermissions, logger),
		responses: responses.NewPostgresStore(db),
		// The proxy ignores responses from older versions after a
		// restart, so boot time works as the version marker.
		version: float64(time.Now().Unix()),
	}

	fl := fleet.New(logger)

	if err := addScanners(fl, b); err != nil {
		return err
	}
	if err := addEventWorkers(fl, b); err != nil {
		return err
	}
	if err := addScheduledWorkers(fl, b); err != nil {
		return err
	}
	fl.Add("metrics", func(ctx context.Context) error {
		return metrics.Serve(ctx, cfg.MetricsAddr)
	})

	go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)

	return fl.Run(ctx)
}

// workerBuilder assembles a Deps value per worker. The proxy client is
// not safe for concurrent use, so every worker gets its own channel,
// proxy client, and permission service; the database-backed stores,
// the cache, and the publisher are shared.
type workerBuilder struct {
	cfg       *config.Config
	logger    *slog.Logger
	conn      *amqp.Connection
	publisher *bus.Publisher
	cache     *cache.Cache
	ledger    *ledger.Service
	bans      perms.BanStore
	trusts    trusts.Store
	endpoints endpoints.Store
	website   *website.Service
	responses responses.Store
	version   float64
}

func (b *workerBuilder) deps(worker string) (runners.Deps, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return runners.Deps{}, fmt.Errorf("open channel for %s: %w", worker, err)
	}
	wlog := b.logger.With("worker", worker)

	px, err := proxy.New(ch, b.cfg.RedditProxyQueue, b.cfg.ResponseQueuePrefix, worker, b.version, wlog)
	if err != nil {
		return runners.Deps{}, fmt.Errorf("proxy client for %s: %w", worker, err)
	}

	pm := perms.NewService(b.cache, px, b.cfg.PrimarySubreddit(),
		perms.Thresholds{
			KarmaMin:        b.cfg.KarmaMin,
			CommentKarmaMin: b.cfg.CommentKarmaMin,
			AccountAgeMin:   b.cfg.AccountAgeMin,
		},
		b.cfg.IgnoredUsers,
		perms.WithLogger(wlog),
	)

	return runners.Deps{
		Config:    b.cfg,
		Ledger:    b.ledger,
		Perms:     pm,
		Bans:      b.bans,
		Trusts:    b.trusts,
		Endpoints: b.endpoints,
		Website:   b.website,
		Responses: b.responses,
		Cache:     b.cache,
		Proxy:     px,
		Publisher: b.publisher,
		Logger:    wlog,
	}, nil
}

func (b *workerBuilder) dispatcher(d runners.Deps) *summons.Dispatcher {
	return summons.NewDispatcher(summons.All(summons.Deps{
		Ledger:    d.Ledger,
		Responses: d.Responses,
		Logger:    d.Logger,
	}), d.Logger)
}

func addScanners(fl *fleet.Fleet, b *workerBuilder) error {
	d, err := b.deps("comments")
	if err != nil {
		return err
	}
	fl.Add("comments", runners.NewCommentScanner(d, b.dispatcher(d)).Run)

	d, err = b.deps("links")
	if err != nil {
		return err
	}
	fl.Add("links", runners.NewLinkScanner(d).Run)

	d, err = b.deps("rechecks")
	if err != nil {
		return err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel for rechecks consumer: %w", err)
	}
	fl.Add("rechecks", runners.NewRecheckConsumer(d, ch, b.dispatcher(d)).Run)

	return nil
}

func addEventWorkers(fl *fleet.Fleet, b *workerBuilder) error {
	workers := []struct {
		name    string
		pattern string
		handler func(runners.Deps) bus.Handler
	}{
		{"new_lender", bus.TopicLoanCreate, runners.NewLenderHandler},
		{"lender_loan", bus.TopicLoanCreate, runners.LenderLoanHandler},
		{"flair_loan_threads", bus.TopicLoanCreate, runners.FlairLoanThreadsHandler},
		{"unban_repaid", bus.TopicLoanPaid, runners.UnbanRepaidHandler},
		{"trust_loan_delays", bus.TopicLoanPaid, runners.TrustLoanDelaysHandler},
		{"lender_queue_trusts", bus.TopicLoanPaid, runners.LenderQueueTrustsHandler},
		{"recheck_permission", bus.TopicLoanPaid, runners.RecheckPermissionHandler},
		{"ban_unpaid", bus.TopicLoanUnpaid, runners.BanUnpaidHandler},
		{"borrower_request", bus.TopicLoanRequest, runners.BorrowerRequestHandler},
		{"default_permissions", bus.TopicUserSignup, runners.DefaultPermissionsHandler},
		{"mod_onboarding_claim", bus.TopicUserSignup, runners.ModOnboardingClaimHandler},
		{"mod_onboarding", bus.TopicModsAdded, runners.ModOnboardingHandler},
		{"mod_offboarding", bus.TopicModsRemoved, runners.ModOffboardingHandler},
		{"mod_changes", bus.ModlogPattern, runners.ModChangesHandler},
		{"modlog_cache_flush", bus.ModlogPattern, runners.ModlogCacheFlushHandler},
	}

	for _, w := range workers {
		d, err := b.deps(w.name)
		if err != nil {
			return err
		}
		subCh, err := b.conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel for %s: %w", w.name, err)
		}
		h := w.handler(d)
		pattern := w.pattern
		fl.Add(w.name, func(ctx context.Context) error {
			return bus.Run(ctx, subCh, pattern, d.Logger, h)
		})
	}
	return nil
}

func addScheduledWorkers(fl *fleet.Fleet, b *workerBuilder) error {
	workers := []struct {
		name string
		run  func(runners.Deps) func(ctx context.Context) error
	}{
		{"modlog", func(d runners.Deps) func(context.Context) error {
			return runners.NewModlogPoller(d).Run
		}},
		{"mod_sync", func(d runners.Deps) func(context.Context) error {
			return runners.NewModSync(d).Run
		}},
		{"temp_bans", func(d runners.Deps) func(context.Context) error {
			return runners.NewTempBanReaper(d).Run
		}},
		{"mod_onboarding_messages", func(d runners.Deps) func(context.Context) error {
			return runners.NewModOnboardingMessages(d).Run
		}},
		{"deprecated_alerts", func(d runners.Deps) func(context.Context) error {
			return runners.NewDeprecatedAlerts(d).Run
		}},
		{"loans_stats", func(d runners.Deps) func(context.Context) error {
			return runners.NewLoansStats(d).Run
		}},
	}

	for _, w := range workers {
		d, err := b.deps(w.name)
		if err != nil {
			return err
		}
		fl.Add(w.name, w.run(d))
	}
	return nil
}
