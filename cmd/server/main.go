package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"carevault/internal/audit"
	auditmemory "carevault/internal/audit/store/memory"
	auditpostgres "carevault/internal/audit/store/postgres"
	consentservice "carevault/internal/consent/service"
	consentstore "carevault/internal/consent/store"
	"carevault/internal/crypto/fieldcrypt"
	"carevault/internal/crypto/keys"
	"carevault/internal/pipeline"
	"carevault/internal/platform/config"
	"carevault/internal/platform/httpserver"
	"carevault/internal/platform/kafka"
	"carevault/internal/platform/logger"
	"carevault/internal/platform/metrics"
	"carevault/internal/platform/postgres"
	"carevault/internal/platform/redis"
	"carevault/internal/platform/retry"
	"carevault/internal/record/ports"
	recordstore "carevault/internal/record/store"
	"carevault/internal/record/store/blob"
	recordpostgres "carevault/internal/record/store/postgres"
	"carevault/internal/retention"
	"carevault/internal/risk"
	"carevault/internal/transport/ops"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("carevault exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("carevault stopped")
}

// infra holds the optional backing services. Every field may be nil.
type infra struct {
	db       *sql.DB
	redis    *redis.Client
	producer *kafka.Producer
	blobs    *blob.S3Store
}

func (i *infra) close(log *slog.Logger) {
	if i.producer != nil {
		i.producer.Close()
	}
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			log.Warn("failed to close redis", "error", err)
		}
	}
	if i.db != nil {
		if err := i.db.Close(); err != nil {
			log.Warn("failed to close postgres", "error", err)
		}
	}
}

func openInfra(ctx context.Context, cfg config.Server, log *slog.Logger) (*infra, error) {
	in := &infra{}
	var err error

	if in.db, err = postgres.Open(ctx, cfg.Postgres); err != nil {
		return in, err
	}
	if in.db != nil {
		if err := postgres.Migrate(ctx, in.db); err != nil {
			return in, err
		}
		log.Info("postgres connected and migrated")
	} else {
		log.Warn("DATABASE_URL not set, using in-memory stores")
	}

	if in.redis, err = redis.New(ctx, cfg.Redis); err != nil {
		return in, err
	}
	if in.producer, err = kafka.NewProducer(cfg.Kafka); err != nil {
		return in, err
	}
	if in.blobs, err = blob.New(ctx, cfg.S3); err != nil {
		return in, err
	}
	if in.blobs != nil && in.db == nil {
		return in, errors.New("S3_BUCKET requires DATABASE_URL for record metadata")
	}
	return in, nil
}

// app is the assembled core. The public API layer embeds it; this process
// hosts the operator endpoints and the retention sweeper.
type app struct {
	pipeline *pipeline.Pipeline
	consent  *consentservice.Ledger
	audit    *audit.Log
	sweeper  *retention.Sweeper
	ops      http.Handler
}

func build(ctx context.Context, cfg config.Server, in *infra, log *slog.Logger, reg *prometheus.Registry) (*app, error) {
	m := metrics.New(reg)

	alerter := audit.MultiAlerter{audit.NewLogAlerter(log)}
	if in.producer != nil {
		alerter = append(alerter, audit.NewKafkaAlerter(in.producer))
	}

	var (
		records      ports.RecordStore
		auditStore   audit.Store
		consents     consentservice.Store
		consentTx    consentservice.ConsentStoreTx
		healthChecks = map[string]ops.Check{}
	)
	if in.db != nil {
		var recordOpts []recordpostgres.Option
		if in.blobs != nil {
			recordOpts = append(recordOpts, recordpostgres.WithBlobStore(in.blobs))
		}
		records = recordpostgres.New(in.db, recordOpts...)
		auditStore = auditpostgres.New(in.db)
		consents = consentstore.NewPostgres(in.db)
		consentTx = newConsentPostgresTx(in.db)
		healthChecks["postgres"] = in.db.PingContext
	} else {
		records = recordstore.NewInMemoryStore()
		auditStore = auditmemory.NewInMemoryStore()
		memConsents := consentstore.NewInMemoryStore()
		consents = memConsents
		consentTx = consentservice.NewInMemoryTx(memConsents)
	}
	if in.redis != nil {
		healthChecks["redis"] = in.redis.Health
	}

	auditLog := audit.New(auditStore,
		audit.WithLogger(log),
		audit.WithMetrics(m),
		audit.WithAlerter(alerter),
	)
	if err := auditLog.VerifyChain(ctx, 1, 0); err != nil {
		// The log is now halted; keep serving so operators can inspect /healthz.
		log.Error("audit chain failed verification at startup", "error", err)
	}

	keyProvider, err := keys.NewProvider(keys.NewEnvSecretStore(), cfg.Keys.DeploymentSalt, cfg.Keys.ActiveVersion,
		keys.WithIterations(cfg.Keys.Iterations),
	)
	if err != nil {
		return nil, fmt.Errorf("key provider: %w", err)
	}
	encryptor, err := fieldcrypt.New(keyProvider, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("field encryptor: %w", err)
	}

	lexicon, err := risk.LoadLexicon(cfg.RiskLexiconPath)
	if err != nil {
		return nil, fmt.Errorf("risk lexicon: %w", err)
	}
	log.Info("risk lexicon loaded", "terms", lexicon.Size(), "operator_file", cfg.RiskLexiconPath != "")

	ledger := consentservice.NewLedger(consents, consentTx, auditLog, consentservice.WithLogger(log))
	executor := retry.New("record-store", cfg.Retry, retry.WithLogger(log), retry.WithMetrics(m))

	retentionOpts := []retention.Option{
		retention.WithLogger(log),
		retention.WithMetrics(m),
		retention.WithRetrier(executor),
	}
	if in.redis != nil {
		retentionOpts = append(retentionOpts, retention.WithLocker(retention.NewRedisLocker(in.redis.Client)))
	}
	if cfg.Retention.VerifyChain {
		retentionOpts = append(retentionOpts, retention.WithChainVerifier(auditLog))
	}
	// Erasure and sweeps go through the same purger.
	purger := retention.NewPurger(records, auditLog, retentionOpts...)
	sweeper := retention.NewSweeper(records, purger, cfg.Retention, retentionOpts...)

	p := pipeline.New(records, encryptor, risk.NewAssessor(lexicon), ledger, auditLog,
		pipeline.WithLogger(log),
		pipeline.WithMetrics(m),
		pipeline.WithRetrier(executor),
		pipeline.WithAlerter(alerter),
		pipeline.WithPurger(purger),
		pipeline.WithConsentHistory(ledger),
	)

	return &app{
		pipeline: p,
		consent:  ledger,
		audit:    auditLog,
		sweeper:  sweeper,
		ops:      ops.NewRouter(ops.New(auditLog, reg, healthChecks, log)),
	}, nil
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	in, err := openInfra(ctx, cfg, log)
	defer in.close(log)
	if err != nil {
		return err
	}

	a, err := build(ctx, cfg, in, log, reg)
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.OpsAddr, a.ops)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting ops server", "addr", cfg.OpsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
