package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	syncgin "github.com/PaulFidika/entitlesync/adapters/gin"
	"github.com/PaulFidika/entitlesync/adapters/gin/handlers"
	"github.com/PaulFidika/entitlesync/config"
	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/jobs"
	"github.com/PaulFidika/entitlesync/logging"
	"github.com/PaulFidika/entitlesync/operator"
	"github.com/PaulFidika/entitlesync/signature"
)

const operatorScope = "entitlements:read"

var (
	serveSkipMigrate bool
	serveNoSweep     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver and operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSkipMigrate, "skip-migrate", false, "do not apply pending Postgres migrations at startup")
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "do not schedule the expiry sweep in this process")
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.WithField("version", Version).Info("starting entitlesyncd")

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.pg != nil && !serveSkipMigrate {
		if err := migrateUp(ctx, b, log); err != nil {
			return err
		}
	}

	svc := core.NewService(b.store, core.Options{Cache: b.cache, Logger: log})

	var checker handlers.SignatureChecker
	if cfg.WebhookPublicKey != "" {
		c, err := signature.NewChecker(cfg.WebhookPublicKey, signature.WithWindow(cfg.SignatureWindow))
		if err != nil {
			return err
		}
		checker = c
	} else {
		log.Warn("webhook signature verification is disabled")
	}

	var verifier *operator.Verifier
	if cfg.OperatorJWKSURL != "" {
		verifier, err = operator.NewJWKSVerifier(ctx, cfg.OperatorJWKSURL, cfg.OperatorIssuer, cfg.OperatorAudience,
			operator.WithRequiredScope(operatorScope))
		if err != nil {
			return err
		}
	} else {
		log.Warn("OPERATOR_JWKS_URL not set; operator API is not mounted")
	}

	if b.memLimiter != nil {
		go sweepLimiter(ctx, b.memLimiter.Sweep)
	}

	if !serveNoSweep {
		stopSweep, err := startSweep(ctx, cfg, b, svc, log)
		if err != nil {
			return err
		}
		defer stopSweep()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := syncgin.NewEngine(syncgin.Deps{
		Service:       svc,
		Checker:       checker,
		Limiter:       b.limiter,
		Operator:      verifier,
		Logger:        log,
		ExposeMetrics: true,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTPWriteTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// startSweep schedules the expiry sweep on river when Postgres is available
// and in-process otherwise. The returned func stops it.
func startSweep(ctx context.Context, cfg *config.Config, b *backend, svc *core.Service, log logrus.FieldLogger) (func(), error) {
	if b.pg != nil {
		q, err := jobs.NewQueue(b.pg.Pool(), svc, jobs.QueueConfig{Schedule: cfg.SweepSchedule, Batch: cfg.SweepBatch}, log)
		if err != nil {
			return nil, err
		}
		if err := q.Start(ctx); err != nil {
			return nil, err
		}
		return func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := q.Stop(stopCtx); err != nil {
				log.WithError(err).Warn("job queue did not stop cleanly")
			}
		}, nil
	}

	r, err := jobs.NewCronRunner(svc, cfg.SweepSchedule, cfg.SweepBatch, log)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		r.Run(runCtx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func sweepLimiter(ctx context.Context, sweep func()) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
