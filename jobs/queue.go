package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/sirupsen/logrus"
)

// QueueConfig configures the river-backed scheduler.
type QueueConfig struct {
	Schedule string
	Batch    int
	// MaxWorkers bounds concurrent jobs on the default queue. Sweeps are
	// serialized per user by row locks, so one worker is enough.
	MaxWorkers int
}

// Queue owns a river client that runs the periodic sweep.
type Queue struct {
	client *river.Client[pgx.Tx]
	log    logrus.FieldLogger
}

// NewQueue registers the sweep worker and its periodic job. Call Start to
// begin working jobs.
func NewQueue(pool *pgxpool.Pool, s Sweeper, cfg QueueConfig, log logrus.FieldLogger) (*Queue, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	batch := cfg.Batch

	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, NewSweepWorker(s, log)); err != nil {
		return nil, fmt.Errorf("register sweep worker: %w", err)
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				sched,
				func() (river.JobArgs, *river.InsertOpts) {
					return SweepArgs{Batch: batch}, &river.InsertOpts{MaxAttempts: 3}
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Queue{client: client, log: log}, nil
}

func (q *Queue) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	q.log.Info("job queue started")
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (q *Queue) Stop(ctx context.Context) error {
	if err := q.client.Stop(ctx); err != nil {
		return fmt.Errorf("stop river client: %w", err)
	}
	q.log.Info("job queue stopped")
	return nil
}

// MigrateQueue applies river's own schema to the database behind pool.
func MigrateQueue(ctx context.Context, pool *pgxpool.Pool, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}
	for _, v := range res.Versions {
		log.WithField("version", v.Version).Info("river schema migrated")
	}
	return nil
}
