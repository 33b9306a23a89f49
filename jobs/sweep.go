// Package jobs schedules the periodic expiry sweep.
//
// With Postgres the sweep runs as a river periodic job, so only the elected
// leader enqueues it and a crashed run is retried. The SQLite build has no
// queue and runs the sweep in-process on the same cron schedule.
package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/entitlesync/core"
)

// SweepKind is the river job kind of the expiry sweep.
const SweepKind = "tier_expiry_sweep"

// Sweeper runs one sweep pass. *core.Service implements it.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (core.SweepResult, error)
}

// SweepArgs are the arguments of a sweep job.
type SweepArgs struct {
	Batch int `json:"batch"`
}

func (SweepArgs) Kind() string { return SweepKind }

// SweepWorker executes sweep jobs.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]

	sweeper Sweeper
	log     logrus.FieldLogger
}

func NewSweepWorker(s Sweeper, log logrus.FieldLogger) *SweepWorker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SweepWorker{sweeper: s, log: log}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	res, err := w.sweeper.SweepExpired(ctx, job.Args.Batch)
	if err != nil {
		return fmt.Errorf("expiry sweep: %w", err)
	}
	w.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"attempt":  job.Attempt,
		"scanned":  res.Scanned,
		"demoted":  res.Demoted,
		"extended": res.Extended,
	}).Debug("sweep job done")
	return nil
}

// ParseSchedule parses a standard five-field cron expression or a
// descriptor such as "@hourly" or "@every 10m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return sched, nil
}
