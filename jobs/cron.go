package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CronRunner runs the sweep in-process. It backs deployments without a job
// queue (SQLite). Overlapping runs are skipped, not queued.
type CronRunner struct {
	sweeper Sweeper
	sched   cron.Schedule
	batch   int
	log     logrus.FieldLogger
}

// NewCronRunner prepares a runner that sweeps every time spec fires.
func NewCronRunner(s Sweeper, spec string, batch int, log logrus.FieldLogger) (*CronRunner, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	return &CronRunner{sweeper: s, sched: sched, batch: batch, log: log}, nil
}

// Run blocks until ctx is done. Cancelling ctx also cancels an in-flight
// sweep, which Run waits for before returning.
func (r *CronRunner) Run(ctx context.Context) {
	cl := cronLogger{log: r.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(r.sched, cron.FuncJob(func() {
		if _, err := r.sweeper.SweepExpired(ctx, r.batch); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Error("expiry sweep failed")
		}
	}))

	r.log.Info("expiry sweep scheduler started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.log.Info("expiry sweep scheduler stopped")
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct{ log logrus.FieldLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.WithFields(fields(kv)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.WithFields(fields(kv)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
