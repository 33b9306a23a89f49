package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulFidika/entitlesync/core"
)

type fakeSweeper struct {
	calls  chan int
	result core.SweepResult
	err    error
}

func (f *fakeSweeper) SweepExpired(_ context.Context, limit int) (core.SweepResult, error) {
	select {
	case f.calls <- limit:
	default:
	}
	return f.result, f.err
}

func TestSweepWorkerPassesBatch(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	s := &fakeSweeper{calls: make(chan int, 1), result: core.SweepResult{Scanned: 3, Demoted: 2, Extended: 1}}
	w := NewSweepWorker(s, log)

	job := &river.Job[SweepArgs]{JobRow: &rivertype.JobRow{ID: 9, Attempt: 1}, Args: SweepArgs{Batch: 25}}
	require.NoError(t, w.Work(context.Background(), job))
	assert.Equal(t, 25, <-s.calls)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, 2, hook.LastEntry().Data["demoted"])
}

func TestSweepWorkerReturnsErrorForRetry(t *testing.T) {
	boom := errors.New("db down")
	w := NewSweepWorker(&fakeSweeper{calls: make(chan int, 1), err: boom}, nil)
	err := w.Work(context.Background(), &river.Job[SweepArgs]{JobRow: &rivertype.JobRow{ID: 1}, Args: SweepArgs{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSweepArgsKind(t *testing.T) {
	assert.Equal(t, "tier_expiry_sweep", SweepArgs{}.Kind())
}

func TestParseSchedule(t *testing.T) {
	sched, err := ParseSchedule("*/15 * * * *")
	require.NoError(t, err)
	from := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC), sched.Next(from))

	_, err = ParseSchedule("whenever")
	assert.Error(t, err)
}

func TestCronRunnerSweepsUntilCanceled(t *testing.T) {
	s := &fakeSweeper{calls: make(chan int, 1)}
	log, _ := test.NewNullLogger()
	r, err := NewCronRunner(s, "@every 1s", 40, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case got := <-s.calls:
		assert.Equal(t, 40, got)
	case <-time.After(5 * time.Second):
		t.Fatal("sweep never ran")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestNewCronRunnerRejectsBadSchedule(t *testing.T) {
	_, err := NewCronRunner(&fakeSweeper{}, "nope", 1, nil)
	assert.Error(t, err)
}

// blockingSweeper holds each sweep open until its context ends.
type blockingSweeper struct {
	once     sync.Once
	started  chan struct{}
	finished chan error
}

func (b *blockingSweeper) SweepExpired(ctx context.Context, _ int) (core.SweepResult, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	select {
	case b.finished <- ctx.Err():
	default:
	}
	return core.SweepResult{}, ctx.Err()
}

func TestCronRunnerCancelsInFlightSweep(t *testing.T) {
	s := &blockingSweeper{started: make(chan struct{}), finished: make(chan error, 1)}
	r, err := NewCronRunner(s, "@every 1s", 10, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-s.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep never started")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner stayed blocked on the in-flight sweep")
	}
	assert.ErrorIs(t, <-s.finished, context.Canceled)
}
