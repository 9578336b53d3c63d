package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanhub/internal/adapters/memory"
	"scanhub/internal/domain"
	"scanhub/internal/logger"
	"scanhub/internal/metrics"
	"scanhub/internal/ports"
	"scanhub/internal/session"
	"scanhub/internal/workers/scanrunner"
)

// newPipeline wires the gateway to a real worker pool whose tasks are scan
// sessions, so only the engine is faked.
func newPipeline(t *testing.T, engine ports.Engine) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	m := metrics.New()
	pool := scanrunner.New(scanrunner.Config{Workers: 1, FastLaneWorkers: 2, FastLaneQueue: 2},
		scanrunner.NewRegistry(), logger.NewNop(), m)
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	deps := session.Deps{Reports: store, Engine: engine, Notifier: nopNotifier{}, Log: logger.NewNop(), Metrics: m}
	svc := New(Deps{
		Reports:    store,
		Pool:       pool,
		NewTask:    func(j domain.Job) scanrunner.Task { return session.New(deps, j) },
		Notifier:   nopNotifier{},
		Log:        logger.NewNop(),
		ResultsDir: t.TempDir(),
		Tools:      []string{"nikto", "zap"},
	})
	return svc, store
}

func waitStatus(t *testing.T, svc *Service, id string, want domain.Status) domain.ScanReport {
	t.Helper()
	var r domain.ScanReport
	require.Eventually(t, func() bool {
		var err error
		r, err = svc.Report(context.Background(), id)
		return err == nil && r.Status == want
	}, 2*time.Second, 5*time.Millisecond, "report %s never reached %s", id, want)
	return r
}

func TestPipeline_DirectScanCompletes(t *testing.T) {
	svc, _ := newPipeline(t, engineFunc(func(_ context.Context, _ domain.Job, progress ports.ProgressFunc) (ports.Outcome, error) {
		progress(0.5, "nikto")
		return ports.Outcome{Success: true}, nil
	}))

	id, err := svc.SubmitDirect(context.Background(), request())
	require.NoError(t, err)

	r := waitStatus(t, svc, id, domain.StatusCompleted)
	assert.Equal(t, 1.0, r.Progression)
	assert.NotNil(t, r.StartedAt)
	assert.NotNil(t, r.FinishedAt)
}

func TestPipeline_CancelLiveScan(t *testing.T) {
	started := make(chan struct{})
	svc, _ := newPipeline(t, engineFunc(func(ctx context.Context, _ domain.Job, _ ports.ProgressFunc) (ports.Outcome, error) {
		close(started)
		<-ctx.Done()
		return ports.Outcome{}, ctx.Err()
	}))

	ctx := context.Background()
	id, err := svc.SubmitDirect(ctx, request())
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never started")
	}

	require.NoError(t, svc.Cancel(ctx, id))
	waitStatus(t, svc, id, domain.StatusCanceled)

	assert.Eventually(t, func() bool {
		return errors.Is(svc.Cancel(ctx, id), ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond, "a finished scan is no longer cancelable")
}

type engineFunc func(ctx context.Context, job domain.Job, progress ports.ProgressFunc) (ports.Outcome, error)

func (f engineFunc) Run(ctx context.Context, job domain.Job, progress ports.ProgressFunc) (ports.Outcome, error) {
	return f(ctx, job, progress)
}
