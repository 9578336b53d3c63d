package scanrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"scanhub/internal/logger"
	"scanhub/internal/metrics"
)

var (
	// ErrSaturated is returned by TrySubmit when the fast lane backlog is full.
	ErrSaturated = errors.New("scan worker pool saturated")
	// ErrStopped is returned for submissions after Stop.
	ErrStopped = errors.New("scan worker pool stopped")
	// ErrDuplicate is returned when a job with the same id is already admitted.
	ErrDuplicate = errors.New("scan job already admitted")

	// ErrCancelRequested is the context cause of a job canceled by a user.
	ErrCancelRequested = errors.New("scan cancellation requested")
	// ErrShutdown is the context cause of jobs interrupted by Stop.
	ErrShutdown = errors.New("scan worker pool shutting down")
)

const (
	LaneQueue = "queue"
	LaneFast  = "fast"
)

// Task is one unit of scan work. Run must return once it is done with ctx;
// the pool recovers panics but never interrupts a running task.
type Task interface {
	ID() string
	Run(ctx context.Context)
}

type Config struct {
	// Workers serve Submit, the broker-fed lane.
	Workers int
	// FastLaneWorkers serve TrySubmit, the direct submission lane.
	FastLaneWorkers int
	// FastLaneQueue is how many direct jobs may wait for a fast lane worker.
	FastLaneQueue int
}

type admitted struct {
	task   Task
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Pool runs admitted tasks on a fixed set of goroutines per lane.
type Pool struct {
	cfg      Config
	registry *Registry
	log      logger.Logger
	metrics  *metrics.Metrics

	base context.Context
	stop context.CancelCauseFunc
	done chan struct{}

	queue chan admitted
	fast  chan admitted

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func New(cfg Config, registry *Registry, log logger.Logger, m *metrics.Metrics) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.FastLaneWorkers < 1 {
		cfg.FastLaneWorkers = 1
	}
	if cfg.FastLaneQueue < 0 {
		cfg.FastLaneQueue = 0
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Pool{
		cfg:      cfg,
		registry: registry,
		log:      log,
		metrics:  m,
		base:     base,
		stop:     stop,
		done:     make(chan struct{}),
		queue:    make(chan admitted),
		fast:     make(chan admitted, cfg.FastLaneQueue),
	}
}

// Start launches the worker goroutines of both lanes.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.spawn(LaneQueue, p.queue, p.cfg.Workers)
	p.spawn(LaneFast, p.fast, p.cfg.FastLaneWorkers)
	p.log.Info("scan workers started",
		logger.Int("workers", p.cfg.Workers),
		logger.Int("fast_lane_workers", p.cfg.FastLaneWorkers),
		logger.Int("fast_lane_queue", p.cfg.FastLaneQueue))
}

func (p *Pool) spawn(lane string, jobs <-chan admitted, n int) {
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer p.wg.Done()
			for {
				select {
				case <-p.done:
					return
				case job := <-jobs:
					p.execute(lane, idx, job)
				}
			}
		}(i)
	}
}

func (p *Pool) execute(lane string, idx int, job admitted) {
	id := job.task.ID()
	p.metrics.Running.Inc()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("scan job panicked",
				logger.String("report_id", id),
				logger.String("lane", lane),
				logger.Int("worker", idx),
				logger.Any("panic", r))
		}
		p.registry.remove(id)
		job.cancel(nil)
		p.metrics.Running.Dec()
	}()
	job.task.Run(job.ctx)
}

func (p *Pool) admit(task Task) (admitted, error) {
	ctx, cancel := context.WithCancelCause(p.base)
	if !p.registry.add(task.ID(), cancel) {
		cancel(nil)
		return admitted{}, fmt.Errorf("%w: %s", ErrDuplicate, task.ID())
	}
	return admitted{task: task, ctx: ctx, cancel: cancel}, nil
}

func (p *Pool) release(job admitted) {
	p.registry.remove(job.task.ID())
	job.cancel(nil)
}

// Submit hands task to the queue lane and blocks until a worker accepts it,
// ctx ends or the pool stops. Acceptance is what the broker consumer acks on.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	job, err := p.admit(task)
	if err != nil {
		return err
	}
	select {
	case p.queue <- job:
		p.metrics.Admitted.WithLabelValues(LaneQueue).Inc()
		return nil
	case <-ctx.Done():
		p.release(job)
		return ctx.Err()
	case <-p.done:
		p.release(job)
		return ErrStopped
	}
}

// TrySubmit hands task to the fast lane without blocking.
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	job, err := p.admit(task)
	if err != nil {
		return err
	}
	select {
	case p.fast <- job:
		p.metrics.Admitted.WithLabelValues(LaneFast).Inc()
		return nil
	default:
		p.release(job)
		return ErrSaturated
	}
}

// Cancel requests cooperative cancellation of a live job.
func (p *Pool) Cancel(id string) bool {
	return p.registry.Cancel(id)
}

// Stop cancels every job with ErrShutdown, waits for the workers until ctx
// ends, then lets fast lane jobs that never started observe the shutdown.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.stop(ErrShutdown)
	close(p.done)
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		p.log.Warn("scan workers did not stop in time", logger.Int("live_jobs", p.registry.Len()))
		return ctx.Err()
	}

	for {
		select {
		case job := <-p.fast:
			p.execute(LaneFast, -1, job)
		default:
			p.log.Info("scan workers stopped")
			return nil
		}
	}
}
