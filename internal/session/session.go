// Package session drives one scan job from admission to a terminal status.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"scanhub/internal/domain"
	"scanhub/internal/logger"
	"scanhub/internal/metrics"
	"scanhub/internal/ports"
	"scanhub/internal/workers/scanrunner"
)

const shutdownReason = "interrupted by shutdown"

const (
	defaultFinishRetryDelay = 500 * time.Millisecond
	finishAttempts          = 5
)

// Deps are shared by every session of a process.
type Deps struct {
	Reports  ports.ReportRepository
	Engine   ports.Engine
	Notifier ports.Notifier
	Clock    clockwork.Clock
	Log      logger.Logger
	Metrics  *metrics.Metrics
	// FinishRetryDelay spaces the attempts at the terminal write.
	FinishRetryDelay time.Duration
}

// Session is a scanrunner.Task. A Session runs at most once; a second
// session for the same report finds it no longer queued and does nothing.
type Session struct {
	deps Deps
	job  domain.Job
	log  logger.Logger

	finishMu sync.Mutex
	terminal atomic.Bool

	mu       sync.Mutex
	progress float64
}

var _ scanrunner.Task = (*Session)(nil)

func New(deps Deps, job domain.Job) *Session {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.FinishRetryDelay <= 0 {
		deps.FinishRetryDelay = defaultFinishRetryDelay
	}
	return &Session{
		deps: deps,
		job:  job,
		log: deps.Log.With(
			logger.String("report_id", job.ReportID),
			logger.Int64("user_id", job.UserID)),
	}
}

func (s *Session) ID() string { return s.job.ReportID }

// Run executes the job. ctx is the job's cancellation token; repository
// writes and notifications use a detached copy so they survive cancellation.
func (s *Session) Run(ctx context.Context) {
	bg := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		s.abortBeforeStart(bg, context.Cause(ctx))
		return
	}

	started, err := s.deps.Reports.MarkRunning(bg, s.job.ReportID, s.deps.Clock.Now().UTC())
	if err != nil {
		s.log.Error("could not mark report running", logger.Error(err))
		s.finish(bg, domain.StatusFailed, fmt.Sprintf("could not start scan: %v", err))
		return
	}
	if !started {
		s.log.Warn("report is not queued, skipping run")
		return
	}

	s.log.Info("scan started", logger.String("url", s.job.URL), logger.Strings("tools", s.job.Tools))
	s.notify(bg, domain.SeverityInfo, fmt.Sprintf("Scan started for %s", s.job.URL), false)

	if err := os.MkdirAll(s.job.ResultsDir, 0o755); err != nil {
		s.finish(bg, domain.StatusFailed, fmt.Sprintf("create results directory: %v", err))
		return
	}

	outcome, err := s.invoke(ctx)
	s.conclude(bg, context.Cause(ctx), outcome, err)
}

func (s *Session) invoke(ctx context.Context) (out ports.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return s.deps.Engine.Run(ctx, s.job, s.onProgress(context.WithoutCancel(ctx)))
}

func (s *Session) abortBeforeStart(ctx context.Context, cause error) {
	if errors.Is(cause, scanrunner.ErrShutdown) {
		s.finish(ctx, domain.StatusFailed, shutdownReason)
		return
	}
	s.finish(ctx, domain.StatusCanceled, "canceled before start")
}

func (s *Session) conclude(ctx context.Context, cause error, out ports.Outcome, err error) {
	interrupted := out.Canceled || errors.Is(err, context.Canceled)
	switch {
	case interrupted && errors.Is(cause, scanrunner.ErrShutdown):
		s.finish(ctx, domain.StatusFailed, shutdownReason)
	case interrupted && errors.Is(cause, scanrunner.ErrCancelRequested):
		s.finish(ctx, domain.StatusCanceled, "")
	case err != nil:
		s.finish(ctx, domain.StatusFailed, err.Error())
	case out.Canceled:
		s.finish(ctx, domain.StatusFailed, "engine stopped without a cancellation request")
	case out.Success:
		s.finish(ctx, domain.StatusCompleted, out.Summary)
	default:
		reason := out.Summary
		if reason == "" {
			reason = "scan engine reported failure"
		}
		s.finish(ctx, domain.StatusFailed, reason)
	}
}

// finish performs the single terminal transition of the session. The
// repository write is retried; the session only counts as terminal once the
// write succeeded or the repository refused the transition.
func (s *Session) finish(ctx context.Context, status domain.Status, reason string) {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	if s.terminal.Load() {
		return
	}
	stored := reason
	if status == domain.StatusCompleted {
		stored = ""
	}

	var ok bool
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.deps.FinishRetryDelay), finishAttempts-1),
		ctx)
	err := backoff.RetryNotify(func() error {
		var err error
		ok, err = s.deps.Reports.Finish(ctx, s.job.ReportID, status, s.deps.Clock.Now().UTC(), stored)
		if errors.Is(err, ports.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.log.Warn("could not finish report, retrying",
			logger.String("status", string(status)),
			logger.Duration("wait", wait),
			logger.Error(err))
	})
	if err != nil {
		s.log.Error("could not finish report", logger.String("status", string(status)), logger.Error(err))
		return
	}
	s.terminal.Store(true)
	if !ok {
		s.log.Warn("report already left this state", logger.String("status", string(status)))
		return
	}
	s.deps.Metrics.Finished.WithLabelValues(string(status)).Inc()
	s.log.Info("scan finished", logger.String("status", string(status)), logger.String("reason", reason))

	var severity domain.Severity
	var msg string
	switch status {
	case domain.StatusCompleted:
		severity, msg = domain.SeveritySuccess, fmt.Sprintf("Scan completed for %s", s.job.URL)
		if reason != "" {
			msg += ": " + reason
		}
	case domain.StatusCanceled:
		severity, msg = domain.SeverityWarning, fmt.Sprintf("Scan canceled for %s", s.job.URL)
	default:
		severity, msg = domain.SeverityError, fmt.Sprintf("Scan failed for %s: %s", s.job.URL, domain.Truncate(reason))
	}
	s.notify(ctx, severity, msg, true)
}

func (s *Session) onProgress(ctx context.Context) ports.ProgressFunc {
	return func(progress float64, step string) {
		if s.terminal.Load() {
			return
		}
		progress = min(max(progress, 0), 1)
		s.mu.Lock()
		if progress <= s.progress {
			s.mu.Unlock()
			return
		}
		s.progress = progress
		s.mu.Unlock()

		if err := s.deps.Reports.UpdateProgress(ctx, s.job.ReportID, progress); err != nil {
			s.log.Warn("could not store progress", logger.Float64("progress", progress), logger.Error(err))
		}
		msg := fmt.Sprintf("%d%% %s", int(progress*100), s.job.URL)
		if step != "" {
			msg = fmt.Sprintf("%s: %d%% %s", step, int(progress*100), s.job.URL)
		}
		s.notify(ctx, domain.SeverityProgression, msg, false)
	}
}

func (s *Session) notify(ctx context.Context, sev domain.Severity, msg string, terminal bool) {
	ev := domain.NotificationEvent{
		Message:   msg,
		Severity:  sev,
		UserID:    s.job.UserID,
		ReportID:  s.job.ReportID,
		URL:       s.job.URL,
		Terminal:  terminal,
		CreatedAt: s.deps.Clock.Now().UTC(),
	}
	if terminal {
		ev.ResultsDir = s.job.ResultsDir
	}
	s.deps.Notifier.Notify(ctx, ev)
}
