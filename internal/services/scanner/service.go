package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/publicsuffix"

	"scanhub/internal/domain"
	"scanhub/internal/logger"
	"scanhub/internal/ports"
	"scanhub/internal/workers/scanrunner"
)

var (
	ErrNotFound          = errors.New("scan job not found")
	ErrInvalidRequest    = ports.ErrInvalidJob
	ErrScheduleInPast    = fmt.Errorf("%w: scheduled time must be in the future", ErrInvalidRequest)
	ErrBrokerUnavailable = errors.New("job queue unavailable")
	ErrSaturated         = scanrunner.ErrSaturated
)

// Pool admits tasks to the bounded workers. *scanrunner.Pool satisfies it.
type Pool interface {
	Submit(ctx context.Context, task scanrunner.Task) error
	TrySubmit(task scanrunner.Task) error
	Cancel(id string) bool
}

// Deps wires the gateway. Publisher is nil in a process that only consumes.
type Deps struct {
	Reports    ports.ReportRepository
	Publisher  ports.JobPublisher
	Pool       Pool
	NewTask    func(domain.Job) scanrunner.Task
	Notifier   ports.Notifier
	Clock      clockwork.Clock
	Log        logger.Logger
	ResultsDir string
	// Tools, when set, is the list of tool ids a request may select.
	Tools []string
}

type schedule struct {
	timer clockwork.Timer
	job   domain.Job
}

// Service is the entry point for every scan submission path.
type Service struct {
	deps Deps

	mu        sync.Mutex
	scheduled map[string]schedule
	closed    bool
}

func New(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Service{deps: deps, scheduled: make(map[string]schedule)}
}

type target struct {
	url    string
	domain string
	tools  []string
}

func (s *Service) validate(rawurl string, tools []string, userID int64) (target, error) {
	if userID <= 0 {
		return target{}, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	rawurl = strings.TrimSpace(rawurl)
	u, err := url.Parse(rawurl)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return target{}, fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidRequest)
	}
	host := u.Hostname()
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		registrable = host
	}

	seen := make(map[string]bool, len(tools))
	var out []string
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		if len(s.deps.Tools) > 0 && !contains(s.deps.Tools, t) {
			return target{}, fmt.Errorf("%w: unknown tool %q", ErrInvalidRequest, t)
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return target{}, fmt.Errorf("%w: at least one tool is required", ErrInvalidRequest)
	}
	return target{url: rawurl, domain: strings.ToLower(registrable), tools: out}, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Service) create(ctx context.Context, id string, t target, userID int64, creds domain.Credentials, scheduled bool) (domain.Job, error) {
	if id == "" {
		id = uuid.NewString()
	}
	report := &domain.ScanReport{
		ID:            id,
		UserID:        userID,
		ScanType:      domain.ScanTypeSecurity,
		URL:           t.url,
		Domain:        t.domain,
		Status:        domain.StatusQueued,
		Scheduled:     scheduled,
		Authenticated: creds.Present(),
		CreatedAt:     s.deps.Clock.Now().UTC(),
	}
	if err := s.deps.Reports.Create(ctx, report); err != nil {
		return domain.Job{}, fmt.Errorf("create report: %w", err)
	}
	return domain.Job{
		ReportID:    report.ID,
		UserID:      userID,
		URL:         t.url,
		Tools:       t.tools,
		Credentials: creds,
		ResultsDir:  filepath.Join(s.deps.ResultsDir, report.ID),
	}, nil
}

// fail moves a report that never reached a worker to failed.
func (s *Service) fail(ctx context.Context, job domain.Job, reason string) {
	ok, err := s.deps.Reports.Finish(context.WithoutCancel(ctx), job.ReportID, domain.StatusFailed, s.deps.Clock.Now().UTC(), reason)
	if err != nil {
		s.deps.Log.Error("could not fail report", logger.String("report_id", job.ReportID), logger.Error(err))
		return
	}
	if ok {
		s.notify(ctx, job, domain.SeverityError, fmt.Sprintf("Scan failed for %s: %s", job.URL, reason))
	}
}

func (s *Service) notify(ctx context.Context, job domain.Job, sev domain.Severity, msg string) {
	if s.deps.Notifier == nil {
		return
	}
	s.deps.Notifier.Notify(context.WithoutCancel(ctx), domain.NotificationEvent{
		Message:   msg,
		Severity:  sev,
		UserID:    job.UserID,
		ReportID:  job.ReportID,
		URL:       job.URL,
		CreatedAt: s.deps.Clock.Now().UTC(),
	})
}

// SubmitDirect runs the scan on the fast lane without touching the broker.
func (s *Service) SubmitDirect(ctx context.Context, req domain.ScanJobRequest) (string, error) {
	t, err := s.validate(req.URL, req.Tools, req.UserID)
	if err != nil {
		return "", err
	}
	job, err := s.create(ctx, "", t, req.UserID, req.Credentials, false)
	if err != nil {
		return "", err
	}
	if err := s.deps.Pool.TrySubmit(s.deps.NewTask(job)); err != nil {
		s.fail(ctx, job, "not admitted: "+err.Error())
		return "", fmt.Errorf("admit %s: %w", job.ReportID, err)
	}
	s.deps.Log.Info("scan submitted", logger.String("report_id", job.ReportID), logger.String("path", "direct"))
	return job.ReportID, nil
}

// SubmitQueued hands the job to the broker. The id is valid once the broker
// has confirmed the message.
func (s *Service) SubmitQueued(ctx context.Context, req domain.ScanJobRequest) (string, error) {
	t, err := s.validate(req.URL, req.Tools, req.UserID)
	if err != nil {
		return "", err
	}
	if s.deps.Publisher == nil {
		return "", ErrBrokerUnavailable
	}
	job, err := s.create(ctx, "", t, req.UserID, req.Credentials, false)
	if err != nil {
		return "", err
	}
	err = s.deps.Publisher.Publish(ctx, ports.QueueMessage{
		URL:      job.URL,
		Tools:    job.Tools,
		UserID:   job.UserID,
		Auth:     job.Credentials,
		ReportID: job.ReportID,
	})
	if err != nil {
		s.deps.Log.Error("could not publish job", logger.String("report_id", job.ReportID), logger.Error(err))
		s.fail(ctx, job, "job queue unavailable")
		return "", fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	s.deps.Log.Info("scan submitted", logger.String("report_id", job.ReportID), logger.String("path", "queued"))
	s.notify(ctx, job, domain.SeverityInfo, fmt.Sprintf("Scan queued for %s", job.URL))
	return job.ReportID, nil
}

// AdmitQueued is the consumer side of SubmitQueued. It blocks until a queue
// lane worker accepts the job. A message whose report already left queued
// was delivered before; admitting it again would run the scan twice.
func (s *Service) AdmitQueued(ctx context.Context, msg ports.QueueMessage) error {
	log := s.deps.Log.With(logger.String("report_id", msg.ReportID), logger.Int64("user_id", msg.UserID))
	t, err := s.validate(msg.URL, msg.Tools, msg.UserID)
	if err != nil {
		s.rejectQueued(ctx, msg.ReportID, err)
		return err
	}

	var job domain.Job
	report, err := s.deps.Reports.Get(ctx, msg.ReportID)
	switch {
	case msg.ReportID == "" || errors.Is(err, ports.ErrNotFound):
		if job, err = s.create(ctx, msg.ReportID, t, msg.UserID, msg.Auth, false); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load report: %w", err)
	case report.Status != domain.StatusQueued:
		log.Warn("ignoring redelivered job", logger.String("status", string(report.Status)))
		return nil
	default:
		job = domain.Job{
			ReportID:    report.ID,
			UserID:      msg.UserID,
			URL:         t.url,
			Tools:       t.tools,
			Credentials: msg.Auth,
			ResultsDir:  filepath.Join(s.deps.ResultsDir, report.ID),
		}
	}

	err = s.deps.Pool.Submit(ctx, s.deps.NewTask(job))
	if errors.Is(err, scanrunner.ErrDuplicate) {
		log.Warn("job already running in this process")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("queued scan admitted")
	return nil
}

// rejectQueued fails the queued report of a message that will be dropped, so
// it does not stay queued forever.
func (s *Service) rejectQueued(ctx context.Context, id string, cause error) {
	if id == "" {
		return
	}
	report, err := s.deps.Reports.Get(ctx, id)
	if err != nil || report.Status != domain.StatusQueued {
		return
	}
	s.fail(ctx, domain.Job{ReportID: report.ID, UserID: report.UserID, URL: report.URL}, "invalid job: "+cause.Error())
}

// SubmitScheduled records the job now and admits it on the fast lane at at.
func (s *Service) SubmitScheduled(ctx context.Context, req domain.ScanJobRequest, at time.Time) (string, error) {
	delay := at.Sub(s.deps.Clock.Now())
	if delay <= 0 {
		return "", ErrScheduleInPast
	}
	t, err := s.validate(req.URL, req.Tools, req.UserID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", scanrunner.ErrStopped
	}

	job, err := s.create(ctx, "", t, req.UserID, req.Credentials, true)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	timer := s.deps.Clock.AfterFunc(delay, func() { s.fire(job.ReportID) })
	s.scheduled[job.ReportID] = schedule{timer: timer, job: job}
	s.deps.Log.Info("scan scheduled",
		logger.String("report_id", job.ReportID),
		logger.Time("at", at.UTC()))
	return job.ReportID, nil
}

func (s *Service) fire(id string) {
	s.mu.Lock()
	sched, ok := s.scheduled[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.scheduled, id)
	err := s.deps.Pool.TrySubmit(s.deps.NewTask(sched.job))
	s.mu.Unlock()

	if err != nil {
		s.deps.Log.Error("scheduled scan not admitted", logger.String("report_id", id), logger.Error(err))
		s.fail(context.Background(), sched.job, "not admitted at scheduled time: "+err.Error())
	}
}

// Cancel raises the cancellation signal of a live job or withdraws a
// scheduled one that has not fired yet.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	sched, armed := s.scheduled[id]
	if armed {
		delete(s.scheduled, id)
		sched.timer.Stop()
	} else if s.deps.Pool.Cancel(id) {
		s.mu.Unlock()
		s.deps.Log.Info("cancellation requested", logger.String("report_id", id))
		return nil
	}
	s.mu.Unlock()
	if !armed {
		return ErrNotFound
	}

	ok, err := s.deps.Reports.Finish(ctx, id, domain.StatusCanceled, s.deps.Clock.Now().UTC(), "")
	if err != nil {
		return fmt.Errorf("cancel scheduled scan: %w", err)
	}
	if ok {
		s.notify(ctx, sched.job, domain.SeverityWarning, fmt.Sprintf("Scheduled scan canceled for %s", sched.job.URL))
	}
	s.deps.Log.Info("scheduled scan withdrawn", logger.String("report_id", id))
	return nil
}

// Report returns the current state of a scan report.
func (s *Service) Report(ctx context.Context, id string) (domain.ScanReport, error) {
	r, err := s.deps.Reports.Get(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return r, ErrNotFound
	}
	return r, err
}

// Shutdown disarms every scheduled trigger. Their reports are failed since
// the schedule does not survive the process.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	pending := s.scheduled
	s.scheduled = make(map[string]schedule)
	s.mu.Unlock()

	for _, sched := range pending {
		sched.timer.Stop()
		s.fail(ctx, sched.job, "interrupted by shutdown")
	}
	if len(pending) > 0 {
		s.deps.Log.Info("scheduled scans disarmed", logger.Int("count", len(pending)))
	}
}

// Scheduled reports how many triggers are armed.
func (s *Service) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}
