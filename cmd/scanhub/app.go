package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"scanhub/internal/adapters/memory"
	"scanhub/internal/adapters/postgres"
	"scanhub/internal/config"
	"scanhub/internal/domain"
	"scanhub/internal/engine"
	"scanhub/internal/logger"
	"scanhub/internal/metrics"
	"scanhub/internal/notify"
	"scanhub/internal/ports"
	"scanhub/internal/services/scanner"
	"scanhub/internal/session"
	"scanhub/internal/workers/scanrunner"
)

const shutdownTimeout = 30 * time.Second

// app holds what every command shares: settings, logging, metrics and the
// repositories.
type app struct {
	cfg     config.Config
	log     logger.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock

	reports       ports.ReportRepository
	notifications ports.NotificationRepository
	prefs         ports.PreferencesRepository
	close         func()
}

func loadConfig() (config.Config, logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, fmt.Errorf("config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.Env == "development"})
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, metrics: metrics.New(), clock: clockwork.NewRealClock(), close: func() {}}

	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory repositories")
		store := memory.New()
		a.reports, a.notifications, a.prefs = store, store, store
		return a, nil
	}
	db, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a.reports, a.notifications, a.prefs = db, db, db
	a.close = db.Close
	return a, nil
}

func (a *app) shutdown() {
	a.close()
	_ = a.log.Sync()
}

func (a *app) dashboardURL() string {
	if a.cfg.FrontLink == "" {
		return ""
	}
	return strings.TrimSuffix(a.cfg.FrontLink, "/") + "/tester/dashboard"
}

// originPatterns lets the dashboard host open push sockets.
func (a *app) originPatterns() []string {
	if a.cfg.FrontLink == "" {
		return nil
	}
	u, err := url.Parse(a.cfg.FrontLink)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}

// notifier builds the fanout. pusher may be nil when no live channel is
// reachable from this process.
func (a *app) notifier(pusher ports.Pusher) (*notify.Service, error) {
	var channels []notify.Channel
	if pusher != nil {
		channels = append(channels, notify.NewPushChannel(pusher))
	}
	channels = append(channels,
		notify.NewStoreChannel(a.notifications),
		notify.NewChatChannel(notify.ChatConfig{
			Token:        a.cfg.Slack.Token,
			ChannelID:    a.cfg.Slack.ChannelID,
			APIURL:       a.cfg.Slack.APIURL,
			RateLimit:    a.cfg.Slack.RateLimit,
			DashboardURL: a.dashboardURL(),
		}),
		notify.NewIssueChannel(&http.Client{Timeout: 30 * time.Second}),
	)

	if a.cfg.SMTP.Enabled() {
		mailer, err := notify.NewSMTPMailer(a.cfg.SMTP)
		if err != nil {
			return nil, fmt.Errorf("smtp client: %w", err)
		}
		attempts := int(a.cfg.Engine.AttachmentWait / time.Second)
		email, err := notify.NewEmailChannel(mailer, notify.EmailConfig{
			From:         a.cfg.SMTP.From,
			PollInterval: time.Second,
			PollAttempts: attempts,
			DashboardURL: a.dashboardURL(),
		}, a.clock)
		if err != nil {
			return nil, err
		}
		channels = append(channels, email)
	} else {
		a.log.Info("SMTP not configured, email delivery disabled")
	}
	return notify.New(a.prefs, a.log, a.metrics, channels), nil
}

func (a *app) pool() *scanrunner.Pool {
	return scanrunner.New(scanrunner.Config{
		Workers:         a.cfg.Pool.Workers,
		FastLaneWorkers: a.cfg.Pool.FastLaneWorkers,
		FastLaneQueue:   a.cfg.Pool.FastLaneQueue,
	}, scanrunner.NewRegistry(), a.log, a.metrics)
}

// gateway wires the submission service. publisher is nil in a process that
// only consumes.
func (a *app) gateway(pool *scanrunner.Pool, notifier ports.Notifier, publisher ports.JobPublisher) *scanner.Service {
	eng := engine.NewCommand(a.cfg.Engine.Tools, a.log)
	deps := session.Deps{
		Reports:  a.reports,
		Engine:   eng,
		Notifier: notifier,
		Clock:    a.clock,
		Log:      a.log,
		Metrics:  a.metrics,
	}
	return scanner.New(scanner.Deps{
		Reports:   a.reports,
		Publisher: publisher,
		Pool:      pool,
		NewTask: func(job domain.Job) scanrunner.Task {
			return session.New(deps, job)
		},
		Notifier:   notifier,
		Clock:      a.clock,
		Log:        a.log,
		ResultsDir: a.cfg.Engine.ResultsDir,
		Tools:      eng.Tools(),
	})
}
