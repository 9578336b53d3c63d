package notify

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wneessen/go-mail"

	"scanhub/internal/config"
	"scanhub/internal/domain"
)

//go:embed templates/email-report.html
var templates embed.FS

const emailSubject = "Scan Results Report"

// Mailer sends composed messages. *mail.Client satisfies it.
type Mailer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// NewSMTPMailer builds a go-mail client from the SMTP settings.
func NewSMTPMailer(cfg config.SMTPConfig) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTimeout(30 * time.Second),
	}
	if cfg.SSL {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	return mail.NewClient(cfg.Host, opts...)
}

type EmailConfig struct {
	From         string
	PollInterval time.Duration
	PollAttempts int
	DashboardURL string
}

// EmailChannel mails the report artifact of terminal events to the user's
// recipient list. The artifact may still be flushing when the event fires,
// so it is polled for a bounded time first.
type EmailChannel struct {
	mailer Mailer
	cfg    EmailConfig
	clock  clockwork.Clock
	tmpl   *template.Template
}

func NewEmailChannel(mailer Mailer, cfg EmailConfig, clock clockwork.Clock) (*EmailChannel, error) {
	tmpl, err := template.ParseFS(templates, "templates/email-report.html")
	if err != nil {
		return nil, fmt.Errorf("parse email template: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 10
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EmailChannel{mailer: mailer, cfg: cfg, clock: clock, tmpl: tmpl}, nil
}

func (c *EmailChannel) Name() string { return "email" }

type reportView struct {
	Message      string
	TargetURL    string
	ScanType     string
	StartTime    string
	EndTime      string
	Duration     string
	High         int
	Medium       int
	Low          int
	Info         int
	DashboardURL string
}

func (c *EmailChannel) Deliver(ctx context.Context, ev domain.NotificationEvent, prefs domain.DeliveryPreferences) error {
	if !ev.Terminal || ev.ResultsDir == "" {
		return ErrSkipped
	}
	if len(prefs.Emails) == 0 {
		return fmt.Errorf("%w: no recipients", ErrSkipped)
	}
	path := filepath.Join(ev.ResultsDir, domain.ResultFileName)
	if !waitForFile(ctx, c.clock, path, c.cfg.PollInterval, c.cfg.PollAttempts) {
		return fmt.Errorf("%w: %s not found", ErrSkipped, path)
	}

	var body bytes.Buffer
	if err := c.tmpl.Execute(&body, c.view(ev, path)); err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(c.cfg.From); err != nil {
		return fmt.Errorf("email sender: %w", err)
	}
	if err := msg.To(prefs.Emails...); err != nil {
		return fmt.Errorf("email recipients: %w", err)
	}
	msg.Subject(emailSubject)
	msg.SetBodyString(mail.TypeTextPlain, "Hello,\n\nYour scan report is ready. Please view it using a compatible email client.")
	msg.AddAlternativeString(mail.TypeTextHTML, body.String())
	msg.AttachFile(path)

	if err := c.mailer.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (c *EmailChannel) view(ev domain.NotificationEvent, path string) reportView {
	v := reportView{
		Message:      ev.Message,
		TargetURL:    ev.URL,
		ScanType:     "Security",
		StartTime:    "N/A",
		EndTime:      "N/A",
		Duration:     "N/A",
		DashboardURL: c.cfg.DashboardURL,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return v
	}
	var rf domain.ResultFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return v
	}
	d := rf.Details
	if d.URL != "" {
		v.TargetURL = d.URL
	}
	if d.StartScanDate != "" {
		v.StartTime = d.StartScanDate
	}
	if d.LastScanDate != "" {
		v.EndTime = d.LastScanDate
	}
	if d.ScanDuration != "" {
		v.Duration = d.ScanDuration
	}
	v.High, v.Medium, v.Low, v.Info = d.TotalHigh, d.TotalMedium, d.TotalLow, d.TotalInfo
	return v
}

// waitForFile polls for path up to attempts times, interval apart.
func waitForFile(ctx context.Context, clock clockwork.Clock, path string, interval time.Duration, attempts int) bool {
	for i := 0; i < attempts; i++ {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return true
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-clock.After(interval):
		}
	}
	return false
}
