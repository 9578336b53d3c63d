package ports

import (
	"context"

	"scanhub/internal/domain"
)

// QueueMessage is the durable job descriptor carried by the broker.
type QueueMessage struct {
	URL      string             `json:"url"`
	Tools    []string           `json:"scan_tools"`
	UserID   int64              `json:"user_id"`
	Auth     domain.Credentials `json:"auth"`
	ReportID string             `json:"report_id,omitempty"`
}

// JobPublisher hands a job descriptor to the asynchronous path.
type JobPublisher interface {
	Publish(ctx context.Context, msg QueueMessage) error
}

// ProgressFunc receives engine progress in [0,1] with a short label.
type ProgressFunc func(progress float64, step string)

// Outcome is how the engine judged its own run.
type Outcome struct {
	Success  bool
	Canceled bool
	Summary  string
}

// Engine runs the external tool suite. It must poll ctx between steps;
// cancellation is cooperative only.
type Engine interface {
	Run(ctx context.Context, job domain.Job, progress ProgressFunc) (Outcome, error)
}

// ErrInvalidJob marks a job descriptor that can never be run, however often
// it is retried.
var ErrInvalidJob = errString("invalid scan job")
