package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Core domain models used internally. Transport shapes (HTTP bodies, queue
// messages) live next to their adapters.

// ScanTypeSecurity tags reports produced by the security tool suite.
const ScanTypeSecurity = "security"

// MaxErrorMessageLen bounds the failure text stored on a report.
const MaxErrorMessageLen = 512

// ResultFileName is the artifact the engine leaves in a job's results directory.
const ResultFileName = "final_report.json"

// Credentials is the optional authentication bundle handed to the tools.
type Credentials struct {
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	TokenAuth string `json:"token_auth,omitempty"`
	Cookies   string `json:"cookies,omitempty"`
}

// Present reports whether any credential is set.
func (c Credentials) Present() bool {
	return c.Username != "" || c.Password != "" || c.TokenAuth != "" || c.Cookies != ""
}

// ScanJobRequest is a transient submission; only what is copied into the
// ScanReport outlives it.
type ScanJobRequest struct {
	URL         string
	Tools       []string
	Credentials Credentials
	ScheduledAt *time.Time
	UserID      int64
}

type ScanReport struct {
	ID            string
	UserID        int64
	ScanType      string
	URL           string
	Domain        string
	Status        Status
	Scheduled     bool
	Authenticated bool
	Progression   float64
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Job is what the engine needs to run one scan.
type Job struct {
	ReportID    string
	UserID      int64
	URL         string
	Tools       []string
	Credentials Credentials
	ResultsDir  string
}

// Truncate shortens msg to MaxErrorMessageLen runes.
func Truncate(msg string) string {
	msg = strings.TrimSpace(msg)
	if utf8.RuneCountInString(msg) <= MaxErrorMessageLen {
		return msg
	}
	r := []rune(msg)
	return string(r[:MaxErrorMessageLen-1]) + "…"
}
