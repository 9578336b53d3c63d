package domain

import "time"

// Severity tags a notification event.
type Severity string

const (
	SeverityInfo        Severity = "info"
	SeveritySuccess     Severity = "success"
	SeverityWarning     Severity = "warning"
	SeverityError       Severity = "error"
	SeverityProgression Severity = "progression"
)

// NotificationEvent is one message fanned out to every delivery channel.
// Terminal events carry the results directory so channels can attach the
// report artifact.
type NotificationEvent struct {
	Message    string
	Severity   Severity
	UserID     int64
	ReportID   string
	URL        string
	Terminal   bool
	ResultsDir string
	CreatedAt  time.Time
}

// PushPayload is the JSON body sent to connected clients.
type PushPayload struct {
	Message   string    `json:"message"`
	Type      Severity  `json:"type"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (e NotificationEvent) Payload() PushPayload {
	return PushPayload{Message: e.Message, Type: e.Severity, UserID: e.UserID, CreatedAt: e.CreatedAt}
}

// Notification is the durable record of an event. Only IsRead ever changes.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Message   string    `json:"message"`
	Type      Severity  `json:"type"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// JiraSettings are the issue tracker credentials of a user.
type JiraSettings struct {
	Email      string
	Token      string
	Domain     string
	Board      string
	ProjectKey string
}

func (j JiraSettings) Configured() bool {
	return j.Email != "" && j.Token != "" && j.Domain != "" && j.Board != "" && j.ProjectKey != ""
}

// DeliveryPreferences is owned by the user settings screens; the fanout only
// reads it.
type DeliveryPreferences struct {
	UserID         int64
	Emails         []string
	SlackToken     string
	SlackChannelID string
	Jira           JiraSettings
}
