package notify

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	jira "github.com/andygrunwald/go-jira"

	"scanhub/internal/domain"
)

// sprintField is the Jira custom field that assigns an issue to a sprint.
const sprintField = "customfield_10020"

// IssueChannel files a Jira issue in the active sprint of the user's board
// for every completed scan and attaches the report artifact to it.
type IssueChannel struct {
	client    *http.Client
	issueType string
}

func NewIssueChannel(client *http.Client) *IssueChannel {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &IssueChannel{client: client, issueType: "Task"}
}

func (c *IssueChannel) Name() string { return "issue" }

func (c *IssueChannel) Deliver(ctx context.Context, ev domain.NotificationEvent, prefs domain.DeliveryPreferences) error {
	if !ev.Terminal || ev.Severity != domain.SeveritySuccess {
		return ErrSkipped
	}
	settings := prefs.Jira
	if !settings.Configured() {
		return fmt.Errorf("%w: jira not configured", ErrSkipped)
	}

	api, err := c.jiraClient(settings)
	if err != nil {
		return err
	}
	sprint, err := activeSprint(ctx, api, settings.Board)
	if err != nil {
		return err
	}
	key, err := c.createIssue(ctx, api, settings.ProjectKey, sprint, "Security scan report for "+ev.URL, ev.Message)
	if err != nil {
		return err
	}
	if artifact, _, ok := artifactOf(ev); ok {
		if err := attach(ctx, api, key, artifact); err != nil {
			return err
		}
	}
	return nil
}

// jiraClient authenticates every request with the user's email and API token.
func (c *IssueChannel) jiraClient(settings domain.JiraSettings) (*jira.Client, error) {
	tp := &jira.BasicAuthTransport{
		Username:  settings.Email,
		Password:  settings.Token,
		Transport: c.client.Transport,
	}
	api, err := jira.NewClient(&http.Client{Transport: tp, Timeout: c.client.Timeout}, settings.Domain)
	if err != nil {
		return nil, fmt.Errorf("jira client: %w", err)
	}
	return api, nil
}

func activeSprint(ctx context.Context, api *jira.Client, board string) (int, error) {
	boardID, err := strconv.Atoi(board)
	if err != nil {
		return 0, fmt.Errorf("jira board %q: %w", board, err)
	}
	list, resp, err := api.Board.GetAllSprintsWithOptionsWithContext(ctx, boardID, &jira.GetAllSprintsOptions{State: "active"})
	if err != nil {
		return 0, fmt.Errorf("list sprints: %w", jira.NewJiraError(resp, err))
	}
	for _, s := range list.Values {
		if s.State == "active" {
			return s.ID, nil
		}
	}
	return 0, fmt.Errorf("no active sprint on board %s", board)
}

func (c *IssueChannel) createIssue(ctx context.Context, api *jira.Client, project string, sprint int, summary, description string) (string, error) {
	issue := &jira.Issue{Fields: &jira.IssueFields{
		Project:     jira.Project{Key: project},
		Summary:     summary,
		Description: description,
		Type:        jira.IssueType{Name: c.issueType},
		Unknowns:    map[string]any{sprintField: sprint},
	}}
	created, resp, err := api.Issue.CreateWithContext(ctx, issue)
	if err != nil {
		return "", fmt.Errorf("create issue: %w", jira.NewJiraError(resp, err))
	}
	return created.Key, nil
}

func attach(ctx context.Context, api *jira.Client, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, resp, err := api.Issue.PostAttachmentWithContext(ctx, key, f, filepath.Base(path)); err != nil {
		return fmt.Errorf("attach report to %s: %w", key, jira.NewJiraError(resp, err))
	}
	return nil
}
