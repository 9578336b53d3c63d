package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanhub/internal/domain"
)

func jiraPrefs(url string) domain.DeliveryPreferences {
	return domain.DeliveryPreferences{Jira: domain.JiraSettings{
		Email: "qa@example.com", Token: "tok", Domain: url, Board: "7", ProjectKey: "SEC",
	}}
}

func TestIssue_CreatesIssueInActiveSprintAndAttaches(t *testing.T) {
	var created map[string]any
	var attached bool
	var sprintState string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "qa@example.com" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/rest/agile/1.0/board/7/sprint":
			sprintState = r.URL.Query().Get("state")
			_, _ = w.Write([]byte(`{"values":[{"id":1,"state":"closed"},{"id":42,"state":"active"}]}`))
		case "/rest/api/2/issue":
			_ = json.NewDecoder(r.Body).Decode(&created)
			_, _ = w.Write([]byte(`{"key":"SEC-9"}`))
		case "/rest/api/2/issue/SEC-9/attachments":
			attached = r.Header.Get("X-Atlassian-Token") == "no-check"
			_, _ = w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeArtifact(t, dir)
	ch := NewIssueChannel(srv.Client())

	require.NoError(t, ch.Deliver(context.Background(), terminalEvent(dir), jiraPrefs(srv.URL)))

	fields := created["fields"].(map[string]any)
	assert.Equal(t, float64(42), fields[sprintField])
	assert.Equal(t, "SEC", fields["project"].(map[string]any)["key"])
	assert.True(t, attached)
	assert.Equal(t, "active", sprintState)
}

func TestIssue_JiraErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rest/agile/1.0/board/7/sprint" {
			_, _ = w.Write([]byte(`{"values":[{"id":42,"state":"active"}]}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorMessages":["project SEC does not exist"]}`))
	}))
	defer srv.Close()

	err := NewIssueChannel(srv.Client()).Deliver(context.Background(), terminalEvent(""), jiraPrefs(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create issue")
	assert.Contains(t, err.Error(), "project SEC does not exist")
}

func TestIssue_InvalidBoard(t *testing.T) {
	prefs := jiraPrefs("http://jira.invalid")
	prefs.Jira.Board = "main"
	err := NewIssueChannel(nil).Deliver(context.Background(), terminalEvent(""), prefs)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSkipped)
}

func TestIssue_NoActiveSprint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"values":[{"id":1,"state":"future"}]}`))
	}))
	defer srv.Close()

	err := NewIssueChannel(srv.Client()).Deliver(context.Background(), terminalEvent(""), jiraPrefs(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active sprint")
}

func TestIssue_Skips(t *testing.T) {
	ch := NewIssueChannel(nil)
	ctx := context.Background()

	failed := terminalEvent("")
	failed.Severity = domain.SeverityError
	assert.ErrorIs(t, ch.Deliver(ctx, failed, jiraPrefs("http://jira")), ErrSkipped)
	assert.ErrorIs(t, ch.Deliver(ctx, terminalEvent(""), domain.DeliveryPreferences{}), ErrSkipped)
}
