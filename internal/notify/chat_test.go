package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanhub/internal/domain"
)

type slackStub struct {
	*httptest.Server
	mu    sync.Mutex
	calls []string
	forms []map[string]string
}

func newSlackStub(t *testing.T) *slackStub {
	t.Helper()
	s := &slackStub{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{"authorization": r.Header.Get("Authorization")}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		method := strings.TrimPrefix(r.URL.Path, "/")
		s.mu.Lock()
		s.calls = append(s.calls, method)
		s.forms = append(s.forms, form)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "chat.postMessage":
			_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
		case "files.getUploadURLExternal":
			_, _ = w.Write([]byte(`{"ok":true,"upload_url":"` + s.URL + `/upload","file_id":"F1"}`))
		case "files.completeUploadExternal":
			_, _ = w.Write([]byte(`{"ok":true,"files":[{"id":"F1","title":"report"}]}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *slackStub) called(method string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.calls {
		if c == method {
			return s.forms[i], true
		}
	}
	return nil, false
}

func terminalEvent(dir string) domain.NotificationEvent {
	return domain.NotificationEvent{
		Message:    "Scan completed for https://example.com",
		Severity:   domain.SeveritySuccess,
		UserID:     1,
		ReportID:   "r1",
		URL:        "https://example.com",
		Terminal:   true,
		ResultsDir: dir,
	}
}

func TestChat_SkipsNonTerminalAndUnconfigured(t *testing.T) {
	ch := NewChatChannel(ChatConfig{})
	ctx := context.Background()

	assert.ErrorIs(t, ch.Deliver(ctx, domain.NotificationEvent{Message: "progress"}, domain.DeliveryPreferences{}), ErrSkipped)
	assert.ErrorIs(t, ch.Deliver(ctx, terminalEvent(""), domain.DeliveryPreferences{}), ErrSkipped)
}

func TestChat_UserSettingsWinOverFallback(t *testing.T) {
	stub := newSlackStub(t)
	ch := NewChatChannel(ChatConfig{Token: "xoxb-default", ChannelID: "CDEF", APIURL: stub.URL + "/"})

	err := ch.Deliver(context.Background(), terminalEvent(""), domain.DeliveryPreferences{SlackToken: "xoxb-user", SlackChannelID: "CUSER"})
	require.NoError(t, err)

	form, ok := stub.called("chat.postMessage")
	require.True(t, ok)
	assert.Equal(t, "CUSER", form["channel"])
	assert.Contains(t, form["authorization"]+form["token"], "xoxb-user")
	assert.Contains(t, form["text"], "Scan completed")
}

func TestChat_DetailsButton(t *testing.T) {
	stub := newSlackStub(t)
	ch := NewChatChannel(ChatConfig{Token: "xoxb", ChannelID: "C1", APIURL: stub.URL + "/", DashboardURL: "https://app.example.com/tester/dashboard"})

	require.NoError(t, ch.Deliver(context.Background(), terminalEvent(""), domain.DeliveryPreferences{}))

	form, ok := stub.called("chat.postMessage")
	require.True(t, ok)
	assert.Contains(t, form["blocks"], "button-details")
	assert.Contains(t, form["blocks"], "https://app.example.com/tester/dashboard")
}

func TestChat_UploadsArtifact(t *testing.T) {
	stub := newSlackStub(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain.ResultFileName), []byte(`{"details":{}}`), 0o600))
	ch := NewChatChannel(ChatConfig{Token: "xoxb", ChannelID: "C1", APIURL: stub.URL + "/"})

	_ = ch.Deliver(context.Background(), terminalEvent(dir), domain.DeliveryPreferences{})

	_, ok := stub.called("files.getUploadURLExternal")
	assert.True(t, ok, "artifact goes through the upload flow")
	_, posted := stub.called("chat.postMessage")
	assert.False(t, posted)
}

func TestChat_APIErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()
	ch := NewChatChannel(ChatConfig{Token: "xoxb", ChannelID: "C404", APIURL: srv.URL + "/"})

	err := ch.Deliver(context.Background(), terminalEvent(""), domain.DeliveryPreferences{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}
