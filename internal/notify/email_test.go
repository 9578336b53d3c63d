package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"scanhub/internal/domain"
)

type fakeMailer struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeMailer) DialAndSendWithContext(_ context.Context, msgs ...*mail.Msg) error {
	f.sent = append(f.sent, msgs...)
	return f.err
}

func writeArtifact(t *testing.T, dir string) {
	t.Helper()
	body := `{"details":{"url":"https://example.com","total_High":2,"total_Medium":1},"tools":[]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain.ResultFileName), []byte(body), 0o600))
}

func newEmail(t *testing.T, m Mailer) *EmailChannel {
	t.Helper()
	ch, err := NewEmailChannel(m, EmailConfig{From: "scanner@example.com", PollInterval: time.Millisecond, PollAttempts: 3}, nil)
	require.NoError(t, err)
	return ch
}

func TestEmail_SendsReportWithAttachment(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir)
	m := &fakeMailer{}
	ch := newEmail(t, m)

	err := ch.Deliver(context.Background(), terminalEvent(dir), domain.DeliveryPreferences{Emails: []string{"a@example.com", "b@example.com"}})
	require.NoError(t, err)
	require.Len(t, m.sent, 1)

	msg := m.sent[0]
	rcpts, err := msg.GetRecipients()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, rcpts)
	assert.Equal(t, []string{emailSubject}, msg.GetGenHeader(mail.HeaderSubject))
	require.Len(t, msg.GetAttachments(), 1)
	assert.Equal(t, domain.ResultFileName, msg.GetAttachments()[0].Name)
}

func TestEmail_Skips(t *testing.T) {
	dir := t.TempDir()
	m := &fakeMailer{}
	ch := newEmail(t, m)
	ctx := context.Background()
	prefs := domain.DeliveryPreferences{Emails: []string{"a@example.com"}}

	nonTerminal := terminalEvent(dir)
	nonTerminal.Terminal = false
	assert.ErrorIs(t, ch.Deliver(ctx, nonTerminal, prefs), ErrSkipped)
	assert.ErrorIs(t, ch.Deliver(ctx, terminalEvent(dir), domain.DeliveryPreferences{}), ErrSkipped, "no recipients")
	assert.ErrorIs(t, ch.Deliver(ctx, terminalEvent(dir), prefs), ErrSkipped, "artifact never appeared")
	assert.Empty(t, m.sent)
}

func TestEmail_SendFailure(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir)
	ch := newEmail(t, &fakeMailer{err: errors.New("535 auth failed")})

	err := ch.Deliver(context.Background(), terminalEvent(dir), domain.DeliveryPreferences{Emails: []string{"a@example.com"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSkipped)
}

func TestEmail_ViewReadsCounts(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir)
	ch := newEmail(t, &fakeMailer{})

	v := ch.view(terminalEvent(dir), filepath.Join(dir, domain.ResultFileName))
	assert.Equal(t, 2, v.High)
	assert.Equal(t, 1, v.Medium)
	assert.Equal(t, "N/A", v.Duration)
}

func TestWaitForFile_PollsOnClock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, domain.ResultFileName)
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	found := make(chan bool, 1)
	go func() { found <- waitForFile(ctx, clock, path, time.Second, 10) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	clock.Advance(time.Second)

	select {
	case ok := <-found:
		assert.True(t, ok)
	case <-ctx.Done():
		t.Fatal("wait did not observe the file")
	}
}

func TestWaitForFile_GivesUp(t *testing.T) {
	ok := waitForFile(context.Background(), clockwork.NewRealClock(), filepath.Join(t.TempDir(), "missing"), time.Millisecond, 3)
	assert.False(t, ok)
}
