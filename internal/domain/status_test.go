package domain_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanhub/internal/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.Status
		want     bool
	}{
		{domain.StatusQueued, domain.StatusRunning, true},
		{domain.StatusQueued, domain.StatusCanceled, true},
		{domain.StatusQueued, domain.StatusFailed, true},
		{domain.StatusQueued, domain.StatusCompleted, false},
		{domain.StatusRunning, domain.StatusCompleted, true},
		{domain.StatusRunning, domain.StatusFailed, true},
		{domain.StatusRunning, domain.StatusCanceled, true},
		{domain.StatusRunning, domain.StatusQueued, false},
		{domain.StatusCompleted, domain.StatusRunning, false},
		{domain.StatusFailed, domain.StatusQueued, false},
		{domain.StatusCanceled, domain.StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, domain.CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	all := []domain.Status{
		domain.StatusQueued, domain.StatusRunning, domain.StatusCompleted,
		domain.StatusFailed, domain.StatusCanceled,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, domain.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestPredecessors(t *testing.T) {
	assert.Equal(t, []domain.Status{domain.StatusQueued}, domain.Predecessors(domain.StatusRunning))
	assert.Equal(t, []domain.Status{domain.StatusRunning}, domain.Predecessors(domain.StatusCompleted))
	assert.Equal(t, []domain.Status{domain.StatusQueued, domain.StatusRunning}, domain.Predecessors(domain.StatusCanceled))
	assert.Empty(t, domain.Predecessors(domain.StatusQueued))
}

func TestParseStatus(t *testing.T) {
	s, err := domain.ParseStatus("running")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, s)

	_, err = domain.ParseStatus("paused")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "boom", domain.Truncate("  boom \n"))

	long := strings.Repeat("é", domain.MaxErrorMessageLen+50)
	got := domain.Truncate(long)
	assert.Equal(t, domain.MaxErrorMessageLen, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestCredentialsPresent(t *testing.T) {
	assert.False(t, domain.Credentials{}.Present())
	assert.True(t, domain.Credentials{Cookies: "sid=1"}.Present())
}
