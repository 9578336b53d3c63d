package engine

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanhub/internal/domain"
	"scanhub/internal/logger"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

var tools = map[string][]string{
	"echo":     {"sh", "-c", `echo "scanning $SCAN_TARGET_URL as $SCAN_AUTH_USERNAME"`},
	"findings": {"sh", "-c", `printf '{"findings":[{"name":"xss","risk":"High"},{"name":"banner","risk":"Informational"}]}' > findings.json`},
	"broken":   {"sh", "-c", "exit 3"},
	"slow":     {"sleep", "10"},
	"url":      {"sh", "-c", `echo {url} > {results_dir}/target.txt`},
}

func newJob(t *testing.T, toolIDs ...string) domain.Job {
	t.Helper()
	return domain.Job{
		ReportID:    "r1",
		URL:         "https://example.com",
		Tools:       toolIDs,
		Credentials: domain.Credentials{Username: "alice"},
		ResultsDir:  t.TempDir(),
	}
}

func TestRun_Success(t *testing.T) {
	requireShell(t)
	job := newJob(t, "echo", "findings", "url")
	var steps []float64
	out, err := NewCommand(tools, logger.NewNop()).Run(context.Background(), job, func(p float64, _ string) {
		steps = append(steps, p)
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Contains(t, out.Summary, "1 high")
	assert.Equal(t, []float64{1.0 / 3, 2.0 / 3, 1}, steps)

	log, err := os.ReadFile(filepath.Join(job.ResultsDir, "echo.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "scanning https://example.com as alice")

	target, err := os.ReadFile(filepath.Join(job.ResultsDir, "target.txt"))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com\n", string(target))

	data, err := os.ReadFile(filepath.Join(job.ResultsDir, domain.ResultFileName))
	require.NoError(t, err)
	var report domain.ResultFile
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 1, report.Details.TotalHigh)
	assert.Equal(t, 1, report.Details.TotalInfo)
	assert.Len(t, report.Tools, 3)
}

func TestRun_ToolFailure(t *testing.T) {
	requireShell(t)
	out, err := NewCommand(tools, logger.NewNop()).Run(context.Background(), newJob(t, "broken"), func(float64, string) {})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Summary, "1 of 1")
}

func TestRun_UnknownTool(t *testing.T) {
	out, err := NewCommand(tools, logger.NewNop()).Run(context.Background(), newJob(t, "nmap"), func(float64, string) {})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Summary, "nmap")
}

func TestRun_Canceled(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	out, err := NewCommand(tools, logger.NewNop()).Run(ctx, newJob(t, "slow", "echo"), func(float64, string) {})
	require.NoError(t, err)
	assert.True(t, out.Canceled)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestRun_CanceledBeforeFirstTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := NewCommand(tools, logger.NewNop()).Run(ctx, newJob(t, "echo"), func(float64, string) {})
	require.NoError(t, err)
	assert.True(t, out.Canceled)
}

func TestKnown(t *testing.T) {
	c := NewCommand(tools, logger.NewNop())
	assert.True(t, c.Known("echo"))
	assert.False(t, c.Known("nmap"))
	assert.Len(t, c.Tools(), len(tools))
}
