// Package engine runs the configured scan tools as external commands.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"scanhub/internal/domain"
	"scanhub/internal/logger"
	"scanhub/internal/ports"
)

// Command runs every selected tool in order. Each tool is an argv template
// where {url} and {results_dir} are substituted. A tool may leave
// <tool>.json with a findings list in the results directory.
type Command struct {
	tools     map[string][]string
	log       logger.Logger
	waitDelay time.Duration
}

var _ ports.Engine = (*Command)(nil)

func NewCommand(tools map[string][]string, log logger.Logger) *Command {
	return &Command{tools: tools, log: log, waitDelay: 5 * time.Second}
}

// Known reports whether a tool id is configured.
func (c *Command) Known(tool string) bool {
	_, ok := c.tools[tool]
	return ok
}

// Tools lists the configured tool ids.
func (c *Command) Tools() []string {
	out := make([]string, 0, len(c.tools))
	for name := range c.tools {
		out = append(out, name)
	}
	return out
}

func (c *Command) Run(ctx context.Context, job domain.Job, progress ports.ProgressFunc) (ports.Outcome, error) {
	start := time.Now().UTC()
	results := make([]domain.ToolResult, 0, len(job.Tools))
	failed := 0

	for i, name := range job.Tools {
		if ctx.Err() != nil {
			return ports.Outcome{Canceled: true}, nil
		}
		argv, ok := c.tools[name]
		if !ok || len(argv) == 0 {
			return ports.Outcome{Summary: fmt.Sprintf("unknown scan tool %q", name)}, nil
		}

		res := c.runTool(ctx, job, name, argv)
		if ctx.Err() != nil {
			return ports.Outcome{Canceled: true}, nil
		}
		if res.ExitCode != 0 || res.Error != "" {
			failed++
		}
		results = append(results, res)
		progress(float64(i+1)/float64(len(job.Tools)), name)
	}

	report := summarize(job.URL, start, time.Now().UTC(), results)
	if err := writeReport(job.ResultsDir, report); err != nil {
		return ports.Outcome{}, err
	}
	d := report.Details
	summary := fmt.Sprintf("%d tool(s) ran, %d high, %d medium, %d low findings",
		len(results), d.TotalHigh, d.TotalMedium, d.TotalLow)
	if failed > 0 {
		return ports.Outcome{Summary: fmt.Sprintf("%d of %d tool(s) failed", failed, len(results))}, nil
	}
	return ports.Outcome{Success: true, Summary: summary}, nil
}

func (c *Command) runTool(ctx context.Context, job domain.Job, name string, argv []string) domain.ToolResult {
	args := make([]string, len(argv))
	for i, a := range argv {
		a = strings.ReplaceAll(a, "{url}", job.URL)
		args[i] = strings.ReplaceAll(a, "{results_dir}", job.ResultsDir)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = job.ResultsDir
	cmd.WaitDelay = c.waitDelay
	cmd.Env = append(os.Environ(),
		"SCAN_TARGET_URL="+job.URL,
		"SCAN_RESULTS_DIR="+job.ResultsDir,
		"SCAN_REPORT_ID="+job.ReportID,
		"SCAN_AUTH_USERNAME="+job.Credentials.Username,
		"SCAN_AUTH_PASSWORD="+job.Credentials.Password,
		"SCAN_AUTH_TOKEN="+job.Credentials.TokenAuth,
		"SCAN_AUTH_COOKIES="+job.Credentials.Cookies,
	)

	log := c.log.With(logger.String("report_id", job.ReportID), logger.String("tool", name))
	log.Info("running scan tool")
	started := time.Now()
	out, err := cmd.CombinedOutput()
	res := domain.ToolResult{Name: name, Duration: time.Since(started).Round(time.Millisecond).String()}

	if werr := os.WriteFile(filepath.Join(job.ResultsDir, name+".log"), out, 0o644); werr != nil {
		log.Warn("could not keep tool output", logger.Error(werr))
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		res.ExitCode = -1
		res.Error = err.Error()
	}
	res.Findings = readFindings(filepath.Join(job.ResultsDir, name+".json"))
	log.Info("scan tool finished", logger.Int("exit_code", res.ExitCode), logger.Int("findings", len(res.Findings)))
	return res
}

func readFindings(path string) []domain.Finding {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc struct {
		Findings []domain.Finding `json:"findings"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc.Findings
}

func summarize(url string, start, end time.Time, results []domain.ToolResult) domain.ResultFile {
	d := domain.ResultDetails{
		URL:           url,
		StartScanDate: start.Format(time.RFC3339),
		LastScanDate:  end.Format(time.RFC3339),
		ScanDuration:  end.Sub(start).Round(time.Second).String(),
	}
	for _, r := range results {
		for _, f := range r.Findings {
			switch strings.ToLower(f.Risk) {
			case "high":
				d.TotalHigh++
			case "medium":
				d.TotalMedium++
			case "low":
				d.TotalLow++
			default:
				d.TotalInfo++
			}
		}
	}
	return domain.ResultFile{Details: d, Tools: results}
}

// writeReport writes the artifact through a temp file so readers polling for
// it never see a partial document.
func writeReport(dir string, report domain.ResultFile) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	tmp := filepath.Join(dir, domain.ResultFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, domain.ResultFileName)); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
