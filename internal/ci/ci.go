// Package ci reports LLM cost changes to GitHub Actions: workflow-command annotations
// for regressions and a markdown job summary.
package ci

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/report"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

// RegressionPercent is the growth over baseline, in percent, above which a function's
// cost is flagged.
const RegressionPercent = 10.0

// Annotation levels understood by GitHub Actions.
const (
	LevelNotice  = "notice"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Env is the slice of the Actions runner environment this package reads.
type Env struct {
	GitHubActions bool
	// StepSummary is the file the job summary is appended to; empty disables it.
	StepSummary string
}

func EnvFromOS() Env {
	return Env{
		GitHubActions: os.Getenv("GITHUB_ACTIONS") == "true",
		StepSummary:   os.Getenv("GITHUB_STEP_SUMMARY"),
	}
}

var escaper = strings.NewReplacer("\n", "%0A", "\r", "%0D")

// Annotate writes one workflow command, e.g. "::warning title=x::message".
func Annotate(w io.Writer, level, title, message string) error {
	_, err := fmt.Fprintf(w, "::%s title=%s::%s\n", level, title, escaper.Replace(message))
	return err
}

// WriteStepSummary appends content to the job summary file. Failures are logged and
// otherwise ignored; a missing summary never fails a build.
func (e Env) WriteStepSummary(content string) {
	if e.StepSummary == "" {
		return
	}
	f, err := os.OpenFile(e.StepSummary, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Debug("step summary unavailable", "path", e.StepSummary, "error", err)
		return
	}
	defer f.Close()
	if _, err := io.WriteString(f, content+"\n"); err != nil {
		slog.Debug("step summary write failed", "path", e.StepSummary, "error", err)
	}
}

// Regression is a function whose cost grew past RegressionPercent.
type Regression struct {
	Unit     string
	Baseline float64
	Current  float64
}

func (r Regression) Delta() float64 { return r.Current - r.Baseline }

func (r Regression) Percent() float64 { return r.Delta() / r.Baseline * 100 }

// Message is the annotation body for the regression.
func (r Regression) Message() string {
	return fmt.Sprintf("%s: cost increased by $%.4f (%.1f%%), was $%.4f, now $%.4f",
		r.Unit, r.Delta(), r.Percent(), r.Baseline, r.Current)
}

// Result is the outcome of comparing a run against its baseline.
type Result struct {
	TotalCurrent  float64
	TotalBaseline float64
	// HasBaseline is false when the baseline had no calls at all.
	HasBaseline bool
	Regressions []Regression
	// Summary is the markdown job summary.
	Summary string
}

// CostDiff compares per-function cost between two runs. baseline may be empty.
func CostDiff(current, baseline []usage.Record) Result {
	baseCosts := make(map[string]float64)
	for _, s := range ledger.CostBy(baseline, ledger.ByFunction) {
		baseCosts[s.Key] = s.CostUSD
	}
	res := Result{
		TotalCurrent:  ledger.TotalCost(current),
		TotalBaseline: ledger.TotalCost(baseline),
		HasBaseline:   len(baseCosts) > 0,
	}

	var b strings.Builder
	b.WriteString("## tokenspy LLM Cost Report\n\n")
	if res.TotalBaseline != 0 {
		delta := res.TotalCurrent - res.TotalBaseline
		fmt.Fprintf(&b, "**Total: $%.4f** (%s%.1f%% vs baseline $%.4f)\n\n",
			res.TotalCurrent, arrow(delta), math.Abs(delta/res.TotalBaseline*100), res.TotalBaseline)
	} else {
		fmt.Fprintf(&b, "**Total: $%.4f**\n\n", res.TotalCurrent)
	}
	b.WriteString("| Function | Cost | vs Baseline |\n")
	b.WriteString("|---|---|---|")

	for _, s := range ledger.CostBy(current, ledger.ByFunction) {
		vs := "new"
		if base := baseCosts[s.Key]; base != 0 {
			delta := s.CostUSD - base
			pct := delta / base * 100
			vs = fmt.Sprintf("%s%.1f%%", arrow(delta), math.Abs(pct))
			if delta > 0 && pct > RegressionPercent {
				res.Regressions = append(res.Regressions, Regression{Unit: s.Key, Baseline: base, Current: s.CostUSD})
			}
		}
		fmt.Fprintf(&b, "\n| `%s` | $%.4f | %s |", s.Key, s.CostUSD, vs)
	}
	res.Summary = b.String()
	return res
}

func arrow(delta float64) string {
	if delta > 0 {
		return "▲"
	}
	return "▼"
}

// AnnotateCostDiff runs CostDiff, prints the summary to w and appends it to the job
// summary. Inside GitHub Actions it also emits a warning per regression, or a notice when
// a baseline exists and nothing regressed.
func AnnotateCostDiff(w io.Writer, env Env, current, baseline []usage.Record) (Result, error) {
	res := CostDiff(current, baseline)

	env.WriteStepSummary(res.Summary)
	if _, err := fmt.Fprintln(w, res.Summary); err != nil {
		return res, err
	}
	if !env.GitHubActions {
		return res, nil
	}

	for _, r := range res.Regressions {
		if err := Annotate(w, LevelWarning, "tokenspy cost regression", r.Message()); err != nil {
			return res, err
		}
	}
	if len(res.Regressions) == 0 && res.HasBaseline {
		msg := fmt.Sprintf("No cost regressions. Total: $%.4f", res.TotalCurrent)
		if err := Annotate(w, LevelNotice, "tokenspy", msg); err != nil {
			return res, err
		}
	}
	return res, nil
}

// CommitDeltas compares per-function cost between the records tagged with two revisions.
func CommitDeltas(records []usage.Record, base, head string) []report.Delta {
	var before, after []usage.Record
	for _, r := range records {
		switch r.Revision {
		case base:
			before = append(before, r)
		case head:
			after = append(after, r)
		}
	}
	return report.Compare(
		ledger.CostBy(before, ledger.ByFunction),
		ledger.CostBy(after, ledger.ByFunction),
	)
}

// CompareCommits writes the CommitDeltas table for base and head.
func CompareCommits(w io.Writer, records []usage.Record, base, head string) error {
	title := fmt.Sprintf("cost comparison: %s vs %s", base, head)
	return report.Diff(w, title, shortRev(base), shortRev(head), CommitDeltas(records, base, head))
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
