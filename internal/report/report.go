// Package report renders ledger contents for people: call history tables, cost
// breakdowns as text or HTML, and cost diffs between two runs.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

// Formats accepted by Render.
const (
	FormatText = "text"
	FormatHTML = "html"
)

const barWidth = 30

// Render writes summary in the given format.
func Render(w io.Writer, format string, summary ledger.Summary) error {
	switch format {
	case "", FormatText:
		return Text(w, summary)
	case FormatHTML:
		return HTML(w, summary)
	default:
		return fmt.Errorf("unknown report format %q: must be text or html", format)
	}
}

// History writes the last limit records as a table followed by a totals line. A limit of
// zero or less shows every record.
func History(w io.Writer, records []usage.Record, limit int) error {
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "[tokenspy] No records found.")
		return err
	}

	header := fmt.Sprintf("%-20s %-22s %-24s %10s %8s %8s", "Timestamp", "Function", "Model", "Cost", "Tokens", "ms")
	var b strings.Builder
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", len([]rune(header))) + "\n")
	for _, r := range records {
		fmt.Fprintf(&b, "%-20s %-22s %-24s $%9.4f %8d %8.0f\n",
			r.Timestamp.Local().Format(time.DateTime),
			truncate(r.Unit, 21),
			truncate(r.Model, 23),
			r.CostUSD, r.TotalTokens(), r.DurationMs)
	}
	fmt.Fprintf(&b, "\n  Total: %d records | $%.4f | %d tokens\n",
		len(records), ledger.TotalCost(records), ledger.TotalTokens(records))

	_, err := io.WriteString(w, b.String())
	return err
}

// Text writes a cost breakdown with proportional bars.
func Text(w io.Writer, s ledger.Summary) error {
	var b strings.Builder
	b.WriteString("tokenspy cost report\n")
	fmt.Fprintf(&b, "Total: $%.4f | %d tokens | %d calls\n", s.TotalCostUSD, s.TotalTokens, s.TotalCalls)

	writeShares(&b, "By function", s.ByFunction, s.TotalCostUSD)
	writeShares(&b, "By model", s.ByModel, s.TotalCostUSD)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeShares(b *strings.Builder, title string, shares []ledger.Share, total float64) {
	fmt.Fprintf(b, "\n%s\n", title)
	if len(shares) == 0 {
		b.WriteString("  (no calls)\n")
		return
	}
	for _, s := range shares {
		pct := percentOf(s.CostUSD, total)
		filled := int(math.Round(pct / 100 * barWidth))
		fmt.Fprintf(b, "  %-28s %s%s $%.4f %5.1f%%\n",
			truncate(s.Key, 28),
			strings.Repeat("█", filled),
			strings.Repeat("░", barWidth-filled),
			s.CostUSD, pct)
	}
}

func percentOf(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return part / total * 100
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Delta compares one key's cost between a baseline and a current run.
type Delta struct {
	Key      string
	Baseline float64
	Current  float64
}

func (d Delta) Change() float64 {
	return d.Current - d.Baseline
}

// New reports whether the key had no baseline cost, which makes a percentage meaningless.
func (d Delta) New() bool {
	return d.Baseline <= 0
}

// Percent is the relative change against the baseline.
func (d Delta) Percent() float64 {
	if d.New() {
		return math.Inf(1)
	}
	return d.Change() / d.Baseline * 100
}

func (d Delta) Arrow() string {
	switch {
	case d.Change() > 0:
		return "▲"
	case d.Change() < 0:
		return "▼"
	default:
		return "="
	}
}

// Compare pairs two breakdowns by key, sorted by key.
func Compare(baseline, current []ledger.Share) []Delta {
	byKey := make(map[string]*Delta)
	get := func(k string) *Delta {
		d, ok := byKey[k]
		if !ok {
			d = &Delta{Key: k}
			byKey[k] = d
		}
		return d
	}
	for _, s := range baseline {
		get(s.Key).Baseline += s.CostUSD
	}
	for _, s := range current {
		get(s.Key).Current += s.CostUSD
	}

	deltas := make([]Delta, 0, len(byKey))
	for _, d := range byKey {
		deltas = append(deltas, *d)
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Key < deltas[j].Key })
	return deltas
}

// Diff writes a comparison table. baseLabel and curLabel head the two cost columns.
func Diff(w io.Writer, title, baseLabel, curLabel string, deltas []Delta) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\ntokenspy: %s\n", title)
	header := fmt.Sprintf("%-30s %12s %12s %12s %8s", "Function", truncate(baseLabel, 12), truncate(curLabel, 12), "Delta", "Change")
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", len([]rune(header))) + "\n")
	for _, d := range deltas {
		change := "new"
		if !d.New() {
			change = fmt.Sprintf("%+.1f%%", d.Percent())
		}
		fmt.Fprintf(&b, "%-30s $%11.4f $%11.4f %s$%10.4f %8s\n",
			truncate(d.Key, 30), d.Baseline, d.Current, d.Arrow(), math.Abs(d.Change()), change)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
