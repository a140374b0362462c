package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vnmchuo/tokenspy/config"
	"github.com/vnmchuo/tokenspy/internal/billing"
	"github.com/vnmchuo/tokenspy/internal/ci"
	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/report"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

const defaultHTMLReport = "tokenspy_report.html"

type cli struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("tokenspy "+name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) missingDB(path string) {
	fmt.Fprintf(c.stderr, "[tokenspy] No database found at %s\n", path)
	fmt.Fprintln(c.stderr, "  Run tokenspy.Init with Options{Persist: true} to start recording.")
}

// load reads every record from the configured store, or from the SQLite file at path when
// the store is SQLite. ok is false when the caller should exit with code 1.
func (c *cli) load(ctx context.Context, path string) ([]usage.Record, bool) {
	if c.cfg.Store == config.StoreSQLite {
		if path == "" {
			path = c.cfg.DBPath
		}
		return c.loadFile(ctx, path)
	}

	store, err := c.cfg.OpenStore(path)
	if err != nil {
		fmt.Fprintf(c.stderr, "[tokenspy] %v\n", err)
		return nil, false
	}
	records, err := store.Load(ctx)
	if err != nil {
		fmt.Fprintf(c.stderr, "[tokenspy] failed to load records: %v\n", err)
		return nil, false
	}
	return records, true
}

// loadFile reads a SQLite durable log regardless of the configured store.
func (c *cli) loadFile(ctx context.Context, path string) ([]usage.Record, bool) {
	path = config.ExpandHome(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c.missingDB(path)
		return nil, false
	}
	records, err := billing.NewSQLiteStore(path).Load(ctx)
	if err != nil {
		fmt.Fprintf(c.stderr, "[tokenspy] failed to read %s: %v\n", path, err)
		return nil, false
	}
	return records, true
}

func (c *cli) history(ctx context.Context, args []string) int {
	fs := c.flags("history")
	db := fs.String("db", "", "path to the usage database")
	limit := fs.Int("limit", 20, "number of most recent calls to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	records, ok := c.load(ctx, *db)
	if !ok {
		return 1
	}
	if err := report.History(c.stdout, records, *limit); err != nil {
		fmt.Fprintf(c.stderr, "[tokenspy] %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) report(ctx context.Context, args []string) int {
	fs := c.flags("report")
	db := fs.String("db", "", "path to the usage database")
	format := fs.String("format", report.FormatText, "text or html")
	output := fs.String("output", "", "HTML output file (default "+defaultHTMLReport+")")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != report.FormatText && *format != report.FormatHTML {
		fmt.Fprintf(c.stderr, "[tokenspy] unknown format %q: must be text or html\n", *format)
		return 2
	}

	records, ok := c.load(ctx, *db)
	if !ok {
		return 1
	}
	summary := ledger.Summarize(records)

	if *format == report.FormatText {
		if err := report.Text(c.stdout, summary); err != nil {
			fmt.Fprintf(c.stderr, "[tokenspy] %v\n", err)
			return 1
		}
		return 0
	}

	path := *output
	if path == "" {
		path = defaultHTMLReport
	}
	if err := writeHTML(path, summary); err != nil {
		fmt.Fprintf(c.stderr, "[tokenspy] %v\n", err)
		return 1
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	fmt.Fprintf(c.stdout, "tokenspy: HTML report written to %s\n", abs)
	return 0
}

func writeHTML(path string, summary ledger.Summary) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close report: %w", cerr)
		}
	}()
	return report.HTML(f, summary)
}

func (c *cli) compare(ctx context.Context, args []string) int {
	fs := c.flags("compare")
	var dbs, commits multiFlag
	fs.Var(&dbs, "db", "usage database (twice to compare two databases)")
	fs.Var(&commits, "commit", "git revision (twice to compare two commits)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	switch {
	case len(commits) == 2 && len(dbs) <= 1:
		var path string
		if len(dbs) == 1 {
			path = dbs[0]
		}
		records, ok := c.load(ctx, path)
		if !ok {
			return 1
		}
		if err := ci.CompareCommits(c.stdout, records, commits[0], commits[1]); err != nil {
			fmt.Fprintf(c.stderr, "[tokenspy] %v\n", err)
			return 1
		}
		return 0

	case len(dbs) == 2 && len(commits) == 0:
		base, ok := c.loadFile(ctx, dbs[0])
		if !ok {
			return 1
		}
		head, ok := c.loadFile(ctx, dbs[1])
		if !ok {
			return 1
		}
		deltas := report.Compare(
			ledger.CostBy(base, ledger.ByFunction),
			ledger.CostBy(head, ledger.ByFunction),
		)
		title := fmt.Sprintf("cost comparison: %s vs %s", dbs[0], dbs[1])
		if err := report.Diff(c.stdout, title, filepath.Base(dbs[0]), filepath.Base(dbs[1]), deltas); err != nil {
			fmt.Fprintf(c.stderr, "[tokenspy] %v\n", err)
			return 1
		}
		return 0

	default:
		fmt.Fprintln(c.stderr, "[tokenspy] compare needs exactly two --db paths or two --commit revisions")
		return 1
	}
}

func (c *cli) annotate(ctx context.Context, args []string) int {
	fs := c.flags("annotate")
	current := fs.String("current", "", "usage database of this run (required)")
	baseline := fs.String("baseline", "", "usage database of the baseline run")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *current == "" {
		fmt.Fprintln(c.stderr, "[tokenspy] annotate requires --current")
		return 2
	}

	cur, ok := c.loadFile(ctx, *current)
	if !ok {
		return 1
	}
	var base []usage.Record
	if *baseline != "" {
		if _, err := os.Stat(config.ExpandHome(*baseline)); err == nil {
			if base, ok = c.loadFile(ctx, *baseline); !ok {
				return 1
			}
		}
	}

	if _, err := ci.AnnotateCostDiff(c.stdout, ci.EnvFromOS(), cur, base); err != nil {
		fmt.Fprintf(c.stderr, "[tokenspy] %v\n", err)
		return 1
	}
	return 0
}
