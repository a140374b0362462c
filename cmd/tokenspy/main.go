package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vnmchuo/tokenspy/config"
)

const usageText = `tokenspy - LLM cost profiler

Usage:
  tokenspy history  [--db PATH] [--limit N]
  tokenspy report   [--db PATH] [--format text|html] [--output FILE]
  tokenspy compare  --db A --db B
  tokenspy compare  --commit SHA1 --commit SHA2 [--db PATH]
  tokenspy annotate --current PATH [--baseline PATH]
  tokenspy serve    [--db PATH] [--addr :PORT]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usageText)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "[tokenspy] %v\n", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	cli := &cli{cfg: cfg, stdout: stdout, stderr: stderr}
	switch args[0] {
	case "history":
		return cli.history(ctx, args[1:])
	case "report":
		return cli.report(ctx, args[1:])
	case "compare":
		return cli.compare(ctx, args[1:])
	case "annotate":
		return cli.annotate(ctx, args[1:])
	case "serve":
		return cli.serve(ctx, args[1:])
	default:
		fmt.Fprintf(stderr, "[tokenspy] unknown command %q\n\n%s", args[0], usageText)
		return 2
	}
}
