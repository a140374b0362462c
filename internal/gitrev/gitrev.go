package gitrev

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const lookupTimeout = 2 * time.Second

// Current returns the short revision of HEAD for the repository containing dir, or the
// working directory when dir is empty.
func Current(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	rev := strings.TrimSpace(string(out))
	if rev == "" {
		return "", fmt.Errorf("git rev-parse: empty revision")
	}
	return rev, nil
}

// CurrentOrEmpty is Current with failures (no git binary, not a repository) mapped to "".
func CurrentOrEmpty(ctx context.Context, dir string) string {
	rev, err := Current(ctx, dir)
	if err != nil {
		return ""
	}
	return rev
}
