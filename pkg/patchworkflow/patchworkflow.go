// Package patchworkflow derives, previews, applies, and reverts a run's
// workspace changes as a unified diff, driving git via os/exec, with
// pmezard/go-difflib providing the zero-context pseudo-diff blocks for
// untracked files.
package patchworkflow

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/cuemby/hutch/pkg/herrors"
)

const (
	diffTimeout  = 30 * time.Second
	applyTimeout = 60 * time.Second
)

// Stats is the files-changed/insertions/deletions summary from `git
// diff --stat`.
type Stats struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// PreviewResult is the outcome of a dry-run apply check.
type PreviewResult struct {
	Summary       string
	FilesAffected []string
	Insertions    int
	Deletions     int
	CanApply      bool
	ApplyErrors   string
}

func runGit(ctx context.Context, repoPath string, timeout time.Duration, args ...string) (string, string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Generate runs `git diff` against HEAD, optionally appending pseudo-
// diff entries for untracked files, writes the combined diff to
// changes.patch in the run directory, and returns its stat summary.
func Generate(ctx context.Context, repoPath string, includeUntracked bool) (diffText string, stats Stats, err error) {
	stdout, stderr, runErr := runGit(ctx, repoPath, diffTimeout, "diff", "HEAD")
	if runErr != nil {
		return "", Stats{}, herrors.Wrap(herrors.KindContainer, "git diff failed", fmt.Errorf("%s: %w", stderr, runErr))
	}
	diffText = stdout

	if includeUntracked {
		pseudo, pErr := untrackedPseudoDiff(ctx, repoPath)
		if pErr == nil && pseudo != "" {
			if diffText != "" && !strings.HasSuffix(diffText, "\n") {
				diffText += "\n"
			}
			diffText += pseudo
		}
	}

	statOut, _, statErr := runGit(ctx, repoPath, diffTimeout, "diff", "--stat", "HEAD")
	if statErr == nil {
		stats = parseStat(statOut)
	}
	return diffText, stats, nil
}

// untrackedPseudoDiff reads each untracked file and emits a zero-context
// `@@ -0,0 +N @@` unified-diff block for it, surfacing changes git diff
// alone never would.
func untrackedPseudoDiff(ctx context.Context, repoPath string) (string, error) {
	out, _, err := runGit(ctx, repoPath, diffTimeout, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return "", err
	}
	files := strings.Fields(out)
	var b strings.Builder
	for _, rel := range files {
		full := filepath.Join(repoPath, rel)
		content, rErr := os.ReadFile(full)
		if rErr != nil {
			continue
		}
		lines := difflib.SplitLines(string(content))
		b.WriteString(fmt.Sprintf("--- /dev/null\n+++ b/%s\n@@ -0,0 +1,%d @@\n", rel, len(lines)))
		for _, l := range lines {
			if !strings.HasSuffix(l, "\n") {
				l += "\n"
			}
			b.WriteString("+" + l)
		}
	}
	return b.String(), nil
}

func parseStat(out string) Stats {
	var s Stats
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return s
	}
	last := lines[len(lines)-1]
	if !strings.Contains(last, "changed") {
		return s
	}
	s.FilesChanged = extractInt(last, "file")
	s.Insertions = extractInt(last, "insertion")
	s.Deletions = extractInt(last, "deletion")
	return s
}

func extractInt(summary, token string) int {
	parts := strings.Split(summary, ",")
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if strings.Contains(p, token) {
			fields := strings.Fields(p)
			if len(fields) > 0 {
				if n, err := strconv.Atoi(fields[0]); err == nil {
					return n
				}
			}
		}
	}
	return 0
}

// Preview runs `git diff --stat` and `git apply --check` (dry run) and
// reports whether the recorded diff would apply cleanly.
func Preview(ctx context.Context, repoPath, patchPath string) (*PreviewResult, error) {
	statOut, _, statErr := runGit(ctx, repoPath, diffTimeout, "diff", "--stat", "HEAD")
	if statErr != nil {
		return nil, herrors.Wrap(herrors.KindContainer, "git diff --stat failed", statErr)
	}
	stats := parseStat(statOut)

	_, stderr, err := runGit(ctx, repoPath, diffTimeout, "apply", "--check", patchPath)
	return &PreviewResult{
		Summary:       strings.TrimSpace(statOut),
		Insertions:    stats.Insertions,
		Deletions:     stats.Deletions,
		FilesAffected: filesFromStat(statOut),
		CanApply:      err == nil,
		ApplyErrors:   stderr,
	}, nil
}

func filesFromStat(statOut string) []string {
	var files []string
	for _, line := range strings.Split(statOut, "\n") {
		idx := strings.Index(line, "|")
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		if name != "" {
			files = append(files, name)
		}
	}
	return files
}

// Apply refuses unless userApproved is true, then invokes `git apply` on patchPath.
func Apply(ctx context.Context, repoPath, patchPath string, userApproved bool) error {
	if !userApproved {
		return herrors.NewSecurityError("patch apply requires explicit user approval")
	}
	_, stderr, err := runGit(ctx, repoPath, applyTimeout, "apply", patchPath)
	if err != nil {
		return herrors.Wrap(herrors.KindContainer, "git apply failed", fmt.Errorf("%s: %w", stderr, err))
	}
	return nil
}

// Revert applies patchPath in reverse, restoring the pre-patch state.
func Revert(ctx context.Context, repoPath, patchPath string) error {
	_, stderr, err := runGit(ctx, repoPath, applyTimeout, "apply", "-R", patchPath)
	if err != nil {
		return herrors.Wrap(herrors.KindContainer, "git apply -R failed", fmt.Errorf("%s: %w", stderr, err))
	}
	return nil
}
