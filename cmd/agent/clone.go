package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// cloneRepo shallow-clones repoURL at branch into dir, embedding token in
// the clone URL for https remotes so the same remote can later be pushed
// to without a second credential prompt.
func cloneRepo(ctx context.Context, dir, repoURL, branch string, token *string) error {
	url := authenticatedURL(repoURL, token)
	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, "--depth", "1", url, dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func authenticatedURL(repoURL string, token *string) string {
	if token == nil || *token == "" {
		return repoURL
	}
	if strings.HasPrefix(repoURL, "https://") {
		return "https://" + *token + "@" + strings.TrimPrefix(repoURL, "https://")
	}
	// ssh/git@ remotes authenticate with a key already provisioned in the
	// VM image; a GitHub token has nothing to attach to there.
	return repoURL
}

// runGit runs a git subcommand rooted at dir, returning combined output on
// failure for the caller to fold into an error message.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// commitAndPush stages the working tree's changes onto a new branch and
// pushes it. It returns an error if there is nothing to commit.
func commitAndPush(ctx context.Context, dir, branch, message string) error {
	if _, err := runGit(ctx, dir, "checkout", "-b", branch); err != nil {
		return fmt.Errorf("checkout -b %s: %w", branch, err)
	}
	if _, err := runGit(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("add -A: %w", err)
	}
	status, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("no changes to open a pull request for")
	}
	if _, err := runGit(ctx, dir,
		"-c", "user.email=agent@marathon.local",
		"-c", "user.name=Marathon Agent",
		"commit", "-m", message,
	); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if out, err := runGit(ctx, dir, "push", "origin", branch); err != nil {
		return fmt.Errorf("push: %s: %w", out, err)
	}
	return nil
}

// parseGithubRepo extracts owner/repo from an https or ssh GitHub remote
// URL. Malformed URLs are already rejected at submit time; this just
// splits what's left into the two path segments the REST API wants.
func parseGithubRepo(repoURL string) (owner, repo string, err error) {
	trimmed := repoURL
	switch {
	case strings.HasPrefix(trimmed, "https://github.com/"):
		trimmed = strings.TrimPrefix(trimmed, "https://github.com/")
	case strings.HasPrefix(trimmed, "git@github.com:"):
		trimmed = strings.TrimPrefix(trimmed, "git@github.com:")
	default:
		return "", "", fmt.Errorf("not a github.com remote: %s", repoURL)
	}
	trimmed = strings.TrimSuffix(trimmed, ".git")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("could not parse owner/repo from %s", repoURL)
	}
	return parts[0], parts[1], nil
}
