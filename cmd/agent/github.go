package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/MartianGreed/marathon/internal/wire"
)

// openPullRequest commits the working tree's changes onto a task-scoped
// branch, pushes it, and opens a pull request against the task's base
// branch via the GitHub REST API. No SDK is used: one POST request with a
// bearer token is the entire surface needed here.
func openPullRequest(ctx context.Context, dir string, start *wire.VsockStart) (string, error) {
	if start.GithubToken == nil || *start.GithubToken == "" {
		return "", fmt.Errorf("create_pr requested without a github_token")
	}

	owner, repo, err := parseGithubRepo(start.RepoURL)
	if err != nil {
		return "", err
	}

	branch := "marathon/task-" + hex.EncodeToString(start.TaskID[:8])
	title := "Marathon task " + hex.EncodeToString(start.TaskID[:8])
	if start.PRTitle != nil && *start.PRTitle != "" {
		title = *start.PRTitle
	}
	body := ""
	if start.PRBody != nil {
		body = *start.PRBody
	}

	if err := commitAndPush(ctx, dir, branch, title); err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]string{
		"title": title,
		"body":  body,
		"head":  branch,
		"base":  start.Branch,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls", owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+*start.GithubToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("github api %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse github response: %w", err)
	}
	return result.HTMLURL, nil
}
