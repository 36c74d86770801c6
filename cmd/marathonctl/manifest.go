package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// TaskManifest is the YAML shape accepted by `submit --file`, mirroring
// the teacher's FunctionSpec: one declarative document instead of a wall
// of flags for anything beyond a quick one-off submission.
type TaskManifest struct {
	RepoURL     string  `yaml:"repo_url"`
	Branch      string  `yaml:"branch"`
	Prompt      string  `yaml:"prompt"`
	GithubToken *string `yaml:"github_token,omitempty"`
	CreatePR    bool    `yaml:"create_pr,omitempty"`
	PRTitle     *string `yaml:"pr_title,omitempty"`
	PRBody      *string `yaml:"pr_body,omitempty"`
}

func loadManifest(path string) (*TaskManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, argError("read manifest %s: %v", path, err)
	}
	var m TaskManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, argError("parse manifest %s: %v", path, err)
	}
	if m.RepoURL == "" {
		return nil, argError("manifest %s: repo_url is required", path)
	}
	if m.Prompt == "" {
		return nil, argError("manifest %s: prompt is required", path)
	}
	return &m, nil
}

func mustNonEmpty(name, val string) error {
	if val == "" {
		return argError("--%s is required", name)
	}
	return nil
}
