/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/anomalyco/archon/credentials"
	"github.com/anomalyco/archon/run"
)

// githubRunConfig is populated from the Actions runner environment plus the
// action's ARCHON_* inputs.
type githubRunConfig struct {
	// Runner-provided facts.
	EventName  string `env:"GITHUB_EVENT_NAME"`
	EventPath  string `env:"GITHUB_EVENT_PATH"`
	Repository string `env:"GITHUB_REPOSITORY"`
	Actor      string `env:"GITHUB_ACTOR"`
	RunID      string `env:"GITHUB_RUN_ID"`
	ServerURL  string `env:"GITHUB_SERVER_URL, default=https://github.com"`
	Workspace  string `env:"GITHUB_WORKSPACE, default=."`

	// Credential sources, strongest first.
	Token      string `env:"GITHUB_TOKEN"`
	Credential string `env:"ARCHON_CREDENTIAL"`

	// OIDC issuance endpoint, injected for id-token: write workflows.
	OIDCRequestURL   string `env:"ACTIONS_ID_TOKEN_REQUEST_URL"`
	OIDCRequestToken string `env:"ACTIONS_ID_TOKEN_REQUEST_TOKEN"`

	ExchangeURL string `env:"ARCHON_API_URL, default=https://api.archon.dev"`
	RuntimeURL  string `env:"ARCHON_RUNTIME_URL, default=http://127.0.0.1:4096"`

	// EventContext overrides the runner facts; the managed workflow passes
	// the front-end's serialized context through this variable.
	EventContext string `env:"ARCHON_EVENT_CONTEXT"`

	Mentions []string `env:"ARCHON_MENTIONS"`
	Prompt   string   `env:"ARCHON_PROMPT"`
	Share    bool     `env:"ARCHON_SHARE, default=true"`
	Polling  bool     `env:"ARCHON_POLLING"`
}

func githubCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "github",
		Short: "GitHub Actions entrypoints",
	}
	cmd.AddCommand(githubRunCommand(), githubInstallCommand())
	return cmd
}

func githubRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Handle the triggering event of the current workflow run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var cfg githubRunConfig
			if err := envconfig.Process(ctx, &cfg); err != nil {
				return fmt.Errorf("processing environment: %w", err)
			}
			return runGitHub(ctx, cfg)
		},
	}
}

func runGitHub(ctx context.Context, cfg githubRunConfig) error {
	eventContext := []byte(cfg.EventContext)
	if len(eventContext) == 0 {
		ec, err := buildEventContext(cfg)
		if err != nil {
			return err
		}
		eventContext = ec
	}

	credential := cfg.Credential
	if cfg.Token == "" && credential == "" {
		oidc, err := credentials.RequestActionsIDToken(ctx, nil, cfg.OIDCRequestURL, cfg.OIDCRequestToken)
		if err != nil {
			return fmt.Errorf("no GITHUB_TOKEN or ARCHON_CREDENTIAL, and OIDC issuance failed: %w", err)
		}
		credential = oidc
	}

	return run.Run(ctx, run.Options{
		EventContext: eventContext,
		RepoPath:     cfg.Workspace,
		RunURL:       fmt.Sprintf("%s/%s/actions/runs/%s", cfg.ServerURL, cfg.Repository, cfg.RunID),
		Token:        cfg.Token,
		Credential:   credential,
		ExchangeURL:  cfg.ExchangeURL,
		RuntimeURL:   cfg.RuntimeURL,
		Mentions:     cfg.Mentions,
		CustomPrompt: cfg.Prompt,
		Share:        cfg.Share,
		Polling:      cfg.Polling,
	})
}

// buildEventContext assembles the event context blob from the runner's
// environment and the event payload file.
func buildEventContext(cfg githubRunConfig) ([]byte, error) {
	owner, repo, ok := strings.Cut(cfg.Repository, "/")
	if !ok {
		return nil, fmt.Errorf("GITHUB_REPOSITORY %q is not owner/repo", cfg.Repository)
	}

	payload := json.RawMessage("{}")
	if cfg.EventPath != "" {
		data, err := os.ReadFile(cfg.EventPath)
		if err != nil {
			return nil, fmt.Errorf("reading event payload: %w", err)
		}
		payload = data
	}

	return json.Marshal(map[string]any{
		"event_name": cfg.EventName,
		"actor":      cfg.Actor,
		"repo":       map[string]string{"owner": owner, "repo": repo},
		"payload":    payload,
	})
}

// starterWorkflowYAML is written by `archon github install`.
const starterWorkflowYAML = `name: archon

on:
  issue_comment:
    types: [created]
  pull_request_review_comment:
    types: [created]

permissions:
  id-token: write
  contents: read

jobs:
  archon:
    if: contains(github.event.comment.body, '/archon') || contains(github.event.comment.body, '/ac')
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
        with:
          fetch-depth: 1
      - uses: anomalyco/archon-action@v1
`

func githubInstallCommand() *cobra.Command {
	var stdout bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write the starter workflow into .github/workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout {
				fmt.Fprint(cmd.OutOrStdout(), starterWorkflowYAML)
				return nil
			}

			path := filepath.Join(".github", "workflows", "archon.yml")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(starterWorkflowYAML), 0o644); err != nil {
				return err
			}
			clog.FromContext(cmd.Context()).With("path", path).Info("Installed workflow")
			return nil
		},
	}
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the workflow instead of writing it")
	return cmd
}
