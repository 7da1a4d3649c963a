/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

// managedWorkflowPath is where the managed workflow lives in target repos.
const managedWorkflowPath = ".github/workflows/archon-managed.yml"

const managedWorkflowFile = "archon-managed.yml"

// managedWorkflowYAML is the workflow installed into repositories that use
// the hosted front-end. Its inputs mirror the dispatch payload below.
const managedWorkflowYAML = `name: archon managed

on:
  workflow_dispatch:
    inputs:
      event_context:
        description: "JSON event context"
        required: true
        type: string

permissions:
  id-token: write
  contents: read

jobs:
  run:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
        with:
          fetch-depth: 1
      - uses: anomalyco/archon-action@v1
        with:
          event_context: ${{ inputs.event_context }}
`

// ReposService is the slice of go-github the dispatcher needs for workflow
// installation.
type ReposService interface {
	GetContents(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentGetOptions) (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error)
	CreateFile(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentFileOptions) (*github.RepositoryContentResponse, *github.Response, error)
}

// ActionsService is the slice of go-github the dispatcher needs to fire the
// workflow.
type ActionsService interface {
	CreateWorkflowDispatchEventByFileName(ctx context.Context, owner, repo, workflowFileName string, event github.CreateWorkflowDispatchEventRequest) (*github.Response, error)
}

// Dispatcher installs and triggers the managed workflow in target
// repositories.
type Dispatcher struct {
	repos   ReposService
	actions ActionsService
}

// NewDispatcher returns a Dispatcher backed by the given GitHub client.
func NewDispatcher(client *github.Client) *Dispatcher {
	return &Dispatcher{repos: client.Repositories, actions: client.Actions}
}

// NewDispatcherWithServices returns a Dispatcher with custom services, for
// tests.
func NewDispatcherWithServices(repos ReposService, actions ActionsService) *Dispatcher {
	return &Dispatcher{repos: repos, actions: actions}
}

// EnsureWorkflow creates the managed workflow file when the repository does
// not have one yet.
func (d *Dispatcher) EnsureWorkflow(ctx context.Context, owner, repo, branch string) error {
	_, _, resp, err := d.repos.GetContents(ctx, owner, repo, managedWorkflowPath, nil)
	if err == nil {
		return nil
	}
	notFound := errStatus(err) == http.StatusNotFound ||
		(resp != nil && resp.StatusCode == http.StatusNotFound)
	if !notFound {
		return fmt.Errorf("checking for managed workflow: %w", err)
	}

	clog.FromContext(ctx).With("repo", owner+"/"+repo).Info("Installing managed workflow")
	_, _, err = d.repos.CreateFile(ctx, owner, repo, managedWorkflowPath, &github.RepositoryContentFileOptions{
		Message: github.Ptr("Add archon managed workflow"),
		Content: []byte(managedWorkflowYAML),
		Branch:  github.Ptr(branch),
	})
	if err != nil {
		return fmt.Errorf("creating managed workflow: %w", err)
	}
	return nil
}

// Dispatch fires the managed workflow with the serialized event context,
// installing the workflow first when missing.
func (d *Dispatcher) Dispatch(ctx context.Context, owner, repo, branch, eventContext string) error {
	if err := d.EnsureWorkflow(ctx, owner, repo, branch); err != nil {
		return err
	}
	_, err := d.actions.CreateWorkflowDispatchEventByFileName(ctx, owner, repo, managedWorkflowFile,
		github.CreateWorkflowDispatchEventRequest{
			Ref:    branch,
			Inputs: map[string]any{"event_context": eventContext},
		})
	if err != nil {
		return fmt.Errorf("dispatching managed workflow: %w", err)
	}
	return nil
}

// errStatus extracts the HTTP status from a go-github error, zero when
// unavailable.
func errStatus(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}
