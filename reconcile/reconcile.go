/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package reconcile converges pushed branches onto pull requests. The
// operation is idempotent: an existing open PR for the branch is reused, a
// branch with nothing on it is skipped, and GitHub's own "no commits"
// rejection is treated as a skip rather than a failure.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"

	"github.com/anomalyco/archon/retry"
)

const (
	maxTitleLen       = 256
	truncatedTitleLen = 253

	createRetries    = 1
	createRetryDelay = 5 * time.Second
)

// PullRequestsService is the slice of go-github the reconciler uses.
type PullRequestsService interface {
	List(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, *github.Response, error)
	Create(ctx context.Context, owner, repo string, pull *github.NewPullRequest) (*github.PullRequest, *github.Response, error)
}

// CommitChecker reports whether the working branch carries commits beyond
// the base. Satisfied by workspace.Workspace.
type CommitChecker interface {
	HasNewCommits(ctx context.Context) (bool, error)
}

// Params describes the PR to converge on.
type Params struct {
	Owner string
	Repo  string

	// HeadOwner is the owner of the head branch; it differs from Owner
	// for fork PRs. Empty means Owner.
	HeadOwner string
	// Branch is the head branch name on its remote.
	Branch string
	Base   string

	Title string
	Body  string
}

func (p Params) headFilter() string {
	owner := p.HeadOwner
	if owner == "" {
		owner = p.Owner
	}
	return owner + ":" + p.Branch
}

// Reconciler creates pull requests for pushed branches.
type Reconciler struct {
	prs      PullRequestsService
	retryCfg retry.Config
}

// New returns a Reconciler backed by the given GitHub client.
func New(client *github.Client) *Reconciler {
	return NewWithService(client.PullRequests)
}

// NewWithService returns a Reconciler with a custom service, for tests.
func NewWithService(prs PullRequestsService) *Reconciler {
	return &Reconciler{prs: prs, retryCfg: retry.Fixed(createRetries, createRetryDelay)}
}

// Reconcile ensures an open PR exists for the branch. It returns the
// existing or created PR, or (nil, nil) when there is nothing to open a PR
// for: no commits past the base, or GitHub rejecting the create for the
// same reason.
func (r *Reconciler) Reconcile(ctx context.Context, p Params, commits CommitChecker) (*github.PullRequest, error) {
	log := clog.FromContext(ctx)

	existing, _, err := r.prs.List(ctx, p.Owner, p.Repo, &github.PullRequestListOptions{
		State: "open",
		Head:  p.headFilter(),
		Base:  p.Base,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests for %s: %w", p.headFilter(), err)
	}
	if len(existing) > 0 {
		pr := existing[0]
		log.With("number", pr.GetNumber()).Info("Reusing existing pull request")
		return pr, nil
	}

	if commits != nil {
		has, err := commits.HasNewCommits(ctx)
		if err != nil {
			return nil, err
		}
		if !has {
			log.With("branch", p.Branch).Info("No commits past base, skipping pull request")
			return nil, nil
		}
	}

	pr, err := retry.Do(ctx, r.retryCfg, "create pull request",
		func(err error) bool { return !isNoCommits(err) },
		func() (*github.PullRequest, error) {
			pr, _, err := r.prs.Create(ctx, p.Owner, p.Repo, &github.NewPullRequest{
				Title: github.Ptr(truncateTitle(p.Title)),
				Body:  github.Ptr(p.Body),
				Head:  github.Ptr(p.headFilter()),
				Base:  github.Ptr(p.Base),
			})
			return pr, err
		})
	if err != nil {
		if isNoCommits(err) {
			log.With("branch", p.Branch).Info("GitHub reports no commits between branches, skipping")
			return nil, nil
		}
		return nil, err
	}

	log.With("number", pr.GetNumber()).With("url", pr.GetHTMLURL()).Info("Created pull request")
	return pr, nil
}

// isNoCommits matches GitHub's 422 for a head with nothing on it.
func isNoCommits(err error) bool {
	var er *github.ErrorResponse
	if !errors.As(err, &er) {
		return false
	}
	if er.Response == nil || er.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(er.Message, "No commits between") {
		return true
	}
	for _, e := range er.Errors {
		if strings.Contains(e.Message, "No commits between") {
			return true
		}
	}
	return false
}

func truncateTitle(title string) string {
	if len(title) <= maxTitleLen {
		return title
	}
	cut := truncatedTitleLen
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut] + "..."
}
