/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package reconcile

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-github/v75/github"

	"github.com/anomalyco/archon/retry"
)

type fakePRs struct {
	open []*github.PullRequest

	createErrs []error // consumed per call; nil means success
	created    []*github.NewPullRequest
}

func (f *fakePRs) List(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, *github.Response, error) {
	return f.open, nil, nil
}

func (f *fakePRs) Create(ctx context.Context, owner, repo string, pull *github.NewPullRequest) (*github.PullRequest, *github.Response, error) {
	f.created = append(f.created, pull)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, nil, err
		}
	}
	return &github.PullRequest{
		Number:  github.Ptr(99),
		HTMLURL: github.Ptr("https://github.com/octo/repo/pull/99"),
	}, nil, nil
}

type commits bool

func (c commits) HasNewCommits(ctx context.Context) (bool, error) { return bool(c), nil }

func noCommitsErr() error {
	return &github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusUnprocessableEntity},
		Message:  "Validation Failed",
		Errors: []github.Error{{
			Message: "No commits between main and archon/issue1-x",
		}},
	}
}

var params = Params{
	Owner: "octo", Repo: "repo",
	Branch: "archon/issue1-x", Base: "main",
	Title: "Fix it", Body: "body",
}

func TestReconcileReusesExisting(t *testing.T) {
	f := &fakePRs{open: []*github.PullRequest{{Number: github.Ptr(5)}}}
	r := NewWithService(f)

	pr, err := r.Reconcile(context.Background(), params, commits(true))
	if err != nil {
		t.Fatalf("Reconcile() = %v", err)
	}
	if pr.GetNumber() != 5 {
		t.Errorf("number = %d, want 5", pr.GetNumber())
	}
	if len(f.created) != 0 {
		t.Errorf("created %d PRs, want 0", len(f.created))
	}
}

func TestReconcileSkipsWithoutCommits(t *testing.T) {
	f := &fakePRs{}
	r := NewWithService(f)

	pr, err := r.Reconcile(context.Background(), params, commits(false))
	if err != nil {
		t.Fatalf("Reconcile() = %v", err)
	}
	if pr != nil {
		t.Errorf("pr = %+v, want nil soft-skip", pr)
	}
	if len(f.created) != 0 {
		t.Errorf("created %d PRs, want 0", len(f.created))
	}
}

func TestReconcileCreates(t *testing.T) {
	f := &fakePRs{}
	r := NewWithService(f)

	pr, err := r.Reconcile(context.Background(), params, commits(true))
	if err != nil {
		t.Fatalf("Reconcile() = %v", err)
	}
	if pr.GetNumber() != 99 {
		t.Errorf("number = %d", pr.GetNumber())
	}
	if got := f.created[0].GetHead(); got != "octo:archon/issue1-x" {
		t.Errorf("head = %q", got)
	}
}

func TestReconcileForkHead(t *testing.T) {
	f := &fakePRs{}
	r := NewWithService(f)

	p := params
	p.HeadOwner = "carol"
	p.Branch = "feature/widget"
	if _, err := r.Reconcile(context.Background(), p, commits(true)); err != nil {
		t.Fatalf("Reconcile() = %v", err)
	}
	if got := f.created[0].GetHead(); got != "carol:feature/widget" {
		t.Errorf("head = %q", got)
	}
}

func TestReconcileRetriesOnce(t *testing.T) {
	f := &fakePRs{createErrs: []error{errors.New("transient")}}
	r := NewWithService(f)
	r.retryCfg = retry.Fixed(1, time.Millisecond)

	pr, err := r.Reconcile(context.Background(), params, commits(true))
	if err != nil {
		t.Fatalf("Reconcile() = %v", err)
	}
	if pr == nil || len(f.created) != 2 {
		t.Errorf("pr = %v, creates = %d; want success on second attempt", pr, len(f.created))
	}
}

func TestReconcileNoCommits422SoftSkips(t *testing.T) {
	f := &fakePRs{createErrs: []error{noCommitsErr()}}
	r := NewWithService(f)

	pr, err := r.Reconcile(context.Background(), params, commits(true))
	if err != nil {
		t.Fatalf("Reconcile() = %v, want soft-skip", err)
	}
	if pr != nil {
		t.Errorf("pr = %+v, want nil", pr)
	}
	// The 422 must not be retried.
	if len(f.created) != 1 {
		t.Errorf("creates = %d, want 1", len(f.created))
	}
}

func TestTruncateTitle(t *testing.T) {
	short := "Fix it"
	if got := truncateTitle(short); got != short {
		t.Errorf("truncateTitle(short) = %q", got)
	}

	long := strings.Repeat("t", 300)
	got := truncateTitle(long)
	if len(got) != 256 {
		t.Errorf("len = %d, want 256", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("missing ellipsis: %q", got[250:])
	}

	multibyte := strings.Repeat("ü", 200)
	got = truncateTitle(multibyte)
	if !utf8.ValidString(got) {
		t.Errorf("truncated title is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("missing ellipsis on multibyte title")
	}
}
