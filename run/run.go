/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package run drives one engine invocation end to end: classify the
// trigger, lease credentials, gather context, prepare the workspace, run
// the session, publish the git result, and respond — releasing the lease
// exactly once no matter how the run ends.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/anomalyco/archon/authz"
	"github.com/anomalyco/archon/credentials"
	"github.com/anomalyco/archon/events"
	"github.com/anomalyco/archon/githubdata"
	"github.com/anomalyco/archon/reconcile"
	"github.com/anomalyco/archon/respond"
	"github.com/anomalyco/archon/runtime"
	"github.com/anomalyco/archon/session"
	"github.com/anomalyco/archon/workspace"
)

// Options configures one invocation.
type Options struct {
	// EventContext is the Actions event context blob; see
	// events.ClassifyActionsContext for its shape.
	EventContext []byte

	// RepoPath is the existing checkout the runner provides.
	RepoPath string
	// RunURL is this workflow run's page, linked from comments.
	RunURL string

	// Token short-circuits the exchange; Credential is exchanged at
	// ExchangeURL otherwise.
	Token       string
	Credential  string
	ExchangeURL string

	// RuntimeURL locates the agent runtime's session API.
	RuntimeURL string

	Mentions     []string
	CustomPrompt string
	Share        bool
	Polling      bool
}

// clients bundles everything that needs the leased token.
type clients struct {
	github   *github.Client
	data     *githubdata.Client
	gate     *authz.Gate
	composer *respond.Composer
	prs      *reconcile.Reconciler
}

func newClients(ctx context.Context, token string) *clients {
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	gh := github.NewClient(hc)
	return &clients{
		github:   gh,
		data:     githubdata.New(hc),
		gate:     authz.NewGate(gh),
		composer: respond.New(gh),
		prs:      reconcile.New(gh),
	}
}

// Run executes one invocation.
func Run(ctx context.Context, opts Options) error {
	log := clog.FromContext(ctx)

	te, err := events.ClassifyActionsContext(opts.EventContext)
	if err != nil {
		return err
	}
	log = log.With("event", te.Kind).With("repo", te.Owner+"/"+te.Repo)
	ctx = clog.WithLogger(ctx, log)

	rt := &runtime.Client{BaseURL: opts.RuntimeURL}

	// The token exchange and the runtime probe are independent; do both
	// before anything that needs either.
	var lease *credentials.Lease
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lease, err = credentials.Acquire(gctx, credentials.LeaseOptions{
			Token:      opts.Token,
			Credential: opts.Credential,
			Owner:      te.Owner,
			Repo:       te.Repo,
			Exchanger:  &credentials.Exchanger{BaseURL: opts.ExchangeURL},
		})
		return err
	})
	g.Go(func() error {
		return rt.Probe(gctx)
	})
	if err := g.Wait(); err != nil {
		// The exchange may have succeeded even when the probe did not; a
		// minted token must still be revoked.
		if lease != nil {
			lease.Release(context.WithoutCancel(ctx))
		}
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	c := newClients(ctx, lease.Token())

	inv := &invocation{
		opts:    opts,
		te:      te,
		lease:   lease,
		clients: c,
		orch: session.New(rt,
			session.WithSharing(opts.Share),
			session.WithCompletionMode(completionMode(opts))),
	}

	if requiresAuthorization(te, lease.PreSupplied()) {
		if err := c.gate.Authorize(ctx, te.Owner, te.Repo, te.Actor); err != nil {
			inv.fail(ctx, 0, err)
			return err
		}
	}

	prompt, err := events.ResolvePrompt(te, events.PromptOptions{
		Mentions:     opts.Mentions,
		CustomPrompt: opts.CustomPrompt,
	})
	if err != nil {
		return err
	}

	return inv.execute(ctx, prompt)
}

// requiresAuthorization reports whether the permission gate applies. Any
// event with an actor is gated, including workflow_dispatch; only actorless
// events (schedule) and runs on a caller-supplied token skip it.
func requiresAuthorization(te *events.TriggerEvent, preSupplied bool) bool {
	return te.Actor != "" && !preSupplied
}

func completionMode(opts Options) session.CompletionMode {
	if opts.Polling {
		return session.Polling
	}
	return session.Blocking
}

// invocation carries the per-run state through execute.
type invocation struct {
	opts    Options
	te      *events.TriggerEvent
	lease   *credentials.Lease
	clients *clients
	orch    *session.Orchestrator

	issueTitle string
	pr         *githubdata.PullRequest
}

func (inv *invocation) execute(ctx context.Context, prompt string) error {
	log := clog.FromContext(ctx)
	te := inv.te
	c := inv.clients

	// Context fetch, attachments, and topology facts.
	defaultBranch, err := c.data.DefaultBranch(ctx, te.Owner, te.Repo)
	if err != nil {
		inv.fail(ctx, 0, err)
		return err
	}

	var wsPR *workspace.PullRequest
	if te.Number != 0 {
		if te.IsPullRequest {
			pr, err := c.data.FetchPullRequest(ctx, te.Owner, te.Repo, te.Number)
			if err != nil {
				inv.fail(ctx, 0, err)
				return err
			}
			inv.pr = pr
			inv.issueTitle = pr.Title
			prompt = pr.PromptContext() + "\n\n" + prompt
			wsPR = &workspace.PullRequest{
				Number:       pr.Number,
				Title:        pr.Title,
				HeadRef:      pr.HeadRef,
				BaseRef:      pr.BaseRef,
				HeadOwner:    pr.HeadOwner,
				HeadRepo:     pr.HeadRepo,
				HeadCloneURL: pr.HeadCloneURL,
				IsFork:       pr.IsFork,
				TotalCommits: pr.TotalCommits,
			}
		} else {
			iss, err := c.data.FetchIssue(ctx, te.Owner, te.Repo, te.Number)
			if err != nil {
				inv.fail(ctx, 0, err)
				return err
			}
			inv.issueTitle = iss.Title
			prompt = iss.PromptContext() + "\n\n" + prompt
		}
	}

	dl := &events.Downloader{Token: inv.lease.Token()}
	prompt, attachments := dl.ExtractAttachments(ctx, prompt)

	// User-visible run bracketing.
	handle := c.composer.AddEyes(ctx, te)
	defer c.composer.RemoveEyes(context.WithoutCancel(ctx), te, handle)

	var placeholderID int64
	if te.Category == events.CategoryUser && te.Number != 0 {
		if id, err := c.composer.PostPlaceholder(ctx, te.Owner, te.Repo, te.Number, inv.opts.RunURL); err != nil {
			log.With("error", err).Warn("Failed to post placeholder")
		} else {
			placeholderID = id
		}
	}

	// Workspace and credentials.
	setup := workspace.Select(te, wsPR, defaultBranch, timeNow())
	w, err := workspace.Prepare(ctx, inv.opts.RepoPath, setup, wsPR, inv.lease.Token())
	if err != nil {
		inv.fail(ctx, placeholderID, err)
		return err
	}
	if err := inv.lease.InstallGit(ctx, inv.opts.RepoPath); err != nil {
		inv.fail(ctx, placeholderID, err)
		return err
	}

	// The session itself.
	result, err := inv.orch.Run(ctx, prompt, attachments)
	if err != nil {
		inv.fail(ctx, placeholderID, err)
		return err
	}

	body, err := inv.publish(ctx, w, result)
	if err != nil {
		inv.fail(ctx, placeholderID, err)
		return err
	}

	if te.Category == events.CategoryUser && te.Number != 0 {
		footer := respond.Footer(result.ShareURL, inv.opts.RunURL, inv.opts.Share)
		if err := c.composer.Finalize(ctx, te.Owner, te.Repo, te.Number, placeholderID, body+footer); err != nil {
			return err
		}
	} else {
		log.Info(body)
	}
	return nil
}

// publish turns what the session left in the tree into commits, pushes, and
// (for the new-branch topologies) a pull request. It returns the terminal
// comment body.
func (inv *invocation) publish(ctx context.Context, w *workspace.Workspace, result *session.Result) (string, error) {
	log := clog.FromContext(ctx)
	te := inv.te
	body := result.Text

	state, err := w.Detect()
	if err != nil {
		return "", err
	}
	log.With("state", state.String()).Info("Detected workspace state")

	switch state {
	case workspace.StateClean:
		return body, nil

	case workspace.StateSwitchedBranch:
		branch, _ := w.CurrentBranch()
		log.With("branch", branch).Warn("Session switched branches, skipping publication")
		return body + "\n\nNote: the session switched branches, so no changes were pushed.", nil

	case workspace.StateUncommitted:
		summary := inv.orch.CommitSummary(ctx, result.SessionID, inv.issueTitle)
		coAuthor := ""
		if te.Kind != "schedule" {
			coAuthor = te.Actor
		}
		if err := w.CommitAll(ctx, summary, coAuthor); err != nil {
			return "", err
		}
	}

	// Uncommitted (now committed) and new-commit states both publish.
	if err := w.Push(ctx); err != nil {
		return "", err
	}

	switch w.Setup.Topology {
	case workspace.LocalPRBranch, workspace.ForkPRBranch:
		// The push updated the existing PR; nothing to reconcile.
		return body, nil
	}

	title := inv.orch.CommitSummary(ctx, result.SessionID, inv.issueTitle)
	prBody := result.Text
	if te.Number != 0 {
		prBody += fmt.Sprintf("\n\nCloses #%d", te.Number)
	}
	prBody += respond.Footer(result.ShareURL, inv.opts.RunURL, false)

	headOwner := ""
	if w.Setup.PushRemote == "fork" && inv.pr != nil {
		headOwner = inv.pr.HeadOwner
	}
	pr, err := inv.clients.prs.Reconcile(ctx, reconcile.Params{
		Owner:     te.Owner,
		Repo:      te.Repo,
		HeadOwner: headOwner,
		Branch:    w.Setup.RemoteBranch,
		Base:      w.Setup.BaseBranch,
		Title:     title,
		Body:      prBody,
	}, w)
	if err != nil {
		return "", err
	}
	if pr != nil {
		body += fmt.Sprintf("\n\nCreated PR #%d: %s", pr.GetNumber(), pr.GetHTMLURL())
	}
	return body, nil
}

// fail replaces the placeholder with a rendered error; the run still exits
// non-zero.
func (inv *invocation) fail(ctx context.Context, placeholderID int64, runErr error) {
	te := inv.te
	if te.Category != events.CategoryUser || te.Number == 0 {
		return
	}
	body := renderError(runErr) + respond.Footer("", inv.opts.RunURL, false)
	if err := inv.clients.composer.Finalize(context.WithoutCancel(ctx), te.Owner, te.Repo, te.Number, placeholderID, body); err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Failed to post error comment")
	}
}

// renderError formats an error for the terminal comment.
func renderError(err error) string {
	var ae *authz.AuthorizationError
	if errors.As(err, &ae) {
		return fmt.Sprintf("@%s does not have write access to this repository, so this request was not run.", ae.Actor)
	}
	var coe *session.ContextOverflowError
	if errors.As(err, &coe) {
		return coe.Detail()
	}
	var ge *workspace.GitError
	if errors.As(err, &ge) {
		return "The run failed during a git operation:\n\n```\n" + ge.Error() + "\n```"
	}
	var re *session.RuntimeError
	if errors.As(err, &re) {
		return re.Error()
	}
	var te *session.TimeoutError
	if errors.As(err, &te) {
		return "The session timed out before completing."
	}
	return "The run failed: " + err.Error()
}

// timeNow is overridable for tests.
var timeNow = time.Now
