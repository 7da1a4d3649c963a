/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

const (
	commitName  = "archon-agent[bot]"
	commitEmail = "archon-agent[bot]@users.noreply.github.com"
)

// State is what the session left behind in the working tree, in detection
// precedence order: a switched branch outranks uncommitted changes, which
// outrank new commits on the expected branch.
type State int

const (
	StateClean State = iota
	StateSwitchedBranch
	StateUncommitted
	StateNewCommits
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateSwitchedBranch:
		return "switched-branch"
	case StateUncommitted:
		return "uncommitted"
	case StateNewCommits:
		return "new-commits"
	}
	return "unknown"
}

// Workspace is a prepared git working tree for one run.
type Workspace struct {
	repo *git.Repository
	wt   *git.Worktree
	path string

	Setup Setup

	// baseline is HEAD at the end of Prepare; commits past it are the
	// session's work.
	baseline plumbing.Hash

	auth transport.AuthMethod
}

// Prepare arranges the checkout for the selected topology. path is an
// existing clone positioned on the default branch (the hosting runner's
// checkout); pr is required for the PR topologies.
func Prepare(ctx context.Context, path string, setup Setup, pr *PullRequest, token string) (*Workspace, error) {
	log := clog.FromContext(ctx)

	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, &GitError{Op: "open", Err: err}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, &GitError{Op: "worktree", Err: err}
	}

	w := &Workspace{repo: repo, wt: wt, path: path, Setup: setup}
	if token != "" {
		w.auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}

	switch setup.Topology {
	case NewIssueBranch, RepoEventBranch:
		if err := wt.Checkout(&git.CheckoutOptions{
			Branch: plumbing.NewBranchReferenceName(setup.Branch),
			Create: true,
		}); err != nil {
			return nil, &GitError{Op: "checkout", Err: err}
		}

	case LocalPRBranch:
		if err := w.fetchHead(ctx, originRemote, pr); err != nil {
			return nil, err
		}
		if err := w.checkoutAt(setup.Branch, plumbing.NewRemoteReferenceName(originRemote, pr.HeadRef)); err != nil {
			return nil, err
		}

	case ForkPRBranch:
		if _, err := repo.CreateRemote(&config.RemoteConfig{
			Name: forkRemote,
			URLs: []string{pr.HeadCloneURL},
		}); err != nil && !errors.Is(err, git.ErrRemoteExists) {
			return nil, &GitError{Op: "remote add", Err: err}
		}
		if err := w.fetchHead(ctx, forkRemote, pr); err != nil {
			return nil, err
		}
		if err := w.checkoutAt(setup.Branch, plumbing.NewRemoteReferenceName(forkRemote, pr.HeadRef)); err != nil {
			return nil, err
		}
	}

	head, err := repo.Head()
	if err != nil {
		return nil, &GitError{Op: "head", Err: err}
	}
	w.baseline = head.Hash()

	log.With("topology", setup.Topology.String()).
		With("branch", setup.Branch).
		With("base", setup.BaseBranch).
		Info("Workspace prepared")
	return w, nil
}

// fetchHead pulls the PR head branch from the given remote, bounded by the
// PR's commit count.
func (w *Workspace) fetchHead(ctx context.Context, remote string, pr *PullRequest) error {
	spec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", pr.HeadRef, remote, pr.HeadRef))
	err := w.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{spec},
		Depth:      fetchDepth(pr.TotalCommits),
		Auth:       w.auth,
		Tags:       git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &GitError{Op: "fetch", Err: err}
	}
	return nil
}

// checkoutAt creates branch at the resolved remote ref, or switches to it
// when it already exists locally.
func (w *Workspace) checkoutAt(branch string, remoteRef plumbing.ReferenceName) error {
	ref, err := w.repo.Reference(remoteRef, true)
	if err != nil {
		return &GitError{Op: "resolve " + remoteRef.Short(), Err: err}
	}
	local := plumbing.NewBranchReferenceName(branch)
	if err := w.wt.Checkout(&git.CheckoutOptions{Branch: local, Create: true, Hash: ref.Hash()}); err != nil {
		if err := w.wt.Checkout(&git.CheckoutOptions{Branch: local}); err != nil {
			return &GitError{Op: "checkout", Err: err}
		}
	}
	return nil
}

// CurrentBranch returns the short name of the checked-out branch, or the
// empty string on a detached HEAD.
func (w *Workspace) CurrentBranch() (string, error) {
	head, err := w.repo.Head()
	if err != nil {
		return "", &GitError{Op: "head", Err: err}
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// Detect classifies what the session left in the tree.
func (w *Workspace) Detect() (State, error) {
	branch, err := w.CurrentBranch()
	if err != nil {
		return StateClean, err
	}
	if branch != w.Setup.Branch {
		return StateSwitchedBranch, nil
	}

	status, err := w.wt.Status()
	if err != nil {
		return StateClean, &GitError{Op: "status", Err: err}
	}
	if !status.IsClean() {
		return StateUncommitted, nil
	}

	head, err := w.repo.Head()
	if err != nil {
		return StateClean, &GitError{Op: "head", Err: err}
	}
	if head.Hash() != w.baseline {
		return StateNewCommits, nil
	}
	return StateClean, nil
}

// CommitAll stages everything and commits with the bot identity. coAuthor,
// when non-empty, is credited with a trailer; repo-event runs pass none.
func (w *Workspace) CommitAll(ctx context.Context, summary, coAuthor string) error {
	if err := w.wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return &GitError{Op: "add", Err: err}
	}

	message := summary
	if coAuthor != "" {
		message += fmt.Sprintf("\n\nCo-authored-by: %s <%s@users.noreply.github.com>", coAuthor, coAuthor)
	}

	hash, err := w.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: commitName, Email: commitEmail, When: time.Now()},
	})
	if err != nil {
		return &GitError{Op: "commit", Err: err}
	}
	clog.FromContext(ctx).With("commit", hash.String()).With("summary", summary).Info("Committed changes")
	return nil
}

// Push sends the working branch to the topology's push remote. Fork pushes
// use a HEAD refspec so the local branch name never leaks into the fork.
func (w *Workspace) Push(ctx context.Context) error {
	var spec config.RefSpec
	if w.Setup.Topology == ForkPRBranch {
		spec = config.RefSpec("HEAD:refs/heads/" + w.Setup.RemoteBranch)
	} else {
		spec = config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", w.Setup.Branch, w.Setup.RemoteBranch))
	}

	err := w.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: w.Setup.PushRemote,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       w.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &GitError{Op: "push", Err: err}
	}
	clog.FromContext(ctx).With("remote", w.Setup.PushRemote).With("refspec", string(spec)).Info("Pushed branch")
	return nil
}

// HasNewCommits reports whether the working branch carries commits the base
// branch does not. When the base cannot be resolved even after a shallow
// fetch, it errs on the side of reporting commits so a PR attempt is made;
// GitHub is the final arbiter.
func (w *Workspace) HasNewCommits(ctx context.Context) (bool, error) {
	head, err := w.repo.Head()
	if err != nil {
		return false, &GitError{Op: "head", Err: err}
	}

	baseHash, ok := w.resolveBase()
	if !ok {
		if err := w.fetchBase(ctx); err != nil {
			clog.FromContext(ctx).With("error", err).Debug("Base fetch failed, assuming commits exist")
			return true, nil
		}
		if baseHash, ok = w.resolveBase(); !ok {
			return true, nil
		}
	}

	if head.Hash() == baseHash {
		return false, nil
	}

	iter, err := w.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return true, nil
	}
	defer iter.Close()

	count := 0
	for {
		c, err := iter.Next()
		if err != nil {
			// History is shallow or exhausted without meeting the base;
			// assume the branch has its own commits.
			return true, nil
		}
		if c.Hash == baseHash {
			return count > 0, nil
		}
		count++
	}
}

func (w *Workspace) resolveBase() (plumbing.Hash, bool) {
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName(originRemote, w.Setup.BaseBranch),
		plumbing.NewBranchReferenceName(w.Setup.BaseBranch),
	} {
		if ref, err := w.repo.Reference(name, true); err == nil {
			return ref.Hash(), true
		}
	}
	return plumbing.ZeroHash, false
}

func (w *Workspace) fetchBase(ctx context.Context) error {
	spec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s",
		w.Setup.BaseBranch, originRemote, w.Setup.BaseBranch))
	err := w.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: originRemote,
		RefSpecs:   []config.RefSpec{spec},
		Depth:      1,
		Auth:       w.auth,
		Tags:       git.NoTags,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// Path returns the working tree's location on disk.
func (w *Workspace) Path() string { return w.path }
