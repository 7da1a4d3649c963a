/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package workspace manages the git working tree across a run: selecting
// the branch topology for the trigger, preparing the checkout, detecting
// what the session left behind, and committing and pushing the result.
package workspace

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anomalyco/archon/events"
)

// Topology is the branch arrangement a run operates under.
type Topology int

const (
	// NewIssueBranch creates a fresh branch off the default branch; used
	// for issue triggers, where agent changes become a new PR.
	NewIssueBranch Topology = iota
	// LocalPRBranch checks out the PR's own head branch; pushes go back
	// to origin.
	LocalPRBranch
	// ForkPRBranch checks out the head branch of a fork PR via a
	// dedicated remote; pushes go to the fork.
	ForkPRBranch
	// RepoEventBranch creates a fresh uniquely-named branch for schedule
	// and dispatch triggers.
	RepoEventBranch
)

func (t Topology) String() string {
	switch t {
	case NewIssueBranch:
		return "new-issue-branch"
	case LocalPRBranch:
		return "local-pr-branch"
	case ForkPRBranch:
		return "fork-pr-branch"
	case RepoEventBranch:
		return "repo-event-branch"
	}
	return "unknown"
}

// PullRequest carries the head/base facts needed to prepare a PR checkout.
type PullRequest struct {
	Number       int
	Title        string
	HeadRef      string
	BaseRef      string
	HeadOwner    string
	HeadRepo     string
	HeadCloneURL string
	IsFork       bool
	TotalCommits int
}

// Setup describes the branch arrangement chosen for a run.
type Setup struct {
	Topology Topology

	// Branch is the local working branch.
	Branch string
	// RemoteBranch is the branch name on the push target; it differs from
	// Branch only for fork PRs.
	RemoteBranch string
	// PushRemote is the remote pushes go to: origin, or the fork remote.
	PushRemote string
	// BaseBranch is the merge base: the PR base, or the default branch.
	BaseBranch string
}

const (
	branchPrefix = "archon/"
	originRemote = "origin"
	forkRemote   = "fork"

	// Compact timestamp keeps branch names sortable and unique enough for
	// one trigger per second per number.
	timestampLayout = "20060102150405"
)

// Select chooses the topology and branch names for a trigger. pr is nil for
// non-PR triggers; defaultBranch is the repository's default branch.
func Select(te *events.TriggerEvent, pr *PullRequest, defaultBranch string, now time.Time) Setup {
	ts := now.UTC().Format(timestampLayout)

	if te.Category == events.CategoryRepo {
		kind := "dispatch"
		if te.Kind == "schedule" {
			kind = "schedule"
		}
		frag := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
		branch := fmt.Sprintf("%s%s-%s-%s", branchPrefix, kind, frag, ts)
		return Setup{
			Topology:     RepoEventBranch,
			Branch:       branch,
			RemoteBranch: branch,
			PushRemote:   originRemote,
			BaseBranch:   defaultBranch,
		}
	}

	if te.IsPullRequest && pr != nil {
		if pr.IsFork {
			// The local branch name mirrors the PR number; the push
			// refspec targets the fork's actual head branch.
			return Setup{
				Topology:     ForkPRBranch,
				Branch:       fmt.Sprintf("%spr%d-%s", branchPrefix, pr.Number, ts),
				RemoteBranch: pr.HeadRef,
				PushRemote:   forkRemote,
				BaseBranch:   pr.BaseRef,
			}
		}
		return Setup{
			Topology:     LocalPRBranch,
			Branch:       pr.HeadRef,
			RemoteBranch: pr.HeadRef,
			PushRemote:   originRemote,
			BaseBranch:   pr.BaseRef,
		}
	}

	branch := fmt.Sprintf("%sissue%d-%s", branchPrefix, te.Number, ts)
	return Setup{
		Topology:     NewIssueBranch,
		Branch:       branch,
		RemoteBranch: branch,
		PushRemote:   originRemote,
		BaseBranch:   defaultBranch,
	}
}

// fetchDepth bounds PR history fetches: enough to cover the PR's commits,
// capped at 20.
func fetchDepth(totalCommits int) int {
	if totalCommits <= 0 {
		return 1
	}
	return min(totalCommits, 20)
}
