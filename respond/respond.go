/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package respond posts the run's user-facing output: the placeholder
// comment while the session works, the terminal comment that replaces it,
// the footer linking session and run, and the eyes reaction bracketing the
// run.
package respond

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"

	"github.com/anomalyco/archon/events"
)

const eyes = "eyes"

// IssuesService is the slice of go-github's issues API the composer uses.
type IssuesService interface {
	CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, *github.Response, error)
	EditComment(ctx context.Context, owner, repo string, commentID int64, comment *github.IssueComment) (*github.IssueComment, *github.Response, error)
}

// ReactionsService is the slice of go-github's reactions API the composer
// uses.
type ReactionsService interface {
	CreateIssueReaction(ctx context.Context, owner, repo string, number int, content string) (*github.Reaction, *github.Response, error)
	CreateIssueCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) (*github.Reaction, *github.Response, error)
	CreateCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) (*github.Reaction, *github.Response, error)
	DeleteIssueReaction(ctx context.Context, owner, repo string, number int, reactionID int64) (*github.Response, error)
	DeleteIssueCommentReaction(ctx context.Context, owner, repo string, commentID, reactionID int64) (*github.Response, error)
	DeleteCommentReaction(ctx context.Context, owner, repo string, commentID, reactionID int64) (*github.Response, error)
}

// Composer posts and updates run output on GitHub.
type Composer struct {
	issues    IssuesService
	reactions ReactionsService
}

// New returns a Composer backed by the given GitHub client.
func New(client *github.Client) *Composer {
	return &Composer{issues: client.Issues, reactions: client.Reactions}
}

// NewWithServices returns a Composer with custom services, for tests.
func NewWithServices(issues IssuesService, reactions ReactionsService) *Composer {
	return &Composer{issues: issues, reactions: reactions}
}

// Placeholder renders the comment posted before the session starts.
func Placeholder(runURL string) string {
	return fmt.Sprintf("[Working...](%s)", runURL)
}

// Footer renders the trailing links appended to every terminal comment.
// With an image, the share link doubles as a social-card preview.
func Footer(shareURL, runURL string, image bool) string {
	var out string
	if image && shareURL != "" {
		out += fmt.Sprintf("\n\n[![archon session](%s/card.png)](%s)", shareURL, shareURL)
	}
	out += "\n\n"
	if shareURL != "" {
		out += fmt.Sprintf("[archon session](%s) | ", shareURL)
	}
	out += fmt.Sprintf("[github run](%s)", runURL)
	return out
}

// PostPlaceholder creates the placeholder comment and returns its id for
// the terminal update.
func (c *Composer) PostPlaceholder(ctx context.Context, owner, repo string, number int, runURL string) (int64, error) {
	comment, _, err := c.issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.Ptr(Placeholder(runURL)),
	})
	if err != nil {
		return 0, fmt.Errorf("posting placeholder comment: %w", err)
	}
	return comment.GetID(), nil
}

// Finalize replaces the placeholder (when one exists) or posts a fresh
// comment with the terminal body.
func (c *Composer) Finalize(ctx context.Context, owner, repo string, number int, placeholderID int64, body string) error {
	if placeholderID != 0 {
		if _, _, err := c.issues.EditComment(ctx, owner, repo, placeholderID, &github.IssueComment{
			Body: github.Ptr(body),
		}); err != nil {
			return fmt.Errorf("updating comment %d: %w", placeholderID, err)
		}
		return nil
	}
	if _, _, err := c.issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.Ptr(body),
	}); err != nil {
		return fmt.Errorf("posting comment: %w", err)
	}
	return nil
}

// ReactionHandle identifies a reaction for later removal.
type ReactionHandle struct {
	id        int64
	commentID int64
	number    int
	review    bool
}

// AddEyes reacts to the trigger so the author sees the run was picked up.
// Repo events have nothing to react to and return a nil handle. Failures
// are logged, never fatal.
func (c *Composer) AddEyes(ctx context.Context, te *events.TriggerEvent) *ReactionHandle {
	log := clog.FromContext(ctx)

	var (
		reaction *github.Reaction
		err      error
		handle   ReactionHandle
	)
	switch {
	case te.CommentID != 0 && te.Review != nil:
		handle = ReactionHandle{commentID: te.CommentID, review: true}
		reaction, _, err = c.reactions.CreateCommentReaction(ctx, te.Owner, te.Repo, te.CommentID, eyes)
	case te.CommentID != 0:
		handle = ReactionHandle{commentID: te.CommentID}
		reaction, _, err = c.reactions.CreateIssueCommentReaction(ctx, te.Owner, te.Repo, te.CommentID, eyes)
	case te.Number != 0:
		handle = ReactionHandle{number: te.Number}
		reaction, _, err = c.reactions.CreateIssueReaction(ctx, te.Owner, te.Repo, te.Number, eyes)
	default:
		return nil
	}
	if err != nil {
		log.With("error", err).Debug("Failed to add reaction")
		return nil
	}
	handle.id = reaction.GetID()
	return &handle
}

// RemoveEyes takes the reaction back down on exit. nil handles are no-ops.
func (c *Composer) RemoveEyes(ctx context.Context, te *events.TriggerEvent, h *ReactionHandle) {
	if h == nil || h.id == 0 {
		return
	}

	var err error
	switch {
	case h.review:
		_, err = c.reactions.DeleteCommentReaction(ctx, te.Owner, te.Repo, h.commentID, h.id)
	case h.commentID != 0:
		_, err = c.reactions.DeleteIssueCommentReaction(ctx, te.Owner, te.Repo, h.commentID, h.id)
	default:
		_, err = c.reactions.DeleteIssueReaction(ctx, te.Owner, te.Repo, h.number, h.id)
	}
	if err != nil {
		clog.FromContext(ctx).With("error", err).Debug("Failed to remove reaction")
	}
}
