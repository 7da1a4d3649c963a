/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package events classifies inbound GitHub events into trigger descriptors
// and resolves the prompt the agent will receive. Classification happens
// exactly once per invocation, before any other component runs; everything
// downstream carries the resulting TriggerEvent as immutable data.
package events

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/go-github/v75/github"
)

// Category distinguishes events triggered by a user action from events
// triggered by repository automation.
type Category string

const (
	// CategoryUser covers issue_comment, pull_request_review_comment,
	// issues and pull_request: an actor exists, reactions and comments
	// are supported.
	CategoryUser Category = "user"
	// CategoryRepo covers schedule and workflow_dispatch: no issue or
	// comment context, output goes to logs and pull requests only.
	CategoryRepo Category = "repo"
)

var userEvents = []string{"issue_comment", "pull_request_review_comment", "issues", "pull_request"}

var repoEvents = []string{"schedule", "workflow_dispatch"}

// ReviewContext carries the file/line/diff context of a pull request review
// comment, appended to the prompt so the agent sees what was commented on.
type ReviewContext struct {
	File     string
	Line     int
	DiffHunk string
}

// TriggerEvent is the immutable descriptor of the event that started this
// run. It is created once from the hosting platform's payload and threaded
// through every component; nothing downstream re-derives event shape.
type TriggerEvent struct {
	Category Category
	Kind     string
	Owner    string
	Repo     string

	// Actor is empty for schedule events; workflow_dispatch has one.
	Actor string

	// Number is the issue or pull request number; zero for repo events.
	Number int

	// CommentID is the triggering comment's id; zero when the trigger is
	// not a comment.
	CommentID int64

	// Body is the raw trigger text (comment body), before any keyword or
	// attachment processing.
	Body string

	// IsPullRequest reports whether the issue context is actually a PR
	// (issue_comment events fire for both).
	IsPullRequest bool

	Review *ReviewContext
}

// Classify parses a raw event payload into a TriggerEvent. The event name
// comes from the hosting platform (webhook header or Actions context); the
// payload is its raw JSON body. Unsupported event names fail with
// UnsupportedEventError before anything else happens.
func Classify(eventName, owner, repo, actor string, payload []byte) (*TriggerEvent, error) {
	te := &TriggerEvent{
		Kind:  eventName,
		Owner: owner,
		Repo:  repo,
	}

	switch {
	case slices.Contains(userEvents, eventName):
		te.Category = CategoryUser
		te.Actor = actor
	case slices.Contains(repoEvents, eventName):
		te.Category = CategoryRepo
		if eventName == "workflow_dispatch" {
			// workflow_dispatch has a triggering actor, schedule does not.
			te.Actor = actor
		}
		return te, nil
	default:
		return nil, &UnsupportedEventError{Event: eventName}
	}

	event, err := github.ParseWebHook(eventName, payload)
	if err != nil {
		return nil, fmt.Errorf("parsing %s payload: %w", eventName, err)
	}

	switch ev := event.(type) {
	case *github.IssueCommentEvent:
		te.Number = ev.GetIssue().GetNumber()
		te.CommentID = ev.GetComment().GetID()
		te.Body = ev.GetComment().GetBody()
		te.IsPullRequest = ev.GetIssue().IsPullRequest()
	case *github.PullRequestReviewCommentEvent:
		te.Number = ev.GetPullRequest().GetNumber()
		te.CommentID = ev.GetComment().GetID()
		te.Body = ev.GetComment().GetBody()
		te.IsPullRequest = true
		te.Review = &ReviewContext{
			File:     ev.GetComment().GetPath(),
			Line:     ev.GetComment().GetLine(),
			DiffHunk: ev.GetComment().GetDiffHunk(),
		}
	case *github.IssuesEvent:
		te.Number = ev.GetIssue().GetNumber()
		te.Body = ev.GetIssue().GetBody()
	case *github.PullRequestEvent:
		te.Number = ev.GetPullRequest().GetNumber()
		te.Body = ev.GetPullRequest().GetBody()
		te.IsPullRequest = true
	}

	return te, nil
}

// ClassifyActionsContext classifies from a GitHub Actions event context blob
// ({"event_name": ..., "repo": {...}, "actor": ..., "payload": {...}}), the
// shape mock events use.
func ClassifyActionsContext(raw []byte) (*TriggerEvent, error) {
	var ctx struct {
		EventName string `json:"event_name"`
		Actor     string `json:"actor"`
		Repo      struct {
			Owner string `json:"owner"`
			Repo  string `json:"repo"`
		} `json:"repo"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return nil, fmt.Errorf("parsing event context: %w", err)
	}
	return Classify(ctx.EventName, ctx.Repo.Owner, ctx.Repo.Repo, ctx.Actor, ctx.Payload)
}

// DefaultMentions are the mention tokens honored when none are configured.
var DefaultMentions = []string{"/archon", "/ac"}

// PromptOptions configures prompt resolution.
type PromptOptions struct {
	// Mentions are the trigger keywords. Empty means DefaultMentions.
	Mentions []string
	// CustomPrompt overrides comment extraction; mandatory for repo events
	// and bare issues events, which have no comment to extract from.
	CustomPrompt string
}

// ResolvePrompt turns the trigger into the prompt text the agent receives.
// For user comment events the body must match a mention token: an
// exact-body match yields a canned prompt, a word-boundary substring match
// forwards the full body, and no match is a PromptValidationError. Repo
// events bypass keyword matching but require an external prompt.
func ResolvePrompt(te *TriggerEvent, opts PromptOptions) (string, error) {
	mentions := opts.Mentions
	if len(mentions) == 0 {
		mentions = DefaultMentions
	}

	if te.Category == CategoryRepo || te.Kind == "issues" {
		if opts.CustomPrompt == "" {
			return "", &PromptValidationError{
				Mentions: mentions,
				Reason:   fmt.Sprintf("an explicit prompt is required for %s events", te.Kind),
			}
		}
		return opts.CustomPrompt, nil
	}

	if opts.CustomPrompt != "" {
		return opts.CustomPrompt, nil
	}

	if te.Kind == "pull_request" {
		return "Review this pull request", nil
	}

	body := strings.TrimSpace(te.Body)
	lower := strings.ToLower(body)

	for _, m := range mentions {
		if lower == strings.ToLower(m) {
			if te.Review != nil {
				return fmt.Sprintf(
					"Review this code change and suggest improvements for the commented lines:\n\nFile: %s\nLines: %d\n\n%s",
					te.Review.File, te.Review.Line, te.Review.DiffHunk), nil
			}
			return "Summarize this thread", nil
		}
	}

	for _, m := range mentions {
		if mentionRegexp(m).MatchString(body) {
			if te.Review != nil {
				return fmt.Sprintf(
					"%s\n\nContext: You are reviewing a comment on file %q at line %d.\n\nDiff context:\n%s",
					body, te.Review.File, te.Review.Line, te.Review.DiffHunk), nil
			}
			return body, nil
		}
	}

	return "", &PromptValidationError{Mentions: mentions}
}

// mentionRegexp matches the token as a whole word: preceded by start-of-body
// or whitespace, followed by end-of-body or whitespace. "/archonite" must
// not match "/archon".
func mentionRegexp(token string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|\s)` + regexp.QuoteMeta(token) + `($|\s)`)
}
