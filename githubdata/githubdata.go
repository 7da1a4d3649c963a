/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubdata fetches issue and pull request context over the GitHub
// GraphQL API and renders it into prompt-ready text.
package githubdata

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
)

// Comment is one thread comment, oldest first.
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// Issue is the context of an issue trigger.
type Issue struct {
	Number   int
	Title    string
	Body     string
	Author   string
	State    string
	Comments []Comment
}

// ChangedFile is one file touched by a pull request.
type ChangedFile struct {
	Path      string
	Additions int
	Deletions int
}

// PullRequest is the context of a PR trigger, including the head facts the
// workspace needs.
type PullRequest struct {
	Number       int
	Title        string
	Body         string
	Author       string
	State        string
	HeadRef      string
	BaseRef      string
	HeadOwner    string
	HeadRepo     string
	HeadCloneURL string
	IsFork       bool
	TotalCommits int
	Comments     []Comment
	Files        []ChangedFile
}

// Client wraps the GraphQL API.
type Client struct {
	gql *githubv4.Client
}

// New returns a Client using the given authenticated HTTP client.
func New(httpClient *http.Client) *Client {
	return &Client{gql: githubv4.NewClient(httpClient)}
}

// NewEnterprise points the client at a non-default GraphQL endpoint, used
// by tests.
func NewEnterprise(url string, httpClient *http.Client) *Client {
	return &Client{gql: githubv4.NewEnterpriseClient(url, httpClient)}
}

type commentNodes struct {
	Nodes []struct {
		Author struct {
			Login githubv4.String
		}
		Body      githubv4.String
		CreatedAt githubv4.DateTime
	}
}

func (c commentNodes) convert() []Comment {
	out := make([]Comment, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		out = append(out, Comment{
			Author:    string(n.Author.Login),
			Body:      string(n.Body),
			CreatedAt: n.CreatedAt.Time,
		})
	}
	return out
}

// DefaultBranch returns the repository's default branch name.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var q struct {
		Repository struct {
			DefaultBranchRef struct {
				Name githubv4.String
			}
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(repo),
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return "", fmt.Errorf("querying default branch: %w", err)
	}
	return string(q.Repository.DefaultBranchRef.Name), nil
}

// FetchIssue pulls an issue with its comment thread.
func (c *Client) FetchIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var q struct {
		Repository struct {
			Issue struct {
				Number githubv4.Int
				Title  githubv4.String
				Body   githubv4.String
				State  githubv4.String
				Author struct {
					Login githubv4.String
				}
				Comments commentNodes `graphql:"comments(first: 100)"`
			} `graphql:"issue(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return nil, fmt.Errorf("querying issue %d: %w", number, err)
	}

	iss := q.Repository.Issue
	return &Issue{
		Number:   int(iss.Number),
		Title:    string(iss.Title),
		Body:     string(iss.Body),
		Author:   string(iss.Author.Login),
		State:    string(iss.State),
		Comments: iss.Comments.convert(),
	}, nil
}

// FetchPullRequest pulls a PR with its head facts, changed files and
// comment thread.
func (c *Client) FetchPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var q struct {
		Repository struct {
			PullRequest struct {
				Number githubv4.Int
				Title  githubv4.String
				Body   githubv4.String
				State  githubv4.String
				Author struct {
					Login githubv4.String
				}
				HeadRefName       githubv4.String
				BaseRefName       githubv4.String
				IsCrossRepository githubv4.Boolean
				HeadRepository    struct {
					Name  githubv4.String
					URL   githubv4.String
					Owner struct {
						Login githubv4.String
					}
				}
				Commits struct {
					TotalCount githubv4.Int
				}
				Files struct {
					Nodes []struct {
						Path      githubv4.String
						Additions githubv4.Int
						Deletions githubv4.Int
					}
				} `graphql:"files(first: 100)"`
				Comments commentNodes `graphql:"comments(first: 100)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return nil, fmt.Errorf("querying pull request %d: %w", number, err)
	}

	pr := q.Repository.PullRequest
	out := &PullRequest{
		Number:       int(pr.Number),
		Title:        string(pr.Title),
		Body:         string(pr.Body),
		Author:       string(pr.Author.Login),
		State:        string(pr.State),
		HeadRef:      string(pr.HeadRefName),
		BaseRef:      string(pr.BaseRefName),
		HeadOwner:    string(pr.HeadRepository.Owner.Login),
		HeadRepo:     string(pr.HeadRepository.Name),
		HeadCloneURL: string(pr.HeadRepository.URL) + ".git",
		IsFork:       bool(pr.IsCrossRepository),
		TotalCommits: int(pr.Commits.TotalCount),
		Comments:     pr.Comments.convert(),
	}
	for _, f := range pr.Files.Nodes {
		out.Files = append(out.Files, ChangedFile{
			Path:      string(f.Path),
			Additions: int(f.Additions),
			Deletions: int(f.Deletions),
		})
	}
	return out, nil
}

// PromptContext renders the issue for inclusion in the agent prompt.
func (i *Issue) PromptContext() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\n", i.Number, i.Title)
	fmt.Fprintf(&b, "Author: %s\n", i.Author)
	fmt.Fprintf(&b, "State: %s\n\n", i.State)
	if i.Body != "" {
		fmt.Fprintf(&b, "%s\n", i.Body)
	}
	writeComments(&b, i.Comments)
	return strings.TrimRight(b.String(), "\n")
}

// PromptContext renders the PR for inclusion in the agent prompt.
func (p *PullRequest) PromptContext() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pull Request #%d: %s\n", p.Number, p.Title)
	fmt.Fprintf(&b, "Author: %s\n", p.Author)
	fmt.Fprintf(&b, "State: %s\n", p.State)
	fmt.Fprintf(&b, "Branch: %s -> %s\n\n", p.HeadRef, p.BaseRef)
	if p.Body != "" {
		fmt.Fprintf(&b, "%s\n", p.Body)
	}
	if len(p.Files) > 0 {
		b.WriteString("\nChanged files:\n")
		for _, f := range p.Files {
			fmt.Fprintf(&b, "- %s (+%d -%d)\n", f.Path, f.Additions, f.Deletions)
		}
	}
	writeComments(&b, p.Comments)
	return strings.TrimRight(b.String(), "\n")
}

func writeComments(b *strings.Builder, comments []Comment) {
	if len(comments) == 0 {
		return
	}
	b.WriteString("\nComments:\n")
	for _, c := range comments {
		fmt.Fprintf(b, "\n%s (%s):\n%s\n", c.Author, c.CreatedAt.Format(time.RFC3339), c.Body)
	}
}
