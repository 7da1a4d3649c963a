/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package session orchestrates one agent session end to end: prompt
// assembly under the size budget, streaming progress, completion detection,
// and the summarization fallbacks for empty results and commit messages.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chainguard-dev/clog"

	"github.com/anomalyco/archon/events"
	"github.com/anomalyco/archon/runtime"
)

const (
	// promptLimit caps the text portion of a prompt.
	promptLimit        = 4000
	truncationSuffix   = "\n\n[context truncated due to length]"
	contextOverflowErr = "ContextOverflowError"

	pollInitial = 100 * time.Millisecond
	pollMax     = 2 * time.Second
	pollTimeout = 10 * time.Minute

	summarizePrompt = "Summarize the actions you have just taken in 1-2 sentences, as a reply to the user."
	commitPrompt    = "Summarize the changes you made in under 40 characters, suitable as a git commit message subject. Reply with the summary text only."
)

// allTools is the runtime's tool set, disabled wholesale for summarization
// prompts so the fallback cannot mutate anything.
var allTools = []string{
	"bash", "edit", "write", "read", "grep", "glob", "list",
	"patch", "todowrite", "todoread", "webfetch", "task",
}

func toolsDisabled() map[string]bool {
	m := make(map[string]bool, len(allTools))
	for _, t := range allTools {
		m[t] = false
	}
	return m
}

// CompletionMode selects how the orchestrator detects session completion.
type CompletionMode int

const (
	// Blocking waits on the prompt request itself; used when the runtime
	// runs locally in the same process group.
	Blocking CompletionMode = iota
	// Polling fires the prompt without waiting and polls session status
	// with exponential backoff; used against remote runtimes whose prompt
	// endpoint may outlive the HTTP connection.
	Polling
)

// Result is a completed session.
type Result struct {
	SessionID string
	ShareURL  string
	Text      string
}

// Orchestrator drives sessions against an agent runtime.
type Orchestrator struct {
	client *runtime.Client
	mode   CompletionMode
	share  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCompletionMode selects blocking or polling completion.
func WithCompletionMode(m CompletionMode) Option {
	return func(o *Orchestrator) { o.mode = m }
}

// WithSharing enables session sharing, which produces a public URL for the
// response footer.
func WithSharing(enabled bool) Option {
	return func(o *Orchestrator) { o.share = enabled }
}

// New returns an Orchestrator. Blocking completion is the default.
func New(client *runtime.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{client: client}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BuildParts assembles the prompt message: the (possibly truncated) text
// followed by one file part per attachment, each carrying a data URL and the
// span of prompt text it replaced.
func BuildParts(prompt string, attachments []events.Attachment) []runtime.Part {
	if len(prompt) > promptLimit {
		prompt = truncate(prompt, promptLimit-len(truncationSuffix)) + truncationSuffix
	}

	parts := []runtime.Part{{Type: "text", Text: prompt}}
	for _, a := range attachments {
		parts = append(parts, runtime.Part{
			Type:     "file",
			Mime:     a.Mime,
			Filename: a.Filename,
			URL:      fmt.Sprintf("data:%s;base64,%s", a.Mime, a.Content),
			Source: &runtime.PartSource{
				Type: "file",
				Path: a.Filename,
				Text: runtime.SourceText{Value: a.Replacement, Start: a.Start, End: a.End},
			},
		})
	}
	return parts
}

// progress accumulates what the event listener observes. The listener
// goroutine is the only writer; done closes when it stops.
type progress struct {
	mu         sync.Mutex
	latestText string
	done       chan struct{}
}

func (p *progress) setText(s string) {
	p.mu.Lock()
	p.latestText = s
	p.mu.Unlock()
}

func (p *progress) text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestText
}

// listen consumes the runtime event feed for one session: echoing tool
// completions to the log, tracking the latest text fragment, and closing
// done on a terminal event.
func (o *Orchestrator) listen(ctx context.Context, sessionID string, p *progress) {
	log := clog.FromContext(ctx)

	ch, err := o.client.Events(ctx)
	if err != nil {
		log.With("error", err).Warn("Event stream unavailable, progress will not be reported")
		close(p.done)
		return
	}

	defer close(p.done)
	for ev := range ch {
		switch ev.Type {
		case "message.part.updated":
			var pu runtime.PartUpdated
			if err := json.Unmarshal(ev.Properties, &pu); err != nil || pu.Part.SessionID != sessionID {
				continue
			}
			switch pu.Part.Type {
			case "text":
				if pu.Part.Text != "" {
					p.setText(pu.Part.Text)
				}
			case "tool":
				if pu.Part.State != nil && pu.Part.State.Status == "completed" {
					log.With("tool", pu.Part.Tool).With("title", pu.Part.State.Title).Info("Tool completed")
				}
			}
		case "session.error":
			var se runtime.SessionEvent
			if err := json.Unmarshal(ev.Properties, &se); err != nil || se.SessionID != sessionID {
				continue
			}
			return
		case "session.idle":
			var se runtime.SessionEvent
			if err := json.Unmarshal(ev.Properties, &se); err != nil || se.SessionID != sessionID {
				continue
			}
			return
		}
	}
}

// Run creates a session, sends the prompt, and waits for completion. The
// returned Result always has a non-empty Text: an empty model response
// triggers one tool-disabled summarization attempt before giving up.
func (o *Orchestrator) Run(ctx context.Context, prompt string, attachments []events.Attachment) (*Result, error) {
	log := clog.FromContext(ctx)

	sessionID, err := o.client.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	log.With("session", sessionID).Info("Created session")

	res := &Result{SessionID: sessionID}
	if o.share {
		if url, err := o.client.Share(ctx, sessionID); err != nil {
			log.With("error", err).Warn("Failed to share session")
		} else {
			res.ShareURL = url
		}
	}

	listenCtx, stopListener := context.WithCancel(ctx)
	defer stopListener()
	p := &progress{done: make(chan struct{})}
	go o.listen(listenCtx, sessionID, p)

	req := runtime.PromptRequest{Parts: BuildParts(prompt, attachments)}

	var text string
	switch o.mode {
	case Polling:
		text, err = o.runPolling(ctx, sessionID, req, p)
	default:
		text, err = o.runBlocking(ctx, sessionID, req, p)
	}
	if err != nil {
		return nil, o.classify(err, attachments)
	}

	if strings.TrimSpace(text) == "" {
		log.Info("Session produced no text, requesting summary")
		text, err = o.promptText(ctx, sessionID, summarizePrompt)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, &RuntimeError{Name: "EmptyResponse", Message: "session completed without producing any response text"}
		}
	}

	res.Text = text
	return res, nil
}

func (o *Orchestrator) runBlocking(ctx context.Context, sessionID string, req runtime.PromptRequest, p *progress) (string, error) {
	resp, err := o.client.Prompt(ctx, sessionID, req)
	if err != nil {
		return "", err
	}
	if resp.Info.Error != nil {
		return "", sessionError(resp.Info.Error)
	}
	if text := resp.Text(); text != "" {
		return text, nil
	}
	// Fall back to whatever the listener saw.
	return p.text(), nil
}

func (o *Orchestrator) runPolling(ctx context.Context, sessionID string, req runtime.PromptRequest, p *progress) (string, error) {
	log := clog.FromContext(ctx)

	// Fire and forget: the request may outlive its connection; completion
	// is detected by polling the session record.
	go func() {
		if _, err := o.client.Prompt(ctx, sessionID, req); err != nil && ctx.Err() == nil {
			log.With("error", err).Debug("Prompt request ended early, relying on status polls")
		}
	}()

	deadline := time.Now().Add(pollTimeout)
	interval := pollInitial
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return "", &TimeoutError{SessionID: sessionID}
		}

		ses, err := o.client.GetSession(ctx, sessionID)
		if err != nil {
			log.With("error", err).Debug("Status poll failed")
		} else if ses.Completed() {
			if ses.Error != nil {
				return "", sessionError(ses.Error)
			}
			select {
			case <-p.done:
			case <-time.After(pollMax):
				// Listener may be stuck on a dead stream; the latest
				// fragment it recorded is still the best answer.
			}
			return p.text(), nil
		}

		interval = min(interval*2, pollMax)
	}
}

// promptText sends a tool-disabled prompt on an existing session and
// returns its text.
func (o *Orchestrator) promptText(ctx context.Context, sessionID, prompt string) (string, error) {
	resp, err := o.client.Prompt(ctx, sessionID, runtime.PromptRequest{
		Parts: []runtime.Part{{Type: "text", Text: prompt}},
		Tools: toolsDisabled(),
	})
	if err != nil {
		return "", err
	}
	if resp.Info.Error != nil {
		return "", sessionError(resp.Info.Error)
	}
	return resp.Text(), nil
}

// CommitSummary asks the session for a short commit subject. On any failure
// it degrades to a title-based fallback so a commit can always be made.
func (o *Orchestrator) CommitSummary(ctx context.Context, sessionID, issueTitle string) string {
	text, err := o.promptText(ctx, sessionID, commitPrompt)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		clog.FromContext(ctx).With("error", err).Debug("Commit summary unavailable, using fallback")
		if issueTitle != "" {
			return "Fix issue: " + issueTitle
		}
		return "Scheduled task changes"
	}
	return truncate(text, 72)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sessionError(se *runtime.SessionError) error {
	return &RuntimeError{Name: se.Name, Message: se.Data.Message}
}

// classify upgrades context-overflow runtime errors to ContextOverflowError
// so the response layer can explain attachment sizes.
func (o *Orchestrator) classify(err error, attachments []events.Attachment) error {
	var re *RuntimeError
	if errors.As(err, &re) && re.Name == contextOverflowErr {
		return &ContextOverflowError{Message: re.Message, Attachments: attachments}
	}
	return err
}
