/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package runtime is the HTTP client for the agent runtime's session API.
// The engine never talks to a model provider; everything goes through the
// runtime server, which owns reasoning, tools, and session state.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
)

// ErrUnavailable indicates the runtime server never became reachable.
var ErrUnavailable = errors.New("agent runtime is not reachable")

const (
	probeAttempts = 30
	probeInterval = 300 * time.Millisecond
)

// Client talks to a single agent runtime server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Part is one element of a prompt message: text, or an attached file as a
// data URL with the source span it replaced in the prompt text.
type Part struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	Mime     string      `json:"mime,omitempty"`
	URL      string      `json:"url,omitempty"`
	Filename string      `json:"filename,omitempty"`
	Source   *PartSource `json:"source,omitempty"`

	// Tool fields, present on parts the runtime emits.
	Tool  string     `json:"tool,omitempty"`
	State *ToolState `json:"state,omitempty"`
}

// PartSource ties a file part back to the prompt text it replaced.
type PartSource struct {
	Type string     `json:"type"`
	Path string     `json:"path"`
	Text SourceText `json:"text"`
}

// SourceText is the replaced span.
type SourceText struct {
	Value string `json:"value"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// ToolState describes a tool invocation's progress on a tool part.
type ToolState struct {
	Status string `json:"status"`
	Title  string `json:"title,omitempty"`
}

// SessionError is the structured error the runtime reports on a failed
// session or message.
type SessionError struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

// Session is the runtime's session record, as returned by the status poll.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Share *struct {
		URL string `json:"url"`
	} `json:"share,omitempty"`
	Time struct {
		Created   int64 `json:"created"`
		Updated   int64 `json:"updated"`
		Completed int64 `json:"completed,omitempty"`
	} `json:"time"`
	Error *SessionError `json:"error,omitempty"`
}

// Completed reports whether the session has reached a terminal state.
func (s *Session) Completed() bool {
	return s.Time.Completed != 0 || s.Error != nil
}

// PromptRequest is the body of a prompt message.
type PromptRequest struct {
	Parts []Part `json:"parts"`
	// Tools toggles individual tools; mapping every tool to false produces
	// the tool-disabled mode used for summarization.
	Tools map[string]bool `json:"tools,omitempty"`
}

// PromptResponse is the blocking prompt result.
type PromptResponse struct {
	Info struct {
		Error *SessionError `json:"error,omitempty"`
	} `json:"info"`
	Parts []Part `json:"parts"`
}

// Text concatenates the response's text parts.
func (r *PromptResponse) Text() string {
	var buf bytes.Buffer
	for _, p := range r.Parts {
		if p.Type == "text" {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

// Probe waits for the runtime server to come up, retrying the log endpoint
// up to 30 times at 300ms. Returns ErrUnavailable when it never answers.
func (c *Client) Probe(ctx context.Context) error {
	log := clog.FromContext(ctx)

	body, _ := json.Marshal(map[string]string{
		"service": "archon",
		"level":   "info",
		"message": "checking server",
	})

	for i := 0; i < probeAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/log", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http().Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode < 500 {
				log.With("attempts", i+1).Debug("Runtime server is up")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
	return ErrUnavailable
}

// CreateSession creates a new session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", nil, &out); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return out.ID, nil
}

// Prompt sends a message to the session and blocks until the runtime
// finishes processing it.
func (c *Client) Prompt(ctx context.Context, sessionID string, req PromptRequest) (*PromptResponse, error) {
	var out PromptResponse
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", req, &out); err != nil {
		return nil, fmt.Errorf("prompting session %s: %w", sessionID, err)
	}
	return &out, nil
}

// Share enables sharing on the session and returns the public URL.
func (c *Client) Share(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		Share struct {
			URL string `json:"url"`
		} `json:"share"`
	}
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/share", nil, &out); err != nil {
		return "", fmt.Errorf("sharing session %s: %w", sessionID, err)
	}
	return out.Share.URL, nil
}

// GetSession fetches the session record, used by the polling completion mode.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/session/"+sessionID, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", sessionID, err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s returned %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}
