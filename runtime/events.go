/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/chainguard-dev/clog"
)

// Event is one server-sent event from the runtime's /event feed.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// PartUpdated is the payload of message.part.updated events.
type PartUpdated struct {
	Part struct {
		SessionID string     `json:"sessionID"`
		Type      string     `json:"type"`
		Text      string     `json:"text"`
		Tool      string     `json:"tool"`
		State     *ToolState `json:"state"`
	} `json:"part"`
}

// SessionEvent is the payload of session.idle and session.error events.
type SessionEvent struct {
	SessionID string        `json:"sessionID"`
	Error     *SessionError `json:"error"`
}

// Events opens the runtime's SSE feed and delivers events on the returned
// channel until the context is canceled or the stream ends. Malformed lines
// are skipped; the channel is closed when the stream terminates.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				clog.FromContext(ctx).With("error", err).Debug("Skipping malformed event")
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
