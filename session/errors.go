/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"fmt"
	"strings"

	"github.com/anomalyco/archon/events"
)

// TimeoutError indicates the session never reached a terminal state within
// the polling wall clock.
type TimeoutError struct {
	SessionID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session %s did not complete within the timeout", e.SessionID)
}

// ContextOverflowError indicates the prompt exceeded the model's context
// window, usually because of large attachments.
type ContextOverflowError struct {
	Message     string
	Attachments []events.Attachment
}

func (e *ContextOverflowError) Error() string {
	return "PROMPT_TOO_LARGE: " + e.Message
}

// Detail renders the user-facing explanation, listing each attachment with
// its approximate decoded size so the author can see what to trim.
func (e *ContextOverflowError) Detail() string {
	var b strings.Builder
	b.WriteString("PROMPT_TOO_LARGE: The prompt exceeds the model's context window.")
	if len(e.Attachments) > 0 {
		b.WriteString("\n\nAttachments:")
		for _, a := range e.Attachments {
			b.WriteString(fmt.Sprintf("\n- %s (~%d bytes)", a.Filename, a.DecodedSize()))
		}
	}
	return b.String()
}

// RuntimeError carries a structured session error through unchanged; it
// renders as "Name: message" in the terminal comment.
type RuntimeError struct {
	Name    string
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
