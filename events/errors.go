/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"fmt"
	"strings"
)

// UnsupportedEventError is returned for event names the engine does not
// handle. It fires before any mutation happens.
type UnsupportedEventError struct {
	Event string
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("unsupported event type: %s", e.Event)
}

// PromptValidationError is returned when no prompt can be resolved for the
// trigger: a user comment without a mention token, or a repo event without
// an externally supplied prompt.
type PromptValidationError struct {
	Mentions []string
	Reason   string
}

func (e *PromptValidationError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	quoted := make([]string, len(e.Mentions))
	for i, m := range e.Mentions {
		quoted[i] = "`" + m + "`"
	}
	return fmt.Sprintf("comments must mention %s", strings.Join(quoted, " or "))
}
