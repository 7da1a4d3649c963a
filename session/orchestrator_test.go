/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/anomalyco/archon/events"
	"github.com/anomalyco/archon/runtime"
)

// fakeRuntime is a minimal runtime server for orchestrator tests.
type fakeRuntime struct {
	mux      *http.ServeMux
	messages atomic.Int32

	// respond maps the nth message call (1-based) to a response.
	respond func(n int, req runtime.PromptRequest) runtime.PromptResponse

	// stream, when set, emits one text part on the event feed.
	stream bool

	// completed controls the status poll.
	completed atomic.Bool
}

func newFakeRuntime(t *testing.T) (*fakeRuntime, *runtime.Client) {
	t.Helper()
	f := &fakeRuntime{mux: http.NewServeMux()}
	f.mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "ses_t"})
	})
	f.mux.HandleFunc("POST /session/ses_t/message", func(w http.ResponseWriter, r *http.Request) {
		var req runtime.PromptRequest
		json.NewDecoder(r.Body).Decode(&req)
		n := int(f.messages.Add(1))
		resp := f.respond(n, req)
		f.completed.Store(true)
		json.NewEncoder(w).Encode(resp)
	})
	f.mux.HandleFunc("POST /session/ses_t/share", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"share":{"url":"https://share.example/ses_t"}}`)
	})
	f.mux.HandleFunc("GET /session/ses_t", func(w http.ResponseWriter, r *http.Request) {
		ses := runtime.Session{ID: "ses_t"}
		if f.completed.Load() {
			ses.Time.Completed = 1
		}
		json.NewEncoder(w).Encode(ses)
	})
	f.mux.HandleFunc("GET /event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if f.stream {
			fmt.Fprint(w, "data: {\"type\":\"message.part.updated\",\"properties\":{\"part\":{\"sessionID\":\"ses_t\",\"type\":\"text\",\"text\":\"streamed answer\"}}}\n")
		}
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		<-r.Context().Done()
	})
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	return f, &runtime.Client{BaseURL: srv.URL}
}

func textResponse(text string) runtime.PromptResponse {
	return runtime.PromptResponse{Parts: []runtime.Part{{Type: "text", Text: text}}}
}

func TestRunBlocking(t *testing.T) {
	f, client := newFakeRuntime(t)
	f.respond = func(n int, req runtime.PromptRequest) runtime.PromptResponse {
		return textResponse("all fixed")
	}

	o := New(client, WithSharing(true))
	res, err := o.Run(context.Background(), "fix it", nil)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Text != "all fixed" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.ShareURL != "https://share.example/ses_t" {
		t.Errorf("ShareURL = %q", res.ShareURL)
	}
	if got := f.messages.Load(); got != 1 {
		t.Errorf("message calls = %d, want 1", got)
	}
}

func TestRunEmptyTriggersSummarize(t *testing.T) {
	f, client := newFakeRuntime(t)
	f.respond = func(n int, req runtime.PromptRequest) runtime.PromptResponse {
		if n == 1 {
			return runtime.PromptResponse{}
		}
		// Summarization must have every tool disabled.
		if len(req.Tools) == 0 {
			t.Error("summarize call has no tool overrides")
		}
		for tool, enabled := range req.Tools {
			if enabled {
				t.Errorf("tool %s enabled during summarize", tool)
			}
		}
		return textResponse("I refactored the parser.")
	}

	o := New(client)
	res, err := o.Run(context.Background(), "fix it", nil)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Text != "I refactored the parser." {
		t.Errorf("Text = %q", res.Text)
	}
	if got := f.messages.Load(); got != 2 {
		t.Errorf("message calls = %d, want 2", got)
	}
}

func TestRunEmptyAfterSummarizeFails(t *testing.T) {
	f, client := newFakeRuntime(t)
	f.respond = func(n int, req runtime.PromptRequest) runtime.PromptResponse {
		return runtime.PromptResponse{}
	}

	o := New(client)
	_, err := o.Run(context.Background(), "fix it", nil)
	var re *RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("Run() = %v, want RuntimeError", err)
	}
	if got := f.messages.Load(); got != 2 {
		t.Errorf("message calls = %d, want 2", got)
	}
}

func TestRunContextOverflow(t *testing.T) {
	f, client := newFakeRuntime(t)
	f.respond = func(n int, req runtime.PromptRequest) runtime.PromptResponse {
		resp := runtime.PromptResponse{}
		resp.Info.Error = &runtime.SessionError{Name: "ContextOverflowError"}
		resp.Info.Error.Data.Message = "too many tokens"
		return resp
	}

	atts := []events.Attachment{{Filename: "big.png", Content: strings.Repeat("A", 4000)}}
	o := New(client)
	_, err := o.Run(context.Background(), "fix it", atts)
	var coe *ContextOverflowError
	if !errors.As(err, &coe) {
		t.Fatalf("Run() = %v, want ContextOverflowError", err)
	}
	if !strings.Contains(coe.Detail(), "big.png (~3000 bytes)") {
		t.Errorf("Detail() = %q", coe.Detail())
	}
}

func TestRunPolling(t *testing.T) {
	f, client := newFakeRuntime(t)
	f.stream = true
	f.respond = func(n int, req runtime.PromptRequest) runtime.PromptResponse {
		return textResponse("ignored in polling mode")
	}

	o := New(client, WithCompletionMode(Polling))
	res, err := o.Run(context.Background(), "fix it", nil)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	// Polling mode takes its text from the event stream.
	if res.Text != "streamed answer" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestBuildPartsTruncation(t *testing.T) {
	long := strings.Repeat("x", 5000)
	parts := BuildParts(long, nil)
	if len(parts) != 1 {
		t.Fatalf("got %d parts", len(parts))
	}
	if len(parts[0].Text) != 4000 {
		t.Errorf("text length = %d, want 4000", len(parts[0].Text))
	}
	if !strings.HasSuffix(parts[0].Text, "[context truncated due to length]") {
		t.Errorf("missing truncation marker: ...%q", parts[0].Text[3950:])
	}

	short := "short prompt"
	parts = BuildParts(short, nil)
	if parts[0].Text != short {
		t.Errorf("short prompt modified: %q", parts[0].Text)
	}
}

func TestBuildPartsAttachments(t *testing.T) {
	atts := []events.Attachment{{
		Filename:    "shot.png",
		Mime:        "image/png",
		Content:     "QUJD",
		Start:       5,
		End:         14,
		Replacement: "@shot.png",
	}}
	parts := BuildParts("see @shot.png", atts)
	if len(parts) != 2 {
		t.Fatalf("got %d parts", len(parts))
	}
	fp := parts[1]
	if fp.Type != "file" || fp.URL != "data:image/png;base64,QUJD" {
		t.Errorf("file part = %+v", fp)
	}
	if fp.Source == nil || fp.Source.Text.Start != 5 || fp.Source.Text.End != 14 {
		t.Errorf("source = %+v", fp.Source)
	}
}

func TestCommitSummary(t *testing.T) {
	f, client := newFakeRuntime(t)
	f.respond = func(n int, req runtime.PromptRequest) runtime.PromptResponse {
		return textResponse("Fix flaky watcher test")
	}
	o := New(client)
	if got := o.CommitSummary(context.Background(), "ses_t", "title"); got != "Fix flaky watcher test" {
		t.Errorf("CommitSummary() = %q", got)
	}
}

func TestCommitSummaryFallback(t *testing.T) {
	f, client := newFakeRuntime(t)
	f.respond = func(n int, req runtime.PromptRequest) runtime.PromptResponse {
		return runtime.PromptResponse{}
	}
	o := New(client)
	if got := o.CommitSummary(context.Background(), "ses_t", "watcher crashes on rename"); got != "Fix issue: watcher crashes on rename" {
		t.Errorf("CommitSummary() = %q", got)
	}
	if got := o.CommitSummary(context.Background(), "ses_t", ""); got != "Scheduled task changes" {
		t.Errorf("CommitSummary() = %q", got)
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	if got := truncate("héllo", 2); got != "h" {
		t.Errorf("truncate(2) = %q", got)
	}
	if got := truncate("héllo", 3); got != "hé" {
		t.Errorf("truncate(3) = %q", got)
	}
	if got := truncate("short", 72); got != "short" {
		t.Errorf("truncate(no-op) = %q", got)
	}

	prompt := strings.Repeat("é", promptLimit)
	parts := BuildParts(prompt, nil)
	if !utf8.ValidString(parts[0].Text) {
		t.Error("truncated prompt is not valid UTF-8")
	}
	if !strings.HasSuffix(parts[0].Text, truncationSuffix) {
		t.Errorf("missing truncation marker: %q", parts[0].Text)
	}
}

func TestCommitSummaryMultibyteCap(t *testing.T) {
	f, client := newFakeRuntime(t)
	f.respond = func(n int, req runtime.PromptRequest) runtime.PromptResponse {
		return textResponse(strings.Repeat("ü", 50))
	}
	o := New(client)
	got := o.CommitSummary(context.Background(), "ses_t", "")
	if len(got) > 72 {
		t.Errorf("summary is %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("summary is not valid UTF-8: %q", got)
	}
}
