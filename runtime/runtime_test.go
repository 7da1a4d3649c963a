/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First two attempts fail, third succeeds.
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() = %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestProbeUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Probe(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Probe() = %v, want ErrUnavailable", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "ses_1"})
	})
	mux.HandleFunc("POST /session/ses_1/message", func(w http.ResponseWriter, r *http.Request) {
		var req PromptRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Parts) != 1 || req.Parts[0].Text != "do the thing" {
			t.Errorf("parts = %+v", req.Parts)
		}
		json.NewEncoder(w).Encode(PromptResponse{Parts: []Part{
			{Type: "text", Text: "done: "},
			{Type: "tool", Tool: "bash"},
			{Type: "text", Text: "the thing"},
		}})
	})
	mux.HandleFunc("POST /session/ses_1/share", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"share":{"url":"https://share.example/s/abc"}}`)
	})
	mux.HandleFunc("GET /session/ses_1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"ses_1","title":"t","time":{"created":1,"updated":2,"completed":3}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := &Client{BaseURL: srv.URL}

	id, err := c.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	if id != "ses_1" {
		t.Errorf("id = %q", id)
	}

	resp, err := c.Prompt(ctx, id, PromptRequest{Parts: []Part{{Type: "text", Text: "do the thing"}}})
	if err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	if got := resp.Text(); got != "done: the thing" {
		t.Errorf("Text() = %q", got)
	}

	share, err := c.Share(ctx, id)
	if err != nil {
		t.Fatalf("Share() = %v", err)
	}
	if share != "https://share.example/s/abc" {
		t.Errorf("share = %q", share)
	}

	ses, err := c.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession() = %v", err)
	}
	if !ses.Completed() {
		t.Error("Completed() = false, want true")
	}
}

func TestEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"message.part.updated\",\"properties\":{\"part\":{\"sessionID\":\"ses_1\",\"type\":\"text\",\"text\":\"hello\"}}}\n")
		fmt.Fprint(w, ": comment line ignored\n")
		fmt.Fprint(w, "data: not-json\n")
		fmt.Fprint(w, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"ses_1\"}}\n")
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	ch, err := c.Events(context.Background())
	if err != nil {
		t.Fatalf("Events() = %v", err)
	}

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}

	var pu PartUpdated
	if err := json.Unmarshal(got[0].Properties, &pu); err != nil {
		t.Fatalf("decoding part: %v", err)
	}
	if pu.Part.Text != "hello" {
		t.Errorf("part text = %q", pu.Part.Text)
	}
	if got[1].Type != "session.idle" {
		t.Errorf("event[1].Type = %q", got[1].Type)
	}
}
