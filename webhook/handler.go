/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/anomalyco/archon/events"
	"github.com/anomalyco/archon/quota"
	"github.com/anomalyco/archon/respond"
)

// Handler processes GitHub webhook deliveries for the hosted front-end.
type Handler struct {
	secret     []byte
	quota      quota.Checker
	dispatcher *Dispatcher
	composer   *respond.Composer
}

// NewHandler wires the front-end together.
func NewHandler(secret []byte, q quota.Checker, d *Dispatcher, c *respond.Composer) *Handler {
	return &Handler{secret: secret, quota: q, dispatcher: d, composer: c}
}

// Register mounts the webhook endpoints on an existing router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/webhook/github", h.handle)
}

// Router returns a standalone router for the webhook endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

// deliveryMeta is the payload envelope shared by all webhook events.
type deliveryMeta struct {
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Organization struct {
		Login string `json:"login"`
	} `json:"organization"`
}

func (m deliveryMeta) org() string {
	if m.Organization.Login != "" {
		return m.Organization.Login
	}
	return m.Repository.Owner.Login
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if !Verify(h.secret, r.Header.Get("X-Hub-Signature-256"), body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var meta deliveryMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	owner, repo := meta.Repository.Owner.Login, meta.Repository.Name
	log = log.With("repo", owner+"/"+repo).With("event", r.Header.Get("X-GitHub-Event"))

	te, err := events.Classify(r.Header.Get("X-GitHub-Event"), owner, repo, meta.Sender.Login, body)
	if err != nil {
		var uee *events.UnsupportedEventError
		if errors.As(err, &uee) {
			writeStatus(w, http.StatusOK, "ignored")
			return
		}
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if _, err := events.ResolvePrompt(te, events.PromptOptions{}); err != nil {
		var pve *events.PromptValidationError
		if errors.As(err, &pve) {
			writeStatus(w, http.StatusOK, "ignored")
			return
		}
		http.Error(w, "resolving prompt", http.StatusInternalServerError)
		return
	}

	res, err := h.quota.CheckQuota(ctx, meta.org(), "")
	if err != nil {
		log.With("error", err).Error("Quota check failed")
		http.Error(w, "quota check failed", http.StatusInternalServerError)
		return
	}
	if !res.Allowed {
		log.With("used", res.Used).With("limit", res.Limit).Info("Quota exceeded")
		if te.Number != 0 {
			h.composer.Finalize(ctx, owner, repo, te.Number, 0, fmt.Sprintf(
				"This organization has used %d of %d runs this month. Upgrade the plan to continue.",
				res.Used, res.Limit))
		}
		writeStatus(w, http.StatusOK, "quota_exceeded")
		return
	}

	var placeholderID int64
	if te.Number != 0 {
		actionsURL := fmt.Sprintf("https://github.com/%s/%s/actions", owner, repo)
		if id, err := h.composer.PostPlaceholder(ctx, owner, repo, te.Number, actionsURL); err != nil {
			log.With("error", err).Warn("Failed to post placeholder comment")
		} else {
			placeholderID = id
		}
	}

	eventContext, _ := json.Marshal(map[string]any{
		"event_name": te.Kind,
		"actor":      te.Actor,
		"repo":       map[string]string{"owner": owner, "repo": repo},
		"payload":    json.RawMessage(body),
	})

	branch := meta.Repository.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	if err := h.dispatcher.Dispatch(ctx, owner, repo, branch, string(eventContext)); err != nil {
		log.With("error", err).Error("Dispatch failed")
		if te.Number != 0 {
			h.composer.Finalize(ctx, owner, repo, te.Number, placeholderID,
				"Could not start the agent workflow: "+err.Error())
		}
		writeStatus(w, http.StatusBadGateway, "dispatch_failed")
		return
	}

	if err := h.quota.RecordUsage(ctx, quota.Usage{
		Org:  meta.org(),
		User: meta.Sender.Login,
		Repo: owner + "/" + repo,
	}); err != nil {
		log.With("error", err).Warn("Failed to record usage")
	}

	writeStatus(w, http.StatusAccepted, "dispatched")
}
