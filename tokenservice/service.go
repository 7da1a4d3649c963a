/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package tokenservice implements the exchange endpoints the engine's
// credential lease calls: it verifies a GitHub Actions OIDC token (or a
// fine-grained PAT) and mints a repository-scoped installation token from
// the GitHub App's credentials.
package tokenservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

const (
	// actionsIssuer is the OIDC issuer for GitHub Actions workflows.
	actionsIssuer = "https://token.actions.githubusercontent.com"
	// audience must match what the engine requests from the runner.
	audience = "archon-github-action"

	patPrefix = "github_pat_"
)

// Claims are the Actions OIDC claims the service cares about.
type Claims struct {
	Repository      string `json:"repository"`
	RepositoryOwner string `json:"repository_owner"`
}

// TokenVerifier validates an Actions OIDC token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// Minter creates a repository-scoped installation token.
type Minter interface {
	Mint(ctx context.Context, owner, repo string) (string, error)
}

// oidcVerifier is the production TokenVerifier, backed by go-oidc against
// the Actions issuer.
type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewVerifier discovers the Actions OIDC configuration and returns a
// verifier pinned to the exchange audience.
func NewVerifier(ctx context.Context) (TokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, actionsIssuer)
	if err != nil {
		return nil, fmt.Errorf("discovering actions oidc provider: %w", err)
	}
	return &oidcVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: audience}),
	}, nil
}

func (v *oidcVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verifying oidc token: %w", err)
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding oidc claims: %w", err)
	}
	if claims.Repository == "" {
		return nil, fmt.Errorf("oidc token has no repository claim")
	}
	return &claims, nil
}

// appMinter mints installation tokens with the GitHub App's private key.
type appMinter struct {
	apps *github.AppsService
}

// NewMinter builds a Minter from the App id and PEM-encoded private key.
func NewMinter(appID int64, privateKey []byte) (Minter, error) {
	atr, err := ghinstallation.NewAppsTransport(http.DefaultTransport, appID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("building apps transport: %w", err)
	}
	client := github.NewClient(&http.Client{Transport: atr})
	return &appMinter{apps: client.Apps}, nil
}

func (m *appMinter) Mint(ctx context.Context, owner, repo string) (string, error) {
	inst, _, err := m.apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("app is not installed on %s/%s: %w", owner, repo, err)
	}

	tok, _, err := m.apps.CreateInstallationToken(ctx, inst.GetID(), &github.InstallationTokenOptions{
		Repositories: []string{repo},
		Permissions: &github.InstallationPermissions{
			Contents:     github.Ptr("write"),
			Issues:       github.Ptr("write"),
			PullRequests: github.Ptr("write"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("minting installation token: %w", err)
	}
	return tok.GetToken(), nil
}

// PATChecker confirms a personal access token can see the repository it is
// asking a token for.
type PATChecker interface {
	CanAccess(ctx context.Context, pat, owner, repo string) error
}

type githubPATChecker struct{}

// NewPATChecker returns the production PATChecker.
func NewPATChecker() PATChecker { return githubPATChecker{} }

func (githubPATChecker) CanAccess(ctx context.Context, pat, owner, repo string) error {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: pat})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if _, _, err := client.Repositories.Get(ctx, owner, repo); err != nil {
		return fmt.Errorf("pat cannot access %s/%s: %w", owner, repo, err)
	}
	return nil
}

// Service exposes the exchange endpoints over HTTP.
type Service struct {
	verifier TokenVerifier
	minter   Minter
	pats     PATChecker
}

// New assembles a Service.
func New(verifier TokenVerifier, minter Minter, pats PATChecker) *Service {
	return &Service{verifier: verifier, minter: minter, pats: pats}
}

// Register mounts the exchange endpoints on an existing router.
func (s *Service) Register(r chi.Router) {
	r.Post("/exchange_github_app_token", s.exchangeOIDC)
	r.Post("/exchange_github_app_token_with_pat", s.exchangePAT)
}

// Router returns a standalone router for the exchange endpoints.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	s.Register(r)
	return r
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeToken(w http.ResponseWriter, token string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (s *Service) exchangeOIDC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	raw := bearer(r)
	if raw == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	claims, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		log.With("error", err).Info("Rejected oidc exchange")
		http.Error(w, "invalid oidc token", http.StatusUnauthorized)
		return
	}

	owner, repo, ok := strings.Cut(claims.Repository, "/")
	if !ok {
		http.Error(w, "malformed repository claim", http.StatusBadRequest)
		return
	}

	token, err := s.minter.Mint(ctx, owner, repo)
	if err != nil {
		log.With("error", err).With("repo", claims.Repository).Info("Mint failed")
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	log.With("repo", claims.Repository).Info("Exchanged oidc token")
	writeToken(w, token)
}

func (s *Service) exchangePAT(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	pat := bearer(r)
	if !strings.HasPrefix(pat, patPrefix) {
		http.Error(w, "expected a fine-grained personal access token", http.StatusUnauthorized)
		return
	}

	var body struct {
		Owner string `json:"owner"`
		Repo  string `json:"repo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Owner == "" || body.Repo == "" {
		http.Error(w, "owner and repo are required", http.StatusBadRequest)
		return
	}

	if err := s.pats.CanAccess(ctx, pat, body.Owner, body.Repo); err != nil {
		log.With("error", err).Info("Rejected pat exchange")
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	token, err := s.minter.Mint(ctx, body.Owner, body.Repo)
	if err != nil {
		log.With("error", err).Info("Mint failed")
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	log.With("repo", body.Owner+"/"+body.Repo).Info("Exchanged pat")
	writeToken(w, token)
}
