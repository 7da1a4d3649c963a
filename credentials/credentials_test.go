/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-git/go-git/v5"
)

func TestExchangeOIDC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exchange_github_app_token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer oidc-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "ghs_installation"})
	}))
	defer srv.Close()

	e := &Exchanger{BaseURL: srv.URL}
	token, err := e.Exchange(context.Background(), "oidc-token", "octo", "repo")
	if err != nil {
		t.Fatalf("Exchange() = %v", err)
	}
	if token != "ghs_installation" {
		t.Errorf("token = %q", token)
	}
}

func TestExchangePAT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exchange_github_app_token_with_pat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["owner"] != "octo" || body["repo"] != "repo" {
			t.Errorf("body = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "ghs_from_pat"})
	}))
	defer srv.Close()

	e := &Exchanger{BaseURL: srv.URL}
	token, err := e.Exchange(context.Background(), "github_pat_abc123", "octo", "repo")
	if err != nil {
		t.Fatalf("Exchange() = %v", err)
	}
	if token != "ghs_from_pat" {
		t.Errorf("token = %q", token)
	}
}

func TestExchangeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "repository not permitted", http.StatusForbidden)
	}))
	defer srv.Close()

	e := &Exchanger{BaseURL: srv.URL}
	_, err := e.Exchange(context.Background(), "oidc-token", "octo", "repo")
	var tee *TokenExchangeError
	if !errors.As(err, &tee) {
		t.Fatalf("Exchange() = %v, want TokenExchangeError", err)
	}
	if tee.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d", tee.StatusCode)
	}
}

func TestRequestActionsIDToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("audience"); got != DefaultAudience {
			t.Errorf("audience = %q, want %q", got, DefaultAudience)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer runner-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"value": "the-oidc-token"})
	}))
	defer srv.Close()

	token, err := RequestActionsIDToken(context.Background(), nil, srv.URL+"?api-version=2", "runner-token")
	if err != nil {
		t.Fatalf("RequestActionsIDToken() = %v", err)
	}
	if token != "the-oidc-token" {
		t.Errorf("token = %q", token)
	}
}

func TestRequestActionsIDTokenMissingEnv(t *testing.T) {
	if _, err := RequestActionsIDToken(context.Background(), nil, "", ""); err == nil {
		t.Fatal("want error when issuance env is missing")
	}
}

func TestInstallGitAndRestore(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("PlainInit() = %v", err)
	}

	snap, err := installGit(dir, "tok123")
	if err != nil {
		t.Fatalf("installGit() = %v", err)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("PlainOpen() = %v", err)
	}
	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("Config() = %v", err)
	}
	wantHeader := "AUTHORIZATION: basic " + base64.StdEncoding.EncodeToString([]byte("x-access-token:tok123"))
	if got := cfg.Raw.Section("http").Subsection("https://github.com/").Option("extraheader"); got != wantHeader {
		t.Errorf("extraheader = %q, want %q", got, wantHeader)
	}
	if cfg.User.Name != "archon-agent[bot]" {
		t.Errorf("user.name = %q", cfg.User.Name)
	}
	if cfg.User.Email != "archon-agent[bot]@users.noreply.github.com" {
		t.Errorf("user.email = %q", cfg.User.Email)
	}

	if err := snap.restore(); err != nil {
		t.Fatalf("restore() = %v", err)
	}
	repo, _ = git.PlainOpen(dir)
	cfg, _ = repo.Config()
	if cfg.Raw.Section("http").Subsection("https://github.com/").HasOption("extraheader") {
		t.Error("extraheader survived restore")
	}
	if cfg.User.Name != "" || cfg.User.Email != "" {
		t.Errorf("identity survived restore: %q <%s>", cfg.User.Name, cfg.User.Email)
	}
}

func TestInstallGitPreservesExistingHeader(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit() = %v", err)
	}
	cfg, _ := repo.Config()
	cfg.Raw.Section("http").Subsection("https://github.com/").SetOption("extraheader", "AUTHORIZATION: basic original")
	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig() = %v", err)
	}

	snap, err := installGit(dir, "tok")
	if err != nil {
		t.Fatalf("installGit() = %v", err)
	}
	if err := snap.restore(); err != nil {
		t.Fatalf("restore() = %v", err)
	}

	repo, _ = git.PlainOpen(dir)
	cfg, _ = repo.Config()
	if got := cfg.Raw.Section("http").Subsection("https://github.com/").Option("extraheader"); got != "AUTHORIZATION: basic original" {
		t.Errorf("extraheader = %q, want original restored", got)
	}
}

func TestLeaseReleaseOnce(t *testing.T) {
	var revokes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %q", r.Method)
		}
		revokes++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	lease := &Lease{token: "tok", client: &http.Client{Transport: rewriteHost(srv.URL)}}
	ctx := context.Background()
	lease.Release(ctx)
	lease.Release(ctx)

	if revokes != 1 {
		t.Errorf("revokes = %d, want exactly 1", revokes)
	}
}

func TestLeasePreSuppliedSkipsRevoke(t *testing.T) {
	lease, err := Acquire(context.Background(), LeaseOptions{Token: "user-token"})
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if !lease.PreSupplied() {
		t.Error("PreSupplied() = false")
	}
	lease.client = &http.Client{Transport: failTransport{t}}
	lease.Release(context.Background())
}

// failTransport fails the test if any request is made through it.
type failTransport struct{ t *testing.T }

func (f failTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.t.Error("unexpected HTTP request during release of pre-supplied token")
	return nil, fmt.Errorf("no requests expected")
}

type rewriteHost string

func (h rewriteHost) RoundTrip(req *http.Request) (*http.Response, error) {
	redirected, err := http.NewRequestWithContext(req.Context(), req.Method, string(h)+req.URL.Path, nil)
	if err != nil {
		return nil, err
	}
	redirected.Header = req.Header
	return http.DefaultTransport.RoundTrip(redirected)
}
