/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package credentials manages the installation-token lease that wraps a run:
// exchanging an ambient credential for a scoped GitHub token, installing it
// into the repository's git config, and releasing everything exactly once on
// exit.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultAudience is the OIDC audience requested from the Actions issuance
// endpoint.
const DefaultAudience = "archon-github-action"

// patPrefix identifies fine-grained personal access tokens, which use the
// PAT exchange endpoint instead of the OIDC one.
const patPrefix = "github_pat_"

// TokenExchangeError indicates the exchange service rejected the request.
type TokenExchangeError struct {
	StatusCode int
	Message    string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed (%d): %s", e.StatusCode, e.Message)
}

// Exchanger trades ambient credentials for installation tokens via the
// exchange service.
type Exchanger struct {
	// BaseURL is the exchange service root, e.g. https://api.archon.dev.
	BaseURL string
	Client  *http.Client
}

func (e *Exchanger) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

// Exchange obtains an installation token for owner/repo. Credentials with
// the github_pat_ prefix go through the PAT endpoint; anything else is
// treated as an Actions OIDC token.
func (e *Exchanger) Exchange(ctx context.Context, credential, owner, repo string) (string, error) {
	if strings.HasPrefix(credential, patPrefix) {
		return e.exchangePAT(ctx, credential, owner, repo)
	}
	return e.exchangeOIDC(ctx, credential)
}

func (e *Exchanger) exchangeOIDC(ctx context.Context, oidcToken string) (string, error) {
	return e.post(ctx, e.BaseURL+"/exchange_github_app_token", oidcToken, nil)
}

func (e *Exchanger) exchangePAT(ctx context.Context, pat, owner, repo string) (string, error) {
	body := map[string]string{"owner": owner, "repo": repo}
	return e.post(ctx, e.BaseURL+"/exchange_github_app_token_with_pat", pat, body)
}

func (e *Exchanger) post(ctx context.Context, endpoint, bearer string, body any) (string, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("encoding exchange request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return "", fmt.Errorf("building exchange request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("calling token exchange: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading exchange response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &TokenExchangeError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding exchange response: %w", err)
	}
	if parsed.Token == "" {
		return "", &TokenExchangeError{StatusCode: resp.StatusCode, Message: "response contained no token"}
	}
	return parsed.Token, nil
}

// RequestActionsIDToken fetches an OIDC token from the GitHub Actions
// issuance endpoint. requestURL and requestToken come from the
// ACTIONS_ID_TOKEN_REQUEST_URL / ACTIONS_ID_TOKEN_REQUEST_TOKEN environment
// the runner injects for id-token: write workflows.
func RequestActionsIDToken(ctx context.Context, client *http.Client, requestURL, requestToken string) (string, error) {
	if requestURL == "" || requestToken == "" {
		return "", fmt.Errorf("workflow is missing id-token permission")
	}
	if client == nil {
		client = http.DefaultClient
	}

	u, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("parsing id token request url: %w", err)
	}
	q := u.Query()
	q.Set("audience", DefaultAudience)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+requestToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting id token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("id token request returned %s", resp.Status)
	}

	var parsed struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding id token response: %w", err)
	}
	if parsed.Value == "" {
		return "", fmt.Errorf("id token response contained no value")
	}
	return parsed.Value, nil
}
