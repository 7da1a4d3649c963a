/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package credentials

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/chainguard-dev/clog"
)

// revokeURL is where installation tokens are invalidated.
const revokeURL = "https://api.github.com/installation/token"

// Lease is a scoped installation token installed into a repository's git
// config. Release restores the config and revokes the token; it is safe to
// call from both the success and failure paths, and only the first call does
// anything.
type Lease struct {
	token string

	// preSupplied tokens (user-provided, not exchanged) are never revoked.
	preSupplied bool

	client   *http.Client
	snapshot *gitSnapshot

	releaseOnce sync.Once
}

// Token returns the installation token for API and git use.
func (l *Lease) Token() string { return l.token }

// PreSupplied reports whether the token was provided directly rather than
// exchanged, which also skips the permission gate upstream.
func (l *Lease) PreSupplied() bool { return l.preSupplied }

// LeaseOptions configures Acquire.
type LeaseOptions struct {
	// Token short-circuits the exchange when the caller already holds a
	// GitHub token.
	Token string

	// Credential is the ambient credential to exchange: a github_pat_ PAT
	// or an Actions OIDC token. Ignored when Token is set.
	Credential string

	Owner string
	Repo  string

	Exchanger *Exchanger
	Client    *http.Client
}

// Acquire obtains an installation token, either pre-supplied or via the
// exchange service. The returned lease is not yet installed into any git
// config; call InstallGit after the workspace clone exists.
func Acquire(ctx context.Context, opts LeaseOptions) (*Lease, error) {
	if opts.Token != "" {
		clog.FromContext(ctx).Info("Using pre-supplied GitHub token")
		return &Lease{token: opts.Token, preSupplied: true, client: opts.Client}, nil
	}

	if opts.Exchanger == nil {
		return nil, fmt.Errorf("no token and no exchanger configured")
	}
	token, err := opts.Exchanger.Exchange(ctx, opts.Credential, opts.Owner, opts.Repo)
	if err != nil {
		return nil, err
	}
	return &Lease{token: token, client: opts.Client}, nil
}

// InstallGit snapshots and replaces the repository's auth header and commit
// identity. At most one install per lease; the snapshot is restored on
// Release.
func (l *Lease) InstallGit(ctx context.Context, repoPath string) error {
	if l.snapshot != nil {
		return fmt.Errorf("git credentials already installed")
	}
	snap, err := installGit(repoPath, l.token)
	if err != nil {
		return err
	}
	l.snapshot = snap
	clog.FromContext(ctx).With("path", repoPath).Info("Installed git credentials")
	return nil
}

// Release restores the git config snapshot and revokes the token. Both steps
// are best effort: a restore failure is logged and does not block the
// revoke, and a revoke failure is logged and swallowed. Subsequent calls are
// no-ops.
func (l *Lease) Release(ctx context.Context) {
	l.releaseOnce.Do(func() {
		log := clog.FromContext(ctx)

		if l.snapshot != nil {
			if err := l.snapshot.restore(); err != nil {
				log.With("error", err).Warn("Failed to restore git config")
			}
			l.snapshot = nil
		}

		if l.preSupplied {
			return
		}
		if err := l.revoke(ctx); err != nil {
			log.With("error", err).Warn("Failed to revoke installation token")
		} else {
			log.Info("Revoked installation token")
		}
	})
}

func (l *Lease) revoke(ctx context.Context) error {
	client := l.client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, revokeURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+l.token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke returned %s", resp.Status)
	}
	return nil
}
