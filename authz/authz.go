/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package authz gates runs on the triggering actor's repository permission.
// Only collaborators with write or admin access may trigger the agent; the
// check runs after classification and before any token exchange or git
// mutation.
package authz

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

// AuthorizationError indicates the actor lacks write access. It is fatal and
// fires before any credential or workspace mutation.
type AuthorizationError struct {
	Actor      string
	Permission string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s does not have write access (permission: %s)", e.Actor, e.Permission)
}

// PermissionChecker looks up a collaborator's permission level. Satisfied by
// go-github's RepositoriesService.
type PermissionChecker interface {
	GetPermissionLevel(ctx context.Context, owner, repo, user string) (*github.RepositoryPermissionLevel, *github.Response, error)
}

// Gate authorizes triggering actors against a repository.
type Gate struct {
	checker PermissionChecker
}

// NewGate returns a Gate backed by the given GitHub client.
func NewGate(client *github.Client) *Gate {
	return &Gate{checker: client.Repositories}
}

// NewGateWithChecker returns a Gate with a custom permission checker, for tests.
func NewGateWithChecker(checker PermissionChecker) *Gate {
	return &Gate{checker: checker}
}

// Authorize verifies the actor has admin or write permission on owner/repo.
// A failed permission lookup is an authorization failure, not a transient
// error: the run must not proceed on uncertainty.
func (g *Gate) Authorize(ctx context.Context, owner, repo, actor string) error {
	log := clog.FromContext(ctx)

	level, _, err := g.checker.GetPermissionLevel(ctx, owner, repo, actor)
	if err != nil {
		return fmt.Errorf("checking permission for %s on %s/%s: %w", actor, owner, repo, err)
	}

	perm := level.GetPermission()
	switch perm {
	case "admin", "write":
		log.With("actor", actor).With("permission", perm).Info("Actor authorized")
		return nil
	default:
		return &AuthorizationError{Actor: actor, Permission: perm}
	}
}
