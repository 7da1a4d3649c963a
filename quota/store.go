/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	org           TEXT NOT NULL,
	user          TEXT NOT NULL,
	repo          TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_records_org_created ON usage_records(org, created_at);

CREATE TABLE IF NOT EXISTS org_plans (
	org  TEXT PRIMARY KEY,
	plan TEXT NOT NULL
);
`

// Store is a sqlite-backed Checker.
type Store struct {
	db *sql.DB

	// now is overridable for tests.
	now func() time.Time
}

// Open opens (and if needed initializes) the store at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening quota store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing quota schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetPlan assigns an organization's plan.
func (s *Store) SetPlan(ctx context.Context, org, plan string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO org_plans (org, plan) VALUES (?, ?)
		 ON CONFLICT(org) DO UPDATE SET plan = excluded.plan`, org, plan)
	if err != nil {
		return fmt.Errorf("setting plan for %s: %w", org, err)
	}
	return nil
}

func (s *Store) planFor(ctx context.Context, org string) (string, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM org_plans WHERE org = ?`, org).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "free", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up plan for %s: %w", org, err)
	}
	return plan, nil
}

// CheckQuota counts the org's runs in the current calendar month against
// its plan limit.
func (s *Store) CheckQuota(ctx context.Context, org, plan string) (Result, error) {
	if plan == "" {
		var err error
		if plan, err = s.planFor(ctx, org); err != nil {
			return Result{}, err
		}
	}

	limit := PlanLimit(plan)
	if limit == Unlimited {
		return Result{Allowed: true, Limit: Unlimited}, nil
	}

	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE org = ? AND created_at >= ?`,
		org, monthStart).Scan(&used)
	if err != nil {
		return Result{}, fmt.Errorf("counting usage for %s: %w", org, err)
	}

	return Result{Allowed: used < limit, Used: used, Limit: limit}, nil
}

// RecordUsage logs one run.
func (s *Store) RecordUsage(ctx context.Context, u Usage) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, org, user, repo, model, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), u.Org, u.User, u.Repo, u.Model, u.InputTokens, u.OutputTokens, created)
	if err != nil {
		return fmt.Errorf("recording usage for %s: %w", u.Org, err)
	}
	return nil
}
