/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package quota enforces per-organization monthly run limits for the
// webhook front-end. The engine itself never throttles; it just consumes
// this contract.
package quota

import (
	"context"
	"time"
)

// Unlimited is the sentinel limit for plans with no cap.
const Unlimited = -1

// planLimits maps plan names to monthly run allowances.
var planLimits = map[string]int{
	"free":       50,
	"pro":        500,
	"team":       2000,
	"enterprise": Unlimited,
}

// PlanLimit returns the monthly allowance for a plan. Unknown plans get the
// free allowance.
func PlanLimit(plan string) int {
	if limit, ok := planLimits[plan]; ok {
		return limit
	}
	return planLimits["free"]
}

// Result is a quota decision.
type Result struct {
	Allowed bool
	Used    int
	Limit   int
}

// Usage is one recorded run.
type Usage struct {
	Org          string
	User         string
	Repo         string
	Model        string
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
}

// Checker decides whether an organization may start another run and records
// completed ones.
type Checker interface {
	// CheckQuota reports whether org may run. plan overrides the stored
	// plan when non-empty. The boundary is strict: used must be below the
	// limit.
	CheckQuota(ctx context.Context, org, plan string) (Result, error)
	// RecordUsage logs a completed run against the org's allowance.
	RecordUsage(ctx context.Context, u Usage) error
}
