// Package resolver picks the single account that should own the next
// progress entry. Routing overrides live in a strategy table keyed by
// (department, trial type) so new sub-pools are config additions, not new
// branches.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/config"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/repo"
)

// ErrNoAssigneeFound means the target pool has no active account. The
// transition must not commit; an administrator has to provision the pool.
var ErrNoAssigneeFound = errors.New("no active account for stage")

// Directory is the account-directory collaborator.
type Directory interface {
	FindActiveAccount(ctx context.Context, departmentID, role, subtype string) (domain.Account, error)
}

// Strategy overrides the pool for one (department, trial type) pair.
// Exactly one of TargetDepartment or Subtype is set (config validation).
type Strategy struct {
	TargetDepartment string
	Subtype          string
}

type tableKey struct {
	Department string
	TrialType  string
}

// Table maps (department, trial type) to its resolution strategy.
type Table map[tableKey]Strategy

// TableFromConfig builds the strategy table from validated config.
func TableFromConfig(cfg *config.Config) Table {
	t := make(Table, len(cfg.Routing.Strategies))
	for _, s := range cfg.Routing.Strategies {
		t[tableKey{Department: s.Department, TrialType: s.TrialType}] = Strategy{
			TargetDepartment: s.TargetDepartment,
			Subtype:          s.Subtype,
		}
	}
	return t
}

type Resolver struct {
	Table Table
}

// New builds a resolver from config.
func New(cfg *config.Config) Resolver {
	return Resolver{Table: TableFromConfig(cfg)}
}

// Resolve returns the account that should own the next entry for the given
// nominal department. The directory is passed per call so lookups can run
// inside the caller's transaction.
func (r Resolver) Resolve(ctx context.Context, dir Directory, departmentID, trialType, role string) (domain.Account, error) {
	dept := departmentID
	subtype := ""
	if s, ok := r.Table[tableKey{Department: departmentID, TrialType: trialType}]; ok {
		if s.TargetDepartment != "" {
			dept = s.TargetDepartment
		}
		subtype = s.Subtype
	}
	acct, err := dir.FindActiveAccount(ctx, dept, role, subtype)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Account{}, fmt.Errorf("%w: department=%s role=%s trial_type=%s", ErrNoAssigneeFound, dept, role, trialType)
	}
	if err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

// LookupHOD finds the escalation target for a department. A missing HOD is
// reported as repo.ErrNotFound, which callers treat as "no escalation
// required", not as a failure.
func (r Resolver) LookupHOD(ctx context.Context, dir Directory, departmentID string) (domain.Account, error) {
	return dir.FindActiveAccount(ctx, departmentID, domain.RoleHOD, "")
}
