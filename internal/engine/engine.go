// Package engine implements the trial-card routing state machine. Every
// public operation is one unit of work: ledger writes, the trial
// projection, audit records and completion artifacts commit together or
// not at all.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/audit"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/config"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/flow"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/notify"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/repo"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/reports"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/resolver"
)

// Transition outcomes.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeCompleted = "completed"
	OutcomeEscalated = "escalated"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Resolver resolver.Resolver
	Flow     flow.Sequence
	Reports  reports.Generator
	Notifier notify.Notifier
	Config   *config.Config
	Now      func() time.Time
}

// New wires an engine from an open database and validated config. The
// notifier is nil when notifications are disabled.
func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db},
		Resolver: resolver.New(cfg),
		Flow:     flow.FromConfig(cfg),
		Reports:  reports.FileRenderer{Dir: cfg.Reports.Dir},
		Config:   cfg,
	}
	if d := notify.FromConfig(cfg); d != nil {
		e.Notifier = d
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TransitionResult reports what one Advance or Escalate call did.
type TransitionResult struct {
	Outcome            string                `json:"outcome" enum:"advanced,completed,escalated"`
	Trial              domain.Trial          `json:"trial"`
	Entry              *domain.ProgressEntry `json:"entry,omitempty"`
	Assignee           *domain.Account       `json:"assignee,omitempty"`
	TrialReport        *reports.ArtifactRef  `json:"trial_report,omitempty"`
	ConsolidatedReport *reports.ArtifactRef  `json:"consolidated_report,omitempty"`

	notifyEvent string
}

// CreateTrialParams carries the caller-supplied fields of a new trial.
type CreateTrialParams struct {
	CardNo      string
	PatternCode string
	PartName    string
	TrialType   string
	Subtype     string
	Actor       string
}

func (p CreateTrialParams) validate() error {
	if strings.TrimSpace(p.CardNo) == "" {
		return errors.New("card_no is required")
	}
	if strings.TrimSpace(p.PatternCode) == "" {
		return errors.New("pattern_code is required")
	}
	if strings.TrimSpace(p.TrialType) == "" {
		return errors.New("trial_type is required")
	}
	return nil
}

// CreateTrial registers a trial card and opens the first pending entry at
// the entry stage of the flow.
func (e *Engine) CreateTrial(ctx context.Context, p CreateTrialParams) (domain.Trial, error) {
	if err := p.validate(); err != nil {
		return domain.Trial{}, err
	}
	first, ok := e.Flow.First()
	if !ok {
		return domain.Trial{}, errors.New("flow has no stages")
	}
	now := e.stamp()
	t := domain.Trial{
		ID:                  uuid.New().String(),
		CardNo:              p.CardNo,
		PatternCode:         p.PatternCode,
		PartName:            p.PartName,
		TrialType:           p.TrialType,
		Subtype:             p.Subtype,
		CurrentDepartmentID: first.Department,
		Status:              domain.TrialCreated,
		CreatedBy:           p.Actor,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trial{}, err
	}
	defer tx.Rollback()

	acct, err := e.Resolver.Resolve(ctx, repo.TxAccounts{Tx: tx}, first.Department, t.TrialType, domain.RoleUser)
	if err != nil {
		return domain.Trial{}, err
	}
	if err := e.Repo.InsertTrial(ctx, tx, t); err != nil {
		return domain.Trial{}, err
	}
	entry := domain.ProgressEntry{
		ID:               uuid.New().String(),
		TrialID:          t.ID,
		DepartmentID:     first.Department,
		AssigneeUsername: acct.Username,
		Status:           domain.EntryPending,
		CreatedAt:        now,
	}
	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		return domain.Trial{}, err
	}
	err = e.Audit.Append(ctx, tx, "trial.created", t.ID, first.Department, p.Actor, "", audit.Payload{
		"card_no":      t.CardNo,
		"pattern_code": t.PatternCode,
		"trial_type":   t.TrialType,
		"assignee":     acct.Username,
	})
	if err != nil {
		return domain.Trial{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trial{}, err
	}

	e.dispatch("trial.created", t, entry, acct)
	return t, nil
}

// Advance approves the trial's pending entry on behalf of the acting
// department and routes the card to the next unaddressed stage, or fires
// the completion trigger when none remains.
func (e *Engine) Advance(ctx context.Context, trialID, actor string) (TransitionResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTrialTx(ctx, tx, trialID)
	if err != nil {
		return TransitionResult{}, err
	}
	res, err := e.advanceTx(ctx, tx, t, actor)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	e.dispatchResult(res)
	return res, nil
}

// Escalate re-targets the pending entry to the department's HOD. When the
// department has no active HOD the step degrades to a plain approval in
// the same unit of work.
func (e *Engine) Escalate(ctx context.Context, trialID, actor string) (TransitionResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTrialTx(ctx, tx, trialID)
	if err != nil {
		return TransitionResult{}, err
	}
	entry, err := e.Repo.PendingEntryTx(ctx, tx, trialID)
	if errors.Is(err, repo.ErrNotFound) {
		return TransitionResult{}, ErrNoPendingEntry
	}
	if err != nil {
		return TransitionResult{}, err
	}

	hod, err := e.Resolver.LookupHOD(ctx, repo.TxAccounts{Tx: tx}, entry.DepartmentID)
	if errors.Is(err, repo.ErrNotFound) {
		// No HOD to escalate to; record the skip and approve outright.
		skipErr := e.Audit.Append(ctx, tx, "trial.escalation.skipped", t.ID, entry.DepartmentID, actor,
			"no active HOD, approving directly", nil)
		if skipErr != nil {
			return TransitionResult{}, skipErr
		}
		res, err := e.advanceTx(ctx, tx, t, actor)
		if err != nil {
			return TransitionResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return TransitionResult{}, err
		}
		e.dispatchResult(res)
		return res, nil
	}
	if err != nil {
		return TransitionResult{}, err
	}

	ok, err := e.Repo.ReassignPendingTx(ctx, tx, entry.ID, hod.Username, domain.RemarkHODPending)
	if err != nil {
		return TransitionResult{}, err
	}
	if !ok {
		return TransitionResult{}, ErrAlreadyProcessed
	}
	err = e.Audit.Append(ctx, tx, "trial.escalated", t.ID, entry.DepartmentID, actor, domain.RemarkHODPending, audit.Payload{
		"assignee": hod.Username,
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}

	entry.AssigneeUsername = hod.Username
	entry.Remarks = domain.RemarkHODPending
	res := TransitionResult{
		Outcome:     OutcomeEscalated,
		Trial:       t,
		Entry:       &entry,
		Assignee:    &hod,
		notifyEvent: "trial.escalated",
	}
	e.dispatchResult(res)
	return res, nil
}

// advanceTx runs the approve-then-route step inside the caller's
// transaction. All reads go through Tx variants; the pool is capped at one
// connection, so a pool read here would deadlock.
func (e *Engine) advanceTx(ctx context.Context, tx *sql.Tx, t domain.Trial, actor string) (TransitionResult, error) {
	now := e.stamp()

	entry, err := e.Repo.PendingEntryTx(ctx, tx, t.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return TransitionResult{}, ErrNoPendingEntry
	}
	if err != nil {
		return TransitionResult{}, err
	}

	role := domain.RoleUser
	if acct, err := e.Repo.GetAccountTx(ctx, tx, actor); err == nil {
		role = acct.Role
	} else if !errors.Is(err, repo.ErrNotFound) {
		return TransitionResult{}, err
	}
	remark := "Approved by " + role

	ok, err := e.Repo.ApproveEntryTx(ctx, tx, entry.ID, remark, now)
	if err != nil {
		return TransitionResult{}, err
	}
	if !ok {
		return TransitionResult{}, ErrAlreadyProcessed
	}
	err = e.Audit.Append(ctx, tx, "trial.approved", t.ID, entry.DepartmentID, actor, remark, audit.Payload{
		"entry_id": entry.ID,
	})
	if err != nil {
		return TransitionResult{}, err
	}

	entries, err := e.Repo.ListEntriesTx(ctx, tx, t.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	addressed := make(map[string]bool, len(entries))
	pending := make(map[string]bool)
	for _, en := range entries {
		addressed[en.DepartmentID] = true
		if en.Status == domain.EntryPending {
			pending[en.DepartmentID] = true
		}
	}

	// Stages worked out of declared order leave an earlier pending entry
	// behind; point the card back at it instead of advancing past it.
	if earliest, ok := e.Flow.EarliestPending(pending); ok {
		if err := e.Repo.UpdateTrialRouting(ctx, tx, t.ID, earliest.Department, domain.TrialInProgress, now); err != nil {
			return TransitionResult{}, err
		}
		err = e.Audit.Append(ctx, tx, "trial.retargeted", t.ID, earliest.Department, actor, "", audit.Payload{
			"seq": earliest.Seq,
		})
		if err != nil {
			return TransitionResult{}, err
		}
		t.CurrentDepartmentID = earliest.Department
		t.Status = domain.TrialInProgress
		t.UpdatedAt = now
		held := findEntry(entries, earliest.Department, domain.EntryPending)
		return TransitionResult{Outcome: OutcomeAdvanced, Trial: t, Entry: held}, nil
	}

	next, ok := e.Flow.NextUnaddressed(addressed)
	if !ok {
		return e.completeTx(ctx, tx, t, actor, now)
	}

	acct, err := e.Resolver.Resolve(ctx, repo.TxAccounts{Tx: tx}, next.Department, t.TrialType, domain.RoleUser)
	if err != nil {
		return TransitionResult{}, err
	}
	newEntry := domain.ProgressEntry{
		ID:               uuid.New().String(),
		TrialID:          t.ID,
		DepartmentID:     next.Department,
		AssigneeUsername: acct.Username,
		Status:           domain.EntryPending,
		CreatedAt:        now,
	}
	if err := e.Repo.InsertEntry(ctx, tx, newEntry); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Repo.UpdateTrialRouting(ctx, tx, t.ID, next.Department, domain.TrialInProgress, now); err != nil {
		return TransitionResult{}, err
	}
	err = e.Audit.Append(ctx, tx, "trial.routed", t.ID, next.Department, actor, "", audit.Payload{
		"seq":      next.Seq,
		"assignee": acct.Username,
	})
	if err != nil {
		return TransitionResult{}, err
	}

	t.CurrentDepartmentID = next.Department
	t.Status = domain.TrialInProgress
	t.UpdatedAt = now
	return TransitionResult{
		Outcome:     OutcomeAdvanced,
		Trial:       t,
		Entry:       &newEntry,
		Assignee:    &acct,
		notifyEvent: "trial.routed",
	}, nil
}

// completeTx fires the completion trigger: sweep any leftover pending
// entries, close the trial, and render both artifacts inside the
// transaction. A render failure rolls the whole transition back.
func (e *Engine) completeTx(ctx context.Context, tx *sql.Tx, t domain.Trial, actor, now string) (TransitionResult, error) {
	swept, err := e.Repo.ApproveAllPendingTx(ctx, tx, t.ID, "Approved on completion", now)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := e.Repo.CloseTrial(ctx, tx, t.ID, now); err != nil {
		return TransitionResult{}, err
	}
	t.Status = domain.TrialClosed
	t.UpdatedAt = now
	t.ClosedAt = &now

	entries, err := e.Repo.ListEntriesTx(ctx, tx, t.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	trialRef, err := e.Reports.RenderTrialReport(ctx, t, entries)
	if err != nil {
		return TransitionResult{}, &ReportGenerationError{Err: err}
	}
	family, err := e.Repo.ListClosedTrialsByPatternTx(ctx, tx, t.PatternCode)
	if err != nil {
		return TransitionResult{}, err
	}
	consolidatedRef, err := e.Reports.RenderConsolidatedReport(ctx, t.PatternCode, family)
	if err != nil {
		return TransitionResult{}, &ReportGenerationError{Err: err}
	}
	err = e.Audit.Append(ctx, tx, "trial.completed", t.ID, t.CurrentDepartmentID, actor, "", audit.Payload{
		"trial_report":        trialRef.Path,
		"consolidated_report": consolidatedRef.Path,
		"swept_pending":       swept,
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{
		Outcome:            OutcomeCompleted,
		Trial:              t,
		TrialReport:        &trialRef,
		ConsolidatedReport: &consolidatedRef,
	}, nil
}

func findEntry(entries []domain.ProgressEntry, department, status string) *domain.ProgressEntry {
	for i := range entries {
		if entries[i].DepartmentID == department && entries[i].Status == status {
			return &entries[i]
		}
	}
	return nil
}

// dispatchResult sends the post-commit notice for transitions that assigned
// work to somebody.
func (e *Engine) dispatchResult(res TransitionResult) {
	if res.notifyEvent == "" || res.Entry == nil || res.Assignee == nil {
		return
	}
	e.dispatch(res.notifyEvent, res.Trial, *res.Entry, *res.Assignee)
}

// dispatch delivers a notice in the background. Failures are logged and
// dropped; notification is best effort and never affects routing state.
func (e *Engine) dispatch(event string, t domain.Trial, entry domain.ProgressEntry, acct domain.Account) {
	if e.Notifier == nil {
		return
	}
	n := notify.Notice{
		Event:        event,
		TrialID:      t.ID,
		CardNo:       t.CardNo,
		PatternCode:  t.PatternCode,
		DepartmentID: entry.DepartmentID,
		Remarks:      entry.Remarks,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.Notifier.Notify(ctx, acct, n); err != nil {
			log.Printf("notify %s to %s: %v", event, acct.Username, err)
		}
	}()
}

// ProgressView is the per-trial detail read model.
type ProgressView struct {
	Trial   domain.Trial           `json:"trial"`
	Entries []domain.ProgressEntry `json:"entries"`
}

// Progress returns a trial with its full ledger.
func (e *Engine) Progress(ctx context.Context, trialID string) (ProgressView, error) {
	t, err := e.Repo.GetTrial(ctx, trialID)
	if err != nil {
		return ProgressView{}, err
	}
	entries, err := e.Repo.ListEntries(ctx, trialID)
	if err != nil {
		return ProgressView{}, err
	}
	return ProgressView{Trial: t, Entries: entries}, nil
}

// AddAccountParams carries the fields of a new department account.
type AddAccountParams struct {
	Username     string
	DisplayName  string
	Email        string
	DepartmentID string
	Role         string
	Subtype      string
}

// AddAccount provisions a department account into the directory.
func (e *Engine) AddAccount(ctx context.Context, p AddAccountParams) (domain.Account, error) {
	if strings.TrimSpace(p.Username) == "" {
		return domain.Account{}, errors.New("username is required")
	}
	if strings.TrimSpace(p.DepartmentID) == "" {
		return domain.Account{}, errors.New("department_id is required")
	}
	if p.Role != domain.RoleUser && p.Role != domain.RoleHOD {
		return domain.Account{}, fmt.Errorf("role must be %s or %s", domain.RoleUser, domain.RoleHOD)
	}
	a := domain.Account{
		Username:     p.Username,
		DisplayName:  p.DisplayName,
		Email:        p.Email,
		DepartmentID: p.DepartmentID,
		Role:         p.Role,
		Subtype:      p.Subtype,
		Active:       true,
		CreatedAt:    e.stamp(),
	}
	if err := e.Repo.InsertAccount(ctx, a); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}
