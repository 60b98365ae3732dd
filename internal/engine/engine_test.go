package engine_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/config"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/db"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/engine"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/migrate"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/repo"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/reports"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/resolver"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("plant-1")
	cfg.Reports.Dir = dir + "/reports"
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// seedAccounts provisions one active user per flow department plus the
// machining subtype cohorts and the subcontract pool.
func seedAccounts(t *testing.T, env testEnv) {
	t.Helper()
	add := func(username, dept, role, subtype string) {
		t.Helper()
		_, err := env.Engine.AddAccount(env.Ctx, engine.AddAccountParams{
			Username:     username,
			DepartmentID: dept,
			Role:         role,
			Subtype:      subtype,
		})
		if err != nil {
			t.Fatalf("seed account %s: %v", username, err)
		}
	}
	add("ped.op", "PED", domain.RoleUser, "")
	add("methods.op", "METHODS", domain.RoleUser, "")
	add("foundry.op", "FOUNDRY", domain.RoleUser, "")
	add("mach.npd", "MACHINING", domain.RoleUser, "NPD")
	add("mach.reg", "MACHINING", domain.RoleUser, "REGULAR")
	add("quality.op", "QUALITY", domain.RoleUser, "")
	add("dispatch.op", "DISPATCH", domain.RoleUser, "")
	add("subcon.op", "SUBCON_MACHINING", domain.RoleUser, "")
}

func createTrial(t *testing.T, env testEnv, cardNo, trialType string) domain.Trial {
	t.Helper()
	tr, err := env.Engine.CreateTrial(env.Ctx, engine.CreateTrialParams{
		CardNo:      cardNo,
		PatternCode: "PTRN-7",
		PartName:    "Impeller housing",
		TrialType:   trialType,
		Actor:       "tester",
	})
	if err != nil {
		t.Fatalf("create trial: %v", err)
	}
	return tr
}

func TestCreateTrialOpensFirstStage(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)
	tr := createTrial(t, env, "TC-1", domain.TrialTypeRegular)
	if tr.Status != domain.TrialCreated {
		t.Fatalf("status = %s, want CREATED", tr.Status)
	}
	if tr.CurrentDepartmentID != "PED" {
		t.Fatalf("current department = %s, want PED", tr.CurrentDepartmentID)
	}
	entry, err := env.Engine.Repo.PendingEntry(env.Ctx, tr.ID)
	if err != nil {
		t.Fatalf("pending entry: %v", err)
	}
	if entry.AssigneeUsername != "ped.op" {
		t.Fatalf("assignee = %s, want ped.op", entry.AssigneeUsername)
	}
}

func TestRegularTrialFullFlow(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)
	tr := createTrial(t, env, "TC-2", domain.TrialTypeRegular)

	wantRoute := []struct {
		dept     string
		assignee string
	}{
		{"METHODS", "methods.op"},
		{"FOUNDRY", "foundry.op"},
		{"MACHINING", "mach.reg"},
		{"QUALITY", "quality.op"},
		{"DISPATCH", "dispatch.op"},
	}
	for _, want := range wantRoute {
		res, err := env.Engine.Advance(env.Ctx, tr.ID, "tester")
		if err != nil {
			t.Fatalf("advance to %s: %v", want.dept, err)
		}
		if res.Outcome != engine.OutcomeAdvanced {
			t.Fatalf("outcome = %s, want advanced", res.Outcome)
		}
		if res.Trial.CurrentDepartmentID != want.dept {
			t.Fatalf("routed to %s, want %s", res.Trial.CurrentDepartmentID, want.dept)
		}
		if res.Trial.Status != domain.TrialInProgress {
			t.Fatalf("status = %s, want IN_PROGRESS", res.Trial.Status)
		}
		if res.Entry == nil || res.Entry.AssigneeUsername != want.assignee {
			t.Fatalf("assignee at %s = %+v, want %s", want.dept, res.Entry, want.assignee)
		}
	}

	res, err := env.Engine.Advance(env.Ctx, tr.ID, "tester")
	if err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if res.Outcome != engine.OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}
	if res.Trial.Status != domain.TrialClosed || res.Trial.ClosedAt == nil {
		t.Fatalf("trial not closed: %+v", res.Trial)
	}
	if res.TrialReport == nil || res.ConsolidatedReport == nil {
		t.Fatalf("missing report refs: %+v", res)
	}
	for _, path := range []string{res.TrialReport.Path, res.ConsolidatedReport.Path} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("report artifact %s: %v", path, err)
		}
	}
	entries, err := env.Engine.Repo.ListEntries(env.Ctx, tr.ID)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("entries = %d, want 6", len(entries))
	}
	for _, en := range entries {
		if en.Status != domain.EntryApproved {
			t.Fatalf("entry %s status = %s, want approved", en.DepartmentID, en.Status)
		}
		if en.Remarks != "Approved by USER" {
			t.Fatalf("entry %s remarks = %q", en.DepartmentID, en.Remarks)
		}
	}
}

func TestCustomerEndRoutesMachiningToSubcontract(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)
	tr := createTrial(t, env, "TC-3", domain.TrialTypeCustomerEnd)

	for i := 0; i < 3; i++ {
		if _, err := env.Engine.Advance(env.Ctx, tr.ID, "tester"); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	got, err := env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	// The card itself still shows the MACHINING checkpoint.
	if got.CurrentDepartmentID != "MACHINING" {
		t.Fatalf("current department = %s, want MACHINING", got.CurrentDepartmentID)
	}
	entry, err := env.Engine.Repo.PendingEntry(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.AssigneeUsername != "subcon.op" {
		t.Fatalf("assignee = %s, want subcon.op", entry.AssigneeUsername)
	}
}

func TestEscalateReassignsToHOD(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)
	if _, err := env.Engine.AddAccount(env.Ctx, engine.AddAccountParams{
		Username: "foundry.hod", DepartmentID: "FOUNDRY", Role: domain.RoleHOD,
	}); err != nil {
		t.Fatal(err)
	}
	tr := createTrial(t, env, "TC-4", domain.TrialTypeRegular)
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.Advance(env.Ctx, tr.ID, "tester"); err != nil {
			t.Fatal(err)
		}
	}

	res, err := env.Engine.Escalate(env.Ctx, tr.ID, "foundry.op")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if res.Outcome != engine.OutcomeEscalated {
		t.Fatalf("outcome = %s, want escalated", res.Outcome)
	}
	if res.Entry.AssigneeUsername != "foundry.hod" {
		t.Fatalf("assignee = %s, want foundry.hod", res.Entry.AssigneeUsername)
	}
	if res.Entry.Remarks != domain.RemarkHODPending {
		t.Fatalf("remarks = %q, want %q", res.Entry.Remarks, domain.RemarkHODPending)
	}
	// Escalation never moves the card.
	if res.Trial.CurrentDepartmentID != "FOUNDRY" {
		t.Fatalf("current department = %s, want FOUNDRY", res.Trial.CurrentDepartmentID)
	}

	// HOD approval stamps the HOD role into the remark.
	adv, err := env.Engine.Advance(env.Ctx, tr.ID, "foundry.hod")
	if err != nil {
		t.Fatalf("hod advance: %v", err)
	}
	if adv.Trial.CurrentDepartmentID != "MACHINING" {
		t.Fatalf("routed to %s, want MACHINING", adv.Trial.CurrentDepartmentID)
	}
	entries, err := env.Engine.Repo.ListEntries(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, en := range entries {
		if en.DepartmentID == "FOUNDRY" && en.Remarks != "Approved by HOD" {
			t.Fatalf("foundry remarks = %q, want Approved by HOD", en.Remarks)
		}
	}
}

func TestEscalateWithoutHODDegradesToApproval(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)
	tr := createTrial(t, env, "TC-5", domain.TrialTypeRegular)

	res, err := env.Engine.Escalate(env.Ctx, tr.ID, "ped.op")
	if err != nil {
		t.Fatalf("escalate without HOD: %v", err)
	}
	if res.Outcome != engine.OutcomeAdvanced {
		t.Fatalf("outcome = %s, want advanced", res.Outcome)
	}
	if res.Trial.CurrentDepartmentID != "METHODS" {
		t.Fatalf("routed to %s, want METHODS", res.Trial.CurrentDepartmentID)
	}
	recs, err := env.Engine.Repo.LatestAudit(env.Ctx, repo.AuditFilters{
		TrialID: tr.ID, Action: "trial.escalation.skipped",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("escalation.skipped records = %d, want 1", len(recs))
	}
}

func TestAdvanceErrors(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)

	if _, err := env.Engine.Advance(env.Ctx, "no-such-trial", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	tr := createTrial(t, env, "TC-6", domain.TrialTypeRegular)
	for i := 0; i < 6; i++ {
		if _, err := env.Engine.Advance(env.Ctx, tr.ID, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.Advance(env.Ctx, tr.ID, "tester"); !errors.Is(err, engine.ErrNoPendingEntry) {
		t.Fatalf("err = %v, want ErrNoPendingEntry", err)
	}
	if _, err := env.Engine.Escalate(env.Ctx, tr.ID, "tester"); !errors.Is(err, engine.ErrNoPendingEntry) {
		t.Fatalf("escalate err = %v, want ErrNoPendingEntry", err)
	}
}

func TestMissingAssigneeRollsBack(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)
	tr := createTrial(t, env, "TC-7", domain.TrialTypeRegular)

	if err := env.Engine.Repo.SetAccountActive(env.Ctx, "methods.op", false); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Advance(env.Ctx, tr.ID, "tester")
	if !errors.Is(err, resolver.ErrNoAssigneeFound) {
		t.Fatalf("err = %v, want ErrNoAssigneeFound", err)
	}

	// The whole transition rolled back: still pending at PED.
	got, err := env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentDepartmentID != "PED" || got.Status != domain.TrialCreated {
		t.Fatalf("trial mutated after failed advance: %+v", got)
	}
	entry, err := env.Engine.Repo.PendingEntry(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.DepartmentID != "PED" || entry.Status != domain.EntryPending {
		t.Fatalf("pending entry mutated: %+v", entry)
	}

	// Reactivating the pool lets the same submission succeed.
	if err := env.Engine.Repo.SetAccountActive(env.Ctx, "methods.op", true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Advance(env.Ctx, tr.ID, "tester"); err != nil {
		t.Fatalf("retry advance: %v", err)
	}
}

type failingRenderer struct{}

func (failingRenderer) RenderTrialReport(ctx context.Context, trial domain.Trial, entries []domain.ProgressEntry) (reports.ArtifactRef, error) {
	return reports.ArtifactRef{}, errors.New("document service unreachable")
}

func (failingRenderer) RenderConsolidatedReport(ctx context.Context, patternCode string, trials []domain.Trial) (reports.ArtifactRef, error) {
	return reports.ArtifactRef{}, errors.New("document service unreachable")
}

func TestReportFailureKeepsTrialOpen(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)
	tr := createTrial(t, env, "TC-8", domain.TrialTypeRegular)
	for i := 0; i < 5; i++ {
		if _, err := env.Engine.Advance(env.Ctx, tr.ID, "tester"); err != nil {
			t.Fatal(err)
		}
	}

	env.Engine.Reports = failingRenderer{}
	_, err := env.Engine.Advance(env.Ctx, tr.ID, "tester")
	var rge *engine.ReportGenerationError
	if !errors.As(err, &rge) {
		t.Fatalf("err = %v, want ReportGenerationError", err)
	}

	got, err := env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TrialInProgress || got.ClosedAt != nil {
		t.Fatalf("trial closed despite report failure: %+v", got)
	}
	entry, err := env.Engine.Repo.PendingEntry(env.Ctx, tr.ID)
	if err != nil {
		t.Fatalf("pending entry gone after rollback: %v", err)
	}
	if entry.DepartmentID != "DISPATCH" {
		t.Fatalf("pending at %s, want DISPATCH", entry.DepartmentID)
	}
}

// Concurrent transitions serialize on the single database connection, so
// each call acts on a consistent snapshot: no stage is ever approved twice
// and no ledger write is lost.
func TestConcurrentAdvancesSerialize(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)
	tr := createTrial(t, env, "TC-9", domain.TrialTypeRegular)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Advance(env.Ctx, tr.ID, "tester")
		}(i)
	}
	wg.Wait()

	var advanced int
	for _, err := range errs {
		switch {
		case err == nil:
			advanced++
		case errors.Is(err, engine.ErrAlreadyProcessed) || errors.Is(err, engine.ErrNoPendingEntry):
			// A caller that lost the race is a no-op, never a corruption.
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if advanced == 0 {
		t.Fatalf("no advance succeeded")
	}

	entries, err := env.Engine.Repo.ListEntries(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	approvedByDept := map[string]int{}
	pendingCount := 0
	for _, en := range entries {
		switch en.Status {
		case domain.EntryApproved:
			approvedByDept[en.DepartmentID]++
		case domain.EntryPending:
			pendingCount++
		}
	}
	for dept, n := range approvedByDept {
		if n != 1 {
			t.Fatalf("department %s approved %d times", dept, n)
		}
	}
	if pendingCount != 1 {
		t.Fatalf("pending entries = %d, want exactly one", pendingCount)
	}
	if len(entries) != advanced+1 {
		t.Fatalf("entries = %d, want one per advance plus the open stage", len(entries))
	}
}

func TestCompletedTrialsFeedConsolidatedReport(t *testing.T) {
	env := newTestEnv(t)
	seedAccounts(t, env)
	first := createTrial(t, env, "TC-10", domain.TrialTypeRegular)
	for i := 0; i < 6; i++ {
		if _, err := env.Engine.Advance(env.Ctx, first.ID, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	second := createTrial(t, env, "TC-11", domain.TrialTypeRegular)
	var last engine.TransitionResult
	for i := 0; i < 6; i++ {
		res, err := env.Engine.Advance(env.Ctx, second.ID, "tester")
		if err != nil {
			t.Fatal(err)
		}
		last = res
	}
	data, err := os.ReadFile(last.ConsolidatedReport.Path)
	if err != nil {
		t.Fatal(err)
	}
	for _, card := range []string{"TC-10", "TC-11"} {
		if !strings.Contains(string(data), card) {
			t.Fatalf("consolidated report missing %s", card)
		}
	}
}
