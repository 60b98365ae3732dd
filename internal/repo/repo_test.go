package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/db"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/migrate"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/repo"
)

const ts = "2024-06-01T08:00:00Z"

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func seedTrial(t *testing.T, r repo.Repo, id, cardNo string) {
	t.Helper()
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertTrial(ctx, tx, domain.Trial{
			ID: id, CardNo: cardNo, PatternCode: "PTRN-1", TrialType: domain.TrialTypeRegular,
			CurrentDepartmentID: "PED", Status: domain.TrialCreated, CreatedBy: "tester",
			CreatedAt: ts, UpdatedAt: ts,
		})
	})
}

func seedPending(t *testing.T, r repo.Repo, entryID, trialID, dept string) {
	t.Helper()
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertEntry(ctx, tx, domain.ProgressEntry{
			ID: entryID, TrialID: trialID, DepartmentID: dept,
			AssigneeUsername: "ped.op", Status: domain.EntryPending, CreatedAt: ts,
		})
	})
}

func TestSinglePendingInvariant(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTrial(t, r, "t-1", "TC-1")
	seedPending(t, r, "e-1", "t-1", "PED")

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.InsertEntry(ctx, tx, domain.ProgressEntry{
		ID: "e-2", TrialID: "t-1", DepartmentID: "METHODS",
		AssigneeUsername: "methods.op", Status: domain.EntryPending, CreatedAt: ts,
	})
	if !errors.Is(err, repo.ErrPendingExists) {
		t.Fatalf("err = %v, want ErrPendingExists", err)
	}
}

func TestApproveEntryIsCompareAndSwap(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTrial(t, r, "t-1", "TC-1")
	seedPending(t, r, "e-1", "t-1", "PED")

	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ApproveEntryTx(ctx, tx, "e-1", "Approved by USER", ts)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("first approve lost the swap")
		}
		return nil
	})

	// The entry is no longer pending, so the same swap must report a loss.
	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ApproveEntryTx(ctx, tx, "e-1", "Approved by USER", ts)
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("second approve won a swap on a processed entry")
		}
		return nil
	})

	if _, err := r.PendingEntry(ctx, "t-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("pending after approval: %v", err)
	}
}

func TestReassignPendingOnlyTouchesPending(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTrial(t, r, "t-1", "TC-1")
	seedPending(t, r, "e-1", "t-1", "PED")

	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ReassignPendingTx(ctx, tx, "e-1", "ped.hod", domain.RemarkHODPending)
		if err != nil || !ok {
			t.Fatalf("reassign: ok=%v err=%v", ok, err)
		}
		return nil
	})
	entry, err := r.PendingEntry(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.AssigneeUsername != "ped.hod" || entry.Remarks != domain.RemarkHODPending {
		t.Fatalf("entry after reassign: %+v", entry)
	}

	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ApproveEntryTx(ctx, tx, "e-1", "Approved by HOD", ts)
		if err != nil || !ok {
			t.Fatalf("approve: ok=%v err=%v", ok, err)
		}
		return nil
	})
	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ReassignPendingTx(ctx, tx, "e-1", "someone.else", "")
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("reassigned an approved entry")
		}
		return nil
	})
}

func TestTrialLookupsAndFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTrial(t, r, "t-1", "TC-1")
	seedTrial(t, r, "t-2", "TC-2")

	byCard, err := r.GetTrialByCardNo(ctx, "TC-2")
	if err != nil || byCard.ID != "t-2" {
		t.Fatalf("by card: %+v err=%v", byCard, err)
	}
	if _, err := r.GetTrial(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateTrialRouting(ctx, tx, "t-1", "METHODS", domain.TrialInProgress, ts)
	})
	items, err := r.ListTrials(ctx, repo.TrialFilters{DepartmentID: "METHODS"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "t-1" {
		t.Fatalf("filtered list: %+v", items)
	}

	inTx(t, r, func(tx *sql.Tx) error {
		return r.CloseTrial(ctx, tx, "t-1", ts)
	})
	closedList, err := r.ListTrials(ctx, repo.TrialFilters{Status: domain.TrialClosed})
	if err != nil {
		t.Fatal(err)
	}
	if len(closedList) != 1 || closedList[0].ClosedAt == nil {
		t.Fatalf("closed list: %+v", closedList)
	}
}

func TestFindActiveAccountDeterminism(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, a := range []domain.Account{
		{Username: "ped.b", DepartmentID: "PED", Role: domain.RoleUser, Active: true, CreatedAt: ts},
		{Username: "ped.a", DepartmentID: "PED", Role: domain.RoleUser, Active: true, CreatedAt: ts},
		{Username: "ped.z", DepartmentID: "PED", Role: domain.RoleUser, Active: false, CreatedAt: ts},
		{Username: "mach.npd", DepartmentID: "MACHINING", Role: domain.RoleUser, Subtype: "NPD", Active: true, CreatedAt: ts},
	} {
		if err := r.InsertAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	acct, err := r.FindActiveAccount(ctx, "PED", domain.RoleUser, "")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Username != "ped.a" {
		t.Fatalf("resolved %s, want lowest active username ped.a", acct.Username)
	}

	if _, err := r.FindActiveAccount(ctx, "MACHINING", domain.RoleUser, "REGULAR"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for missing subtype cohort", err)
	}
	if _, err := r.FindActiveAccount(ctx, "PED", domain.RoleHOD, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for missing HOD", err)
	}
}
