package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/internal/domain"
)

func TestCreateAndGetWorkspace(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	w, err := CreateWorkspace(ctx, db, "  acme  ", 50)
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if w.ID == "" || w.Name != "acme" || w.CreditCount != 50 || w.AllocatedCredits != 0 {
		t.Fatalf("unexpected workspace: %+v", w)
	}
	got, err := GetWorkspace(ctx, db, w.ID)
	if err != nil || got.CreditCount != 50 {
		t.Fatalf("GetWorkspace: got=%+v err=%v", got, err)
	}
	if _, err := GetWorkspace(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetWorkspaceForUpdate_InsideTransaction(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	w, _ := CreateWorkspace(ctx, db, "acme", 5)

	err := db.Transaction(func(tx *gorm.DB) error {
		got, err := GetWorkspaceForUpdate(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		if got.ID != w.ID {
			t.Fatalf("wrong workspace %q", got.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestGuardedUpdates_EnforceInvariant(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	w, _ := CreateWorkspace(ctx, db, "acme", 10)

	if err := ReserveCredits(ctx, db, w.ID, 8); err != nil {
		t.Fatalf("ReserveCredits: %v", err)
	}
	// only 2 available now
	if err := ReserveCredits(ctx, db, w.ID, 3); !errors.Is(err, ErrBalanceConflict) {
		t.Fatalf("expected ErrBalanceConflict, got %v", err)
	}
	if err := SettleCredits(ctx, db, w.ID, 9); !errors.Is(err, ErrBalanceConflict) {
		t.Fatalf("settle above allocated should conflict, got %v", err)
	}
	if err := SettleCredits(ctx, db, w.ID, 5); err != nil {
		t.Fatalf("SettleCredits: %v", err)
	}
	if err := ReleaseReservedCredits(ctx, db, w.ID, 4); !errors.Is(err, ErrBalanceConflict) {
		t.Fatalf("release above allocated should conflict, got %v", err)
	}
	if err := ReleaseReservedCredits(ctx, db, w.ID, 3); err != nil {
		t.Fatalf("ReleaseReservedCredits: %v", err)
	}
	if err := AddCredits(ctx, db, w.ID, 7); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if err := AddCredits(ctx, db, "missing", 1); !errors.Is(err, ErrBalanceConflict) {
		t.Fatalf("AddCredits on missing row should conflict, got %v", err)
	}

	got, _ := GetWorkspace(ctx, db, w.ID)
	if got.CreditCount != 12 || got.AllocatedCredits != 0 {
		t.Fatalf("unexpected balance total=%d allocated=%d", got.CreditCount, got.AllocatedCredits)
	}
}

func TestMarkWorkspaceTrialed_OneWay(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	w, _ := CreateWorkspace(ctx, db, "acme", 0)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	changed, err := MarkWorkspaceTrialed(ctx, db, w.ID, at)
	if err != nil || !changed {
		t.Fatalf("first mark: changed=%v err=%v", changed, err)
	}
	changed, err = MarkWorkspaceTrialed(ctx, db, w.ID, at.Add(time.Hour))
	if err != nil || changed {
		t.Fatalf("second mark should be a no-op: changed=%v err=%v", changed, err)
	}
	got, _ := GetWorkspace(ctx, db, w.ID)
	if !got.IsTrialed || got.TrialUsedAt == nil || !got.TrialUsedAt.Equal(at) {
		t.Fatalf("unexpected trial marker: %+v", got)
	}
}

func TestStripeCustomerLinkage(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	w, _ := CreateWorkspace(ctx, db, "acme", 0)

	if _, err := FindWorkspaceByStripeCustomer(ctx, db, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty customer id should be ErrNotFound, got %v", err)
	}
	if err := SetWorkspaceStripeCustomer(ctx, db, w.ID, "cus_123"); err != nil {
		t.Fatalf("SetWorkspaceStripeCustomer: %v", err)
	}
	got, err := FindWorkspaceByStripeCustomer(ctx, db, "cus_123")
	if err != nil || got.ID != w.ID {
		t.Fatalf("FindWorkspaceByStripeCustomer: got=%v err=%v", got, err)
	}
	if err := SetWorkspacePlan(ctx, db, "missing", "pro"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreditTransactions_AppendListStats(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	w, _ := CreateWorkspace(ctx, db, "acme", 10)

	count, latest, err := CreditTransactionsStats(ctx, db, w.ID)
	if err != nil || count != 0 || latest != nil {
		t.Fatalf("empty stats: count=%d latest=%v err=%v", count, latest, err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		tx := &domain.CreditTransaction{
			WorkspaceID: w.ID, Amount: int64(i + 1), Type: domain.TxAllocation,
			BalanceBefore: 10, BalanceAfter: 10, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := AppendCreditTransaction(ctx, db, tx); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if tx.ID == "" {
			t.Fatalf("expected ID to be assigned")
		}
	}

	page, err := ListCreditTransactionsPage(ctx, db, w.ID, 0, 2)
	if err != nil || len(page) != 2 || page[0].Amount != 3 || page[1].Amount != 2 {
		t.Fatalf("unexpected page: %+v err=%v", page, err)
	}
	total, err := CountCreditTransactions(ctx, db, w.ID)
	if err != nil || total != 3 {
		t.Fatalf("CountCreditTransactions = %d, %v", total, err)
	}
	got, err := GetCreditTransaction(ctx, db, w.ID, page[0].ID)
	if err != nil || got.Amount != 3 {
		t.Fatalf("GetCreditTransaction: %+v %v", got, err)
	}

	count, latest, err = CreditTransactionsStats(ctx, db, w.ID)
	if err != nil || count != 3 || latest == nil || !latest.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("stats: count=%d latest=%v err=%v", count, latest, err)
	}
}

func TestGenerations_CreateGet(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	w, _ := CreateWorkspace(ctx, db, "acme", 10)

	g := &domain.Generation{
		WorkspaceID: w.ID, UserID: "u1", Provider: "openai", Prompt: "hi",
		Status: domain.GenerationSucceeded, EstimatedCredits: 2, ChargedCredits: 1,
	}
	if err := CreateGeneration(ctx, db, g); err != nil {
		t.Fatalf("CreateGeneration: %v", err)
	}
	got, err := GetGeneration(ctx, db, w.ID, g.ID)
	if err != nil || got.ChargedCredits != 1 {
		t.Fatalf("GetGeneration: %+v %v", got, err)
	}
	if _, err := GetGeneration(ctx, db, "other", g.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("generation must be scoped to workspace, got %v", err)
	}
}
