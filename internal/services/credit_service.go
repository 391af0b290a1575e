// Package services – CreditService
//
// This file implements the workspace credit ledger. A workspace owns a total
// (credit_count) and an outstanding reservation (allocated_credits); the
// available balance is their difference. Costs are reserved before work is
// done and settled afterwards:
//
//	alloc, _ := svc.AllocateCredits(ctx, ws, estimate)
//	// ... perform the work ...
//	svc.ConsumeCredits(ctx, ws, actual)
//	svc.ReleaseCredits(ctx, ws, estimate-actual)
//
// Every mutation runs in one database transaction that locks the workspace
// row (where supported), applies a guarded update, and appends exactly one
// CreditTransaction audit row. A failed operation leaves the ledger as it
// was. 0 <= allocated_credits <= credit_count holds after every operation.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/repo"
	"github.com/tbourn/go-credit-backend/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var creditOps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_operations_total",
		Help: "Ledger operations by type and outcome.",
	},
	[]string{"type", "outcome"},
)

func init() {
	prometheus.MustRegister(creditOps)
}

// AllocationResult identifies a reservation. AllocationID is the ID of the
// allocation audit row.
type AllocationResult struct {
	AllocationID     string `json:"allocation_id"`
	RemainingCredits int64  `json:"remaining_credits"`
}

// CreditBalance is a point-in-time view of a workspace's credits.
type CreditBalance struct {
	Total     int64 `json:"total"`
	Allocated int64 `json:"allocated"`
	Available int64 `json:"available"`
}

// CreditOption annotates the audit row written by a mutation.
type CreditOption func(*domain.CreditTransaction)

// WithReference links the audit row to the entity that caused it, e.g. a
// generation or an invoice.
func WithReference(id, typ string) CreditOption {
	return func(t *domain.CreditTransaction) {
		t.ReferenceID = id
		t.ReferenceType = typ
	}
}

// CreditService is the credit ledger.
type CreditService struct {
	DB  *gorm.DB
	Log zerolog.Logger
}

// NewCreditService constructs a CreditService.
func NewCreditService(db *gorm.DB, log zerolog.Logger) *CreditService {
	return &CreditService{DB: db, Log: log}
}

func validAmount(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (s *CreditService) span(ctx context.Context, name, workspaceID string, amount int64) (context.Context, trace.Span) {
	tr := otel.Tracer("services/CreditService")
	return tr.Start(ctx, name, trace.WithAttributes(
		attribute.String("workspace.id", workspaceID),
		attribute.Int64("credits.amount", amount),
	))
}

// finish records metrics, span status and a log line for a finished operation.
func (s *CreditService) finish(span trace.Span, typ domain.TransactionType, workspaceID string, amount int64, err error) {
	defer span.End()
	if err == nil {
		creditOps.WithLabelValues(string(typ), "success").Inc()
		return
	}
	outcome := "error"
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		outcome = "insufficient"
	case errors.Is(err, ErrExceedsAllocated):
		outcome = "exceeds_allocated"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrWorkspaceNotFound):
		outcome = "rejected"
	}
	creditOps.WithLabelValues(string(typ), outcome).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	if outcome == "error" {
		s.Log.Error().Err(err).Str("workspace_id", workspaceID).Str("type", string(typ)).Int64("amount", amount).Msg("ledger operation failed")
	}
}

func loadForUpdate(ctx context.Context, tx *gorm.DB, workspaceID string) (*domain.Workspace, error) {
	w, err := repo.GetWorkspaceForUpdate(ctx, tx, workspaceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrWorkspaceNotFound
	}
	return w, err
}

func appendAudit(ctx context.Context, tx *gorm.DB, w *domain.Workspace, typ domain.TransactionType, signed, after int64, opts []CreditOption) (*domain.CreditTransaction, error) {
	t := &domain.CreditTransaction{
		WorkspaceID:   w.ID,
		Amount:        signed,
		Type:          typ,
		BalanceBefore: w.CreditCount,
		BalanceAfter:  after,
	}
	for _, o := range opts {
		o(t)
	}
	if err := repo.AppendCreditTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ValidateCredits reports whether workspaceID can currently cover amount.
func (s *CreditService) ValidateCredits(ctx context.Context, workspaceID string, amount int64) (bool, error) {
	if err := validAmount(amount); err != nil {
		return false, err
	}
	w, err := repo.GetWorkspace(ctx, s.DB, workspaceID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, ErrWorkspaceNotFound
	}
	if err != nil {
		return false, err
	}
	return w.Available() >= amount, nil
}

// GetCreditBalance returns total, allocated and available credits.
func (s *CreditService) GetCreditBalance(ctx context.Context, workspaceID string) (*CreditBalance, error) {
	w, err := repo.GetWorkspace(ctx, s.DB, workspaceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &CreditBalance{Total: w.CreditCount, Allocated: w.AllocatedCredits, Available: w.Available()}, nil
}

// AllocateCredits reserves amount, failing with *InsufficientCreditsError
// when the available balance is lower.
func (s *CreditService) AllocateCredits(ctx context.Context, workspaceID string, amount int64, opts ...CreditOption) (res *AllocationResult, err error) {
	ctx, span := s.span(ctx, "AllocateCredits", workspaceID, amount)
	defer func() { s.finish(span, domain.TxAllocation, workspaceID, amount, err) }()

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, w, err := allocate(ctx, tx, workspaceID, amount, opts)
		if err != nil {
			return err
		}
		res = &AllocationResult{AllocationID: t.ID, RemainingCredits: w.Available() - amount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func allocate(ctx context.Context, tx *gorm.DB, workspaceID string, amount int64, opts []CreditOption) (*domain.CreditTransaction, *domain.Workspace, error) {
	w, err := loadForUpdate(ctx, tx, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	insufficient := &InsufficientCreditsError{WorkspaceID: workspaceID, Requested: amount, Available: w.Available()}
	if w.Available() < amount {
		return nil, nil, insufficient
	}
	if err := repo.ReserveCredits(ctx, tx, workspaceID, amount); err != nil {
		if errors.Is(err, repo.ErrBalanceConflict) {
			return nil, nil, insufficient
		}
		return nil, nil, err
	}
	t, err := appendAudit(ctx, tx, w, domain.TxAllocation, -amount, w.CreditCount, opts)
	if err != nil {
		return nil, nil, err
	}
	return t, w, nil
}

// ConsumeCredits settles amount of the outstanding reservation: total and
// allocated both drop by amount.
func (s *CreditService) ConsumeCredits(ctx context.Context, workspaceID string, amount int64, opts ...CreditOption) (t *domain.CreditTransaction, err error) {
	ctx, span := s.span(ctx, "ConsumeCredits", workspaceID, amount)
	defer func() { s.finish(span, domain.TxConsumption, workspaceID, amount, err) }()

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err = consume(ctx, tx, workspaceID, amount, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func consume(ctx context.Context, tx *gorm.DB, workspaceID string, amount int64, opts []CreditOption) (*domain.CreditTransaction, error) {
	w, err := loadForUpdate(ctx, tx, workspaceID)
	if err != nil {
		return nil, err
	}
	if amount > w.AllocatedCredits || amount > w.CreditCount {
		return nil, ErrExceedsAllocated
	}
	if err := repo.SettleCredits(ctx, tx, workspaceID, amount); err != nil {
		if errors.Is(err, repo.ErrBalanceConflict) {
			return nil, ErrExceedsAllocated
		}
		return nil, err
	}
	return appendAudit(ctx, tx, w, domain.TxConsumption, -amount, w.CreditCount-amount, opts)
}

// ReleaseCredits abandons amount of the outstanding reservation, leaving the
// total untouched.
func (s *CreditService) ReleaseCredits(ctx context.Context, workspaceID string, amount int64, opts ...CreditOption) (t *domain.CreditTransaction, err error) {
	ctx, span := s.span(ctx, "ReleaseCredits", workspaceID, amount)
	defer func() { s.finish(span, domain.TxRelease, workspaceID, amount, err) }()

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := loadForUpdate(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		if amount > w.AllocatedCredits {
			return ErrExceedsAllocated
		}
		if err := repo.ReleaseReservedCredits(ctx, tx, workspaceID, amount); err != nil {
			if errors.Is(err, repo.ErrBalanceConflict) {
				return ErrExceedsAllocated
			}
			return err
		}
		t, err = appendAudit(ctx, tx, w, domain.TxRelease, amount, w.CreditCount, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeductCredits allocates and immediately consumes amount in a single
// transaction. It writes an allocation row and a consumption row and returns
// the latter.
func (s *CreditService) DeductCredits(ctx context.Context, workspaceID string, amount int64, opts ...CreditOption) (t *domain.CreditTransaction, err error) {
	ctx, span := s.span(ctx, "DeductCredits", workspaceID, amount)
	defer func() { s.finish(span, domain.TxConsumption, workspaceID, amount, err) }()

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := allocate(ctx, tx, workspaceID, amount, opts); err != nil {
			return err
		}
		t, err = consume(ctx, tx, workspaceID, amount, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// RefundCredits returns amount to the total, reversing an earlier
// consumption.
func (s *CreditService) RefundCredits(ctx context.Context, workspaceID string, amount int64, opts ...CreditOption) (*domain.CreditTransaction, error) {
	return s.credit(ctx, "RefundCredits", domain.TxRefund, workspaceID, amount, opts)
}

// GrantCredits adds a subscription allocation (e.g. a paid invoice's
// monthly credits) to the total.
func (s *CreditService) GrantCredits(ctx context.Context, workspaceID string, amount int64, opts ...CreditOption) (*domain.CreditTransaction, error) {
	return s.credit(ctx, "GrantCredits", domain.TxSubscriptionAllocation, workspaceID, amount, opts)
}

func (s *CreditService) credit(ctx context.Context, name string, typ domain.TransactionType, workspaceID string, amount int64, opts []CreditOption) (t *domain.CreditTransaction, err error) {
	ctx, span := s.span(ctx, name, workspaceID, amount)
	defer func() { s.finish(span, typ, workspaceID, amount, err) }()

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := loadForUpdate(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		if err := repo.AddCredits(ctx, tx, workspaceID, amount); err != nil {
			if errors.Is(err, repo.ErrBalanceConflict) {
				return ErrWorkspaceNotFound
			}
			return err
		}
		t, err = appendAudit(ctx, tx, w, typ, amount, w.CreditCount+amount, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTransactions returns a page of audit rows, newest first, and the
// total row count. page is 1-based; pageSize defaults to 20 and is capped
// at 100.
func (s *CreditService) ListTransactions(ctx context.Context, workspaceID string, page, pageSize int) ([]domain.CreditTransaction, int64, error) {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "ListTransactions", trace.WithAttributes(
		attribute.String("workspace.id", workspaceID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	))
	defer span.End()

	page, pageSize = utils.ClampPage(page, pageSize)
	if _, err := repo.GetWorkspace(ctx, s.DB, workspaceID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrWorkspaceNotFound
		}
		return nil, 0, err
	}
	total, err := repo.CountCreditTransactions(ctx, s.DB, workspaceID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.CreditTransaction{}, 0, nil
	}
	items, err := repo.ListCreditTransactionsPage(ctx, s.DB, workspaceID, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}

// GetTransaction returns one audit row of workspaceID.
func (s *CreditService) GetTransaction(ctx context.Context, workspaceID, id string) (*domain.CreditTransaction, error) {
	t, err := repo.GetCreditTransaction(ctx, s.DB, workspaceID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// TransactionsVersion returns the row count and newest timestamp of
// workspaceID's audit trail, used for HTTP validators.
func (s *CreditService) TransactionsVersion(ctx context.Context, workspaceID string) (int64, *time.Time, error) {
	return repo.CreditTransactionsStats(ctx, s.DB, workspaceID)
}
