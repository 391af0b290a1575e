// Package domain defines the persistence models for workspaces, the credit
// ledger, AI generations, and billing state mirrored from the payment
// provider. These types are mapped with GORM and form the core data layer of
// the credit backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Workspace is the billing and metering unit. It owns a credit balance that
// is split into a reserved portion (AllocatedCredits) and the remainder that
// can still be reserved.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Name: human-readable workspace name.
//   - PlanID: current plan, empty when on no plan.
//   - CreditCount: total credits currently owned (>= 0).
//   - AllocatedCredits: credits reserved but not yet consumed (<= CreditCount).
//   - IsTrialed / TrialUsedAt: one-way marker; once set it is never cleared.
//   - StripeCustomerID: payment provider customer, used to link webhooks.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker.
type Workspace struct {
	ID               string         `json:"id"                 gorm:"type:char(36);primaryKey"`
	Name             string         `json:"name"               gorm:"type:varchar(255);not null;default:''"`
	PlanID           string         `json:"plan_id,omitempty"  gorm:"type:varchar(64);index"`
	CreditCount      int64          `json:"credit_count"       gorm:"not null;default:0;check:credit_count >= 0"`
	AllocatedCredits int64          `json:"allocated_credits"  gorm:"not null;default:0;check:allocated_credits >= 0"`
	IsTrialed        bool           `json:"is_trialed"         gorm:"not null;default:false"`
	TrialUsedAt      *time.Time     `json:"trial_used_at,omitempty"`
	StripeCustomerID string         `json:"stripe_customer_id,omitempty" gorm:"type:varchar(255);index"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `json:"-"                  gorm:"index"`
}

// TableName returns the database table name for Workspace.
func (Workspace) TableName() string { return "workspaces" }

// Available returns the credits that can still be reserved.
func (w Workspace) Available() int64 {
	if a := w.CreditCount - w.AllocatedCredits; a > 0 {
		return a
	}
	return 0
}

// TransactionType enumerates ledger audit entry kinds.
type TransactionType string

const (
	TxAllocation             TransactionType = "allocation"
	TxConsumption            TransactionType = "consumption"
	TxRelease                TransactionType = "release"
	TxRefund                 TransactionType = "refund"
	TxSubscriptionAllocation TransactionType = "subscription_allocation"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxAllocation, TxConsumption, TxRelease, TxRefund, TxSubscriptionAllocation:
		return true
	}
	return false
}

// CreditTransaction is an append-only audit row written by every ledger
// mutation. BalanceBefore and BalanceAfter always describe CreditCount.
//
// Fields:
//   - Amount: signed delta relative to the operation (negative for consumption).
//   - ReferenceID / ReferenceType: optional link to the causing entity
//     (e.g. a generation or invoice).
type CreditTransaction struct {
	ID            string          `json:"id"             gorm:"type:char(36);primaryKey"`
	WorkspaceID   string          `json:"workspace_id"   gorm:"type:char(36);not null;index:idx_ws_tx,priority:1"`
	Amount        int64           `json:"amount"         gorm:"not null"`
	Type          TransactionType `json:"type"           gorm:"type:varchar(32);not null;check:type IN ('allocation','consumption','release','refund','subscription_allocation')"`
	BalanceBefore int64           `json:"balance_before" gorm:"not null"`
	BalanceAfter  int64           `json:"balance_after"  gorm:"not null"`
	ReferenceID   string          `json:"reference_id,omitempty"   gorm:"type:varchar(255);index"`
	ReferenceType string          `json:"reference_type,omitempty" gorm:"type:varchar(64)"`
	CreatedAt     time.Time       `json:"created_at"     gorm:"index:idx_ws_tx,priority:2"`

	Workspace Workspace `json:"-" gorm:"foreignKey:WorkspaceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for CreditTransaction.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// GenerationStatus is the terminal state of a metered AI request.
type GenerationStatus string

const (
	GenerationSucceeded GenerationStatus = "succeeded"
	GenerationFailed    GenerationStatus = "failed"
)

// Generation records one metered AI request and its settlement. It is the
// resource replayed for a repeated Idempotency-Key.
type Generation struct {
	ID               string           `json:"id"                gorm:"type:char(36);primaryKey"`
	WorkspaceID      string           `json:"workspace_id"      gorm:"type:char(36);not null;index:idx_ws_gen,priority:1"`
	UserID           string           `json:"user_id"           gorm:"type:varchar(64);not null"`
	Provider         string           `json:"provider"          gorm:"type:varchar(32);not null"`
	Model            string           `json:"model"             gorm:"type:varchar(128)"`
	Prompt           string           `json:"-"                 gorm:"type:text;not null"`
	Output           string           `json:"output"            gorm:"type:text"`
	Status           GenerationStatus `json:"status"            gorm:"type:varchar(16);not null"`
	EstimatedCredits int64            `json:"estimated_credits" gorm:"not null"`
	ChargedCredits   int64            `json:"charged_credits"   gorm:"not null"`
	TotalTokens      int              `json:"total_tokens"`
	ErrorKind        string           `json:"error_kind,omitempty" gorm:"type:varchar(32)"`
	CreatedAt        time.Time        `json:"created_at"        gorm:"index:idx_ws_gen,priority:2"`

	Workspace Workspace `json:"-" gorm:"foreignKey:WorkspaceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Generation.
func (Generation) TableName() string { return "generations" }
