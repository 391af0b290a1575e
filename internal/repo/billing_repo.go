// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file holds plans, subscriptions, invoices, and the
// processed-webhook log mirrored from the payment provider.
//
// Upserts are keyed by the provider's identifiers so replays and
// out-of-order deliveries converge on a single local row.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-credit-backend/internal/domain"
)

// UpsertPlan inserts or updates a plan by ID.
func UpsertPlan(ctx context.Context, db *gorm.DB, p *domain.Plan) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "price_cents", "currency", "interval", "monthly_credits", "stripe_price_id", "updated_at"}),
	}).Create(p).Error
}

// GetPlan fetches a plan by ID.
func GetPlan(ctx context.Context, db *gorm.DB, id string) (*domain.Plan, error) {
	var p domain.Plan
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPlanByStripePrice resolves a plan from a payment provider price ID.
func GetPlanByStripePrice(ctx context.Context, db *gorm.DB, priceID string) (*domain.Plan, error) {
	if priceID == "" {
		return nil, ErrNotFound
	}
	var p domain.Plan
	if err := db.WithContext(ctx).Where("stripe_price_id = ?", priceID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns all plans ordered by price.
func ListPlans(ctx context.Context, db *gorm.DB) ([]domain.Plan, error) {
	var out []domain.Plan
	err := db.WithContext(ctx).Order("price_cents asc").Find(&out).Error
	return out, err
}

// UpsertSubscription inserts or updates a subscription keyed by its
// provider ID and returns the stored row.
func UpsertSubscription(ctx context.Context, db *gorm.DB, s *domain.Subscription) (*domain.Subscription, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stripe_subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"workspace_id", "plan_id", "status", "current_period_start", "current_period_end",
			"cancel_at_period_end", "trial_end", "updated_at",
		}),
	}).Create(s).Error
	if err != nil {
		return nil, err
	}
	return GetSubscriptionByStripeID(ctx, db, s.StripeSubscriptionID)
}

// GetSubscriptionByStripeID fetches a subscription by its provider ID.
func GetSubscriptionByStripeID(ctx context.Context, db *gorm.DB, stripeID string) (*domain.Subscription, error) {
	var s domain.Subscription
	if err := db.WithContext(ctx).Where("stripe_subscription_id = ?", stripeID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetLatestSubscription returns the most recently updated subscription of a
// workspace.
func GetLatestSubscription(ctx context.Context, db *gorm.DB, workspaceID string) (*domain.Subscription, error) {
	var s domain.Subscription
	err := db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("updated_at desc").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertInvoice inserts or updates an invoice keyed by its provider ID and
// returns the stored row. CreditsGranted is never overwritten here.
func UpsertInvoice(ctx context.Context, db *gorm.DB, inv *domain.Invoice) (*domain.Invoice, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stripe_invoice_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"workspace_id", "subscription_id", "status", "amount_due_cents", "amount_paid_cents", "currency", "updated_at",
		}),
	}).Omit("credits_granted").Create(inv).Error
	if err != nil {
		return nil, err
	}
	return GetInvoiceByStripeID(ctx, db, inv.StripeInvoiceID)
}

// GetInvoiceByStripeID fetches an invoice by its provider ID.
func GetInvoiceByStripeID(ctx context.Context, db *gorm.DB, stripeID string) (*domain.Invoice, error) {
	var inv domain.Invoice
	if err := db.WithContext(ctx).Where("stripe_invoice_id = ?", stripeID).First(&inv).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

// ClaimInvoiceCredits flips CreditsGranted from false to true. It reports
// false when another delivery already claimed the grant.
func ClaimInvoiceCredits(ctx context.Context, db *gorm.DB, invoiceID string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ? AND credits_granted = ?", invoiceID, false).
		Update("credits_granted", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordWebhookEvent stores a processed event ID. It returns ErrDuplicate
// when the event was already recorded.
func RecordWebhookEvent(ctx context.Context, db *gorm.DB, id, typ string, at time.Time) error {
	ev := &domain.WebhookEvent{ID: id, Type: typ, ProcessedAt: at.UTC()}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// WebhookEventSeen reports whether an event ID has been processed.
func WebhookEventSeen(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	var ev domain.WebhookEvent
	err := db.WithContext(ctx).Where("id = ?", id).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}
