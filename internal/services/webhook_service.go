// Package services – WebhookService
//
// This file applies payment provider webhooks to local billing state. Each
// delivery is verified against the signing secret, deduplicated by event ID,
// and applied in one database transaction together with the dedup record,
// so a redelivered event is acknowledged without being applied twice.
//
// Handled events:
//   - customer.subscription.created|updated|deleted: upsert Subscription,
//     track the workspace plan, and consume the trial when trialing.
//   - invoice.paid: upsert Invoice and grant the plan's monthly credits once.
//   - invoice.payment_failed|finalized|voided|marked_uncollectible: upsert
//     Invoice status.
//
// Objects are linked to a workspace via metadata.workspace_id, falling back
// to the workspace that owns the customer ID.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WebhookResult describes what a delivery did.
type WebhookResult struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Duplicate bool   `json:"duplicate"`
	Handled   bool   `json:"handled"`
}

// WebhookService verifies and applies payment provider events.
type WebhookService struct {
	DB     *gorm.DB
	Log    zerolog.Logger
	Secret string
	// Tolerance bounds signature timestamp age; zero uses the SDK default.
	Tolerance time.Duration
	Now       func() time.Time
}

// NewWebhookService constructs a WebhookService.
func NewWebhookService(db *gorm.DB, secret string, log zerolog.Logger) *WebhookService {
	return &WebhookService{DB: db, Secret: secret, Log: log, Now: time.Now}
}

func (s *WebhookService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// HandleStripe verifies payload against the Stripe-Signature header and
// applies the event.
func (s *WebhookService) HandleStripe(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if s.Secret == "" {
		return nil, ErrWebhookNotConfigured
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.Secret, webhook.ConstructEventOptions{
		Tolerance:                s.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	tr := otel.Tracer("services/WebhookService")
	ctx, span := tr.Start(ctx, "HandleStripe", trace.WithAttributes(
		attribute.String("stripe.event_id", ev.ID),
		attribute.String("stripe.event_type", string(ev.Type)),
	))
	defer span.End()

	res := &WebhookResult{EventID: ev.ID, Type: string(ev.Type)}
	log := s.Log.With().Str("event_id", ev.ID).Str("event_type", string(ev.Type)).Logger()

	seen, err := repo.WebhookEventSeen(ctx, s.DB, ev.ID)
	if err != nil {
		return nil, err
	}
	if seen {
		res.Duplicate = true
		log.Debug().Msg("webhook already processed")
		return res, nil
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		handled, err := s.apply(ctx, tx, ev, log)
		if err != nil {
			return err
		}
		res.Handled = handled
		return repo.RecordWebhookEvent(ctx, tx, ev.ID, string(ev.Type), s.now())
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// A concurrent delivery of the same event won the race.
		return &WebhookResult{EventID: ev.ID, Type: string(ev.Type), Duplicate: true}, nil
	}
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("webhook processing failed")
		return nil, err
	}
	log.Info().Bool("handled", res.Handled).Msg("webhook processed")
	return res, nil
}

func (s *WebhookService) apply(ctx context.Context, tx *gorm.DB, ev stripe.Event, log zerolog.Logger) (bool, error) {
	if ev.Data == nil {
		return false, nil
	}
	switch ev.Type {
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return false, fmt.Errorf("decode subscription: %w", err)
		}
		return s.applySubscription(ctx, tx, ev.Type, &sub, log)

	case stripe.EventTypeInvoicePaid,
		stripe.EventTypeInvoicePaymentFailed,
		stripe.EventTypeInvoiceFinalized,
		stripe.EventTypeInvoiceVoided,
		stripe.EventTypeInvoiceMarkedUncollectible:
		var inv stripeInvoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return false, fmt.Errorf("decode invoice: %w", err)
		}
		return s.applyInvoice(ctx, tx, ev.Type, &inv, log)
	}
	log.Debug().Msg("webhook event ignored")
	return false, nil
}

// stripeSubscription is the subset of the subscription object used here.
// Period bounds live on the object in older API versions and on the items
// in newer ones.
type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           json.RawMessage   `json:"customer"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialEnd           int64             `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// stripeInvoice is the subset of the invoice object used here.
type stripeInvoice struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Customer     json.RawMessage   `json:"customer"`
	Subscription json.RawMessage   `json:"subscription"`
	AmountDue    int64             `json:"amount_due"`
	AmountPaid   int64             `json:"amount_paid"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// expandableID reads an expandable field that is either "id" or {"id": ...}.
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}

func unixOrZero(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// resolveWorkspace links a provider object to a workspace. It returns nil
// without error when no workspace matches.
func resolveWorkspace(ctx context.Context, tx *gorm.DB, metadata map[string]string, customerID string) (*domain.Workspace, error) {
	if id := metadata["workspace_id"]; id != "" {
		w, err := repo.GetWorkspace(ctx, tx, id)
		if err == nil {
			if w.StripeCustomerID == "" && customerID != "" {
				if err := repo.SetWorkspaceStripeCustomer(ctx, tx, w.ID, customerID); err != nil {
					return nil, err
				}
				w.StripeCustomerID = customerID
			}
			return w, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	w, err := repo.FindWorkspaceByStripeCustomer(ctx, tx, customerID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return w, err
}

func (s *WebhookService) applySubscription(ctx context.Context, tx *gorm.DB, typ stripe.EventType, in *stripeSubscription, log zerolog.Logger) (bool, error) {
	customerID := expandableID(in.Customer)
	ws, err := resolveWorkspace(ctx, tx, in.Metadata, customerID)
	if err != nil {
		return false, err
	}
	if ws == nil {
		log.Warn().Str("customer_id", customerID).Str("subscription_id", in.ID).Msg("no workspace for subscription")
		return false, nil
	}

	status := MapSubscriptionStatus(in.Status)
	if typ == stripe.EventTypeCustomerSubscriptionDeleted {
		status = domain.SubscriptionCanceled
	}

	start, end := in.CurrentPeriodStart, in.CurrentPeriodEnd
	planID := in.Metadata["plan_id"]
	if len(in.Items.Data) > 0 {
		item := in.Items.Data[0]
		if start == 0 {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
		if p, err := repo.GetPlanByStripePrice(ctx, tx, item.Price.ID); err == nil {
			planID = p.ID
		} else if !errors.Is(err, repo.ErrNotFound) {
			return false, err
		}
	}

	sub := &domain.Subscription{
		WorkspaceID:          ws.ID,
		PlanID:               planID,
		StripeSubscriptionID: in.ID,
		Status:               status,
		CurrentPeriodStart:   unixOrZero(start),
		CurrentPeriodEnd:     unixOrZero(end),
		CancelAtPeriodEnd:    in.CancelAtPeriodEnd,
	}
	if t := unixOrZero(in.TrialEnd); !t.IsZero() {
		sub.TrialEnd = &t
	}
	if _, err := repo.UpsertSubscription(ctx, tx, sub); err != nil {
		return false, err
	}

	switch status {
	case domain.SubscriptionActive, domain.SubscriptionTrialing:
		if planID != "" && planID != ws.PlanID {
			if err := repo.SetWorkspacePlan(ctx, tx, ws.ID, planID); err != nil {
				return false, err
			}
		}
	case domain.SubscriptionCanceled, domain.SubscriptionIncompleteExpired:
		if ws.PlanID != "" && (planID == "" || planID == ws.PlanID) {
			if err := repo.SetWorkspacePlan(ctx, tx, ws.ID, ""); err != nil {
				return false, err
			}
		}
	}
	if status == domain.SubscriptionTrialing || sub.TrialEnd != nil {
		if _, err := repo.MarkWorkspaceTrialed(ctx, tx, ws.ID, s.now()); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *WebhookService) applyInvoice(ctx context.Context, tx *gorm.DB, typ stripe.EventType, in *stripeInvoice, log zerolog.Logger) (bool, error) {
	customerID := expandableID(in.Customer)
	meta := in.Metadata
	if meta["workspace_id"] == "" && in.Parent.SubscriptionDetails.Metadata != nil {
		meta = in.Parent.SubscriptionDetails.Metadata
	}
	ws, err := resolveWorkspace(ctx, tx, meta, customerID)
	if err != nil {
		return false, err
	}
	if ws == nil {
		log.Warn().Str("customer_id", customerID).Str("invoice_id", in.ID).Msg("no workspace for invoice")
		return false, nil
	}

	subID := expandableID(in.Subscription)
	if subID == "" {
		subID = expandableID(in.Parent.SubscriptionDetails.Subscription)
	}
	status := MapInvoiceStatus(in.Status)
	if typ == stripe.EventTypeInvoicePaid {
		status = domain.InvoicePaid
	}
	stored, err := repo.UpsertInvoice(ctx, tx, &domain.Invoice{
		WorkspaceID:     ws.ID,
		SubscriptionID:  subID,
		StripeInvoiceID: in.ID,
		Status:          status,
		AmountDueCents:  in.AmountDue,
		AmountPaidCents: in.AmountPaid,
		Currency:        currencyOrDefault(in.Currency),
	})
	if err != nil {
		return false, err
	}
	if status != domain.InvoicePaid {
		return true, nil
	}

	planID := meta["plan_id"]
	if subID != "" {
		if sub, err := repo.GetSubscriptionByStripeID(ctx, tx, subID); err == nil && sub.PlanID != "" {
			planID = sub.PlanID
		} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return false, err
		}
	}
	if planID == "" {
		planID = ws.PlanID
	}
	if planID == "" {
		log.Warn().Str("invoice_id", in.ID).Msg("paid invoice without plan; no credits granted")
		return true, nil
	}
	plan, err := repo.GetPlan(ctx, tx, planID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn().Str("invoice_id", in.ID).Str("plan_id", planID).Msg("paid invoice for unknown plan")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if plan.MonthlyCredits <= 0 {
		return true, nil
	}

	claimed, err := repo.ClaimInvoiceCredits(ctx, tx, stored.ID)
	if err != nil || !claimed {
		return true, err
	}
	credits := &CreditService{DB: tx, Log: s.Log}
	if _, err := credits.GrantCredits(ctx, ws.ID, plan.MonthlyCredits, WithReference(in.ID, "invoice")); err != nil {
		return false, err
	}
	log.Info().Str("workspace_id", ws.ID).Int64("credits", plan.MonthlyCredits).Msg("subscription credits granted")
	return true, nil
}

func currencyOrDefault(c string) string {
	if c == "" {
		return "usd"
	}
	return c
}
