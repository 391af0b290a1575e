// Package services – BillingService
//
// This file implements plan-change proration, one-time trial eligibility,
// and the mapping of payment provider statuses onto local enums.
//
// Proration works in integer minor units (cents). The unused share of the
// current period is priced at the difference between the two plans and
// rounded half-up once, so an upgrade of $10 -> $20 with 15 of 30 days left
// charges exactly 500 cents.
package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v84"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/repo"
)

// ErrIntervalMismatch is returned when prorating between plans with
// different billing cadences.
var ErrIntervalMismatch = errors.New("plans use different billing intervals")

const day = 24 * time.Hour

// Proration is the settlement of a mid-period plan change. Exactly one of
// ImmediateChargeCents and CreditAmountCents is non-zero, or both are zero
// when prices are equal or the period is over.
type Proration struct {
	ImmediateChargeCents int64  `json:"immediate_charge_cents"`
	CreditAmountCents    int64  `json:"credit_amount_cents"`
	DaysRemaining        int64  `json:"days_remaining"`
	TotalDays            int64  `json:"total_days"`
	Currency             string `json:"currency"`
	ImmediateCharge      string `json:"immediate_charge"`
	CreditAmount         string `json:"credit_amount"`
}

// ProrationRequest names the plans of a change. When PeriodStart/PeriodEnd
// are zero and WorkspaceID is set, the workspace's latest subscription
// period is used; otherwise the period defaults to 30 days ending now+30d.
type ProrationRequest struct {
	WorkspaceID   string
	CurrentPlanID string
	NewPlanID     string
	PeriodStart   time.Time
	PeriodEnd     time.Time
}

// BillingService holds billing rules that need persistence.
type BillingService struct {
	DB  *gorm.DB
	Log zerolog.Logger
	// Locale formats money amounts in responses.
	Locale language.Tag
	Now    func() time.Time
}

// NewBillingService constructs a BillingService formatting amounts in English.
func NewBillingService(db *gorm.DB, log zerolog.Logger) *BillingService {
	return &BillingService{DB: db, Log: log, Locale: language.English, Now: time.Now}
}

func (s *BillingService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CalculateProration settles a change from current to next with now inside
// [periodStart, periodEnd). Days are counted in whole days; a partially
// elapsed day counts as remaining.
func CalculateProration(current, next domain.Plan, periodStart, periodEnd, now time.Time) (*Proration, error) {
	if !periodEnd.After(periodStart) {
		return nil, ErrInvalidPeriod
	}
	if !strings.EqualFold(current.Currency, next.Currency) {
		return nil, ErrCurrencyMismatch
	}
	if current.Interval != next.Interval {
		return nil, ErrIntervalMismatch
	}

	total := int64(math.Round(float64(periodEnd.Sub(periodStart)) / float64(day)))
	if total < 1 {
		total = 1
	}
	var remaining int64
	if left := periodEnd.Sub(now); left > 0 {
		remaining = int64(left / day)
		if left%day != 0 {
			remaining++
		}
	}
	if remaining > total {
		remaining = total
	}

	diff := next.PriceCents - current.PriceCents
	amount := roundHalfUp(abs64(diff)*remaining, total)

	p := &Proration{
		DaysRemaining: remaining,
		TotalDays:     total,
		Currency:      strings.ToLower(current.Currency),
	}
	if diff > 0 {
		p.ImmediateChargeCents = amount
	} else {
		p.CreditAmountCents = amount
	}
	return p, nil
}

// roundHalfUp returns num/den rounded half away from zero for num, den >= 0.
func roundHalfUp(num, den int64) int64 {
	return (2*num + den) / (2 * den)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Prorate resolves the plans and period of req and calculates the proration
// with formatted amounts.
func (s *BillingService) Prorate(ctx context.Context, req ProrationRequest) (*Proration, error) {
	cur, err := s.plan(ctx, req.CurrentPlanID)
	if err != nil {
		return nil, err
	}
	next, err := s.plan(ctx, req.NewPlanID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	start, end := req.PeriodStart, req.PeriodEnd
	if start.IsZero() && end.IsZero() && req.WorkspaceID != "" {
		sub, err := repo.GetLatestSubscription(ctx, s.DB, req.WorkspaceID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if sub != nil {
			start, end = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		}
	}
	if start.IsZero() && end.IsZero() {
		start, end = now, now.Add(30*day)
	}

	p, err := CalculateProration(*cur, *next, start, end, now)
	if err != nil {
		return nil, err
	}
	p.ImmediateCharge = FormatMinorUnits(p.ImmediateChargeCents, p.Currency, s.Locale)
	p.CreditAmount = FormatMinorUnits(p.CreditAmountCents, p.Currency, s.Locale)
	return p, nil
}

func (s *BillingService) plan(ctx context.Context, id string) (*domain.Plan, error) {
	p, err := repo.GetPlan(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrPlanNotFound, id)
	}
	return p, err
}

// ListPlans returns all plans ordered by price.
func (s *BillingService) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	return repo.ListPlans(ctx, s.DB)
}

// UpsertPlan creates or updates a plan.
func (s *BillingService) UpsertPlan(ctx context.Context, p *domain.Plan) error {
	if p.Interval == "" {
		p.Interval = domain.IntervalMonth
	}
	if p.Currency == "" {
		p.Currency = "usd"
	}
	return repo.UpsertPlan(ctx, s.DB, p)
}

// FormatMinorUnits renders an amount given in the currency's smallest unit,
// e.g. 500 usd -> "$ 5.00" for English. Unknown currencies fall back to a
// plain "<amount> <CODE>".
func FormatMinorUnits(minor int64, code string, tag language.Tag) string {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return fmt.Sprintf("%.2f %s", float64(minor)/100, strings.ToUpper(code))
	}
	scale, _ := currency.Standard.Rounding(unit)
	amount := float64(minor) / math.Pow10(scale)
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(amount)))
}

// IsTrialEligible reports whether workspaceID may still start a trial. Once
// used, a trial is never available again.
func (s *BillingService) IsTrialEligible(ctx context.Context, workspaceID string) (bool, error) {
	w, err := repo.GetWorkspace(ctx, s.DB, workspaceID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, ErrWorkspaceNotFound
	}
	if err != nil {
		return false, err
	}
	return !w.IsTrialed, nil
}

// MarkTrialAsUsed sets the one-way trial marker. It reports whether this
// call consumed the trial; repeating it is a no-op.
func (s *BillingService) MarkTrialAsUsed(ctx context.Context, workspaceID string) (bool, error) {
	changed, err := repo.MarkWorkspaceTrialed(ctx, s.DB, workspaceID, s.now())
	if err != nil {
		return false, err
	}
	if !changed {
		if _, err := repo.GetWorkspace(ctx, s.DB, workspaceID); errors.Is(err, repo.ErrNotFound) {
			return false, ErrWorkspaceNotFound
		} else if err != nil {
			return false, err
		}
		return false, nil
	}
	s.Log.Info().Str("workspace_id", workspaceID).Msg("trial marked as used")
	return true, nil
}

// MapSubscriptionStatus converts a payment provider subscription status.
// Unknown values map to CANCELED.
func MapSubscriptionStatus(status string) domain.SubscriptionStatus {
	switch stripe.SubscriptionStatus(strings.ToLower(strings.TrimSpace(status))) {
	case stripe.SubscriptionStatusActive:
		return domain.SubscriptionActive
	case stripe.SubscriptionStatusCanceled:
		return domain.SubscriptionCanceled
	case stripe.SubscriptionStatusIncomplete:
		return domain.SubscriptionIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return domain.SubscriptionIncompleteExpired
	case stripe.SubscriptionStatusPastDue:
		return domain.SubscriptionPastDue
	case stripe.SubscriptionStatusTrialing:
		return domain.SubscriptionTrialing
	case stripe.SubscriptionStatusUnpaid:
		return domain.SubscriptionUnpaid
	}
	return domain.SubscriptionCanceled
}

// MapInvoiceStatus converts a payment provider invoice status. Unknown
// values map to DRAFT.
func MapInvoiceStatus(status string) domain.InvoiceStatus {
	switch stripe.InvoiceStatus(strings.ToLower(strings.TrimSpace(status))) {
	case stripe.InvoiceStatusDraft:
		return domain.InvoiceDraft
	case stripe.InvoiceStatusOpen:
		return domain.InvoiceOpen
	case stripe.InvoiceStatusPaid:
		return domain.InvoicePaid
	case stripe.InvoiceStatusVoid:
		return domain.InvoiceVoid
	case stripe.InvoiceStatusUncollectible:
		return domain.InvoiceUncollectible
	}
	return domain.InvoiceDraft
}
