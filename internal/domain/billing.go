package domain

import "time"

// SubscriptionStatus is the local subscription lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "ACTIVE"
	SubscriptionCanceled          SubscriptionStatus = "CANCELED"
	SubscriptionIncomplete        SubscriptionStatus = "INCOMPLETE"
	SubscriptionIncompleteExpired SubscriptionStatus = "INCOMPLETE_EXPIRED"
	SubscriptionPastDue           SubscriptionStatus = "PAST_DUE"
	SubscriptionTrialing          SubscriptionStatus = "TRIALING"
	SubscriptionUnpaid            SubscriptionStatus = "UNPAID"
)

// InvoiceStatus is the local invoice lifecycle state.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoiceOpen          InvoiceStatus = "OPEN"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceVoid          InvoiceStatus = "VOID"
	InvoiceUncollectible InvoiceStatus = "UNCOLLECTIBLE"
)

// PlanInterval is the billing cadence of a plan.
type PlanInterval string

const (
	IntervalMonth PlanInterval = "month"
	IntervalYear  PlanInterval = "year"
)

// Plan is a purchasable tier. PriceCents is the price per Interval and
// MonthlyCredits is granted on every paid invoice.
type Plan struct {
	ID             string       `json:"id"              gorm:"type:varchar(64);primaryKey"`
	Name           string       `json:"name"            gorm:"type:varchar(255);not null"`
	PriceCents     int64        `json:"price_cents"     gorm:"not null;check:price_cents >= 0"`
	Currency       string       `json:"currency"        gorm:"type:varchar(3);not null;default:'usd'"`
	Interval       PlanInterval `json:"interval"        gorm:"type:varchar(8);not null;default:'month'"`
	MonthlyCredits int64        `json:"monthly_credits" gorm:"not null;default:0"`
	StripePriceID  string       `json:"stripe_price_id,omitempty" gorm:"type:varchar(255);index"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Plan.
func (Plan) TableName() string { return "plans" }

// Subscription mirrors a payment provider subscription for a workspace.
type Subscription struct {
	ID                   string             `json:"id"                     gorm:"type:char(36);primaryKey"`
	WorkspaceID          string             `json:"workspace_id"           gorm:"type:char(36);not null;index"`
	PlanID               string             `json:"plan_id,omitempty"      gorm:"type:varchar(64)"`
	StripeSubscriptionID string             `json:"stripe_subscription_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	Status               SubscriptionStatus `json:"status"                 gorm:"type:varchar(32);not null"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"   gorm:"not null;default:false"`
	TrialEnd             *time.Time         `json:"trial_end,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`

	Workspace Workspace `json:"-" gorm:"foreignKey:WorkspaceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "subscriptions" }

// Invoice mirrors a payment provider invoice for a workspace.
type Invoice struct {
	ID              string        `json:"id"                gorm:"type:char(36);primaryKey"`
	WorkspaceID     string        `json:"workspace_id"      gorm:"type:char(36);not null;index"`
	SubscriptionID  string        `json:"subscription_id,omitempty" gorm:"type:varchar(255)"`
	StripeInvoiceID string        `json:"stripe_invoice_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	Status          InvoiceStatus `json:"status"            gorm:"type:varchar(32);not null"`
	AmountDueCents  int64         `json:"amount_due_cents"  gorm:"not null;default:0"`
	AmountPaidCents int64         `json:"amount_paid_cents" gorm:"not null;default:0"`
	Currency        string        `json:"currency"          gorm:"type:varchar(3);not null;default:'usd'"`
	CreditsGranted  bool          `json:"credits_granted"   gorm:"not null;default:false"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`

	Workspace Workspace `json:"-" gorm:"foreignKey:WorkspaceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Invoice.
func (Invoice) TableName() string { return "invoices" }

// WebhookEvent records a processed payment provider event so redeliveries
// are acknowledged without being applied twice.
type WebhookEvent struct {
	ID          string    `json:"id"           gorm:"type:varchar(255);primaryKey"`
	Type        string    `json:"type"         gorm:"type:varchar(128);not null"`
	ProcessedAt time.Time `json:"processed_at" gorm:"not null"`
}

// TableName returns the database table name for WebhookEvent.
func (WebhookEvent) TableName() string { return "webhook_events" }
