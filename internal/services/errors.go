// Package services implements the credit ledger, billing rules, payment
// webhook synchronization, and metered AI generation on top of the repo
// layer. This file centralizes service-level error values so that they can
// be returned consistently and checked by callers with errors.Is/errors.As.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Ledger errors.
var (
	// ErrInvalidAmount is returned before any mutation when a credit amount
	// is not a positive integer.
	ErrInvalidAmount = errors.New("amount must be a positive integer")

	// ErrWorkspaceNotFound indicates that the workspace row does not exist.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrInsufficientCredits matches any *InsufficientCreditsError.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrExceedsAllocated is returned by consume and release when amount is
	// larger than the workspace's outstanding reservation.
	ErrExceedsAllocated = errors.New("cannot consume more than allocated")

	// ErrTransactionNotFound indicates an unknown audit row.
	ErrTransactionNotFound = errors.New("credit transaction not found")
)

// InsufficientCreditsError reports an allocation the available balance
// could not cover.
type InsufficientCreditsError struct {
	WorkspaceID string
	Requested   int64
	Available   int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %d, available %d", e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientCredits) match.
func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

// Billing errors.
var (
	// ErrInvalidPeriod is returned when a billing period ends before it starts.
	ErrInvalidPeriod = errors.New("invalid billing period")

	// ErrPlanNotFound indicates an unknown plan ID.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrCurrencyMismatch is returned when prorating between plans billed in
	// different currencies.
	ErrCurrencyMismatch = errors.New("plans use different currencies")
)

// Webhook errors.
var (
	// ErrInvalidSignature is returned when a webhook payload fails
	// verification or cannot be parsed as an event.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrWebhookNotConfigured is returned when no signing secret is set.
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")
)

// Generation errors.
var (
	// ErrEmptyPrompt is returned when a generation request has no prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrTooLong is returned when a prompt exceeds the configured limit.
	ErrTooLong = errors.New("prompt too long")

	// ErrGenerationNotFound indicates an unknown generation ID.
	ErrGenerationNotFound = errors.New("generation not found")
)
