// Handler wiring.
//
// Handlers are transport-thin: they validate input, call application services
// through the narrow interfaces below, and translate results into HTTP
// responses. The concrete services live in internal/services.
package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/resilience"
	"github.com/tbourn/go-credit-backend/internal/services"
	"github.com/tbourn/go-credit-backend/internal/stream"
	"github.com/tbourn/go-credit-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// CreditService is the workspace credit ledger.
type CreditService interface {
	GetCreditBalance(ctx context.Context, workspaceID string) (*services.CreditBalance, error)
	AllocateCredits(ctx context.Context, workspaceID string, amount int64, opts ...services.CreditOption) (*services.AllocationResult, error)
	ConsumeCredits(ctx context.Context, workspaceID string, amount int64, opts ...services.CreditOption) (*domain.CreditTransaction, error)
	ReleaseCredits(ctx context.Context, workspaceID string, amount int64, opts ...services.CreditOption) (*domain.CreditTransaction, error)
	DeductCredits(ctx context.Context, workspaceID string, amount int64, opts ...services.CreditOption) (*domain.CreditTransaction, error)
	RefundCredits(ctx context.Context, workspaceID string, amount int64, opts ...services.CreditOption) (*domain.CreditTransaction, error)
	ListTransactions(ctx context.Context, workspaceID string, page, pageSize int) ([]domain.CreditTransaction, int64, error)
	GetTransaction(ctx context.Context, workspaceID, id string) (*domain.CreditTransaction, error)
	// TransactionsVersion returns the row count and newest timestamp used
	// to build list ETags.
	TransactionsVersion(ctx context.Context, workspaceID string) (int64, *time.Time, error)
}

// BillingService exposes plans, proration and trials.
type BillingService interface {
	Prorate(ctx context.Context, req services.ProrationRequest) (*services.Proration, error)
	ListPlans(ctx context.Context) ([]domain.Plan, error)
	UpsertPlan(ctx context.Context, p *domain.Plan) error
	IsTrialEligible(ctx context.Context, workspaceID string) (bool, error)
	MarkTrialAsUsed(ctx context.Context, workspaceID string) (bool, error)
}

// GenerationService runs metered AI generations.
type GenerationService interface {
	Generate(ctx context.Context, in services.GenerateInput) (*services.GenerationResult, error)
	Stream(ctx context.Context, in services.GenerateInput, onChunk func(stream.Chunk) error) (*services.GenerationResult, error)
	GetGeneration(ctx context.Context, workspaceID, id string) (*domain.Generation, error)
}

// WebhookService applies payment provider events.
type WebhookService interface {
	HandleStripe(ctx context.Context, payload []byte, signature string) (*services.WebhookResult, error)
}

// BreakerAdmin exposes circuit breaker state for operators.
type BreakerAdmin interface {
	AllMetrics() []resilience.ProviderMetrics
	ProviderMetrics(provider string) resilience.ProviderMetrics
	Reset(provider string)
}

// ProviderCatalog lists registered AI providers.
type ProviderCatalog interface {
	Names() []string
	Has(name string) bool
}

// Deps bundles the services handlers depend on.
type Deps struct {
	Credits    CreditService
	Billing    BillingService
	Generation GenerationService
	Webhooks   WebhookService
	Breaker    BreakerAdmin
	Providers  ProviderCatalog
}

// Handlers groups HTTP endpoints for the ledger, billing, generations,
// providers and webhooks.
type Handlers struct {
	credits    CreditService
	billing    BillingService
	generation GenerationService
	webhooks   WebhookService
	breaker    BreakerAdmin
	providers  ProviderCatalog
}

// New constructs Handlers bound to d.
func New(d Deps) *Handlers {
	return &Handlers{
		credits:    d.Credits,
		billing:    d.Billing,
		generation: d.Generation,
		webhooks:   d.Webhooks,
		breaker:    d.Breaker,
		providers:  d.Providers,
	}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware), falling back to the X-User-ID header and finally "demo-user".
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize),
	)
}
