// Billing HTTP handlers.
//
// This file exposes REST endpoints for plans, trials and plan-change proration:
//   - GET    /workspaces/{id}/trial       (trial eligibility)
//   - POST   /workspaces/{id}/trial       (consume the trial, idempotent)
//   - POST   /billing/proration           (quote a mid-period plan change)
//   - GET    /billing/plans               (list plans)
//   - PUT    /billing/plans/{planID}      (create or update a plan)
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/services"
)

//
// DTOs
//

// TrialResponse reports a workspace's trial status.
type TrialResponse struct {
	WorkspaceID string `json:"workspace_id"`
	Eligible    bool   `json:"eligible"`
	// Consumed is true only on the request that used up the trial.
	Consumed bool `json:"consumed,omitempty"`
}

// ProrationRequest is the JSON payload for a proration quote. When the
// period is omitted it is taken from the workspace's latest subscription,
// or defaults to the next 30 days.
type ProrationRequest struct {
	WorkspaceID   string     `json:"workspace_id,omitempty" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	CurrentPlanID string     `json:"current_plan_id" binding:"required" example:"basic"`
	NewPlanID     string     `json:"new_plan_id"     binding:"required" example:"pro"`
	PeriodStart   *time.Time `json:"period_start,omitempty" example:"2025-01-01T00:00:00Z"`
	PeriodEnd     *time.Time `json:"period_end,omitempty"   example:"2025-01-31T00:00:00Z"`
}

// UpsertPlanRequest is the JSON payload for PUT /billing/plans/{planID}.
type UpsertPlanRequest struct {
	Name           string `json:"name"            binding:"required,max=255" example:"Pro"`
	PriceCents     int64  `json:"price_cents"     binding:"min=0" example:"2000"`
	Currency       string `json:"currency,omitempty"  binding:"omitempty,len=3" example:"usd"`
	Interval       string `json:"interval,omitempty"  binding:"omitempty,oneof=month year" example:"month"`
	MonthlyCredits int64  `json:"monthly_credits" binding:"min=0" example:"500"`
	StripePriceID  string `json:"stripe_price_id,omitempty" example:"price_1Pxyz"`
}

// ListPlansResponse wraps all plans.
type ListPlansResponse struct {
	Plans []domain.Plan `json:"plans"`
}

//
// Handlers
//

// GetTrial godoc
// @ID          getTrial
// @Summary     Trial eligibility
// @Description A workspace is eligible until its trial has been used once; the marker is never cleared.
// @Tags        Billing
// @Produce     json
//
// @Param       id  path  string  true  "Workspace ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.TrialResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Workspace not found"
// @Router      /workspaces/{id}/trial [get]
func (h *Handlers) GetTrial(c *gin.Context) {
	ws, valid := workspaceParam(c)
	if !valid {
		return
	}
	eligible, err := h.billing.IsTrialEligible(c.Request.Context(), ws)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, TrialResponse{WorkspaceID: ws, Eligible: eligible})
}

// UseTrial godoc
// @ID          useTrial
// @Summary     Consume the trial
// @Description Marks the workspace's trial as used. Repeating the call is a no-op that reports consumed=false.
// @Tags        Billing
// @Produce     json
//
// @Param       id  path  string  true  "Workspace ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.TrialResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Workspace not found"
// @Router      /workspaces/{id}/trial [post]
func (h *Handlers) UseTrial(c *gin.Context) {
	ws, valid := workspaceParam(c)
	if !valid {
		return
	}
	consumed, err := h.billing.MarkTrialAsUsed(c.Request.Context(), ws)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, TrialResponse{WorkspaceID: ws, Eligible: false, Consumed: consumed})
}

// CalculateProration godoc
// @ID          calculateProration
// @Summary     Quote a plan change
// @Description Computes the immediate charge (upgrade) or credit (downgrade) for switching plans mid-period, in integer minor units with one half-up rounding.
// @Tags        Billing
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.ProrationRequest  true  "Plans and optional period"
//
// @Success     200  {object}  services.Proration
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request or invalid period"
// @Failure     404  {object}  handlers.ErrorResponse  "Plan not found"
// @Failure     422  {object}  handlers.ErrorResponse  "Plans are not comparable"
// @Router      /billing/proration [post]
func (h *Handlers) CalculateProration(c *gin.Context) {
	var req ProrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "current_plan_id and new_plan_id required")
		return
	}
	if (req.PeriodStart == nil) != (req.PeriodEnd == nil) {
		fail(c, http.StatusBadRequest, ErrCodeInvalidPeriod, "period_start and period_end must be given together")
		return
	}

	in := services.ProrationRequest{
		WorkspaceID:   strings.TrimSpace(req.WorkspaceID),
		CurrentPlanID: strings.TrimSpace(req.CurrentPlanID),
		NewPlanID:     strings.TrimSpace(req.NewPlanID),
	}
	if req.PeriodStart != nil {
		in.PeriodStart, in.PeriodEnd = req.PeriodStart.UTC(), req.PeriodEnd.UTC()
	}

	p, err := h.billing.Prorate(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// ListPlans godoc
// @ID          listPlans
// @Summary     List plans
// @Tags        Billing
// @Produce     json
//
// @Success     200  {object}  handlers.ListPlansResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /billing/plans [get]
func (h *Handlers) ListPlans(c *gin.Context) {
	plans, err := h.billing.ListPlans(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if plans == nil {
		plans = []domain.Plan{}
	}
	ok(c, http.StatusOK, ListPlansResponse{Plans: plans})
}

// UpsertPlan godoc
// @ID          upsertPlan
// @Summary     Create or update a plan
// @Tags        Billing
// @Accept      json
// @Produce     json
//
// @Param       planID  path  string  true  "Plan ID"  example(pro)
// @Param       body    body  handlers.UpsertPlanRequest  true  "Plan definition"
//
// @Success     200  {object}  domain.Plan
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /billing/plans/{planID} [put]
func (h *Handlers) UpsertPlan(c *gin.Context) {
	id := strings.TrimSpace(c.Param("planID"))
	if id == "" || len(id) > 64 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "plan id must be 1-64 chars")
		return
	}
	var req UpsertPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid plan: "+err.Error())
		return
	}

	p := &domain.Plan{
		ID:             id,
		Name:           strings.TrimSpace(req.Name),
		PriceCents:     req.PriceCents,
		Currency:       strings.ToLower(req.Currency),
		Interval:       domain.PlanInterval(req.Interval),
		MonthlyCredits: req.MonthlyCredits,
		StripePriceID:  strings.TrimSpace(req.StripePriceID),
	}
	if err := h.billing.UpsertPlan(c.Request.Context(), p); err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}
