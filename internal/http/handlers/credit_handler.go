// Credit ledger HTTP handlers.
//
// This file exposes REST endpoints for a workspace's credits:
//   - GET    /workspaces/{id}/credits                          (balance)
//   - GET    /workspaces/{id}/credits/transactions             (list, paginated, ETag support)
//   - GET    /workspaces/{id}/credits/transactions/{txID}      (single audit row)
//   - POST   /workspaces/{id}/credits/allocations              (reserve)
//   - POST   /workspaces/{id}/credits/allocations/consume      (settle a reservation)
//   - POST   /workspaces/{id}/credits/allocations/release      (return a reservation)
//   - POST   /workspaces/{id}/credits/deductions               (reserve and consume at once)
//   - POST   /workspaces/{id}/credits/refunds                  (add credits back)
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/services"
)

//
// DTOs
//

// CreditAmountRequest is the JSON payload for every ledger mutation.
type CreditAmountRequest struct {
	// Amount is a positive number of credits.
	Amount int64 `json:"amount" example:"40"`
	// ReferenceID optionally links the audit row to the causing entity.
	ReferenceID string `json:"reference_id,omitempty" example:"c2b8f8a4-6c1e-4b8e-9f0e-0f0d1b2a3c4d"`
	// ReferenceType names the kind of ReferenceID (e.g. "generation").
	ReferenceType string `json:"reference_type,omitempty" example:"generation"`
}

func (r CreditAmountRequest) options() []services.CreditOption {
	if strings.TrimSpace(r.ReferenceID) == "" {
		return nil
	}
	return []services.CreditOption{services.WithReference(strings.TrimSpace(r.ReferenceID), strings.TrimSpace(r.ReferenceType))}
}

// ListTransactionsResponse wraps a page of audit rows and pagination information.
type ListTransactionsResponse struct {
	Transactions []domain.CreditTransaction `json:"transactions"`
	Pagination   Pagination                 `json:"pagination"`
}

//
// Helpers
//

// workspaceParam reads and validates the {id} path parameter. It writes a
// 400 and returns false when the id is not a UUID.
func workspaceParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "workspace id must be a UUID")
		return "", false
	}
	return id, true
}

// bindAmount decodes a CreditAmountRequest for workspace-scoped mutations.
func bindAmount(c *gin.Context) (string, CreditAmountRequest, bool) {
	var req CreditAmountRequest
	ws, ok := workspaceParam(c)
	if !ok {
		return "", req, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		// A fractional, string or out-of-range amount is a bad amount, not bad JSON.
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field == "amount" {
			fail(c, http.StatusBadRequest, ErrCodeInvalidAmount, services.ErrInvalidAmount.Error())
			return "", req, false
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return "", req, false
	}
	return ws, req, true
}

//
// Handlers
//

// GetCreditBalance godoc
// @ID          getCreditBalance
// @Summary     Get a workspace's credit balance
// @Description Returns total, allocated and available credits.
// @Tags        Credits
// @Produce     json
//
// @Param       id  path  string  true  "Workspace ID (UUID)"  format(uuid)
//
// @Success     200  {object}  services.CreditBalance
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Workspace not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /workspaces/{id}/credits [get]
func (h *Handlers) GetCreditBalance(c *gin.Context) {
	ws, valid := workspaceParam(c)
	if !valid {
		return
	}
	bal, err := h.credits.GetCreditBalance(c.Request.Context(), ws)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, bal)
}

// ListCreditTransactions godoc
// @ID          listCreditTransactions
// @Summary     List ledger audit rows (paginated)
// @Description Returns a page of the workspace's credit transactions, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Credits
// @Produce     json
//
// @Param       id             path    string  true  "Workspace ID (UUID)"         format(uuid)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"tx:abc:3:1700000000\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListTransactionsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Workspace not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /workspaces/{id}/credits/transactions [get]
func (h *Handlers) ListCreditTransactions(c *gin.Context) {
	ws, valid := workspaceParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if count, latest, err := h.credits.TransactionsVersion(ctx, ws); err == nil {
		var ts int64
		if latest != nil {
			ts = latest.UnixNano()
		}
		etag := fmt.Sprintf(`W/"tx:%s:%d:%d:%d:%d"`, ws, count, ts, page, pageSize)
		if notModified(c, etag) {
			return
		}
	}

	items, total, err := h.credits.ListTransactions(ctx, ws, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, ListTransactionsResponse{
		Transactions: items,
		Pagination:   newPagination(page, pageSize, total),
	})
}

// GetCreditTransaction godoc
// @ID          getCreditTransaction
// @Summary     Get one ledger audit row
// @Tags        Credits
// @Produce     json
//
// @Param       id    path  string  true  "Workspace ID (UUID)"    format(uuid)
// @Param       txID  path  string  true  "Transaction ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.CreditTransaction
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Transaction not found"
// @Router      /workspaces/{id}/credits/transactions/{txID} [get]
func (h *Handlers) GetCreditTransaction(c *gin.Context) {
	ws, valid := workspaceParam(c)
	if !valid {
		return
	}
	tx, err := h.credits.GetTransaction(c.Request.Context(), ws, c.Param("txID"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, tx)
}

// AllocateCredits godoc
// @ID          allocateCredits
// @Summary     Reserve credits
// @Description Moves credits from available to allocated. Fails with 402 when the available balance cannot cover the amount.
// @Tags        Credits
// @Accept      json
// @Produce     json
//
// @Param       id               path    string  true   "Workspace ID (UUID)"  format(uuid)
// @Param       body             body    handlers.CreditAmountRequest  true  "Amount to reserve"
//
// @Success     201  {object} services.AllocationResult
// @Failure     400  {object} handlers.ErrorResponse "Invalid amount"
// @Failure     402  {object} handlers.ErrorResponse "Insufficient credits"
// @Failure     404  {object} handlers.ErrorResponse "Workspace not found"
// @Router      /workspaces/{id}/credits/allocations [post]
func (h *Handlers) AllocateCredits(c *gin.Context) {
	ws, req, valid := bindAmount(c)
	if !valid {
		return
	}
	res, err := h.credits.AllocateCredits(c.Request.Context(), ws, req.Amount, req.options()...)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusCreated, res)
}

// ConsumeCredits godoc
// @ID          consumeCredits
// @Summary     Consume reserved credits
// @Description Settles part or all of the outstanding reservation, reducing the total balance.
// @Tags        Credits
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Workspace ID (UUID)"  format(uuid)
// @Param       body  body  handlers.CreditAmountRequest  true  "Amount to consume"
//
// @Success     200  {object} domain.CreditTransaction
// @Failure     400  {object} handlers.ErrorResponse "Invalid amount"
// @Failure     404  {object} handlers.ErrorResponse "Workspace not found"
// @Failure     409  {object} handlers.ErrorResponse "Exceeds allocated credits"
// @Router      /workspaces/{id}/credits/allocations/consume [post]
func (h *Handlers) ConsumeCredits(c *gin.Context) {
	ws, req, valid := bindAmount(c)
	if !valid {
		return
	}
	tx, err := h.credits.ConsumeCredits(c.Request.Context(), ws, req.Amount, req.options()...)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, tx)
}

// ReleaseCredits godoc
// @ID          releaseCredits
// @Summary     Release reserved credits
// @Description Returns part or all of the outstanding reservation to the available balance.
// @Tags        Credits
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Workspace ID (UUID)"  format(uuid)
// @Param       body  body  handlers.CreditAmountRequest  true  "Amount to release"
//
// @Success     200  {object} domain.CreditTransaction
// @Failure     400  {object} handlers.ErrorResponse "Invalid amount"
// @Failure     404  {object} handlers.ErrorResponse "Workspace not found"
// @Failure     409  {object} handlers.ErrorResponse "Exceeds allocated credits"
// @Router      /workspaces/{id}/credits/allocations/release [post]
func (h *Handlers) ReleaseCredits(c *gin.Context) {
	ws, req, valid := bindAmount(c)
	if !valid {
		return
	}
	tx, err := h.credits.ReleaseCredits(c.Request.Context(), ws, req.Amount, req.options()...)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, tx)
}

// DeductCredits godoc
// @ID          deductCredits
// @Summary     Deduct credits
// @Description Reserves and consumes amount in one atomic step.
// @Tags        Credits
// @Accept      json
// @Produce     json
//
// @Param       id               path    string  true   "Workspace ID (UUID)"  format(uuid)
// @Param       body             body    handlers.CreditAmountRequest  true  "Amount to deduct"
//
// @Success     200  {object} domain.CreditTransaction
// @Failure     400  {object} handlers.ErrorResponse "Invalid amount"
// @Failure     402  {object} handlers.ErrorResponse "Insufficient credits"
// @Failure     404  {object} handlers.ErrorResponse "Workspace not found"
// @Router      /workspaces/{id}/credits/deductions [post]
func (h *Handlers) DeductCredits(c *gin.Context) {
	ws, req, valid := bindAmount(c)
	if !valid {
		return
	}
	tx, err := h.credits.DeductCredits(c.Request.Context(), ws, req.Amount, req.options()...)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, tx)
}

// RefundCredits godoc
// @ID          refundCredits
// @Summary     Refund credits
// @Description Adds amount to the workspace's total balance.
// @Tags        Credits
// @Accept      json
// @Produce     json
//
// @Param       id               path    string  true   "Workspace ID (UUID)"  format(uuid)
// @Param       body             body    handlers.CreditAmountRequest  true  "Amount to refund"
//
// @Success     201  {object} domain.CreditTransaction
// @Failure     400  {object} handlers.ErrorResponse "Invalid amount"
// @Failure     404  {object} handlers.ErrorResponse "Workspace not found"
// @Router      /workspaces/{id}/credits/refunds [post]
func (h *Handlers) RefundCredits(c *gin.Context) {
	ws, req, valid := bindAmount(c)
	if !valid {
		return
	}
	tx, err := h.credits.RefundCredits(c.Request.Context(), ws, req.Amount, req.options()...)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusCreated, tx)
}
