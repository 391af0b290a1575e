package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/services"
)

func newCreditRouter(f *fakeCredits) http.Handler {
	h := New(Deps{Credits: f})
	r := newEngine()
	r.GET("/workspaces/:id/credits", h.GetCreditBalance)
	r.GET("/workspaces/:id/credits/transactions", h.ListCreditTransactions)
	r.GET("/workspaces/:id/credits/transactions/:txID", h.GetCreditTransaction)
	r.POST("/workspaces/:id/credits/allocations", h.AllocateCredits)
	r.POST("/workspaces/:id/credits/allocations/consume", h.ConsumeCredits)
	r.POST("/workspaces/:id/credits/allocations/release", h.ReleaseCredits)
	r.POST("/workspaces/:id/credits/deductions", h.DeductCredits)
	r.POST("/workspaces/:id/credits/refunds", h.RefundCredits)
	return r
}

func TestGetCreditBalance(t *testing.T) {
	f := &fakeCredits{balance: func(ws string) (*services.CreditBalance, error) {
		if ws != testWS {
			t.Fatalf("workspace = %q", ws)
		}
		return &services.CreditBalance{Total: 100, Allocated: 30, Available: 70}, nil
	}}
	r := newCreditRouter(f)

	w := perform(r, http.MethodGet, "/workspaces/"+testWS+"/credits", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var bal services.CreditBalance
	if err := json.Unmarshal(w.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bal.Available != 70 || bal.Allocated != 30 {
		t.Fatalf("unexpected balance: %+v", bal)
	}

	w = perform(r, http.MethodGet, "/workspaces/not-a-uuid/credits", "")
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != ErrCodeBadRequest {
		t.Fatalf("bad id: status=%d body=%s", w.Code, w.Body.String())
	}

	f.balance = func(string) (*services.CreditBalance, error) { return nil, services.ErrWorkspaceNotFound }
	w = perform(r, http.MethodGet, "/workspaces/"+testWS+"/credits", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing workspace status = %d", w.Code)
	}
}

func TestAllocateCredits_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"ok", nil, http.StatusCreated, ""},
		{"invalid amount", services.ErrInvalidAmount, http.StatusBadRequest, ErrCodeInvalidAmount},
		{"insufficient", &services.InsufficientCreditsError{WorkspaceID: testWS, Requested: 40, Available: 12}, http.StatusPaymentRequired, ErrCodeInsufficientCredits},
		{"missing", services.ErrWorkspaceNotFound, http.StatusNotFound, ErrCodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeCredits{allocate: func(ws string, amount int64) (*services.AllocationResult, error) {
				if amount != 40 {
					t.Fatalf("amount = %d", amount)
				}
				if tc.err != nil {
					return nil, tc.err
				}
				return &services.AllocationResult{AllocationID: "a-1", RemainingCredits: 60}, nil
			}}
			w := perform(newCreditRouter(f), http.MethodPost, "/workspaces/"+testWS+"/credits/allocations", `{"amount":40}`)
			if w.Code != tc.status {
				t.Fatalf("status = %d; want %d (%s)", w.Code, tc.status, w.Body.String())
			}
			if tc.code != "" {
				er := decodeError(t, w)
				if er.Code != tc.code || er.RequestID != "rid-test" {
					t.Fatalf("unexpected envelope: %+v", er)
				}
			}
		})
	}
}

func TestLedgerMutations_RouteToOperation(t *testing.T) {
	routes := map[string]struct {
		op     string
		status int
	}{
		"/credits/allocations/consume": {"consume", http.StatusOK},
		"/credits/allocations/release": {"release", http.StatusOK},
		"/credits/deductions":          {"deduct", http.StatusOK},
		"/credits/refunds":             {"refund", http.StatusCreated},
	}
	for path, want := range routes {
		var gotOp string
		f := &fakeCredits{mutate: func(op, ws string, amount int64) (*domain.CreditTransaction, error) {
			gotOp = op
			return &domain.CreditTransaction{ID: "tx-1", WorkspaceID: ws, Amount: amount}, nil
		}}
		w := perform(newCreditRouter(f), http.MethodPost, "/workspaces/"+testWS+path, `{"amount":5,"reference_id":"g-1","reference_type":"generation"}`)
		if w.Code != want.status || gotOp != want.op {
			t.Fatalf("%s: status=%d op=%q; want %d %q", path, w.Code, gotOp, want.status, want.op)
		}
	}

	f := &fakeCredits{mutate: func(string, string, int64) (*domain.CreditTransaction, error) {
		return nil, services.ErrExceedsAllocated
	}}
	w := perform(newCreditRouter(f), http.MethodPost, "/workspaces/"+testWS+"/credits/allocations/consume", `{"amount":5}`)
	if w.Code != http.StatusConflict || decodeError(t, w).Code != ErrCodeExceedsAllocated {
		t.Fatalf("exceeds allocated: status=%d body=%s", w.Code, w.Body.String())
	}

	w = perform(newCreditRouter(f), http.MethodPost, "/workspaces/"+testWS+"/credits/refunds", `{"amount":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed json status = %d", w.Code)
	}
}

func TestCreditMutations_MalformedAmount(t *testing.T) {
	called := false
	f := &fakeCredits{
		mutate: func(string, string, int64) (*domain.CreditTransaction, error) {
			called = true
			return &domain.CreditTransaction{}, nil
		},
		allocate: func(string, int64) (*services.AllocationResult, error) {
			called = true
			return &services.AllocationResult{}, nil
		},
	}
	r := newCreditRouter(f)

	cases := []struct {
		path, body, code string
	}{
		{"/credits/allocations", `{"amount":1.5}`, ErrCodeInvalidAmount},
		{"/credits/deductions", `{"amount":"10"}`, ErrCodeInvalidAmount},
		{"/credits/refunds", `{"amount":99999999999999999999}`, ErrCodeInvalidAmount},
		{"/credits/allocations/release", `{"amount":-0.5}`, ErrCodeInvalidAmount},
		{"/credits/allocations/consume", `{"amount":5,"reference_id":7}`, ErrCodeBadRequest},
		{"/credits/refunds", `[1,2]`, ErrCodeBadRequest},
	}
	for _, tc := range cases {
		w := perform(r, http.MethodPost, "/workspaces/"+testWS+tc.path, tc.body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: status = %d", tc.path, tc.body, w.Code)
		}
		if got := decodeError(t, w).Code; got != tc.code {
			t.Fatalf("%s %s: code = %q; want %q", tc.path, tc.body, got, tc.code)
		}
	}
	if called {
		t.Fatalf("service must not be called for an unparseable body")
	}
}

func TestListCreditTransactions_PaginationAndETag(t *testing.T) {
	latest := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	listCalls := 0
	f := &fakeCredits{
		version: func(string) (int64, *time.Time, error) { return 3, &latest, nil },
		list: func(_ string, page, size int) ([]domain.CreditTransaction, int64, error) {
			listCalls++
			if page != 2 || size != 2 {
				t.Fatalf("page=%d size=%d", page, size)
			}
			return []domain.CreditTransaction{{ID: "t3"}}, 3, nil
		},
	}
	r := newCreditRouter(f)

	w := perform(r, http.MethodGet, "/workspaces/"+testWS+"/credits/transactions?page=2&page_size=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListTransactionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Transactions) != 1 || resp.Pagination.TotalPages != 2 || resp.Pagination.HasNext {
		t.Fatalf("unexpected page: %+v", resp)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}

	w = perform(r, http.MethodGet, "/workspaces/"+testWS+"/credits/transactions?page=2&page_size=2", "", "If-None-Match", etag)
	if w.Code != http.StatusNotModified || listCalls != 1 {
		t.Fatalf("conditional: status=%d listCalls=%d", w.Code, listCalls)
	}
}

func TestGetCreditTransaction_NotFound(t *testing.T) {
	f := &fakeCredits{get: func(ws, id string) (*domain.CreditTransaction, error) {
		if id != "tx-9" {
			t.Fatalf("id = %q", id)
		}
		return nil, services.ErrTransactionNotFound
	}}
	w := perform(newCreditRouter(f), http.MethodGet, "/workspaces/"+testWS+"/credits/transactions/tx-9", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}
