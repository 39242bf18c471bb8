package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/promo-system/internal/ledger"
	"github.com/mmeshcher/promo-system/internal/middleware"
	"github.com/mmeshcher/promo-system/internal/model"
	"github.com/mmeshcher/promo-system/internal/repository"
)

type stubService struct {
	evaluateResp *model.EvaluationResult
	evaluateErr  error

	reserveErr error
	confirmErr error
	releaseErr error

	rulesResp []model.PromotionRule
	rulesErr  error

	markedDirty []int64
}

func (s *stubService) Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.EvaluationResult, error) {
	return s.evaluateResp, s.evaluateErr
}

func (s *stubService) ReserveVoucher(ctx context.Context, code, checkoutID string) error {
	return s.reserveErr
}

func (s *stubService) ConfirmVoucher(ctx context.Context, code, checkoutID string) error {
	return s.confirmErr
}

func (s *stubService) ReleaseVoucher(ctx context.Context, code, checkoutID string) error {
	return s.releaseErr
}

func (s *stubService) ActiveRules(ctx context.Context, channel string, at time.Time) ([]model.PromotionRule, error) {
	return s.rulesResp, s.rulesErr
}

func (s *stubService) MarkRulesDirty(ruleIDs []int64) {
	s.markedDirty = append(s.markedDirty, ruleIDs...)
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func TestEvaluate_Success(t *testing.T) {
	svc := &stubService{
		evaluateResp: &model.EvaluationResult{
			Allocations: []model.DiscountAllocation{
				{
					LineID:   "line-1",
					Source:   model.SourceRule,
					RuleID:   1,
					Amount:   decimal.RequireFromString("15.00"),
					Currency: "EUR",
				},
			},
			OrderDiscountTotal: decimal.RequireFromString("15.00"),
			PerLineTotals: []model.LineTotal{
				{LineID: "line-1", Total: decimal.RequireFromString("85.00")},
			},
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(model.EvaluationRequest{
		CheckoutID: "checkout-1",
		Channel:    "web",
		Lines: []model.Line{
			{
				LineID:    "line-1",
				ProductID: 7,
				VariantID: 70,
				Quantity:  1,
				UnitPrice: decimal.RequireFromString("100.00"),
				Currency:  "EUR",
			},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/checkout/evaluate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Evaluate(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestEvaluate_InvalidVoucherCodeSyntax(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(model.EvaluationRequest{
		CheckoutID: "checkout-1",
		Channel:    "web",
		Lines: []model.Line{
			{
				LineID:    "line-1",
				Quantity:  1,
				UnitPrice: decimal.RequireFromString("10.00"),
				Currency:  "EUR",
			},
		},
		VoucherCodes: []string{"!!bad code!!"},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/checkout/evaluate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Evaluate(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestEvaluate_ChannelNotFound(t *testing.T) {
	svc := &stubService{
		evaluateErr: repository.ErrChannelNotFound,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(model.EvaluationRequest{
		CheckoutID: "checkout-1",
		Channel:    "missing",
		Lines: []model.Line{
			{
				LineID:    "line-1",
				Quantity:  1,
				UnitPrice: decimal.RequireFromString("10.00"),
				Currency:  "EUR",
			},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/checkout/evaluate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Evaluate(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestReserveVoucher_LimitExceeded(t *testing.T) {
	svc := &stubService{
		reserveErr: ledger.ErrLimitExceeded,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(voucherRequest{
		Code:       "SUMMER-10",
		CheckoutID: "checkout-1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/voucher/reserve", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ReserveVoucher(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestConfirmVoucher_ConcurrentModification(t *testing.T) {
	svc := &stubService{
		confirmErr: ledger.ErrConcurrentModification,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(voucherRequest{
		Code:       "SUMMER-10",
		CheckoutID: "checkout-1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/voucher/confirm", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ConfirmVoucher(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestReleaseVoucher_Success(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(voucherRequest{
		Code:       "summer-10",
		CheckoutID: "checkout-1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/voucher/release", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ReleaseVoucher(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestCatalogEvent_Accepted(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(catalogEventRequest{
		RuleIDsAffected: []int64{1, 2, 3},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/events/catalog", bytes.NewReader(body))
	req.Header.Set("X-Auth-Token", h.authMiddleware.Token("catalog-sync"))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.CatalogEvent))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	if len(svc.markedDirty) != 3 {
		t.Fatalf("marked dirty = %d rules, want 3", len(svc.markedDirty))
	}
}

func TestGetRules_NoContent(t *testing.T) {
	svc := &stubService{
		rulesResp: []model.PromotionRule{},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/rules?channel=web", nil)
	req.Header.Set("X-Auth-Token", h.authMiddleware.Token("catalog-sync"))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetRules))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetRules_JSONResponse(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubService{
		rulesResp: []model.PromotionRule{
			{
				ID:          1,
				Name:        "autumn sale",
				Priority:    10,
				RewardType:  model.RewardPercentage,
				RewardValue: decimal.RequireFromString("10.00"),
				StartsAt:    &now,
			},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/rules?channel=web", nil)
	req.Header.Set("X-Auth-Token", h.authMiddleware.Token("catalog-sync"))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetRules))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var parsed []ruleResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(parsed) != 1 || parsed[0].ID != 1 {
		t.Fatalf("unexpected rules response: %+v", parsed)
	}
}
