// Package handler содержит HTTP-обработчики API промо-движка.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/promo-system/internal/allocator"
	"github.com/mmeshcher/promo-system/internal/ledger"
	"github.com/mmeshcher/promo-system/internal/middleware"
	"github.com/mmeshcher/promo-system/internal/model"
	"github.com/mmeshcher/promo-system/internal/repository"
	"github.com/mmeshcher/promo-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.EvaluationResult, error)
	ReserveVoucher(ctx context.Context, code, checkoutID string) error
	ConfirmVoucher(ctx context.Context, code, checkoutID string) error
	ReleaseVoucher(ctx context.Context, code, checkoutID string) error
	ActiveRules(ctx context.Context, channel string, at time.Time) ([]model.PromotionRule, error)
	MarkRulesDirty(ruleIDs []int64)
}

// Handler реализует HTTP-обработчики API промо-движка.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// Evaluate вычисляет скидки для переданного чекаута.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.CheckoutID == "" || req.Channel == "" || len(req.Lines) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	for _, line := range req.Lines {
		if line.LineID == "" || line.Quantity <= 0 || line.UnitPrice.IsNegative() || line.Currency == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	for i, code := range req.VoucherCodes {
		normalized := validation.NormalizeVoucherCode(code)
		if !validation.IsValidVoucherCode(normalized) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		req.VoucherCodes[i] = normalized
	}

	result, err := h.service.Evaluate(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrChannelNotFound) || errors.Is(err, repository.ErrVoucherNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, ledger.ErrInvalidVoucherState):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, allocator.ErrCurrencyMismatch):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("evaluate error", zap.Error(err), zap.String("checkoutID", req.CheckoutID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type voucherRequest struct {
	Code       string `json:"code"`
	CheckoutID string `json:"checkout_id"`
}

func (h *Handler) decodeVoucherRequest(w http.ResponseWriter, r *http.Request) (*voucherRequest, bool) {
	var req voucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}

	if req.CheckoutID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}

	req.Code = validation.NormalizeVoucherCode(req.Code)
	if !validation.IsValidVoucherCode(req.Code) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return nil, false
	}

	return &req, true
}

func (h *Handler) writeVoucherError(w http.ResponseWriter, op string, req *voucherRequest, err error) {
	switch {
	case errors.Is(err, repository.ErrVoucherNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, ledger.ErrLimitExceeded):
		http.Error(w, "voucher limit reached", http.StatusConflict)
	case errors.Is(err, ledger.ErrInvalidVoucherState):
		http.Error(w, "voucher no longer valid", http.StatusConflict)
	case errors.Is(err, ledger.ErrConcurrentModification):
		// Вызывающая сторона может повторить операцию целиком.
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error(op+" error", zap.Error(err), zap.String("code", req.Code), zap.String("checkoutID", req.CheckoutID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// ReserveVoucher резервирует код ваучера за чекаутом.
func (h *Handler) ReserveVoucher(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeVoucherRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.ReserveVoucher(r.Context(), req.Code, req.CheckoutID); err != nil {
		h.writeVoucherError(w, "reserve voucher", req, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ConfirmVoucher подтверждает резервирование при завершении заказа.
func (h *Handler) ConfirmVoucher(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeVoucherRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.ConfirmVoucher(r.Context(), req.Code, req.CheckoutID); err != nil {
		h.writeVoucherError(w, "confirm voucher", req, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ReleaseVoucher освобождает резервирование при отмене чекаута.
func (h *Handler) ReleaseVoucher(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeVoucherRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.ReleaseVoucher(r.Context(), req.Code, req.CheckoutID); err != nil {
		h.writeVoucherError(w, "release voucher", req, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type catalogEventRequest struct {
	RuleIDsAffected []int64 `json:"rule_ids_affected"`
}

// CatalogEvent принимает уведомление об изменении каталога и помечает
// затронутые правила для пересчёта.
func (h *Handler) CatalogEvent(w http.ResponseWriter, r *http.Request) {
	var req catalogEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(req.RuleIDsAffected) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.service.MarkRulesDirty(req.RuleIDsAffected)
	w.WriteHeader(http.StatusAccepted)
}

type ruleResponse struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Priority       int             `json:"priority"`
	RewardType     string          `json:"reward_type"`
	RewardValue    decimal.Decimal `json:"reward_value"`
	RewardCurrency string          `json:"reward_currency,omitempty"`
	StartsAt       string          `json:"starts_at,omitempty"`
	EndsAt         string          `json:"ends_at,omitempty"`
}

// GetRules возвращает активные правила канала на указанный момент.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		at = parsed
	}

	rules, err := h.service.ActiveRules(r.Context(), channel, at)
	if err != nil {
		if errors.Is(err, repository.ErrChannelNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get rules error", zap.Error(err), zap.String("channel", channel))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(rules) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		rr := ruleResponse{
			ID:          rule.ID,
			Name:        rule.Name,
			Priority:    rule.Priority,
			RewardType:  string(rule.RewardType),
			RewardValue: rule.RewardValue,
		}
		rr.RewardCurrency = rule.RewardCurrency
		if rule.StartsAt != nil {
			rr.StartsAt = rule.StartsAt.Format(time.RFC3339)
		}
		if rule.EndsAt != nil {
			rr.EndsAt = rule.EndsAt.Format(time.RFC3339)
		}
		resp = append(resp, rr)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
