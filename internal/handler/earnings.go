package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/mmeshcher/grocery-console/internal/model"
	"github.com/mmeshcher/grocery-console/internal/service"
)

// IdempotencyKeyHeader позволяет безопасно повторить операцию над балансом.
const IdempotencyKeyHeader = "Idempotency-Key"

type earningsResponse struct {
	AccountID string `json:"accountId"`
	Total     string `json:"total"`
	Held      string `json:"held"`
	Available string `json:"available"`
	Today     string `json:"today"`
	Week      string `json:"week"`
	Month     string `json:"month"`
}

type ledgerEntryResponse struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"accountId"`
	Action        string    `json:"action"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balanceBefore"`
	BalanceAfter  string    `json:"balanceAfter"`
	Reason        string    `json:"reason"`
	Actor         string    `json:"actor"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (h *Handler) ledgerEntryResponse(e model.LedgerEntry) ledgerEntryResponse {
	return ledgerEntryResponse{
		ID:            e.ID,
		AccountID:     e.AccountID,
		Action:        string(e.Action),
		Amount:        h.money.format(e.Amount),
		BalanceBefore: h.money.format(e.BalanceBefore),
		BalanceAfter:  h.money.format(e.BalanceAfter),
		Reason:        e.Reason,
		Actor:         e.Actor,
		CreatedAt:     e.CreatedAt,
	}
}

// GetEarnings возвращает баланс счёта и начисления за периоды.
func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.GetEarnings(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, earningsResponse{
		AccountID: s.AccountID,
		Total:     h.money.format(s.Total),
		Held:      h.money.format(s.Held),
		Available: h.money.format(s.Available),
		Today:     h.money.format(s.Today),
		Week:      h.money.format(s.Week),
		Month:     h.money.format(s.Month),
	})
}

// ListLedgerEntries возвращает последние записи реестра счёта. Параметр limit необязателен.
func (h *Handler) ListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: invalid limit %q", model.ErrValidation, raw))
			return
		}
		limit = n
	}

	entries, err := h.service.ListLedgerEntries(r.Context(), chi.URLParam(r, "accountId"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, lo.Map(entries, func(e model.LedgerEntry, _ int) ledgerEntryResponse {
		return h.ledgerEntryResponse(e)
	}))
}

type applyRequest struct {
	OwnerType string `json:"ownerType"`
	Action    string `json:"action"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
	Confirm   bool   `json:"confirm"`
}

type applyResponse struct {
	BalanceBefore string              `json:"balanceBefore"`
	BalanceAfter  string              `json:"balanceAfter"`
	Entry         ledgerEntryResponse `json:"entry"`
	Replayed      bool                `json:"replayed"`
}

// ApplyEarnings применяет add, deduct или set к счёту. Ключ из заголовка Idempotency-Key
// относится только к этому счёту.
func (h *Handler) ApplyEarnings(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	amount, err := h.money.parse(req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	accountID := chi.URLParam(r, "accountId")

	var key string
	if k := r.Header.Get(IdempotencyKeyHeader); k != "" {
		key = "api:" + accountID + ":" + k
	}

	res, err := h.service.ApplyEarnings(r.Context(), service.ApplyRequest{
		AccountID:      accountID,
		OwnerType:      model.OwnerType(req.OwnerType),
		Action:         model.LedgerAction(req.Action),
		Amount:         amount,
		Reason:         req.Reason,
		Confirmed:      req.Confirm,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}

	h.writeJSON(w, code, applyResponse{
		BalanceBefore: h.money.format(res.BalanceBefore),
		BalanceAfter:  h.money.format(res.BalanceAfter),
		Entry:         h.ledgerEntryResponse(res.Entry),
		Replayed:      res.Replayed,
	})
}
