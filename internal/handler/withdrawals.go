package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/mmeshcher/grocery-console/internal/model"
)

type withdrawalResponse struct {
	ID                   string    `json:"id"`
	AccountID            string    `json:"accountId"`
	Amount               string    `json:"amount"`
	Status               string    `json:"status"`
	BalanceBefore        string    `json:"balanceBefore"`
	BalanceAfter         *string   `json:"balanceAfter,omitempty"`
	AdminNotes           string    `json:"adminNotes,omitempty"`
	RejectionReason      string    `json:"rejectionReason,omitempty"`
	TransactionReference string    `json:"transactionReference,omitempty"`
	ResolvedBy           string    `json:"resolvedBy,omitempty"`
	Version              int64     `json:"version"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func (h *Handler) withdrawalResponse(wr *model.WithdrawalRequest) withdrawalResponse {
	return withdrawalResponse{
		ID:                   wr.ID,
		AccountID:            wr.AccountID,
		Amount:               h.money.format(wr.Amount),
		Status:               string(wr.Status),
		BalanceBefore:        h.money.format(wr.BalanceBefore),
		BalanceAfter:         h.money.formatPtr(wr.BalanceAfter),
		AdminNotes:           wr.AdminNotes,
		RejectionReason:      wr.RejectionReason,
		TransactionReference: wr.TransactionReference,
		ResolvedBy:           wr.ResolvedBy,
		Version:              wr.Version,
		CreatedAt:            wr.CreatedAt,
		UpdatedAt:            wr.UpdatedAt,
	}
}

type withdrawalRequest struct {
	AccountID string `json:"accountId"`
	Amount    string `json:"amount"`
}

// RequestWithdrawal создаёт запрос на вывод и удерживает сумму.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	amount, err := h.money.parse(req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	wr, err := h.service.RequestWithdrawal(r.Context(), req.AccountID, amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, h.withdrawalResponse(wr))
}

// GetWithdrawal возвращает запрос на вывод.
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := h.service.GetWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.withdrawalResponse(wr))
}

// ListWithdrawals возвращает историю запросов на вывод по счёту.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListWithdrawals(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, lo.Map(list, func(wr model.WithdrawalRequest, _ int) withdrawalResponse {
		return h.withdrawalResponse(&wr)
	}))
}

type resolveRequest struct {
	Notes                string `json:"notes"`
	TransactionReference string `json:"transactionReference"`
	Reason               string `json:"reason"`
}

// MarkWithdrawalProcessing берёт запрос в обработку.
func (h *Handler) MarkWithdrawalProcessing(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	wr, err := h.service.MarkWithdrawalProcessing(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.withdrawalResponse(wr))
}

// CompleteWithdrawal завершает запрос и списывает сумму со счёта.
func (h *Handler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	wr, err := h.service.CompleteWithdrawal(r.Context(), chi.URLParam(r, "id"), req.TransactionReference, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.withdrawalResponse(wr))
}

// RejectWithdrawal отклоняет запрос и снимает удержание.
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	wr, err := h.service.RejectWithdrawal(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.withdrawalResponse(wr))
}
