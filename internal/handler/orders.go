package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/mmeshcher/grocery-console/internal/model"
)

type orderItemDTO struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Quantity  int64  `json:"quantity"`
}

type createOrderRequest struct {
	ID            string         `json:"id"`
	Items         []orderItemDTO `json:"items"`
	Discount      string         `json:"discount"`
	Shipping      string         `json:"shipping"`
	Tax           string         `json:"tax"`
	CouponCode    string         `json:"couponCode"`
	PaymentMethod string         `json:"paymentMethod"`
}

type timelineDTO struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Completed bool      `json:"completed"`
	Actor     string    `json:"actor"`
}

type orderResponse struct {
	ID                string         `json:"id"`
	Status            string         `json:"status"`
	Items             []orderItemDTO `json:"items"`
	Subtotal          string         `json:"subtotal"`
	Discount          string         `json:"discount"`
	Shipping          string         `json:"shipping"`
	Tax               string         `json:"tax"`
	Total             string         `json:"total"`
	CouponCode        string         `json:"couponCode,omitempty"`
	PaymentMethod     string         `json:"paymentMethod,omitempty"`
	DeliveryPartnerID *string        `json:"deliveryPartnerId,omitempty"`
	Timeline          []timelineDTO  `json:"timeline"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (h *Handler) orderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:     o.ID,
		Status: string(o.Status),
		Items: lo.Map(o.Items, func(it model.OrderItem, _ int) orderItemDTO {
			return orderItemDTO{
				ProductID: it.ProductID,
				Name:      it.Name,
				Price:     h.money.format(it.Price),
				Quantity:  it.Quantity,
			}
		}),
		Subtotal:          h.money.format(o.Subtotal),
		Discount:          h.money.format(o.Discount),
		Shipping:          h.money.format(o.Shipping),
		Tax:               h.money.format(o.Tax),
		Total:             h.money.format(o.Total),
		CouponCode:        o.CouponCode,
		PaymentMethod:     o.PaymentMethod,
		DeliveryPartnerID: o.DeliveryPartnerID,
		Timeline: lo.Map(o.Timeline, func(e model.TimelineEntry, _ int) timelineDTO {
			return timelineDTO{
				Status:    string(e.Status),
				Timestamp: e.Timestamp,
				Completed: e.Completed,
				Actor:     e.Actor,
			}
		}),
		Version:   o.Version,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func (h *Handler) toOrder(req createOrderRequest) (*model.Order, error) {
	o := &model.Order{
		ID:            req.ID,
		CouponCode:    req.CouponCode,
		PaymentMethod: req.PaymentMethod,
	}

	for i, it := range req.Items {
		if it.Quantity <= 0 || it.Quantity > model.MaxItemQuantity {
			return nil, fmt.Errorf("%w: item %d: quantity must be between 1 and %d",
				model.ErrValidation, i, model.MaxItemQuantity)
		}
		price, err := h.money.parse(it.Price)
		if err != nil {
			return nil, err
		}
		o.Items = append(o.Items, model.OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     price,
			Quantity:  it.Quantity,
		})
	}

	var err error
	if o.Discount, err = h.money.parseOptional(req.Discount); err != nil {
		return nil, err
	}
	if o.Shipping, err = h.money.parseOptional(req.Shipping); err != nil {
		return nil, err
	}
	if o.Tax, err = h.money.parseOptional(req.Tax); err != nil {
		return nil, err
	}

	return o, nil
}

// CreateOrder создаёт заказ в статусе pending.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.toOrder(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	created, err := h.service.CreateOrder(r.Context(), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, h.orderResponse(created))
}

// GetOrder возвращает заказ.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.orderResponse(o))
}

type transitionRequest struct {
	Status string `json:"status"`
}

// TransitionOrderStatus переводит заказ в следующий статус или отменяет его.
func (h *Handler) TransitionOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.service.TransitionOrderStatus(r.Context(), chi.URLParam(r, "id"), model.OrderStatus(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.orderResponse(o))
}

type assignPartnerRequest struct {
	PartnerID string `json:"partnerId"`
}

// AssignDeliveryPartner назначает курьера заказу.
func (h *Handler) AssignDeliveryPartner(w http.ResponseWriter, r *http.Request) {
	var req assignPartnerRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.service.AssignDeliveryPartner(r.Context(), chi.URLParam(r, "id"), req.PartnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.orderResponse(o))
}
