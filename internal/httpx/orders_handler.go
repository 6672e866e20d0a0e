package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/async"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/go-chi/chi/v5"
)

// Payments is the asynchronous payment API the handlers wait on.
type Payments interface {
	ProcessAsync(ctx context.Context, orderID string) *async.Future[orders.Order]
	RefundAsync(ctx context.Context, orderID string) *async.Future[orders.Order]
	StatusAsync(ctx context.Context, orderID string) *async.Future[payment.StatusView]
}

type OrdersHandler struct {
	Orders       *orders.Service
	Payments     Payments
	AwaitTimeout time.Duration
}

type OrderResp struct {
	ID                   string    `json:"id"`
	CustomerName         string    `json:"customerName"`
	ProductID            string    `json:"productId"`
	Quantity             int       `json:"quantity"`
	Amount               int64     `json:"amount"`
	Currency             string    `json:"currency"`
	Status               string    `json:"status"`
	StatusMessage        string    `json:"statusMessage,omitempty"`
	PaymentTransactionID *string   `json:"paymentTransactionId,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func toResp(o orders.Order) OrderResp {
	return OrderResp{
		ID:                   o.ID,
		CustomerName:         o.CustomerName,
		ProductID:            o.ProductID,
		Quantity:             o.Quantity,
		Amount:               o.Amount,
		Currency:             o.Currency,
		Status:               string(o.Status),
		StatusMessage:        o.StatusMessage,
		PaymentTransactionID: o.PaymentTransactionID,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}
}

func toResps(os []orders.Order) []OrderResp {
	out := make([]OrderResp, 0, len(os))
	for _, o := range os {
		out = append(out, toResp(o))
	}
	return out
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/api/orders", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/customer/{name}", h.listByCustomer)
		r.Get("/status/{status}", h.listByStatus)
		r.Get("/{id}", h.get)
		r.Delete("/{id}", h.delete)
		r.Put("/{id}/status", h.updateStatus)
		r.Post("/{id}/payment", h.pay)
		r.Get("/{id}/payment", h.paymentStatus)
		r.Post("/{id}/refund", h.refund)
	})
}

func (h *OrdersHandler) create(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	o, err := h.Orders.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResp(o))
}

func (h *OrdersHandler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(o))
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request) {
	h.listWith(w, r, orders.Filter{ProductID: r.URL.Query().Get("productId")})
}

func (h *OrdersHandler) listByCustomer(w http.ResponseWriter, r *http.Request) {
	h.listWith(w, r, orders.Filter{CustomerName: chi.URLParam(r, "name")})
}

func (h *OrdersHandler) listByStatus(w http.ResponseWriter, r *http.Request) {
	st, err := orders.ParseStatus(chi.URLParam(r, "status"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.listWith(w, r, orders.Filter{Status: st})
}

func (h *OrdersHandler) listWith(w http.ResponseWriter, r *http.Request, f orders.Filter) {
	os, err := h.Orders.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResps(os))
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	st, err := orders.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := h.Orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), st)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(o))
}

func (h *OrdersHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Orders.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	awaitOrder(w, r, h.awaitTimeout(), h.Payments.ProcessAsync(r.Context(), chi.URLParam(r, "id")))
}

func (h *OrdersHandler) refund(w http.ResponseWriter, r *http.Request) {
	awaitOrder(w, r, h.awaitTimeout(), h.Payments.RefundAsync(r.Context(), chi.URLParam(r, "id")))
}

func (h *OrdersHandler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.awaitTimeout())
	defer cancel()
	v, err := h.Payments.StatusAsync(r.Context(), chi.URLParam(r, "id")).Await(ctx)
	if err != nil {
		writeAwaitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func awaitOrder(w http.ResponseWriter, r *http.Request, timeout time.Duration, f *async.Future[orders.Order]) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	o, err := f.Await(ctx)
	if err != nil {
		writeAwaitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(o))
}

func writeAwaitError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "operation still in progress, check the order later"})
		return
	}
	writeError(w, err)
}

func (h *OrdersHandler) awaitTimeout() time.Duration {
	if h.AwaitTimeout <= 0 {
		return 10 * time.Second
	}
	return h.AwaitTimeout
}
