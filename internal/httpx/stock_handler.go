package httpx

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/go-chi/chi/v5"
)

// StockHandler serves the stock API used by remote inventory clients.
type StockHandler struct {
	Stock inventory.Stock
}

type ProductResp struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}

func (h *StockHandler) Register(r chi.Router) {
	r.Get("/stock/{id}", h.get)
	r.Put("/stock/{id}/decrement", h.decrement)
	r.Put("/stock/{id}/increment", h.increment)
}

func (h *StockHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.Stock.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProductResp{ID: p.ID, Name: p.Name, Stock: p.Stock})
}

func (h *StockHandler) decrement(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.Stock.Decrement)
}

func (h *StockHandler) increment(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.Stock.Increment)
}

func (h *StockHandler) adjust(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string, qty int) (orders.Product, error)) {
	qty, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil || qty <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quantity must be a positive integer"})
		return
	}
	p, err := op(r.Context(), chi.URLParam(r, "id"), qty)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProductResp{ID: p.ID, Name: p.Name, Stock: p.Stock})
}
