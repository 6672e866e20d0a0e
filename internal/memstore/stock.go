package memstore

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-saga/internal/orders"
)

// PutProduct creates or replaces a product.
func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = s.now()
	s.products[p.ID] = p
}

func (s *Store) GetProduct(_ context.Context, id string) (orders.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return orders.Product{}, fmt.Errorf("%w: product %s", orders.ErrNotFound, id)
	}
	return p, nil
}

func (s *Store) Decrement(_ context.Context, productID string, qty int) (orders.Product, error) {
	if qty <= 0 {
		return orders.Product{}, fmt.Errorf("%w: quantity must be positive, got %d", orders.ErrValidation, qty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return orders.Product{}, fmt.Errorf("%w: product %s", orders.ErrNotFound, productID)
	}
	if p.Stock < qty {
		return orders.Product{}, fmt.Errorf("%w: product %s has %d, need %d", orders.ErrInsufficientStock, productID, p.Stock, qty)
	}
	p.Stock -= qty
	p.UpdatedAt = s.now()
	s.products[productID] = p
	return p, nil
}

func (s *Store) Increment(_ context.Context, productID string, qty int) (orders.Product, error) {
	if qty <= 0 {
		return orders.Product{}, fmt.Errorf("%w: quantity must be positive, got %d", orders.ErrValidation, qty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return orders.Product{}, fmt.Errorf("%w: product %s", orders.ErrNotFound, productID)
	}
	p.Stock += qty
	p.UpdatedAt = s.now()
	s.products[productID] = p
	return p, nil
}
