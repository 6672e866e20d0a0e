package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/outbox"
)

func (s *Store) FetchPending(_ context.Context, limit int) ([]outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbox.Event
	for _, e := range s.events {
		if e.Status == outbox.StatusPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) transition(id string, from outbox.Status, apply func(*outbox.Event)) (outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return outbox.Event{}, fmt.Errorf("%w: %s", outbox.ErrEventNotFound, id)
	}
	if e.Status != from {
		return outbox.Event{}, fmt.Errorf("%w: %s is %s, want %s", outbox.ErrStaleTransition, id, e.Status, from)
	}
	apply(&e)
	s.events[id] = e
	return e, nil
}

func (s *Store) MarkProcessing(_ context.Context, id string) error {
	_, err := s.transition(id, outbox.StatusPending, func(e *outbox.Event) {
		e.Status = outbox.StatusProcessing
	})
	return err
}

func (s *Store) MarkCompleted(_ context.Context, id string, processedAt time.Time) error {
	_, err := s.transition(id, outbox.StatusProcessing, func(e *outbox.Event) {
		e.Status = outbox.StatusCompleted
		e.ProcessedAt = &processedAt
		e.ErrorMessage = ""
	})
	return err
}

func (s *Store) MarkFailedOrRetry(_ context.Context, id, errMsg string) (outbox.Event, error) {
	return s.transition(id, outbox.StatusProcessing, func(e *outbox.Event) {
		e.RetryCount, e.Status = outbox.AfterFailure(e.RetryCount)
		e.ErrorMessage = errMsg
		if e.Status == outbox.StatusFailed {
			now := s.now()
			e.ProcessedAt = &now
		}
	})
}

func (s *Store) RecoverProcessing(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.events {
		if e.Status == outbox.StatusProcessing {
			e.Status = outbox.StatusPending
			s.events[id] = e
			n++
		}
	}
	return n, nil
}

func (s *Store) CountByStatus(context.Context) (map[outbox.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[outbox.Status]int{}
	for _, e := range s.events {
		out[e.Status]++
	}
	return out, nil
}

// Events returns every outbox record for orderID ("" for all) in creation order.
func (s *Store) Events(orderID string) []outbox.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbox.Event
	for _, e := range s.events {
		if orderID == "" || e.OrderID == orderID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}
