package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type SagaRepository struct {
	mu    sync.RWMutex
	sagas map[string]domain.Saga
}

func NewSagaRepository() *SagaRepository {
	return &SagaRepository{sagas: make(map[string]domain.Saga)}
}

func (r *SagaRepository) Get(_ context.Context, orderID string) (domain.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sagas[orderID]
	if !ok {
		return domain.Saga{}, fmt.Errorf("saga %s: %w", orderID, apperr.ErrNotFound)
	}
	return s, nil
}

func (r *SagaRepository) Save(_ context.Context, s domain.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sagas[s.OrderID] = s
	return nil
}

func (r *SagaRepository) Pending(_ context.Context, cutoff time.Time, limit int) ([]domain.Saga, error) {
	r.mu.RLock()
	var out []domain.Saga
	for _, s := range r.sagas {
		if s.Stalled(cutoff) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
