package domain

import (
	"fmt"
	"time"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

// Stock holds the counters for one product. Reserve moves units from Available to
// Reserved, Release moves them back, and Confirm removes them from Reserved for good.
// Callers must hold the product's lock for every mutation.
type Stock struct {
	ProductID string
	Available int
	Reserved  int
	// Version counts persisted mutations.
	Version   int64
	UpdatedAt time.Time
}

// Total is the number of units the warehouse still owns.
func (s Stock) Total() int { return s.Available + s.Reserved }

func (s Stock) CanReserve(qty int) bool { return qty >= 0 && s.Available >= qty }

func (s *Stock) Reserve(qty int) error {
	if err := checkQuantity(qty); err != nil {
		return err
	}
	if qty == 0 {
		return nil
	}
	if s.Available < qty {
		return fmt.Errorf("%w: product %s has %d available, %d requested", apperr.ErrInsufficientInventory, s.ProductID, s.Available, qty)
	}
	s.Available -= qty
	s.Reserved += qty
	return nil
}

func (s *Stock) Release(qty int) error {
	if err := checkQuantity(qty); err != nil {
		return err
	}
	if qty == 0 {
		return nil
	}
	if s.Reserved < qty {
		return fmt.Errorf("%w: product %s has %d reserved, cannot release %d", apperr.ErrInvalidQuantity, s.ProductID, s.Reserved, qty)
	}
	s.Reserved -= qty
	s.Available += qty
	return nil
}

func (s *Stock) Confirm(qty int) error {
	if err := checkQuantity(qty); err != nil {
		return err
	}
	if qty == 0 {
		return nil
	}
	if s.Reserved < qty {
		return fmt.Errorf("%w: product %s has %d reserved, cannot confirm %d", apperr.ErrInvalidQuantity, s.ProductID, s.Reserved, qty)
	}
	s.Reserved -= qty
	return nil
}

func (s *Stock) Restock(qty int) error {
	if err := checkQuantity(qty); err != nil {
		return err
	}
	s.Available += qty
	return nil
}

func checkQuantity(qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: negative quantity %d", apperr.ErrInvalidQuantity, qty)
	}
	return nil
}
