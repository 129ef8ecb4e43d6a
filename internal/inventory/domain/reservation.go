package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationPartial   ReservationStatus = "partial"
	ReservationFailed    ReservationStatus = "failed"
	ReservationExpired   ReservationStatus = "expired"
	ReservationReleased  ReservationStatus = "released"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Active reports whether the reservation still holds stock.
func (s ReservationStatus) Active() bool {
	return s == ReservationReserved || s == ReservationPartial
}

func (s ReservationStatus) Terminal() bool { return !s.Active() }

type Mode string

const (
	// ModeAllOrNothing aborts the whole reservation on any shortfall.
	ModeAllOrNothing Mode = "all_or_nothing"
	// ModeBestEffort reserves whatever is available per item.
	ModeBestEffort Mode = "best_effort"
)

func (m Mode) Valid() bool { return m == ModeAllOrNothing || m == ModeBestEffort }

type ReservationItem struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Reserved  int    `json:"reserved"`
	Released  int    `json:"released"`
	Confirmed int    `json:"confirmed"`
}

// Outstanding is the quantity still held for this item.
func (i ReservationItem) Outstanding() int {
	return i.Reserved - i.Released - i.Confirmed
}

type Reservation struct {
	ID        string
	OrderID   string
	Mode      Mode
	Status    ReservationStatus
	Items     []ReservationItem
	Reason    string
	Version   int64
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

func (r *Reservation) Clone() *Reservation {
	c := *r
	c.Items = slices.Clone(r.Items)
	return &c
}

// ProductIDs returns the distinct products of the reservation in ascending order.
func (r *Reservation) ProductIDs() []string {
	ids := make([]string, 0, len(r.Items))
	for _, it := range r.Items {
		ids = append(ids, it.ProductID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func (r *Reservation) Expired(now time.Time) bool {
	return r.Status.Active() && !now.Before(r.ExpiresAt)
}

func (r *Reservation) item(productID string) (*ReservationItem, error) {
	for i := range r.Items {
		if r.Items[i].ProductID == productID {
			return &r.Items[i], nil
		}
	}
	return nil, fmt.Errorf("%w: product %s is not part of reservation %s", apperr.ErrValidation, productID, r.ID)
}

// ReleaseItem marks up to qty outstanding units of productID as released and returns
// how many actually were. Releasing more than is outstanding is capped, so repeating a
// release is a no-op.
func (r *Reservation) ReleaseItem(productID string, qty int) (int, error) {
	if qty < 0 {
		return 0, fmt.Errorf("%w: negative quantity %d", apperr.ErrInvalidQuantity, qty)
	}
	it, err := r.item(productID)
	if err != nil {
		return 0, err
	}
	n := min(qty, it.Outstanding())
	it.Released += n
	return n, nil
}

// ConfirmItem marks qty outstanding units as sold. Confirming an item with nothing
// outstanding is a no-op; confirming more than is outstanding fails.
func (r *Reservation) ConfirmItem(productID string, qty int) (int, error) {
	if qty < 0 {
		return 0, fmt.Errorf("%w: negative quantity %d", apperr.ErrInvalidQuantity, qty)
	}
	it, err := r.item(productID)
	if err != nil {
		return 0, err
	}
	out := it.Outstanding()
	if out == 0 || qty == 0 {
		return 0, nil
	}
	if qty > out {
		return 0, fmt.Errorf("%w: confirm %d of %s but only %d reserved", apperr.ErrInvalidQuantity, qty, productID, out)
	}
	it.Confirmed += qty
	return qty, nil
}

// Settle moves an active reservation to final once nothing is outstanding and reports
// whether it did. Partial releases leave the status untouched.
func (r *Reservation) Settle(final ReservationStatus, now time.Time) bool {
	if !r.Status.Active() {
		return false
	}
	for _, it := range r.Items {
		if it.Outstanding() > 0 {
			return false
		}
	}
	r.Status = final
	r.UpdatedAt = now
	return true
}
