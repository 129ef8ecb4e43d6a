package grpc

import "time"

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ReservationItem struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Reserved  int    `json:"reserved"`
	Released  int    `json:"released"`
	Confirmed int    `json:"confirmed"`
}

type ReserveRequest struct {
	OrderID       string `json:"order_id"`
	Items         []Item `json:"items"`
	TimeoutMillis int64  `json:"timeout_ms,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

type ReservationReply struct {
	ReservationID string            `json:"reservation_id"`
	OrderID       string            `json:"order_id"`
	Status        string            `json:"status"`
	Items         []ReservationItem `json:"items"`
	Reason        string            `json:"reason,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Existing      bool              `json:"existing,omitempty"`
}

type ReleaseRequest struct {
	ReservationID string `json:"reservation_id"`
	Items         []Item `json:"items,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type ConfirmRequest struct {
	ReservationID string `json:"reservation_id"`
	Items         []Item `json:"items,omitempty"`
}

type CancelRequest struct {
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason,omitempty"`
}

// GetReservationRequest looks a reservation up by id, or by order when id is empty.
type GetReservationRequest struct {
	ReservationID string `json:"reservation_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
}

type RestockRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason,omitempty"`
}

type GetStockRequest struct {
	ProductID string `json:"product_id"`
}

type StockReply struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Version   int64  `json:"version"`
}

type CheckStockRequest struct {
	Items []Item `json:"items"`
}

type ItemAvailability struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type CheckStockReply struct {
	Available bool               `json:"available"`
	Items     []ItemAvailability `json:"items"`
}

type StatsRequest struct{}

type StatsReply struct {
	Products       int            `json:"products"`
	TotalAvailable int            `json:"total_available"`
	TotalReserved  int            `json:"total_reserved"`
	LowStock       []string       `json:"low_stock,omitempty"`
	Reservations   map[string]int `json:"reservations"`
}
