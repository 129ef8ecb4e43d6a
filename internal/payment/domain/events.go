package domain

const (
	EventPaymentProcessed = "PaymentProcessed"
	EventPaymentDeclined  = "PaymentDeclined"
	EventPaymentPending   = "PaymentIndeterminate"
	EventPaymentRefunded  = "PaymentRefunded"
)

type PaymentNotification struct {
	OrderID       string `json:"order_id"`
	AmountCents   int64  `json:"amount_cents"`
	Status        Status `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	DeclineCode   string `json:"decline_code,omitempty"`
	Reason        string `json:"reason,omitempty"`
}
