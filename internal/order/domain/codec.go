package domain

import (
	"encoding/json"
	"fmt"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a stored event body of the given kind.
func Unmarshal(kind Kind, data []byte) (Event, error) {
	switch kind {
	case KindCreated:
		return decode[Created](data)
	case KindInventoryReserved:
		return decode[InventoryReserved](data)
	case KindInventoryReservationFailed:
		return decode[InventoryReservationFailed](data)
	case KindPaymentProcessed:
		return decode[PaymentProcessed](data)
	case KindPaymentFailed:
		return decode[PaymentFailed](data)
	case KindCompleted:
		return decode[Completed](data)
	case KindCancelled:
		return decode[Cancelled](data)
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", apperr.ErrValidation, kind)
	}
}

func decode[T Event](data []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %T: %w", e, err)
	}
	return e, nil
}
