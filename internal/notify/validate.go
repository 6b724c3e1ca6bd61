package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrValidation indicates a payload that does not match the schema for
// its declared notification type. Mapped to 400 at the API edge.
var ErrValidation = errors.New("invalid notification payload")

type orderStatusPayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type waiterCallPayload struct {
	TableID string `json:"tableId"`
}

type sessionUpdatePayload struct {
	SessionID string `json:"sessionId"`
}

// ValidatePayload checks that a payload carries the required fields for
// its notification type. Unknown types accept any well-formed JSON object.
func ValidatePayload(notifType string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}

	switch notifType {
	case TypeOrderStatus:
		var p orderStatusPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if p.OrderID == "" {
			return fmt.Errorf("%w: order_status requires orderId", ErrValidation)
		}
		if p.Status == "" {
			return fmt.Errorf("%w: order_status requires status", ErrValidation)
		}
	case TypeWaiterCall:
		var p waiterCallPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if p.TableID == "" {
			return fmt.Errorf("%w: waiter_call requires tableId", ErrValidation)
		}
	case TypeSessionUpdate:
		var p sessionUpdatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if p.SessionID == "" {
			return fmt.Errorf("%w: session_update requires sessionId", ErrValidation)
		}
	default:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}
