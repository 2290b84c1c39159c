package contracts

import "time"

const (
	EventOrderCreated    = "orders.created"
	EventOrderReconciled = "orders.reconciled"
)

// OrderCreatedEvent is written to the outbox in the same transaction that
// persists the pending order.
type OrderCreatedEvent struct {
	EventID               string    `json:"event_id"`
	OrderID               string    `json:"order_id"`
	MerchantTransactionID string    `json:"merchant_transaction_id"`
	CustomerEmail         string    `json:"customer_email"`
	Amount                int64     `json:"amount"`
	CreatedAt             time.Time `json:"created_at"`
}

// OrderReconciledEvent records a terminal payment transition. Exactly one is
// written per order, by whichever reconciliation path wins the conditional
// update.
type OrderReconciledEvent struct {
	EventID               string    `json:"event_id"`
	OrderID               string    `json:"order_id"`
	MerchantTransactionID string    `json:"merchant_transaction_id"`
	Status                string    `json:"status"`
	GatewayTransactionID  string    `json:"gateway_transaction_id,omitempty"`
	PaymentMethod         string    `json:"payment_method,omitempty"`
	FailureReason         string    `json:"failure_reason,omitempty"`
	Amount                int64     `json:"amount"`
	ReconciledAt          time.Time `json:"reconciled_at"`
}
