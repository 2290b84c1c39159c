package order

import "context"

// OutboxEvent is an event written in the same transaction as the order
// mutation it describes, for the dispatcher to publish later.
type OutboxEvent struct {
	ID      string
	Type    string
	Payload []byte
}

// Completion carries the fields set by a winning pending→completed transition.
type Completion struct {
	GatewayTransactionID string
	PaymentMethod        string
	DownloadLinks        []DownloadLink
}

// Store persists orders. Terminal transitions are conditional: they apply only
// while the payment is still pending and report whether they took effect, so
// the caller can gate side effects on the result.
type Store interface {
	Insert(ctx context.Context, o *Order, evt OutboxEvent) error
	SetPaymentURL(ctx context.Context, orderID, paymentURL string) error
	GetByID(ctx context.Context, orderID string) (*Order, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*Order, error)

	// CompletePayment transitions pending→completed for the transaction and
	// writes evt to the outbox, atomically. Returns false when the order was
	// no longer pending (the transition and the event are both skipped).
	CompletePayment(ctx context.Context, transactionID string, c Completion, evt OutboxEvent) (bool, error)

	// FailPayment transitions pending→failed under the same discipline.
	FailPayment(ctx context.Context, transactionID, reason string, evt OutboxEvent) (bool, error)
}
