package order

import (
	"errors"
	"time"
)

const GatewayPhonePe = "phonepe"

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrValidation    = errors.New("validation failed")
	ErrSignature     = errors.New("signature verification failed")
	ErrGateway       = errors.New("gateway error")
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether no further transition is defined for the status.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// Item is a purchased line item, snapshotted at checkout time. Prices are in
// minor currency units (paise).
type Item struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Image     string `json:"image,omitempty"`
}

// DownloadLink grants access to one purchased digital product. Generated only
// when the payment completes.
type DownloadLink struct {
	ProductID string    `json:"product_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Payment is the gateway sub-record of an order. TransactionID is the
// merchant-generated identifier and the sole correlation key for all gateway
// interactions.
type Payment struct {
	TransactionID        string        `json:"transaction_id"`
	Gateway              string        `json:"gateway"`
	Amount               int64         `json:"amount"`
	Status               PaymentStatus `json:"status"`
	PaymentURL           string        `json:"payment_url,omitempty"`
	GatewayTransactionID string        `json:"gateway_transaction_id,omitempty"`
	PaymentMethod        string        `json:"payment_method,omitempty"`
	PaidAt               *time.Time    `json:"paid_at,omitempty"`
	FailureReason        string        `json:"failure_reason,omitempty"`
}

// Order is the permanent receipt of one purchase attempt. It is never deleted
// in the normal flow.
type Order struct {
	ID            string         `json:"id"`
	CustomerName  string         `json:"customer_name"`
	CustomerEmail string         `json:"customer_email"`
	CustomerPhone string         `json:"customer_phone"`
	Items         []Item         `json:"items"`
	Subtotal      int64          `json:"subtotal"`
	TotalAmount   int64          `json:"total_amount"`
	Payment       Payment        `json:"payment"`
	DownloadLinks []DownloadLink `json:"download_links,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
