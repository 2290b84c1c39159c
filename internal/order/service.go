package order

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"bundlehub/internal/phonepe"
	"bundlehub/pkg/contracts"

	"github.com/google/uuid"
)

// Gateway is the slice of the payment client the orchestrator needs.
type Gateway interface {
	InitiatePayment(ctx context.Context, r phonepe.PaymentRequest) phonepe.InitiationResult
	CheckPaymentStatus(ctx context.Context, merchantTransactionID string) phonepe.StatusResult
	VerifyCallback(env phonepe.CallbackEnvelope) phonepe.CallbackResult
	NewTransactionID(prefix string) string
}

// Notifier delivers the order confirmation. Failures are logged by the
// caller and never affect order state.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, o *Order) error
}

type ServiceConfig struct {
	FrontendBaseURL      string
	TxnPrefix            string
	DefaultPaymentMethod string
	DownloadTTL          time.Duration
	NotifyTimeout        time.Duration
}

// Service sequences order creation, payment initiation, and the reconciliation
// entry points. It is the only writer of order state.
type Service struct {
	store    Store
	gateway  Gateway
	notifier Notifier
	cfg      ServiceConfig
	logger   *slog.Logger
}

func NewService(store Store, gateway Gateway, notifier Notifier, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.TxnPrefix == "" {
		cfg.TxnPrefix = "BBB"
	}
	if cfg.DefaultPaymentMethod == "" {
		cfg.DefaultPaymentMethod = "UPI"
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = 72 * time.Hour
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

type CreateRequest struct {
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
	Items         []Item `json:"items"`
	TotalAmount   int64  `json:"total_amount"`
}

type CreateResult struct {
	OrderID               string `json:"order_id"`
	PaymentURL            string `json:"payment_url"`
	MerchantTransactionID string `json:"merchant_transaction_id"`
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.CustomerName) == "" {
		return fmt.Errorf("%w: customer name is required", ErrValidation)
	}
	if strings.TrimSpace(r.CustomerEmail) == "" {
		return fmt.Errorf("%w: customer email is required", ErrValidation)
	}
	if len(strings.TrimSpace(r.CustomerPhone)) < 10 {
		return fmt.Errorf("%w: customer phone is required", ErrValidation)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	if r.TotalAmount <= 0 {
		return fmt.Errorf("%w: total amount must be positive", ErrValidation)
	}

	var sum int64
	for _, it := range r.Items {
		if it.Quantity <= 0 || it.UnitPrice <= 0 {
			return fmt.Errorf("%w: item %q has invalid price or quantity", ErrValidation, it.ProductID)
		}
		sum += it.UnitPrice * int64(it.Quantity)
	}
	if sum != r.TotalAmount {
		return fmt.Errorf("%w: total amount %d does not match item sum %d", ErrValidation, r.TotalAmount, sum)
	}
	return nil
}

// Create persists a pending order, initiates the payment, and stores the
// payment URL. On initiation failure the order survives as failed with the
// gateway's reason; the customer sees a failure, not a silent order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	transactionID := s.gateway.NewTransactionID(s.cfg.TxnPrefix)
	o := &Order{
		ID:            uuid.NewString(),
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Items:         req.Items,
		Subtotal:      req.TotalAmount,
		TotalAmount:   req.TotalAmount,
		Payment: Payment{
			TransactionID: transactionID,
			Gateway:       GatewayPhonePe,
			Amount:        req.TotalAmount,
			Status:        PaymentPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	createdEvt, err := marshalEvent(contracts.EventOrderCreated, contracts.OrderCreatedEvent{
		EventID:               uuid.NewString(),
		OrderID:               o.ID,
		MerchantTransactionID: transactionID,
		CustomerEmail:         o.CustomerEmail,
		Amount:                o.TotalAmount,
		CreatedAt:             now,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, o, createdEvt); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	res := s.gateway.InitiatePayment(ctx, phonepe.PaymentRequest{
		Amount:                o.TotalAmount,
		CustomerName:          o.CustomerName,
		CustomerEmail:         o.CustomerEmail,
		CustomerPhone:         o.CustomerPhone,
		MerchantTransactionID: transactionID,
	})
	if !res.Success {
		if _, ferr := s.applyFailed(ctx, o, res.Error); ferr != nil {
			s.logger.Error("mark order failed after initiation error", "order_id", o.ID, "err", ferr)
		}
		return nil, fmt.Errorf("%w: %s", ErrGateway, res.Error)
	}

	if err := s.store.SetPaymentURL(ctx, o.ID, res.PaymentURL); err != nil {
		return nil, fmt.Errorf("persist payment url: %w", err)
	}

	return &CreateResult{
		OrderID:               o.ID,
		PaymentURL:            res.PaymentURL,
		MerchantTransactionID: transactionID,
	}, nil
}

// Redirect targets for the browser-driven callback flow.
type Redirect struct {
	URL string
}

func (s *Service) redirectFor(page string, q url.Values) Redirect {
	target := s.cfg.FrontendBaseURL + page
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return Redirect{URL: target}
}

func (s *Service) terminalRedirect(o *Order) Redirect {
	switch o.Payment.Status {
	case PaymentCompleted:
		return s.redirectFor("/payment-success", url.Values{
			"payment":       {"success"},
			"orderId":       {o.ID},
			"transactionId": {o.Payment.TransactionID},
		})
	case PaymentFailed:
		return s.redirectFor("/payment-failed", url.Values{
			"orderId":       {o.ID},
			"transactionId": {o.Payment.TransactionID},
		})
	default:
		return s.redirectFor("/payment-pending", url.Values{
			"orderId":       {o.ID},
			"transactionId": {o.Payment.TransactionID},
		})
	}
}

// ReconcileRedirect handles the customer returning from the gateway. Safe to
// invoke any number of times for the same transaction: a terminal order short
// circuits to its page without touching the gateway or re-sending email.
func (s *Service) ReconcileRedirect(ctx context.Context, merchantTransactionID string) Redirect {
	o, err := s.store.GetByTransactionID(ctx, merchantTransactionID)
	if err != nil {
		if !errors.Is(err, ErrOrderNotFound) {
			s.logger.Error("callback order lookup", "transaction_id", merchantTransactionID, "err", err)
		}
		return s.redirectFor("/payment-error", nil)
	}

	if o.Payment.Status.Terminal() {
		return s.terminalRedirect(o)
	}

	st := s.gateway.CheckPaymentStatus(ctx, merchantTransactionID)
	if !st.Success {
		// Order stays pending; the webhook or a later reload reconciles it.
		s.logger.Warn("status query failed during callback", "transaction_id", merchantTransactionID, "err", st.Error)
		return s.redirectFor("/payment-error", nil)
	}

	switch st.Status {
	case phonepe.StateCompleted:
		if _, err := s.applyCompleted(ctx, o, st); err != nil {
			s.logger.Error("apply completed transition", "transaction_id", merchantTransactionID, "err", err)
			return s.redirectFor("/payment-error", nil)
		}
		o.Payment.Status = PaymentCompleted
		return s.terminalRedirect(o)
	case phonepe.StateFailed:
		if _, err := s.applyFailed(ctx, o, orDefault(st.Error, "payment failed at gateway")); err != nil {
			s.logger.Error("apply failed transition", "transaction_id", merchantTransactionID, "err", err)
			return s.redirectFor("/payment-error", nil)
		}
		o.Payment.Status = PaymentFailed
		return s.terminalRedirect(o)
	default:
		return s.terminalRedirect(o)
	}
}

// ReconcileWebhook handles the provider's server-to-server notification. A
// nil return means the webhook should be acked, whether or not a transition
// applied.
func (s *Service) ReconcileWebhook(ctx context.Context, env phonepe.CallbackEnvelope) error {
	vr := s.gateway.VerifyCallback(env)
	if !vr.IsValid {
		return fmt.Errorf("%w: %s", ErrSignature, vr.Error)
	}

	merchantTransactionID := vr.Data.Data.MerchantTransactionID
	if merchantTransactionID == "" {
		return fmt.Errorf("%w: no transaction id in callback", ErrSignature)
	}

	o, err := s.store.GetByTransactionID(ctx, merchantTransactionID)
	if err != nil {
		return err
	}

	if o.Payment.Status.Terminal() {
		// Provider retry for an already-reconciled order.
		return nil
	}

	// The callback body names a state, but the status API is the
	// authoritative view; query it before transitioning.
	st := s.gateway.CheckPaymentStatus(ctx, merchantTransactionID)
	if !st.Success {
		return fmt.Errorf("%w: %s", ErrGateway, st.Error)
	}

	switch st.Status {
	case phonepe.StateCompleted:
		_, err := s.applyCompleted(ctx, o, st)
		return err
	case phonepe.StateFailed:
		_, err := s.applyFailed(ctx, o, orDefault(st.Error, "payment failed at gateway"))
		return err
	default:
		return nil
	}
}

// Status is a read-only passthrough for explicit client polling. State
// mutation is reserved for the reconciliation entry points.
func (s *Service) Status(ctx context.Context, merchantTransactionID string) phonepe.StatusResult {
	return s.gateway.CheckPaymentStatus(ctx, merchantTransactionID)
}

// Get returns the order receipt by its primary identity.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.store.GetByID(ctx, orderID)
}

// applyCompleted performs the single pending→completed transition. The
// confirmation email and the reconciled event fire only when the conditional
// update actually took effect, so the loser of a redirect/webhook race is a
// no-op.
func (s *Service) applyCompleted(ctx context.Context, o *Order, st phonepe.StatusResult) (bool, error) {
	method := st.PaymentInstrument.Type
	if method == "" {
		method = s.cfg.DefaultPaymentMethod
	}

	completion := Completion{
		GatewayTransactionID: st.TransactionID,
		PaymentMethod:        method,
		DownloadLinks:        s.downloadLinks(o),
	}

	evt, err := marshalEvent(contracts.EventOrderReconciled, contracts.OrderReconciledEvent{
		EventID:               uuid.NewString(),
		OrderID:               o.ID,
		MerchantTransactionID: o.Payment.TransactionID,
		Status:                string(PaymentCompleted),
		GatewayTransactionID:  st.TransactionID,
		PaymentMethod:         method,
		Amount:                o.Payment.Amount,
		ReconciledAt:          time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}

	applied, err := s.store.CompletePayment(ctx, o.Payment.TransactionID, completion, evt)
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}
	if !applied {
		return false, nil
	}

	o.Payment.Status = PaymentCompleted
	o.Payment.GatewayTransactionID = st.TransactionID
	o.Payment.PaymentMethod = method
	o.DownloadLinks = completion.DownloadLinks

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.notifier.SendOrderConfirmation(nctx, o); err != nil {
		// Best effort only; the completed state stands.
		s.logger.Error("send order confirmation", "order_id", o.ID, "err", err)
	}

	return true, nil
}

func (s *Service) applyFailed(ctx context.Context, o *Order, reason string) (bool, error) {
	evt, err := marshalEvent(contracts.EventOrderReconciled, contracts.OrderReconciledEvent{
		EventID:               uuid.NewString(),
		OrderID:               o.ID,
		MerchantTransactionID: o.Payment.TransactionID,
		Status:                string(PaymentFailed),
		FailureReason:         reason,
		Amount:                o.Payment.Amount,
		ReconciledAt:          time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}

	applied, err := s.store.FailPayment(ctx, o.Payment.TransactionID, reason, evt)
	if err != nil {
		return false, fmt.Errorf("fail payment: %w", err)
	}
	return applied, nil
}

func (s *Service) downloadLinks(o *Order) []DownloadLink {
	links := make([]DownloadLink, 0, len(o.Items))
	expires := time.Now().UTC().Add(s.cfg.DownloadTTL)
	for _, it := range o.Items {
		links = append(links, DownloadLink{
			ProductID: it.ProductID,
			Name:      it.Name,
			URL: fmt.Sprintf("%s/downloads/%s?order=%s&token=%s",
				s.cfg.FrontendBaseURL, it.ProductID, o.ID, downloadToken()),
			ExpiresAt: expires,
		})
	}
	return links
}

func downloadToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("order: read random: %v", err))
	}
	return hex.EncodeToString(buf)
}

func marshalEvent(eventType string, v any) (OutboxEvent, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	var id string
	switch e := v.(type) {
	case contracts.OrderCreatedEvent:
		id = e.EventID
	case contracts.OrderReconciledEvent:
		id = e.EventID
	default:
		id = uuid.NewString()
	}

	return OutboxEvent{ID: id, Type: eventType, Payload: payload}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
