package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"bundlehub/internal/notify"
	"bundlehub/internal/order"
	"bundlehub/internal/phonepe"
)

const maxBodyBytes = int64(64 << 10)

// OrderAPI is the surface of the order service the HTTP layer drives.
type OrderAPI interface {
	Create(ctx context.Context, req order.CreateRequest) (*order.CreateResult, error)
	ReconcileRedirect(ctx context.Context, merchantTransactionID string) order.Redirect
	ReconcileWebhook(ctx context.Context, env phonepe.CallbackEnvelope) error
	Status(ctx context.Context, merchantTransactionID string) phonepe.StatusResult
	Get(ctx context.Context, orderID string) (*order.Order, error)
}

// ContactSink receives contact-form submissions.
type ContactSink interface {
	LogContact(ctx context.Context, m notify.ContactMessage) error
}

type Server struct {
	orders  OrderAPI
	contact ContactSink
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(orders OrderAPI, contact ContactSink, logger *slog.Logger) *Server {
	s := &Server{
		orders:  orders,
		contact: contact,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/orders", s.createOrder)
	s.mux.HandleFunc("GET /api/orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("GET /api/payments/callback/{merchantTransactionID}", s.paymentCallback)
	s.mux.HandleFunc("POST /api/payments/webhook", s.paymentWebhook)
	s.mux.HandleFunc("GET /api/payments/status/{merchantTransactionID}", s.paymentStatus)
	s.mux.HandleFunc("POST /api/contact", s.contactForm)
	s.mux.HandleFunc("GET /ping", s.ping)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HandleFunc registers extra routes, such as the websocket subscription.
func (s *Server) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req order.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.orders.Create(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, order.ErrGateway):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.logger.Error("create order", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":               true,
		"orderId":               res.OrderID,
		"paymentUrl":            res.PaymentURL,
		"merchantTransactionId": res.MerchantTransactionID,
	})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), r.PathValue("orderID"))
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("get order", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, o)
}

func (s *Server) paymentCallback(w http.ResponseWriter, r *http.Request) {
	redirect := s.orders.ReconcileRedirect(r.Context(), r.PathValue("merchantTransactionID"))
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var env phonepe.CallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.orders.ReconcileWebhook(r.Context(), env); err != nil {
		switch {
		case errors.Is(err, order.ErrSignature):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, order.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrGateway):
			// 5xx so the provider retries once the gateway recovers.
			writeError(w, http.StatusBadGateway, "status query failed")
		default:
			s.logger.Error("webhook reconcile", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) paymentStatus(w http.ResponseWriter, r *http.Request) {
	res := s.orders.Status(r.Context(), r.PathValue("merchantTransactionID"))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) contactForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var m notify.ContactMessage
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(m.Email) == "" || strings.TrimSpace(m.Message) == "" {
		writeError(w, http.StatusBadRequest, "email and message are required")
		return
	}

	if err := s.contact.LogContact(r.Context(), m); err != nil {
		s.logger.Error("log contact message", "err", err)
		writeError(w, http.StatusBadGateway, "failed to record message")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
