// Package phonepe talks to the PhonePe payment gateway: OAuth token exchange,
// payment initiation, order status queries, and callback checksum
// verification. Every public method returns a result value instead of an
// error so callers can persist failures without exception paths.
package phonepe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	initiateTimeout = 30 * time.Second
	statusTimeout   = 15 * time.Second
	tokenTimeout    = 15 * time.Second

	// Refresh the cached token this long before it actually expires.
	tokenSafetyMargin = 5 * time.Minute

	payPath = "/checkout/v2/pay"
)

type Config struct {
	MerchantID     string
	SaltKey        string
	SaltIndex      string
	ClientID       string
	ClientSecret   string
	ClientVersion  string
	AuthBaseURL    string
	PaymentBaseURL string

	// AppBaseURL is the public base of this service, used to build the
	// redirect URL the gateway sends the customer back to.
	AppBaseURL string

	// RequireAuth makes a failed token fetch fatal. When unset the client
	// degrades to checksum-signed requests, which is what the sandbox
	// environment accepts.
	RequireAuth bool
}

type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{},
		logger: logger,
	}
}

// PaymentRequest describes one payment initiation. Amount is in minor
// currency units (paise). MerchantTransactionID is optional; a fresh one is
// synthesized when empty.
type PaymentRequest struct {
	Amount                int64
	CustomerName          string
	CustomerEmail         string
	CustomerPhone         string
	MerchantTransactionID string
}

type InitiationResult struct {
	Success               bool   `json:"success"`
	PaymentURL            string `json:"payment_url,omitempty"`
	MerchantTransactionID string `json:"merchant_transaction_id,omitempty"`
	MerchantOrderID       string `json:"merchant_order_id,omitempty"`
	State                 string `json:"state,omitempty"`
	Error                 string `json:"error,omitempty"`
}

type PaymentInstrument struct {
	Type string `json:"type"`
	UTR  string `json:"utr,omitempty"`
}

type StatusResult struct {
	Success               bool              `json:"success"`
	Status                string            `json:"status"`
	ResponseCode          string            `json:"response_code,omitempty"`
	MerchantTransactionID string            `json:"merchant_transaction_id"`
	TransactionID         string            `json:"transaction_id,omitempty"`
	Amount                int64             `json:"amount,omitempty"`
	PaymentInstrument     PaymentInstrument `json:"payment_instrument,omitempty"`
	Message               string            `json:"message,omitempty"`
	Error                 string            `json:"error,omitempty"`
}

// Gateway states for StatusResult.Status.
const (
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StatePending   = "PENDING"
	StateError     = "ERROR"
)

// CallbackEnvelope is the provider's webhook body: an opaque base64 response
// and its checksum.
type CallbackEnvelope struct {
	Response string `json:"response"`
	Checksum string `json:"checksum"`
}

// CallbackData is the decoded callback body after checksum verification.
type CallbackData struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantID            string            `json:"merchantId"`
		MerchantTransactionID string            `json:"merchantTransactionId"`
		TransactionID         string            `json:"transactionId"`
		Amount                int64             `json:"amount"`
		State                 string            `json:"state"`
		ResponseCode          string            `json:"responseCode"`
		PaymentInstrument     PaymentInstrument `json:"paymentInstrument"`
	} `json:"data"`
}

type CallbackResult struct {
	IsValid bool
	Data    CallbackData
	Error   string
}

// NewTransactionID synthesizes a merchant transaction ID unique with
// overwhelming probability. The ID is the sole correlation key between an
// order and all gateway calls, so collisions are a correctness risk.
func (c *Client) NewTransactionID(prefix string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in bad shape anyway.
		panic(fmt.Sprintf("phonepe: read random: %v", err))
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), strings.ToUpper(hex.EncodeToString(buf)))
}

func (c *Client) checksum(data, endpoint string) string {
	sum := sha256.Sum256([]byte(data + endpoint + c.cfg.SaltKey))
	return hex.EncodeToString(sum[:]) + "###" + c.cfg.SaltIndex
}

// token returns a cached OAuth token, refreshing it when within the safety
// margin of expiry. An empty token with a nil error means the client is in
// degraded checksum-signed mode.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{
		"grant_type":     {"client_credentials"},
		"client_id":      {c.cfg.ClientID},
		"client_secret":  {c.cfg.ClientSecret},
		"client_version": {c.cfg.ClientVersion},
	}

	tctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, http.MethodPost,
		c.cfg.AuthBaseURL+"/v1/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	tok, expiresIn, err := c.requestToken(req)
	if err != nil {
		if !c.cfg.RequireAuth {
			c.logger.Warn("oauth token fetch failed, continuing without token", "err", err)
			return "", nil
		}
		return "", err
	}

	c.accessToken = tok
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - tokenSafetyMargin)
	c.logger.Info("oauth token refreshed")
	return tok, nil
}

func (c *Client) requestToken(req *http.Request) (string, int64, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, apiErrorMessage(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", 0, fmt.Errorf("no access_token in response")
	}
	return parsed.AccessToken, parsed.ExpiresIn, nil
}

func (c *Client) validatePayment(r PaymentRequest) error {
	if r.Amount <= 0 {
		return fmt.Errorf("invalid amount")
	}
	if len(r.CustomerPhone) < 10 {
		return fmt.Errorf("invalid phone")
	}
	if strings.TrimSpace(r.CustomerName) == "" {
		return fmt.Errorf("customer name required")
	}
	return nil
}

// InitiatePayment creates a payment with the gateway and returns the
// customer-facing redirect URL. Validation failures are returned before any
// network call.
func (c *Client) InitiatePayment(ctx context.Context, r PaymentRequest) InitiationResult {
	if err := c.validatePayment(r); err != nil {
		return InitiationResult{Success: false, Error: err.Error()}
	}

	merchantTransactionID := r.MerchantTransactionID
	if merchantTransactionID == "" {
		merchantTransactionID = c.NewTransactionID("TXN")
	}
	merchantOrderID := "ORDER_" + merchantTransactionID

	redirectURL := fmt.Sprintf("%s/api/payments/callback/%s", c.cfg.AppBaseURL, merchantTransactionID)

	payload := map[string]any{
		"merchantId":            c.cfg.MerchantID,
		"merchantTransactionId": merchantTransactionID,
		"merchantOrderId":       merchantOrderID,
		"amount":                r.Amount,
		"expireAfter":           1200,
		"metaInfo": map[string]string{
			"udf1": orDefault(r.CustomerName, "NA"),
			"udf2": orDefault(r.CustomerEmail, "NA"),
			"udf3": orDefault(r.CustomerPhone, "NA"),
			"udf4": merchantTransactionID,
		},
		"paymentFlow": map[string]any{
			"type":    "PG_CHECKOUT",
			"message": "Redirecting to PhonePe",
			"merchantUrls": map[string]string{
				"redirectUrl": redirectURL,
			},
		},
	}

	token, err := c.token(ctx)
	if err != nil {
		return InitiationResult{Success: false, Error: err.Error()}
	}

	ictx, cancel := context.WithTimeout(ctx, initiateTimeout)
	defer cancel()

	req, err := c.buildPayRequest(ictx, payload, token)
	if err != nil {
		return InitiationResult{Success: false, Error: err.Error()}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return InitiationResult{Success: false, Error: fmt.Sprintf("pay request: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return InitiationResult{Success: false, Error: fmt.Sprintf("read pay response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return InitiationResult{Success: false, Error: apiErrorMessage(body)}
	}

	var parsed struct {
		RedirectURL string `json:"redirectUrl"`
		State       string `json:"state"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return InitiationResult{Success: false, Error: fmt.Sprintf("decode pay response: %v", err)}
	}
	if parsed.RedirectURL == "" {
		return InitiationResult{Success: false, Error: orDefault(parsed.Message, "no redirect url in response")}
	}

	return InitiationResult{
		Success:               true,
		PaymentURL:            parsed.RedirectURL,
		MerchantTransactionID: merchantTransactionID,
		MerchantOrderID:       merchantOrderID,
		State:                 parsed.State,
	}
}

// buildPayRequest uses the bearer-token style when a token is available and
// falls back to the checksum-signed envelope otherwise.
func (c *Client) buildPayRequest(ctx context.Context, payload map[string]any, token string) (*http.Request, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal pay payload: %w", err)
	}

	endpoint := c.cfg.PaymentBaseURL + payPath

	if token != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("build pay request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "O-Bearer "+token)
		return req, nil
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	envelope, err := json.Marshal(map[string]string{"request": encoded})
	if err != nil {
		return nil, fmt.Errorf("marshal pay envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("build pay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-VERIFY", c.checksum(encoded, payPath))
	req.Header.Set("X-MERCHANT-ID", c.cfg.MerchantID)
	return req, nil
}

// CheckPaymentStatus queries the gateway's authoritative view of a
// transaction and maps it to a normalized result. Timeouts surface as a
// failure result, not a crash.
func (c *Client) CheckPaymentStatus(ctx context.Context, merchantTransactionID string) StatusResult {
	if merchantTransactionID == "" {
		return StatusResult{Success: false, Status: StateError, Error: "transaction id is required"}
	}

	failure := func(msg string) StatusResult {
		return StatusResult{
			Success:               false,
			Status:                StateError,
			MerchantTransactionID: merchantTransactionID,
			Error:                 msg,
		}
	}

	token, err := c.token(ctx)
	if err != nil {
		return failure(err.Error())
	}

	statusPath := fmt.Sprintf("/checkout/v2/order/%s/status", merchantTransactionID)

	sctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sctx, http.MethodGet, c.cfg.PaymentBaseURL+statusPath, nil)
	if err != nil {
		return failure(fmt.Sprintf("build status request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "O-Bearer "+token)
	} else {
		req.Header.Set("X-VERIFY", c.checksum("", statusPath))
		req.Header.Set("X-MERCHANT-ID", c.cfg.MerchantID)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return failure(fmt.Sprintf("status request: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(fmt.Sprintf("read status response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return failure(apiErrorMessage(body))
	}

	var parsed struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			State                 string            `json:"state"`
			ResponseCode          string            `json:"responseCode"`
			MerchantTransactionID string            `json:"merchantTransactionId"`
			TransactionID         string            `json:"transactionId"`
			Amount                int64             `json:"amount"`
			PaymentInstrument     PaymentInstrument `json:"paymentInstrument"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return failure(fmt.Sprintf("decode status response: %v", err))
	}
	if !parsed.Success {
		return failure(orDefault(parsed.Message, "failed to get payment status"))
	}

	return StatusResult{
		Success:               true,
		Status:                parsed.Data.State,
		ResponseCode:          parsed.Data.ResponseCode,
		MerchantTransactionID: orDefault(parsed.Data.MerchantTransactionID, merchantTransactionID),
		TransactionID:         parsed.Data.TransactionID,
		Amount:                parsed.Data.Amount,
		PaymentInstrument:     parsed.Data.PaymentInstrument,
		Message:               statusMessage(parsed.Data.State),
	}
}

// VerifyCallback recomputes the callback checksum and decodes the body only
// after the checksum matches. A malformed body behind a valid checksum is a
// distinct decode error.
func (c *Client) VerifyCallback(env CallbackEnvelope) CallbackResult {
	if env.Response == "" || env.Checksum == "" {
		return CallbackResult{IsValid: false, Error: "missing response/checksum"}
	}

	sum := sha256.Sum256([]byte(env.Response + c.cfg.SaltKey))
	expected := hex.EncodeToString(sum[:]) + "###" + c.cfg.SaltIndex

	if !hmac.Equal([]byte(expected), []byte(env.Checksum)) {
		return CallbackResult{IsValid: false, Error: "checksum mismatch"}
	}

	raw, err := base64.StdEncoding.DecodeString(env.Response)
	if err != nil {
		return CallbackResult{IsValid: false, Error: fmt.Sprintf("decode response body: %v", err)}
	}

	var data CallbackData
	if err := json.Unmarshal(raw, &data); err != nil {
		return CallbackResult{IsValid: false, Error: fmt.Sprintf("parse response body: %v", err)}
	}

	return CallbackResult{IsValid: true, Data: data}
}

func statusMessage(state string) string {
	switch state {
	case StateCompleted:
		return "Payment completed successfully"
	case StateFailed:
		return "Payment failed"
	case StatePending:
		return "Payment is pending"
	default:
		return "Unknown payment state"
	}
}

func apiErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return "unexpected gateway response"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
