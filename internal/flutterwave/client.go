package flutterwave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fleetrent/payments/internal/tracing"
)

// DefaultBaseURL is the provider's v3 API root.
const DefaultBaseURL = "https://api.flutterwave.com/v3"

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 30 * time.Second

// statusSuccess is the envelope-level status on provider responses.
const statusSuccess = "success"

// IdempotencyHeader carries the caller-supplied key on refund requests so the
// provider treats retries as one logical operation.
const IdempotencyHeader = "Idempotency-Key"

// Transaction is the provider's authoritative record of a charge, returned by
// transaction verification.
type Transaction struct {
	ID            int64   `json:"id"`
	TxRef         string  `json:"tx_ref"`
	FlwRef        string  `json:"flw_ref"`
	Amount        float64 `json:"amount"`
	ChargedAmount float64 `json:"charged_amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
	PaymentType   string  `json:"payment_type"`
}

// RefundRequest describes a full or partial refund of a charge.
type RefundRequest struct {
	TransactionID  int64
	Amount         float64
	Reason         string
	IdempotencyKey string
}

// Refund is the provider's record of an initiated refund.
type Refund struct {
	ID             int64   `json:"id"`
	TxID           int64   `json:"tx_id"`
	FlwRef         string  `json:"flw_ref"`
	AmountRefunded float64 `json:"amount_refunded"`
	Status         string  `json:"status"`
}

// TransferRequest describes a disbursement to a bank account.
type TransferRequest struct {
	BankCode      string  `json:"account_bank"`
	AccountNumber string  `json:"account_number"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Narration     string  `json:"narration"`
	Reference     string  `json:"reference"`
}

// Transfer is the provider's record of an initiated transfer.
type Transfer struct {
	ID        int64   `json:"id"`
	Reference string  `json:"reference"`
	Status    string  `json:"status"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// PaymentLinkRequest describes a hosted payment page for collecting a charge.
type PaymentLinkRequest struct {
	TxRef         string  `json:"tx_ref"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	RedirectURL   string  `json:"redirect_url"`
	CustomerEmail string  `json:"-"`
	CustomerName  string  `json:"-"`
	Title         string  `json:"-"`
}

// PaymentLink is a hosted payment page URL.
type PaymentLink struct {
	Link string `json:"link"`
}

// Client is the interface consumed by reconciliation and initiation logic.
// Implementations must surface failures as *APIError so callers can branch on
// the Kind tag.
type Client interface {
	VerifyTransaction(ctx context.Context, transactionID int64) (*Transaction, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error)
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	baseURL   string
	secretKey string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient creates an HTTPClient with the given API secret key.
func NewClient(secretKey string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:   DefaultBaseURL,
		secretKey: secretKey,
		http:      &http.Client{Timeout: DefaultTimeout},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithBaseURL overrides the API root, used to point at a sandbox or test server.
func WithBaseURL(u string) Option {
	return func(c *HTTPClient) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *HTTPClient) { c.http = h }
}

// WithLogger overrides the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPClient) { c.logger = l }
}

// envelope is the provider's standard response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// VerifyTransaction fetches the authoritative record for a charge.
func (c *HTTPClient) VerifyTransaction(ctx context.Context, transactionID int64) (*Transaction, error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, "verify_transaction")
	path := fmt.Sprintf("/transactions/%d/verify", transactionID)
	var tx Transaction
	err := c.do(ctx, http.MethodGet, path, nil, nil, &tx)
	endSpan(err)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateRefund initiates a refund for a charge, carrying the caller's
// idempotency key so provider-side retries deduplicate.
func (c *HTTPClient) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	path := fmt.Sprintf("/transactions/%d/refund", req.TransactionID)
	body := map[string]any{"amount": req.Amount}
	if req.Reason != "" {
		body["comments"] = req.Reason
	}
	headers := map[string]string{IdempotencyHeader: req.IdempotencyKey}
	ctx, endSpan := tracing.StartProviderSpan(ctx, "create_refund")
	var refund Refund
	err := c.do(ctx, http.MethodPost, path, headers, body, &refund)
	endSpan(err)
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// CreateTransfer initiates a disbursement to a bank account.
func (c *HTTPClient) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	ctx, endSpan := tracing.StartProviderSpan(ctx, "create_transfer")
	var transfer Transfer
	err := c.do(ctx, http.MethodPost, "/transfers", nil, req, &transfer)
	endSpan(err)
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

// CreatePaymentLink creates a hosted payment page for a charge.
func (c *HTTPClient) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error) {
	body := map[string]any{
		"tx_ref":       req.TxRef,
		"amount":       fmt.Sprintf("%g", req.Amount),
		"currency":     req.Currency,
		"redirect_url": req.RedirectURL,
		"customer": map[string]string{
			"email": req.CustomerEmail,
			"name":  req.CustomerName,
		},
		"customizations": map[string]string{
			"title": req.Title,
		},
	}
	ctx, endSpan := tracing.StartProviderSpan(ctx, "create_payment_link")
	var link PaymentLink
	err := c.do(ctx, http.MethodPost, "/payments", nil, body, &link)
	endSpan(err)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// do executes one API call and decodes data into out on success.
func (c *HTTPClient) do(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindUnknown, Message: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &APIError{Kind: KindUnknown, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("failed to close provider response body", "error", cerr)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &APIError{Kind: KindUnknown, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &APIError{Kind: KindAuth, StatusCode: resp.StatusCode, Message: "provider rejected API credentials"}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &APIError{Kind: KindUnknown, StatusCode: resp.StatusCode, Message: "undecodable provider response"}
	}

	if resp.StatusCode >= 500 {
		return &APIError{Kind: KindUnknown, StatusCode: resp.StatusCode, Message: env.Message}
	}
	if resp.StatusCode >= 400 || env.Status != statusSuccess {
		// A well-formed non-success envelope is an explicit business decline.
		return &APIError{Kind: KindRejected, StatusCode: resp.StatusCode, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &APIError{Kind: KindUnknown, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode data: %v", err)}
		}
	}
	return nil
}

// classifyTransport maps transport-level failures onto the Kind tag set.
func classifyTransport(err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &APIError{Kind: KindTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Kind: KindTimeout, Message: err.Error()}
	}
	return &APIError{Kind: KindUnknown, Message: err.Error()}
}
