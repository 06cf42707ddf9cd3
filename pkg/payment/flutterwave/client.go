// Package flutterwave implements the payment provider contract for Flutterwave:
// transaction re-verification, hosted payment links and the charge webhook.
package flutterwave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/pkg/payment"
)

const (
	providerName       = "flutterwave"
	defaultBaseURL     = "https://api.flutterwave.com/v3"
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// Client talks to the Flutterwave v3 API
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	retry      gatepass.RetryConfig
	logger     gatepass.Logger
	metrics    gatepass.Metrics
}

var _ payment.Provider = (*Client)(nil)

// NewClient creates a Flutterwave API client
func NewClient(config payment.Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	// Allow the key to be provided as a Bearer token and strip the prefix.
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: secret key is required", payment.ErrProviderNotConfigured)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = &gatepass.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &gatepass.NoopMetrics{}
	}

	return &Client{
		baseURL:    baseURL,
		secretKey:  apiKey,
		httpClient: httpClient,
		retry:      config.Retry,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Name returns the provider name
func (c *Client) Name() string {
	return providerName
}

// envelope is the response wrapper of every Flutterwave endpoint
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type transactionData struct {
	ID       flexString             `json:"id"`
	TxRef    string                 `json:"tx_ref"`
	Status   string                 `json:"status"`
	Amount   json.Number            `json:"amount"`
	Currency string                 `json:"currency"`
	Meta     map[string]interface{} `json:"meta"`
}

// APIError is a non-2xx answer of the Flutterwave API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flutterwave API error: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Unauthorized reports whether the API refused the secret key. The
// transaction itself was never looked at.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func (e *APIError) Unwrap() error {
	return payment.ErrProviderAPIError
}

// VerifyTransaction fetches the transaction from Flutterwave. The webhook body
// is never trusted: status, amount and metadata all come from this call.
func (c *Client) VerifyTransaction(ctx context.Context, txID string) (*gatepass.Transaction, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return nil, fmt.Errorf("%w: empty transaction id", gatepass.ErrPaymentNotSuccessful)
	}

	path := "/transactions/" + url.PathEscape(txID) + "/verify"
	data, err := gatepass.Retry(ctx, c.retry, func() (*transactionData, error) {
		var data transactionData
		if err := c.do(ctx, http.MethodGet, "verify", path, nil, &data); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return nil, gatepass.Permanent(err)
			}
			return nil, err
		}
		return &data, nil
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Unauthorized() {
			c.logger.Error("flutterwave rejected the secret key",
				gatepass.F("tx_id", txID),
				gatepass.F("status", apiErr.StatusCode),
				gatepass.F("error", apiErr.Message),
			)
			return nil, fmt.Errorf("%w: %v", gatepass.ErrProviderUnavailable, err)
		}
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, fmt.Errorf("%w: %s", gatepass.ErrPaymentNotSuccessful, apiErr.Message)
		}
		c.logger.Error("transaction verification failed",
			gatepass.F("tx_id", txID),
			gatepass.F("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", gatepass.ErrProviderUnavailable, err)
	}

	return data.toTransaction(), nil
}

func (d *transactionData) toTransaction() *gatepass.Transaction {
	tx := &gatepass.Transaction{
		ID:       string(d.ID),
		TxRef:    d.TxRef,
		Status:   gatepass.TxStatus(strings.ToLower(strings.TrimSpace(d.Status))),
		Amount:   d.Amount,
		Currency: strings.ToUpper(d.Currency),
		Meta:     make(map[string]string, len(d.Meta)),
	}
	for k, v := range d.Meta {
		if s, ok := stringify(v); ok {
			tx.Meta[k] = s
		}
	}
	return tx
}

type paymentRequest struct {
	TxRef          string            `json:"tx_ref"`
	Amount         json.Number       `json:"amount"`
	Currency       string            `json:"currency"`
	RedirectURL    string            `json:"redirect_url,omitempty"`
	Customer       customer          `json:"customer"`
	Meta           map[string]string `json:"meta"`
	Customizations customizations    `json:"customizations"`
}

type customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type customizations struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// CreatePaymentLink creates a hosted checkout link whose transaction metadata
// carries the recipient id.
func (c *Client) CreatePaymentLink(ctx context.Context, req *payment.LinkRequest) (string, error) {
	if req == nil || req.TxRef == "" || req.RecipientID == "" {
		return "", fmt.Errorf("%w: tx_ref and recipient id are required", payment.ErrInvalidLinkRequest)
	}
	if _, err := strconv.ParseFloat(req.Amount, 64); err != nil {
		return "", fmt.Errorf("%w: amount %q", payment.ErrInvalidLinkRequest, req.Amount)
	}

	email := req.CustomerEmail
	if email == "" {
		// a customer email is mandatory at checkout
		email = "user_" + req.RecipientID + "@example.com"
	}

	body := &paymentRequest{
		TxRef:       req.TxRef,
		Amount:      json.Number(req.Amount),
		Currency:    req.Currency,
		RedirectURL: req.RedirectURL,
		Customer:    customer{Email: email, Name: req.CustomerName},
		Meta: map[string]string{
			gatepass.MetaRecipientID: req.RecipientID,
		},
		Customizations: customizations{Title: req.Title, Description: req.Description},
	}
	if req.CustomerName != "" {
		body.Meta[gatepass.MetaRecipientName] = req.CustomerName
	}

	var data struct {
		Link string `json:"link"`
	}
	_, err := gatepass.Retry(ctx, c.retry, func() (struct{}, error) {
		if err := c.do(ctx, http.MethodPost, "payments", "/payments", body, &data); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return struct{}{}, gatepass.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return "", fmt.Errorf("create payment link: %w", err)
	}
	if data.Link == "" {
		return "", fmt.Errorf("%w: response without payment link", payment.ErrProviderAPIError)
	}
	return data.Link, nil
}

// do performs one API call and decodes the envelope's data into out
func (c *Client) do(ctx context.Context, method, endpoint, path string, in, out interface{}) error {
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordAPICall(providerName, endpoint, status)
		c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	}()

	var reqBody io.Reader = http.NoBody
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return gatepass.Permanent(fmt.Errorf("failed to encode request: %w", err))
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return gatepass.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("flutterwave request failed: %w", err)
	}
	defer res.Body.Close()
	status = strconv.Itoa(res.StatusCode)

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return &APIError{StatusCode: res.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to parse response: %w", decodeErr)
	}
	if !strings.EqualFold(env.Status, "success") {
		return &APIError{StatusCode: http.StatusUnprocessableEntity, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to parse response data: %w", err)
		}
	}
	return nil
}
