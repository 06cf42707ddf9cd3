package flutterwave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	zerologadapter "github.com/mihaimyh/gatepass/pkg/gatepass/logger/zerolog"
	"github.com/mihaimyh/gatepass/pkg/payment"
)

const testSecretKey = "FLWSECK_TEST-abc123"

func fastRetry() gatepass.RetryConfig {
	return gatepass.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(payment.Config{APIKey: testSecretKey, BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)
	return c
}

const verifiedBody = `{
	"status": "success",
	"message": "Transaction fetched successfully",
	"data": {
		"id": 4975363,
		"tx_ref": "tx_42_1715333400",
		"amount": 5000,
		"currency": "ngn",
		"status": "successful",
		"meta": {"recipient_id": 42, "recipient_name": "Ada", "flags": {"x": 1}, "empty": null}
	}
}`

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(payment.Config{})
	assert.ErrorIs(t, err, payment.ErrProviderNotConfigured)

	c, err := NewClient(payment.Config{APIKey: "Bearer " + testSecretKey})
	require.NoError(t, err)
	assert.Equal(t, testSecretKey, c.secretKey)
	assert.Equal(t, defaultBaseURL, c.baseURL)
	assert.Equal(t, "flutterwave", c.Name())
}

func TestVerifyTransaction_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/transactions/4975363/verify", r.URL.Path)
		assert.Equal(t, "Bearer "+testSecretKey, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(verifiedBody))
	})

	tx, err := c.VerifyTransaction(context.Background(), "4975363")
	require.NoError(t, err)

	assert.Equal(t, "4975363", tx.ID)
	assert.Equal(t, "tx_42_1715333400", tx.TxRef)
	assert.True(t, tx.Successful())
	assert.Equal(t, json.Number("5000"), tx.Amount)
	assert.Equal(t, "NGN", tx.Currency)
	assert.Equal(t, map[string]string{"recipient_id": "42", "recipient_name": "Ada"}, tx.Meta)
}

func TestVerifyTransaction_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(verifiedBody))
	})

	tx, err := c.VerifyTransaction(context.Background(), "4975363")
	require.NoError(t, err)
	assert.Equal(t, "4975363", tx.ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestVerifyTransaction_PersistentOutage(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.VerifyTransaction(context.Background(), "4975363")
	assert.ErrorIs(t, err, gatepass.ErrProviderUnavailable)
	assert.True(t, gatepass.IsRetryable(err))
	assert.EqualValues(t, 3, calls.Load())
}

func TestVerifyTransaction_NotFoundIsTerminal(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"error","message":"No transaction was found for this id","data":null}`))
	})

	_, err := c.VerifyTransaction(context.Background(), "999")
	assert.ErrorIs(t, err, gatepass.ErrPaymentNotSuccessful)
	assert.False(t, gatepass.IsRetryable(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestVerifyTransaction_UnauthorizedIsRetryable(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(code)
				_, _ = w.Write([]byte(`{"status":"error","message":"Invalid authorization key","data":null}`))
			}))
			t.Cleanup(srv.Close)

			var logs bytes.Buffer
			c, err := NewClient(payment.Config{
				APIKey:  testSecretKey,
				BaseURL: srv.URL,
				Retry:   fastRetry(),
				Logger:  zerologadapter.NewLogger(zerolog.New(&logs)),
			})
			require.NoError(t, err)

			_, err = c.VerifyTransaction(context.Background(), "4975363")
			assert.ErrorIs(t, err, gatepass.ErrProviderUnavailable)
			assert.NotErrorIs(t, err, gatepass.ErrPaymentNotSuccessful)
			assert.True(t, gatepass.IsRetryable(err), "the webhook must be redelivered once the key is fixed")
			assert.EqualValues(t, 1, calls.Load(), "a refused key is not retried in-process")
			assert.Contains(t, logs.String(), `"level":"error"`)
		})
	}
}

func TestVerifyTransaction_UnreadableBodyIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway maintenance</html>`))
	})

	_, err := c.VerifyTransaction(context.Background(), "4975363")
	assert.ErrorIs(t, err, gatepass.ErrProviderUnavailable)
	assert.True(t, gatepass.IsRetryable(err))
}

func TestVerifyTransaction_StringID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"id":"abc-1","status":"pending","amount":"10.50","currency":"USD"}}`))
	})

	tx, err := c.VerifyTransaction(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Equal(t, "abc-1", tx.ID)
	assert.Equal(t, gatepass.TxStatusPending, tx.Status)
	assert.False(t, tx.Successful())
	assert.Equal(t, json.Number("10.50"), tx.Amount)
	assert.Empty(t, tx.Meta)
}

func TestVerifyTransaction_EmptyID(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.VerifyTransaction(context.Background(), " ")
	assert.ErrorIs(t, err, gatepass.ErrPaymentNotSuccessful)
}

func TestCreatePaymentLink(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tx_42_1715333400", body["tx_ref"])
		assert.EqualValues(t, 5000, body["amount"])
		assert.Equal(t, "NGN", body["currency"])
		assert.Equal(t, "https://example.com/thanks", body["redirect_url"])
		assert.Equal(t, map[string]interface{}{"email": "user_42@example.com", "name": "ada"}, body["customer"])
		assert.Equal(t, map[string]interface{}{"recipient_id": "42", "recipient_name": "ada"}, body["meta"])

		_, _ = w.Write([]byte(`{"status":"success","message":"Hosted Link","data":{"link":"https://checkout.flutterwave.com/v3/hosted/pay/abc"}}`))
	})

	link, err := c.CreatePaymentLink(context.Background(), &payment.LinkRequest{
		TxRef:        "tx_42_1715333400",
		Amount:       "5000",
		Currency:     "NGN",
		RedirectURL:  "https://example.com/thanks",
		RecipientID:  "42",
		CustomerName: "ada",
		Title:        "Premium access",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.flutterwave.com/v3/hosted/pay/abc", link)
}

func TestCreatePaymentLink_Invalid(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.CreatePaymentLink(context.Background(), &payment.LinkRequest{TxRef: "tx_1", Amount: "5000"})
	assert.ErrorIs(t, err, payment.ErrInvalidLinkRequest)

	_, err = c.CreatePaymentLink(context.Background(), &payment.LinkRequest{TxRef: "tx_1", RecipientID: "1", Amount: "five"})
	assert.ErrorIs(t, err, payment.ErrInvalidLinkRequest)
}

func TestCreatePaymentLink_RejectedByProvider(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"Invalid currency"}`))
	})

	_, err := c.CreatePaymentLink(context.Background(), &payment.LinkRequest{TxRef: "tx_1", RecipientID: "1", Amount: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrProviderAPIError)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Invalid currency", apiErr.Message)
	assert.False(t, apiErr.Retryable())
}

func TestFlexString(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`123`, "123", true},
		{`"tx-9"`, "tx-9", true},
		{`null`, "", true},
		{`12345678901234567890`, "12345678901234567890", true},
		{`{}`, "", false},
	}
	for _, tt := range tests {
		var f flexString
		err := json.Unmarshal([]byte(tt.in), &f)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, string(f))
	}
}
