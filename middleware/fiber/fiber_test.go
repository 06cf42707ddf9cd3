package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/storage/memory"
)

var testNow = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

// brokenLedger always fails its checks
type brokenLedger struct{ gatepass.NoopLedger }

func (brokenLedger) Check(context.Context, string, time.Time) (*gatepass.SubscriptionRecord, error) {
	return nil, errors.New("connection refused")
}

// Test helper to create a ledger over memory storage
func setupTestLedger(t *testing.T) *gatepass.StoreLedger {
	t.Helper()

	cfg := gatepass.DefaultConfig()
	cfg.ChannelID = "-100"
	ledger, err := gatepass.NewStoreLedger(memory.New(), cfg)
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	return ledger
}

func setupApp(cfg Config) *fiber.App {
	if cfg.GetRecipientID == nil {
		cfg.GetRecipientID = FromParam("id")
	}
	cfg.Now = func() time.Time { return testNow }

	app := fiber.New()
	app.Get("/premium/:id", Middleware(cfg), func(c *fiber.Ctx) error {
		rec, ok := Subscription(c)
		if !ok {
			return c.Status(fiber.StatusInternalServerError).SendString("no subscription in locals")
		}
		return c.SendString(string(rec.Tier))
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, http.NoBody))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestMiddleware_PremiumAllowed(t *testing.T) {
	ledger := setupTestLedger(t)
	if _, err := ledger.Extend(context.Background(), "42", "tx-1", testNow); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	code, body := doRequest(t, setupApp(Config{Ledger: ledger}), "/premium/42")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if body != "premium" {
		t.Errorf("Expected 'premium', got %s", body)
	}
}

func TestMiddleware_FreeForbidden(t *testing.T) {
	code, body := doRequest(t, setupApp(Config{Ledger: setupTestLedger(t)}), "/premium/7")
	if code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", code)
	}
	if body != `{"error":"subscription required","required_tier":"premium","tier":"free"}` {
		t.Errorf("Unexpected body %s", body)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	app := setupApp(Config{Ledger: setupTestLedger(t), GetRecipientID: FromHeader("X-Recipient-ID")})
	if code, _ := doRequest(t, app, "/premium/7"); code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", code)
	}
}

func TestMiddleware_LedgerError(t *testing.T) {
	var got error
	app := setupApp(Config{
		Ledger: brokenLedger{},
		OnError: func(c *fiber.Ctx, err error) error {
			got = err
			return c.SendStatus(fiber.StatusServiceUnavailable)
		},
	})

	if code, _ := doRequest(t, app, "/premium/42"); code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", code)
	}
	if got == nil || got.Error() != "connection refused" {
		t.Errorf("Expected ledger error, got %v", got)
	}
}

func TestMiddleware_DefaultLedgerError(t *testing.T) {
	app := setupApp(Config{Ledger: brokenLedger{}})
	if code, _ := doRequest(t, app, "/premium/42"); code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", code)
	}
}

func TestMiddleware_PanicsWithoutLedger(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic")
		}
	}()
	Middleware(Config{GetRecipientID: FromParam("id")})
}
