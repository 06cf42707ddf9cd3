package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/pkg/gatepass/gatepasstest"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}

	return client
}

// getTestCollections returns unique collection names for each test run
func getTestCollections(testName string) Config {
	timestamp := time.Now().UnixNano()
	return Config{
		GrantsCollection:        fmt.Sprintf("test_grants_%s_%d", testName, timestamp),
		SubscriptionsCollection: fmt.Sprintf("test_subs_%s_%d", testName, timestamp),
		RecipientsCollection:    fmt.Sprintf("test_recipients_%s_%d", testName, timestamp),
		ContentCollection:       fmt.Sprintf("test_content_%s_%d", testName, timestamp),
	}
}

func cleanupFirestore(t *testing.T, client *firestore.Client, config Config) {
	t.Helper()
	ctx := context.Background()

	collections := []string{
		config.GrantsCollection,
		config.SubscriptionsCollection,
		config.RecipientsCollection,
		config.ContentCollection,
	}
	for _, coll := range collections {
		iter := client.Collection(coll).Documents(ctx)
		bw := client.BulkWriter(ctx)

		for {
			doc, err := iter.Next()
			if err != nil {
				break
			}
			_, _ = bw.Delete(doc.Ref)
		}
		bw.End()
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestNew_Defaults(t *testing.T) {
	storage, err := New(&firestore.Client{}, Config{ContentCollection: "posts"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if storage.grantsCollection != "gatepass_grants" {
		t.Errorf("grantsCollection = %q", storage.grantsCollection)
	}
	if storage.subscriptionsCollection != "gatepass_subscriptions" {
		t.Errorf("subscriptionsCollection = %q", storage.subscriptionsCollection)
	}
	if storage.recipientsCollection != "gatepass_recipients" {
		t.Errorf("recipientsCollection = %q", storage.recipientsCollection)
	}
	if storage.contentCollection != "posts" {
		t.Errorf("contentCollection = %q", storage.contentCollection)
	}
}

func TestGrantData_RoundTrip(t *testing.T) {
	reserved := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delivered := reserved.Add(time.Minute)
	grant := &gatepass.AccessGrant{
		TxID:          "tx-1",
		RecipientID:   "42",
		Link:          "https://t.me/+abc",
		SingleUse:     true,
		Status:        gatepass.GrantStatusProvisioned,
		Attempts:      2,
		ReservedAt:    reserved,
		DeliveredAt:   &delivered,
		LedgerApplied: true,
	}

	data := grantData(grant)
	if _, ok := data["createdAt"]; ok {
		t.Error("zero createdAt should be omitted")
	}

	got := grantFromData("tx-1", data)
	if got.RecipientID != "42" || got.Link != grant.Link || !got.SingleUse {
		t.Errorf("unexpected grant: %+v", got)
	}
	if got.Status != gatepass.GrantStatusProvisioned || got.Attempts != 2 {
		t.Errorf("status/attempts = %s/%d", got.Status, got.Attempts)
	}
	if !got.ReservedAt.Equal(reserved) || !got.CreatedAt.IsZero() {
		t.Errorf("times = %v / %v", got.ReservedAt, got.CreatedAt)
	}
	if !got.Delivered() || !got.DeliveredAt.Equal(delivered) || !got.LedgerApplied {
		t.Errorf("delivery marks lost: %+v", got)
	}
}

func TestGetInt(t *testing.T) {
	data := map[string]interface{}{"a": int64(3), "b": 2.6, "c": "x"}
	if getInt(data, "a") != 3 || getInt(data, "b") != 3 || getInt(data, "c") != 0 {
		t.Errorf("getInt conversions wrong")
	}
}

func TestFirestore_Suite(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()

	config := getTestCollections("suite")
	storage, err := New(client, config)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer cleanupFirestore(t, client, config)

	gatepasstest.RunStorageSuite(t, storage)
}
