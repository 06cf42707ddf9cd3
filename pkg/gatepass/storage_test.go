package gatepass

import (
	"errors"
	"testing"
	"time"
)

func TestNextReservation(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	req := &ReserveRequest{TxID: "tx1", RecipientID: "42", Now: now, StaleAfter: time.Minute}

	tests := []struct {
		name         string
		existing     *AccessGrant
		wantReserved bool
		wantErr      error
		wantAttempts int
		wantStatus   GrantStatus
	}{
		{
			name:         "absent",
			wantReserved: true,
			wantAttempts: 1,
			wantStatus:   GrantStatusReserved,
		},
		{
			name:         "provisioned is returned as is",
			existing:     &AccessGrant{TxID: "tx1", Status: GrantStatusProvisioned, Attempts: 2, Link: "l"},
			wantAttempts: 2,
			wantStatus:   GrantStatusProvisioned,
		},
		{
			name:         "needs manual is returned as is",
			existing:     &AccessGrant{TxID: "tx1", Status: GrantStatusNeedsManual, Attempts: 5},
			wantAttempts: 5,
			wantStatus:   GrantStatusNeedsManual,
		},
		{
			name:         "fresh reservation is in progress",
			existing:     &AccessGrant{TxID: "tx1", Status: GrantStatusReserved, Attempts: 1, ReservedAt: now.Add(-30 * time.Second)},
			wantErr:      ErrGrantInProgress,
			wantAttempts: 1,
			wantStatus:   GrantStatusReserved,
		},
		{
			name:         "stale reservation is taken over",
			existing:     &AccessGrant{TxID: "tx1", Status: GrantStatusReserved, Attempts: 1, ReservedAt: now.Add(-2 * time.Minute)},
			wantReserved: true,
			wantAttempts: 2,
			wantStatus:   GrantStatusReserved,
		},
		{
			name:         "failed is retried",
			existing:     &AccessGrant{TxID: "tx1", Status: GrantStatusFailed, Attempts: 3, LastError: "boom"},
			wantReserved: true,
			wantAttempts: 4,
			wantStatus:   GrantStatusReserved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant, reserved, err := NextReservation(tt.existing, req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if reserved != tt.wantReserved {
				t.Errorf("reserved = %v, want %v", reserved, tt.wantReserved)
			}
			if grant.Attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", grant.Attempts, tt.wantAttempts)
			}
			if grant.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", grant.Status, tt.wantStatus)
			}
			if reserved && !grant.ReservedAt.Equal(now) {
				t.Errorf("reservedAt = %v, want %v", grant.ReservedAt, now)
			}
		})
	}
}

func TestNextReservation_NeverStaleWithoutTimeout(t *testing.T) {
	existing := &AccessGrant{TxID: "tx1", Status: GrantStatusReserved, ReservedAt: time.Unix(0, 0)}
	_, _, err := NextReservation(existing, &ReserveRequest{TxID: "tx1", Now: time.Now()})
	if !errors.Is(err, ErrGrantInProgress) {
		t.Errorf("Expected ErrGrantInProgress, got %v", err)
	}
}

func TestApplyFailure_DoesNotMutateInput(t *testing.T) {
	grant := &AccessGrant{TxID: "tx1", Status: GrantStatusReserved}
	failed := ApplyFailure(grant, GrantStatusFailed, "boom")

	if grant.Status != GrantStatusReserved {
		t.Error("ApplyFailure mutated its input")
	}
	if failed.Status != GrantStatusFailed || failed.LastError != "boom" {
		t.Errorf("unexpected failed grant: %+v", failed)
	}
}
