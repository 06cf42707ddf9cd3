package gatepass

import (
	"errors"
	"testing"
)

func TestResolveIdentity(t *testing.T) {
	tests := []struct {
		name    string
		meta    map[string]string
		want    RecipientIdentity
		wantErr error
	}{
		{
			name: "recipient id and name",
			meta: map[string]string{MetaRecipientID: "42", MetaRecipientName: "Ada"},
			want: RecipientIdentity{ID: "42", DisplayName: "Ada"},
		},
		{
			name: "legacy key",
			meta: map[string]string{MetaLegacyRecipientID: "77"},
			want: RecipientIdentity{ID: "77"},
		},
		{
			name: "recipient id wins over legacy key",
			meta: map[string]string{MetaRecipientID: "42", MetaLegacyRecipientID: "77"},
			want: RecipientIdentity{ID: "42"},
		},
		{
			name: "whitespace is trimmed",
			meta: map[string]string{MetaRecipientID: " 42 "},
			want: RecipientIdentity{ID: "42"},
		},
		{name: "blank id", meta: map[string]string{MetaRecipientID: "  "}, wantErr: ErrMissingIdentity},
		{name: "no meta", meta: nil, wantErr: ErrMissingIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveIdentity(&Transaction{ID: "1", Meta: tt.meta})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ResolveIdentity() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveIdentity() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveIdentity_NilTransaction(t *testing.T) {
	if _, err := ResolveIdentity(nil); !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("Expected ErrMissingIdentity, got %v", err)
	}
}
