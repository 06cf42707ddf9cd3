package gatepass

import "strings"

const (
	// MetaRecipientID is the metadata key carrying the recipient's messaging id
	MetaRecipientID = "recipient_id"

	// MetaLegacyRecipientID is accepted when MetaRecipientID is absent
	MetaLegacyRecipientID = "telegram_user_id"

	// MetaRecipientName optionally carries a display name
	MetaRecipientName = "recipient_name"
)

// ResolveIdentity maps a verified transaction to the recipient that paid.
// The id must have been attached to the payment when its link was created.
func ResolveIdentity(tx *Transaction) (RecipientIdentity, error) {
	if tx == nil {
		return RecipientIdentity{}, ErrMissingIdentity
	}

	id := strings.TrimSpace(tx.Meta[MetaRecipientID])
	if id == "" {
		id = strings.TrimSpace(tx.Meta[MetaLegacyRecipientID])
	}
	if id == "" {
		return RecipientIdentity{}, ErrMissingIdentity
	}

	return RecipientIdentity{
		ID:          id,
		DisplayName: strings.TrimSpace(tx.Meta[MetaRecipientName]),
	}, nil
}
