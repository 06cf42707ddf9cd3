package api

import "time"

// AccessResponse is a recipient's current access standing
type AccessResponse struct {
	RecipientID   string     `json:"recipient_id"`
	Tier          string     `json:"tier"`
	TierExpiresAt *time.Time `json:"tier_expires_at,omitempty"`
	Status        string     `json:"status"` // "active", "expired", "free"
}

// ContentResponse lists the content visible to a recipient
type ContentResponse struct {
	RecipientID string        `json:"recipient_id"`
	Tier        string        `json:"tier"`
	Items       []ContentItem `json:"items"`
}

// ContentItem is one piece of content
type ContentItem struct {
	ID        string    `json:"id"`
	Tier      string    `json:"tier"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// BroadcastRequest is the body of POST /admin/broadcast
type BroadcastRequest struct {
	Text string `json:"text"`
}

// BroadcastResponse reports a broadcast
type BroadcastResponse struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// AddContentRequest is the body of POST /admin/content
type AddContentRequest struct {
	Tier string `json:"tier"`
	Body string `json:"body"`
}

// GrantResponse describes an access grant
type GrantResponse struct {
	TxID        string     `json:"tx_id"`
	RecipientID string     `json:"recipient_id"`
	Status      string     `json:"status"`
	ExpiresAt   time.Time  `json:"expires_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}
