package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

const (
	statusActive       = "active"
	statusExpired      = "expired"
	statusFree         = "free"
	maxRecipientIDLen  = 255
	maxContentLimit    = 100
	maxAdminBodyBytes  = 64 * 1024
	maxBroadcastLength = 4096
)

// Handler provides the access, content and admin HTTP endpoints
type Handler struct {
	config Config
}

// Routes mounts every endpoint on a chi router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/access/{recipientID}", h.GetAccess)
	r.Get("/content/{recipientID}", h.GetContent)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.RequireAdmin)
		r.Post("/broadcast", h.Broadcast)
		r.Post("/content", h.AddContent)
		r.Post("/grants/{txID}/redeliver", h.Redeliver)
	})
	return r
}

// GetAccess returns the recipient's tier, checked against the ledger
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.recipientID(w, r)
	if !ok {
		return
	}

	rec, err := h.config.Ledger.Check(r.Context(), recipientID, h.config.Now())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to check access: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, AccessResponse{
		RecipientID:   recipientID,
		Tier:          string(rec.Tier),
		TierExpiresAt: rec.TierExpiresAt,
		Status:        accessStatus(rec),
	})
}

func accessStatus(rec *gatepass.SubscriptionRecord) string {
	switch {
	case rec.Tier == gatepass.TierPremium:
		return statusActive
	case rec.TierExpiresAt != nil:
		return statusExpired
	default:
		return statusFree
	}
}

// GetContent returns the newest items the recipient's tier can see
func (h *Handler) GetContent(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.recipientID(w, r)
	if !ok {
		return
	}

	limit := gatepass.DefaultContentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxContentLimit {
			h.handleError(w, r, fmt.Errorf("limit must be between 1 and %d", maxContentLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	rec, err := h.config.Ledger.Check(r.Context(), recipientID, h.config.Now())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to check access: %w", err), http.StatusInternalServerError)
		return
	}

	items, err := gatepass.VisibleContent(r.Context(), h.config.Content, rec.Tier, limit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list content: %w", err), http.StatusInternalServerError)
		return
	}

	resp := ContentResponse{
		RecipientID: recipientID,
		Tier:        string(rec.Tier),
		Items:       make([]ContentItem, 0, len(items)),
	}
	for _, item := range items {
		resp.Items = append(resp.Items, ContentItem{
			ID:        item.ID,
			Tier:      string(item.Tier),
			Body:      item.Body,
			CreatedAt: item.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequireAdmin admits requests carrying the admin bearer token
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.AdminToken == "" {
			h.handleError(w, r, errors.New("admin API not configured"), http.StatusServiceUnavailable)
			return
		}

		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			h.handleError(w, r, errors.New("missing bearer token"), http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(auth[len("bearer "):])
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) != 1 {
			h.handleError(w, r, errors.New("invalid admin token"), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Broadcast sends a message to every registered recipient
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	if h.config.Broadcaster == nil {
		h.handleError(w, r, errors.New("broadcast not configured"), http.StatusNotImplemented)
		return
	}

	var req BroadcastRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" || len(req.Text) > maxBroadcastLength {
		h.handleError(w, r, fmt.Errorf("text must be 1 to %d bytes", maxBroadcastLength), http.StatusBadRequest)
		return
	}

	report, err := h.config.Broadcaster.Broadcast(r.Context(), req.Text)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("broadcast failed: %w", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, BroadcastResponse{Total: report.Total, Sent: report.Sent, Failed: report.Failed})
}

// AddContent appends a content item
func (h *Handler) AddContent(w http.ResponseWriter, r *http.Request) {
	var req AddContentRequest
	if !h.decode(w, r, &req) {
		return
	}

	tier := gatepass.Tier(strings.ToLower(strings.TrimSpace(req.Tier)))
	if !tier.Valid() {
		h.handleError(w, r, fmt.Errorf("unknown tier %q", req.Tier), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		h.handleError(w, r, errors.New("body is required"), http.StatusBadRequest)
		return
	}

	item := &gatepass.ContentItem{
		ID:        uuid.NewString(),
		Tier:      tier,
		Body:      req.Body,
		CreatedAt: h.config.Now(),
	}
	if err := h.config.Content.AddContent(r.Context(), item); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to add content: %w", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, ContentItem{
		ID:        item.ID,
		Tier:      string(item.Tier),
		Body:      item.Body,
		CreatedAt: item.CreatedAt,
	})
}

// Redeliver re-sends a provisioned grant
func (h *Handler) Redeliver(w http.ResponseWriter, r *http.Request) {
	if h.config.Redeliverer == nil {
		h.handleError(w, r, errors.New("redelivery not configured"), http.StatusNotImplemented)
		return
	}

	txID := chi.URLParam(r, "txID")
	if txID == "" {
		h.handleError(w, r, errors.New("transaction id is required"), http.StatusBadRequest)
		return
	}

	grant, err := h.config.Redeliverer.Redeliver(r.Context(), txID)
	switch {
	case errors.Is(err, gatepass.ErrGrantNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
		return
	case errors.Is(err, gatepass.ErrDeliveryFailure):
		h.handleError(w, r, err, http.StatusBadGateway)
		return
	case err != nil:
		h.handleError(w, r, fmt.Errorf("redelivery failed: %w", err), http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info("grant redelivered", gatepass.F("tx_id", txID))
	writeJSON(w, http.StatusOK, GrantResponse{
		TxID:        grant.TxID,
		RecipientID: grant.RecipientID,
		Status:      string(grant.Status),
		ExpiresAt:   grant.ExpiresAt,
		DeliveredAt: grant.DeliveredAt,
	})
}

func (h *Handler) recipientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(h.config.GetRecipientID(r))
	if id == "" {
		h.handleError(w, r, errors.New("recipient ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(id) > maxRecipientIDLen {
		h.handleError(w, r, errors.New("invalid recipient ID format"), http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// response already sent
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("api request failed",
			gatepass.F("path", r.URL.Path),
			gatepass.F("error", err.Error()),
		)
	}
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
