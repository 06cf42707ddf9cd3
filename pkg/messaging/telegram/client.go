// Package telegram implements channel invites, message delivery and the
// recipient bot on top of the Telegram Bot API.
package telegram

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
)

const (
	serviceName        = "telegram"
	defaultBaseURL     = "https://api.telegram.org"
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
)

// ErrNotConfigured is returned when the client has no bot token
var ErrNotConfigured = errors.New("telegram client not configured")

// Config configures the Bot API client
type Config struct {
	// Token is the bot token issued by @BotFather
	Token string

	// BaseURL overrides the Bot API host (tests, local Bot API servers)
	BaseURL string

	// HTTPClient is an optional HTTP client. Long polling needs a timeout
	// larger than the poll timeout; the default client uses 10s plus the poll timeout.
	HTTPClient *http.Client

	// Logger is used for structured logging (default: NoopLogger)
	Logger gatepass.Logger

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics gatepass.Metrics
}

// Client is a minimal Telegram Bot API client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     gatepass.Logger
	metrics    gatepass.Metrics
}

var (
	_ gatepass.InviteCreator = (*Client)(nil)
	_ gatepass.Messenger     = (*Client)(nil)
)

// NewClient creates a Bot API client
func NewClient(config Config) (*Client, error) {
	token := strings.TrimSpace(config.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: bot token is required", ErrNotConfigured)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout + maxPollTimeout}
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
		token:      token,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// APIError is an unsuccessful Bot API answer
type APIError struct {
	Code        int
	Description string

	// RetryAfter is the flood-control wait the API asked for
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// RetryDelay is the wait flood control asked for, zero if none
func (e *APIError) RetryDelay() time.Duration {
	return e.RetryAfter
}

// Retryable reports whether the call may succeed later. Flood control and
// server errors are transient; bad requests and blocked bots are not.
func (e *APIError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type inlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type inlineKeyboardMarkup struct {
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID                string                `json:"chat_id"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *inlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends one message to msg.RecipientID's private chat
func (c *Client) SendMessage(ctx context.Context, msg *gatepass.Message) error {
	if msg == nil || msg.RecipientID == "" || msg.Text == "" {
		return &APIError{Code: http.StatusBadRequest, Description: "recipient and text are required"}
	}

	req := &sendMessageRequest{
		ChatID:                msg.RecipientID,
		Text:                  msg.Text,
		DisableWebPagePreview: msg.DisablePreview,
	}
	if msg.HTML {
		req.ParseMode = "HTML"
	}
	if msg.Button != nil && msg.Button.URL != "" {
		req.ReplyMarkup = &inlineKeyboardMarkup{
			InlineKeyboard: [][]inlineKeyboardButton{{{Text: msg.Button.Text, URL: msg.Button.URL}}},
		}
	}
	return c.call(ctx, "sendMessage", req, nil)
}

type createInviteLinkRequest struct {
	ChatID      string `json:"chat_id"`
	Name        string `json:"name,omitempty"`
	ExpireDate  int64  `json:"expire_date,omitempty"`
	MemberLimit int    `json:"member_limit,omitempty"`
}

type chatInviteLink struct {
	InviteLink  string `json:"invite_link"`
	Name        string `json:"name"`
	ExpireDate  int64  `json:"expire_date"`
	MemberLimit int    `json:"member_limit"`
}

// CreateInviteLink creates an additional invite link for the channel.
// The bot must be an administrator allowed to invite users.
func (c *Client) CreateInviteLink(ctx context.Context, req *gatepass.InviteRequest) (string, error) {
	if req == nil || req.ChatID == "" {
		return "", &APIError{Code: http.StatusBadRequest, Description: "chat id is required"}
	}

	body := &createInviteLinkRequest{
		ChatID:      req.ChatID,
		Name:        req.Name,
		MemberLimit: req.MemberLimit,
	}
	if !req.ExpireAt.IsZero() {
		body.ExpireDate = req.ExpireAt.Unix()
	}

	var link chatInviteLink
	if err := c.call(ctx, "createChatInviteLink", body, &link); err != nil {
		return "", err
	}
	if link.InviteLink == "" {
		return "", errors.New("telegram returned an empty invite link")
	}
	return link.InviteLink, nil
}

// User is a Telegram user
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// Chat is a Telegram chat
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Username string `json:"username"`
}

// IncomingMessage is a message received by the bot
type IncomingMessage struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

// Update is one entry of getUpdates
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *IncomingMessage `json:"message"`
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// GetUpdates long-polls for new messages starting at offset
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	req := &getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// call invokes a Bot API method with a JSON body and decodes result into out
func (c *Client) call(ctx context.Context, method string, in, out interface{}) error {
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordAPICall(serviceName, method, status)
		c.metrics.RecordAPICallDuration(serviceName, method, time.Since(start))
	}()

	raw, err := json.Marshal(in)
	if err != nil {
		return gatepass.Permanent(fmt.Errorf("failed to encode %s request: %w", method, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, bytes.NewReader(raw))
	if err != nil {
		return gatepass.Permanent(fmt.Errorf("failed to create %s request: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		// the URL embeds the token; keep it out of logs and errors
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram %s failed: %w", method, err)
	}
	defer res.Body.Close()
	status = strconv.Itoa(res.StatusCode)

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var env apiResponse
	if err := json.Unmarshal(body, &env); err != nil {
		if res.StatusCode >= 300 {
			return &APIError{Code: res.StatusCode, Description: http.StatusText(res.StatusCode)}
		}
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}

	if !env.OK {
		apiErr := &APIError{Code: env.ErrorCode, Description: env.Description}
		if apiErr.Code == 0 {
			apiErr.Code = res.StatusCode
		}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("failed to parse %s result: %w", method, err)
		}
	}
	return nil
}
