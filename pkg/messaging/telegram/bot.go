package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/pkg/payment"
)

const (
	defaultPollTimeout = 30 * time.Second
	maxPollTimeout     = 50 * time.Second
	defaultCurrency    = "NGN"
	pollErrorBackoff   = 3 * time.Second
)

const helpText = "Use /pay <amount> to generate your payment link.\n" +
	"Example: /pay 500\n\n" +
	"/status shows your subscription\n" +
	"/content shows the latest posts"

// updateSource is the part of Client the bot polls
type updateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// BotConfig configures the recipient bot
type BotConfig struct {
	// Currency of payment links (default: NGN)
	Currency string

	// RedirectURL is where the payer lands after checkout
	RedirectURL string

	// Title and Description customize the hosted checkout page
	Title       string
	Description string

	// PollTimeout is the getUpdates long-poll timeout (default: 30s, max 50s)
	PollTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger gatepass.Logger

	// Now is the time source (default: time.Now)
	Now func() time.Time
}

// BotDeps are the collaborators of the bot
type BotDeps struct {
	Updates    updateSource
	Notifier   *gatepass.Notifier
	Linker     payment.Linker
	Ledger     gatepass.Ledger
	Recipients gatepass.RecipientStore
	Content    gatepass.ContentStore
}

// Bot answers recipient commands: registration, payment links, status and content
type Bot struct {
	updates    updateSource
	notifier   *gatepass.Notifier
	linker     payment.Linker
	ledger     gatepass.Ledger
	recipients gatepass.RecipientStore
	content    gatepass.ContentStore
	config     BotConfig
	offset     int64
}

// NewBot creates a bot. Updates, Notifier, Linker, Ledger, Recipients and
// Content are all required.
func NewBot(deps BotDeps, config BotConfig) (*Bot, error) {
	if deps.Updates == nil || deps.Notifier == nil || deps.Linker == nil ||
		deps.Ledger == nil || deps.Recipients == nil || deps.Content == nil {
		return nil, fmt.Errorf("%w: bot dependencies are incomplete", gatepass.ErrInvalidConfig)
	}

	if config.Currency == "" {
		config.Currency = defaultCurrency
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaultPollTimeout
	}
	if config.PollTimeout > maxPollTimeout {
		config.PollTimeout = maxPollTimeout
	}
	if config.Logger == nil {
		config.Logger = &gatepass.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Bot{
		updates:    deps.Updates,
		notifier:   deps.Notifier,
		linker:     deps.Linker,
		ledger:     deps.Ledger,
		recipients: deps.Recipients,
		content:    deps.Content,
		config:     config,
	}, nil
}

// Run long-polls for updates until ctx is done
func (b *Bot) Run(ctx context.Context) error {
	b.config.Logger.Info("telegram bot polling started")
	for {
		updates, err := b.updates.GetUpdates(ctx, b.offset, b.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := pollErrorBackoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			b.config.Logger.Warn("getUpdates failed",
				gatepass.F("error", err.Error()),
				gatepass.F("retry_in", wait.String()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			b.handleUpdate(ctx, &u)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, u *Update) {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	command, args := parseCommand(text)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	var reply string
	switch command {
	case "start":
		reply = b.start(ctx, chatID, msg.From)
	case "pay":
		reply = b.pay(ctx, chatID, msg.From, args)
	case "status":
		reply = b.status(ctx, chatID)
	case "content":
		reply = b.listContent(ctx, chatID)
	default:
		reply = helpText
	}

	if err := b.notifier.Send(ctx, chatID, reply); err != nil {
		b.config.Logger.Warn("failed to reply",
			gatepass.F("recipient_id", chatID),
			gatepass.F("command", command),
			gatepass.F("error", err.Error()),
		)
	}
}

// parseCommand splits "/pay@SomeBot 500" into ("pay", ["500"])
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	command := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(command, '@'); i >= 0 {
		command = command[:i]
	}
	return strings.ToLower(command), fields[1:]
}

func (b *Bot) start(ctx context.Context, chatID string, from *User) string {
	err := b.recipients.SaveRecipient(ctx, &gatepass.Recipient{
		ID:           chatID,
		Username:     from.Username,
		DisplayName:  strings.TrimSpace(from.FirstName + " " + from.LastName),
		RegisteredAt: b.config.Now().UTC(),
	})
	if err != nil {
		b.config.Logger.Error("failed to register recipient",
			gatepass.F("recipient_id", chatID),
			gatepass.F("error", err.Error()),
		)
		return "Something went wrong, please try /start again later."
	}
	return "Welcome! Your Telegram ID has been saved.\n\n" + helpText
}

func (b *Bot) pay(ctx context.Context, chatID string, from *User, args []string) string {
	if len(args) == 0 {
		return "Please provide an amount. Example: /pay 500"
	}
	amount, err := strconv.Atoi(args[0])
	if err != nil {
		return "Amount must be a number. Example: /pay 500"
	}
	if amount <= 0 {
		return "Amount must be positive. Example: /pay 500"
	}

	name := from.Username
	if name == "" {
		name = "User_" + chatID
	}

	link, err := b.linker.CreatePaymentLink(ctx, &payment.LinkRequest{
		TxRef:        fmt.Sprintf("tx_%s_%d", chatID, b.config.Now().Unix()),
		Amount:       strconv.Itoa(amount),
		Currency:     b.config.Currency,
		RedirectURL:  b.config.RedirectURL,
		RecipientID:  chatID,
		CustomerName: name,
		Title:        b.config.Title,
		Description:  b.config.Description,
	})
	if err != nil {
		b.config.Logger.Error("failed to create payment link",
			gatepass.F("recipient_id", chatID),
			gatepass.F("error", err.Error()),
		)
		return "Failed to create payment link. Try again later."
	}
	return "Click here to pay: " + link
}

func (b *Bot) status(ctx context.Context, chatID string) string {
	rec, err := b.ledger.Check(ctx, chatID, b.config.Now().UTC())
	if err != nil {
		b.config.Logger.Error("subscription check failed",
			gatepass.F("recipient_id", chatID),
			gatepass.F("error", err.Error()),
		)
		return "Could not load your subscription. Try again later."
	}

	if rec.Tier == gatepass.TierPremium && rec.TierExpiresAt != nil {
		return fmt.Sprintf("Your plan: premium, active until %s.", rec.TierExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	return "Your plan: free. Use /pay <amount> to upgrade."
}

func (b *Bot) listContent(ctx context.Context, chatID string) string {
	rec, err := b.ledger.Check(ctx, chatID, b.config.Now().UTC())
	if err != nil {
		b.config.Logger.Error("subscription check failed",
			gatepass.F("recipient_id", chatID),
			gatepass.F("error", err.Error()),
		)
		return "Could not load content. Try again later."
	}

	items, err := gatepass.VisibleContent(ctx, b.content, rec.Tier, gatepass.DefaultContentLimit)
	if err != nil {
		b.config.Logger.Error("content listing failed", gatepass.F("error", err.Error()))
		return "Could not load content. Try again later."
	}
	if len(items) == 0 {
		return "Nothing posted yet."
	}

	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if item.Tier == gatepass.TierPremium {
			sb.WriteString("[premium] ")
		}
		sb.WriteString(item.Body)
	}
	return sb.String()
}
