// Package telegram wraps the telego Bot API client for the Telegram
// transport.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

var (
	ErrTokenNotSet = errors.New("telegram bot token not set")
	ErrInvalidChat = errors.New("invalid telegram chat id")
)

// botAPI is the part of *telego.Bot the client uses.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendAnimation(ctx context.Context, params *telego.SendAnimationParams) (*telego.Message, error)
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
}

// Opts holds configuration options for the Telegram client.
type Opts struct {
	Token string
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// Client sends and receives Telegram bot messages. Conversations are chat
// ids in decimal.
type Client struct {
	bot botAPI
}

// NewClient creates a client. The token falls back to TELEGRAM_BOT_TOKEN.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, ErrTokenNotSet
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	slog.Debug("telegram.NewClient: bot created")
	return &Client{bot: bot}, nil
}

func chatID(to string) (telego.ChatID, error) {
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("%w %q", ErrInvalidChat, to)
	}
	return tu.ID(id), nil
}

// SendMessage sends plain text and removes any reply keyboard.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	id, err := chatID(to)
	if err != nil {
		return err
	}
	params := tu.Message(id, body)
	params.ReplyMarkup = tu.ReplyKeyboardRemove()
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		slog.Error("Client.SendMessage: send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// SendKeyboard sends text with a one-time reply keyboard, one button per row.
func (c *Client) SendKeyboard(ctx context.Context, to string, body string, options []string) error {
	id, err := chatID(to)
	if err != nil {
		return err
	}
	rows := make([][]telego.KeyboardButton, 0, len(options))
	for _, o := range options {
		rows = append(rows, tu.KeyboardRow(tu.KeyboardButton(o)))
	}
	keyboard := tu.Keyboard(rows...)
	keyboard.ResizeKeyboard = true
	keyboard.OneTimeKeyboard = true

	params := tu.Message(id, body)
	params.ReplyMarkup = keyboard
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send keyboard to %s: %w", to, err)
	}
	return nil
}

// SendAnimation sends a GIF by URL with an optional caption.
func (c *Client) SendAnimation(ctx context.Context, to string, url string, caption string) error {
	id, err := chatID(to)
	if err != nil {
		return err
	}
	params := tu.Animation(id, tu.FileFromURL(url))
	params.Caption = caption
	if _, err := c.bot.SendAnimation(ctx, params); err != nil {
		return fmt.Errorf("failed to send animation to %s: %w", to, err)
	}
	return nil
}

// Listen long-polls for updates and hands each text message to fn until ctx
// is done.
func (c *Client) Listen(ctx context.Context, fn func(models.Message)) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}
	slog.Info("Client.Listen: long polling started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg, ok := messageFromUpdate(update); ok {
				fn(msg)
			}
		}
	}
}

func messageFromUpdate(update telego.Update) (models.Message, bool) {
	m := update.Message
	if m == nil || m.Text == "" || m.From == nil || m.From.IsBot {
		return models.Message{}, false
	}
	chat := strconv.FormatInt(m.Chat.ID, 10)
	return models.Message{
		ID:             chat + ":" + strconv.Itoa(m.MessageID),
		ConversationID: chat,
		From:           strconv.FormatInt(m.From.ID, 10),
		Text:           m.Text,
		Time:           time.Unix(m.Date, 0),
		Transport:      models.TransportTelegram,
	}, true
}
