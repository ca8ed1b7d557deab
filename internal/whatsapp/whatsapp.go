// Package whatsapp wraps the whatsmeow client for the TaskPipe WhatsApp
// transport.
//
// It logs in (QR code or numeric pairing code on first run), sends text
// messages and turns whatsmeow events into models.Message and models.Receipt
// values so nothing above this package sees protocol types.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow device database
	DefaultSQLitePath = "/var/lib/taskpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users
	JIDSuffix = types.DefaultUserServer
)

var (
	ErrNotConnected = errors.New("whatsapp client not initialized")
	ErrNoRecipient  = errors.New("recipient cannot be empty")
	ErrEmptyBody    = errors.New("message body cannot be empty")
)

// WhatsAppSender is the sending half of the client (real or mock).
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// EventSource delivers inbound messages and receipts. *Client implements it;
// MockClient does too so services can be tested without a phone.
type EventSource interface {
	Subscribe(onMessage func(models.Message), onReceipt func(models.Receipt)) (unsubscribe func())
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device database connection string
	QRPath      string // path to write the login QR code to
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// driverFor picks the database/sql driver whatsmeow should use for dsn.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// NewClient opens the device store, logs in if the device is new and
// connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewClient: options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	driver := driverFor(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite device database without foreign keys; whatsmeow recommends '?_foreign_keys=on'", "dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("whatsapp.NewClient: failed to open device store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("whatsapp.NewClient: connected")
		return &Client{waClient: waClient}, nil
	}

	slog.Info("whatsapp.NewClient: login required, starting QR flow")
	if err := login(ctx, waClient, cfg); err != nil {
		return nil, err
	}
	slog.Info("whatsapp.NewClient: logged in and connected")
	return &Client{waClient: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}

	for evt := range qrChan {
		switch {
		case evt.Event == whatsmeow.QRChannelEventCode && cfg.NumericCode:
			fmt.Fprintln(out, evt.Code)
		case evt.Event == whatsmeow.QRChannelEventCode:
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		default:
			slog.Debug("whatsapp.login: event", "event", evt.Event)
		}
	}
	if waClient.Store.ID == nil {
		return errors.New("whatsapp login did not complete")
	}
	return nil
}

// recipientJID accepts a full JID ("123-456@g.us") or a phone number with
// or without a leading "+".
func recipientJID(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix), nil
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotConnected
	}
	if to == "" {
		return ErrNoRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}

	jid, err := recipientJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("Client.SendMessage: send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// Subscribe registers whatsmeow event handlers that forward text messages
// and delivery receipts.
func (c *Client) Subscribe(onMessage func(models.Message), onReceipt func(models.Receipt)) func() {
	id := c.waClient.AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			if msg, ok := messageFromEvent(v); ok && onMessage != nil {
				onMessage(msg)
			}
		case *events.Receipt:
			if r, ok := receiptFromEvent(v); ok && onReceipt != nil {
				onReceipt(r)
			}
		}
	})
	return func() { c.waClient.RemoveEventHandler(id) }
}

// Disconnect closes the websocket.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// messageFromEvent keeps text messages from other people. A group keeps its
// full JID as conversation; a direct chat is addressed by phone number.
func messageFromEvent(evt *events.Message) (models.Message, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return models.Message{}, false
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		return models.Message{}, false
	}

	conversation := evt.Info.Chat.User
	if evt.Info.IsGroup {
		conversation = evt.Info.Chat.String()
	}
	return models.Message{
		ID:             string(evt.Info.ID),
		ConversationID: conversation,
		From:           evt.Info.Sender.User,
		Text:           text,
		Time:           evt.Info.Timestamp,
		Transport:      models.TransportWhatsApp,
	}, true
}

func receiptFromEvent(evt *events.Receipt) (models.Receipt, bool) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}
	return models.Receipt{To: evt.MessageSource.Sender.User, Status: status, Time: evt.Timestamp.Unix()}, true
}

// MockClient records sends and lets tests inject inbound events.
type MockClient struct {
	mu        sync.Mutex
	Sent      []SentMessage
	SendErr   error
	onMessage func(models.Message)
	onReceipt func(models.Receipt)
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) Subscribe(onMessage func(models.Message), onReceipt func(models.Receipt)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage, m.onReceipt = onMessage, onReceipt
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.onMessage, m.onReceipt = nil, nil
	}
}

// Deliver simulates an inbound message.
func (m *MockClient) Deliver(msg models.Message) {
	m.mu.Lock()
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Messages returns a copy of the recorded sends.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
