// Package whatsapp wraps the Whatsmeow client for direct WhatsApp integration
// in ConvoPipe.
//
// It sends text replies and turns incoming WhatsApp events into inbound
// messages.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/convopipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// Channel is the channel name of inbound messages from this client.
	Channel = "whatsapp"
)

// Sender sends WhatsApp messages. *Client and *MockClient implement it.
type Sender interface {
	// SendMessage sends body to the phone number to and returns the
	// WhatsApp message id.
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// InboundHandler receives messages sent to the connected account.
type InboundHandler func(msg models.InboundMessage)

// ReceiptHandler receives delivery and read receipts for sent messages.
type ReceiptHandler func(r models.Receipt)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client

	mu       sync.RWMutex
	handlers []InboundHandler
	receipts []ReceiptHandler
}

// NewClient creates a new WhatsApp client, logging in with a QR code (or
// numeric code) when the device is not yet paired.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := "sqlite3"
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else if !HasForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	c := &Client{waClient: whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))}
	c.waClient.AddEventHandler(c.handleEvent)

	if c.waClient.Store.ID == nil {
		if err := c.login(cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := c.waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return c, nil
}

func (c *Client) login(cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := c.waClient.GetQRChannel(context.Background())
	if err := c.waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// OnInbound registers h for incoming text messages.
func (c *Client) OnInbound(h InboundHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnReceipt registers h for delivery and read receipts.
func (c *Client) OnReceipt(h ReceiptHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts = append(c.receipts, h)
}

func (c *Client) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		in, ok := InboundFromEvent(v)
		if !ok {
			return
		}
		c.mu.RLock()
		handlers := append([]InboundHandler(nil), c.handlers...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(in)
		}
	case *events.Receipt:
		r, ok := ReceiptFromEvent(v)
		if !ok {
			return
		}
		c.mu.RLock()
		handlers := append([]ReceiptHandler(nil), c.receipts...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(r)
		}
	}
}

// SendMessage sends a WhatsApp message to the specified recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(to, JIDSuffix)
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return string(resp.ID), nil
}

// Disconnect closes the connection to WhatsApp.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// InboundFromEvent converts a whatsmeow message event. Own messages, group
// messages and messages without text are skipped.
func InboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}
	text := TextOf(evt.Message)
	if text == "" {
		return models.InboundMessage{}, false
	}
	ts := evt.Info.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.InboundMessage{
		ID:        string(evt.Info.ID),
		Channel:   Channel,
		From:      evt.Info.Sender.User,
		Text:      text,
		Timestamp: ts,
	}, true
}

// ReceiptFromEvent converts a delivered or read receipt. Other receipt types
// are skipped.
func ReceiptFromEvent(evt *events.Receipt) (models.Receipt, bool) {
	if evt == nil {
		return models.Receipt{}, false
	}
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}
	return models.Receipt{
		To:     evt.MessageSource.Chat.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	}, true
}

// TextOf returns the text of a plain or extended text message.
func TextOf(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if text := m.GetConversation(); text != "" {
		return text
	}
	return m.GetExtendedTextMessage().GetText()
}

// HasForeignKeys reports whether a SQLite DSN enables foreign keys.
func HasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// MockClient records sends for tests.
type MockClient struct {
	mu   sync.Mutex
	Sent []string
	Err  error
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage implements Sender.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, to+": "+body)
	return fmt.Sprintf("wa_%d", len(m.Sent)), nil
}

var (
	_ Sender = (*Client)(nil)
	_ Sender = (*MockClient)(nil)
)
