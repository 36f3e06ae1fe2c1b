// Package messaging connects chat transports to the conversation
// orchestrator. Each Service adapts one channel; the Gateway routes outbound
// replies to the service owning the channel and pumps inbound messages into
// the orchestrator.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a pluggable chat transport.
type Service interface {
	// Channel is the channel name carried by this service's inbound messages
	// and used to route replies back to it.
	Channel() string

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier for this transport.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends body to a recipient and returns the provider message id.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing (e.g., event subscriptions).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Inbound returns a channel of messages received from customers.
	Inbound() <-chan models.InboundMessage
}

// events holds the receipt and inbound channels shared by the services.
type events struct {
	name     string
	receipts chan models.Receipt
	inbound  chan models.InboundMessage

	mu      sync.RWMutex
	stopped bool
}

func newEvents(name string) *events {
	return &events{
		name:     name,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (e *events) Receipts() <-chan models.Receipt {
	return e.receipts
}

func (e *events) Inbound() <-chan models.InboundMessage {
	return e.inbound
}

func (e *events) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// stop closes both channels once. Emits hold the read lock, so no send can
// race the close.
func (e *events) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.receipts)
	close(e.inbound)
}

func (e *events) emitReceipt(r models.Receipt) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: receipts channel blocked, dropping receipt", "service", e.name, "to", r.To)
	}
}

// emitInbound reports whether msg was accepted.
func (e *events) emitInbound(msg models.InboundMessage) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		slog.Warn("messaging: dropping inbound message, service stopped", "service", e.name, "from", msg.From)
		return false
	}
	select {
	case e.inbound <- msg:
		slog.Debug("messaging: inbound message emitted", "service", e.name, "from", msg.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: inbound channel blocked, dropping message", "service", e.name, "from", msg.From)
		return false
	}
}

// canonicalPhone strips everything but digits and requires at least 6 of them.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
