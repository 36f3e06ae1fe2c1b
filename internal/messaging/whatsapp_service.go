package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/whatsapp"
)

// eventSource is implemented by clients that report incoming WhatsApp events.
type eventSource interface {
	OnInbound(h whatsapp.InboundHandler)
	OnReceipt(h whatsapp.ReceiptHandler)
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	*events
	client whatsapp.Sender
}

// NewWhatsAppService creates a new WhatsAppService wrapping client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	return &WhatsAppService{events: newEvents(whatsapp.Channel), client: client}
}

// Channel implements Service.
func (s *WhatsAppService) Channel() string { return whatsapp.Channel }

// ValidateAndCanonicalizeRecipient returns the bare digits used in WhatsApp JIDs.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start subscribes to the client's message and receipt events when the
// client reports them.
func (s *WhatsAppService) Start(ctx context.Context) error {
	src, ok := s.client.(eventSource)
	if !ok {
		slog.Debug("WhatsAppService.Start: client has no event source, inbound disabled")
		return nil
	}
	src.OnInbound(func(msg models.InboundMessage) { s.emitInbound(msg) })
	src.OnReceipt(s.emitReceipt)
	slog.Debug("WhatsAppService.Start: event handlers registered")
	return nil
}

// Stop closes the event channels.
func (s *WhatsAppService) Stop() error {
	s.stop()
	slog.Info("WhatsAppService.Stop: stopped and channels closed")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	id, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonicalTo)
		return "", err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return id, nil
}

var _ Service = (*WhatsAppService)(nil)
