package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// MessageSender delivers an outbound message over a chat channel.
type MessageSender interface {
	Deliver(ctx context.Context, msg models.OutboundMessage) (models.SendResult, error)
}

// StaffContact is a chat address that receives staff notifications.
type StaffContact struct {
	Channel string
	Address string
}

// Notifier records staff notifications and forwards them to staff contacts.
type Notifier struct {
	store  store.NotificationStore
	sender MessageSender
	staff  []StaffContact
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithStaffContacts forwards every notification to contacts through sender.
func WithStaffContacts(sender MessageSender, contacts ...StaffContact) NotifierOption {
	return func(n *Notifier) {
		n.sender = sender
		n.staff = append(n.staff, contacts...)
	}
}

// NewNotifier creates a Notifier persisting to st.
func NewNotifier(st store.NotificationStore, opts ...NotifierOption) *Notifier {
	n := &Notifier{store: st}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify saves the notification and forwards it to staff. Forwarding failures
// are logged only; an error is returned when the notification could not be
// saved.
func (n *Notifier) Notify(ctx context.Context, note models.Notification) error {
	if err := n.store.SaveNotification(ctx, &note); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	slog.Info("Notifier.Notify: notification recorded", "id", note.ID, "priority", note.Priority, "title", note.Title)

	if n.sender == nil {
		return nil
	}
	text := formatNotification(note)
	for _, c := range n.staff {
		res, err := n.sender.Deliver(ctx, models.OutboundMessage{Channel: c.Channel, To: c.Address, Text: text})
		if err != nil || !res.Success {
			slog.Warn("Notifier.Notify: staff delivery failed", "id", note.ID, "to", c.Address, "error", err)
		}
	}
	return nil
}

func formatNotification(note models.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(note.Priority)), note.Title)
	if note.Message != "" {
		b.WriteString("\n")
		b.WriteString(note.Message)
	}
	if len(note.RelatedIDs) > 0 {
		b.WriteString("\nRef: ")
		b.WriteString(strings.Join(note.RelatedIDs, ", "))
	}
	return b.String()
}
