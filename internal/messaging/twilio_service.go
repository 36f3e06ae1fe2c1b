package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/twiliowhatsapp"
)

// TwilioChannel is the channel name of messages received through Twilio.
const TwilioChannel = "twilio"

// emptyTwiML acknowledges a webhook without sending a synchronous reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// WebhookValidator verifies Twilio request signatures.
// *twiliowhatsapp.Client implements it.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements Service on top of the Twilio WhatsApp API.
type TwilioService struct {
	*events
	client    twiliowhatsapp.Sender
	validator WebhookValidator
	publicURL string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhooks whose X-Twilio-Signature does not
// match. publicURL is the externally visible base URL Twilio posts to.
func WithSignatureValidation(v WebhookValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.publicURL = strings.TrimRight(publicURL, "/")
	}
}

// NewTwilioService creates a TwilioService sending through client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{events: newEvents(TwilioChannel), client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel implements Service.
func (s *TwilioService) Channel() string { return TwilioChannel }

// ValidateAndCanonicalizeRecipient returns the number in E.164 form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(twiliowhatsapp.StripAddress(recipient))
	if err != nil {
		return "", err
	}
	return "+" + canonical, nil
}

// Start is a no-op; inbound messages arrive through WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// SendMessage sends a message via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return "", err
	}
	sid, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		return "", err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return sid, nil
}

// WebhookHandler handles Twilio's inbound message and status callbacks.
// Messages are emitted on Inbound; status callbacks become receipts.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateWebhook(s.publicURL+r.URL.RequestURI(), params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature", "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := twiliowhatsapp.StripAddress(r.PostFormValue("From"))
	body := r.PostFormValue("Body")
	media := r.PostFormValue("MediaUrl0")

	if status := r.PostFormValue("MessageStatus"); status != "" && body == "" && media == "" {
		s.handleStatus(twiliowhatsapp.StripAddress(r.PostFormValue("To")), status)
		writeTwiML(w)
		return
	}

	if from == "" || (body == "" && media == "") {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		ID:        r.PostFormValue("MessageSid"),
		Channel:   TwilioChannel,
		From:      from,
		Text:      body,
		MediaRef:  media,
		Timestamp: time.Now().UTC(),
	}
	if !s.emitInbound(msg) {
		// Twilio retries on 5xx, and dedup drops the retry if this one
		// was processed after all.
		http.Error(w, "Busy", http.StatusServiceUnavailable)
		return
	}
	slog.Info("TwilioService.WebhookHandler: inbound message accepted", "from", from, "message_sid", msg.ID)
	writeTwiML(w)
}

func (s *TwilioService) handleStatus(to, status string) {
	var st models.MessageStatus
	switch status {
	case "sent":
		st = models.MessageStatusSent
	case "delivered":
		st = models.MessageStatusDelivered
	case "read":
		st = models.MessageStatusRead
	case "failed", "undelivered":
		st = models.MessageStatusFailed
	default:
		return
	}
	s.emitReceipt(models.Receipt{To: to, Status: st, Time: time.Now().Unix()})
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

var _ Service = (*TwilioService)(nil)
