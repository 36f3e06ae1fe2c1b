package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendMessage(ctx, "+15550001111", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid != "SM0001" {
		t.Errorf("expected sid SM0001, got %q", sid)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", sent[0].Body)
	}

	mock.Err = errors.New("rate limited")
	if _, err := mock.SendMessage(ctx, "+15550001111", "again"); err == nil {
		t.Error("expected error from failing mock")
	}
}

func TestAddress(t *testing.T) {
	if got := Address("+15550001111"); got != "whatsapp:+15550001111" {
		t.Errorf("Address = %q", got)
	}
	if got := Address("whatsapp:+15550001111"); got != "whatsapp:+15550001111" {
		t.Errorf("Address should not double prefix, got %q", got)
	}
	if got := StripAddress("whatsapp:+15550001111"); got != "+15550001111" {
		t.Errorf("StripAddress = %q", got)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Fatal("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("+15550009999"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550009999" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
	if c.ValidateWebhook("https://example.com/webhooks/twilio", map[string]string{"Body": "hi"}, "bogus") {
		t.Error("bogus signature must not validate")
	}
}
