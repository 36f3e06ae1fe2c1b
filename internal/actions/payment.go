package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/util"
)

// ErrPaymentNotConfigured is returned when neither a provider endpoint nor a
// link template is configured.
var ErrPaymentNotConfigured = errors.New("payment provider not configured")

// DefaultPaymentHTTPTimeout bounds a request to the payment provider.
const DefaultPaymentHTTPTimeout = 8 * time.Second

// PaymentConfig describes how payment links are produced. When BaseURL is set
// links are requested from the provider's API; otherwise LinkTemplate is
// filled with {booking_id}, {amount} and {currency}.
type PaymentConfig struct {
	TenantID     string
	APIKey       string
	BaseURL      string
	LinkTemplate string
}

// PaymentLinker issues payment links for bookings.
type PaymentLinker struct {
	mu      sync.RWMutex
	cfg     PaymentConfig
	clients *util.ClientCache[*http.Client]
}

// NewPaymentLinker creates a PaymentLinker. HTTP clients are cached per
// tenant and rebuilt when SetConfig changes the credentials.
func NewPaymentLinker(cfg PaymentConfig) *PaymentLinker {
	if cfg.TenantID == "" {
		cfg.TenantID = "default"
	}
	return &PaymentLinker{
		cfg: cfg,
		clients: util.NewClientCache("payments", func(util.Credentials) (*http.Client, error) {
			return &http.Client{Timeout: DefaultPaymentHTTPTimeout}, nil
		}, util.WithCloseFunc(func(c *http.Client) { c.CloseIdleConnections() })),
	}
}

// SetConfig replaces the provider configuration.
func (p *PaymentLinker) SetConfig(cfg PaymentConfig) {
	if cfg.TenantID == "" {
		cfg.TenantID = "default"
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *PaymentLinker) config() PaymentConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

type paymentLinkRequest struct {
	BookingID   string  `json:"booking_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description,omitempty"`
	Email       string  `json:"customer_email,omitempty"`
}

type paymentLinkResponse struct {
	URL string `json:"url"`
}

// Link returns a payment link for b.
func (p *PaymentLinker) Link(ctx context.Context, b *models.Booking) (string, error) {
	cfg := p.config()
	switch {
	case cfg.BaseURL != "":
		return p.requestLink(ctx, cfg, b)
	case cfg.LinkTemplate != "":
		r := strings.NewReplacer(
			"{booking_id}", b.ID,
			"{amount}", strconv.FormatFloat(b.Amount, 'f', 2, 64),
			"{currency}", b.Currency,
		)
		return r.Replace(cfg.LinkTemplate), nil
	default:
		return "", ErrPaymentNotConfigured
	}
}

func (p *PaymentLinker) requestLink(ctx context.Context, cfg PaymentConfig, b *models.Booking) (string, error) {
	client, err := p.clients.Get(util.Credentials{TenantID: cfg.TenantID, APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	if err != nil {
		return "", fmt.Errorf("payment client: %w", err)
	}

	body, err := json.Marshal(paymentLinkRequest{
		BookingID:   b.ID,
		Amount:      b.Amount,
		Currency:    b.Currency,
		Description: b.OfferingID,
		Email:       b.CustomerEmail,
	})
	if err != nil {
		return "", fmt.Errorf("encode payment request: %w", err)
	}
	url := strings.TrimRight(cfg.BaseURL, "/") + "/payment_links"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("payment request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			p.clients.Invalidate(cfg.TenantID)
		}
		return "", fmt.Errorf("payment provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out paymentLinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode payment response: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("payment provider returned an empty link")
	}
	slog.Debug("PaymentLinker.requestLink: link issued", "bookingID", b.ID, "tenant", cfg.TenantID)
	return out.URL, nil
}
