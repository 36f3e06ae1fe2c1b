package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ConvoPipe/internal/actions"
	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// ErrUnknownChannel is returned when no service is registered for a channel.
var ErrUnknownChannel = errors.New("no messaging service for channel")

// InboundSink accepts inbound messages for processing.
// *conversation.Orchestrator implements it.
type InboundSink interface {
	Submit(msg models.InboundMessage) error
}

// Gateway routes outbound replies to the service owning their channel and
// forwards every service's inbound messages to a sink.
type Gateway struct {
	mu             sync.RWMutex
	services       map[string]Service
	defaultChannel string
	inline         map[string]bool

	wg sync.WaitGroup
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithDefaultChannel routes replies with an empty channel to channel.
func WithDefaultChannel(channel string) GatewayOption {
	return func(g *Gateway) { g.defaultChannel = channel }
}

// WithInlineChannels marks channels whose replies are returned to the caller
// directly, such as the synchronous HTTP endpoint. Delivery to them succeeds
// without sending anything.
func WithInlineChannels(channels ...string) GatewayOption {
	return func(g *Gateway) {
		for _, c := range channels {
			g.inline[c] = true
		}
	}
}

// NewGateway creates a Gateway over services.
func NewGateway(services []Service, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		services: make(map[string]Service, len(services)),
		inline:   make(map[string]bool),
	}
	for _, s := range services {
		g.services[s.Channel()] = s
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Service returns the service registered for channel, or nil.
func (g *Gateway) Service(channel string) Service {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.services[channel]
}

// Deliver implements actions.MessageSender.
func (g *Gateway) Deliver(ctx context.Context, msg models.OutboundMessage) (models.SendResult, error) {
	channel := msg.Channel
	if channel == "" {
		channel = g.defaultChannel
	}
	if g.inline[channel] {
		return models.SendResult{Success: true}, nil
	}
	svc := g.Service(channel)
	if svc == nil {
		return models.SendResult{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	id, err := svc.SendMessage(ctx, msg.To, msg.Text)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("failed to send via %s: %w", channel, err)
	}
	slog.Debug("Gateway.Deliver: message sent", "channel", channel, "to", msg.To, "provider_message_id", id)
	return models.SendResult{Success: true, ProviderMessageID: id}, nil
}

// SendOutbox delivers a queued outbox message. It matches store.OutboxSendFunc.
func (g *Gateway) SendOutbox(ctx context.Context, msg store.OutboxMessage) error {
	_, err := g.Deliver(ctx, models.OutboundMessage{
		Channel: msg.Channel,
		To:      msg.Address,
		Text:    msg.Body,
	})
	return err
}

// Start starts every service and forwards their inbound messages to sink
// until the services stop.
func (g *Gateway) Start(ctx context.Context, sink InboundSink) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for name, svc := range g.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s service: %w", name, err)
		}
		g.wg.Add(2)
		go g.pumpInbound(svc, sink)
		go g.drainReceipts(svc)
		slog.Info("Gateway.Start: service started", "channel", name)
	}
	return nil
}

func (g *Gateway) pumpInbound(svc Service, sink InboundSink) {
	defer g.wg.Done()
	for msg := range svc.Inbound() {
		if msg.Channel == "" {
			msg.Channel = svc.Channel()
		}
		if err := sink.Submit(msg); err != nil {
			slog.Error("Gateway.pumpInbound: message rejected", "channel", msg.Channel, "from", msg.From, "error", err)
		}
	}
}

func (g *Gateway) drainReceipts(svc Service) {
	defer g.wg.Done()
	for r := range svc.Receipts() {
		slog.Debug("Gateway.drainReceipts: receipt", "channel", svc.Channel(), "to", r.To, "status", r.Status)
	}
}

// Stop stops every service and waits for the pumps to drain.
func (g *Gateway) Stop() error {
	g.mu.RLock()
	var errs []error
	for name, svc := range g.services {
		if err := svc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	g.mu.RUnlock()
	g.wg.Wait()
	return errors.Join(errs...)
}

var _ actions.MessageSender = (*Gateway)(nil)
