// Package models defines the core data structures shared across ConvoPipe:
// sessions, workflows, executions, decisions, catalog records, and the
// message envelopes exchanged with chat transports.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation errors for models.
var (
	ErrEmptyAddress      = errors.New("address cannot be empty")
	ErrEmptyWorkflowName = errors.New("workflow name is required")
	ErrNoWorkflowSteps   = errors.New("workflow must have at least one step")
	ErrEmptyStepKey      = errors.New("step key cannot be empty")
	ErrDuplicateStepKey  = errors.New("duplicate step key")
	ErrInvalidStepType   = errors.New("invalid step type")
	ErrEmptyOfferingID   = errors.New("offering id cannot be empty")
)

// InboundMessage is a message received from a chat channel.
type InboundMessage struct {
	ID        string    `json:"id,omitempty"` // provider message id, used for de-duplication
	Channel   string    `json:"channel"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	MediaRef  string    `json:"media_ref,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks that the message identifies its sender.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return ErrEmptyAddress
	}
	return nil
}

// OutboundMessage is a reply handed to a chat channel for delivery.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	To        string `json:"to"`
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

// SendResult is what a transport reports after a send attempt.
type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// Reply summarizes the outcome of one conversation turn.
type Reply struct {
	SessionID         string `json:"session_id,omitempty"`
	Address           string `json:"address"`
	Channel           string `json:"channel"`
	Text              string `json:"text"`
	State             string `json:"state,omitempty"`
	Fallback          bool   `json:"fallback"`
	Delivered         bool   `json:"delivered"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	// Duplicate is set when the inbound message was already handled.
	Duplicate bool `json:"duplicate,omitempty"`
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Receipt is a delivery status event reported by a transport.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response carrying result.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
