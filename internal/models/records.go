package models

import (
	"strings"
	"time"
)

// Offering is a product or service in the business catalog.
type Offering struct {
	ID              string            `json:"id"`
	DisplayNames    map[string]string `json:"display_names"` // language tag -> name
	Price           float64           `json:"price"`
	Currency        string            `json:"currency,omitempty"`
	Type            string            `json:"type"`
	Tier            string            `json:"tier,omitempty"`
	DurationMinutes *int              `json:"duration_minutes,omitempty"`
	DeliveryDays    int               `json:"delivery_days"`
	Active          bool              `json:"active"`
}

// DisplayName returns the name in lang, falling back to English, then to any
// name, then to the id.
func (o Offering) DisplayName(lang string) string {
	if name := o.DisplayNames[strings.ToLower(lang)]; name != "" {
		return name
	}
	if name := o.DisplayNames["en"]; name != "" {
		return name
	}
	for _, name := range o.DisplayNames {
		if name != "" {
			return name
		}
	}
	return o.ID
}

// BookingStatus is the lifecycle status of a booking.
type BookingStatus string

const (
	BookingPendingPayment BookingStatus = "pending_payment"
	BookingConfirmed      BookingStatus = "confirmed"
	BookingCancelled      BookingStatus = "cancelled"
)

// Booking is a reservation created from a conversation.
type Booking struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id,omitempty"`
	Address       string        `json:"address"`
	OfferingID    string        `json:"offering_id"`
	CustomerName  string        `json:"customer_name,omitempty"`
	CustomerEmail string        `json:"customer_email,omitempty"`
	TimeSlot      string        `json:"time_slot,omitempty"`
	Amount        float64       `json:"amount"`
	Currency      string        `json:"currency,omitempty"`
	Status        BookingStatus `json:"status"`
	PaymentLink   string        `json:"payment_link,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CustomerProfile holds what is known about a customer across sessions.
type CustomerProfile struct {
	Address    string         `json:"address"`
	Name       string         `json:"name,omitempty"`
	Email      string         `json:"email,omitempty"`
	Language   string         `json:"language,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NotificationPriority ranks staff notifications.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// Notification is a message for business staff.
type Notification struct {
	ID         string               `json:"id"`
	Priority   NotificationPriority `json:"priority"`
	Title      string               `json:"title"`
	Message    string               `json:"message"`
	RelatedIDs []string             `json:"related_ids,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}
