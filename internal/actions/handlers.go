package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// Parameter names the orchestrator adds to every dispatch next to the
// conversation variables.
const (
	ParamAddress     = "address"
	ParamChannel     = "channel"
	ParamSessionID   = "session_id"
	ParamLanguage    = "language"
	ParamState       = "state"
	ParamInboundText = "inbound_text"
)

// Variables produced by the built-in handlers.
const (
	VarBookingID     = "booking_id"
	VarBookingStatus = "booking_status"
	VarPaymentLink   = "payment_link"
	VarServicesList  = "services_list"
	VarServicesCount = "services_count"
)

var (
	errMissingAddress  = errors.New("address is required")
	errMissingOffering = errors.New("no service selected")
)

// CatalogReader is the catalog view the handlers need.
type CatalogReader interface {
	GetOffering(ctx context.Context, id string) (*models.Offering, error)
	ListActiveOfferings(ctx context.Context) ([]models.Offering, error)
}

// Deps are the collaborators of the built-in handlers. Nil members disable the
// handlers that need them.
type Deps struct {
	Catalog   CatalogReader
	Bookings  store.BookingStore
	Customers store.CustomerStore
	Payments  *PaymentLinker
	Notifier  *Notifier
}

// RegisterDefaults registers every built-in handler whose dependencies are
// present in deps.
func RegisterDefaults(d *Dispatcher, deps Deps) {
	h := &handlers{deps: deps}
	if deps.Catalog != nil && deps.Bookings != nil {
		d.Register(KeyCreateBooking, h.createBooking)
		if deps.Payments != nil {
			d.Register(KeySendPayment, h.sendPayment)
		}
	}
	if deps.Catalog != nil {
		d.Register(KeyListServices, h.listServices)
	}
	if deps.Customers != nil {
		d.Register(KeyUpdateCustomer, h.updateCustomer)
	}
	if deps.Notifier != nil {
		d.Register(KeyNotifyStaff, h.notifyStaff)
	}
}

type handlers struct {
	deps Deps
}

func (h *handlers) createBooking(ctx context.Context, p Params) (map[string]any, error) {
	b, err := h.ensureBooking(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{VarBookingID: b.ID, VarBookingStatus: string(b.Status)}, nil
}

// ensureBooking returns the booking named by booking_id, or creates one for
// the selected offering.
func (h *handlers) ensureBooking(ctx context.Context, p Params) (*models.Booking, error) {
	if id := p.String(VarBookingID); id != "" {
		existing, err := h.deps.Bookings.GetBooking(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load booking: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
		slog.Warn("handlers.ensureBooking: booking_id variable points at a missing booking", "bookingID", id)
	}

	address := p.String(ParamAddress)
	if address == "" {
		return nil, errMissingAddress
	}
	offeringID := p.String(models.VarSelectedServiceID)
	if offeringID == "" {
		offeringID = p.String("offering_id")
	}
	if offeringID == "" {
		return nil, errMissingOffering
	}
	offering, err := h.deps.Catalog.GetOffering(ctx, offeringID)
	if err != nil {
		return nil, fmt.Errorf("load offering: %w", err)
	}
	if offering == nil || !offering.Active {
		return nil, fmt.Errorf("offering %q is not available", offeringID)
	}

	b := &models.Booking{
		SessionID:     p.String(ParamSessionID),
		Address:       address,
		OfferingID:    offering.ID,
		CustomerName:  p.String(models.VarCustomerName),
		CustomerEmail: p.String(models.VarCustomerEmail),
		TimeSlot:      p.String(models.VarSelectedTimeSlot),
		Amount:        offering.Price,
		Currency:      offering.Currency,
	}
	if err := h.deps.Bookings.CreateBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	slog.Info("handlers.createBooking: booking created", "bookingID", b.ID, "address", address, "offeringID", offering.ID)
	return b, nil
}

func (h *handlers) sendPayment(ctx context.Context, p Params) (map[string]any, error) {
	b, err := h.ensureBooking(ctx, p)
	if err != nil {
		return nil, err
	}
	if b.PaymentLink != "" {
		return map[string]any{VarBookingID: b.ID, VarPaymentLink: b.PaymentLink}, nil
	}
	link, err := h.deps.Payments.Link(ctx, b)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Bookings.UpdateBookingPayment(ctx, b.ID, link, models.BookingPendingPayment); err != nil {
		return nil, fmt.Errorf("store payment link: %w", err)
	}
	slog.Info("handlers.sendPayment: payment link issued", "bookingID", b.ID)
	return map[string]any{VarBookingID: b.ID, VarPaymentLink: link}, nil
}

func (h *handlers) listServices(ctx context.Context, p Params) (map[string]any, error) {
	offerings, err := h.deps.Catalog.ListActiveOfferings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list offerings: %w", err)
	}
	return map[string]any{
		VarServicesList:  FormatOfferings(offerings, p.String(ParamLanguage)),
		VarServicesCount: len(offerings),
	}, nil
}

// FormatOfferings renders offerings as a numbered list in lang.
func FormatOfferings(offerings []models.Offering, lang string) string {
	var b strings.Builder
	for i, o := range offerings {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s - %s", i+1, o.DisplayName(lang), strconv.FormatFloat(o.Price, 'f', 2, 64))
		if o.Currency != "" {
			b.WriteString(" " + o.Currency)
		}
		if o.DurationMinutes != nil {
			fmt.Fprintf(&b, " (%d min)", *o.DurationMinutes)
		}
	}
	return b.String()
}

func (h *handlers) updateCustomer(ctx context.Context, p Params) (map[string]any, error) {
	address := p.String(ParamAddress)
	if address == "" {
		return nil, errMissingAddress
	}
	profile := models.CustomerProfile{
		Address:  address,
		Name:     p.String(models.VarCustomerName),
		Email:    p.String(models.VarCustomerEmail),
		Language: p.String(ParamLanguage),
	}
	if attrs, ok := p["attributes"].(map[string]any); ok {
		profile.Attributes = attrs
	}
	if err := h.deps.Customers.UpsertCustomerProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("update customer: %w", err)
	}
	return nil, nil
}

func (h *handlers) notifyStaff(ctx context.Context, p Params) (map[string]any, error) {
	note := models.Notification{
		Priority: models.NotificationPriority(p.String("priority")),
		Title:    p.String("title"),
		Message:  p.String("message"),
	}
	if note.Priority == "" {
		note.Priority = models.PriorityHigh
	}
	if note.Title == "" {
		note.Title = "Customer needs assistance"
	}
	if note.Message == "" {
		note.Message = describeCustomer(p)
	}
	for _, key := range []string{ParamSessionID, VarBookingID} {
		if id := p.String(key); id != "" {
			note.RelatedIDs = append(note.RelatedIDs, id)
		}
	}
	if err := h.deps.Notifier.Notify(ctx, note); err != nil {
		return nil, err
	}
	return nil, nil
}

func describeCustomer(p Params) string {
	parts := []string{"Customer " + p.String(ParamAddress)}
	if name := p.String(models.VarCustomerName); name != "" {
		parts[0] += " (" + name + ")"
	}
	if state := p.String(ParamState); state != "" {
		parts = append(parts, "state: "+state)
	}
	if text := p.String(ParamInboundText); text != "" {
		parts = append(parts, "last message: "+text)
	}
	return strings.Join(parts, "; ")
}
