package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/util"
)

const offeringColumns = `id, display_names, price, currency, type, tier, duration_minutes, delivery_days, active`

func scanOffering(row scanner) (models.Offering, error) {
	var o models.Offering
	var namesJSON []byte
	var currency, tier sql.NullString
	var duration sql.NullInt64
	if err := row.Scan(&o.ID, &namesJSON, &o.Price, &currency, &o.Type, &tier, &duration, &o.DeliveryDays, &o.Active); err != nil {
		return o, err
	}
	if err := unmarshalJSON(namesJSON, &o.DisplayNames); err != nil {
		return o, fmt.Errorf("decode display names of offering %s: %w", o.ID, err)
	}
	o.Currency = currency.String
	o.Tier = tier.String
	if duration.Valid {
		d := int(duration.Int64)
		o.DurationMinutes = &d
	}
	return o, nil
}

// UpsertOffering implements CatalogStore.
func (s *sqlStore) UpsertOffering(ctx context.Context, o models.Offering) error {
	if o.ID == "" {
		return models.ErrEmptyOfferingID
	}
	namesJSON, err := marshalJSON(o.DisplayNames)
	if err != nil {
		return err
	}
	var duration any
	if o.DurationMinutes != nil {
		duration = *o.DurationMinutes
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO offerings (`+offeringColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET display_names = excluded.display_names, price = excluded.price,
			currency = excluded.currency, type = excluded.type, tier = excluded.tier,
			duration_minutes = excluded.duration_minutes, delivery_days = excluded.delivery_days, active = excluded.active`,
		o.ID, namesJSON, o.Price, nilIfEmpty(o.Currency), o.Type, nilIfEmpty(o.Tier), duration, o.DeliveryDays, o.Active)
	if err != nil {
		return fmt.Errorf("upsert offering: %w", err)
	}
	return nil
}

// GetOffering implements CatalogStore.
func (s *sqlStore) GetOffering(ctx context.Context, id string) (*models.Offering, error) {
	o, err := scanOffering(s.queryRow(ctx, s.db, `SELECT `+offeringColumns+` FROM offerings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get offering: %w", err)
	}
	return &o, nil
}

// ListActiveOfferings implements CatalogStore.
func (s *sqlStore) ListActiveOfferings(ctx context.Context) ([]models.Offering, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+offeringColumns+` FROM offerings WHERE active = ? ORDER BY price ASC, id ASC`, true)
	if err != nil {
		return nil, fmt.Errorf("list offerings: %w", err)
	}
	defer rows.Close()
	var out []models.Offering
	for rows.Next() {
		o, err := scanOffering(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offering: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const bookingColumns = `id, session_id, address, offering_id, customer_name, customer_email, time_slot,
	amount, currency, status, payment_link, created_at, updated_at`

func scanBooking(row scanner) (models.Booking, error) {
	var b models.Booking
	var sessionID, name, email, slot, currency, link sql.NullString
	err := row.Scan(&b.ID, &sessionID, &b.Address, &b.OfferingID, &name, &email, &slot,
		&b.Amount, &currency, &b.Status, &link, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	b.SessionID = sessionID.String
	b.CustomerName = name.String
	b.CustomerEmail = email.String
	b.TimeSlot = slot.String
	b.Currency = currency.String
	b.PaymentLink = link.String
	return b, nil
}

// CreateBooking implements BookingStore.
func (s *sqlStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	prepareBooking(b, time.Now().UTC())
	_, err := s.exec(ctx, s.db,
		`INSERT INTO bookings (`+bookingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, nilIfEmpty(b.SessionID), b.Address, b.OfferingID, nilIfEmpty(b.CustomerName), nilIfEmpty(b.CustomerEmail),
		nilIfEmpty(b.TimeSlot), b.Amount, nilIfEmpty(b.Currency), b.Status, nilIfEmpty(b.PaymentLink), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func prepareBooking(b *models.Booking, now time.Time) {
	if b.ID == "" {
		b.ID = util.NewID(util.PrefixBooking)
	}
	if b.Status == "" {
		b.Status = models.BookingPendingPayment
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// GetBooking implements BookingStore.
func (s *sqlStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	b, err := scanBooking(s.queryRow(ctx, s.db, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return &b, nil
}

// ListBookingsByAddress implements BookingStore.
func (s *sqlStore) ListBookingsByAddress(ctx context.Context, address string) ([]models.Booking, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+bookingColumns+` FROM bookings WHERE address = ? ORDER BY created_at DESC`, address)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()
	var out []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBookingPayment implements BookingStore.
func (s *sqlStore) UpdateBookingPayment(ctx context.Context, id, paymentLink string, status models.BookingStatus) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE bookings SET payment_link = ?, status = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(paymentLink), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update booking payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update booking %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertCustomerProfile implements CustomerStore.
func (s *sqlStore) UpsertCustomerProfile(ctx context.Context, p models.CustomerProfile) error {
	if p.Address == "" {
		return models.ErrEmptyAddress
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getCustomerProfile(ctx, tx, p.Address)
		if err != nil {
			return err
		}
		merged := mergeProfile(existing, p, time.Now().UTC())
		attrsJSON, err := marshalJSON(merged.Attributes)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx,
			`INSERT INTO customer_profiles (address, name, email, language, attributes, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (address) DO UPDATE SET name = excluded.name, email = excluded.email,
				language = excluded.language, attributes = excluded.attributes, updated_at = excluded.updated_at`,
			merged.Address, nilIfEmpty(merged.Name), nilIfEmpty(merged.Email), nilIfEmpty(merged.Language), attrsJSON, merged.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert customer profile: %w", err)
		}
		return nil
	})
}

// mergeProfile overlays the non-empty fields of update onto existing.
func mergeProfile(existing *models.CustomerProfile, update models.CustomerProfile, now time.Time) models.CustomerProfile {
	merged := update
	if existing != nil {
		merged = *existing
		if update.Name != "" {
			merged.Name = update.Name
		}
		if update.Email != "" {
			merged.Email = update.Email
		}
		if update.Language != "" {
			merged.Language = update.Language
		}
		attrs := make(map[string]any, len(existing.Attributes)+len(update.Attributes))
		for k, v := range existing.Attributes {
			attrs[k] = v
		}
		for k, v := range update.Attributes {
			attrs[k] = v
		}
		merged.Attributes = attrs
	}
	merged.UpdatedAt = now
	return merged
}

// GetCustomerProfile implements CustomerStore.
func (s *sqlStore) GetCustomerProfile(ctx context.Context, address string) (*models.CustomerProfile, error) {
	return s.getCustomerProfile(ctx, s.db, address)
}

func (s *sqlStore) getCustomerProfile(ctx context.Context, q querier, address string) (*models.CustomerProfile, error) {
	var p models.CustomerProfile
	var name, email, language sql.NullString
	var attrsJSON []byte
	err := s.queryRow(ctx, q,
		`SELECT address, name, email, language, attributes, updated_at FROM customer_profiles WHERE address = ?`, address,
	).Scan(&p.Address, &name, &email, &language, &attrsJSON, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer profile: %w", err)
	}
	p.Name, p.Email, p.Language = name.String, email.String, language.String
	if err := unmarshalJSON(attrsJSON, &p.Attributes); err != nil {
		return nil, fmt.Errorf("decode customer attributes: %w", err)
	}
	return &p, nil
}

// SaveNotification implements NotificationStore.
func (s *sqlStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = util.NewID(util.PrefixNotification)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}
	relatedJSON, err := marshalJSON(n.RelatedIDs)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO notifications (id, priority, title, message, related_ids, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Priority, n.Title, n.Message, relatedJSON, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications implements NotificationStore, newest first.
func (s *sqlStore) ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, s.db,
		`SELECT id, priority, title, message, related_ids, created_at FROM notifications ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var relatedJSON []byte
		if err := rows.Scan(&n.ID, &n.Priority, &n.Title, &n.Message, &relatedJSON, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := unmarshalJSON(relatedJSON, &n.RelatedIDs); err != nil {
			return nil, fmt.Errorf("decode related ids: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
