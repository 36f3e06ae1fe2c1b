// Package store provides storage backends for ConvoPipe.
//
// It includes an in-memory store for tests and single-process use, and
// database/sql backed stores for SQLite and PostgreSQL that share one
// implementation and differ only in driver, placeholders, and migrations.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// ErrVersionConflict is returned by SaveTurn when the session was modified
// since it was loaded.
var ErrVersionConflict = errors.New("session was modified concurrently")

// ErrNotFound is returned by update operations whose target does not exist.
// Getters return nil, nil instead.
var ErrNotFound = errors.New("record not found")

// SessionStore persists conversation sessions.
type SessionStore interface {
	// LoadOrCreateActiveSession returns the active session for address. When
	// there is none, or the active one has expired at now, the expired one is
	// deactivated, its in-progress execution abandoned, and a fresh session
	// created, all in one transaction. created reports whether a new session
	// was made.
	LoadOrCreateActiveSession(ctx context.Context, address, channel string, now time.Time, ttl time.Duration) (sess *models.Session, created bool, err error)

	// GetActiveSession returns the active session for address, or nil.
	GetActiveSession(ctx context.Context, address string) (*models.Session, error)

	// GetSession returns a session by id, or nil.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// DeactivateSession marks the session inactive.
	DeactivateSession(ctx context.Context, id string, now time.Time) error

	// ExpireSessions deactivates every active session whose expiry is at or
	// before now, abandoning their in-progress executions. It returns the
	// number of sessions expired.
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
}

// ExecutionStore reads workflow executions. Writes go through TurnStore.
type ExecutionStore interface {
	// GetLatestExecution returns the most recently started execution for the
	// session, or nil.
	GetLatestExecution(ctx context.Context, sessionID string) (*models.WorkflowExecution, error)

	// GetExecution returns an execution by id, or nil.
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
}

// TurnStore commits the outcome of one conversation turn.
type TurnStore interface {
	// SaveTurn writes the session and, when non-nil, the execution in one
	// transaction. The session update only applies if its stored version
	// still equals sess.Version; otherwise ErrVersionConflict is returned and
	// nothing is written. On success sess.Version is incremented.
	SaveTurn(ctx context.Context, sess *models.Session, exec *models.WorkflowExecution) error
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// SaveWorkflow inserts or replaces a definition and its steps. Saving an
	// active definition deactivates every other one.
	SaveWorkflow(ctx context.Context, def *models.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	// GetActiveWorkflow returns the business-wide active definition, or nil.
	GetActiveWorkflow(ctx context.Context) (*models.WorkflowDefinition, error)
	// ActivateWorkflow makes id the only active definition.
	ActivateWorkflow(ctx context.Context, id string) error
}

// CatalogStore persists offerings.
type CatalogStore interface {
	UpsertOffering(ctx context.Context, o models.Offering) error
	GetOffering(ctx context.Context, id string) (*models.Offering, error)
	ListActiveOfferings(ctx context.Context) ([]models.Offering, error)
}

// BookingStore persists bookings.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookingsByAddress(ctx context.Context, address string) ([]models.Booking, error)
	UpdateBookingPayment(ctx context.Context, id, paymentLink string, status models.BookingStatus) error
}

// CustomerStore persists customer profiles.
type CustomerStore interface {
	// UpsertCustomerProfile merges p into the stored profile. Empty fields of
	// p leave stored values untouched; attributes are merged key by key.
	UpsertCustomerProfile(ctx context.Context, p models.CustomerProfile) error
	GetCustomerProfile(ctx context.Context, address string) (*models.CustomerProfile, error)
}

// NotificationStore persists staff notifications.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, limit int) ([]models.Notification, error)
}

// Store is the full persistence boundary used by the engine.
type Store interface {
	SessionStore
	ExecutionStore
	TurnStore
	WorkflowStore
	CatalogStore
	BookingStore
	CustomerStore
	NotificationStore
	DedupRepo
	JobRepo
	OutboxRepo
	Close() error
}

// Opts holds configuration for SQL-backed stores. Pool settings apply to
// Postgres only; SQLite always runs on a single connection.
type Opts struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPool sizes the Postgres connection pool. Zero values keep the defaults.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(o *Opts) {
		o.MaxOpenConns = maxOpen
		o.MaxIdleConns = maxIdle
		o.ConnMaxLifetime = lifetime
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the store matching the DSN. An empty DSN yields an in-memory
// store; opts are applied after the DSN.
func Open(dsn string, opts ...Option) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(append([]Option{WithPostgresDSN(dsn)}, opts...)...)
	default:
		return NewSQLiteStore(append([]Option{WithSQLiteDSN(dsn)}, opts...)...)
	}
}
