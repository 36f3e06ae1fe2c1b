// Package catalog serves the business's offerings to the decision engine and
// the booking actions, with an optional read-through cache.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// Service reads and writes offerings.
type Service struct {
	store store.CatalogStore
	cache Cache
}

// Option configures a Service.
type Option func(*Service)

// WithCache puts cache in front of ListActiveOfferings.
func WithCache(cache Cache) Option {
	return func(s *Service) { s.cache = cache }
}

// NewService creates a Service over st.
func NewService(st store.CatalogStore, opts ...Option) *Service {
	s := &Service{store: st}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOffering returns an offering by id, or nil.
func (s *Service) GetOffering(ctx context.Context, id string) (*models.Offering, error) {
	return s.store.GetOffering(ctx, id)
}

// ListActiveOfferings returns the active offerings, from cache when possible.
// Cache failures fall through to the store.
func (s *Service) ListActiveOfferings(ctx context.Context) ([]models.Offering, error) {
	if s.cache != nil {
		offerings, ok, err := s.cache.GetOfferings(ctx)
		if err != nil {
			slog.Warn("Service.ListActiveOfferings: cache read failed", "error", err)
		} else if ok {
			return offerings, nil
		}
	}

	offerings, err := s.store.ListActiveOfferings(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetOfferings(ctx, offerings); err != nil {
			slog.Warn("Service.ListActiveOfferings: cache write failed", "error", err)
		}
	}
	return offerings, nil
}

// Upsert saves offerings and invalidates the cache.
func (s *Service) Upsert(ctx context.Context, offerings ...models.Offering) error {
	for _, o := range offerings {
		if o.ID == "" {
			return models.ErrEmptyOfferingID
		}
		if err := s.store.UpsertOffering(ctx, o); err != nil {
			return fmt.Errorf("failed to save offering %s: %w", o.ID, err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			slog.Warn("Service.Upsert: cache invalidation failed", "error", err)
		}
	}
	slog.Info("Service.Upsert: offerings saved", "count", len(offerings))
	return nil
}

// ImportFile loads a JSON array of offerings from path and saves them.
func (s *Service) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var offerings []models.Offering
	if err := json.Unmarshal(data, &offerings); err != nil {
		return 0, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if err := s.Upsert(ctx, offerings...); err != nil {
		return 0, err
	}
	return len(offerings), nil
}
