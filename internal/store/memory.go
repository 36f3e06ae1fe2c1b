package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/util"
)

// InMemoryStore is a process-local Store. Every read returns a copy, so
// callers cannot mutate stored records without going through the store.
type InMemoryStore struct {
	mu            sync.Mutex
	sessions      map[string]*models.Session
	activeByAddr  map[string]string
	executions    map[string]*models.WorkflowExecution
	workflows     map[string]*models.WorkflowDefinition
	offerings     map[string]models.Offering
	bookings      map[string]models.Booking
	customers     map[string]models.CustomerProfile
	notifications []models.Notification
	dedup         map[string]*DedupRecord
	jobs          map[string]*Job
	outbox        map[string]*OutboxMessage
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[string]*models.Session),
		activeByAddr: make(map[string]string),
		executions:   make(map[string]*models.WorkflowExecution),
		workflows:    make(map[string]*models.WorkflowDefinition),
		offerings:    make(map[string]models.Offering),
		bookings:     make(map[string]models.Booking),
		customers:    make(map[string]models.CustomerProfile),
		dedup:        make(map[string]*DedupRecord),
		jobs:         make(map[string]*Job),
		outbox:       make(map[string]*OutboxMessage),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// LoadOrCreateActiveSession implements SessionStore.
func (s *InMemoryStore) LoadOrCreateActiveSession(ctx context.Context, address, channel string, now time.Time, ttl time.Duration) (*models.Session, bool, error) {
	if address == "" {
		return nil, false, models.ErrEmptyAddress
	}
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.activeByAddr[address]; ok {
		existing := s.sessions[id]
		if !existing.Expired(now) {
			return existing.Clone(), false, nil
		}
		slog.Debug("InMemoryStore.LoadOrCreateActiveSession: session expired", "session_id", id, "address", address)
		s.deactivateLocked(id, now)
	}

	sess := &models.Session{
		ID:        util.NewID(util.PrefixSession),
		Address:   address,
		Channel:   channel,
		Variables: models.Variables{},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sess.Touch(now, ttl)
	s.sessions[sess.ID] = sess.Clone()
	s.activeByAddr[address] = sess.ID
	slog.Info("InMemoryStore.LoadOrCreateActiveSession: created session", "session_id", sess.ID, "address", address)
	return sess, true, nil
}

func (s *InMemoryStore) deactivateLocked(id string, now time.Time) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.Active = false
	sess.Version++
	sess.UpdatedAt = now
	if s.activeByAddr[sess.Address] == id {
		delete(s.activeByAddr, sess.Address)
	}
	s.abandonLocked(id, now)
}

func (s *InMemoryStore) abandonLocked(sessionID string, now time.Time) {
	for _, e := range s.executions {
		if e.SessionID == sessionID && e.Status == models.ExecutionInProgress {
			e.Finish(models.ExecutionAbandoned, now)
		}
	}
}

// GetActiveSession implements SessionStore.
func (s *InMemoryStore) GetActiveSession(ctx context.Context, address string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeByAddr[address]
	if !ok {
		return nil, nil
	}
	return s.sessions[id].Clone(), nil
}

// GetSession implements SessionStore.
func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].Clone(), nil
}

// DeactivateSession implements SessionStore.
func (s *InMemoryStore) DeactivateSession(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivateLocked(id, now.UTC())
	return nil
}

// ExpireSessions implements SessionStore.
func (s *InMemoryStore) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for _, id := range s.activeByAddr {
		if s.sessions[id].Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.deactivateLocked(id, now)
	}
	return len(expired), nil
}

// GetLatestExecution implements ExecutionStore.
func (s *InMemoryStore) GetLatestExecution(ctx context.Context, sessionID string) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.WorkflowExecution
	for _, e := range s.executions {
		if e.SessionID != sessionID {
			continue
		}
		if latest == nil || e.StartedAt.After(latest.StartedAt) {
			latest = e
		}
	}
	return latest.Clone(), nil
}

// GetExecution implements ExecutionStore.
func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions[id].Clone(), nil
}

// SaveTurn implements TurnStore.
func (s *InMemoryStore) SaveTurn(ctx context.Context, sess *models.Session, exec *models.WorkflowExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sess.ID]
	if !ok || stored.Version != sess.Version {
		return ErrVersionConflict
	}
	if exec != nil {
		for _, other := range s.executions {
			if other.ID != exec.ID && other.SessionID == exec.SessionID &&
				other.Status == models.ExecutionInProgress && exec.Status == models.ExecutionInProgress {
				return fmt.Errorf("save execution %s: session %s already has an execution in progress", exec.ID, exec.SessionID)
			}
		}
	}

	now := time.Now().UTC()
	next := sess.Clone()
	next.Version++
	next.UpdatedAt = now
	s.sessions[sess.ID] = next
	if exec != nil {
		s.executions[exec.ID] = exec.Clone()
	}
	if !next.Active {
		if s.activeByAddr[next.Address] == next.ID {
			delete(s.activeByAddr, next.Address)
		}
		s.abandonLocked(next.ID, now)
	}
	sess.Version = next.Version
	sess.UpdatedAt = now
	return nil
}

func cloneWorkflow(def *models.WorkflowDefinition) *models.WorkflowDefinition {
	if def == nil {
		return nil
	}
	c := *def
	c.Steps = make([]models.WorkflowStep, len(def.Steps))
	for i, step := range def.Steps {
		c.Steps[i] = step
		if step.Config != nil {
			c.Steps[i].Config = make(models.StepConfig, len(step.Config))
			for k, v := range step.Config {
				c.Steps[i].Config[k] = v
			}
		}
	}
	return &c
}

// SaveWorkflow implements WorkflowStore.
func (s *InMemoryStore) SaveWorkflow(ctx context.Context, def *models.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	prepareWorkflow(def, time.Now().UTC())
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.Active {
		for id, other := range s.workflows {
			if id != def.ID {
				other.Active = false
			}
		}
	}
	s.workflows[def.ID] = cloneWorkflow(def)
	slog.Info("InMemoryStore.SaveWorkflow: saved workflow", "workflow_id", def.ID, "name", def.Name, "steps", len(def.Steps), "active", def.Active)
	return nil
}

// GetWorkflow implements WorkflowStore.
func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneWorkflow(s.workflows[id]), nil
}

// GetActiveWorkflow implements WorkflowStore.
func (s *InMemoryStore) GetActiveWorkflow(ctx context.Context) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.workflows {
		if def.Active {
			return cloneWorkflow(def), nil
		}
	}
	return nil, nil
}

// ActivateWorkflow implements WorkflowStore.
func (s *InMemoryStore) ActivateWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return fmt.Errorf("activate workflow %s: %w", id, ErrNotFound)
	}
	for wid, def := range s.workflows {
		def.Active = wid == id
	}
	return nil
}

// UpsertOffering implements CatalogStore.
func (s *InMemoryStore) UpsertOffering(ctx context.Context, o models.Offering) error {
	if o.ID == "" {
		return models.ErrEmptyOfferingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerings[o.ID] = o
	return nil
}

// GetOffering implements CatalogStore.
func (s *InMemoryStore) GetOffering(ctx context.Context, id string) (*models.Offering, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offerings[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// ListActiveOfferings implements CatalogStore.
func (s *InMemoryStore) ListActiveOfferings(ctx context.Context) ([]models.Offering, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Offering
	for _, o := range s.offerings {
		if o.Active {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateBooking implements BookingStore.
func (s *InMemoryStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	prepareBooking(b, time.Now().UTC())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[b.ID] = *b
	return nil
}

// GetBooking implements BookingStore.
func (s *InMemoryStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// ListBookingsByAddress implements BookingStore.
func (s *InMemoryStore) ListBookingsByAddress(ctx context.Context, address string) ([]models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Booking
	for _, b := range s.bookings {
		if b.Address == address {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateBookingPayment implements BookingStore.
func (s *InMemoryStore) UpdateBookingPayment(ctx context.Context, id, paymentLink string, status models.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return fmt.Errorf("update booking %s: %w", id, ErrNotFound)
	}
	b.PaymentLink = paymentLink
	b.Status = status
	b.UpdatedAt = time.Now().UTC()
	s.bookings[id] = b
	return nil
}

// UpsertCustomerProfile implements CustomerStore.
func (s *InMemoryStore) UpsertCustomerProfile(ctx context.Context, p models.CustomerProfile) error {
	if p.Address == "" {
		return models.ErrEmptyAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *models.CustomerProfile
	if cur, ok := s.customers[p.Address]; ok {
		existing = &cur
	}
	s.customers[p.Address] = mergeProfile(existing, p, time.Now().UTC())
	return nil
}

// GetCustomerProfile implements CustomerStore.
func (s *InMemoryStore) GetCustomerProfile(ctx context.Context, address string) (*models.CustomerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.customers[address]
	if !ok {
		return nil, nil
	}
	attrs := make(map[string]any, len(p.Attributes))
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	p.Attributes = attrs
	return &p, nil
}

// SaveNotification implements NotificationStore.
func (s *InMemoryStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = util.NewID(util.PrefixNotification)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return nil
}

// ListNotifications implements NotificationStore, newest first.
func (s *InMemoryStore) ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.notifications[i])
	}
	return out, nil
}

// RecordInbound implements DedupRepo.
func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, Address: address, ReceivedAt: time.Now().UTC()}
	return true, nil
}

// MarkProcessed implements DedupRepo.
func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}

// EnqueueJob implements JobRepo.
func (s *InMemoryStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	j := &Job{
		ID:          util.NewID(util.PrefixJob),
		Kind:        kind,
		RunAt:       runAt.UTC(),
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

// ClaimDueJobs implements JobRepo.
func (s *InMemoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		lockedAt := now
		j.Status = JobStatusRunning
		j.LockedAt = &lockedAt
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

// CompleteJob implements JobRepo.
func (s *InMemoryStore) CompleteJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

// FailJob implements JobRepo.
func (s *InMemoryStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt.UTC()
	})
}

// CancelJob implements JobRepo.
func (s *InMemoryStore) CancelJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) updateJob(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// RequeueStaleRunningJobs implements JobRepo.
func (s *InMemoryStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// GetJob implements JobRepo.
func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

// ListJobsByStatus implements JobRepo.
func (s *InMemoryStore) ListJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnqueueOutboxMessage implements OutboxRepo.
func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, address, channel, body, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && (m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
				return m.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	m := &OutboxMessage{
		ID:        util.NewID(util.PrefixOutbox),
		Address:   address,
		Channel:   channel,
		Body:      body,
		Status:    OutboxStatusQueued,
		DedupeKey: dedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

// ClaimDueOutboxMessages implements OutboxRepo.
func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

// MarkOutboxMessageSent implements OutboxRepo.
func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

// FailOutboxMessage implements OutboxRepo.
func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
		next := nextAttemptAt.UTC()
		m.NextAttemptAt = &next
		m.Status = OutboxStatusQueued
		if m.Attempts >= DefaultOutboxMaxAttempts {
			m.Status = OutboxStatusFailed
		}
	})
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s: %w", id, ErrNotFound)
	}
	fn(m)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// RequeueStaleSendingMessages implements OutboxRepo.
func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of every outbox message, for tests and
// the admin API.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}
