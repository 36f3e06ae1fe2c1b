package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/util"
)

const outboxColumns = `id, address, channel, body, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// EnqueueOutboxMessage implements OutboxRepo.
func (s *sqlStore) EnqueueOutboxMessage(ctx context.Context, address, channel, body, dedupeKey string) (string, error) {
	id := util.NewID(util.PrefixOutbox)
	now := time.Now().UTC()

	if dedupeKey != "" {
		var existingID string
		err := s.queryRow(ctx, s.db,
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN (?, ?, ?)`,
			dedupeKey, OutboxStatusSent, OutboxStatusCanceled, OutboxStatusFailed,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO outbox_messages (id, address, channel, body, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, address, channel, body, OutboxStatusQueued, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueOutboxMessage", "id", id, "address", address, "channel", channel)
	return id, nil
}

// ClaimDueOutboxMessages implements OutboxRepo.
func (s *sqlStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	if s.dialect == dialectPostgres {
		rows, err := s.query(ctx, s.db,
			`UPDATE outbox_messages SET status = ?, locked_at = ?, updated_at = ?
			 WHERE id IN (
			   SELECT id FROM outbox_messages WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			   ORDER BY created_at ASC LIMIT ?
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+outboxColumns,
			OutboxStatusSending, now, now, OutboxStatusQueued, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		defer rows.Close()
		var msgs []OutboxMessage
		for rows.Next() {
			m, err := scanOutboxMessage(rows)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, m)
		}
		return msgs, rows.Err()
	}

	var msgs []OutboxMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx,
			`SELECT `+outboxColumns+` FROM outbox_messages
			 WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			 ORDER BY created_at ASC LIMIT ?`,
			OutboxStatusQueued, now, limit)
		if err != nil {
			return fmt.Errorf("claim due outbox query failed: %w", err)
		}
		for rows.Next() {
			m, err := scanOutboxMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			msgs = append(msgs, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("claim outbox iteration failed: %w", err)
		}
		for i := range msgs {
			if _, err := s.exec(ctx, tx,
				`UPDATE outbox_messages SET status = ?, locked_at = ?, updated_at = ? WHERE id = ?`,
				OutboxStatusSending, now, now, msgs[i].ID); err != nil {
				return fmt.Errorf("mark outbox sending failed: %w", err)
			}
			msgs[i].Status = OutboxStatusSending
			lockedAt := now
			msgs[i].LockedAt = &lockedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkOutboxMessageSent implements OutboxRepo.
func (s *sqlStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		OutboxStatusSent, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

// FailOutboxMessage implements OutboxRepo.
func (s *sqlStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		err := s.queryRow(ctx, tx, `SELECT attempts FROM outbox_messages WHERE id = ?`, id).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("fail outbox message %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("fail outbox lookup failed: %w", err)
		}
		attempts++
		status := OutboxStatusQueued
		if attempts >= DefaultOutboxMaxAttempts {
			status = OutboxStatusFailed
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE outbox_messages SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
			 WHERE id = ?`,
			status, attempts, errMsg, nextAttemptAt.UTC(), now, id); err != nil {
			return fmt.Errorf("fail outbox message failed: %w", err)
		}
		if status == OutboxStatusFailed {
			slog.Warn(s.name+".FailOutboxMessage: giving up on message", "id", id, "attempts", attempts, "error", errMsg)
		}
		return nil
	})
}

// RequeueStaleSendingMessages implements OutboxRepo.
func (s *sqlStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		OutboxStatusQueued, time.Now().UTC(), OutboxStatusSending, staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

// RecordInbound implements DedupRepo.
func (s *sqlStore) RecordInbound(ctx context.Context, messageID, address string) (bool, error) {
	result, err := s.exec(ctx, s.db,
		`INSERT INTO inbound_dedup (message_id, address, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, address, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkProcessed implements DedupRepo.
func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
