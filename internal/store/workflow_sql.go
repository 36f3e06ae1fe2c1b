package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/util"
)

// SaveWorkflow implements WorkflowStore.
func (s *sqlStore) SaveWorkflow(ctx context.Context, def *models.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	prepareWorkflow(def, time.Now().UTC())

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if def.Active {
			if _, err := s.exec(ctx, tx, `UPDATE workflows SET active = ? WHERE id <> ?`, false, def.ID); err != nil {
				return fmt.Errorf("deactivate other workflows: %w", err)
			}
		}
		_, err := s.exec(ctx, tx,
			`INSERT INTO workflows (id, name, description, active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description,
				active = excluded.active, updated_at = excluded.updated_at`,
			def.ID, def.Name, def.Description, def.Active, def.CreatedAt, def.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert workflow: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, def.ID); err != nil {
			return fmt.Errorf("clear workflow steps: %w", err)
		}
		for _, step := range def.Steps {
			configJSON, err := marshalJSON(step.Config)
			if err != nil {
				return err
			}
			_, err = s.exec(ctx, tx,
				`INSERT INTO workflow_steps (id, workflow_id, step_key, name, type, position, config,
					next_step_id, on_success_step_id, on_failure_step_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				step.ID, def.ID, step.Key, step.Name, step.Type, step.Position, configJSON,
				nilIfEmpty(step.NextStepID), nilIfEmpty(step.OnSuccessStepID), nilIfEmpty(step.OnFailureStepID))
			if err != nil {
				return fmt.Errorf("insert step %q: %w", step.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info(s.name+".SaveWorkflow: saved workflow", "workflow_id", def.ID, "name", def.Name, "steps", len(def.Steps), "active", def.Active)
	return nil
}

// prepareWorkflow assigns missing ids and timestamps and orders the steps.
func prepareWorkflow(def *models.WorkflowDefinition, now time.Time) {
	if def.ID == "" {
		def.ID = util.NewID(util.PrefixWorkflow)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	for i := range def.Steps {
		if def.Steps[i].ID == "" {
			def.Steps[i].ID = util.NewID(util.PrefixStep)
		}
	}
	def.SortSteps()
}

// GetWorkflow implements WorkflowStore.
func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var description sql.NullString
	err := s.queryRow(ctx, s.db,
		`SELECT id, name, description, active, created_at, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&def.ID, &def.Name, &description, &def.Active, &def.CreatedAt, &def.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	def.Description = description.String

	rows, err := s.query(ctx, s.db,
		`SELECT id, step_key, name, type, position, config, next_step_id, on_success_step_id, on_failure_step_id
		 FROM workflow_steps WHERE workflow_id = ? ORDER BY position ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var step models.WorkflowStep
		var name, nextID, successID, failureID sql.NullString
		var configJSON []byte
		if err := rows.Scan(&step.ID, &step.Key, &name, &step.Type, &step.Position, &configJSON,
			&nextID, &successID, &failureID); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		step.Name = name.String
		step.NextStepID = nextID.String
		step.OnSuccessStepID = successID.String
		step.OnFailureStepID = failureID.String
		if err := unmarshalJSON(configJSON, &step.Config); err != nil {
			return nil, fmt.Errorf("decode config of step %q: %w", step.Key, err)
		}
		def.Steps = append(def.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow steps: %w", err)
	}
	return &def, nil
}

// GetActiveWorkflow implements WorkflowStore.
func (s *sqlStore) GetActiveWorkflow(ctx context.Context) (*models.WorkflowDefinition, error) {
	var id string
	err := s.queryRow(ctx, s.db, `SELECT id FROM workflows WHERE active = ? ORDER BY updated_at DESC LIMIT 1`, true).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active workflow: %w", err)
	}
	return s.GetWorkflow(ctx, id)
}

// ActivateWorkflow implements WorkflowStore.
func (s *sqlStore) ActivateWorkflow(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `UPDATE workflows SET active = ?, updated_at = ? WHERE id = ?`, true, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("activate workflow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("activate workflow %s: %w", id, ErrNotFound)
		}
		if _, err := s.exec(ctx, tx, `UPDATE workflows SET active = ? WHERE id <> ?`, false, id); err != nil {
			return fmt.Errorf("deactivate other workflows: %w", err)
		}
		return nil
	})
}
