package workflow

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/signoff/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	pgUniqueViolation    = "23505"
	openEntityConstraint = "idx_workflow_instances_open_entity"
)

const instanceColumns = `id, module, entity_id, entity_type, status, created_by,
	comments, metadata, stages, version, created_at, last_updated_at`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5. Stages
// are stored as a JSONB array on the instance row so a transition is a single
// conditional UPDATE.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent.
func (s *PgWorkflowStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(body), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *PgWorkflowStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new workflow instance.
func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	stagesJSON, metaJSON, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, module, entity_id, entity_type, status, created_by,
			comments, metadata, stages, version, created_at, last_updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID, inst.Module, inst.EntityID, inst.EntityType, inst.Status, inst.CreatedBy,
		inst.Comments, metaJSON, stagesJSON, inst.Version, inst.CreatedAt, inst.LastUpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == openEntityConstraint {
			return model.NewConflictError(
				fmt.Sprintf("%s %q already has an open workflow", inst.Module, inst.EntityID),
			)
		}
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgWorkflowStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// GetByEntity returns the newest workflow for a module entity.
func (s *PgWorkflowStore) GetByEntity(ctx context.Context, module, entityID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE module = $1 AND entity_id = $2
		ORDER BY created_at DESC, id ASC
		LIMIT 1`,
		module, entityID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no workflow for %s %q", module, entityID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow by entity: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking and appends the
// history entries in the same transaction.
func (s *PgWorkflowStore) Update(ctx context.Context, inst model.WorkflowInstance, history ...model.HistoryEntry) error {
	stagesJSON, metaJSON, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				status = $1,
				comments = $2,
				metadata = $3,
				stages = $4,
				version = $5,
				last_updated_at = $6
			WHERE id = $7 AND version = $8`,
			inst.Status, inst.Comments, metaJSON, stagesJSON, inst.Version+1,
			inst.LastUpdatedAt, inst.ID, inst.Version,
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
			)
		}

		for _, h := range history {
			_, err := tx.Exec(ctx, `
				INSERT INTO workflow_history (
					id, workflow_id, stage_id, stage_number, actor_id, action, status, comments, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				h.ID, h.WorkflowID, h.StageID, h.StageNumber, h.ActorID, h.Action, h.Status, h.Comments, h.Timestamp,
			)
			if err != nil {
				return fmt.Errorf("insert workflow history: %w", err)
			}
		}
		return nil
	})
}

// GetHistory retrieves all history entries for a workflow.
func (s *PgWorkflowStore) GetHistory(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, stage_id, stage_number, actor_id, action, status, comments, created_at
		FROM workflow_history
		WHERE workflow_id = $1
		ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		if err := rows.Scan(
			&h.ID, &h.WorkflowID, &h.StageID, &h.StageNumber, &h.ActorID,
			&h.Action, &h.Status, &h.Comments, &h.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow history: %w", err)
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// Find returns workflow instances matching the filters, newest first.
func (s *PgWorkflowStore) Find(ctx context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.Module != "" {
		query += fmt.Sprintf(" AND module = $%d", argIdx)
		args = append(args, filters.Module)
		argIdx++
	}
	if len(filters.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, filters.Statuses)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func marshalInstance(inst model.WorkflowInstance) (stages, metadata []byte, err error) {
	stages, err = json.Marshal(inst.Stages)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal stages: %w", err)
	}
	if inst.Metadata != nil {
		metadata, err = json.Marshal(inst.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return stages, metadata, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var stagesJSON, metaJSON []byte

	if err := row.Scan(
		&inst.ID, &inst.Module, &inst.EntityID, &inst.EntityType, &inst.Status, &inst.CreatedBy,
		&inst.Comments, &metaJSON, &stagesJSON, &inst.Version, &inst.CreatedAt, &inst.LastUpdatedAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := json.Unmarshal(stagesJSON, &inst.Stages); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &inst.Metadata); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	inst.SortStages()
	return inst, nil
}
