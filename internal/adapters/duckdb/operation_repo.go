package duckdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/manthysbr/forgeOS/internal/core/domain"
)

const operationColumns = `id, work_order_id, workflow_id, stage_index, exec_type, CAST(loop_config AS TEXT), current_story_id, retry_count, max_retries, claimed_by, claim_expires_at, last_claimed_at, timeout_count, status, created_at, updated_at`

func (r *Repository) CreateOperation(ctx context.Context, op *domain.Operation) error {
	query := `
	INSERT INTO operations (id, work_order_id, workflow_id, stage_index, exec_type, loop_config, current_story_id, retry_count, max_retries, claimed_by, claim_expires_at, last_claimed_at, timeout_count, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var loopConfig *string
	if op.LoopConfig != nil {
		s := string(op.LoopConfig)
		loopConfig = &s
	}
	var currentStory *string
	if op.CurrentStoryID != nil {
		s := string(*op.CurrentStoryID)
		currentStory = &s
	}

	_, err := r.db.ExecContext(ctx, query,
		op.ID, op.WorkOrderID, op.WorkflowID, op.StageIndex, op.ExecType,
		loopConfig, currentStory, op.RetryCount, op.MaxRetries,
		op.ClaimedBy, op.ClaimExpiresAt, op.LastClaimedAt,
		op.TimeoutCount, op.Status, op.CreatedAt, op.UpdatedAt,
	)
	return err
}

func (r *Repository) GetOperation(ctx context.Context, id domain.OperationID) (*domain.Operation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)

	op, err := scanOperation(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrOperationNotFound
		}
		return nil, err
	}
	return op, nil
}

func (r *Repository) LatestOperation(ctx context.Context, workOrderID domain.WorkOrderID) (*domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE work_order_id = ? ORDER BY created_at DESC, stage_index DESC LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, workOrderID)

	op, err := scanOperation(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrOperationNotFound
		}
		return nil, err
	}
	return op, nil
}

func (r *Repository) ListOperations(ctx context.Context, workOrderID domain.WorkOrderID) ([]domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE work_order_id = ? ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, workOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOperations(rows)
}

func (r *Repository) ListClaimable(ctx context.Context, limit int) ([]domain.Operation, error) {
	// Priority band first, stable FIFO inside a band.
	query := `
	SELECT ` + qualifiedOperationColumns("o") + `
	FROM operations o
	JOIN work_orders w ON w.id = o.work_order_id
	WHERE o.status IN ('pending', 'stale')
	ORDER BY CASE w.priority WHEN 'P0' THEN 0 WHEN 'P1' THEN 1 WHEN 'P2' THEN 2 ELSE 3 END, o.created_at ASC
	LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOperations(rows)
}

func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Operation, error) {
	query := `
	SELECT ` + operationColumns + `
	FROM operations
	WHERE status IN ('claimed', 'running', 'stale') AND claim_expires_at IS NOT NULL AND claim_expires_at < ?
	ORDER BY claim_expires_at ASC
	LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOperations(rows)
}

// ClaimOperation implements the lease primitive as one conditional UPDATE:
// the WHERE clause re-checks claimability and lease expiry inside the
// write, so two concurrent claimers can never both see rows affected.
func (r *Repository) ClaimOperation(ctx context.Context, id domain.OperationID, executor string, now, leaseUntil time.Time) (bool, error) {
	query := `
	UPDATE operations
	SET claimed_by = ?, claim_expires_at = ?, last_claimed_at = ?, status = 'claimed', updated_at = ?
	WHERE id = ?
	  AND status IN ('pending', 'stale')
	  AND (claimed_by IS NULL OR claim_expires_at < ?)
	`
	res, err := r.db.ExecContext(ctx, query, executor, leaseUntil, now, now, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkStale stamps a lapsed claim stale without touching the claim
// columns, so an interrupted recovery sweep stays visible and a later
// sweep (or a direct claim, the lease being expired) converges it.
func (r *Repository) MarkStale(ctx context.Context, id domain.OperationID, now time.Time) (bool, error) {
	query := `
	UPDATE operations
	SET status = 'stale', updated_at = ?
	WHERE id = ?
	  AND status IN ('claimed', 'running')
	  AND claim_expires_at IS NOT NULL AND claim_expires_at < ?
	`
	res, err := r.db.ExecContext(ctx, query, now, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) RecoverExpired(ctx context.Context, id domain.OperationID, now time.Time) (bool, error) {
	query := `
	UPDATE operations
	SET claimed_by = NULL, claim_expires_at = NULL, status = 'pending', timeout_count = timeout_count + 1, updated_at = ?
	WHERE id = ?
	  AND status IN ('claimed', 'running', 'stale')
	  AND claim_expires_at IS NOT NULL AND claim_expires_at < ?
	`
	res, err := r.db.ExecContext(ctx, query, now, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) FailExpired(ctx context.Context, id domain.OperationID, now time.Time) (bool, error) {
	query := `
	UPDATE operations
	SET claimed_by = NULL, claim_expires_at = NULL, status = 'failed', timeout_count = timeout_count + 1, updated_at = ?
	WHERE id = ?
	  AND status IN ('claimed', 'running', 'stale')
	  AND claim_expires_at IS NOT NULL AND claim_expires_at < ?
	`
	res, err := r.db.ExecContext(ctx, query, now, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) UpdateOperation(ctx context.Context, op *domain.Operation) error {
	query := `
	UPDATE operations
	SET current_story_id = ?, retry_count = ?, claimed_by = ?, claim_expires_at = ?, last_claimed_at = ?, timeout_count = ?, status = ?, updated_at = ?
	WHERE id = ?
	`

	var currentStory *string
	if op.CurrentStoryID != nil {
		s := string(*op.CurrentStoryID)
		currentStory = &s
	}

	res, err := r.db.ExecContext(ctx, query,
		currentStory, op.RetryCount, op.ClaimedBy, op.ClaimExpiresAt,
		op.LastClaimedAt, op.TimeoutCount, op.Status, op.UpdatedAt, op.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrOperationNotFound
	}
	return nil
}

func collectOperations(rows *sql.Rows) ([]domain.Operation, error) {
	var ops []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func scanOperation(scan func(dest ...any) error) (*domain.Operation, error) {
	var op domain.Operation
	var idStr, woStr, wfStr, execStr, statusStr string
	var loopConfig, currentStory *string

	err := scan(
		&idStr, &woStr, &wfStr, &op.StageIndex, &execStr,
		&loopConfig, &currentStory, &op.RetryCount, &op.MaxRetries,
		&op.ClaimedBy, &op.ClaimExpiresAt, &op.LastClaimedAt,
		&op.TimeoutCount, &statusStr, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.ID = domain.OperationID(idStr)
	op.WorkOrderID = domain.WorkOrderID(woStr)
	op.WorkflowID = domain.WorkflowID(wfStr)
	op.ExecType = domain.ExecType(execStr)
	op.Status = domain.OperationStatus(statusStr)
	if loopConfig != nil {
		op.LoopConfig = domain.Payload(*loopConfig)
	}
	if currentStory != nil {
		sid := domain.StoryID(*currentStory)
		op.CurrentStoryID = &sid
	}
	return &op, nil
}

func qualifiedOperationColumns(alias string) string {
	return alias + `.id, ` + alias + `.work_order_id, ` + alias + `.workflow_id, ` + alias + `.stage_index, ` + alias + `.exec_type, CAST(` + alias + `.loop_config AS TEXT), ` + alias + `.current_story_id, ` + alias + `.retry_count, ` + alias + `.max_retries, ` + alias + `.claimed_by, ` + alias + `.claim_expires_at, ` + alias + `.last_claimed_at, ` + alias + `.timeout_count, ` + alias + `.status, ` + alias + `.created_at, ` + alias + `.updated_at`
}
