package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/manthysbr/forgeOS/internal/core/domain"
)

func (r *Repository) CreateWorkOrder(ctx context.Context, wo *domain.WorkOrder) error {
	tagsJSON, err := json.Marshal(wo.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
	INSERT INTO work_orders (id, code, title, goal_md, priority, owner, tags, workflow_id, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var workflowID *string
	if wo.WorkflowID != "" {
		s := string(wo.WorkflowID)
		workflowID = &s
	}

	_, err = r.db.ExecContext(ctx, query,
		wo.ID, wo.Code, wo.Title, wo.GoalMD, wo.Priority, wo.Owner,
		string(tagsJSON), workflowID, wo.Status, wo.CreatedAt, wo.UpdatedAt,
	)
	return err
}

func (r *Repository) GetWorkOrder(ctx context.Context, id domain.WorkOrderID) (*domain.WorkOrder, error) {
	query := `SELECT id, code, title, goal_md, priority, owner, tags, workflow_id, status, created_at, updated_at FROM work_orders WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)

	wo, err := scanWorkOrder(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrWorkOrderNotFound
		}
		return nil, err
	}
	return wo, nil
}

func (r *Repository) ListWorkOrders(ctx context.Context, limit int) ([]domain.WorkOrder, error) {
	query := `SELECT id, code, title, goal_md, priority, owner, tags, workflow_id, status, created_at, updated_at FROM work_orders ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *wo)
	}
	return orders, rows.Err()
}

func (r *Repository) UpdateWorkOrder(ctx context.Context, wo *domain.WorkOrder) error {
	query := `UPDATE work_orders SET workflow_id = ?, status = ?, priority = ?, updated_at = ? WHERE id = ?`

	var workflowID *string
	if wo.WorkflowID != "" {
		s := string(wo.WorkflowID)
		workflowID = &s
	}

	res, err := r.db.ExecContext(ctx, query, workflowID, wo.Status, wo.Priority, wo.UpdatedAt, wo.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrWorkOrderNotFound
	}
	return nil
}

// scanWorkOrder works for both sql.Row and sql.Rows via the shared Scan
// signature.
func scanWorkOrder(scan func(dest ...any) error) (*domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var idStr, priorityStr, statusStr, tagsJSON string
	var workflowID *string

	err := scan(
		&idStr, &wo.Code, &wo.Title, &wo.GoalMD, &priorityStr, &wo.Owner,
		&tagsJSON, &workflowID, &statusStr, &wo.CreatedAt, &wo.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	wo.ID = domain.WorkOrderID(idStr)
	wo.Priority = domain.Priority(priorityStr)
	wo.Status = domain.WorkOrderStatus(statusStr)
	if workflowID != nil {
		wo.WorkflowID = domain.WorkflowID(*workflowID)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &wo.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags for work order %s: %w", idStr, err)
	}
	return &wo, nil
}
