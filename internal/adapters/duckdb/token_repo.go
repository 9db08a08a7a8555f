package duckdb

import (
	"context"
	"database/sql"

	"github.com/manthysbr/forgeOS/internal/core/domain"
)

// InsertToken is the idempotency gate: the token column is the primary
// key, and ON CONFLICT DO NOTHING turns a replay into zero affected rows
// instead of an error. The caller learns about the replay, the original
// row stays untouched.
func (r *Repository) InsertToken(ctx context.Context, tok *domain.CompletionToken) error {
	query := `
	INSERT INTO completion_tokens (token, operation_id, work_order_id, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (token) DO NOTHING
	`

	var workOrderID *string
	if tok.WorkOrderID != "" {
		s := string(tok.WorkOrderID)
		workOrderID = &s
	}

	res, err := r.db.ExecContext(ctx, query, tok.Token, tok.OperationID, workOrderID, tok.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTokenSeen
	}
	return nil
}

func (r *Repository) GetToken(ctx context.Context, token string) (*domain.CompletionToken, error) {
	query := `SELECT token, operation_id, work_order_id, created_at FROM completion_tokens WHERE token = ?`
	row := r.db.QueryRowContext(ctx, query, token)

	var tok domain.CompletionToken
	var opStr string
	var workOrderID *string

	if err := row.Scan(&tok.Token, &opStr, &workOrderID, &tok.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrTokenNotFound
		}
		return nil, err
	}

	tok.OperationID = domain.OperationID(opStr)
	if workOrderID != nil {
		tok.WorkOrderID = domain.WorkOrderID(*workOrderID)
	}
	return &tok, nil
}
