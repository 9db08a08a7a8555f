package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/manthysbr/forgeOS/internal/core/domain"
)

const storyColumns = `id, operation_id, work_order_id, story_index, story_key, title, description, acceptance, status, CAST(output AS TEXT), retry_count, max_retries, created_at, updated_at`

func (r *Repository) CreateStories(ctx context.Context, stories []domain.Story) error {
	if len(stories) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
	INSERT INTO operation_stories (id, operation_id, work_order_id, story_index, story_key, title, description, acceptance, status, output, retry_count, max_retries, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, story := range stories {
		acceptJSON, err := json.Marshal(story.Acceptance)
		if err != nil {
			return fmt.Errorf("failed to marshal acceptance for story %s: %w", story.ID, err)
		}
		var output *string
		if story.Output != nil {
			s := string(story.Output)
			output = &s
		}
		if _, err := tx.ExecContext(ctx, query,
			story.ID, story.OperationID, story.WorkOrderID, story.StoryIndex,
			story.StoryKey, story.Title, story.Description, string(acceptJSON),
			story.Status, output, story.RetryCount, story.MaxRetries,
			story.CreatedAt, story.UpdatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *Repository) GetStory(ctx context.Context, id domain.StoryID) (*domain.Story, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM operation_stories WHERE id = ?`, id)

	story, err := scanStory(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrStoryNotFound
		}
		return nil, err
	}
	return story, nil
}

func (r *Repository) ListStories(ctx context.Context, operationID domain.OperationID) ([]domain.Story, error) {
	query := `SELECT ` + storyColumns + ` FROM operation_stories WHERE operation_id = ? ORDER BY story_index ASC`
	rows, err := r.db.QueryContext(ctx, query, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []domain.Story
	for rows.Next() {
		story, err := scanStory(rows.Scan)
		if err != nil {
			return nil, err
		}
		stories = append(stories, *story)
	}
	return stories, rows.Err()
}

func (r *Repository) UpdateStory(ctx context.Context, story *domain.Story) error {
	query := `
	UPDATE operation_stories
	SET status = ?, output = ?, retry_count = ?, updated_at = ?
	WHERE id = ?
	`

	var output *string
	if story.Output != nil {
		s := string(story.Output)
		output = &s
	}

	res, err := r.db.ExecContext(ctx, query, story.Status, output, story.RetryCount, story.UpdatedAt, story.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrStoryNotFound
	}
	return nil
}

func scanStory(scan func(dest ...any) error) (*domain.Story, error) {
	var story domain.Story
	var idStr, opStr, woStr, statusStr, acceptJSON string
	var output *string

	err := scan(
		&idStr, &opStr, &woStr, &story.StoryIndex, &story.StoryKey,
		&story.Title, &story.Description, &acceptJSON, &statusStr, &output,
		&story.RetryCount, &story.MaxRetries, &story.CreatedAt, &story.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	story.ID = domain.StoryID(idStr)
	story.OperationID = domain.OperationID(opStr)
	story.WorkOrderID = domain.WorkOrderID(woStr)
	story.Status = domain.StoryStatus(statusStr)
	if output != nil {
		story.Output = domain.Payload(*output)
	}
	if err := json.Unmarshal([]byte(acceptJSON), &story.Acceptance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal acceptance for story %s: %w", idStr, err)
	}
	return &story, nil
}
