package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"reelcast/internal/models"
)

const itemColumns = `id, source_url, source_media_id, shortcode, status, caption, hashtags,
	storage_url, cover_url, destination_url, destination_id, error_message, created_at, updated_at`

// CreateItem inserts a new item in state pending.
func (s *Store) CreateItem(ctx context.Context, sourceURL string) (models.Item, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO items (id, source_url, status, hashtags, created_at, updated_at)
		VALUES ($1, $2, $3, '{}', $4, $4)
	`, id, sourceURL, models.ItemPending, now)
	if err != nil {
		return models.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return models.Item{
		ID:        id,
		SourceURL: sourceURL,
		Status:    models.ItemPending,
		Hashtags:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetItem fetches an item by id.
func (s *Store) GetItem(ctx context.Context, id string) (models.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	return scanItem(row)
}

// ListItemsParams filters and paginates ListItems.
type ListItemsParams struct {
	Status string
	Limit  int
	Offset int
}

// ListItems returns items newest first, optionally filtered by status.
func (s *Store) ListItems(ctx context.Context, p ListItemsParams) ([]models.Item, error) {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 100
	}
	query := `SELECT ` + itemColumns + ` FROM items`
	args := []any{}
	if p.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, p.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, p.Limit, p.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := []models.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateItemStatus moves an item to a new lifecycle state. The error message
// is cleared unless provided.
func (s *Store) UpdateItemStatus(ctx context.Context, id, status string, errorMessage *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1
	`, id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("update item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetItemError records an operational note without changing status, e.g. when
// the queue was unreachable at submit time.
func (s *Store) SetItemError(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE items SET error_message = $2, updated_at = NOW() WHERE id = $1
	`, id, message)
	return err
}

// SetItemDownload persists the resolved source metadata after the download step.
func (s *Store) SetItemDownload(ctx context.Context, id, mediaID, shortcode string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE items SET source_media_id = NULLIF($2, ''), shortcode = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`, id, mediaID, shortcode)
	return err
}

// SetItemStorage persists object-store URLs after the upload step.
func (s *Store) SetItemStorage(ctx context.Context, id, storageURL, coverURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE items SET storage_url = $2, cover_url = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`, id, storageURL, coverURL)
	return err
}

// SetItemCaption persists the generated caption and hashtags.
func (s *Store) SetItemCaption(ctx context.Context, id, caption string, hashtags []string) error {
	if hashtags == nil {
		hashtags = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE items SET caption = $2, hashtags = $3, updated_at = NOW() WHERE id = $1
	`, id, caption, hashtags)
	return err
}

// SetItemPublication persists the destination URL and video id after publish.
func (s *Store) SetItemPublication(ctx context.Context, id, destinationURL, destinationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE items SET destination_url = $2, destination_id = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`, id, destinationURL, destinationID)
	return err
}

// UpdateItemContent applies operator edits to caption and hashtags.
func (s *Store) UpdateItemContent(ctx context.Context, id string, caption *string, hashtags []string) (models.Item, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE items
		SET caption = COALESCE($2, caption),
		    hashtags = COALESCE($3, hashtags),
		    updated_at = NOW()
		WHERE id = $1
	`, id, caption, hashtags)
	if err != nil {
		return models.Item{}, fmt.Errorf("update item content: %w", err)
	}
	return s.GetItem(ctx, id)
}

// DeleteItem removes an item and, via cascade, its job records.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StatsSummary aggregates item counts per status.
func (s *Store) StatsSummary(ctx context.Context) (models.StatsSummary, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return models.StatsSummary{}, fmt.Errorf("stats summary: %w", err)
	}
	defer rows.Close()

	var summary models.StatsSummary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.StatsSummary{}, fmt.Errorf("scan stats row: %w", err)
		}
		summary.TotalItems += count
		switch status {
		case models.ItemPending:
			summary.Pending = count
		case models.ItemDownloading:
			summary.Downloading = count
		case models.ItemProcessing:
			summary.Processing = count
		case models.ItemUploading:
			summary.Uploading = count
		case models.ItemCaptioning:
			summary.Captioning = count
		case models.ItemPublishing:
			summary.Publishing = count
		case models.ItemCompleted:
			summary.Completed = count
		case models.ItemFailed:
			summary.Failed = count
		}
	}
	return summary, rows.Err()
}

func scanItem(row pgx.Row) (models.Item, error) {
	var item models.Item
	var mediaID, shortcode, caption, storageURL, coverURL, destURL, destID, errMsg pgtype.Text
	err := row.Scan(
		&item.ID, &item.SourceURL, &mediaID, &shortcode, &item.Status, &caption, &item.Hashtags,
		&storageURL, &coverURL, &destURL, &destID, &errMsg, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Item{}, ErrNotFound
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("scan item: %w", err)
	}
	item.SourceMediaID = textPtr(mediaID)
	item.Shortcode = textPtr(shortcode)
	item.Caption = textPtr(caption)
	item.StorageURL = textPtr(storageURL)
	item.CoverURL = textPtr(coverURL)
	item.DestinationURL = textPtr(destURL)
	item.DestinationID = textPtr(destID)
	item.ErrorMessage = textPtr(errMsg)
	return item, nil
}
