package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"citestack/internal/models"
)

const itemColumns = `id, user_id, source_type, url, canonical_url, file_path, mime_type, title,
	raw_text, cleaned_text, summary, suggested_title, status, error, thumbnail_url, created_at, updated_at`

// CreateItem inserts a captured item.
func (s *Store) CreateItem(ctx context.Context, p models.NewItem) (models.Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `
		INSERT INTO items (id, user_id, source_type, url, canonical_url, file_path, mime_type, title, raw_text, cleaned_text, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)
		RETURNING `+itemColumns,
		uuid.New().String(), p.UserID, p.SourceType, emptyToNil(p.URL), emptyToNil(p.CanonicalURL),
		emptyToNil(p.FilePath), emptyToNil(p.MimeType), emptyToNil(p.Title), emptyToNil(p.RawText), models.ItemCaptured))
	if err != nil {
		return models.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

// GetItem fetches an item with its quotes and tags.
func (s *Store) GetItem(ctx context.Context, id string) (models.Item, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Item{}, ErrNotFound
	}
	item, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Item{}, ErrNotFound
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("get item: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT quote, coalesce(why_it_matters, '') FROM item_quotes WHERE item_id = $1 ORDER BY position`, id)
	if err != nil {
		return models.Item{}, fmt.Errorf("list quotes: %w", err)
	}
	for rows.Next() {
		var q models.Quote
		if err := rows.Scan(&q.Quote, &q.WhyItMatters); err != nil {
			rows.Close()
			return models.Item{}, fmt.Errorf("scan quote: %w", err)
		}
		item.Quotes = append(item.Quotes, q)
	}
	rows.Close()

	tags, err := s.pool.Query(ctx, `SELECT tag FROM item_tags WHERE item_id = $1 ORDER BY tag`, id)
	if err != nil {
		return models.Item{}, fmt.Errorf("list tags: %w", err)
	}
	defer tags.Close()
	for tags.Next() {
		var tag string
		if err := tags.Scan(&tag); err != nil {
			return models.Item{}, fmt.Errorf("scan tag: %w", err)
		}
		item.Tags = append(item.Tags, tag)
	}
	return item, tags.Err()
}

// FindItemByCanonicalURL returns the user's item for a canonical URL.
func (s *Store) FindItemByCanonicalURL(ctx context.Context, userID, canonical string) (models.Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE user_id = $1 AND canonical_url = $2
		ORDER BY created_at LIMIT 1`, userID, canonical))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Item{}, ErrNotFound
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("find item by url: %w", err)
	}
	return item, nil
}

// ClearItemError resets a failed item so it can be processed again.
func (s *Store) ClearItemError(ctx context.Context, id string) error {
	return s.execItem(ctx, "clear item error", `
		UPDATE items
		SET error = NULL,
		    status = CASE WHEN status = 'failed' THEN 'captured' ELSE status END,
		    updated_at = now()
		WHERE id = $1`, id)
}

// MarkItemFailed records a processing error on the item.
func (s *Store) MarkItemFailed(ctx context.Context, id, msg string) error {
	return s.execItem(ctx, "mark item failed", `
		UPDATE items SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, models.ItemFailed, msg)
}

// SetItemError records an error without changing the item status.
func (s *Store) SetItemError(ctx context.Context, id, msg string) error {
	return s.execItem(ctx, "set item error", `
		UPDATE items SET error = $2, updated_at = now() WHERE id = $1`, id, msg)
}

// SaveExtraction overwrites the extracted text of an item.
func (s *Store) SaveExtraction(ctx context.Context, id string, e models.Extraction) error {
	return s.execItem(ctx, "save extraction", `
		UPDATE items
		SET title = coalesce(nullif(title, ''), $2),
		    raw_text = $3, cleaned_text = $4, status = $5, error = NULL, updated_at = now()
		WHERE id = $1`,
		id, emptyToNil(e.Title), e.RawText, e.CleanedText, models.ItemExtracted)
}

// SaveEnrichment replaces summary, quotes and tags in one transaction.
func (s *Store) SaveEnrichment(ctx context.Context, id string, e models.Enrichment) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE items
		SET summary = coalesce($2, summary), suggested_title = coalesce($3, suggested_title),
		    status = $4, error = NULL, updated_at = now()
		WHERE id = $1`, id, emptyToNil(e.Summary), emptyToNil(e.SuggestedTitle), models.ItemEnriched)
	if err != nil {
		return fmt.Errorf("update item summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if e.Quotes != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM item_quotes WHERE item_id = $1`, id); err != nil {
			return fmt.Errorf("delete quotes: %w", err)
		}
		for i, q := range e.Quotes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO item_quotes (item_id, position, quote, why_it_matters) VALUES ($1, $2, $3, $4)`,
				id, i, q.Quote, emptyToNil(q.WhyItMatters)); err != nil {
				return fmt.Errorf("insert quote: %w", err)
			}
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM item_tags WHERE item_id = $1`, id); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	for _, t := range e.Tags {
		if _, err := tx.Exec(ctx, `
			INSERT INTO item_tags (item_id, tag) VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, t); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetItemThumbnail stores the thumbnail location.
func (s *Store) SetItemThumbnail(ctx context.Context, id, url string) error {
	return s.execItem(ctx, "set thumbnail", `
		UPDATE items SET thumbnail_url = $2, updated_at = now() WHERE id = $1`, id, url)
}

func (s *Store) execItem(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanItem(row pgx.Row) (models.Item, error) {
	var item models.Item
	var url, canonical, filePath, mime, title, thumb pgtype.Text
	var raw, cleaned, summary, suggested, errText pgtype.Text
	if err := row.Scan(&item.ID, &item.UserID, &item.SourceType, &url, &canonical, &filePath, &mime, &title,
		&raw, &cleaned, &summary, &suggested, &item.Status, &errText, &thumb, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return models.Item{}, err
	}
	item.URL = textVal(url)
	item.CanonicalURL = textVal(canonical)
	item.FilePath = textVal(filePath)
	item.MimeType = textVal(mime)
	item.Title = textVal(title)
	item.RawText = textVal(raw)
	item.CleanedText = textVal(cleaned)
	item.Summary = textVal(summary)
	item.SuggestedTitle = textVal(suggested)
	item.Error = textPtr(errText)
	item.ThumbnailURL = textVal(thumb)
	return item, nil
}
