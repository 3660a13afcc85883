package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

// RecordLink stores a newly submitted crafting link. Zero timestamps and an
// empty status are filled in.
func (l *Ledger) RecordLink(ctx context.Context, rec *LinkRecord) error {
	if l.db == nil {
		return errNotInitialized
	}
	if rec.ID == "" {
		return engine.NewConfigurationError("link id is required", nil).WithOperation("record_link")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = LinkStatusSubmitted
	}

	f := rec.Output.Fingerprint
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO links (id, item, variant, has_subtypes, tag, quantity, cluster, source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, f.Item, f.Variant, boolToInt(f.HasSubtypes), f.Tag, rec.Output.Quantity,
		rec.Cluster, rec.Source, string(rec.Status),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record link: %w", err)
	}
	return nil
}

// UpdateLinkStatus moves a recorded link to status.
func (l *Ledger) UpdateLinkStatus(ctx context.Context, id string, status LinkStatus) error {
	if l.db == nil {
		return errNotInitialized
	}
	result, err := l.db.ExecContext(ctx, `
		UPDATE links SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update link status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("link not found: %s", id)
	}
	return nil
}

// Links lists recorded links, newest first.
func (l *Ledger) Links(ctx context.Context, limit, offset int) ([]*LinkRecord, error) {
	if l.db == nil {
		return nil, errNotInitialized
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, item, variant, has_subtypes, tag, quantity, cluster, source, status, created_at, updated_at
		FROM links
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	out := []*LinkRecord{}
	for rows.Next() {
		rec := &LinkRecord{}
		var subtypes int
		var status string
		var created, updated int64
		if err := rows.Scan(&rec.ID,
			&rec.Output.Item, &rec.Output.Variant, &subtypes, &rec.Output.Tag, &rec.Output.Quantity,
			&rec.Cluster, &rec.Source, &status, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		rec.Output.HasSubtypes = subtypes != 0
		rec.Status = LinkStatus(status)
		rec.CreatedAt = fromUnixNano(created)
		rec.UpdatedAt = fromUnixNano(updated)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return out, nil
}
