package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

// Stock returns every stored fingerprint with a positive quantity.
func (l *Ledger) Stock(ctx context.Context) (map[engine.Fingerprint]int64, error) {
	if l.db == nil {
		return nil, errNotInitialized
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT item, variant, has_subtypes, tag, quantity
		FROM stock
		WHERE quantity > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read stock: %w", err)
	}
	defer rows.Close()

	out := make(map[engine.Fingerprint]int64)
	for rows.Next() {
		var f engine.Fingerprint
		var subtypes int
		var qty int64
		if err := rows.Scan(&f.Item, &f.Variant, &subtypes, &f.Tag, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		f.HasSubtypes = subtypes != 0
		out[f] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stock: %w", err)
	}
	return out, nil
}

// Quantity returns the stored quantity of f.
func (l *Ledger) Quantity(ctx context.Context, f engine.Fingerprint) (int64, error) {
	if l.db == nil {
		return 0, errNotInitialized
	}
	var qty int64
	err := l.db.QueryRowContext(ctx, `
		SELECT quantity FROM stock
		WHERE item = ? AND variant = ? AND has_subtypes = ? AND tag = ?
	`, f.Item, f.Variant, boolToInt(f.HasSubtypes), f.Tag).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get quantity: %w", err)
	}
	return qty, nil
}

// Seed overwrites the stock levels of the given fingerprints without
// notifying the listener.
func (l *Ledger) Seed(ctx context.Context, levels map[engine.Fingerprint]int64) error {
	if l.db == nil {
		return errNotInitialized
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	for f, qty := range levels {
		if qty < 0 {
			return engine.NewConfigurationError(fmt.Sprintf("negative stock for %s", f), nil).WithOperation("seed_stock")
		}
		if err := upsertStock(ctx, tx, f, qty, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stock: %w", err)
	}
	return nil
}

// Adjust changes the stored quantity of f by delta and returns the new
// level. A change that would leave the level negative is rejected.
func (l *Ledger) Adjust(ctx context.Context, f engine.Fingerprint, delta int64) (int64, error) {
	if l.db == nil {
		return 0, errNotInitialized
	}
	if delta == 0 {
		return l.Quantity(ctx, f)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT quantity FROM stock
		WHERE item = ? AND variant = ? AND has_subtypes = ? AND tag = ?
	`, f.Item, f.Variant, boolToInt(f.HasSubtypes), f.Tag).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to get quantity: %w", err)
	}

	next := current + delta
	if next < 0 {
		return current, engine.NewComputationError(
			fmt.Sprintf("cannot remove %d of %s, only %d stored", -delta, f, current), nil,
		).WithOperation("adjust_stock")
	}
	if err := upsertStock(ctx, tx, f, next, time.Now().UnixNano()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit stock: %w", err)
	}

	l.mu.Lock()
	listener := l.listener
	l.mu.Unlock()
	if listener != nil {
		listener(f, delta)
	}
	return next, nil
}

// InjectItems implements cluster.OutputSink by adding stack to stock. On
// failure the whole stack is handed back.
func (l *Ledger) InjectItems(stack engine.Stack, src engine.ActionSource) engine.Stack {
	if stack.Quantity <= 0 {
		return stack.WithQuantity(0)
	}
	if _, err := l.Adjust(context.Background(), stack.Fingerprint, stack.Quantity); err != nil {
		l.logger.Error().Err(err).Str("stack", stack.String()).Str("source", src.String()).Msg("Failed to store crafted output")
		return stack
	}
	l.logger.Debug().Str("stack", stack.String()).Str("source", src.String()).Msg("Stored crafted output")
	return stack.WithQuantity(0)
}

func upsertStock(ctx context.Context, tx *sql.Tx, f engine.Fingerprint, qty, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock (item, variant, has_subtypes, tag, quantity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (item, variant, has_subtypes, tag)
		DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at
	`, f.Item, f.Variant, boolToInt(f.HasSubtypes), f.Tag, qty, now)
	if err != nil {
		return fmt.Errorf("failed to upsert stock: %w", err)
	}
	return nil
}
