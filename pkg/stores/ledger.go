package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/craftgrid/pkg/cluster"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

var errNotInitialized = errors.New("database not initialized")

// Config holds ledger configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
}

// Ledger is a SQLite-backed storage grid. It keeps stock levels, records
// alterations of stored items and remembers submitted crafting links.
type Ledger struct {
	db      *sql.DB
	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	providers []engine.CellProvider
	listener  StockListener
}

var (
	_ engine.StorageGrid = (*Ledger)(nil)
	_ cluster.OutputSink = (*Ledger)(nil)
)

// NewLedger creates a ledger. Call Init and Migrate before use.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, engine.NewConfigurationError("database path is required", nil).WithOperation("new_ledger")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}

	return &Ledger{
		cfg:     cfg,
		logger:  l.With().Str("component", "ledger").Str("path", cfg.Path).Logger(),
		metrics: cfg.Metrics,
	}, nil
}

// Init opens the database connection. File databases run in WAL mode.
func (l *Ledger) Init(ctx context.Context) error {
	dsn := l.cfg.Path
	if dsn != memoryPath {
		dsn = fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", l.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(l.cfg.MaxOpenConns)
	db.SetMaxIdleConns(l.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(l.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	l.db = db
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (l *Ledger) Migrate(_ context.Context) error {
	if l.db == nil {
		return errNotInitialized
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(l.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	l.logger.Debug().Msg("Ledger schema is up to date")
	return nil
}

// HealthCheck verifies the database connection.
func (l *Ledger) HealthCheck(ctx context.Context) error {
	if l.db == nil {
		return errNotInitialized
	}
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// SetStockListener installs fn to be called after every stock change.
func (l *Ledger) SetStockListener(fn StockListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = fn
}

// RegisterCellProvider adds a virtual inventory whose craftable stacks are
// mirrored into the craftable table on every alteration.
func (l *Ledger) RegisterCellProvider(p engine.CellProvider) {
	if p == nil {
		return
	}
	l.mu.Lock()
	for _, existing := range l.providers {
		if existing == p {
			l.mu.Unlock()
			return
		}
	}
	l.providers = append(l.providers, p)
	l.mu.Unlock()

	if err := l.SyncCraftable(context.Background()); err != nil {
		l.logger.Error().Err(err).Msg("Failed to sync craftable set")
	}
}

// PostAlterationOfStoredItems records one alteration per changed
// fingerprint and refreshes the craftable set.
func (l *Ledger) PostAlterationOfStoredItems(channel engine.Channel, changed []engine.Fingerprint, src engine.ActionSource) {
	ctx := context.Background()
	if err := l.RecordAlterations(ctx, channel, changed, src); err != nil {
		l.logger.Error().Err(err).Str("channel", string(channel)).Msg("Failed to record alteration")
		return
	}
	if err := l.SyncCraftable(ctx); err != nil {
		l.logger.Error().Err(err).Msg("Failed to sync craftable set")
	}
}

// RecordAlterations appends changed to the alteration history in order.
func (l *Ledger) RecordAlterations(ctx context.Context, channel engine.Channel, changed []engine.Fingerprint, src engine.ActionSource) error {
	if len(changed) == 0 {
		return nil
	}
	if l.db == nil {
		return errNotInitialized
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM alterations`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read alteration sequence: %w", err)
	}

	now := time.Now().UnixNano()
	query := `
		INSERT INTO alterations (id, seq, channel, item, variant, has_subtypes, tag, source, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, f := range changed {
		seq++
		if _, err := tx.ExecContext(ctx, query,
			uuid.NewString(), seq, string(channel),
			f.Item, f.Variant, boolToInt(f.HasSubtypes), f.Tag,
			src.String(), now,
		); err != nil {
			return fmt.Errorf("failed to insert alteration: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alterations: %w", err)
	}
	l.metrics.RecordAlterations(string(channel), len(changed))
	return nil
}

// Alterations lists recorded alterations oldest first.
func (l *Ledger) Alterations(ctx context.Context, limit, offset int) ([]*Alteration, error) {
	if l.db == nil {
		return nil, errNotInitialized
	}
	query := `
		SELECT id, seq, channel, item, variant, has_subtypes, tag, source, recorded_at
		FROM alterations
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`

	rows, err := l.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list alterations: %w", err)
	}
	defer rows.Close()

	out := []*Alteration{}
	for rows.Next() {
		a := &Alteration{}
		var channel string
		var subtypes int
		var recorded int64
		if err := rows.Scan(&a.ID, &a.Seq, &channel,
			&a.Fingerprint.Item, &a.Fingerprint.Variant, &subtypes, &a.Fingerprint.Tag,
			&a.Source, &recorded,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alteration: %w", err)
		}
		a.Channel = engine.Channel(channel)
		a.Fingerprint.HasSubtypes = subtypes != 0
		a.RecordedAt = fromUnixNano(recorded)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alterations: %w", err)
	}
	return out, nil
}

// SyncCraftable replaces the craftable table with the craftable stacks the
// registered cell providers currently offer.
func (l *Ledger) SyncCraftable(ctx context.Context) error {
	l.mu.Lock()
	providers := append([]engine.CellProvider(nil), l.providers...)
	l.mu.Unlock()
	if l.db == nil {
		return errNotInitialized
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM craftable`); err != nil {
		return fmt.Errorf("failed to clear craftable set: %w", err)
	}
	query := `
		INSERT INTO craftable (item, variant, has_subtypes, tag)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (item, variant, has_subtypes, tag) DO NOTHING
	`
	for _, p := range providers {
		for _, s := range p.AvailableItems() {
			if !s.Craftable {
				continue
			}
			f := s.Fingerprint
			if _, err := tx.ExecContext(ctx, query, f.Item, f.Variant, boolToInt(f.HasSubtypes), f.Tag); err != nil {
				return fmt.Errorf("failed to insert craftable item: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit craftable set: %w", err)
	}
	return nil
}

// Craftable lists the recorded craftable set in fingerprint order.
func (l *Ledger) Craftable(ctx context.Context) ([]engine.Fingerprint, error) {
	if l.db == nil {
		return nil, errNotInitialized
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT item, variant, has_subtypes, tag
		FROM craftable
		ORDER BY item, variant, has_subtypes, tag
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list craftable items: %w", err)
	}
	defer rows.Close()

	out := []engine.Fingerprint{}
	for rows.Next() {
		var f engine.Fingerprint
		var subtypes int
		if err := rows.Scan(&f.Item, &f.Variant, &subtypes, &f.Tag); err != nil {
			return nil, fmt.Errorf("failed to scan craftable item: %w", err)
		}
		f.HasSubtypes = subtypes != 0
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating craftable items: %w", err)
	}
	return out, nil
}
