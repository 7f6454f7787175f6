package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that SlotStore implements outbound.SlotStore
var _ outbound.SlotStore = (*SlotStore)(nil)

const (
	upsertSlotSQL = `
		INSERT INTO slots (slot, parent, status, dead_error, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (slot) DO UPDATE SET
			parent     = EXCLUDED.parent,
			status     = EXCLUDED.status,
			dead_error = EXCLUDED.dead_error,
			updated_at = now()`

	setCheckpointSQL = `
		INSERT INTO checkpoints (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			updated_at = now()`

	findFinalizedGapsSQL = `
		SELECT prev + 1, slot - 1
		FROM (
			SELECT slot, LAG(slot) OVER (ORDER BY slot) AS prev
			FROM slots
			WHERE status = 'Finalized' AND slot BETWEEN $1 AND $2
		) s
		WHERE prev IS NOT NULL AND slot > prev + 1
		ORDER BY slot`
)

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// SlotStore is a PostgreSQL implementation of outbound.SlotStore.
type SlotStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewSlotStore creates a slot store backed by pool.
func NewSlotStore(pool *pgxpool.Pool, logger *slog.Logger) (*SlotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlotStore{
		pool:   pool,
		logger: logger.With("component", "slot-store"),
	}, nil
}

// UpsertSlot records a notification. The latest write for a slot wins.
func (s *SlotStore) UpsertSlot(ctx context.Context, n entity.SlotNotification) error {
	return upsertSlot(ctx, s.pool, n)
}

// SetCheckpoint overwrites the named checkpoint.
func (s *SlotStore) SetCheckpoint(ctx context.Context, key string, value uint64) error {
	return setCheckpoint(ctx, s.pool, key, value)
}

// GetCheckpoint returns the named checkpoint and whether it exists.
func (s *SlotStore) GetCheckpoint(ctx context.Context, key string) (uint64, bool, error) {
	var value int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM checkpoints WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify(fmt.Errorf("failed to get checkpoint %q: %w", key, err))
	}
	return uint64(value), true, nil
}

// GetSlot returns the stored record for slot, or nil if none exists.
func (s *SlotStore) GetSlot(ctx context.Context, slot uint64) (*entity.SlotNotification, error) {
	var (
		parent    *int64
		status    string
		deadError *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT parent, status, dead_error FROM slots WHERE slot = $1`,
		int64(slot),
	).Scan(&parent, &status, &deadError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get slot %d: %w", slot, err))
	}

	parsed, err := entity.ParseSlotStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: slot %d: %w", entity.ErrInvariantViolation, slot, err)
	}

	n := &entity.SlotNotification{Slot: slot, Status: parsed}
	if parent != nil {
		p := uint64(*parent)
		n.Parent = &p
	}
	if deadError != nil {
		n.DeadError = *deadError
	}
	return n, nil
}

// FindFinalizedGaps returns missing ranges between stored finalized slots in [from, to].
func (s *SlotStore) FindFinalizedGaps(ctx context.Context, from, to uint64) ([]outbound.SlotRange, error) {
	if to < from {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, findFinalizedGapsSQL, int64(from), int64(to))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query finalized gaps: %w", err))
	}
	defer rows.Close()

	var gaps []outbound.SlotRange
	for rows.Next() {
		var gapFrom, gapTo int64
		if err := rows.Scan(&gapFrom, &gapTo); err != nil {
			return nil, fmt.Errorf("failed to scan gap: %w", err)
		}
		gaps = append(gaps, outbound.SlotRange{From: uint64(gapFrom), To: uint64(gapTo)})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to iterate gaps: %w", err))
	}
	return gaps, nil
}

// WithTransaction runs fn in a database transaction. If fn returns an error or
// panics, the transaction is rolled back.
func (s *SlotStore) WithTransaction(ctx context.Context, fn func(w outbound.SlotWriter) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Error("failed to rollback transaction after panic", "error", rbErr)
			}
			panic(p)
		}
	}()

	if err := fn(&txWriter{tx: tx}); err != nil {
		// A cancelled context has already aborted the transaction server side.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Error("failed to rollback transaction", "error", rbErr, "originalError", err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// txWriter routes SlotWriter calls through an open transaction.
type txWriter struct {
	tx pgx.Tx
}

func (w *txWriter) UpsertSlot(ctx context.Context, n entity.SlotNotification) error {
	return upsertSlot(ctx, w.tx, n)
}

func (w *txWriter) SetCheckpoint(ctx context.Context, key string, value uint64) error {
	return setCheckpoint(ctx, w.tx, key, value)
}

func upsertSlot(ctx context.Context, db execer, n entity.SlotNotification) error {
	var parent *int64
	if n.Parent != nil {
		p := int64(*n.Parent)
		parent = &p
	}
	var deadError *string
	if n.DeadError != "" {
		deadError = &n.DeadError
	}

	if _, err := db.Exec(ctx, upsertSlotSQL, int64(n.Slot), parent, n.Status.String(), deadError); err != nil {
		return classify(fmt.Errorf("failed to upsert slot %d: %w", n.Slot, err))
	}
	return nil
}

func setCheckpoint(ctx context.Context, db execer, key string, value uint64) error {
	if _, err := db.Exec(ctx, setCheckpointSQL, key, int64(value)); err != nil {
		return classify(fmt.Errorf("failed to set checkpoint %q to %d: %w", key, value, err))
	}
	return nil
}

// classify tags err as an invariant violation for integrity constraint failures
// and as transient I/O otherwise.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %w", entity.ErrInvariantViolation, err)
	}
	return fmt.Errorf("%w: %w", entity.ErrTransientIO, err)
}
