package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/keyvault/internal/retry"
	"github.com/jkaninda/keyvault/internal/storage"
)

// Batch implements storage.Batch. Statements are recorded as closures and
// replayed inside one transaction on Execute, so a serialization failure can
// rerun the whole unit.
type Batch struct {
	db         *gorm.DB
	maxRetries int
	stmts      []func(tx *gorm.DB) (int64, error)
}

// NewBatch creates an empty batch on db.
func NewBatch(db *gorm.DB, maxRetries int) *Batch {
	return &Batch{db: db, maxRetries: maxRetries}
}

func (b *Batch) Insert(row any) storage.Batch {
	b.stmts = append(b.stmts, func(tx *gorm.DB) (int64, error) {
		m, err := rowModel(row)
		if err != nil {
			return 0, err
		}
		res := tx.Create(m)
		return res.RowsAffected, res.Error
	})
	return b
}

func (b *Batch) Update(model any, values map[string]any, query string, args ...any) storage.Batch {
	b.stmts = append(b.stmts, func(tx *gorm.DB) (int64, error) {
		m, err := tableModel(model)
		if err != nil {
			return 0, err
		}
		res := tx.Model(m).Where(query, args...).Updates(values)
		return res.RowsAffected, res.Error
	})
	return b
}

func (b *Batch) Delete(model any, query string, args ...any) storage.Batch {
	b.stmts = append(b.stmts, func(tx *gorm.DB) (int64, error) {
		m, err := tableModel(model)
		if err != nil {
			return 0, err
		}
		res := tx.Where(query, args...).Delete(m)
		return res.RowsAffected, res.Error
	})
	return b
}

// Execute runs every queued statement in a single transaction and returns
// one Result per statement. On error the transaction is rolled back.
func (b *Batch) Execute(ctx context.Context) ([]storage.Result, error) {
	if len(b.stmts) == 0 {
		return nil, nil
	}
	policy := retry.Policy[[]storage.Result]{
		MaxAttempts: b.maxRetries + 1,
		Retry:       func(_ []storage.Result, err error) bool { return isRetryableTxError(err) },
		Delay: func(attempt int, _ []storage.Result, _ error) time.Duration {
			return retry.Jitter(txBackoff(attempt))
		},
	}
	return retry.Do(ctx, policy, b.run)
}

var txBackoff = retry.Exponential(20*time.Millisecond, 500*time.Millisecond)

func (b *Batch) run(ctx context.Context) ([]storage.Result, error) {
	results := make([]storage.Result, 0, len(b.stmts))
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, stmt := range b.stmts {
			n, err := stmt(tx)
			if err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
			results = append(results, storage.Result{RowsAffected: n})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("executing batch: %w", err)
	}
	return results, nil
}

// isRetryableTxError reports serialization failures and deadlocks on
// PostgreSQL, and lock contention on SQLite.
func isRetryableTxError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

var _ storage.Batch = (*Batch)(nil)
