package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/marketplace-core/internal/models"
	"github.com/shopspring/decimal"
)

// The exchange_rates table holds exactly one row (id = 1, enforced by a CHECK
// constraint). Rate history is intentionally not kept: orders snapshot the
// rate they were priced with.

const rateRowID = 1

// GetRate returns the current exchange rate, seeding the configured default
// on first access. Concurrent first accesses collapse onto the single row via
// ON CONFLICT DO NOTHING.
func GetRate(ctx context.Context, db *sql.DB, defaultRate decimal.Decimal, actorID int64) (*models.ExchangeRate, error) {
	rate, err := scanRate(db.QueryRowContext(ctx,
		`SELECT id, rate, updated_by, updated_at FROM exchange_rates WHERE id = $1`,
		rateRowID))
	if err == nil {
		return rate, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get exchange rate: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO exchange_rates (id, rate, updated_by, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (id) DO NOTHING`,
		rateRowID, defaultRate, actorID)
	if err != nil {
		return nil, fmt.Errorf("seed exchange rate: %w", err)
	}

	rate, err = scanRate(db.QueryRowContext(ctx,
		`SELECT id, rate, updated_by, updated_at FROM exchange_rates WHERE id = $1`,
		rateRowID))
	if err != nil {
		return nil, fmt.Errorf("get exchange rate after seed: %w", err)
	}
	return rate, nil
}

// SetRate replaces the single rate record.
func SetRate(ctx context.Context, db *sql.DB, rate decimal.Decimal, actorID int64) (*models.ExchangeRate, error) {
	if !rate.IsPositive() {
		return nil, fmt.Errorf("rate must be positive: %w", errValidation("rate", rate.String()))
	}

	updated, err := scanRate(db.QueryRowContext(ctx,
		`INSERT INTO exchange_rates (id, rate, updated_by, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET rate = EXCLUDED.rate, updated_by = EXCLUDED.updated_by, updated_at = NOW()
		 RETURNING id, rate, updated_by, updated_at`,
		rateRowID, rate, actorID))
	if err != nil {
		return nil, fmt.Errorf("set exchange rate: %w", err)
	}
	return updated, nil
}

// rateInTx reads (seeding if necessary) the rate inside an open transaction,
// so checkout locks the rate it prices with.
func rateInTx(ctx context.Context, tx *sql.Tx, defaultRate decimal.Decimal, actorID int64) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`SELECT rate FROM exchange_rates WHERE id = $1`, rateRowID).Scan(&rate)
	if err == nil {
		return rate, nil
	}
	if err != sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("get exchange rate: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO exchange_rates (id, rate, updated_by, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (id) DO NOTHING
		 RETURNING rate`,
		rateRowID, defaultRate, actorID).Scan(&rate)
	if err == sql.ErrNoRows {
		// Lost the conflict race; the row exists now.
		err = tx.QueryRowContext(ctx,
			`SELECT rate FROM exchange_rates WHERE id = $1`, rateRowID).Scan(&rate)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("seed exchange rate: %w", err)
	}
	return rate, nil
}

func scanRate(row *sql.Row) (*models.ExchangeRate, error) {
	rate := &models.ExchangeRate{}
	err := row.Scan(&rate.ID, &rate.Rate, &rate.UpdatedBy, &rate.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rate, nil
}
