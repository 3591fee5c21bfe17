package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
)

// Every stock-affecting business event goes through exactly one of
// DecrementStock, IncrementStock or AdjustStock, and each call appends exactly
// one stock_movements row carrying the resulting stock. The stock mutation is
// a single conditional UPDATE, never a read-then-write pair.

// CheckAvailable is the read-only inventory guard. It never reserves stock;
// callers that need the answer to stay true must hold the row lock themselves.
func CheckAvailable(ctx context.Context, db *sql.DB, variationID int64, quantity int) error {
	var stock int
	var available bool

	err := db.QueryRowContext(ctx,
		`SELECT stock_quantity, is_available FROM product_variations WHERE id = $1`,
		variationID).Scan(&stock, &available)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("variation %d: %w", variationID, database.ErrVariationNotFound)
		}
		return fmt.Errorf("check availability: %w", err)
	}

	if !available {
		return fmt.Errorf("variation %d: %w", variationID, database.ErrVariationUnavailable)
	}
	if stock < quantity {
		return fmt.Errorf("variation %d has %d, want %d: %w", variationID, stock, quantity, database.ErrInsufficientStock)
	}
	return nil
}

// DecrementStock atomically lowers a variation's stock and appends the `out`
// ledger row, failing with ErrInsufficientStock when stock < quantity.
func DecrementStock(ctx context.Context, db *sql.DB, variationID int64, quantity int, reason, reference string, actorID int64) (*models.StockMovement, error) {
	var movement *models.StockMovement

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		movement, err = applyMovement(ctx, tx, models.MovementOut, variationID, quantity, reason, reference, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// IncrementStock is the symmetric `in` movement, used for returns,
// cancellations and rejections.
func IncrementStock(ctx context.Context, db *sql.DB, variationID int64, quantity int, reason, reference string, actorID int64) (*models.StockMovement, error) {
	var movement *models.StockMovement

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		movement, err = applyMovement(ctx, tx, models.MovementIn, variationID, quantity, reason, reference, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// AdjustStock is the administrative correction path, open to admins and to
// the seller who owns the variation. Delta may be negative; a negative delta
// that would take stock below zero fails with ErrInsufficientStock.
func AdjustStock(ctx context.Context, db *sql.DB, variationID int64, delta int, reason string, actor Actor) (*models.StockMovement, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjust stock: %w", errValidation("delta", "0"))
	}

	var movement *models.StockMovement

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if err := authorizeVariationSeller(ctx, tx, variationID, actor); err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}

		var err error
		movement, err = applyAdjustment(ctx, tx, variationID, delta, reason, actor.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// applyMovement performs the conditional stock update and appends the ledger
// row inside the caller's transaction. The RETURNING clause yields the stock
// value the movement itself produced, so the snapshot cannot race.
func applyMovement(ctx context.Context, tx *sql.Tx, kind string, variationID int64, quantity int, reason, reference string, actorID int64) (*models.StockMovement, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("movement quantity: %w", errValidation("quantity", fmt.Sprint(quantity)))
	}

	var query string
	switch kind {
	case models.MovementOut:
		query = `UPDATE product_variations
			 SET stock_quantity = stock_quantity - $1,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE id = $2
			   AND stock_quantity >= $1
			 RETURNING product_id, stock_quantity`
	case models.MovementIn:
		query = `UPDATE product_variations
			 SET stock_quantity = stock_quantity + $1,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE id = $2
			 RETURNING product_id, stock_quantity`
	default:
		return nil, fmt.Errorf("movement kind: %w", errValidation("kind", kind))
	}

	var productID int64
	var currentStock int
	err := tx.QueryRowContext(ctx, query, quantity, variationID).Scan(&productID, &currentStock)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, classifyMissingUpdate(ctx, tx, variationID, quantity)
		}
		return nil, fmt.Errorf("update stock: %w", err)
	}

	return insertMovement(ctx, tx, movementRow{
		VariationID:  variationID,
		ProductID:    productID,
		Kind:         kind,
		Quantity:     quantity,
		Reason:       reason,
		Reference:    reference,
		ActorID:      actorID,
		CurrentStock: currentStock,
	})
}

func applyAdjustment(ctx context.Context, tx *sql.Tx, variationID int64, delta int, reason string, actorID int64) (*models.StockMovement, error) {
	var query string
	quantity := delta
	if delta > 0 {
		query = `UPDATE product_variations
			 SET stock_quantity = stock_quantity + $1,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE id = $2
			 RETURNING product_id, stock_quantity`
	} else {
		quantity = -delta
		query = `UPDATE product_variations
			 SET stock_quantity = stock_quantity - $1,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE id = $2
			   AND stock_quantity >= $1
			 RETURNING product_id, stock_quantity`
	}

	var productID int64
	var currentStock int
	err := tx.QueryRowContext(ctx, query, quantity, variationID).Scan(&productID, &currentStock)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, classifyMissingUpdate(ctx, tx, variationID, quantity)
		}
		return nil, fmt.Errorf("adjust stock: %w", err)
	}

	return insertMovement(ctx, tx, movementRow{
		VariationID:  variationID,
		ProductID:    productID,
		Kind:         models.MovementAdjustment,
		Quantity:     quantity,
		Reason:       reason,
		ActorID:      actorID,
		CurrentStock: currentStock,
	})
}

// classifyMissingUpdate tells a vanished variation apart from an insufficient
// balance after a zero-row conditional update.
func classifyMissingUpdate(ctx context.Context, tx *sql.Tx, variationID int64, quantity int) error {
	var stock int
	err := tx.QueryRowContext(ctx,
		`SELECT stock_quantity FROM product_variations WHERE id = $1`,
		variationID).Scan(&stock)
	if err == sql.ErrNoRows {
		return fmt.Errorf("variation %d: %w", variationID, database.ErrVariationNotFound)
	}
	if err != nil {
		return fmt.Errorf("inspect variation %d: %w", variationID, err)
	}
	return fmt.Errorf("variation %d has %d, want %d: %w", variationID, stock, quantity, database.ErrInsufficientStock)
}

type movementRow struct {
	VariationID  int64
	ProductID    int64
	Kind         string
	Quantity     int
	Reason       string
	Reference    string
	ActorID      int64
	CurrentStock int
}

func insertMovement(ctx context.Context, tx *sql.Tx, row movementRow) (*models.StockMovement, error) {
	movement := &models.StockMovement{
		VariationID:  row.VariationID,
		ProductID:    row.ProductID,
		Kind:         row.Kind,
		Quantity:     row.Quantity,
		Reason:       row.Reason,
		Reference:    row.Reference,
		ActorID:      row.ActorID,
		CurrentStock: row.CurrentStock,
	}

	var reference sql.NullString
	if row.Reference != "" {
		reference = sql.NullString{String: row.Reference, Valid: true}
	}

	err := tx.QueryRowContext(ctx,
		`INSERT INTO stock_movements (variation_id, product_id, kind, quantity, reason, reference, actor_id, current_stock, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 RETURNING id, created_at`,
		row.VariationID, row.ProductID, row.Kind, row.Quantity, row.Reason,
		reference, row.ActorID, row.CurrentStock).Scan(&movement.ID, &movement.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert stock movement: %w", err)
	}

	return movement, nil
}

func ListMovements(ctx context.Context, db *sql.DB, variationID int64) ([]models.StockMovement, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, variation_id, product_id, kind, quantity, reason, COALESCE(reference, ''), actor_id, current_stock, created_at
		 FROM stock_movements
		 WHERE variation_id = $1
		 ORDER BY id`,
		variationID)
	if err != nil {
		return nil, fmt.Errorf("list stock movements: %w", err)
	}
	defer rows.Close()

	var movements []models.StockMovement
	for rows.Next() {
		var m models.StockMovement
		err := rows.Scan(
			&m.ID,
			&m.VariationID,
			&m.ProductID,
			&m.Kind,
			&m.Quantity,
			&m.Reason,
			&m.Reference,
			&m.ActorID,
			&m.CurrentStock,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan stock movement: %w", err)
		}
		movements = append(movements, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return movements, nil
}

// ReplayStock folds a variation's ledger in id order from zero and returns
// the reconstructed stock. `in` adds, `out` subtracts; adjustment rows carry
// their resulting stock, so the fold resumes from that snapshot.
func ReplayStock(ctx context.Context, db *sql.DB, variationID int64) (int, error) {
	movements, err := ListMovements(ctx, db, variationID)
	if err != nil {
		return 0, err
	}

	stock := 0
	for _, m := range movements {
		switch m.Kind {
		case models.MovementIn:
			stock += m.Quantity
		case models.MovementOut:
			stock -= m.Quantity
		case models.MovementAdjustment:
			stock = m.CurrentStock
		}
	}
	return stock, nil
}

// LowStockVariations reports variations at or below their low-stock
// threshold, for seller/admin dashboards.
func LowStockVariations(ctx context.Context, db *sql.DB) ([]models.ProductVariation, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, product_id, sku, attributes, price, stock_quantity, is_available, low_stock_threshold, created_at, updated_at, version
		 FROM product_variations
		 WHERE stock_quantity <= low_stock_threshold
		 ORDER BY stock_quantity, id`)
	if err != nil {
		return nil, fmt.Errorf("list low stock variations: %w", err)
	}
	defer rows.Close()

	return collectVariations(rows)
}
