package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/shopspring/decimal"
)

// rowQuerier lets the ownership checks run against either the pool or an
// open transaction.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// authorizeProductSeller admits admins unconditionally; a seller must own the
// product it targets. Everyone else is forbidden.
func authorizeProductSeller(ctx context.Context, q rowQuerier, productID int64, actor Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	if !actor.IsSeller() {
		return database.ErrForbidden
	}

	var sellerID int64
	err := q.QueryRowContext(ctx,
		`SELECT seller_id FROM products WHERE id = $1`,
		productID).Scan(&sellerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return database.ErrProductNotFound
		}
		return fmt.Errorf("read product owner: %w", err)
	}
	if sellerID != actor.ID {
		return fmt.Errorf("product %d belongs to seller %d: %w", productID, sellerID, database.ErrForbidden)
	}
	return nil
}

// authorizeVariationSeller is the same ownership check resolved through the
// variation's product.
func authorizeVariationSeller(ctx context.Context, q rowQuerier, variationID int64, actor Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	if !actor.IsSeller() {
		return database.ErrForbidden
	}

	var sellerID int64
	err := q.QueryRowContext(ctx,
		`SELECT p.seller_id
		 FROM product_variations v
		 JOIN products p ON p.id = v.product_id
		 WHERE v.id = $1`,
		variationID).Scan(&sellerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return database.ErrVariationNotFound
		}
		return fmt.Errorf("read variation owner: %w", err)
	}
	if sellerID != actor.ID {
		return fmt.Errorf("variation %d belongs to seller %d: %w", variationID, sellerID, database.ErrForbidden)
	}
	return nil
}

func CreateProduct(ctx context.Context, db *sql.DB, sellerID int64, name, description string) (*models.Product, error) {
	product := &models.Product{}

	query := `
		INSERT INTO products (seller_id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, seller_id, name, description, created_at, updated_at`

	err := db.QueryRowContext(ctx, query, sellerID, name, description).Scan(
		&product.ID,
		&product.SellerID,
		&product.Name,
		&product.Description,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, db *sql.DB, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `
		SELECT id, seller_id, name, description, created_at, updated_at
		FROM products
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&product.ID,
		&product.SellerID,
		&product.Name,
		&product.Description,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

type CreateVariationRequest struct {
	ProductID         int64
	SKU               string
	Attributes        json.RawMessage
	Price             decimal.Decimal
	Stock             int
	LowStockThreshold int
}

// CreateVariation inserts the sellable unit. Only the product's own seller
// (or an admin) may attach variations to it. Non-zero opening stock is
// recorded through the ledger in the same transaction, so replay starts
// consistent.
func CreateVariation(ctx context.Context, db *sql.DB, req CreateVariationRequest, actor Actor) (*models.ProductVariation, error) {
	if err := authorizeProductSeller(ctx, db, req.ProductID, actor); err != nil {
		return nil, fmt.Errorf("create variation: %w", err)
	}
	if req.Stock < 0 {
		return nil, fmt.Errorf("create variation: %w", errValidation("stock", fmt.Sprint(req.Stock)))
	}

	attributes := req.Attributes
	if len(attributes) == 0 {
		attributes = json.RawMessage(`{}`)
	}

	variation := &models.ProductVariation{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		query := `
			INSERT INTO product_variations (product_id, sku, attributes, price, stock_quantity, is_available, low_stock_threshold, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, TRUE, $6, NOW(), NOW(), 1)
			RETURNING id, product_id, sku, attributes, price, stock_quantity, is_available, low_stock_threshold, created_at, updated_at, version`

		err := tx.QueryRowContext(ctx, query,
			req.ProductID, req.SKU, attributes, req.Price, req.Stock, req.LowStockThreshold).Scan(
			&variation.ID,
			&variation.ProductID,
			&variation.SKU,
			&variation.Attributes,
			&variation.Price,
			&variation.StockQuantity,
			&variation.IsAvailable,
			&variation.LowStockThreshold,
			&variation.CreatedAt,
			&variation.UpdatedAt,
			&variation.Version,
		)
		if err != nil {
			return fmt.Errorf("create variation: %w", err)
		}

		if req.Stock > 0 {
			_, err = insertMovement(ctx, tx, movementRow{
				VariationID:  variation.ID,
				ProductID:    variation.ProductID,
				Kind:         models.MovementIn,
				Quantity:     req.Stock,
				Reason:       models.ReasonInitialStock,
				ActorID:      actor.ID,
				CurrentStock: req.Stock,
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return variation, nil
}

func GetVariation(ctx context.Context, db *sql.DB, id int64) (*models.ProductVariation, error) {
	variation := &models.ProductVariation{}

	query := `
		SELECT id, product_id, sku, attributes, price, stock_quantity, is_available, low_stock_threshold, created_at, updated_at, version
		FROM product_variations
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&variation.ID,
		&variation.ProductID,
		&variation.SKU,
		&variation.Attributes,
		&variation.Price,
		&variation.StockQuantity,
		&variation.IsAvailable,
		&variation.LowStockThreshold,
		&variation.CreatedAt,
		&variation.UpdatedAt,
		&variation.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrVariationNotFound
		}
		return nil, fmt.Errorf("get variation: %w", err)
	}

	return variation, nil
}

// SetVariationAvailability flips the availability flag without touching
// stock; an unavailable variation rejects cart adds and checkouts. Sellers
// may only flip their own variations.
func SetVariationAvailability(ctx context.Context, db *sql.DB, id int64, available bool, actor Actor) error {
	if err := authorizeVariationSeller(ctx, db, id, actor); err != nil {
		return fmt.Errorf("set availability: %w", err)
	}

	result, err := db.ExecContext(ctx,
		`UPDATE product_variations
		 SET is_available = $1, updated_at = NOW(), version = version + 1
		 WHERE id = $2`,
		available, id)
	if err != nil {
		return fmt.Errorf("set availability: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrVariationNotFound
	}

	return nil
}

func ListVariationsByProduct(ctx context.Context, db *sql.DB, productID int64) ([]models.ProductVariation, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, product_id, sku, attributes, price, stock_quantity, is_available, low_stock_threshold, created_at, updated_at, version
		 FROM product_variations
		 WHERE product_id = $1
		 ORDER BY id`,
		productID)
	if err != nil {
		return nil, fmt.Errorf("list variations: %w", err)
	}
	defer rows.Close()

	return collectVariations(rows)
}

func ListProducts(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, seller_id, name, description, created_at, updated_at
		FROM products
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var product models.Product
		err := rows.Scan(
			&product.ID,
			&product.SellerID,
			&product.Name,
			&product.Description,
			&product.CreatedAt,
			&product.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      products,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

func collectVariations(rows *sql.Rows) ([]models.ProductVariation, error) {
	var variations []models.ProductVariation
	for rows.Next() {
		var v models.ProductVariation
		err := rows.Scan(
			&v.ID,
			&v.ProductID,
			&v.SKU,
			&v.Attributes,
			&v.Price,
			&v.StockQuantity,
			&v.IsAvailable,
			&v.LowStockThreshold,
			&v.CreatedAt,
			&v.UpdatedAt,
			&v.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan variation: %w", err)
		}
		variations = append(variations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return variations, nil
}
