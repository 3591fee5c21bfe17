package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/shopspring/decimal"
)

// The cart is a non-authoritative draft: adding an item freezes its price but
// reserves no stock. Availability is re-checked on every mutation and again,
// under lock, at checkout.

// AddCartItem adds quantity units of a variation to the buyer's cart,
// creating the cart lazily. Merging into an existing line keeps the
// originally frozen price; the cumulative quantity is checked against current
// stock.
func AddCartItem(ctx context.Context, db *sql.DB, userID, variationID int64, quantity int) (*models.Cart, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("add cart item: %w", errValidation("quantity", fmt.Sprint(quantity)))
	}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var price decimal.Decimal
		var stock int
		var available bool

		err := tx.QueryRowContext(ctx,
			`SELECT price, stock_quantity, is_available FROM product_variations WHERE id = $1`,
			variationID).Scan(&price, &stock, &available)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("variation %d: %w", variationID, database.ErrVariationNotFound)
			}
			return fmt.Errorf("read variation: %w", err)
		}
		if !available {
			return fmt.Errorf("variation %d: %w", variationID, database.ErrVariationUnavailable)
		}

		cartID, err := ensureCart(ctx, tx, userID)
		if err != nil {
			return err
		}

		var existing int
		err = tx.QueryRowContext(ctx,
			`SELECT quantity FROM cart_items WHERE cart_id = $1 AND variation_id = $2`,
			cartID, variationID).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read cart line: %w", err)
		}

		if existing+quantity > stock {
			return fmt.Errorf("variation %d has %d, want %d: %w", variationID, stock, existing+quantity, database.ErrInsufficientStock)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cart_items (cart_id, variation_id, quantity, price_at_add, created_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT (cart_id, variation_id) DO UPDATE
			 SET quantity = cart_items.quantity + EXCLUDED.quantity`,
			cartID, variationID, quantity, price)
		if err != nil {
			return fmt.Errorf("upsert cart line: %w", err)
		}

		return touchCart(ctx, tx, cartID)
	})
	if err != nil {
		return nil, err
	}

	return GetCart(ctx, db, userID)
}

// addCartItemAtPrice merges one unit into the buyer's cart at a fixed price,
// overriding any previously frozen price for that line. Used by offer
// redemption; the cumulative line quantity is checked against stock the same
// way AddCartItem does.
func addCartItemAtPrice(ctx context.Context, tx *sql.Tx, userID, variationID int64, price decimal.Decimal, stock int) error {
	cartID, err := ensureCart(ctx, tx, userID)
	if err != nil {
		return err
	}

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT quantity FROM cart_items WHERE cart_id = $1 AND variation_id = $2`,
		cartID, variationID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read cart line: %w", err)
	}
	if existing+1 > stock {
		return fmt.Errorf("variation %d has %d, want %d: %w", variationID, stock, existing+1, database.ErrInsufficientStock)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, variation_id, quantity, price_at_add, created_at)
		 VALUES ($1, $2, 1, $3, NOW())
		 ON CONFLICT (cart_id, variation_id) DO UPDATE
		 SET quantity = cart_items.quantity + 1,
		     price_at_add = EXCLUDED.price_at_add`,
		cartID, variationID, price)
	if err != nil {
		return fmt.Errorf("upsert cart line: %w", err)
	}

	return touchCart(ctx, tx, cartID)
}

// UpdateCartItemQuantity sets a line's quantity; zero removes the line.
// Raising the quantity re-checks current stock, lowering it does not.
func UpdateCartItemQuantity(ctx context.Context, db *sql.DB, userID, variationID int64, quantity int) (*models.Cart, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("update cart item: %w", errValidation("quantity", fmt.Sprint(quantity)))
	}
	if quantity == 0 {
		return RemoveCartItem(ctx, db, userID, variationID)
	}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		cartID, existing, err := lookupCartLine(ctx, tx, userID, variationID)
		if err != nil {
			return err
		}

		if quantity > existing {
			var stock int
			var available bool
			err = tx.QueryRowContext(ctx,
				`SELECT stock_quantity, is_available FROM product_variations WHERE id = $1`,
				variationID).Scan(&stock, &available)
			if err != nil {
				return fmt.Errorf("read variation: %w", err)
			}
			if !available {
				return fmt.Errorf("variation %d: %w", variationID, database.ErrVariationUnavailable)
			}
			if quantity > stock {
				return fmt.Errorf("variation %d has %d, want %d: %w", variationID, stock, quantity, database.ErrInsufficientStock)
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE cart_items SET quantity = $1 WHERE cart_id = $2 AND variation_id = $3`,
			quantity, cartID, variationID)
		if err != nil {
			return fmt.Errorf("update cart line: %w", err)
		}

		return touchCart(ctx, tx, cartID)
	})
	if err != nil {
		return nil, err
	}

	return GetCart(ctx, db, userID)
}

func RemoveCartItem(ctx context.Context, db *sql.DB, userID, variationID int64) (*models.Cart, error) {
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		cartID, _, err := lookupCartLine(ctx, tx, userID, variationID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE cart_id = $1 AND variation_id = $2`,
			cartID, variationID)
		if err != nil {
			return fmt.Errorf("delete cart line: %w", err)
		}

		return touchCart(ctx, tx, cartID)
	})
	if err != nil {
		return nil, err
	}

	return GetCart(ctx, db, userID)
}

// ClearCart deletes the buyer's cart wholesale. Clearing an absent cart is
// not an error.
func ClearCart(ctx context.Context, db *sql.DB, userID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM carts WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// GetCart returns the buyer's cart with its total recomputed from the frozen
// line prices. A buyer without a cart gets an empty one (not persisted).
func GetCart(ctx context.Context, db *sql.DB, userID int64) (*models.Cart, error) {
	cart := &models.Cart{UserID: userID, TotalPrice: decimal.Zero}

	err := db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM carts WHERE user_id = $1`,
		userID).Scan(&cart.ID, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return cart, nil
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, cart_id, variation_id, quantity, price_at_add, created_at
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`,
		cart.ID)
	if err != nil {
		return nil, fmt.Errorf("get cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.CartItem
		err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.VariationID,
			&item.Quantity,
			&item.PriceAtAdd,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, item)
		cart.TotalPrice = cart.TotalPrice.Add(item.PriceAtAdd.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return cart, nil
}

func ensureCart(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	var cartID int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO carts (user_id, created_at, updated_at)
		 VALUES ($1, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET updated_at = NOW()
		 RETURNING id`,
		userID).Scan(&cartID)
	if err != nil {
		return 0, fmt.Errorf("ensure cart: %w", err)
	}
	return cartID, nil
}

func lookupCartLine(ctx context.Context, tx *sql.Tx, userID, variationID int64) (int64, int, error) {
	var cartID int64
	var quantity int
	err := tx.QueryRowContext(ctx,
		`SELECT c.id, ci.quantity
		 FROM carts c
		 JOIN cart_items ci ON ci.cart_id = c.id
		 WHERE c.user_id = $1 AND ci.variation_id = $2`,
		userID, variationID).Scan(&cartID, &quantity)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, fmt.Errorf("variation %d: %w", variationID, database.ErrCartNotFound)
		}
		return 0, 0, fmt.Errorf("lookup cart line: %w", err)
	}
	return cartID, quantity, nil
}

func touchCart(ctx context.Context, tx *sql.Tx, cartID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE carts SET updated_at = NOW() WHERE id = $1`, cartID)
	if err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}
