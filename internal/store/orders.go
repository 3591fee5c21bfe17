package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/safar/marketplace-core/internal/config"
	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/safar/marketplace-core/internal/notify"
	"github.com/shopspring/decimal"
)

type CreateOrderRequest struct {
	UserID    int64
	AddressID int64
	// Currency the order is charged in; empty means the ledger currency.
	Currency string
	// IdempotencyKey lets a caller safely re-drive a checkout whose outcome
	// it never learned. Optional (uuid.Nil disables it).
	IdempotencyKey uuid.UUID
}

func generateOrderNumber() string {
	return fmt.Sprintf("ORD-%s", uuid.NewString())
}

// CreateOrder turns the buyer's cart into an immutable priced order inside a
// single serializable transaction: every line is re-validated under lock (in
// variation-id order), charged prices are the cart's frozen prices converted
// at the locked exchange rate, stock is decremented conditionally with one
// `out` ledger row per line, and the cart is deleted. Any failing line aborts
// the whole order.
func CreateOrder(ctx context.Context, db *sql.DB, currencies config.CurrencyConfig, req CreateOrderRequest) (*models.Order, error) {
	if req.IdempotencyKey != uuid.Nil {
		existing, err := getOrderByIdempotencyKey(ctx, db, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if err != database.ErrOrderNotFound {
			return nil, err
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = currencies.BaseCode
	}
	if currency != currencies.BaseCode && currency != currencies.SecondaryCode {
		return nil, fmt.Errorf("currency %q: %w", currency, database.ErrUnsupportedCurrency)
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		address, err := lockAddress(ctx, tx, req.AddressID, req.UserID)
		if err != nil {
			return err
		}

		lines, cartID, err := cartLinesForCheckout(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		rate := decimal.NewFromInt(1)
		if currency != currencies.BaseCode {
			rate, err = rateInTx(ctx, tx, currencies.DefaultRate, req.UserID)
			if err != nil {
				return err
			}
		}

		totalAmount := decimal.Zero
		for i := range lines {
			line := &lines[i]

			var productID int64
			var stock int
			var available bool
			err := tx.QueryRowContext(ctx,
				`SELECT product_id, stock_quantity, is_available
				 FROM product_variations
				 WHERE id = $1
				 FOR UPDATE`,
				line.VariationID).Scan(&productID, &stock, &available)
			if err != nil {
				if err == sql.ErrNoRows {
					return fmt.Errorf("variation %d: %w", line.VariationID, database.ErrVariationNotFound)
				}
				return fmt.Errorf("lock variation %d: %w", line.VariationID, err)
			}
			if !available {
				return fmt.Errorf("variation %d: %w", line.VariationID, database.ErrVariationUnavailable)
			}
			if stock < line.Quantity {
				return fmt.Errorf("variation %d has %d, want %d: %w", line.VariationID, stock, line.Quantity, database.ErrInsufficientStock)
			}

			line.ProductID = productID
			line.PricePaid, err = ConvertAmount(line.PriceAtAdd, rate, currency, currencies.BaseCode, currencies.SecondaryCode)
			if err != nil {
				return err
			}

			totalAmount = totalAmount.Add(line.PricePaid.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}

		var idempotencyKey interface{}
		if req.IdempotencyKey != uuid.Nil {
			idempotencyKey = req.IdempotencyKey
		}

		orderNumber := generateOrderNumber()
		var orderID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (order_number, idempotency_key, user_id, status, total_amount, currency, exchange_rate_used,
				shipping_line1, shipping_line2, shipping_city, shipping_state, shipping_country, shipping_postal_code, shipping_phone,
				created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW(), 1)
			 RETURNING id`,
			orderNumber, idempotencyKey, req.UserID, models.OrderStatusPendingApproval, totalAmount, currency, rate,
			address.Line1, address.Line2, address.City, address.State, address.Country, address.PostalCode, address.Phone,
		).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		orderRef := strconv.FormatInt(orderID, 10)
		for _, line := range lines {
			subtotal := line.PricePaid.Mul(decimal.NewFromInt(int64(line.Quantity)))
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, variation_id, quantity, price_paid, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				orderID, line.ProductID, line.VariationID, line.Quantity, line.PricePaid, subtotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}

			_, err = applyMovement(ctx, tx, models.MovementOut, line.VariationID, line.Quantity,
				models.ReasonOrderPlaced, orderRef, req.UserID)
			if err != nil {
				return err
			}
		}

		if err := appendTrackingEvent(ctx, tx, orderID, models.OrderStatusPendingApproval, ""); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM carts WHERE id = $1`, cartID)
		if err != nil {
			return fmt.Errorf("delete cart: %w", err)
		}

		args, _ := json.Marshal(map[string]interface{}{
			"order_number": orderNumber,
			"total_amount": totalAmount,
			"currency":     currency,
		})
		if err := notifyAdmins(ctx, tx, "order_created", "order", orderID, args); err != nil {
			return err
		}

		order, err = fetchOrder(ctx, tx, orderID)
		return err
	})

	if err != nil {
		if database.IsUniqueViolation(err, "orders_idempotency_key_key") {
			// A concurrent retry with the same key won; return its order.
			return getOrderByIdempotencyKey(ctx, db, req.IdempotencyKey)
		}
		return nil, err
	}

	return GetOrder(ctx, db, order.ID)
}

// AcceptOrder moves a pending order into fulfillment.
func AcceptOrder(ctx context.Context, db *sql.DB, orderID int64, notes string, actor Actor) (*models.Order, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("accept order: %w", database.ErrForbidden)
	}
	return transitionOrder(ctx, db, orderID, models.OrderStatusAccepted, notes, actor)
}

// RejectOrder declines a pending order and restores every unit of stock it
// consumed.
func RejectOrder(ctx context.Context, db *sql.DB, orderID int64, reason string, actor Actor) (*models.Order, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("reject order: %w", database.ErrForbidden)
	}
	return transitionOrder(ctx, db, orderID, models.OrderStatusRejected, reason, actor)
}

// CancelOrder is available to admins and to the order's own buyer while the
// order is still pending approval or accepted; the transition table enforces
// the status part.
func CancelOrder(ctx context.Context, db *sql.DB, orderID int64, actor Actor) (*models.Order, error) {
	return transitionOrder(ctx, db, orderID, models.OrderStatusCancelled, "", actor)
}

// UpdateOrderStatus drives the fulfillment pipeline; anything outside the
// transition table fails with ErrInvalidStatusTransition.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, orderID int64, newStatus models.OrderStatus, notes string, actor Actor) (*models.Order, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("update order status: %w", database.ErrForbidden)
	}
	if !newStatus.IsValid() {
		return nil, fmt.Errorf("update order status: %w", errValidation("status", newStatus.String()))
	}
	return transitionOrder(ctx, db, orderID, newStatus, notes, actor)
}

var restockReasons = map[models.OrderStatus]string{
	models.OrderStatusRejected:  models.ReasonOrderRejected,
	models.OrderStatusCancelled: models.ReasonOrderCancelled,
	models.OrderStatusReturned:  models.ReasonOrderReturned,
}

func transitionOrder(ctx context.Context, db *sql.DB, orderID int64, next models.OrderStatus, notes string, actor Actor) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var userID int64
		var current models.OrderStatus
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, status FROM orders WHERE id = $1 FOR UPDATE`,
			orderID).Scan(&userID, &current)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("order %d: %w", orderID, database.ErrOrderNotFound)
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if !actor.IsAdmin() && actor.ID != userID {
			return fmt.Errorf("order %d: %w", orderID, database.ErrForbidden)
		}

		if !current.CanTransitionTo(next) {
			return fmt.Errorf("order %d: %s -> %s: %w", orderID, current, next, database.ErrInvalidStatusTransition)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET status = $1, updated_at = NOW(), version = version + 1 WHERE id = $2`,
			next, orderID)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		if err := appendTrackingEvent(ctx, tx, orderID, next, notes); err != nil {
			return err
		}

		if next.RestocksOnEntry() {
			if err := restockOrder(ctx, tx, orderID, restockReasons[next], actor.ID); err != nil {
				return err
			}
		}

		args, _ := json.Marshal(map[string]interface{}{"status": next, "notes": notes})
		err = notify.Enqueue(ctx, tx, models.Notification{
			RecipientID:  userID,
			TemplateKey:  "order_" + next.String(),
			TemplateArgs: args,
			EntityType:   "order",
			EntityID:     orderID,
			ExtraChannel: next == models.OrderStatusOutForDelivery,
		})
		if err != nil {
			return err
		}

		order, err = fetchOrder(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return GetOrder(ctx, db, order.ID)
}

// restockOrder reverses every decrement the order caused: one `in` movement
// per original line, in variation-id order, referencing the order id. The net
// ledger effect over the order's reference becomes zero.
func restockOrder(ctx context.Context, tx *sql.Tx, orderID int64, reason string, actorID int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT variation_id, quantity FROM order_items WHERE order_id = $1 ORDER BY variation_id`,
		orderID)
	if err != nil {
		return fmt.Errorf("read order items: %w", err)
	}

	type restockLine struct {
		VariationID int64
		Quantity    int
	}
	var lines []restockLine
	for rows.Next() {
		var line restockLine
		if err := rows.Scan(&line.VariationID, &line.Quantity); err != nil {
			rows.Close()
			return fmt.Errorf("scan order item: %w", err)
		}
		lines = append(lines, line)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	orderRef := strconv.FormatInt(orderID, 10)
	for _, line := range lines {
		_, err := applyMovement(ctx, tx, models.MovementIn, line.VariationID, line.Quantity, reason, orderRef, actorID)
		if err != nil {
			return err
		}
	}
	return nil
}

// MarkOrderPaid records pay-on-delivery settlement; valid only once the
// order is delivered, and only once.
func MarkOrderPaid(ctx context.Context, db *sql.DB, orderID int64, actor Actor) (*models.Order, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("mark order paid: %w", database.ErrForbidden)
	}

	var order *models.Order

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var status models.OrderStatus
		var isPaid bool
		err := tx.QueryRowContext(ctx,
			`SELECT status, is_paid FROM orders WHERE id = $1 FOR UPDATE`,
			orderID).Scan(&status, &isPaid)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("order %d: %w", orderID, database.ErrOrderNotFound)
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if status != models.OrderStatusDelivered {
			return fmt.Errorf("order %d is %s: %w", orderID, status, database.ErrInvalidStatusTransition)
		}
		if isPaid {
			return fmt.Errorf("order %d: %w", orderID, database.ErrAlreadyPaid)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET is_paid = TRUE, updated_at = NOW(), version = version + 1 WHERE id = $1`,
			orderID)
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}

		order, err = fetchOrder(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	order := &models.Order{}

	err := db.QueryRowContext(ctx, `
		SELECT id, order_number, user_id, status, total_amount, currency, exchange_rate_used,
		       shipping_line1, shipping_line2, shipping_city, shipping_state, shipping_country, shipping_postal_code, shipping_phone,
		       is_paid, created_at, updated_at, version
		FROM orders
		WHERE id = $1`, id).Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.Status,
		&order.TotalAmount,
		&order.Currency,
		&order.ExchangeRateUsed,
		&order.ShippingAddress.Line1,
		&order.ShippingAddress.Line2,
		&order.ShippingAddress.City,
		&order.ShippingAddress.State,
		&order.ShippingAddress.Country,
		&order.ShippingAddress.PostalCode,
		&order.ShippingAddress.Phone,
		&order.IsPaid,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	order.Items, err = orderItems(ctx, db, id)
	if err != nil {
		return nil, err
	}

	order.TrackingEvents, err = trackingEvents(ctx, db, id)
	if err != nil {
		return nil, err
	}

	return order, nil
}

func orderItems(ctx context.Context, db *sql.DB, orderID int64) ([]models.OrderItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, product_id, variation_id, quantity, price_paid, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.VariationID,
			&item.Quantity,
			&item.PricePaid,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func trackingEvents(ctx context.Context, db *sql.DB, orderID int64) ([]models.TrackingEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, status, notes, created_at
		 FROM order_tracking_events
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get tracking events: %w", err)
	}
	defer rows.Close()

	var events []models.TrackingEvent
	for rows.Next() {
		var event models.TrackingEvent
		err := rows.Scan(&event.ID, &event.OrderID, &event.Status, &event.Notes, &event.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan tracking event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

func ListOrdersCursor(ctx context.Context, db *sql.DB, userID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	// The first page carries no upper bound; later pages resume strictly
	// below the last row the client saw.
	query := `
		SELECT id, order_number, user_id, status, total_amount, currency, exchange_rate_used, is_paid, created_at, updated_at, version
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	args := []interface{}{userID, limit + 1}

	if cursorData != nil {
		query = `
			SELECT id, order_number, user_id, status, total_amount, currency, exchange_rate_used, is_paid, created_at, updated_at, version
			FROM orders
			WHERE user_id = $1
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`
		args = []interface{}{userID, cursorData.CreatedAt, cursorData.ID, limit + 1}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		err := rows.Scan(
			&order.ID,
			&order.OrderNumber,
			&order.UserID,
			&order.Status,
			&order.TotalAmount,
			&order.Currency,
			&order.ExchangeRateUsed,
			&order.IsPaid,
			&order.CreatedAt,
			&order.UpdatedAt,
			&order.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(PageCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// checkoutLine is a cart line augmented with the data resolved under lock.
type checkoutLine struct {
	VariationID int64
	ProductID   int64
	Quantity    int
	PriceAtAdd  decimal.Decimal
	PricePaid   decimal.Decimal
}

// cartLinesForCheckout snapshots the buyer's cart in variation-id order, so
// concurrent checkouts lock variations in the same sequence.
func cartLinesForCheckout(ctx context.Context, tx *sql.Tx, userID int64) ([]checkoutLine, int64, error) {
	var cartID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM carts WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&cartID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, fmt.Errorf("user %d: %w", userID, database.ErrEmptyCart)
		}
		return nil, 0, fmt.Errorf("lock cart: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT variation_id, quantity, price_at_add
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY variation_id`,
		cartID)
	if err != nil {
		return nil, 0, fmt.Errorf("read cart items: %w", err)
	}
	defer rows.Close()

	var lines []checkoutLine
	for rows.Next() {
		var line checkoutLine
		if err := rows.Scan(&line.VariationID, &line.Quantity, &line.PriceAtAdd); err != nil {
			return nil, 0, fmt.Errorf("scan cart item: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	if len(lines) == 0 {
		return nil, 0, fmt.Errorf("user %d: %w", userID, database.ErrEmptyCart)
	}

	return lines, cartID, nil
}

func lockAddress(ctx context.Context, tx *sql.Tx, addressID, userID int64) (*models.Address, error) {
	address := &models.Address{}

	err := tx.QueryRowContext(ctx,
		`SELECT id, user_id, label, line1, line2, city, state, country, postal_code, phone, created_at
		 FROM addresses
		 WHERE id = $1 AND user_id = $2`,
		addressID, userID).Scan(
		&address.ID,
		&address.UserID,
		&address.Label,
		&address.Line1,
		&address.Line2,
		&address.City,
		&address.State,
		&address.Country,
		&address.PostalCode,
		&address.Phone,
		&address.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("address %d: %w", addressID, database.ErrAddressNotFound)
		}
		return nil, fmt.Errorf("get address: %w", err)
	}

	return address, nil
}

func appendTrackingEvent(ctx context.Context, tx *sql.Tx, orderID int64, status models.OrderStatus, notes string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO order_tracking_events (order_id, status, notes, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		orderID, status, notes)
	if err != nil {
		return fmt.Errorf("append tracking event: %w", err)
	}
	return nil
}

func fetchOrder(ctx context.Context, tx *sql.Tx, orderID int64) (*models.Order, error) {
	order := &models.Order{ID: orderID}
	err := tx.QueryRowContext(ctx, `
		SELECT order_number, user_id, status, total_amount, currency, exchange_rate_used,
		       shipping_line1, shipping_line2, shipping_city, shipping_state, shipping_country, shipping_postal_code, shipping_phone,
		       is_paid, created_at, updated_at, version
		FROM orders
		WHERE id = $1`, orderID).Scan(
		&order.OrderNumber,
		&order.UserID,
		&order.Status,
		&order.TotalAmount,
		&order.Currency,
		&order.ExchangeRateUsed,
		&order.ShippingAddress.Line1,
		&order.ShippingAddress.Line2,
		&order.ShippingAddress.City,
		&order.ShippingAddress.State,
		&order.ShippingAddress.Country,
		&order.ShippingAddress.PostalCode,
		&order.ShippingAddress.Phone,
		&order.IsPaid,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	return order, nil
}

func getOrderByIdempotencyKey(ctx context.Context, db *sql.DB, key uuid.UUID) (*models.Order, error) {
	var orderID int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE idempotency_key = $1`, key).Scan(&orderID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by idempotency key: %w", err)
	}
	return GetOrder(ctx, db, orderID)
}
