package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/safar/marketplace-core/internal/config"
	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/safar/marketplace-core/internal/store"
	"github.com/shopspring/decimal"
)

func testCurrencies() config.CurrencyConfig {
	return config.CurrencyConfig{
		BaseCode:      "SDG",
		SecondaryCode: "USD",
		DefaultRate:   decimal.NewFromInt(600),
	}
}

func TestCreateOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "ord1-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)
	v1 := seedVariation(t, db, "ORD-001", decimal.NewFromInt(100), 50)
	v2 := seedVariation(t, db, "ORD-002", decimal.NewFromInt(200), 30)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, v1.ID, 5); err != nil {
		t.Fatalf("Add cart item 1: %v", err)
	}
	if _, err := store.AddCartItem(ctx, db, buyer.ID, v2.ID, 3); err != nil {
		t.Fatalf("Add cart item 2: %v", err)
	}

	order, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyer.ID,
		AddressID: addr.ID,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	if order.ID == 0 {
		t.Error("Order ID should not be 0")
	}
	if order.Status != models.OrderStatusPendingApproval {
		t.Errorf("Expected status %s, got %s", models.OrderStatusPendingApproval, order.Status)
	}
	if order.OrderNumber == "" {
		t.Error("Order number should not be empty")
	}
	if len(order.Items) != 2 {
		t.Fatalf("Expected 2 order items, got %d", len(order.Items))
	}

	expectedTotal := decimal.NewFromInt(100).Mul(decimal.NewFromInt(5)).
		Add(decimal.NewFromInt(200).Mul(decimal.NewFromInt(3)))
	if !order.TotalAmount.Equal(expectedTotal) {
		t.Errorf("Expected total %s, got %s", expectedTotal, order.TotalAmount)
	}

	v1After, err := store.GetVariation(ctx, db, v1.ID)
	if err != nil {
		t.Fatalf("Get variation 1: %v", err)
	}
	if v1After.StockQuantity != 45 {
		t.Errorf("Expected variation 1 stock 45, got %d", v1After.StockQuantity)
	}

	v2After, err := store.GetVariation(ctx, db, v2.ID)
	if err != nil {
		t.Fatalf("Get variation 2: %v", err)
	}
	if v2After.StockQuantity != 27 {
		t.Errorf("Expected variation 2 stock 27, got %d", v2After.StockQuantity)
	}

	// Checkout consumes the cart.
	cart, err := store.GetCart(ctx, db, buyer.ID)
	if err != nil {
		t.Fatalf("Get cart: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Errorf("Expected empty cart after checkout, got %d items", len(cart.Items))
	}

	if len(order.TrackingEvents) != 1 {
		t.Errorf("Expected 1 tracking event, got %d", len(order.TrackingEvents))
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	variation := seedVariation(t, db, "ORD-003", decimal.NewFromInt(100), 5)

	buyerA := buyerActor(t, db, "ord3-a@example.com")
	addrA := seedAddress(t, db, buyerA.ID)
	buyerB := buyerActor(t, db, "ord3-b@example.com")
	addrB := seedAddress(t, db, buyerB.ID)

	if _, err := store.AddCartItem(ctx, db, buyerA.ID, variation.ID, 5); err != nil {
		t.Fatalf("Add to cart A: %v", err)
	}
	if _, err := store.AddCartItem(ctx, db, buyerB.ID, variation.ID, 3); err != nil {
		t.Fatalf("Add to cart B: %v", err)
	}

	if _, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyerA.ID,
		AddressID: addrA.ID,
	}); err != nil {
		t.Fatalf("Create order A: %v", err)
	}

	_, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyerB.ID,
		AddressID: addrB.ID,
	})
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock for order B, got %v", err)
	}

	// B's failed checkout leaves no partial state: cart intact, stock at 0.
	cartB, err := store.GetCart(ctx, db, buyerB.ID)
	if err != nil {
		t.Fatalf("Get cart B: %v", err)
	}
	if len(cartB.Items) != 1 || cartB.Items[0].Quantity != 3 {
		t.Errorf("Expected B's cart untouched, got %+v", cartB.Items)
	}

	after, err := store.GetVariation(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("Get variation: %v", err)
	}
	if after.StockQuantity != 0 {
		t.Errorf("Expected stock 0, got %d", after.StockQuantity)
	}
}

func TestCreateOrderEmptyCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "ord4-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)

	_, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyer.ID,
		AddressID: addr.ID,
	})
	if !errors.Is(err, database.ErrEmptyCart) {
		t.Fatalf("Expected ErrEmptyCart, got %v", err)
	}
}

func TestCreateOrderIdempotency(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "ord5-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)
	variation := seedVariation(t, db, "ORD-005", decimal.NewFromInt(100), 10)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 2); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}

	key := uuid.New()
	req := store.CreateOrderRequest{
		UserID:         buyer.ID,
		AddressID:      addr.ID,
		IdempotencyKey: key,
	}

	first, err := store.CreateOrder(ctx, db, testCurrencies(), req)
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	// Replay with the same key: same order back, no second decrement.
	second, err := store.CreateOrder(ctx, db, testCurrencies(), req)
	if err != nil {
		t.Fatalf("Replay create order: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected replayed order %d, got %d", first.ID, second.ID)
	}

	after, err := store.GetVariation(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("Get variation: %v", err)
	}
	if after.StockQuantity != 8 {
		t.Errorf("Expected stock 8 after single decrement, got %d", after.StockQuantity)
	}
}

func TestCreateOrderSecondaryCurrency(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "ord6-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)
	variation := seedVariation(t, db, "ORD-006", decimal.NewFromInt(1200), 10)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 1); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}

	order, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyer.ID,
		AddressID: addr.ID,
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	// 1200 SDG at 600 SDG/USD
	if !order.TotalAmount.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected total 2 USD, got %s", order.TotalAmount)
	}
	if order.Currency != "USD" {
		t.Errorf("Expected currency USD, got %s", order.Currency)
	}
	if !order.ExchangeRateUsed.Equal(decimal.NewFromInt(600)) {
		t.Errorf("Expected exchange rate 600 recorded on order, got %s", order.ExchangeRateUsed)
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	admin := adminActor(t, db, "ord7-admin@example.com")
	buyer := buyerActor(t, db, "ord7-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)
	variation := seedVariation(t, db, "ORD-007", decimal.NewFromInt(100), 10)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 1); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}
	order, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyer.ID,
		AddressID: addr.ID,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	// Skipping straight to shipped is not a legal move from pending.
	if _, err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusShipped, "", admin); !errors.Is(err, database.ErrInvalidStatusTransition) {
		t.Fatalf("Expected ErrInvalidStatusTransition for pending->shipped, got %v", err)
	}

	for _, next := range []models.OrderStatus{
		models.OrderStatusAccepted,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusOutForDelivery,
		models.OrderStatusDelivered,
	} {
		order, err = store.UpdateOrderStatus(ctx, db, order.ID, next, "", admin)
		if err != nil {
			t.Fatalf("Transition to %s: %v", next, err)
		}
		if order.Status != next {
			t.Errorf("Expected status %s, got %s", next, order.Status)
		}
	}

	// Every hop leaves a tracking event behind the creation one.
	if len(order.TrackingEvents) != 6 {
		t.Errorf("Expected 6 tracking events, got %d", len(order.TrackingEvents))
	}

	// Delivered is past the point where cancel is allowed.
	if _, err := store.CancelOrder(ctx, db, order.ID, admin); !errors.Is(err, database.ErrInvalidStatusTransition) {
		t.Errorf("Expected ErrInvalidStatusTransition cancelling delivered order, got %v", err)
	}
}

func TestCancelOrderRestoresStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	admin := adminActor(t, db, "ord8-admin@example.com")
	buyer := buyerActor(t, db, "ord8-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)
	variation := seedVariation(t, db, "ORD-008", decimal.NewFromInt(100), 10)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 4); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}
	order, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyer.ID,
		AddressID: addr.ID,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	if _, err := store.AcceptOrder(ctx, db, order.ID, "", admin); err != nil {
		t.Fatalf("Accept order: %v", err)
	}
	if _, err := store.CancelOrder(ctx, db, order.ID, buyer); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	after, err := store.GetVariation(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("Get variation: %v", err)
	}
	if after.StockQuantity != 10 {
		t.Errorf("Expected stock restored to 10, got %d", after.StockQuantity)
	}

	movements, err := store.ListMovements(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("List movements: %v", err)
	}
	last := movements[len(movements)-1]
	if last.Kind != models.MovementIn || last.Reason != models.ReasonOrderCancelled {
		t.Errorf("Expected trailing in/%s movement, got %s/%s", models.ReasonOrderCancelled, last.Kind, last.Reason)
	}

	replayed, err := store.ReplayStock(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("Replay stock: %v", err)
	}
	if replayed != 10 {
		t.Errorf("Expected replay 10, got %d", replayed)
	}
}

func TestRejectOrderRestoresStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	admin := adminActor(t, db, "ord12-admin@example.com")
	buyer := buyerActor(t, db, "ord12-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)
	variation := seedVariation(t, db, "ORD-012", decimal.NewFromInt(100), 10)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 4); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}
	order, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyer.ID,
		AddressID: addr.ID,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	rejected, err := store.RejectOrder(ctx, db, order.ID, "cannot fulfill", admin)
	if err != nil {
		t.Fatalf("Reject order: %v", err)
	}
	if rejected.Status != models.OrderStatusRejected {
		t.Errorf("Expected status rejected, got %s", rejected.Status)
	}

	after, err := store.GetVariation(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("Get variation: %v", err)
	}
	if after.StockQuantity != 10 {
		t.Errorf("Expected stock restored to 10, got %d", after.StockQuantity)
	}

	movements, err := store.ListMovements(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("List movements: %v", err)
	}
	last := movements[len(movements)-1]
	if last.Kind != models.MovementIn || last.Reason != models.ReasonOrderRejected {
		t.Errorf("Expected trailing in/%s movement, got %s/%s", models.ReasonOrderRejected, last.Kind, last.Reason)
	}

	replayed, err := store.ReplayStock(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("Replay stock: %v", err)
	}
	if replayed != 10 {
		t.Errorf("Expected replay 10, got %d", replayed)
	}
}

func TestReturnedOrderRestoresStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	admin := adminActor(t, db, "ord13-admin@example.com")
	buyer := buyerActor(t, db, "ord13-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)
	variation := seedVariation(t, db, "ORD-013", decimal.NewFromInt(100), 10)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 4); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}
	order, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyer.ID,
		AddressID: addr.ID,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	for _, next := range []models.OrderStatus{
		models.OrderStatusAccepted,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusOutForDelivery,
		models.OrderStatusDelivered,
	} {
		if _, err := store.UpdateOrderStatus(ctx, db, order.ID, next, "", admin); err != nil {
			t.Fatalf("Transition to %s: %v", next, err)
		}
	}

	returned, err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusReturned, "buyer refused delivery", admin)
	if err != nil {
		t.Fatalf("Return order: %v", err)
	}
	if returned.Status != models.OrderStatusReturned {
		t.Errorf("Expected status returned, got %s", returned.Status)
	}

	after, err := store.GetVariation(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("Get variation: %v", err)
	}
	if after.StockQuantity != 10 {
		t.Errorf("Expected stock restored to 10, got %d", after.StockQuantity)
	}

	movements, err := store.ListMovements(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("List movements: %v", err)
	}
	last := movements[len(movements)-1]
	if last.Kind != models.MovementIn || last.Reason != models.ReasonOrderReturned {
		t.Errorf("Expected trailing in/%s movement, got %s/%s", models.ReasonOrderReturned, last.Kind, last.Reason)
	}

	replayed, err := store.ReplayStock(ctx, db, variation.ID)
	if err != nil {
		t.Fatalf("Replay stock: %v", err)
	}
	if replayed != 10 {
		t.Errorf("Expected replay 10, got %d", replayed)
	}
}

func TestCancelOrderForbiddenForStranger(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "ord9-buyer@example.com")
	stranger := buyerActor(t, db, "ord9-stranger@example.com")
	addr := seedAddress(t, db, buyer.ID)
	variation := seedVariation(t, db, "ORD-009", decimal.NewFromInt(100), 10)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 1); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}
	order, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyer.ID,
		AddressID: addr.ID,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	if _, err := store.CancelOrder(ctx, db, order.ID, stranger); !errors.Is(err, database.ErrForbidden) {
		t.Fatalf("Expected ErrForbidden, got %v", err)
	}
}

func TestMarkOrderPaid(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	admin := adminActor(t, db, "ord10-admin@example.com")
	buyer := buyerActor(t, db, "ord10-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)
	variation := seedVariation(t, db, "ORD-010", decimal.NewFromInt(100), 10)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 1); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}
	order, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
		UserID:    buyer.ID,
		AddressID: addr.ID,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	// Not payable before delivery.
	if _, err := store.MarkOrderPaid(ctx, db, order.ID, admin); !errors.Is(err, database.ErrInvalidStatusTransition) {
		t.Fatalf("Expected ErrInvalidStatusTransition paying pending order, got %v", err)
	}

	for _, next := range []models.OrderStatus{
		models.OrderStatusAccepted,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusOutForDelivery,
		models.OrderStatusDelivered,
	} {
		if _, err := store.UpdateOrderStatus(ctx, db, order.ID, next, "", admin); err != nil {
			t.Fatalf("Transition to %s: %v", next, err)
		}
	}

	paid, err := store.MarkOrderPaid(ctx, db, order.ID, admin)
	if err != nil {
		t.Fatalf("Mark order paid: %v", err)
	}
	if !paid.IsPaid {
		t.Error("Expected order marked paid")
	}

	if _, err := store.MarkOrderPaid(ctx, db, order.ID, admin); !errors.Is(err, database.ErrAlreadyPaid) {
		t.Fatalf("Expected ErrAlreadyPaid on second payment, got %v", err)
	}
}

func TestListOrdersCursor(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "ord11-buyer@example.com")
	addr := seedAddress(t, db, buyer.ID)
	variation := seedVariation(t, db, "ORD-011", decimal.NewFromInt(10), 100)

	for i := 0; i < 5; i++ {
		if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 1); err != nil {
			t.Fatalf("Add cart item: %v", err)
		}
		if _, err := store.CreateOrder(ctx, db, testCurrencies(), store.CreateOrderRequest{
			UserID:    buyer.ID,
			AddressID: addr.ID,
		}); err != nil {
			t.Fatalf("Create order %d: %v", i, err)
		}
	}

	page1, err := store.ListOrdersCursor(ctx, db, buyer.ID, "", 3)
	if err != nil {
		t.Fatalf("List orders page 1: %v", err)
	}
	orders1 := page1.Items.([]models.Order)
	if len(orders1) != 3 {
		t.Fatalf("Expected 3 orders on page 1, got %d", len(orders1))
	}
	if !page1.HasMore {
		t.Fatal("Expected more pages")
	}

	page2, err := store.ListOrdersCursor(ctx, db, buyer.ID, page1.NextCursor, 3)
	if err != nil {
		t.Fatalf("List orders page 2: %v", err)
	}
	orders2 := page2.Items.([]models.Order)
	if len(orders2) != 2 {
		t.Fatalf("Expected 2 orders on page 2, got %d", len(orders2))
	}
	if page2.HasMore {
		t.Error("Expected no more pages")
	}

	seen := map[int64]bool{}
	for _, o := range append(orders1, orders2...) {
		if seen[o.ID] {
			t.Errorf("Order %d appeared twice across pages", o.ID)
		}
		seen[o.ID] = true
	}
}
