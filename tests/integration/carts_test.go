package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/store"
	"github.com/shopspring/decimal"
)

func TestAddCartItemFreezesPrice(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "cart1-buyer@example.com")
	variation := seedVariation(t, db, "CART-001", decimal.NewFromInt(100), 10)

	cart, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 2)
	if err != nil {
		t.Fatalf("Add cart item: %v", err)
	}
	if !cart.Items[0].PriceAtAdd.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected frozen price 100, got %s", cart.Items[0].PriceAtAdd)
	}

	// Reprice the listing; the cart line keeps the price it entered at.
	if _, err := db.ExecContext(ctx,
		`UPDATE product_variations SET price = 150 WHERE id = $1`, variation.ID); err != nil {
		t.Fatalf("Reprice variation: %v", err)
	}

	cart, err = store.AddCartItem(ctx, db, buyer.ID, variation.ID, 1)
	if err != nil {
		t.Fatalf("Add more of same item: %v", err)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("Expected merged line, got %d lines", len(cart.Items))
	}
	if cart.Items[0].Quantity != 3 {
		t.Errorf("Expected quantity 3, got %d", cart.Items[0].Quantity)
	}
	if !cart.Items[0].PriceAtAdd.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected original frozen price 100 after merge, got %s", cart.Items[0].PriceAtAdd)
	}
	if !cart.TotalPrice.Equal(decimal.NewFromInt(300)) {
		t.Errorf("Expected total 300, got %s", cart.TotalPrice)
	}
}

func TestAddCartItemExceedsStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "cart2-buyer@example.com")
	variation := seedVariation(t, db, "CART-002", decimal.NewFromInt(100), 5)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 3); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}

	// Cumulative quantity across adds is what gets checked.
	_, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 3)
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock at cumulative 6 of 5, got %v", err)
	}
}

func TestUpdateCartItemQuantity(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "cart3-buyer@example.com")
	variation := seedVariation(t, db, "CART-003", decimal.NewFromInt(100), 5)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 2); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}

	if _, err := store.UpdateCartItemQuantity(ctx, db, buyer.ID, variation.ID, 9); !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock raising to 9, got %v", err)
	}

	cart, err := store.UpdateCartItemQuantity(ctx, db, buyer.ID, variation.ID, 4)
	if err != nil {
		t.Fatalf("Update quantity: %v", err)
	}
	if cart.Items[0].Quantity != 4 {
		t.Errorf("Expected quantity 4, got %d", cart.Items[0].Quantity)
	}

	// Zero removes the line.
	cart, err = store.UpdateCartItemQuantity(ctx, db, buyer.ID, variation.ID, 0)
	if err != nil {
		t.Fatalf("Update quantity to zero: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Errorf("Expected empty cart, got %d items", len(cart.Items))
	}
}

func TestClearCartIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "cart4-buyer@example.com")
	variation := seedVariation(t, db, "CART-004", decimal.NewFromInt(100), 5)

	if _, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 2); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}

	if err := store.ClearCart(ctx, db, buyer.ID); err != nil {
		t.Fatalf("Clear cart: %v", err)
	}
	// Clearing an already-absent cart is not an error.
	if err := store.ClearCart(ctx, db, buyer.ID); err != nil {
		t.Fatalf("Clear cart again: %v", err)
	}

	cart, err := store.GetCart(ctx, db, buyer.ID)
	if err != nil {
		t.Fatalf("Get cart: %v", err)
	}
	if len(cart.Items) != 0 || !cart.TotalPrice.IsZero() {
		t.Errorf("Expected empty cart, got %d items totalling %s", len(cart.Items), cart.TotalPrice)
	}
}

func TestGetCartNeverCreated(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "cart5-buyer@example.com")

	cart, err := store.GetCart(ctx, db, buyer.ID)
	if err != nil {
		t.Fatalf("Get cart: %v", err)
	}
	if len(cart.Items) != 0 || !cart.TotalPrice.IsZero() {
		t.Errorf("Expected empty cart for fresh user, got %+v", cart)
	}
}

func TestAddCartItemUnavailable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	buyer := buyerActor(t, db, "cart6-buyer@example.com")
	admin := adminActor(t, db, "cart6-admin@example.com")
	variation := seedVariation(t, db, "CART-006", decimal.NewFromInt(100), 5)

	if err := store.SetVariationAvailability(ctx, db, variation.ID, false, admin); err != nil {
		t.Fatalf("Set availability: %v", err)
	}

	_, err := store.AddCartItem(ctx, db, buyer.ID, variation.ID, 1)
	if !errors.Is(err, database.ErrVariationUnavailable) {
		t.Fatalf("Expected ErrVariationUnavailable, got %v", err)
	}
}
