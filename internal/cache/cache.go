// Package cache provides a read-side cache for carts. The cart in redis is a
// projection only; every cart mutation invalidates it and the database stays
// the source of truth.
package cache

import (
	"context"
	"errors"

	"github.com/safar/marketplace-core/internal/models"
)

var ErrCacheMiss = errors.New("cache miss")

type CartCache interface {
	Get(ctx context.Context, userID int64) (*models.Cart, error)
	Set(ctx context.Context, userID int64, cart *models.Cart) error
	Delete(ctx context.Context, userID int64) error
}
