package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03":
			return ErrorClassTransient
		case "23505", "23503", "23502", "23514":
			return ErrorClassPermanent
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, optionally restricted to one named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// Entity lookups.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrAddressNotFound   = errors.New("address not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrVariationNotFound = errors.New("variation not found")
	ErrCartNotFound      = errors.New("cart not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOfferNotFound     = errors.New("offer not found")
)

// Inventory guards.
var (
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrVariationUnavailable = errors.New("variation unavailable")
)

// Business-state guards.
var (
	ErrEmptyCart               = errors.New("cart is empty")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrDuplicateActiveOffer    = errors.New("buyer already has an active offer on this variation")
	ErrOfferNotPending         = errors.New("offer is no longer pending")
	ErrOfferNotRedeemable      = errors.New("offer is not accepted or was already redeemed")
	ErrPriceBelowFloor         = errors.New("accepted price is below the proposed price")
	ErrAlreadyPaid             = errors.New("order is already marked paid")
	ErrForbidden               = errors.New("actor is not allowed to perform this operation")
	ErrUnsupportedCurrency     = errors.New("unsupported currency")
	ErrExchangeRateUnavailable = errors.New("exchange rate unavailable")
	ErrValidationFailed        = errors.New("validation failed")
)

// Concurrency-control outcomes.
var (
	ErrOptimisticLockFailed = errors.New("optimistic lock failed")
	ErrLockTimeout          = errors.New("lock timeout")
)
