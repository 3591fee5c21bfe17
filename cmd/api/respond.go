package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/safar/marketplace-core/internal/database"
	"go.uber.org/zap"
)

func (s *server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *server) respondError(w http.ResponseWriter, err error) {
	s.respondJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func (s *server) respondBadRequest(w http.ResponseWriter, message string) {
	s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": message})
}

// statusFor maps the store's sentinel errors onto HTTP statuses. Anything
// unrecognized is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrAddressNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrVariationNotFound),
		errors.Is(err, database.ErrCartNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrVariationUnavailable),
		errors.Is(err, database.ErrInvalidStatusTransition),
		errors.Is(err, database.ErrDuplicateActiveOffer),
		errors.Is(err, database.ErrOfferNotPending),
		errors.Is(err, database.ErrOfferNotRedeemable),
		errors.Is(err, database.ErrAlreadyPaid),
		errors.Is(err, database.ErrPriceBelowFloor):
		return http.StatusConflict
	case errors.Is(err, database.ErrEmptyCart),
		errors.Is(err, database.ErrUnsupportedCurrency),
		errors.Is(err, database.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, database.ErrExchangeRateUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
