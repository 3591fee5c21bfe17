package store

import (
	"fmt"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/shopspring/decimal"
)

// ConvertAmount converts an amount held in the base (ledger) currency into
// target. Only the configured secondary currency is supported besides the
// base itself; secondary amounts are base / rate, rounded to 2 places.
func ConvertAmount(amount, rate decimal.Decimal, target, base, secondary string) (decimal.Decimal, error) {
	switch target {
	case base:
		return amount, nil
	case secondary:
		if !rate.IsPositive() {
			return decimal.Zero, fmt.Errorf("rate %s: %w", rate, database.ErrExchangeRateUnavailable)
		}
		return amount.DivRound(rate, 2), nil
	default:
		return decimal.Zero, fmt.Errorf("currency %q: %w", target, database.ErrUnsupportedCurrency)
	}
}

func errValidation(field, value string) error {
	return fmt.Errorf("%s=%q: %w", field, value, database.ErrValidationFailed)
}
