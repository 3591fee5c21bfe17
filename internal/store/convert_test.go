package store

import (
	"testing"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertAmount(t *testing.T) {
	rate := decimal.NewFromInt(600)

	t.Run("base currency is identity", func(t *testing.T) {
		got, err := ConvertAmount(decimal.NewFromInt(1200), rate, "SDG", "SDG", "USD")
		require.NoError(t, err)
		assert.True(t, got.Equal(decimal.NewFromInt(1200)))
	})

	t.Run("secondary divides by rate", func(t *testing.T) {
		got, err := ConvertAmount(decimal.NewFromInt(1200), rate, "USD", "SDG", "USD")
		require.NoError(t, err)
		assert.True(t, got.Equal(decimal.NewFromInt(2)))
	})

	t.Run("secondary rounds to 2 places", func(t *testing.T) {
		got, err := ConvertAmount(decimal.NewFromInt(1000), rate, "USD", "SDG", "USD")
		require.NoError(t, err)
		assert.Equal(t, "1.67", got.StringFixed(2))
	})

	t.Run("unknown currency rejected", func(t *testing.T) {
		_, err := ConvertAmount(decimal.NewFromInt(100), rate, "EUR", "SDG", "USD")
		assert.ErrorIs(t, err, database.ErrUnsupportedCurrency)
	})

	t.Run("non-positive rate rejected", func(t *testing.T) {
		_, err := ConvertAmount(decimal.NewFromInt(100), decimal.Zero, "USD", "SDG", "USD")
		assert.ErrorIs(t, err, database.ErrExchangeRateUnavailable)
	})
}
