package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	encoded := EncodeCursor(PageCursor{CreatedAt: at, ID: 42})
	require.NotEmpty(t, encoded)

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.True(t, decoded.CreatedAt.Equal(at))
	assert.Equal(t, int64(42), decoded.ID)
}

func TestDecodeCursorEmptyMeansUnbounded(t *testing.T) {
	decoded, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestDecodeCursorGarbage(t *testing.T) {
	_, err := DecodeCursor("not-base64!!")
	assert.Error(t, err)
}
