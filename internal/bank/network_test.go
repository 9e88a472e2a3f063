package bank

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrivalWindow(t *testing.T) {
	t.Parallel()

	// Friday 2026-10-16
	friday := time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)
	earliest, latest := ArrivalWindow(friday)
	assert.Equal(t, time.Monday, earliest.Weekday())
	assert.Equal(t, 19, earliest.Day())
	assert.Equal(t, time.Wednesday, latest.Weekday())
	assert.Equal(t, 21, latest.Day())

	// Tuesday
	tuesday := time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)
	earliest, latest = ArrivalWindow(tuesday)
	assert.Equal(t, 14, earliest.Day())
	assert.Equal(t, 16, latest.Day())
}

func TestSimulated(t *testing.T) {
	t.Parallel()

	net := Simulated{}
	r, err := net.Push(context.Background(), "acct-123", 100, true)
	require.NoError(t, err)
	assert.NotEmpty(t, r.NetworkRef)

	_, err = net.Pull(context.Background(), "  ", 100)
	assert.ErrorIs(t, err, ErrInvalidBankRef)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = net.Pull(ctx, "acct-123", 100)
	assert.ErrorIs(t, err, context.Canceled)
}
