package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to TransactionStatus
		want     bool
	}{
		{StatusCreated, StatusCompleted, true},
		{StatusCreated, StatusPendingConfirmation, true},
		{StatusCreated, StatusBlocked, true},
		{StatusCreated, StatusFailed, true},
		{StatusCreated, StatusCancelled, false},
		{StatusPendingConfirmation, StatusCompleted, true},
		{StatusPendingConfirmation, StatusFailed, true},
		{StatusPendingConfirmation, StatusCancelled, true},
		{StatusCompleted, StatusFailed, false},
		{StatusBlocked, StatusCompleted, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusPendingConfirmation, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusValid(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusPendingConfirmation.Valid())
	assert.False(t, TransactionStatus("settled").Valid())
	assert.True(t, RequestCancelled.Valid())
	assert.False(t, RequestStatus("expired").Valid())
	assert.True(t, SpeedInstant.Valid())
	assert.False(t, WithdrawalSpeed("next_day").Valid())
	assert.True(t, StatusBlocked.Terminal())
	assert.False(t, StatusPendingConfirmation.Terminal())
}

func TestRiskBlockedError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("send: %w", &RiskBlockedError{Reason: "unknown_recipient"})
	assert.True(t, errors.Is(err, ErrRiskBlocked))

	var rb *RiskBlockedError
	assert.True(t, errors.As(err, &rb))
	assert.Equal(t, "unknown_recipient", rb.Reason)
}
