package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/walletledger/internal/domain"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	settings := Settings{
		ReviewThreshold:         50_000,
		BlockThreshold:          1_000_000,
		ReviewFirstTransferOnly: true,
		NewAccountAge:           24 * time.Hour,
	}
	old := 30 * 24 * time.Hour

	cases := []struct {
		name   string
		in     Input
		want   Decision
		reason string
	}{
		{"small amount to known recipient", Input{Amount: 1_000, RecipientAccountAge: old}, Allow, ""},
		{"small amount to new recipient", Input{Amount: 1_000, IsFirstTransferToRecipient: true, RecipientAccountAge: old}, Allow, ""},
		{"at review threshold", Input{Amount: 50_000, IsFirstTransferToRecipient: true, RecipientAccountAge: old}, Allow, ""},
		{"large amount to new recipient", Input{Amount: 50_001, IsFirstTransferToRecipient: true, RecipientAccountAge: old}, Review, ReasonLargeAmountNewRecipient},
		{"large amount to known recipient", Input{Amount: 500_000, RecipientAccountAge: old}, Allow, ""},
		{"huge amount to known old recipient", Input{Amount: 2_000_000, RecipientAccountAge: old}, Allow, ""},
		{"huge amount to new recipient", Input{Amount: 2_000_000, IsFirstTransferToRecipient: true, RecipientAccountAge: old}, Block, ReasonBlockUnknownRecipient},
		{"huge amount to fresh account", Input{Amount: 2_000_000, RecipientAccountAge: time.Hour}, Block, ReasonBlockUnknownRecipient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(settings, tc.in)
			assert.Equal(t, tc.want, got.Decision)
			assert.Equal(t, tc.reason, got.Reason)
		})
	}
}

func TestEvaluate_ReviewAnyRecipient(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	s.ReviewFirstTransferOnly = false

	got := Evaluate(s, Input{Amount: s.ReviewThreshold + 1})
	assert.Equal(t, Review, got.Decision)
	assert.Equal(t, ReasonLargeAmount, got.Reason)
}

func TestDecisionStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.StatusCompleted, Allow.Status())
	assert.Equal(t, domain.StatusPendingConfirmation, Review.Status())
	assert.Equal(t, domain.StatusBlocked, Block.Status())
}

func TestFromMap(t *testing.T) {
	t.Parallel()

	s := FromMap(map[string]float64{
		SettingReviewThreshold:         10_000,
		SettingReviewFirstTransferOnly: 0,
		SettingNewAccountAgeHours:      1.5,
	})
	assert.Equal(t, int64(10_000), s.ReviewThreshold)
	assert.Equal(t, DefaultSettings().BlockThreshold, s.BlockThreshold)
	assert.False(t, s.ReviewFirstTransferOnly)
	assert.Equal(t, 90*time.Minute, s.NewAccountAge)
}

type loaderStub struct {
	values map[string]float64
	err    error
	calls  int
}

func (l *loaderStub) LoadRiskSettings(ctx context.Context) (map[string]float64, error) {
	l.calls++
	return l.values, l.err
}

func TestStoreSource_ReadsEveryTime(t *testing.T) {
	t.Parallel()

	loader := &loaderStub{values: map[string]float64{SettingReviewThreshold: 100}}
	src := NewStoreSource(loader)

	s, err := src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.ReviewThreshold)

	loader.values = map[string]float64{SettingReviewThreshold: 200}
	s, err = src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(200), s.ReviewThreshold)
	assert.Equal(t, 2, loader.calls)
}

func TestCachedSource_PassthroughWithoutRedis(t *testing.T) {
	t.Parallel()

	loader := &loaderStub{err: errors.New("db down")}
	src := NewCachedSource(NewStoreSource(loader), nil, "", time.Minute, nil)

	_, err := src.Current(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, loader.calls)
}

func TestEvaluate_IgnoresAccountIDs(t *testing.T) {
	t.Parallel()

	in := Input{SenderAccountID: uuid.New(), RecipientAccountID: uuid.New(), Amount: 10}
	assert.Equal(t, Allow, Evaluate(DefaultSettings(), in).Decision)
}

func TestCachedSource_FallsThroughWhenRedisUnreachable(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	loader := &loaderStub{values: map[string]float64{SettingBlockThreshold: 5_000}}
	src := NewCachedSource(NewStoreSource(loader), client, "test:risk", time.Minute, nil)

	s, err := src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), s.BlockThreshold)
	assert.Equal(t, 1, loader.calls)
}
