package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletledger/internal/bank"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/events"
	"github.com/punchamoorthee/walletledger/internal/risk"
	"github.com/punchamoorthee/walletledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *recorder) Publish(ctx context.Context, key string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type rejectingBank struct{ bank.Simulated }

func (rejectingBank) Push(ctx context.Context, ref string, amount int64, instant bool) (bank.Receipt, error) {
	return bank.Receipt{}, errors.New("account closed")
}

type harness struct {
	svc   *Service
	mem   *store.Memory
	clock *clock
	pub   *recorder
}

func newHarness(t *testing.T, net bank.Network) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)}
	mem := store.NewMemory("USD")
	mem.SetClock(clk.Now)
	pub := &recorder{}
	if net == nil {
		net = bank.Simulated{Now: clk.Now}
	}
	svc := New(mem, risk.NewStoreSource(mem), net, pub, Options{
		InstantFeeRate: decimal.RequireFromString("0.015"),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:            clk.Now,
	})
	return &harness{svc: svc, mem: mem, clock: clk, pub: pub}
}

// wallet opens an account for owner and funds it through a bank deposit.
func (h *harness) wallet(t *testing.T, owner string, funds int64) *domain.Account {
	t.Helper()
	ctx := context.Background()
	acc, err := h.svc.GetOrCreateAccount(ctx, owner)
	require.NoError(t, err)
	if funds > 0 {
		tx, err := h.svc.Deposit(ctx, DepositInput{
			TransactionID: "fund-" + owner,
			AccountID:     acc.ID,
			Amount:        funds,
			BankRef:       "bank-" + owner,
		})
		require.NoError(t, err)
		require.Equal(t, domain.StatusCompleted, tx.Status)
	}
	return acc
}

func (h *harness) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	b, err := h.mem.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

// assertLedgerConsistent checks every cached balance against its entries and
// that all balances, the bank counter-account included, sum to zero.
func (h *harness) assertLedgerConsistent(t *testing.T, ids ...uuid.UUID) {
	t.Helper()
	ids = append(ids, h.mem.BankAccountID())
	var sum int64
	for _, id := range ids {
		cached, ledger, ok, err := h.svc.VerifyBalance(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok, "cached %d != ledger %d", cached, ledger)
		sum += cached
	}
	assert.Zero(t, sum)
}

func TestSendAllowed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 100_000)
	bob := h.wallet(t, "bob", 0)

	tx, err := h.svc.Send(ctx, SendInput{
		TransactionID: "tx-1", SenderOwnerID: "alice", RecipientOwnerID: "bob",
		Amount: 10_000, Description: "lunch",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, tx.Status)
	assert.False(t, tx.IsRisky)

	assert.Equal(t, int64(90_000), h.balance(t, alice.ID))
	assert.Equal(t, int64(10_000), h.balance(t, bob.ID))

	entries, err := h.mem.EntriesForTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Zero(t, entries[0].Amount+entries[1].Amount)

	h.assertLedgerConsistent(t, alice.ID, bob.ID)
	assert.Contains(t, h.pub.Keys(), events.TransactionCompleted)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.wallet(t, "alice", 1_000)
	h.wallet(t, "bob", 0)

	tests := []struct {
		name string
		in   SendInput
		want error
	}{
		{"missing key", SendInput{SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 1}, domain.ErrMissingKey},
		{"zero amount", SendInput{TransactionID: "v1", SenderOwnerID: "alice", RecipientOwnerID: "bob"}, domain.ErrInvalidAmount},
		{"negative amount", SendInput{TransactionID: "v2", SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: -5}, domain.ErrInvalidAmount},
		{"self", SendInput{TransactionID: "v3", SenderOwnerID: "alice", RecipientOwnerID: "alice", Amount: 1}, domain.ErrSameAccount},
		{"unknown recipient", SendInput{TransactionID: "v4", SenderOwnerID: "alice", RecipientOwnerID: "carol", Amount: 1}, domain.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := h.svc.Send(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, tx)
		})
	}
}

func TestSendReviewThenConfirm(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 200_000)
	bob := h.wallet(t, "bob", 0)

	tx, err := h.svc.Send(ctx, SendInput{TransactionID: "big", SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 60_000})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingConfirmation, tx.Status)
	assert.True(t, tx.IsRisky)
	require.NotNil(t, tx.RiskReason)
	assert.Equal(t, risk.ReasonLargeAmountNewRecipient, *tx.RiskReason)

	entries, err := h.mem.EntriesForTransaction(ctx, "big")
	require.NoError(t, err)
	assert.Empty(t, entries)

	bal, err := h.svc.GetBalance(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), bal.Available)
	assert.Equal(t, int64(60_000), bal.Pending)

	confirmed, err := h.svc.ConfirmTransfer(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, confirmed.Status)
	assert.Equal(t, int64(140_000), h.balance(t, alice.ID))
	assert.Equal(t, int64(60_000), h.balance(t, bob.ID))

	again, err := h.svc.ConfirmTransfer(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, again.Status)
	assert.Equal(t, int64(140_000), h.balance(t, alice.ID))

	// Known recipient now; the same amount goes straight through.
	tx, err = h.svc.Send(ctx, SendInput{TransactionID: "big-2", SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 60_000})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, tx.Status)

	h.assertLedgerConsistent(t, alice.ID, bob.ID)
}

func TestSendReviewThenCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 100_000)
	h.wallet(t, "bob", 0)

	_, err := h.svc.Send(ctx, SendInput{TransactionID: "big", SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 60_000})
	require.NoError(t, err)

	cancelled, err := h.svc.CancelTransfer(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(100_000), h.balance(t, alice.ID))

	_, err = h.svc.ConfirmTransfer(ctx, "big")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	_, err = h.svc.CancelTransfer(ctx, "big")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	assert.Contains(t, h.pub.Keys(), events.TransactionCancelled)
}

func TestSendBlocked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 2_000_000)
	h.wallet(t, "bob", 0)

	tx, err := h.svc.Send(ctx, SendInput{TransactionID: "huge", SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 1_500_000})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRiskBlocked)
	var blocked *domain.RiskBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, risk.ReasonBlockUnknownRecipient, blocked.Reason)

	require.NotNil(t, tx)
	assert.Equal(t, domain.StatusBlocked, tx.Status)
	assert.Equal(t, int64(2_000_000), h.balance(t, alice.ID))

	_, err = h.svc.ConfirmTransfer(ctx, "huge")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	assert.Contains(t, h.pub.Keys(), events.TransactionBlocked)
}

func TestSendInsufficientFunds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 5_000)
	bob := h.wallet(t, "bob", 0)

	tx, err := h.svc.Send(ctx, SendInput{TransactionID: "over", SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 5_001})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, tx)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	require.NotNil(t, tx.FailureReason)
	assert.Equal(t, store.ReasonInsufficientFunds, *tx.FailureReason)

	entries, err := h.mem.EntriesForTransaction(ctx, "over")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, int64(5_000), h.balance(t, alice.ID))

	// Replays report the same outcome.
	tx, err = h.svc.Send(ctx, SendInput{TransactionID: "over", SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 5_001})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.StatusFailed, tx.Status)

	h.assertLedgerConsistent(t, alice.ID, bob.ID)
}

func TestSendIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 10_000)
	bob := h.wallet(t, "bob", 0)

	in := SendInput{TransactionID: "k-1", SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 2_500}
	first, err := h.svc.Send(ctx, in)
	require.NoError(t, err)
	second, err := h.svc.Send(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)

	assert.Equal(t, int64(7_500), h.balance(t, alice.ID))
	assert.Equal(t, int64(2_500), h.balance(t, bob.ID))

	in.Amount = 3_000
	_, err = h.svc.Send(ctx, in)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.Equal(t, int64(7_500), h.balance(t, alice.ID))
}

func TestConcurrentSendsNeverOverdraw(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 10_000)
	bob := h.wallet(t, "bob", 0)

	const workers = 25
	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Send(ctx, SendInput{
				TransactionID: fmt.Sprintf("drain-%d", i), SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 1_000,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(workers-10), insufficient.Load())
	assert.Zero(t, h.balance(t, alice.ID))
	assert.Equal(t, int64(10_000), h.balance(t, bob.ID))
	h.assertLedgerConsistent(t, alice.ID, bob.ID)
}

func TestConcurrentOpposingSends(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 50_000)
	bob := h.wallet(t, "bob", 50_000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Send(ctx, SendInput{TransactionID: fmt.Sprintf("ab-%d", i), SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 100})
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Send(ctx, SendInput{TransactionID: fmt.Sprintf("ba-%d", i), SenderOwnerID: "bob", RecipientOwnerID: "alice", Amount: 100})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(50_000), h.balance(t, alice.ID))
	assert.Equal(t, int64(50_000), h.balance(t, bob.ID))
	h.assertLedgerConsistent(t, alice.ID, bob.ID)
}

func TestListTransactionsAndEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 10_000)
	h.wallet(t, "bob", 0)

	h.clock.Advance(time.Minute)
	_, err := h.svc.Send(ctx, SendInput{TransactionID: "s-1", SenderOwnerID: "alice", RecipientOwnerID: "bob", Amount: 1_000})
	require.NoError(t, err)

	txs, err := h.svc.ListTransactions(ctx, alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "s-1", txs[0].ID)
	assert.Equal(t, "fund-alice", txs[1].ID)

	entries, err := h.svc.ListEntries(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(9_000), entries[0].BalanceAfter)
	assert.Equal(t, int64(10_000), entries[1].BalanceAfter)

	_, err = h.svc.ListTransactions(ctx, uuid.New(), 10)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestSystemAccountIsNotAWallet(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.wallet(t, "alice", 10_000)

	_, err := h.svc.Send(ctx, SendInput{TransactionID: "to-bank", SenderOwnerID: "alice", RecipientOwnerID: domain.ExternalBankOwner, Amount: 5_000})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = h.svc.Send(ctx, SendInput{TransactionID: "from-bank", SenderOwnerID: domain.ExternalBankOwner, RecipientOwnerID: "alice", Amount: 5_000})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = h.svc.CreateRequest(ctx, domain.ExternalBankOwner, "alice", 5_000, nil)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = h.svc.CreateRequest(ctx, "alice", domain.ExternalBankOwner, 5_000, nil)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = h.svc.GetOrCreateAccount(ctx, domain.ExternalBankOwner)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = h.svc.GetOrCreateAccount(ctx, "system:fees")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = h.svc.Deposit(ctx, DepositInput{TransactionID: "bank-dep", AccountID: h.mem.BankAccountID(), Amount: 1, BankRef: "b"})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = h.svc.Withdraw(ctx, WithdrawInput{TransactionID: "bank-wd", AccountID: h.mem.BankAccountID(), Amount: 1, Speed: domain.SpeedStandard, BankRef: "b"})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	assert.Equal(t, int64(10_000), h.balance(t, alice.ID))
	h.assertLedgerConsistent(t, alice.ID)
}

type unreachableStore struct {
	store.Store
}

func (unreachableStore) UpdateTransactionStatus(ctx context.Context, id string, u store.StatusUpdate) (*domain.Transaction, error) {
	return nil, errors.New("update timed out")
}

func (unreachableStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return nil, errors.New("read timed out")
}

func TestFailLogsBothErrors(t *testing.T) {
	var buf bytes.Buffer
	mem := store.NewMemory("USD")
	svc := New(unreachableStore{mem}, risk.NewStoreSource(mem), nil, nil, Options{
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	})

	assert.Nil(t, svc.fail(context.Background(), "tx-1", ReasonInternalError))
	assert.Contains(t, buf.String(), "update timed out")
	assert.Contains(t, buf.String(), "read timed out")
}
