package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a disposable database named by TEST_DB_SOURCE.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pg, err := NewPostgres(ctx, dsn, PostgresOptions{Currency: "USD", LockTimeout: 2 * time.Second, MaxRetries: 5})
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	return pg
}

func pgFund(t *testing.T, pg *Postgres, acc uuid.UUID, amount int64) {
	t.Helper()
	ctx := context.Background()
	id := "fund-" + uuid.NewString()
	_, created, err := pg.CreateTransaction(ctx, &domain.Transaction{
		ID: id, Type: domain.TransactionDeposit, Amount: amount, RecipientAccountID: &acc,
		Status: domain.StatusCreated, RequestHash: id,
	})
	require.NoError(t, err)
	require.True(t, created)
	_, err = pg.AppendCredit(ctx, domain.Posting{TransactionID: id, To: acc, Amount: amount})
	require.NoError(t, err)
}

func TestPostgresLedger(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()

	a, err := pg.GetOrCreateAccount(ctx, "pg-a-"+uuid.NewString())
	require.NoError(t, err)
	b, err := pg.GetOrCreateAccount(ctx, "pg-b-"+uuid.NewString())
	require.NoError(t, err)
	pgFund(t, pg, a.ID, 1_000)

	id := "pg-" + uuid.NewString()
	tx := &domain.Transaction{ID: id, Type: domain.TransactionSend, Amount: 300,
		SenderAccountID: &a.ID, RecipientAccountID: &b.ID, Status: domain.StatusCreated, RequestHash: "h"}
	_, created, err := pg.CreateTransaction(ctx, tx)
	require.NoError(t, err)
	require.True(t, created)

	tx.RequestHash = "other"
	_, _, err = pg.CreateTransaction(ctx, tx)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	p := domain.Posting{TransactionID: id, From: a.ID, To: b.ID, Amount: 300}
	res, err := pg.AppendTransfer(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(700), res.SenderBalance)

	replay, err := pg.AppendTransfer(ctx, p)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	stored, err := pg.GetTransaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	seen, err := pg.HasCompletedTransfer(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, seen)

	cached, ledger, err := pg.VerifyBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, cached, ledger)
}

func TestPostgresConcurrentDrain(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()

	a, err := pg.GetOrCreateAccount(ctx, "pg-drain-"+uuid.NewString())
	require.NoError(t, err)
	b, err := pg.GetOrCreateAccount(ctx, "pg-sink-"+uuid.NewString())
	require.NoError(t, err)
	pgFund(t, pg, a.ID, 1_000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("drain-%s-%d", a.ID, i)
		_, _, err := pg.CreateTransaction(ctx, &domain.Transaction{ID: id, Type: domain.TransactionSend, Amount: 100,
			SenderAccountID: &a.ID, RecipientAccountID: &b.ID, Status: domain.StatusCreated, RequestHash: id})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = pg.AppendTransfer(ctx, domain.Posting{TransactionID: id, From: a.ID, To: b.ID, Amount: 100})
		}()
	}
	wg.Wait()

	bal, err := pg.GetBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, bal, int64(0))
	cached, ledger, err := pg.VerifyBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, cached, ledger)
}
