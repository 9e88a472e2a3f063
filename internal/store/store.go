package store

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletledger/internal/domain"
)

// Store is the persistence boundary of the wallet. The ledger methods are the
// only ones that touch two accounts at once and they are the sole place where
// balances change.
type Store interface {
	// Accounts
	GetOrCreateAccount(ctx context.Context, ownerID string) (*domain.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error)
	GetBalance(ctx context.Context, id uuid.UUID) (int64, error)
	// VerifyBalance returns the cached balance and the live sum of entries.
	VerifyBalance(ctx context.Context, id uuid.UUID) (cached int64, ledger int64, err error)

	// Ledger. Each call finalizes the referenced transaction in the same
	// atomic unit: completed on success, failed on insufficient funds.
	AppendTransfer(ctx context.Context, p domain.Posting) (*domain.PostingResult, error)
	AppendCredit(ctx context.Context, p domain.Posting) (*domain.PostingResult, error)
	AppendDebit(ctx context.Context, p domain.Posting) (*domain.PostingResult, error)
	ListEntries(ctx context.Context, accountID uuid.UUID) ([]domain.LedgerEntry, error)
	EntriesForTransaction(ctx context.Context, transactionID string) ([]domain.LedgerEntry, error)

	// Transactions
	CreateTransaction(ctx context.Context, tx *domain.Transaction) (stored *domain.Transaction, created bool, err error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, u StatusUpdate) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error)
	PendingOutgoingTotal(ctx context.Context, accountID uuid.UUID) (int64, error)
	HasCompletedTransfer(ctx context.Context, from, to uuid.UUID) (bool, error)
	ListPendingConfirmationBefore(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error)

	// Money requests
	CreateRequest(ctx context.Context, r *domain.MoneyRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error)
	// ResolveRequest moves a pending request to a terminal status. Any other
	// current status fails with domain.ErrInvalidRequestState.
	ResolveRequest(ctx context.Context, id uuid.UUID, to domain.RequestStatus, linkedTransactionID *string) (*domain.MoneyRequest, error)
	ListRequests(ctx context.Context, accountID uuid.UUID) ([]domain.MoneyRequest, error)
	ListPendingRequestsBefore(ctx context.Context, before time.Time, limit int) ([]domain.MoneyRequest, error)

	// Risk settings
	LoadRiskSettings(ctx context.Context) (map[string]float64, error)
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)

// StatusUpdate describes a transaction state change. Status is checked
// against domain.CanTransition by the store while the row is locked.
type StatusUpdate struct {
	Status        domain.TransactionStatus
	IsRisky       bool
	RiskReason    *string
	FailureReason *string
}

// Failure reasons recorded by the ledger.
const (
	ReasonInsufficientFunds = "insufficient_funds"
)

// lockOrder returns the two account ids in the global locking order.
func lockOrder(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}

// replayResult rebuilds the result of an already applied posting from its
// entries, or reports a parameter mismatch.
func replayResult(entries []domain.LedgerEntry, p domain.Posting) (*domain.PostingResult, error) {
	if len(entries) != 2 {
		return nil, domain.ErrIdempotencyConflict
	}
	debit, credit := entries[0], entries[1]
	if debit.Amount > 0 {
		debit, credit = credit, debit
	}
	if debit.AccountID != p.From || credit.AccountID != p.To || credit.Amount != p.Amount {
		return nil, domain.ErrIdempotencyConflict
	}
	return &domain.PostingResult{
		SenderBalance:    debit.BalanceAfter,
		RecipientBalance: credit.BalanceAfter,
		Replayed:         true,
	}, nil
}

func ptr[T any](v T) *T { return &v }
