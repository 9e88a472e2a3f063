// Package service implements the wallet operations on top of the ledger
// store: peer transfers with risk screening, money requests, and bank
// deposits and withdrawals.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/walletledger/internal/bank"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/events"
	"github.com/punchamoorthee/walletledger/internal/risk"
	"github.com/punchamoorthee/walletledger/internal/store"
	"github.com/shopspring/decimal"
)

// Metrics
var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_transactions_total",
		Help: "Transactions by type and resulting status",
	}, []string{"type", "status"})

	riskDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_risk_decisions_total",
		Help: "Risk evaluator outcomes",
	}, []string{"decision"})

	postingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_ledger_posting_duration_seconds",
		Help:    "Ledger posting latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kind"})

	expiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_expired_total",
		Help: "Pending items cancelled by the expiry sweep",
	}, []string{"kind"})
)

// Failure reasons written by the service. The ledger writes
// store.ReasonInsufficientFunds itself.
const (
	ReasonInternalError = "internal_error"
	ReasonBankRejected  = "bank_rejected"
	ReasonExpired       = "confirmation_expired"
)

type Options struct {
	// InstantFeeRate is applied to instant withdrawals, e.g. 0.015.
	InstantFeeRate decimal.Decimal
	Logger         *slog.Logger
	Now            func() time.Time
}

type Service struct {
	store  store.Store
	risk   risk.Source
	bank   bank.Network
	events events.Publisher
	logger *slog.Logger

	instantFeeRate decimal.Decimal
	now            func() time.Time
}

func New(st store.Store, rs risk.Source, net bank.Network, pub events.Publisher, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if pub == nil {
		pub = events.Nop{Logger: opts.Logger}
	}
	if net == nil {
		net = bank.Simulated{Now: opts.Now}
	}
	return &Service{
		store:          st,
		risk:           rs,
		bank:           net,
		events:         pub,
		logger:         opts.Logger.With("component", "service"),
		instantFeeRate: opts.InstantFeeRate,
		now:            opts.Now,
	}
}

// keySeparator joins the parts of ids the service derives itself, such as
// request payments and withdrawal reversals. Client keys may not contain it.
const keySeparator = ":"

func checkKey(key string) error {
	switch {
	case key == "":
		return domain.ErrMissingKey
	case strings.Contains(key, keySeparator):
		return domain.ErrInvalidKey
	}
	return nil
}

// userAccount hides system counter-accounts from wallet operations.
func userAccount(acc *domain.Account, err error) (*domain.Account, error) {
	if err != nil {
		return nil, err
	}
	if acc.Kind != domain.AccountKindUser {
		return nil, domain.ErrAccountNotFound
	}
	return acc, nil
}

// requestHash fingerprints the parameters bound to an idempotency key.
func requestHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// publish emits an event for a committed change. Failures are logged only.
func (s *Service) publish(ctx context.Context, key string, payload any) {
	if err := s.events.Publish(ctx, key, payload); err != nil {
		s.logger.Warn("event publish failed", "routing_key", key, "err", err)
	}
}

func (s *Service) publishTransaction(ctx context.Context, tx *domain.Transaction) {
	var key string
	switch tx.Status {
	case domain.StatusCompleted:
		key = events.TransactionCompleted
	case domain.StatusPendingConfirmation:
		key = events.TransactionPendingConfirmation
	case domain.StatusBlocked:
		key = events.TransactionBlocked
	case domain.StatusFailed:
		key = events.TransactionFailed
	case domain.StatusCancelled:
		key = events.TransactionCancelled
	default:
		return
	}
	transactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	s.publish(ctx, key, tx)
}

// outcome maps a finalized transaction to the error its caller expects.
func outcome(tx *domain.Transaction) error {
	switch tx.Status {
	case domain.StatusBlocked:
		reason := ""
		if tx.RiskReason != nil {
			reason = *tx.RiskReason
		}
		return &domain.RiskBlockedError{Reason: reason}
	case domain.StatusFailed:
		if tx.FailureReason != nil {
			switch *tx.FailureReason {
			case store.ReasonInsufficientFunds:
				return domain.ErrInsufficientFunds
			case ReasonBankRejected:
				return domain.ErrBankRejected
			}
		}
		return fmt.Errorf("transaction %s failed", tx.ID)
	}
	return nil
}

// fail moves a transaction that never reached the ledger to failed. If the
// ledger completed it concurrently the completed row is returned instead.
func (s *Service) fail(ctx context.Context, id, reason string) *domain.Transaction {
	tx, err := s.store.UpdateTransactionStatus(ctx, id, store.StatusUpdate{
		Status:        domain.StatusFailed,
		FailureReason: &reason,
	})
	if err == nil {
		s.publishTransaction(ctx, tx)
		return tx
	}
	current, getErr := s.store.GetTransaction(ctx, id)
	if getErr != nil {
		s.logger.Error("could not mark transaction failed",
			"transaction_id", id, "update_err", err, "err", getErr)
		return nil
	}
	return current
}

// GetOrCreateAccount returns the owner's wallet, opening it on first use.
func (s *Service) GetOrCreateAccount(ctx context.Context, ownerID string) (*domain.Account, error) {
	if strings.TrimSpace(ownerID) == "" || strings.HasPrefix(ownerID, systemOwnerPrefix) {
		return nil, domain.ErrAccountNotFound
	}
	return userAccount(s.store.GetOrCreateAccount(ctx, ownerID))
}

// systemOwnerPrefix is reserved for counter-accounts such as
// domain.ExternalBankOwner.
const systemOwnerPrefix = "system:"

func (s *Service) GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	return userAccount(s.store.GetAccountByOwner(ctx, ownerID))
}

// GetBalance reports the ledger balance as available and the sum of
// outgoing transfers awaiting confirmation as pending.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID) (*domain.Balance, error) {
	acc, err := userAccount(s.store.GetAccount(ctx, accountID))
	if err != nil {
		return nil, err
	}
	available, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.PendingOutgoingTotal(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &domain.Balance{
		AccountID: accountID,
		Currency:  acc.Currency,
		Available: available,
		Pending:   pending,
	}, nil
}

func (s *Service) ListEntries(ctx context.Context, accountID uuid.UUID) ([]domain.LedgerEntry, error) {
	return s.store.ListEntries(ctx, accountID)
}

// VerifyBalance recomputes the balance from entries and compares it with the
// cached value.
func (s *Service) VerifyBalance(ctx context.Context, accountID uuid.UUID) (cached, ledger int64, ok bool, err error) {
	cached, ledger, err = s.store.VerifyBalance(ctx, accountID)
	if err != nil {
		return 0, 0, false, err
	}
	if cached != ledger {
		s.logger.Error("balance drift detected", "account_id", accountID, "cached", cached, "ledger", ledger)
	}
	return cached, ledger, cached == ledger, nil
}
