package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/walletledger/internal/bank"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/shopspring/decimal"
)

type DepositInput struct {
	TransactionID string
	AccountID     uuid.UUID
	Amount        int64
	BankRef       string
}

// Deposit pulls funds from the owner's bank and credits the wallet. The
// external bank counter-account takes the debit leg.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (*domain.Transaction, error) {
	if err := checkKey(in.TransactionID); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if _, err := userAccount(s.store.GetAccount(ctx, in.AccountID)); err != nil {
		return nil, err
	}

	tx, created, err := s.store.CreateTransaction(ctx, &domain.Transaction{
		ID:                 in.TransactionID,
		Type:               domain.TransactionDeposit,
		Amount:             in.Amount,
		RecipientAccountID: &in.AccountID,
		Status:             domain.StatusCreated,
		Description:        "Deposit from bank",
		BankRef:            &in.BankRef,
		RequestHash: requestHash(string(domain.TransactionDeposit), in.AccountID.String(),
			strconv.FormatInt(in.Amount, 10), in.BankRef),
	})
	if err != nil {
		return nil, err
	}
	if !created && tx.Status != domain.StatusCreated {
		return tx, outcome(tx)
	}

	if _, err := s.bank.Pull(ctx, in.BankRef, in.Amount); err != nil {
		s.logger.Warn("bank pull rejected", "transaction_id", tx.ID, "err", err)
		failed := s.fail(context.WithoutCancel(ctx), tx.ID, ReasonBankRejected)
		return failed, fmt.Errorf("%w: %w", domain.ErrBankRejected, err)
	}

	timer := prometheus.NewTimer(postingLatency.WithLabelValues("credit"))
	_, err = s.store.AppendCredit(ctx, domain.Posting{
		TransactionID: tx.ID,
		To:            in.AccountID,
		Amount:        in.Amount,
		Description:   tx.Description,
	})
	timer.ObserveDuration()
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) || errors.Is(err, domain.ErrInvalidStateTransition) {
			return nil, err
		}
		return s.abort(ctx, tx.ID, err)
	}
	return s.finalize(ctx, tx.ID)
}

func (s *Service) finalize(ctx context.Context, id string) (*domain.Transaction, error) {
	final, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishTransaction(ctx, final)
	return final, outcome(final)
}

type WithdrawInput struct {
	TransactionID string
	AccountID     uuid.UUID
	Amount        int64
	Speed         domain.WithdrawalSpeed
	BankRef       string
}

type WithdrawResult struct {
	Transaction      *domain.Transaction `json:"transaction"`
	Fee              int64               `json:"fee"`
	TotalDebited     int64               `json:"total_debited"`
	EstimatedArrival time.Time           `json:"estimated_arrival"`
}

// Fee returns the withdrawal fee in minor units. Instant payouts pay
// InstantFeeRate of the amount rounded half away from zero; standard ones
// are free.
func (s *Service) Fee(amount int64, speed domain.WithdrawalSpeed) int64 {
	if speed != domain.SpeedInstant {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(s.instantFeeRate).Round(0).IntPart()
}

// Withdraw debits amount plus fee from the wallet and pays amount out to the
// owner's bank. A payout the bank rejects after the debit is reversed with a
// compensating credit, and replays of that withdrawal keep reporting
// domain.ErrBankRejected.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (*WithdrawResult, error) {
	if err := checkKey(in.TransactionID); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !in.Speed.Valid() {
		return nil, domain.ErrInvalidSpeed
	}
	if _, err := userAccount(s.store.GetAccount(ctx, in.AccountID)); err != nil {
		return nil, err
	}

	fee := s.Fee(in.Amount, in.Speed)
	total := in.Amount + fee
	arrival := s.now()
	if in.Speed == domain.SpeedStandard {
		_, arrival = bank.ArrivalWindow(arrival)
	}
	speed := in.Speed

	tx, created, err := s.store.CreateTransaction(ctx, &domain.Transaction{
		ID:               in.TransactionID,
		Type:             domain.TransactionWithdrawal,
		Amount:           in.Amount,
		Fee:              fee,
		SenderAccountID:  &in.AccountID,
		Status:           domain.StatusCreated,
		Description:      fmt.Sprintf("Withdrawal to bank (%s)", in.Speed),
		BankRef:          &in.BankRef,
		Speed:            &speed,
		EstimatedArrival: &arrival,
		RequestHash: requestHash(string(domain.TransactionWithdrawal), in.AccountID.String(),
			strconv.FormatInt(in.Amount, 10), string(in.Speed), in.BankRef),
	})
	if err != nil {
		return nil, err
	}
	result := func(t *domain.Transaction) *WithdrawResult {
		r := &WithdrawResult{Transaction: t, Fee: t.Fee, TotalDebited: t.Amount + t.Fee}
		if t.EstimatedArrival != nil {
			r.EstimatedArrival = *t.EstimatedArrival
		}
		return r
	}
	if !created && tx.Status != domain.StatusCreated {
		if tx.Status == domain.StatusCompleted {
			if err := s.replayReversal(ctx, tx); err != nil {
				return result(tx), err
			}
		}
		return result(tx), outcome(tx)
	}

	timer := prometheus.NewTimer(postingLatency.WithLabelValues("debit"))
	_, err = s.store.AppendDebit(ctx, domain.Posting{
		TransactionID: tx.ID,
		From:          in.AccountID,
		Amount:        total,
		Description:   tx.Description,
	})
	timer.ObserveDuration()
	switch {
	case err == nil, errors.Is(err, domain.ErrInsufficientFunds):
	case errors.Is(err, domain.ErrIdempotencyConflict), errors.Is(err, domain.ErrInvalidStateTransition):
		return nil, err
	default:
		failed, abortErr := s.abort(ctx, tx.ID, err)
		if failed == nil {
			return nil, abortErr
		}
		return result(failed), abortErr
	}

	final, err := s.finalize(ctx, tx.ID)
	if final == nil {
		return nil, err
	}
	if err != nil {
		return result(final), err
	}

	if _, pushErr := s.bank.Push(ctx, in.BankRef, in.Amount, in.Speed == domain.SpeedInstant); pushErr != nil {
		s.logger.Error("bank payout rejected after debit; reversing",
			"transaction_id", tx.ID, "err", pushErr)
		if revErr := s.reverse(context.WithoutCancel(ctx), final, total); revErr != nil {
			s.logger.Error("withdrawal reversal failed", "transaction_id", tx.ID, "err", revErr)
		}
		return result(final), fmt.Errorf("%w: %w", domain.ErrBankRejected, pushErr)
	}
	return result(final), nil
}

// ReversalTransactionID is the id of the credit that returns a withdrawal
// whose payout the bank rejected. Client keys cannot collide with it.
func ReversalTransactionID(withdrawalID string) string {
	return withdrawalID + keySeparator + "reversal"
}

// replayReversal reports a replayed withdrawal whose payout was rejected,
// finishing the compensating credit if an earlier attempt stopped short.
func (s *Service) replayReversal(ctx context.Context, w *domain.Transaction) error {
	rev, err := s.store.GetTransaction(ctx, ReversalTransactionID(w.ID))
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rev.Status != domain.StatusCompleted {
		if err := s.reverse(context.WithoutCancel(ctx), w, rev.Amount); err != nil {
			s.logger.Error("withdrawal reversal failed", "transaction_id", w.ID, "err", err)
			return err
		}
	}
	return fmt.Errorf("%w: payout reversed by %s", domain.ErrBankRejected, rev.ID)
}

// reverse credits back a completed withdrawal whose payout failed.
func (s *Service) reverse(ctx context.Context, w *domain.Transaction, total int64) error {
	id := ReversalTransactionID(w.ID)
	tx, created, err := s.store.CreateTransaction(ctx, &domain.Transaction{
		ID:                 id,
		Type:               domain.TransactionDeposit,
		Amount:             total,
		RecipientAccountID: w.SenderAccountID,
		Status:             domain.StatusCreated,
		Description:        "Reversal of withdrawal " + w.ID,
		BankRef:            w.BankRef,
		RequestHash:        requestHash("reversal", w.ID, strconv.FormatInt(total, 10)),
	})
	if err != nil {
		return err
	}
	if !created && tx.Status != domain.StatusCreated {
		return nil
	}
	if _, err := s.store.AppendCredit(ctx, domain.Posting{
		TransactionID: id,
		To:            *w.SenderAccountID,
		Amount:        total,
		Description:   tx.Description,
	}); err != nil {
		return err
	}
	_, err = s.finalize(ctx, id)
	return err
}
