package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/risk"
	"github.com/punchamoorthee/walletledger/internal/store"
)

// SendInput describes a peer transfer. TransactionID is the caller's
// idempotency key.
type SendInput struct {
	TransactionID    string
	SenderOwnerID    string
	RecipientOwnerID string
	Amount           int64
	Description      string
}

// Send moves funds between two wallets after risk screening.
//
// The returned transaction is non-nil whenever one was recorded. A blocked
// transfer comes back with a *domain.RiskBlockedError and a failed one with
// domain.ErrInsufficientFunds. Calling Send again with the same
// TransactionID and parameters returns the stored outcome.
func (s *Service) Send(ctx context.Context, in SendInput) (*domain.Transaction, error) {
	if err := checkKey(in.TransactionID); err != nil {
		return nil, err
	}
	return s.send(ctx, in)
}

// send runs a transfer under an id the caller has already vetted.
func (s *Service) send(ctx context.Context, in SendInput) (*domain.Transaction, error) {
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	sender, err := s.GetAccountByOwner(ctx, in.SenderOwnerID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.GetAccountByOwner(ctx, in.RecipientOwnerID)
	if err != nil {
		return nil, err
	}
	if sender.ID == recipient.ID {
		return nil, domain.ErrSameAccount
	}

	tx, created, err := s.store.CreateTransaction(ctx, &domain.Transaction{
		ID:                 in.TransactionID,
		Type:               domain.TransactionSend,
		Amount:             in.Amount,
		SenderAccountID:    &sender.ID,
		RecipientAccountID: &recipient.ID,
		Status:             domain.StatusCreated,
		Description:        in.Description,
		RequestHash: requestHash(string(domain.TransactionSend), sender.ID.String(), recipient.ID.String(),
			strconv.FormatInt(in.Amount, 10), in.Description),
	})
	if err != nil {
		return nil, err
	}
	if !created && tx.Status != domain.StatusCreated {
		s.logger.Debug("send replayed", "transaction_id", tx.ID, "status", tx.Status)
		return tx, outcome(tx)
	}
	return s.screen(ctx, tx, sender, recipient)
}

// screen evaluates a created transfer and routes it to the ledger, to
// confirmation, or to blocked.
func (s *Service) screen(ctx context.Context, tx *domain.Transaction, sender, recipient *domain.Account) (*domain.Transaction, error) {
	seen, err := s.store.HasCompletedTransfer(ctx, sender.ID, recipient.ID)
	if err != nil {
		return s.abort(ctx, tx.ID, fmt.Errorf("transfer history: %w", err))
	}
	settings, err := s.risk.Current(ctx)
	if err != nil {
		return s.abort(ctx, tx.ID, err)
	}

	res := risk.Evaluate(settings, risk.Input{
		SenderAccountID:            sender.ID,
		RecipientAccountID:         recipient.ID,
		Amount:                     tx.Amount,
		IsFirstTransferToRecipient: !seen,
		RecipientAccountAge:        s.now().Sub(recipient.CreatedAt),
	})
	riskDecisions.WithLabelValues(string(res.Decision)).Inc()

	if res.Decision == risk.Allow {
		return s.commitTransfer(ctx, tx)
	}

	reason := res.Reason
	updated, err := s.store.UpdateTransactionStatus(ctx, tx.ID, store.StatusUpdate{
		Status:     res.Decision.Status(),
		IsRisky:    true,
		RiskReason: &reason,
	})
	if errors.Is(err, domain.ErrInvalidStateTransition) {
		// A concurrent call with the same key already routed it.
		return s.current(ctx, tx.ID)
	}
	if err != nil {
		return s.abort(ctx, tx.ID, err)
	}
	s.logger.Info("transfer flagged",
		"transaction_id", tx.ID, "decision", res.Decision, "reason", reason, "amount", tx.Amount)
	s.publishTransaction(ctx, updated)
	return updated, outcome(updated)
}

// commitTransfer hands a created or confirmed transfer to the ledger.
func (s *Service) commitTransfer(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	timer := prometheus.NewTimer(postingLatency.WithLabelValues("transfer"))
	_, err := s.store.AppendTransfer(ctx, domain.Posting{
		TransactionID: tx.ID,
		From:          *tx.SenderAccountID,
		To:            *tx.RecipientAccountID,
		Amount:        tx.Amount,
		Description:   tx.Description,
	})
	timer.ObserveDuration()

	switch {
	case err == nil, errors.Is(err, domain.ErrInsufficientFunds):
		final, getErr := s.store.GetTransaction(ctx, tx.ID)
		if getErr != nil {
			return nil, getErr
		}
		s.publishTransaction(ctx, final)
		return final, outcome(final)
	case errors.Is(err, domain.ErrIdempotencyConflict), errors.Is(err, domain.ErrInvalidStateTransition):
		return nil, err
	default:
		return s.abort(ctx, tx.ID, err)
	}
}

// abort records a transaction that could not reach the ledger as failed and
// returns the original error. A transaction found completed is a success.
func (s *Service) abort(ctx context.Context, id string, cause error) (*domain.Transaction, error) {
	s.logger.Error("transaction aborted", "transaction_id", id, "err", cause)
	tx := s.fail(context.WithoutCancel(ctx), id, ReasonInternalError)
	if tx != nil && tx.Status == domain.StatusCompleted {
		return tx, nil
	}
	return tx, cause
}

func (s *Service) current(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx, outcome(tx)
}

// ConfirmTransfer completes a transfer held for review. Confirming an already
// completed transfer returns it unchanged.
func (s *Service) ConfirmTransfer(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case domain.StatusCompleted:
		return tx, nil
	case domain.StatusPendingConfirmation:
		return s.commitTransfer(ctx, tx)
	default:
		return nil, domain.ErrInvalidStateTransition
	}
}

// CancelTransfer abandons a transfer held for review. No entries are written.
func (s *Service) CancelTransfer(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := s.store.UpdateTransactionStatus(ctx, id, store.StatusUpdate{Status: domain.StatusCancelled})
	if err != nil {
		return nil, err
	}
	s.publishTransaction(ctx, tx)
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions returns the account's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if _, err := userAccount(s.store.GetAccount(ctx, accountID)); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, accountID, limit)
}

// Involves reports whether the account is a party to the transaction.
func Involves(tx *domain.Transaction, accountID uuid.UUID) bool {
	return (tx.SenderAccountID != nil && *tx.SenderAccountID == accountID) ||
		(tx.RecipientAccountID != nil && *tx.RecipientAccountID == accountID)
}

