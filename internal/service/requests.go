package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/events"
)

// RequestTransactionID is the default transaction id used when accepting a
// request without an explicit idempotency key.
func RequestTransactionID(requestID uuid.UUID) string {
	return "request:" + requestID.String()
}

// CreateRequest records that requesterOwnerID asks fromOwnerID for amount.
// No funds move until the request is accepted.
func (s *Service) CreateRequest(ctx context.Context, requesterOwnerID, fromOwnerID string, amount int64, note *string) (*domain.MoneyRequest, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	requester, err := s.GetAccountByOwner(ctx, requesterOwnerID)
	if err != nil {
		return nil, err
	}
	payer, err := s.GetAccountByOwner(ctx, fromOwnerID)
	if err != nil {
		return nil, err
	}
	if requester.ID == payer.ID {
		return nil, domain.ErrSameAccount
	}

	now := s.now()
	r := &domain.MoneyRequest{
		ID:                     uuid.New(),
		RequesterAccountID:     requester.ID,
		RequestedFromAccountID: payer.ID,
		Amount:                 amount,
		Note:                   note,
		Status:                 domain.RequestPending,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	s.publish(ctx, events.RequestCreated, r)
	return r, nil
}

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// AcceptRequest pays a pending request through Send. The request becomes
// accepted, linked to the transaction, only when the transfer completed or is
// awaiting confirmation. A blocked or failed transfer leaves it pending and
// the transfer's error is returned. transactionID defaults to
// RequestTransactionID.
func (s *Service) AcceptRequest(ctx context.Context, id uuid.UUID, transactionID string) (*domain.MoneyRequest, *domain.Transaction, error) {
	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != domain.RequestPending {
		return r, nil, domain.ErrInvalidRequestState
	}
	payer, err := s.store.GetAccount(ctx, r.RequestedFromAccountID)
	if err != nil {
		return nil, nil, err
	}
	requester, err := s.store.GetAccount(ctx, r.RequesterAccountID)
	if err != nil {
		return nil, nil, err
	}
	if transactionID == "" {
		transactionID = RequestTransactionID(r.ID)
	} else if err := checkKey(transactionID); err != nil {
		return r, nil, err
	}
	description := "Payment request " + r.ID.String()
	if r.Note != nil && *r.Note != "" {
		description = *r.Note
	}

	tx, err := s.send(ctx, SendInput{
		TransactionID:    transactionID,
		SenderOwnerID:    payer.OwnerID,
		RecipientOwnerID: requester.OwnerID,
		Amount:           r.Amount,
		Description:      description,
	})
	if tx == nil || (tx.Status != domain.StatusCompleted && tx.Status != domain.StatusPendingConfirmation) {
		return r, tx, err
	}

	resolved, resolveErr := s.store.ResolveRequest(ctx, r.ID, domain.RequestAccepted, &tx.ID)
	if resolveErr != nil {
		if errors.Is(resolveErr, domain.ErrInvalidRequestState) && tx.Status == domain.StatusPendingConfirmation {
			// Declined or cancelled meanwhile; nothing has moved yet.
			if _, cancelErr := s.CancelTransfer(ctx, tx.ID); cancelErr != nil {
				s.logger.Warn("could not cancel orphaned request payment", "transaction_id", tx.ID, "err", cancelErr)
			}
		} else {
			s.logger.Error("request payment settled but request not accepted",
				"request_id", r.ID, "transaction_id", tx.ID, "err", resolveErr)
		}
		return nil, tx, resolveErr
	}
	s.publish(ctx, events.RequestAccepted, resolved)
	return resolved, tx, err
}

// DeclineRequest is the payer refusing a pending request.
func (s *Service) DeclineRequest(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error) {
	r, err := s.store.ResolveRequest(ctx, id, domain.RequestDeclined, nil)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.RequestDeclined, r)
	return r, nil
}

// CancelRequest is the requester withdrawing a pending request.
func (s *Service) CancelRequest(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error) {
	r, err := s.store.ResolveRequest(ctx, id, domain.RequestCancelled, nil)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.RequestCancelled, r)
	return r, nil
}

// ListRequests returns requests the account sent or received, newest first.
func (s *Service) ListRequests(ctx context.Context, accountID uuid.UUID) ([]domain.MoneyRequest, error) {
	return s.store.ListRequests(ctx, accountID)
}
