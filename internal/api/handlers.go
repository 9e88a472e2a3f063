package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/models"
	"github.com/punchamoorthee/walletledger/internal/service"
)

// Money requests

func (h *Handler) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MoneyRequestCreate
	if !decode(w, r, &req) {
		return
	}
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	mr, err := h.svc.CreateRequest(r.Context(), caller.OwnerID, req.From, req.Amount, req.Note)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	w.Header().Set("Location", "/api/v1/requests/"+mr.ID.String())
	respondWithJSON(w, http.StatusCreated, mr)
}

// partyRequest loads a request the caller is party to and reports whether
// the caller is the payer.
func (h *Handler) partyRequest(w http.ResponseWriter, r *http.Request) (*domain.MoneyRequest, bool, bool) {
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return nil, false, false
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, domain.ErrRequestNotFound, nil)
		return nil, false, false
	}
	mr, err := h.svc.GetRequest(r.Context(), id)
	if err == nil && mr.RequesterAccountID != caller.ID && mr.RequestedFromAccountID != caller.ID {
		err = domain.ErrRequestNotFound
	}
	if err != nil {
		h.writeError(w, err, nil)
		return nil, false, false
	}
	return mr, mr.RequestedFromAccountID == caller.ID, true
}

// AcceptRequestHandler pays a request. An Idempotency-Key header is optional
// and names the resulting transaction.
func (h *Handler) AcceptRequestHandler(w http.ResponseWriter, r *http.Request) {
	mr, isPayer, ok := h.partyRequest(w, r)
	if !ok {
		return
	}
	if !isPayer {
		h.writeError(w, domain.ErrForbidden, nil)
		return
	}
	accepted, tx, err := h.svc.AcceptRequest(r.Context(), mr.ID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeError(w, err, tx)
		return
	}
	respondWithJSON(w, transactionStatusCode(tx), models.AcceptResponse{Request: accepted, Transaction: tx})
}

func (h *Handler) DeclineRequestHandler(w http.ResponseWriter, r *http.Request) {
	mr, isPayer, ok := h.partyRequest(w, r)
	if !ok {
		return
	}
	if !isPayer {
		h.writeError(w, domain.ErrForbidden, nil)
		return
	}
	declined, err := h.svc.DeclineRequest(r.Context(), mr.ID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, declined)
}

func (h *Handler) CancelRequestHandler(w http.ResponseWriter, r *http.Request) {
	mr, isPayer, ok := h.partyRequest(w, r)
	if !ok {
		return
	}
	if isPayer {
		h.writeError(w, domain.ErrForbidden, nil)
		return
	}
	cancelled, err := h.svc.CancelRequest(r.Context(), mr.ID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, cancelled)
}

func (h *Handler) GetRequestHandler(w http.ResponseWriter, r *http.Request) {
	mr, _, ok := h.partyRequest(w, r)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, mr)
}

func (h *Handler) ListRequestsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListRequests(r.Context(), caller.ID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	if list == nil {
		list = []domain.MoneyRequest{}
	}
	respondWithJSON(w, http.StatusOK, list)
}

// Banking

func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}
	var req models.DepositRequest
	if !decode(w, r, &req) {
		return
	}
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	tx, err := h.svc.Deposit(r.Context(), service.DepositInput{
		TransactionID: key,
		AccountID:     caller.ID,
		Amount:        req.Amount,
		BankRef:       req.BankRef,
	})
	if err != nil {
		h.writeError(w, err, tx)
		return
	}
	w.Header().Set("Location", "/api/v1/transfers/"+tx.ID)
	respondWithJSON(w, http.StatusCreated, tx)
}

func (h *Handler) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}
	var req models.WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Speed == "" {
		req.Speed = domain.SpeedStandard
	}
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Withdraw(r.Context(), service.WithdrawInput{
		TransactionID: key,
		AccountID:     caller.ID,
		Amount:        req.Amount,
		Speed:         req.Speed,
		BankRef:       req.BankRef,
	})
	if err != nil {
		var tx *domain.Transaction
		if res != nil {
			tx = res.Transaction
		}
		h.writeError(w, err, tx)
		return
	}
	w.Header().Set("Location", "/api/v1/transfers/"+res.Transaction.ID)
	respondWithJSON(w, http.StatusCreated, res)
}
