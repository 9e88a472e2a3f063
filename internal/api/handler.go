package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/models"
	"github.com/punchamoorthee/walletledger/internal/service"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	svc    *service.Service
	logger *slog.Logger
}

func NewHandler(svc *service.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With("component", "api")}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records count and latency under the route template.
func instrument(method, endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
		defer timer.ObserveDuration()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// callerAccount resolves the authenticated owner's wallet, opening it on
// first use.
func (h *Handler) callerAccount(w http.ResponseWriter, r *http.Request) (*domain.Account, bool) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, errUnauthorized.Error())
		return nil, false
	}
	acc, err := h.svc.GetOrCreateAccount(r.Context(), owner)
	if err != nil {
		h.writeError(w, err, nil)
		return nil, false
	}
	return acc, true
}

func idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return "", false
	}
	if len(key) > 255 {
		respondWithError(w, http.StatusBadRequest, "Idempotency-Key too long")
		return "", false
	}
	return key, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

// CreateTransferHandler sends money from the caller to another wallet.
// 201 when completed, 202 when awaiting the sender's confirmation.
func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}
	var req models.TransferRequest
	if !decode(w, r, &req) {
		return
	}
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}

	tx, err := h.svc.Send(r.Context(), service.SendInput{
		TransactionID:    key,
		SenderOwnerID:    caller.OwnerID,
		RecipientOwnerID: req.To,
		Amount:           req.Amount,
		Description:      req.Description,
	})
	if err != nil {
		h.writeError(w, err, tx)
		return
	}
	w.Header().Set("Location", "/api/v1/transfers/"+tx.ID)
	respondWithJSON(w, transactionStatusCode(tx), tx)
}

func transactionStatusCode(tx *domain.Transaction) int {
	if tx.Status == domain.StatusPendingConfirmation {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

// senderTransaction loads a transaction the caller sent.
func (h *Handler) senderTransaction(w http.ResponseWriter, r *http.Request) (*domain.Transaction, bool) {
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return nil, false
	}
	tx, err := h.svc.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, nil)
		return nil, false
	}
	if !service.Involves(tx, caller.ID) {
		h.writeError(w, domain.ErrTransactionNotFound, nil)
		return nil, false
	}
	if tx.SenderAccountID == nil || *tx.SenderAccountID != caller.ID {
		h.writeError(w, domain.ErrForbidden, nil)
		return nil, false
	}
	return tx, true
}

func (h *Handler) ConfirmTransferHandler(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.senderTransaction(w, r)
	if !ok {
		return
	}
	confirmed, err := h.svc.ConfirmTransfer(r.Context(), tx.ID)
	if err != nil {
		h.writeError(w, err, confirmed)
		return
	}
	respondWithJSON(w, http.StatusOK, confirmed)
}

func (h *Handler) CancelTransferHandler(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.senderTransaction(w, r)
	if !ok {
		return
	}
	cancelled, err := h.svc.CancelTransfer(r.Context(), tx.ID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, cancelled)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	tx, err := h.svc.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err == nil && !service.Involves(tx, caller.ID) {
		err = domain.ErrTransactionNotFound
	}
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, caller)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	bal, err := h.svc.GetBalance(r.Context(), caller.ID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, bal)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	txs, err := h.svc.ListTransactions(r.Context(), caller.ID, limit)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	respondWithJSON(w, http.StatusOK, txs)
}

func (h *Handler) ListEntriesHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.ListEntries(r.Context(), caller.ID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) VerifyBalanceHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	cached, ledger, consistent, err := h.svc.VerifyBalance(r.Context(), caller.ID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, models.VerifyResponse{
		AccountID:     caller.ID,
		CachedBalance: cached,
		LedgerBalance: ledger,
		Consistent:    consistent,
		CheckedAt:     time.Now().UTC(),
	})
}

// writeError maps service errors onto status codes. tx, when present, is
// echoed so clients can see the recorded outcome.
func (h *Handler) writeError(w http.ResponseWriter, err error, tx *domain.Transaction) {
	body := models.ErrorResponse{Error: err.Error(), Transaction: tx}
	var blocked *domain.RiskBlockedError
	code := http.StatusInternalServerError

	switch {
	case errors.As(err, &blocked):
		code = http.StatusForbidden
		body.Reason = blocked.Reason
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSameAccount),
		errors.Is(err, domain.ErrInvalidSpeed),
		errors.Is(err, domain.ErrInsufficientFunds):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrMissingKey), errors.Is(err, domain.ErrInvalidKey):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrRequestNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrIdempotencyConflict),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrInvalidRequestState),
		errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrBankRejected):
		code = http.StatusBadGateway
	}

	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
		body.Error = "Internal Server Error"
	}
	respondWithJSON(w, code, body)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
