package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the public routes. Everything under /api/v1 requires a
// bearer token.
func NewRouter(h *Handler, auth *Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(auth.Middleware)

	route := func(method, path string, fn http.HandlerFunc) {
		v1.HandleFunc(path, instrument(method, path, fn)).Methods(method)
	}

	route("POST", "/transfers", h.CreateTransferHandler)
	route("GET", "/transfers/{id}", h.GetTransferHandler)
	route("POST", "/transfers/{id}/confirm", h.ConfirmTransferHandler)
	route("POST", "/transfers/{id}/cancel", h.CancelTransferHandler)

	route("POST", "/requests", h.CreateRequestHandler)
	route("GET", "/requests", h.ListRequestsHandler)
	route("GET", "/requests/{id}", h.GetRequestHandler)
	route("POST", "/requests/{id}/accept", h.AcceptRequestHandler)
	route("POST", "/requests/{id}/decline", h.DeclineRequestHandler)
	route("POST", "/requests/{id}/cancel", h.CancelRequestHandler)

	route("POST", "/deposits", h.DepositHandler)
	route("POST", "/withdrawals", h.WithdrawHandler)

	route("GET", "/wallet", h.GetWalletHandler)
	route("GET", "/wallet/balance", h.GetBalanceHandler)
	route("GET", "/wallet/transactions", h.ListTransactionsHandler)
	route("GET", "/wallet/entries", h.ListEntriesHandler)
	route("GET", "/wallet/verify", h.VerifyBalanceHandler)

	return r
}
