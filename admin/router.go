// Package admin is the operational HTTP surface of the coordinator: status,
// the transaction table, recovery control and forgetting heuristic
// outcomes. It is meant for operators on a trusted network.
package admin

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"

	"xatm/txmanager"
)

const apiPrefix = "/api/v1"

// NewHandler routes the admin API for tm. A nil gatherer leaves /metrics
// out.
func NewHandler(tm *txmanager.TXManager, gatherer prometheus.Gatherer) http.Handler {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter()
	api := router.PathPrefix(apiPrefix).Subrouter()

	statusHandler := newStatusHandler(tm, rd)
	api.HandleFunc("/status", statusHandler.Get).Methods("GET")

	txHandler := newTransactionHandler(tm, rd)
	api.HandleFunc("/transactions", txHandler.List).Methods("GET")
	api.HandleFunc("/transactions/{xid}", txHandler.Get).Methods("GET")
	api.HandleFunc("/transactions/{xid}/forget", txHandler.Forget).Methods("POST")

	recoveryHandler := newRecoveryHandler(tm, rd)
	api.HandleFunc("/recovery", recoveryHandler.Last).Methods("GET")
	api.HandleFunc("/recovery", recoveryHandler.Recover).Methods("POST")
	api.HandleFunc("/recovery/refresh/{factory}", recoveryHandler.Refresh).Methods("POST")

	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return router
}
