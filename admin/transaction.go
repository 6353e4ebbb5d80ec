package admin

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/unrolled/render"

	"xatm/txmanager"
	"xatm/xid"
)

type transactionHandler struct {
	tm *txmanager.TXManager
	rd *render.Render
}

func newTransactionHandler(tm *txmanager.TXManager, rd *render.Render) *transactionHandler {
	return &transactionHandler{
		tm: tm,
		rd: rd,
	}
}

// List returns the transaction table, optionally only ?status=<name>.
func (h *transactionHandler) List(w http.ResponseWriter, r *http.Request) {
	want := r.URL.Query().Get("status")
	out := []txmanager.TransactionRecord{}
	for _, rec := range h.tm.Transactions() {
		if want == "" || rec.Status.String() == want {
			out = append(out, rec)
		}
	}
	h.rd.JSON(w, http.StatusOK, out)
}

func (h *transactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	gtrid, ok := h.xid(w, r)
	if !ok {
		return
	}
	rec, err := h.tm.Snapshot(gtrid)
	if err != nil {
		h.rd.JSON(w, statusOf(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, rec)
}

// Forget acknowledges a heuristic outcome after manual reconciliation.
func (h *transactionHandler) Forget(w http.ResponseWriter, r *http.Request) {
	gtrid, ok := h.xid(w, r)
	if !ok {
		return
	}
	if err := h.tm.Forget(r.Context(), gtrid); err != nil {
		h.rd.JSON(w, statusOf(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *transactionHandler) xid(w http.ResponseWriter, r *http.Request) (xid.Xid, bool) {
	x, err := xid.Parse(mux.Vars(r)["xid"])
	if err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return xid.Xid{}, false
	}
	return x.Global(), true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, txmanager.ErrUnknownTransaction):
		return http.StatusNotFound
	case errors.Is(err, txmanager.ErrInvalidTransition), errors.Is(err, txmanager.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, txmanager.ErrHalted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
