package admin

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/unrolled/render"

	"xatm/txmanager"
)

type recoveryHandler struct {
	tm *txmanager.TXManager
	rd *render.Render
}

func newRecoveryHandler(tm *txmanager.TXManager, rd *render.Render) *recoveryHandler {
	return &recoveryHandler{
		tm: tm,
		rd: rd,
	}
}

// RecoveryResult is the answer to a recovery request. A pass that could not
// reach every resource manager still reports what it did.
type RecoveryResult struct {
	Report *txmanager.RecoveryReport `json:"report,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

func (h *recoveryHandler) Last(w http.ResponseWriter, r *http.Request) {
	last := h.tm.Recovery().Last()
	if last == nil {
		h.rd.JSON(w, http.StatusNotFound, "no recovery pass yet")
		return
	}
	h.rd.JSON(w, http.StatusOK, last)
}

func (h *recoveryHandler) Recover(w http.ResponseWriter, r *http.Request) {
	report, err := h.tm.Recovery().Recover(r.Context())
	h.respond(w, report, err)
}

// Refresh re-runs recovery for one resource manager, typically after it
// came back.
func (h *recoveryHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.tm.Recovery().Refresh(r.Context(), mux.Vars(r)["factory"])
	h.respond(w, report, err)
}

func (h *recoveryHandler) respond(w http.ResponseWriter, report *txmanager.RecoveryReport, err error) {
	res := RecoveryResult{Report: report}
	code := http.StatusOK
	if err != nil {
		res.Error = err.Error()
		switch code = statusOf(err); {
		case report != nil:
			// partial pass: the in-doubt work is listed in the report
			code = http.StatusAccepted
		case code == http.StatusInternalServerError:
			code = http.StatusNotFound
		}
	}
	h.rd.JSON(w, code, res)
}
