package admin

import (
	"net/http"

	"github.com/unrolled/render"

	"xatm/txmanager"
)

type statusHandler struct {
	tm *txmanager.TXManager
	rd *render.Render
}

func newStatusHandler(tm *txmanager.TXManager, rd *render.Render) *statusHandler {
	return &statusHandler{
		tm: tm,
		rd: rd,
	}
}

// Get answers 503 once the coordinator halted on a log failure so that a
// health probe notices.
func (h *statusHandler) Get(w http.ResponseWriter, r *http.Request) {
	d := h.tm.Diagnostics()
	code := http.StatusOK
	if d.Halted != "" {
		code = http.StatusServiceUnavailable
	}
	h.rd.JSON(w, code, d)
}
