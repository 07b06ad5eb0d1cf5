package api

import (
	"errors"
	"net/http"

	"github.com/example/notification-dispatch/internal/gateway"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/queue"
)

type gatewayView struct {
	Settings gateway.Settings `json:"settings"`
	Active   string           `json:"active"`
	Ready    bool             `json:"ready"`
	Problem  string           `json:"problem,omitempty"`
}

func (h *Handler) viewGateway(r *http.Request, s gateway.Settings) gatewayView {
	view := gatewayView{Settings: s.Masked(), Active: s.Active}
	if _, err := h.Gateways.Check(r.Context()); err != nil {
		view.Problem = err.Error()
	} else {
		view.Ready = true
	}
	return view
}

func (h *Handler) getGateway(w http.ResponseWriter, r *http.Request) {
	s, err := h.Settings.Load(r.Context())
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.viewGateway(r, s))
}

// gatewayUpdate is a partial settings document plus the optional fields to
// empty, e.g. {"clear": ["smtp.username", "smtp.password"]}.
type gatewayUpdate struct {
	gateway.Settings
	Clear []string `json:"clear"`
}

// putGateway merges the update over the stored settings. Masked or empty
// secrets keep their stored value; fields named in clear are emptied.
func (h *Handler) putGateway(w http.ResponseWriter, r *http.Request) {
	var update gatewayUpdate
	if err := decode(r, &update); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	current, err := h.Settings.Load(r.Context())
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	merged, err := current.Merge(update.Settings).Clear(update.Clear...)
	if err != nil {
		h.respondErr(r.Context(), w, invalid(err))
		return
	}
	if err := merged.Validate(); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	if err := h.Settings.Save(r.Context(), merged); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	h.Logger.Info().Str("gateway", merged.Active).Msg("gateway settings updated")
	writeJSON(w, http.StatusOK, h.viewGateway(r, merged))
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	status := queue.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.respondErr(r.Context(), w, invalid(errors.New("unknown status "+string(status))))
		return
	}
	entries, err := h.Queue.List(r.Context(), queue.ListFilter{Status: status, Limit: limit})
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) processQueue(w http.ResponseWriter, r *http.Request) {
	report, err := h.Runner.ProcessDue(r.Context())
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	q := r.URL.Query()
	records, err := h.Audit.List(r.Context(), ledger.Query{
		FunctionSlug: q.Get("function"),
		Recipient:    q.Get("recipient"),
		Limit:        limit,
	})
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
