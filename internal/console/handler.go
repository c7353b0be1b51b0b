package console

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/decision"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/ledger"
	"github.com/opsgate/opsgate/internal/platform/httpx"
)

// Handler exposes the operator-facing admin endpoints: decision lookup
// and rollback. These routes are internal ops tooling, served next to
// health and metrics.
type Handler struct {
	gw     *gateway.Service
	store  decision.Store
	logger *slog.Logger
}

// NewHandler constructs the admin handler.
func NewHandler(gw *gateway.Service, store decision.Store, logger *slog.Logger) *Handler {
	return &Handler{gw: gw, store: store, logger: logger}
}

// MountRoutes attaches the admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/decisions/{id}", h.getDecision)
	r.Post("/decisions/{id}/rollback", h.rollback)
}

func (h *Handler) getDecision(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Decision ID", err.Error())
		return
	}
	rec, err := h.store.Get(r.Context(), id)
	if errors.Is(err, decision.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Decision Not Found", "")
		return
	}
	if err != nil {
		h.logger.Error("load decision", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

type rollbackRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Decision ID", err.Error())
		return
	}
	var req rollbackRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if req.ActorID == "" || req.Reason == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actor_id and reason are required")
		return
	}

	err = h.gw.Rollback(r.Context(), id, req.ActorID, req.Reason)
	var refused *ledger.RollbackError
	switch {
	case err == nil:
		rec, getErr := h.store.Get(r.Context(), id)
		if getErr != nil {
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
			return
		}
		httpx.JSON(w, http.StatusOK, rec)
	case errors.Is(err, ledger.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Decision Not Found", "")
	case errors.As(err, &refused):
		httpx.Problem(w, http.StatusConflict, "Rollback Refused", refused.Reason)
	default:
		h.logger.Error("rollback", slog.Any("error", err), slog.String("decision_id", id.String()))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
