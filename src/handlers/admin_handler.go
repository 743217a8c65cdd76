package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/username/cashledger/src/logger"
	"github.com/username/cashledger/src/services"
	"github.com/username/cashledger/src/storage"
	"github.com/username/cashledger/src/utils"
)

type AdminHandler struct {
	ledgerService services.LedgerService
	adminKeyHash  string
}

func NewAdminHandler(ledgerService services.LedgerService, adminKeyHash string) *AdminHandler {
	return &AdminHandler{
		ledgerService: ledgerService,
		adminKeyHash:  adminKeyHash,
	}
}

// HandleRecompute rebuilds materialized balances from the entries. Scope
// "all" (or empty) rebuilds every scope.
func (h *AdminHandler) HandleRecompute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	scope := req.Scope
	if scope == "all" {
		scope = ""
	}

	if err := h.ledgerService.Recompute(r.Context(), scope); err != nil {
		logger.L.Error("Recompute failed", "scope", req.Scope, "error", err)
		utils.SendJSONError(w, "recompute failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recomputed", "scope": req.Scope})
}

func (h *AdminHandler) HandleReverse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope   string `json:"scope"`
		EntryID int64  `json:"entry_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Scope == "" || req.EntryID <= 0 {
		utils.SendJSONError(w, "scope and entry_id are required", http.StatusBadRequest)
		return
	}

	entry, err := h.ledgerService.ReverseEntry(r.Context(), req.Scope, req.EntryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			utils.SendJSONError(w, "entry not found", http.StatusNotFound)
			return
		}
		logger.L.Error("Reverse entry failed", "scope", req.Scope, "entryID", req.EntryID, "error", err)
		utils.SendJSONError(w, "reverse failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reversed",
		"entry":  entry,
	})
}

// HandleClear wipes every entry and balance. The scope registry survives.
// Requires an explicit confirm flag.
func (h *AdminHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Confirm {
		utils.SendJSONError(w, "clear requires \"confirm\": true", http.StatusBadRequest)
		return
	}

	if err := h.ledgerService.ClearAll(r.Context()); err != nil {
		logger.L.Error("Clear all failed", "error", err)
		utils.SendJSONError(w, "clear failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
