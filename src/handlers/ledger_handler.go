package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/username/cashledger/src/logger"
	"github.com/username/cashledger/src/models"
	"github.com/username/cashledger/src/parsers"
	"github.com/username/cashledger/src/processors"
	"github.com/username/cashledger/src/security"
	"github.com/username/cashledger/src/services"
	"github.com/username/cashledger/src/storage"
	"github.com/username/cashledger/src/utils"
)

type contextKey string

const (
	actorIDContextKey    contextKey = "actorID"
	privilegedContextKey contextKey = "privileged"
)

// GetActorFromContext returns the authenticated actor id and privilege flag
// placed there by AuthMiddleware.
func GetActorFromContext(ctx context.Context) (string, bool, bool) {
	actorID, ok := ctx.Value(actorIDContextKey).(string)
	if !ok {
		return "", false, false
	}
	privileged, _ := ctx.Value(privilegedContextKey).(bool)
	return actorID, privileged, true
}

type LedgerHandler struct {
	ledgerService services.LedgerService
	authService   *security.AuthService
}

func NewLedgerHandler(ledgerService services.LedgerService, authService *security.AuthService) *LedgerHandler {
	return &LedgerHandler{
		ledgerService: ledgerService,
		authService:   authService,
	}
}

// HandleSubmitMessage accepts one raw chat message. The privilege of the
// enclosed sender is the AND of the token's priv claim and the dispatcher's
// per-message flag: an unprivileged token can never elevate a sender.
func (h *LedgerHandler) HandleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	actorID, tokenPrivileged, ok := GetActorFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	msg.Privileged = msg.Privileged && tokenPrivileged
	if msg.ActorID == "" {
		msg.ActorID = actorID
	}

	receipt, err := h.ledgerService.SubmitMessage(r.Context(), msg)
	if err != nil {
		h.writeServiceError(w, err, "submit message", actorID)
		return
	}

	logger.L.Info("Message submitted", "actorID", actorID, "status", receipt.Status, "intents", len(receipt.IntentIDs))
	writeJSON(w, http.StatusOK, receipt)
}

// HandleSubmitIntent accepts a pre-built intent (OCR confirmations). Only
// privileged tokens may use it.
func (h *LedgerHandler) HandleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	actorID, tokenPrivileged, ok := GetActorFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if !tokenPrivileged {
		utils.SendJSONError(w, "privileged token required to submit intents", http.StatusForbidden)
		return
	}

	var intent models.OperationIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := h.ledgerService.SubmitIntent(r.Context(), intent)
	if err != nil {
		h.writeServiceError(w, err, "submit intent", actorID)
		return
	}

	logger.L.Info("Intent submitted", "actorID", actorID, "status", receipt.Status, "scope", intent.Scope)
	writeJSON(w, http.StatusOK, receipt)
}

func (h *LedgerHandler) HandleGetBalances(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	if scope == "" {
		utils.SendJSONError(w, "scope is required", http.StatusBadRequest)
		return
	}

	balances, err := h.ledgerService.GetBalances(r.Context(), scope)
	if err != nil {
		h.writeServiceError(w, err, "get balances", scope)
		return
	}

	response := map[string]interface{}{
		"scope":    scope,
		"balances": balances,
	}

	w.Header().Set("Cache-Control", "no-cache, private")
	if matched := writeETag(w, r, response); matched {
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *LedgerHandler) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	currency := r.PathValue("currency")
	if scope == "" || currency == "" {
		utils.SendJSONError(w, "scope and currency are required", http.StatusBadRequest)
		return
	}

	amount, err := h.ledgerService.GetBalance(r.Context(), scope, currency)
	if err != nil {
		h.writeServiceError(w, err, "get balance", scope)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":    scope,
		"currency": strings.ToUpper(currency),
		"amount":   amount,
	})
}

func (h *LedgerHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	if scope == "" {
		utils.SendJSONError(w, "scope is required", http.StatusBadRequest)
		return
	}

	var f models.HistoryFilter
	q := r.URL.Query()
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			utils.SendJSONError(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}
	if kindStr := q.Get("kind"); kindStr != "" {
		kind := models.OperationKind(kindStr)
		if !kind.Valid() {
			utils.SendJSONError(w, fmt.Sprintf("unknown kind %q", kindStr), http.StatusBadRequest)
			return
		}
		f.Kind = kind
	}
	if currency := q.Get("currency"); currency != "" {
		f.Currency = strings.ToUpper(currency)
	}
	var err error
	if f.From, err = parseTimeParam(q.Get("from")); err != nil {
		utils.SendJSONError(w, "invalid from parameter, want RFC3339", http.StatusBadRequest)
		return
	}
	if f.To, err = parseTimeParam(q.Get("to")); err != nil {
		utils.SendJSONError(w, "invalid to parameter, want RFC3339", http.StatusBadRequest)
		return
	}

	entries, err := h.ledgerService.GetHistory(r.Context(), scope, f)
	if err != nil {
		h.writeServiceError(w, err, "get history", scope)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":   scope,
		"entries": entries,
	})
}

func (h *LedgerHandler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	if scope == "" {
		utils.SendJSONError(w, "scope is required", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		utils.SendJSONError(w, "invalid from parameter, want RFC3339", http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		utils.SendJSONError(w, "invalid to parameter, want RFC3339", http.StatusBadRequest)
		return
	}

	stats, err := h.ledgerService.GetStats(r.Context(), scope, from, to)
	if err != nil {
		h.writeServiceError(w, err, "get stats", scope)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *LedgerHandler) HandleGetScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.ledgerService.GetScopes(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "get scopes", "")
		return
	}
	if scopes == nil {
		scopes = []models.ScopeInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scopes": scopes})
}

func (h *LedgerHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	issues, err := h.ledgerService.Audit(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "audit", "")
		return
	}
	if issues == nil {
		issues = []models.AuditIssue{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issues": issues,
		"count":  len(issues),
	})
}

func (h *LedgerHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *LedgerHandler) writeServiceError(w http.ResponseWriter, err error, action, subject string) {
	switch {
	case errors.Is(err, services.ErrScopeRequired),
		errors.Is(err, services.ErrInvalidIntent),
		errors.Is(err, parsers.ErrNumberFormat),
		errors.Is(err, processors.ErrNonPositiveRate):
		utils.SendJSONError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, storage.ErrNotFound):
		utils.SendJSONError(w, "not found", http.StatusNotFound)
	case errors.Is(err, services.ErrQueueClosed):
		utils.SendJSONError(w, "service is shutting down", http.StatusServiceUnavailable)
	default:
		logger.L.Error("Internal error handling request", "action", action, "subject", subject, "error", err)
		utils.SendJSONError(w, "an internal error occurred", http.StatusInternalServerError)
	}
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// writeETag sets the ETag header and reports whether the client's
// If-None-Match already covers this payload (304 written).
func writeETag(w http.ResponseWriter, r *http.Request, data interface{}) bool {
	currentETag, err := utils.GenerateETag(data)
	if err != nil || currentETag == "" {
		logger.L.Warn("Proceeding without ETag check due to ETag generation error", "error", err)
		return false
	}

	quotedETag := fmt.Sprintf("%q", currentETag)
	w.Header().Set("ETag", quotedETag)
	for _, cETag := range strings.Split(r.Header.Get("If-None-Match"), ",") {
		if strings.TrimSpace(cETag) == quotedETag {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.L.Error("Error encoding JSON response", "error", err)
	}
}
