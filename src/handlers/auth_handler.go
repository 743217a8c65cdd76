package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/username/cashledger/src/logger"
	"github.com/username/cashledger/src/security"
	"github.com/username/cashledger/src/utils"
)

type AuthHandler struct {
	authService  *security.AuthService
	adminKeyHash string
}

func NewAuthHandler(authService *security.AuthService, adminKeyHash string) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		adminKeyHash: adminKeyHash,
	}
}

// HandleMintToken issues an actor JWT. Gated by the admin key: collaborators
// get their tokens provisioned by an operator, there is no self-service
// signup.
func (h *AuthHandler) HandleMintToken(w http.ResponseWriter, r *http.Request) {
	if !requireAdminKey(w, r, h.adminKeyHash) {
		return
	}

	var req struct {
		ActorID    string `json:"actor_id"`
		Privileged bool   `json:"privileged"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.ActorID == "" {
		utils.SendJSONError(w, "actor_id is required", http.StatusBadRequest)
		return
	}

	token, err := h.authService.GenerateToken(req.ActorID, req.Privileged)
	if err != nil {
		logger.L.Error("Failed to generate actor token", "actorID", req.ActorID, "error", err)
		utils.SendJSONError(w, "failed to generate token", http.StatusInternalServerError)
		return
	}

	logger.L.Info("Minted actor token", "actorID", req.ActorID, "privileged", req.Privileged)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(h.authService.TokenExpiry.Seconds()),
	})
}
