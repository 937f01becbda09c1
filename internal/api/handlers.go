package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/internal/db"
	"github.com/stakeforge/arena-engine/internal/replay"
	"github.com/stakeforge/arena-engine/pkg/models"
)

// handleRegister creates an account with an empty wallet and returns its
// bearer token. POST /api/v1/accounts {"nickname": ..., "region": ...}
func (h *APIHandler) handleRegister(c *gin.Context) {
	var req struct {
		Nickname string `json:"nickname"`
		Region   string `json:"region"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid request body")
		return
	}
	if req.Nickname == "" || len(req.Nickname) > 32 {
		writeError(c, http.StatusBadRequest, CodeValidation, "Nickname must be 1-32 characters")
		return
	}

	acct, err := h.store.CreateAccount(c.Request.Context(), req.Nickname, req.Region)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	token, err := IssueToken(h.jwtSecret, acct.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": acct,
		"token":   token,
	})
}

// handleSetKYC transitions an account's KYC status. Admin only.
// POST /api/v1/accounts/:id/kyc {"status": "approved"}
func (h *APIHandler) handleSetKYC(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid account id format")
		return
	}

	var req struct {
		Status models.KYCStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid request body")
		return
	}
	switch req.Status {
	case models.KYCPending, models.KYCApproved, models.KYCRejected:
	default:
		writeError(c, http.StatusBadRequest, CodeValidation, "Status must be pending, approved or rejected")
		return
	}

	if err := h.store.SetKYCStatus(c.Request.Context(), accountID, req.Status); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accountId": accountID,
		"kycStatus": req.Status,
	})
}

// handleListLobbies pages open lobbies. GET /api/v1/lobbies?page=1&limit=20
func (h *APIHandler) handleListLobbies(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	lobbies, err := h.store.ListOpenLobbies(c.Request.Context(), page, limit)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  lobbies,
		"page":  page,
		"limit": limit,
	})
}

// handleCreateLobby opens a new lobby. Admin only.
func (h *APIHandler) handleCreateLobby(c *gin.Context) {
	var params db.LobbyParams
	if err := c.ShouldBindJSON(&params); err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid request body")
		return
	}

	lobby, err := h.store.CreateLobby(c.Request.Context(), params)
	if err != nil {
		// Validate rejections are plain errors, not sentinels.
		writeError(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	c.JSON(http.StatusCreated, lobby)
}

// handleGetLobby returns one lobby with its members.
func (h *APIHandler) handleGetLobby(c *gin.Context) {
	lobbyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid lobby id format")
		return
	}

	lobby, err := h.store.GetLobby(c.Request.Context(), lobbyID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, lobby)
}

// handleJoinLobby executes the join protocol: escrow lock plus membership,
// all-or-nothing.
func (h *APIHandler) handleJoinLobby(c *gin.Context) {
	lobbyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid lobby id format")
		return
	}

	lobby, err := h.store.JoinLobby(c.Request.Context(), lobbyID, AccountID(c))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, lobby)
}

// handleLeaveLobby returns the escrowed buy-in while the lobby is open.
func (h *APIHandler) handleLeaveLobby(c *gin.Context) {
	lobbyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid lobby id format")
		return
	}

	if err := h.store.LeaveLobby(c.Request.Context(), lobbyID, AccountID(c)); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left", "lobbyId": lobbyID})
}

// handleCancelLobby dissolves an open lobby and refunds everyone. Admin only.
func (h *APIHandler) handleCancelLobby(c *gin.Context) {
	lobbyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid lobby id format")
		return
	}

	if err := h.store.CancelLobby(c.Request.Context(), lobbyID); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "lobbyId": lobbyID})
}

// handleGetMatch returns the match card. The store withholds seed and nonce
// until the match is completed, so this is safe to expose pre-settlement.
func (h *APIHandler) handleGetMatch(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid match id format")
		return
	}

	match, err := h.store.GetMatch(c.Request.Context(), matchID)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	resp := gin.H{"match": match}
	if match.State == models.MatchCompleted {
		placements, err := h.store.GetPlacements(c.Request.Context(), matchID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		resp["placements"] = placements
	}
	c.JSON(http.StatusOK, resp)
}

// handleVerifyMatch returns the fairness audit for a completed match: the
// reveal, the commitment check and the reproduced initial layout. 409 until
// the match completes.
func (h *APIHandler) handleVerifyMatch(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid match id format")
		return
	}

	match, err := h.store.GetMatch(c.Request.Context(), matchID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if match.State != models.MatchCompleted || match.SeedHex == "" {
		writeError(c, http.StatusConflict, CodeWrongState, "Match seed is revealed after completion")
		return
	}

	members, err := h.store.GetMatchMembers(c.Request.Context(), matchID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	memberIDs := make([]uuid.UUID, len(members))
	for i, m := range members {
		memberIDs[i] = m.AccountID
	}

	report, err := replay.BuildReport(match, memberIDs, h.mapRadius)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleGetWallet returns the caller's balances.
func (h *APIHandler) handleGetWallet(c *gin.Context) {
	wallet, err := h.store.GetWallet(c.Request.Context(), AccountID(c))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

// handleDeposit credits the caller's available balance.
// POST /api/v1/wallet/deposit {"amountCents": 1000, "idempotencyKey": "..."}
func (h *APIHandler) handleDeposit(c *gin.Context) {
	var req struct {
		Amount int64  `json:"amountCents"`
		Key    string `json:"idempotencyKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(c, http.StatusBadRequest, CodeValidation, "Amount must be a positive integer of cents")
		return
	}

	entry, err := h.store.Deposit(c.Request.Context(), AccountID(c), req.Amount, req.Key)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// handleWithdraw debits the caller's available balance. KYC-gated.
func (h *APIHandler) handleWithdraw(c *gin.Context) {
	var req struct {
		Amount int64  `json:"amountCents"`
		Key    string `json:"idempotencyKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(c, http.StatusBadRequest, CodeValidation, "Amount must be a positive integer of cents")
		return
	}

	entry, err := h.store.Withdraw(c.Request.Context(), AccountID(c), req.Amount, req.Key)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// handleHistory pages the caller's ledger, newest first.
// GET /api/v1/wallet/history?cursor=...&limit=50
func (h *APIHandler) handleHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	cursor := c.Query("cursor")

	page, err := h.store.History(c.Request.Context(), AccountID(c), cursor, limit)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// handleRunAudit kicks off a ledger integrity sweep. Admin only. Returns 409
// if a sweep is already in progress.
func (h *APIHandler) handleRunAudit(c *gin.Context) {
	// The sweep outlives the request on purpose; tie it to the server, not
	// to this HTTP call.
	if !h.auditor.Run(context.Background()) {
		writeError(c, http.StatusConflict, CodeWrongState, "An audit sweep is already running")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// handleAuditStatus reports sweep progress. Admin only.
func (h *APIHandler) handleAuditStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.auditor.GetProgress())
}

// handleHealth reports liveness for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	dbConnected := true
	if err := h.store.GetPool().Ping(c.Request.Context()); err != nil {
		dbConnected = false
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "operational",
		"engine":        "Arena Engine v1.0",
		"dbConnected":   dbConnected,
		"activeMatches": h.ctrl.ActiveCount(),
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
