package handlers

import (
	"net/http"
	"strconv"

	"github.com/Dhoini/credit-ledger/internal/middleware"
	"github.com/Dhoini/credit-ledger/internal/service"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/gin-gonic/gin"
)

// LedgerHandler баланс, история и подписка текущего аккаунта
type LedgerHandler struct {
	ledger service.LedgerService
	log    *logger.Logger
}

// NewLedgerHandler создает обработчик журнала
func NewLedgerHandler(ledger service.LedgerService, log *logger.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, log: log}
}

// GetBalance GET /me/balance
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	accountID := middleware.AccountID(c)
	balance, err := h.ledger.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "balance": balance})
}

// ListTransactions GET /me/transactions?limit=&cursor=
func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	page, err := h.ledger.ListTransactions(c.Request.Context(), middleware.AccountID(c), limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetSubscription GET /me/subscription; 404, если подписки нет.
func (h *LedgerHandler) GetSubscription(c *gin.Context) {
	sub, err := h.ledger.GetSubscription(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	if sub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No subscription"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

// CanAfford GET /me/can-afford?credits=N
func (h *LedgerHandler) CanAfford(c *gin.Context) {
	credits, err := strconv.ParseInt(c.Query("credits"), 10, 64)
	if err != nil || credits < 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "credits must be a non-negative integer"})
		return
	}
	ok, err := h.ledger.CanAfford(c.Request.Context(), middleware.AccountID(c), credits)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits, "can_afford": ok})
}
