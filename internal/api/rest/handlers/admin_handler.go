package handlers

import (
	"net/http"
	"strconv"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/service"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/Dhoini/credit-ledger/pkg/req"
	"github.com/gin-gonic/gin"
)

// OpenAccountRequest тело POST /admin/accounts
type OpenAccountRequest struct {
	AccountID string `json:"account_id" validate:"required,max=128"`
	Beta      bool   `json:"beta"`
}

// AdminHandler операции оператора
type AdminHandler struct {
	ledger    service.LedgerService
	customers service.CustomerService
	webhooks  service.WebhookService
	jobs      service.JobService
	log       *logger.Logger
}

// NewAdminHandler создает обработчик операций оператора
func NewAdminHandler(ledger service.LedgerService, customers service.CustomerService, webhooks service.WebhookService,
	jobs service.JobService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{ledger: ledger, customers: customers, webhooks: webhooks, jobs: jobs, log: log}
}

// OpenAccount POST /admin/accounts
func (h *AdminHandler) OpenAccount(c *gin.Context) {
	body, err := req.HandleBody[OpenAccountRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}
	acc, err := h.ledger.OpenAccount(c.Request.Context(), body.AccountID, body.Beta)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// GetAccount GET /admin/accounts/:id
func (h *AdminHandler) GetAccount(c *gin.Context) {
	acc, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// ListAccountTransactions GET /admin/accounts/:id/transactions
func (h *AdminHandler) ListAccountTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	page, err := h.ledger.ListTransactions(c.Request.Context(), c.Param("id"), limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListAccountJobs GET /admin/accounts/:id/jobs
func (h *AdminHandler) ListAccountJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	jobs, err := h.jobs.ListJobs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// Grant POST /admin/grants. 201 при начислении, 200 при повторе reference.
func (h *AdminHandler) Grant(c *gin.Context) {
	body, err := req.HandleBody[service.GrantRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}
	txn, applied, err := h.ledger.Grant(c.Request.Context(), *body)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	status := http.StatusOK
	if applied {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"applied": applied, "transaction": txn})
}

// LinkCustomer POST /admin/customers
func (h *AdminHandler) LinkCustomer(c *gin.Context) {
	body, err := req.HandleBody[service.LinkCustomerRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}
	link, err := h.customers.LinkCustomer(c.Request.Context(), *body)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, link)
}

// ListWebhookEvents GET /admin/webhooks?status=unresolved&limit=
func (h *AdminHandler) ListWebhookEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	events, err := h.webhooks.ListEvents(c.Request.Context(), domain.WebhookEventStatus(c.Query("status")), limit)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
