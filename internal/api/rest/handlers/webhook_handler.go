package handlers

import (
	"io"
	"net/http"

	"github.com/Dhoini/credit-ledger/internal/service"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/gin-gonic/gin"
)

// maxWebhookBody предел размера доставки
const maxWebhookBody = 1 << 20

// WebhookHandler обработчик для вебхуков
type WebhookHandler struct {
	webhooks service.WebhookService
	log      *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(webhooks service.WebhookService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, log: log}
}

// HandleWebhook POST /webhooks/:provider. 2xx означает, что доставку повторять не нужно.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	provider := c.Param("provider")

	// подпись считается по сырому телу, его нельзя разбирать до проверки
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.log.Warnw("Failed to read webhook body", "provider", provider, "error", err)
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Failed to read webhook body"})
		return
	}

	result, err := h.webhooks.Ingest(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, result)
}
