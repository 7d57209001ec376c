package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/service"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/Dhoini/credit-ledger/pkg/req"
	"github.com/Dhoini/credit-ledger/pkg/res"
	"github.com/gin-gonic/gin"
)

// CompleteJobRequest тело POST /jobs/:id/complete
type CompleteJobRequest struct {
	DurationSeconds int64 `json:"duration_seconds" validate:"gte=0"`
}

// FailJobRequest тело POST /jobs/:id/fail
type FailJobRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// JobHandler API конвейера транскрибации
type JobHandler struct {
	jobs service.JobService
	log  *logger.Logger
}

// NewJobHandler создает обработчик задач
func NewJobHandler(jobs service.JobService, log *logger.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, log: log}
}

// SubmitJob POST /jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	body, err := req.HandleBody[service.SubmitJobRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}
	job, err := h.jobs.SubmitJob(c.Request.Context(), *body)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// CompleteJob POST /jobs/:id/complete. При нехватке кредитов 402 с задачей в details.
func (h *JobHandler) CompleteJob(c *gin.Context) {
	body, err := req.HandleBody[CompleteJobRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}
	job, err := h.jobs.CompleteJob(c.Request.Context(), c.Param("id"), body.DurationSeconds)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) && job != nil {
			res.JsonResponse(c.Writer, res.ErrorResponse{
				Error:     err.Error(),
				ErrorCode: http.StatusPaymentRequired,
				Details:   job,
			}, http.StatusPaymentRequired)
			return
		}
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, job)
}

// FailJob POST /jobs/:id/fail
func (h *JobHandler) FailJob(c *gin.Context) {
	body, err := req.HandleBody[FailJobRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}
	job, err := h.jobs.FailJob(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetJob GET /jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, job)
}
