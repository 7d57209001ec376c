package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/repository"
	"github.com/Dhoini/credit-ledger/pkg/logger"
)

// SubmitJobRequest запрос на запуск транскрибации
type SubmitJobRequest struct {
	AccountID        string `json:"account_id" validate:"required"`
	JobID            string `json:"job_id,omitempty" validate:"max=128"`
	EstimatedCredits int64  `json:"estimated_credits" validate:"gte=0"`
}

// JobService списание кредитов за задачи транскрибации
type JobService interface {
	SubmitJob(ctx context.Context, req SubmitJobRequest) (*domain.TranscriptionJob, error)
	CompleteJob(ctx context.Context, jobID string, durationSeconds int64) (*domain.TranscriptionJob, error)
	FailJob(ctx context.Context, jobID, reason string) (*domain.TranscriptionJob, error)
	GetJob(ctx context.Context, jobID string) (*domain.TranscriptionJob, error)
	ListJobs(ctx context.Context, accountID string, limit int) ([]domain.TranscriptionJob, error)
}

type jobService struct {
	store    *repository.Store
	notifier *Notifier
	minimum  int64
	log      *logger.Logger
}

// NewJobService создает сервис задач. minimumCredits порог допуска задачи (не меньше 1).
func NewJobService(store *repository.Store, notifier *Notifier, minimumCredits int64, log *logger.Logger) JobService {
	if minimumCredits < 1 {
		minimumCredits = 1
	}
	return &jobService{
		store:    store,
		notifier: notifier,
		minimum:  minimumCredits,
		log:      log,
	}
}

// SubmitJob допускает задачу, если баланс покрывает оценку (и не меньше минимума).
// Кредиты не резервируются: списание происходит только при завершении.
func (s *jobService) SubmitJob(ctx context.Context, req SubmitJobRequest) (*domain.TranscriptionJob, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}
	if req.EstimatedCredits < 0 {
		return nil, fmt.Errorf("%w: estimate must not be negative", domain.ErrInvalidInput)
	}
	floor := req.EstimatedCredits
	if floor < s.minimum {
		floor = s.minimum
	}

	var job *domain.TranscriptionJob
	err := s.store.InTx(ctx, func(ctx context.Context, tx *repository.Store) error {
		if req.JobID != "" {
			existing, err := tx.GetJob(ctx, req.JobID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if existing != nil {
				if existing.AccountID != req.AccountID {
					return fmt.Errorf("%w: job %s belongs to another account", domain.ErrInvalidInput, req.JobID)
				}
				job = existing
				return nil
			}
		}

		ok, err := tx.HasSufficientBalance(ctx, req.AccountID, floor)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: job needs at least %d credits", domain.ErrInsufficientFunds, floor)
		}

		job = &domain.TranscriptionJob{
			ID:              req.JobID,
			AccountID:       req.AccountID,
			EstimateCredits: req.EstimatedCredits,
		}
		return tx.InsertJob(ctx, job)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			s.notifier.Metrics().IncInsufficientFunds("submit_job")
		}
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: job %s already exists", domain.ErrInvalidInput, req.JobID)
		}
		return nil, err
	}
	s.log.Infow("Job submitted", "jobID", job.ID, "accountID", job.AccountID, "estimate", job.EstimateCredits)
	return job, nil
}

// CompleteJob списывает ceil(duration/60) кредитов ровно один раз.
// При нехватке кредитов задача переходит в failed без списания,
// возвращаются и задача, и ErrInsufficientFunds.
// Уже завершённая задача (в любом статусе) возвращается без изменений.
func (s *jobService) CompleteJob(ctx context.Context, jobID string, durationSeconds int64) (*domain.TranscriptionJob, error) {
	if durationSeconds < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", domain.ErrInvalidInput)
	}
	started := time.Now()
	defer s.notifier.Metrics().ObserveOperation("complete_job", started)

	var (
		job      *domain.TranscriptionJob
		charged  *domain.Transaction
		resolved bool
		shortage error
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx *repository.Store) error {
		var err error
		job, err = tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		completeKey := domain.JobKey(job.ID, domain.JobTransitionComplete)

		if job.IsTerminal() {
			if job.Status == domain.JobStatusFailed {
				s.log.Infow("Complete for failed job ignored", "jobID", job.ID)
			}
			return nil
		}

		claimed, err := tx.IsClaimed(ctx, completeKey)
		if err != nil {
			return err
		}
		if claimed {
			return nil
		}

		cost := domain.CostForDuration(durationSeconds)
		duration := durationSeconds
		job.DurationSeconds = &duration

		if cost > 0 {
			txn, _, err := tx.ApplyTransaction(ctx, domain.TransactionRequest{
				AccountID:   job.AccountID,
				Amount:      -cost,
				Category:    domain.CategoryUsage,
				Description: fmt.Sprintf("Transcription, %d seconds", durationSeconds),
				NaturalKey:  completeKey,
				References:  domain.References{JobID: job.ID},
				Metadata:    domain.Metadata{"duration_seconds": durationSeconds},
			})
			switch {
			case errors.Is(err, domain.ErrInsufficientFunds):
				// ключ complete остаётся захваченным: повтор не спишет кредиты позже
				shortage = err
				zero := int64(0)
				msg := "insufficient credits"
				job.Status = domain.JobStatusFailed
				job.CreditsCharged = &zero
				job.Error = &msg
				resolved, err = tx.ResolveJob(ctx, job)
				return err
			case err != nil:
				return err
			}
			charged = txn
		} else if _, err := tx.ClaimOnce(ctx, completeKey); err != nil {
			return err
		}

		job.Status = domain.JobStatusCompleted
		job.CreditsCharged = &cost
		resolved, err = tx.ResolveJob(ctx, job)
		return err
	})
	if err != nil {
		return nil, err
	}

	if charged != nil {
		s.notifier.transactionApplied(ctx, charged)
	}
	if resolved {
		s.notifier.jobResolved(ctx, job)
		s.log.Infow("Job resolved", "jobID", job.ID, "status", job.Status, "duration", durationSeconds)
	}
	if shortage != nil {
		s.notifier.Metrics().IncInsufficientFunds("complete_job")
		s.log.Warnw("Job failed on completion: insufficient credits", "jobID", job.ID, "accountID", job.AccountID)
		return job, shortage
	}
	return job, nil
}

// FailJob завершает задачу с ошибкой. Если по задаче уже были списания,
// они компенсируются одной refund-записью. Завершённая задача не меняется.
func (s *jobService) FailJob(ctx context.Context, jobID, reason string) (*domain.TranscriptionJob, error) {
	var (
		job      *domain.TranscriptionJob
		refund   *domain.Transaction
		resolved bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx *repository.Store) error {
		var err error
		job, err = tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			if job.Status == domain.JobStatusCompleted {
				s.log.Infow("Fail for completed job ignored", "jobID", job.ID, "reason", reason)
			}
			return nil
		}

		claimed, err := tx.ClaimOnce(ctx, domain.JobKey(job.ID, domain.JobTransitionFail))
		if err != nil || !claimed {
			return err
		}

		txns, err := tx.TransactionsForJob(ctx, job.ID)
		if err != nil {
			return err
		}
		var net int64
		var original string
		for _, t := range txns {
			net += t.Amount
			if t.Amount < 0 && original == "" {
				original = t.ID
			}
		}
		if net < 0 {
			txn, applied, err := tx.ApplyTransaction(ctx, domain.TransactionRequest{
				AccountID:   job.AccountID,
				Amount:      -net,
				Category:    domain.CategoryRefund,
				Description: "Refund for failed transcription",
				NaturalKey:  domain.JobKey(job.ID, domain.JobTransitionRefund),
				References:  domain.References{JobID: job.ID},
				Metadata:    domain.Metadata{"original_transaction_id": original, "reason": reason},
			})
			if err != nil {
				return err
			}
			if applied {
				refund = txn
			}
		}

		zero := int64(0)
		job.Status = domain.JobStatusFailed
		job.CreditsCharged = &zero
		if reason != "" {
			job.Error = &reason
		}
		resolved, err = tx.ResolveJob(ctx, job)
		return err
	})
	if err != nil {
		return nil, err
	}

	if refund != nil {
		s.notifier.transactionApplied(ctx, refund)
	}
	if resolved {
		s.notifier.jobResolved(ctx, job)
		s.log.Infow("Job failed", "jobID", job.ID, "reason", reason)
	}
	return job, nil
}

func (s *jobService) GetJob(ctx context.Context, jobID string) (*domain.TranscriptionJob, error) {
	return s.store.GetJob(ctx, jobID)
}

func (s *jobService) ListJobs(ctx context.Context, accountID string, limit int) ([]domain.TranscriptionJob, error) {
	return s.store.ListJobs(ctx, accountID, limit)
}
