package repository

import (
	"context"
	"fmt"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, account_id, status, estimate_credits, duration_seconds, credits_charged, error, created_at, resolved_at`

// InsertJob регистрирует задачу в статусе processing.
func (s *Store) InsertJob(ctx context.Context, job *domain.TranscriptionJob) error {
	if job.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		job.ID = id
	}
	job.Status = domain.JobStatusProcessing
	job.CreatedAt = s.now()

	_, err := s.q.ExecContext(ctx, s.rebind(`
        INSERT INTO transcription_jobs (`+jobColumns+`)
        VALUES (?, ?, ?, ?, NULL, NULL, NULL, ?, NULL)`),
		job.ID, job.AccountID, string(job.Status), job.EstimateCredits, job.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
		}
		return storageErr("insert job", err)
	}
	return nil
}

// GetJob возвращает задачу; внутри InTx строка блокируется.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.TranscriptionJob, error) {
	var job domain.TranscriptionJob
	err := sqlx.GetContext(ctx, s.q, &job, s.rebind(`
        SELECT `+jobColumns+`
        FROM transcription_jobs
        WHERE id = ?`+s.forUpdate()), jobID)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("job", jobID)
		}
		return nil, storageErr("get job", err)
	}
	return &job, nil
}

// ResolveJob переводит задачу из processing в конечный статус.
// false, если задача уже не в processing.
func (s *Store) ResolveJob(ctx context.Context, job *domain.TranscriptionJob) (bool, error) {
	if !job.IsTerminal() {
		return false, fmt.Errorf("%w: job %s cannot resolve to %s", domain.ErrInvalidTransition, job.ID, job.Status)
	}
	now := s.now()
	res, err := s.q.ExecContext(ctx, s.rebind(`
        UPDATE transcription_jobs
        SET status = ?, duration_seconds = ?, credits_charged = ?, error = ?, resolved_at = ?
        WHERE id = ? AND status = 'processing'`),
		string(job.Status), job.DurationSeconds, job.CreditsCharged, job.Error, now, job.ID)
	if err != nil {
		return false, storageErr("resolve job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("resolve job", err)
	}
	if n == 1 {
		job.ResolvedAt = &now
	}
	return n == 1, nil
}

// ListJobs задачи аккаунта, новые первыми.
func (s *Store) ListJobs(ctx context.Context, accountID string, limit int) ([]domain.TranscriptionJob, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	jobs := []domain.TranscriptionJob{}
	err := sqlx.SelectContext(ctx, s.q, &jobs, s.rebind(`
        SELECT `+jobColumns+`
        FROM transcription_jobs
        WHERE account_id = ?
        ORDER BY created_at DESC
        LIMIT ?`), accountID, limit)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	return jobs, nil
}
