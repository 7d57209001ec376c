package domain

import "time"

// JobStatus состояние задачи транскрибации
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// SecondsPerCredit один кредит покрывает минуту аудио.
const SecondsPerCredit = 60

// TranscriptionJob единица оплачиваемой работы.
type TranscriptionJob struct {
	ID              string     `json:"id" db:"id"`
	AccountID       string     `json:"account_id" db:"account_id"`
	Status          JobStatus  `json:"status" db:"status"`
	EstimateCredits int64      `json:"estimate_credits" db:"estimate_credits"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty" db:"duration_seconds"`
	CreditsCharged  *int64     `json:"credits_charged,omitempty" db:"credits_charged"`
	Error           *string    `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// IsTerminal completed и failed не допускают дальнейших переходов.
func (j *TranscriptionJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// CostForDuration стоимость в кредитах: минуты с округлением вверх.
func CostForDuration(durationSeconds int64) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	return (durationSeconds + SecondsPerCredit - 1) / SecondsPerCredit
}
