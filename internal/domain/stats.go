package domain

// LedgerStats агрегированное состояние ledger для мониторинга.
type LedgerStats struct {
	Accounts           int64 `json:"accounts" db:"accounts"`
	OutstandingCredits int64 `json:"outstanding_credits" db:"outstanding_credits"`
	OpenJobs           int64 `json:"open_jobs" db:"open_jobs"`
	PendingWebhooks    int64 `json:"pending_webhooks" db:"pending_webhooks"`
}
