package store

import "time"

type EntryInsert struct {
	ID          string
	TenantID    string
	Recipient   string
	Body        string
	TemplateID  string
	SubjectID   string
	Priority    int
	ScheduledAt *time.Time
	MaxAttempts int
	Now         time.Time
}

// DuplicateResult is the outcome of a same-day dedup lookup.
type DuplicateResult struct {
	EntryID string
	Status  string
	Found   bool
}

type PendingUpdate struct {
	ID          string
	Body        string
	ScheduledAt *time.Time
	Now         time.Time
}

// AttemptResult records the outcome of one delivery attempt. Attempts are
// incremented in SQL so concurrent writers cannot lose an increment.
type AttemptResult struct {
	ID            string
	Status        string
	ProviderMsgID string
	LastError     string
	Now           time.Time
}
