package domain

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

const (
	PriorityNormal   = 0
	PriorityElevated = 1
	PriorityUrgent   = 2
)

// QueueEntry is one notification awaiting or having completed delivery.
type QueueEntry struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	Recipient     string     `json:"recipient"`
	Body          string     `json:"body"`
	TemplateID    string     `json:"templateId,omitempty"`
	SubjectID     string     `json:"subjectId,omitempty"`
	Priority      int        `json:"priority"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	ProviderMsgID string     `json:"providerMsgId,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
}

type EnqueueRequest struct {
	TenantID    string     `json:"tenantId"`
	Recipient   string     `json:"recipient"`
	Body        string     `json:"body"`
	TemplateID  string     `json:"templateId,omitempty"`
	SubjectID   string     `json:"subjectId,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

func (r EnqueueRequest) Validate() error {
	if r.TenantID == "" || r.Recipient == "" || r.Body == "" {
		return ErrMissingFields
	}
	return nil
}

var ErrMissingFields = errors.New("missing required fields")

type EnqueueResponse struct {
	EntryID string `json:"entryId"`
	Status  string `json:"status"`
}

// RateLimitConfig is the per-tenant dispatch budget configuration.
// Defaults are provisioned on first access.
type RateLimitConfig struct {
	TenantID          string        `json:"tenantId"`
	MessagesPerMinute int           `json:"messagesPerMinute"`
	MessagesPerHour   int           `json:"messagesPerHour"`
	InterMessageDelay time.Duration `json:"interMessageDelay"`
	Enabled           bool          `json:"enabled"`
}

const (
	DefaultMessagesPerMinute = 20
	DefaultMessagesPerHour   = 100
	DefaultInterMessageDelay = 3 * time.Second
	DefaultMaxAttempts       = 3
)
