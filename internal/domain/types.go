package domain

import (
	"errors"
	"time"
)

type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskQueued    TaskStatus = "queued"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool { return s == TaskDone || s == TaskFailed }

type OutboxStatus string

const (
	OutboxQueued OutboxStatus = "queued"
	// OutboxSending is the lease held by a sender between claim and finalize.
	OutboxSending OutboxStatus = "sending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

type TaskType string

const (
	TaskCreatedConfirmation TaskType = "created_confirmation"
	TaskReminder24h         TaskType = "reminder_24h"
	TaskReminder2h          TaskType = "reminder_2h"
	TaskReviewRequest       TaskType = "review_request"
	TaskRebookInvite        TaskType = "rebook_invite"
)

const (
	TemplateApptCreated   = "APPT_CREATED"
	TemplateReminder24h   = "REMINDER_24H"
	TemplateReminder2h    = "REMINDER_2H"
	TemplateReviewRequest = "REVIEW_REQUEST"
	TemplateRebookInvite  = "REBOOK_INVITE"
)

type Client struct {
	ID        int64
	Phone     string
	Name      string
	Locale    string
	CreatedAt time.Time
}

type Appointment struct {
	ID                    int64
	ProviderCompanyID     int64
	ProviderAppointmentID int64
	ClientID              int64
	StartsAt              time.Time
	EndsAt                time.Time
	StaffName             string
	ServiceName           string
	Status                string
	Source                string
	UpdatedAt             time.Time
}

// TaskPayload is stored as JSON on the task row.
type TaskPayload struct {
	TemplateKey string `json:"template_key,omitempty"`
}

type Task struct {
	ID            int64
	AppointmentID int64
	Type          TaskType
	PlannedAt     time.Time
	Status        TaskStatus
	Payload       TaskPayload
	LastError     string
	CreatedAt     time.Time
}

type OutboxMessage struct {
	ID                int64
	TaskID            int64
	ToPhone           string
	TemplateKey       string
	TemplateVersion   int
	RenderedText      string
	Status            OutboxStatus
	ProviderMessageID string
	Error             string
	CreatedAt         time.Time
	LockedAt          *time.Time
	SentAt            *time.Time
}

type MessageTemplate struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Language  string    `json:"language"`
	Text      string    `json:"text"`
	Active    bool      `json:"is_active"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EventLog struct {
	ID              int64
	TS              time.Time
	Name            string
	AppointmentID   *int64
	ClientID        *int64
	TaskID          *int64
	OutboxID        *int64
	TemplateKey     string
	TemplateVersion *int
	Meta            map[string]any
}

// AppointmentInfo is the normalized appointment detail returned by the booking provider.
type AppointmentInfo struct {
	AppointmentID int64
	ClientPhone   string
	ClientName    string
	StartsAt      time.Time
	EndsAt        time.Time
	StaffName     string
	ServiceName   string
	Source        string
	Status        string
}

var (
	ErrMissingFields    = errors.New("missing required fields")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrTemplateNotFound = errors.New("template not found or inactive")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("already exists")
	// ErrUnknownPlaceholder means a template names a value the render context never supplies.
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
	// ErrInvalidTransition is returned when a status update finds the row in an unexpected state.
	ErrInvalidTransition = errors.New("invalid status transition")
)
