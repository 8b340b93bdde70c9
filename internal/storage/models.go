package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyAnswered is returned when resolving a clarification twice.
var ErrAlreadyAnswered = errors.New("clarification already answered")

// Session statuses.
const (
	SessionActive     = "ACTIVE"
	SessionProcessing = "PROCESSING"
	SessionCompleted  = "COMPLETED"
	SessionFailed     = "FAILED"
	SessionExpired    = "EXPIRED"
)

// Prompt statuses.
const (
	PromptPending    = "PENDING"
	PromptProcessing = "PROCESSING"
	PromptCompleted  = "COMPLETED"
	PromptFailed     = "FAILED"
	PromptSkipped    = "SKIPPED"
)

// Prompt target scopes.
const (
	TargetGlobal       = "GLOBAL"
	TargetFileSpecific = "FILE_SPECIFIC"
	TargetLineSpecific = "LINE_SPECIFIC"
	TargetSection      = "SECTION_SPECIFIC"
)

// Queue entry statuses. A "waiting" entry belongs to a prompt parked on an
// open clarification; it is invisible to claim until released.
const (
	EntryPending = "pending"
	EntryClaimed = "claimed"
	EntryWaiting = "waiting"
	EntryDone    = "done"
)

// Result statuses.
const (
	ResultDraft               = "DRAFT"
	ResultPendingConfirmation = "PENDING_CONFIRMATION"
	ResultConfirmed           = "CONFIRMED"
	ResultModified            = "MODIFIED"
)

type Session struct {
	ID        string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

type Prompt struct {
	ID            string
	SessionID     string
	Content       string
	Priority      int
	TargetType    string
	TargetFileID  string
	TargetLines   string
	TargetSection string
	Status        string
	Result        string
	LastError     string
	EnqueuedAt    time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
}

// QueueEntry is one row of the durable processing queue. Entries drain in
// (priority ascending, enqueued_at ascending) order across all sessions.
type QueueEntry struct {
	ID         string
	SessionID  string
	PromptID   string
	Priority   int
	Status     string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

type Clarification struct {
	ID          string
	SessionID   string
	PromptID    string
	Question    string
	ContextJSON string
	Answer      string
	Answered    bool
	CreatedAt   time.Time
	AnsweredAt  time.Time
}

type Message struct {
	ID           string
	SessionID    string
	Role         string
	Content      string
	Type         string
	MetadataJSON string
	Archived     bool
	CreatedAt    time.Time
}

type Result struct {
	ID           string
	SessionID    string
	Version      int
	Content      string
	Status       string
	MetadataJSON string
	CreatedAt    time.Time
}

// PromptCounts summarizes a session's prompt statuses for progress reporting.
type PromptCounts struct {
	Total      int
	Completed  int
	Processing int
	Pending    int
	Failed     int
	Skipped    int
}
