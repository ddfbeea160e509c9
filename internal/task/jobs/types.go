package jobs

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ReasonMissed marks a job whose timer fired after the grace window.
const ReasonMissed = "missed"

var (
	ErrDuplicateRequest = errors.New("jobs: request already has an active job")
	ErrStopped          = errors.New("jobs: scheduler stopped")
	ErrInvalidJob       = errors.New("jobs: request id and due time are required")
)

// Job is one scheduled announcement. Optional times are zero when absent.
type Job struct {
	ID           string
	RequestID    string
	DueAt        time.Time
	Title        string
	Body         string
	EventTitle   string
	EventStartAt time.Time
	EventEndAt   time.Time
	Status       Status
	// Error holds the failure text of a failed job.
	Error  string
	PostID string
}

// HasEventWindow reports whether both event times are known.
func (j Job) HasEventWindow() bool {
	return !j.EventStartAt.IsZero() && !j.EventEndAt.IsZero()
}

// Request describes a job to schedule.
type Request struct {
	RequestID    string
	DueAt        time.Time
	Title        string
	Body         string
	EventTitle   string
	EventStartAt time.Time
	EventEndAt   time.Time
}

// Poster publishes an announcement on the venue platform.
type Poster interface {
	Authenticated() bool
	Authenticate(ctx context.Context) error
	Post(ctx context.Context, title, body string) (postID string, err error)
}

// CompletionFunc receives a copy of a job in its terminal state.
type CompletionFunc func(ctx context.Context, j Job)
