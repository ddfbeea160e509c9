// Package extract turns a free-form announcement request into a title,
// body and timestamps using a chat-completion model.
package extract

import (
	"context"
	"errors"
	"time"
)

// ErrIncomplete means the model answer lacked a required field.
var ErrIncomplete = errors.New("extract: required fields missing")

// Result holds the extracted announcement. Times are UTC; event times are
// zero when the text names no event window.
type Result struct {
	Title        string
	EventTitle   string
	Content      string
	DueAt        time.Time
	EventStartAt time.Time
	EventEndAt   time.Time
	// DisplayDueAt is DueAt formatted in the source timezone.
	DisplayDueAt string
}

type Extractor interface {
	Extract(ctx context.Context, text string) (Result, error)
}

// DefaultEventLength is used when the text gives a start but no end.
const DefaultEventLength = time.Hour
