package jobs

import (
	"encoding/json"
	"math"
	"time"
)

// Record is the persisted form of a Job. Times are unix seconds (UTC).
type Record struct {
	ID           string `json:"id"`
	RequestID    string `json:"request_id"`
	DueAt        int64  `json:"due_at"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	EventTitle   string `json:"event_title,omitempty"`
	EventStartAt *int64 `json:"event_start_at,omitempty"`
	EventEndAt   *int64 `json:"event_end_at,omitempty"`
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
	PostID       string `json:"post_id,omitempty"`
}

// legacyRecord carries the field names used by older snapshots.
type legacyRecord struct {
	MessageID           string   `json:"message_id"`
	Timestamp           *float64 `json:"timestamp"`
	Content             *string  `json:"content"`
	EventStartTimestamp *float64 `json:"event_start_timestamp"`
	EventEndTimestamp   *float64 `json:"event_end_timestamp"`
}

// UnmarshalJSON accepts both the current and the legacy layout, then
// migrates the result.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var cur plain
	if err := json.Unmarshal(b, &cur); err != nil {
		return err
	}
	var old legacyRecord
	if err := json.Unmarshal(b, &old); err != nil {
		return err
	}
	*r = Record(cur)
	r.migrate(old)
	return nil
}

func (r *Record) migrate(old legacyRecord) {
	if r.RequestID == "" {
		r.RequestID = old.MessageID
	}
	if r.DueAt == 0 && old.Timestamp != nil {
		r.DueAt = secs(*old.Timestamp)
	}
	if r.Body == "" && old.Content != nil {
		r.Body = *old.Content
	}
	if r.EventStartAt == nil && old.EventStartTimestamp != nil {
		v := secs(*old.EventStartTimestamp)
		r.EventStartAt = &v
	}
	if r.EventEndAt == nil && old.EventEndTimestamp != nil {
		v := secs(*old.EventEndTimestamp)
		r.EventEndAt = &v
	}
	if r.EventTitle == "" {
		r.EventTitle = r.Title
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
}

func secs(f float64) int64 { return int64(math.Round(f)) }

func (r Record) Job() Job {
	j := Job{
		ID:         r.ID,
		RequestID:  r.RequestID,
		DueAt:      time.Unix(r.DueAt, 0).UTC(),
		Title:      r.Title,
		Body:       r.Body,
		EventTitle: r.EventTitle,
		Status:     r.Status,
		Error:      r.Error,
		PostID:     r.PostID,
	}
	if r.EventStartAt != nil {
		j.EventStartAt = time.Unix(*r.EventStartAt, 0).UTC()
	}
	if r.EventEndAt != nil {
		j.EventEndAt = time.Unix(*r.EventEndAt, 0).UTC()
	}
	return j
}

func (j Job) Record() Record {
	r := Record{
		ID:         j.ID,
		RequestID:  j.RequestID,
		DueAt:      j.DueAt.Unix(),
		Title:      j.Title,
		Body:       j.Body,
		EventTitle: j.EventTitle,
		Status:     j.Status,
		Error:      j.Error,
		PostID:     j.PostID,
	}
	if !j.EventStartAt.IsZero() {
		v := j.EventStartAt.Unix()
		r.EventStartAt = &v
	}
	if !j.EventEndAt.IsZero() {
		v := j.EventEndAt.Unix()
		r.EventEndAt = &v
	}
	return r
}
