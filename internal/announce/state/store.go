// Package state tracks announcement requests between submission and
// completion. All mutations are in-memory; Save and Load are explicit
// checkpoints against a Persister.
package state

import (
	"context"
	"sync"
)

// DefaultHistorySize bounds the completed-request history.
const DefaultHistorySize = 1000

// Persisted keys.
const (
	KeyPending  = "pending"
	KeyHistory  = "history"
	KeyCalendar = "calendar"
)

// Persister is the durable key-value collaborator. Implementations log
// their own failures. Save reports them as false. Lookup returns found=false
// with a nil error for a missing key.
type Persister interface {
	Save(ctx context.Context, key string, v any) bool
	Lookup(ctx context.Context, key string, out any) (found bool, err error)
}

// Store holds the per-scope announcement maps. It is safe for concurrent use;
// each method is one logical transition under a single mutex.
type Store struct {
	mu sync.Mutex

	pending  map[string]string // request id -> bot reply id ("" until a reply exists)
	queued   map[string]struct{}
	history  []string
	inHist   map[string]struct{}
	calendar map[string]string // request id -> calendar event id

	cap int
}

func New(historySize int) *Store {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	s := &Store{cap: historySize}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.pending = map[string]string{}
	s.queued = map[string]struct{}{}
	s.history = nil
	s.inHist = map[string]struct{}{}
	s.calendar = map[string]string{}
}

func (s *Store) IsPending(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[requestID]
	return ok
}

func (s *Store) IsQueued(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queued[requestID]
	return ok
}

func (s *Store) InHistory(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inHist[requestID]
	return ok
}

// IsBooked reports whether the request is queued or already completed.
func (s *Store) IsBooked(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, q := s.queued[requestID]
	_, h := s.inHist[requestID]
	return q || h
}

// ReplyID returns the bot reply recorded for a request, if any.
func (s *Store) ReplyID(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.pending[requestID]
	return r, r != ""
}

// FindRequestByReply is the reverse lookup from a bot reply to its request.
func (s *Store) FindRequestByReply(replyID string) (string, bool) {
	if replyID == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for req, r := range s.pending {
		if r == replyID {
			return req, true
		}
	}
	return "", false
}

// AddPending records a new request with no reply yet. The caller checks
// IsBooked first.
func (s *Store) AddPending(requestID string) {
	s.mu.Lock()
	s.pending[requestID] = ""
	s.mu.Unlock()
}

func (s *Store) MarkQueued(requestID, replyID string) {
	s.mu.Lock()
	s.pending[requestID] = replyID
	s.queued[requestID] = struct{}{}
	s.mu.Unlock()
}

// MarkCompleted moves a request into history, evicting the oldest entries
// beyond capacity.
func (s *Store) MarkCompleted(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inHist[requestID]; !ok {
		s.history = append(s.history, requestID)
		s.inHist[requestID] = struct{}{}
		s.trimLocked()
	}
	delete(s.queued, requestID)
	delete(s.pending, requestID)
}

func (s *Store) trimLocked() {
	over := len(s.history) - s.cap
	if over <= 0 {
		return
	}
	for _, id := range s.history[:over] {
		delete(s.inHist, id)
	}
	s.history = append([]string(nil), s.history[over:]...)
}

// Cancel unqueues a request, clears its reply and returns the calendar
// event id that was linked to it, if any.
func (s *Store) Cancel(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, requestID)
	s.pending[requestID] = ""
	cal, ok := s.calendar[requestID]
	delete(s.calendar, requestID)
	return cal, ok
}

func (s *Store) SetCalendarEvent(requestID, eventID string) {
	s.mu.Lock()
	s.calendar[requestID] = eventID
	s.mu.Unlock()
}

func (s *Store) HasCalendarEvent(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calendar[requestID]
	return ok
}

func (s *Store) CalendarEvent(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.calendar[requestID]
	return id, ok
}

func (s *Store) RemoveCalendarEvent(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.calendar[requestID]
	delete(s.calendar, requestID)
	return id, ok
}

// History returns completed request ids, oldest first.
func (s *Store) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// Counts reports the sizes of the pending, queued and history sets.
func (s *Store) Counts() (pending, queued, history int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.queued), len(s.history)
}

// Save writes the three state keys. It reports whether every write succeeded.
func (s *Store) Save(ctx context.Context, p Persister) bool {
	s.mu.Lock()
	pending := make(map[string]*string, len(s.pending))
	for id, r := range s.pending {
		if r == "" {
			pending[id] = nil
			continue
		}
		r := r
		pending[id] = &r
	}
	history := append([]string{}, s.history...)
	calendar := make(map[string]string, len(s.calendar))
	for k, v := range s.calendar {
		calendar[k] = v
	}
	s.mu.Unlock()

	ok := p.Save(ctx, KeyPending, pending)
	ok = p.Save(ctx, KeyHistory, history) && ok
	ok = p.Save(ctx, KeyCalendar, calendar) && ok
	return ok
}

// Load replaces the in-memory state with what p holds. Missing keys load as
// empty. Requests with a recorded reply are considered queued. It returns
// the keys that exist but could not be read; those load as empty too.
func (s *Store) Load(ctx context.Context, p Persister) []string {
	var (
		pending  map[string]*string
		history  []string
		calendar map[string]string
		failed   []string
	)
	read := func(key string, out any) bool {
		if _, err := p.Lookup(ctx, key, out); err != nil {
			failed = append(failed, key)
			return false
		}
		return true
	}
	if !read(KeyPending, &pending) {
		pending = nil
	}
	if !read(KeyHistory, &history) {
		history = nil
	}
	if !read(KeyCalendar, &calendar) {
		calendar = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	for id, r := range pending {
		if r == nil || *r == "" {
			s.pending[id] = ""
			continue
		}
		s.pending[id] = *r
		s.queued[id] = struct{}{}
	}
	for _, id := range history {
		if _, dup := s.inHist[id]; dup {
			continue
		}
		s.history = append(s.history, id)
		s.inHist[id] = struct{}{}
		delete(s.queued, id)
		delete(s.pending, id)
	}
	s.trimLocked()
	for k, v := range calendar {
		s.calendar[k] = v
	}
	return failed
}
