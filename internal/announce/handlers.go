package announce

import (
	"context"
	"errors"

	"announcebot/internal/storage"
	"announcebot/internal/task/jobs"
	"announcebot/internal/transport"
	"announcebot/internal/venue"
	logx "announcebot/pkg/logx"
)

// HandleMessage records a new request when the bot is mentioned in the
// monitored chat.
func (s *Service) HandleMessage(ctx context.Context, m *transport.Message) {
	cfg := s.config()
	if m == nil || m.ChatID != cfg.Channel.ChatID || !m.Mentioned {
		return
	}
	ref := m.Ref()
	id := ref.Key()
	log := s.log.With(logx.String("request_id", id), logx.Int64("from_id", m.FromID))

	if s.store.IsBooked(id) {
		s.reply(ctx, ref, msgAlreadyBooked)
		return
	}
	if s.store.IsPending(id) {
		return
	}

	if err := s.chat.React(ctx, ref, cfg.Emojis.Seen); err != nil {
		log.Debug("seen reaction failed", logx.Err(err))
	}
	s.store.AddPending(id)
	s.mu.Lock()
	s.requests[id] = request{
		ChatID:    m.ChatID,
		ThreadID:  m.ThreadID,
		MessageID: m.ID,
		AuthorID:  m.FromID,
		Text:      m.Text,
		At:        s.now().Unix(),
	}
	s.mu.Unlock()
	s.persist(ctx)
	log.Info("announcement request received")
	s.reply(ctx, ref, msgRequestReceived)
}

// HandleReaction dispatches emoji signals on a request or on its
// confirmation reply.
func (s *Service) HandleReaction(ctx context.Context, r *transport.Reaction) {
	cfg := s.config()
	if r == nil || r.ChatID != cfg.Channel.ChatID {
		return
	}
	id, ok := s.resolveRequest(r.Ref().Key())
	if !ok {
		return
	}
	admin := s.IsAdmin(r.UserID)

	switch r.Emoji {
	case cfg.Emojis.Approve:
		if !admin {
			return
		}
		if r.Added {
			if s.addApprover(id, r.UserID) {
				s.approve(ctx, id, r.UserID)
			}
			return
		}
		if s.removeApprover(id, r.UserID) {
			s.disapprove(ctx, id, r.UserID)
		}
	case cfg.Emojis.FastForward:
		if r.Added && (admin || s.isRequester(id, r.UserID)) {
			s.fastForward(ctx, id, r.UserID)
		}
	case cfg.Emojis.Calendar:
		if !admin {
			return
		}
		if r.Added {
			s.createCalendar(ctx, id, r.UserID)
		} else {
			s.removeCalendar(ctx, id, r.UserID)
		}
	}
}

func (s *Service) resolveRequest(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	s.mu.Lock()
	_, known := s.requests[key]
	s.mu.Unlock()
	if known || s.store.IsPending(key) {
		return key, true
	}
	return s.store.FindRequestByReply(key)
}

func (s *Service) isRequester(id string, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	return ok && r.AuthorID == userID
}

// addApprover reports whether userID is the first approver.
func (s *Service) addApprover(id string, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.approvers[id]
	if set == nil {
		set = map[int64]struct{}{}
		s.approvers[id] = set
	}
	set[userID] = struct{}{}
	return len(set) == 1
}

// removeApprover reports whether no approval remains. Approvals are not
// persisted, so after a restart the first removal counts as the last one.
func (s *Service) removeApprover(id string, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.approvers[id]
	if _, ok := set[userID]; !ok && len(set) > 0 {
		return false
	}
	delete(set, userID)
	if len(set) > 0 {
		return false
	}
	delete(s.approvers, id)
	return true
}

func (s *Service) approve(ctx context.Context, id string, actor int64) {
	defer s.locks.lock(id)()
	log := s.log.With(logx.String("request_id", id), logx.Int64("actor_id", actor))

	if s.store.IsBooked(id) {
		ref, _ := transport.ParseKey(id)
		s.reply(ctx, ref, msgAlreadyBooked)
		return
	}
	s.mu.Lock()
	req, ok := s.requests[id]
	s.mu.Unlock()
	if !ok || !s.store.IsPending(id) {
		log.Debug("approval for unknown request ignored")
		return
	}
	ref := req.ref()

	// The placeholder is always replaced below, by the confirmation or an error.
	holder, err := s.chat.SendText(ctx, ref.Target(), msgProcessing, &transport.SendOptions{ReplyTo: ref.MessageID})
	if err != nil {
		log.Warn("placeholder not sent", logx.Err(err))
	}
	finish := func(text string) transport.MessageRef {
		if holder.MessageID != 0 {
			if err := s.chat.EditText(ctx, holder, text, nil); err == nil {
				return holder
			}
		}
		out, _ := s.chat.SendText(ctx, ref.Target(), text, &transport.SendOptions{ReplyTo: ref.MessageID})
		return out
	}
	fail := func(reason string, err error) {
		log.Warn("approval rejected", logx.String("reason", reason), logx.Err(err))
		s.audit(ctx, storage.AuditEntry{ActorID: actor, Action: "approve", RequestID: id, Error: errText(reason, err)})
	}

	res, err := s.extract.Extract(ctx, req.Text)
	if err != nil {
		finish(errorf(msgProcessingError, err))
		fail("extract", err)
		return
	}
	cfg := s.config()
	now := s.now()
	if now.Sub(res.DueAt) > cfg.Staleness {
		finish(pastDueText(res, cfg))
		fail("stale", nil)
		return
	}

	jr := jobs.Request{
		RequestID:    id,
		DueAt:        res.DueAt,
		Title:        res.Title,
		Body:         res.Content,
		EventTitle:   res.EventTitle,
		EventStartAt: res.EventStartAt,
		EventEndAt:   res.EventEndAt,
	}
	jobID, err := s.sched.Schedule(jr)
	if errors.Is(err, jobs.ErrDuplicateRequest) {
		finish(msgAlreadyBooked)
		fail("duplicate", err)
		return
	}
	if err != nil {
		finish(errorf(msgProcessingError, err))
		fail("schedule", err)
		return
	}

	// The job may already have fired when its due time has passed.
	j := jobs.Job{ID: jobID, DueAt: jr.DueAt, Title: jr.Title, Body: jr.Body, EventStartAt: jr.EventStartAt, EventEndAt: jr.EventEndAt}
	out := finish(formatConfirmation(j, res.DisplayDueAt, cfg.Location))
	s.store.MarkQueued(id, out.Key())
	s.persist(ctx)
	s.audit(ctx, storage.AuditEntry{ActorID: actor, Action: "approve", RequestID: id, JobID: jobID, OK: true})
	log.Info("announcement approved", logx.String("job_id", jobID))
}

func (s *Service) disapprove(ctx context.Context, id string, actor int64) {
	defer s.locks.lock(id)()
	if !s.store.IsQueued(id) {
		return
	}
	s.sched.CancelByRequest(id)
	s.releaseRequest(ctx, id)
	s.persist(ctx)

	s.mu.Lock()
	req := s.requests[id]
	s.mu.Unlock()
	s.reply(ctx, req.ref(), msgBookingCancelled)
	s.audit(ctx, storage.AuditEntry{ActorID: actor, Action: "disapprove", RequestID: id, OK: true})
	s.log.Info("announcement booking cancelled", logx.String("request_id", id), logx.Int64("actor_id", actor))
}

// releaseRequest deletes the confirmation reply and any calendar event and
// returns the request to pending.
func (s *Service) releaseRequest(ctx context.Context, id string) {
	if reply, ok := s.store.ReplyID(id); ok {
		if ref, err := transport.ParseKey(reply); err == nil {
			if err := s.chat.Delete(ctx, ref); err != nil {
				s.log.Debug("confirmation not deleted", logx.String("request_id", id), logx.Err(err))
			}
		}
	}
	if cal, ok := s.store.Cancel(id); ok {
		if err := s.venue.DeleteCalendarEvent(ctx, cal); err != nil {
			s.log.Warn("calendar event not deleted", logx.String("request_id", id), logx.String("event_id", cal), logx.Err(err))
		}
	}
}

// CancelJob cancels a job by id on behalf of an operator. A queued request
// behind it returns to pending.
func (s *Service) CancelJob(ctx context.Context, jobID string, actor int64) bool {
	j, ok := s.sched.Get(jobID)
	if !ok {
		return false
	}
	defer s.locks.lock(j.RequestID)()
	if !s.sched.Cancel(jobID) {
		return false
	}
	if s.store.IsQueued(j.RequestID) {
		s.releaseRequest(ctx, j.RequestID)
	}
	s.mu.Lock()
	delete(s.approvers, j.RequestID)
	s.mu.Unlock()
	s.persist(ctx)
	s.audit(ctx, storage.AuditEntry{ActorID: actor, Action: "cancel", RequestID: j.RequestID, JobID: jobID, OK: true})
	return true
}

func (s *Service) fastForward(ctx context.Context, id string, actor int64) {
	defer s.locks.lock(id)()
	log := s.log.With(logx.String("request_id", id), logx.Int64("actor_id", actor))

	j, ok := s.sched.GetByRequest(id)
	if !ok || !s.sched.Cancel(j.ID) {
		log.Debug("fast-forward without a waiting job ignored")
		return
	}
	ref, _ := s.confirmationRef(id)

	postID, err := s.venue.Post(ctx, j.Title, j.Body)
	if err != nil {
		log.Error("immediate post failed", logx.String("kind", string(venue.Classify(err))), logx.Err(err))
		if j.Status == jobs.StatusPending && j.DueAt.After(s.now()) {
			s.rearm(ctx, j)
		}
		s.persist(ctx)
		s.reply(ctx, ref, errorf(msgPostFailed, err))
		s.audit(ctx, storage.AuditEntry{ActorID: actor, Action: "fast_forward", RequestID: id, JobID: j.ID, Error: err.Error()})
		return
	}

	s.store.MarkCompleted(id)
	s.forget(id)
	s.persist(ctx)
	cfg := s.config()
	if ref.MessageID != 0 {
		if err := s.chat.EditText(ctx, ref, formatPostedNow(j, s.now(), cfg.Location), nil); err != nil {
			log.Debug("confirmation not updated", logx.Err(err))
		}
	}
	s.audit(ctx, storage.AuditEntry{ActorID: actor, Action: "fast_forward", RequestID: id, JobID: j.ID, OK: true, Detail: postID})
	log.Info("announcement posted immediately", logx.String("post_id", postID))
}

// rearm reschedules a job whose immediate post failed and points the
// request at the new job.
func (s *Service) rearm(ctx context.Context, j jobs.Job) {
	newID, err := s.sched.Schedule(jobs.Request{
		RequestID:    j.RequestID,
		DueAt:        j.DueAt,
		Title:        j.Title,
		Body:         j.Body,
		EventTitle:   j.EventTitle,
		EventStartAt: j.EventStartAt,
		EventEndAt:   j.EventEndAt,
	})
	if err != nil {
		s.log.Error("job not rescheduled", logx.String("request_id", j.RequestID), logx.Err(err))
		return
	}
	s.log.Info("job rescheduled", logx.String("request_id", j.RequestID), logx.String("job_id", newID))
}

func (s *Service) createCalendar(ctx context.Context, id string, actor int64) {
	defer s.locks.lock(id)()
	if s.store.HasCalendarEvent(id) {
		return
	}
	log := s.log.With(logx.String("request_id", id), logx.Int64("actor_id", actor))
	j, ok := s.sched.GetByRequest(id)
	if !ok {
		log.Warn("calendar requested for a request without a job")
		return
	}
	ref, _ := s.confirmationRef(id)
	if !j.HasEventWindow() {
		s.reply(ctx, ref, msgNoEventWindow)
		return
	}
	eventID, err := s.venue.CreateCalendarEvent(ctx, venue.CalendarEvent{
		Title:       j.EventTitle,
		Description: j.Body,
		StartsAt:    j.EventStartAt,
		EndsAt:      j.EventEndAt,
	})
	if err != nil {
		log.Error("calendar event not created", logx.Err(err))
		s.reply(ctx, ref, errorf(msgCalendarFailed, err))
		s.audit(ctx, storage.AuditEntry{ActorID: actor, Action: "calendar_create", RequestID: id, JobID: j.ID, Error: err.Error()})
		return
	}
	s.store.SetCalendarEvent(id, eventID)
	s.persist(ctx)
	s.reply(ctx, ref, msgCalendarCreated)
	s.audit(ctx, storage.AuditEntry{ActorID: actor, Action: "calendar_create", RequestID: id, JobID: j.ID, OK: true, Detail: eventID})
	log.Info("calendar event created", logx.String("event_id", eventID))
}

func (s *Service) removeCalendar(ctx context.Context, id string, actor int64) {
	defer s.locks.lock(id)()
	eventID, ok := s.store.CalendarEvent(id)
	if !ok {
		return
	}
	err := s.venue.DeleteCalendarEvent(ctx, eventID)
	s.store.RemoveCalendarEvent(id)
	s.persist(ctx)

	ref, _ := s.confirmationRef(id)
	e := storage.AuditEntry{ActorID: actor, Action: "calendar_delete", RequestID: id, OK: err == nil, Detail: eventID}
	if err != nil {
		e.Error = err.Error()
		s.log.Warn("calendar event delete failed", logx.String("request_id", id), logx.Err(err))
		s.reply(ctx, ref, errorf(msgCalendarDeleteFailed, err))
	} else {
		s.reply(ctx, ref, msgCalendarDeleted)
	}
	s.audit(ctx, e)
}

// onJobDone is the scheduler's completion handler.
func (s *Service) onJobDone(ctx context.Context, j jobs.Job) {
	defer s.locks.lock(j.RequestID)()
	ref, _ := s.confirmationRef(j.RequestID)
	e := storage.AuditEntry{RequestID: j.RequestID, JobID: j.ID}
	if j.Status == jobs.StatusSuccess {
		s.store.MarkCompleted(j.RequestID)
		s.forget(j.RequestID)
		e.Action, e.OK, e.Detail = "job_success", true, j.PostID
	} else {
		e.Action, e.Error = "job_failed", j.Error
	}
	s.persist(ctx)
	s.audit(ctx, e)

	if j.Status == jobs.StatusSuccess {
		s.reply(ctx, ref, formatPosted(j))
		return
	}
	s.reply(ctx, ref, formatJobFailed(j))
}

// confirmationRef returns where follow-up notices go: the confirmation
// reply when known, else the request itself.
func (s *Service) confirmationRef(id string) (transport.MessageRef, bool) {
	s.mu.Lock()
	req, known := s.requests[id]
	s.mu.Unlock()
	base := req.ref()
	if reply, ok := s.store.ReplyID(id); ok {
		if ref, err := transport.ParseKey(reply); err == nil {
			ref.ThreadID = base.ThreadID
			return ref, true
		}
	}
	if !known {
		ch := s.config().Channel
		base = transport.MessageRef{ChatID: ch.ChatID, ThreadID: ch.ThreadID}
	}
	return base, known
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.requests, id)
	delete(s.approvers, id)
	s.mu.Unlock()
}

// reply sends text threaded under ref. A ref without a message id posts
// plainly into its chat.
func (s *Service) reply(ctx context.Context, ref transport.MessageRef, text string) {
	if ref.ChatID == 0 {
		ref.ChatID = s.config().Channel.ChatID
	}
	var opt *transport.SendOptions
	if ref.MessageID != 0 {
		opt = &transport.SendOptions{ReplyTo: ref.MessageID}
	}
	if _, err := s.chat.SendText(ctx, ref.Target(), text, opt); err != nil {
		s.log.Warn("chat reply failed", logx.Int64("chat_id", ref.ChatID), logx.Err(err))
	}
}

func errText(reason string, err error) string {
	if err == nil {
		return reason
	}
	return reason + ": " + err.Error()
}
