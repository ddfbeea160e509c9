// Package auth keeps the venue session alive: login with an optional
// one-time code, session reuse across restarts, and a single
// re-authenticate-and-retry around every platform call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"announcebot/internal/metrics"
	"announcebot/internal/venue"
	logx "announcebot/pkg/logx"
)

// SessionKey is the shared persistence key of the venue session.
const SessionKey = "venue_session"

// CodeSource asks a human for a one-time code. ok is false on timeout or
// decline.
type CodeSource interface {
	Request(ctx context.Context, kind string, attempt int) (code string, ok bool)
}

// SessionStore persists the session outside any deployment scope.
type SessionStore interface {
	SaveShared(ctx context.Context, key string, v any) bool
	LoadShared(ctx context.Context, key string, out any) bool
}

type Manager struct {
	client   venue.Client
	codes    CodeSource
	sessions SessionStore
	log      logx.Logger
	metrics  metrics.Sink

	// authMu serializes Authenticate.
	authMu sync.Mutex

	mu            sync.RWMutex
	authenticated bool
	user          venue.User
	gen           uint64
}

func NewManager(client venue.Client, codes CodeSource, sessions SessionStore, log logx.Logger, m metrics.Sink) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		client:   client,
		codes:    codes,
		sessions: sessions,
		log:      log.With(logx.String("comp", "auth")),
		metrics:  metrics.OrNoop(m),
	}
}

func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticated
}

// User returns the identity of the current session.
func (m *Manager) User() (venue.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user, m.authenticated
}

func (m *Manager) generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

func (m *Manager) setAuthenticated(u venue.User) {
	m.mu.Lock()
	m.authenticated = true
	m.user = u
	m.gen++
	m.mu.Unlock()
}

func (m *Manager) setUnauthenticated() {
	m.mu.Lock()
	m.authenticated = false
	m.user = venue.User{}
	m.mu.Unlock()
}

// Authenticate first tries the persisted session, then logs in with the
// configured credentials, prompting for one-time codes until one is
// accepted or the prompt goes unanswered.
func (m *Manager) Authenticate(ctx context.Context) error {
	m.authMu.Lock()
	defer m.authMu.Unlock()
	return m.authenticateLocked(ctx)
}

func (m *Manager) authenticateLocked(ctx context.Context) error {
	if u, ok := m.trySession(ctx); ok {
		m.setAuthenticated(u)
		m.log.Info("venue session restored", logx.String("user", u.DisplayName))
		return nil
	}

	u, err := m.client.Login(ctx)
	var sf *venue.SecondFactorRequired
	if errors.As(err, &sf) {
		if err := m.verifySecondFactor(ctx, sf.Kind()); err != nil {
			m.setUnauthenticated()
			return err
		}
		u, err = m.client.CurrentUser(ctx)
	}
	if err != nil {
		m.setUnauthenticated()
		return fmt.Errorf("venue login: %w", err)
	}

	m.setAuthenticated(u)
	m.log.Info("venue login succeeded", logx.String("user", u.DisplayName))
	if m.sessions != nil && !m.sessions.SaveShared(ctx, SessionKey, m.client.Session()) {
		m.log.Warn("venue session not persisted")
	}
	return nil
}

func (m *Manager) trySession(ctx context.Context) (venue.User, bool) {
	if m.sessions == nil {
		return venue.User{}, false
	}
	var s venue.Session
	if !m.sessions.LoadShared(ctx, SessionKey, &s) || s.Empty() {
		return venue.User{}, false
	}
	m.client.RestoreSession(s)
	u, err := m.client.CurrentUser(ctx)
	if err != nil {
		m.log.Info("stored venue session rejected", logx.Err(err))
		return venue.User{}, false
	}
	return u, true
}

func (m *Manager) verifySecondFactor(ctx context.Context, kind string) error {
	if m.codes == nil {
		return venue.ErrOTPNotProvided
	}
	for attempt := 1; ; attempt++ {
		code, ok := m.codes.Request(ctx, kind, attempt)
		if !ok {
			return venue.ErrOTPNotProvided
		}
		err := m.client.VerifyCode(ctx, kind, code)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, venue.ErrCodeRejected):
			m.log.Warn("one-time code rejected", logx.String("kind", kind), logx.Int("attempt", attempt))
		default:
			return fmt.Errorf("verify %s code: %w", kind, err)
		}
	}
}

// reauth re-authenticates unless another caller already did so since seen.
func (m *Manager) reauth(ctx context.Context, seen uint64) error {
	m.authMu.Lock()
	defer m.authMu.Unlock()
	if m.generation() != seen && m.Authenticated() {
		return nil
	}
	m.setUnauthenticated()
	err := m.authenticateLocked(ctx)
	if err != nil {
		m.metrics.ReauthAttempt(metrics.OutcomeFailed)
		m.log.Error("venue re-authentication failed", logx.Err(err))
		return err
	}
	m.metrics.ReauthAttempt(metrics.OutcomeOK)
	return nil
}

// Heartbeat checks the session and re-authenticates when it has expired.
func (m *Manager) Heartbeat(ctx context.Context) error {
	if !m.Authenticated() {
		return m.reauth(ctx, m.generation())
	}
	seen := m.generation()
	_, err := m.client.CurrentUser(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, venue.ErrUnauthorized) {
		return fmt.Errorf("venue heartbeat: %w", err)
	}
	m.log.Warn("venue session expired")
	return m.reauth(ctx, seen)
}

// Do runs fn with the retry policy: fn is not called without a session;
// an unauthorized result triggers exactly one re-authentication and one
// more call. A failed re-authentication surfaces as ErrAuthRetryPending.
func Do[T any](ctx context.Context, m *Manager, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !m.Authenticated() {
		return zero, fmt.Errorf("%s: %w", op, venue.ErrNotAuthenticated)
	}
	seen := m.generation()
	v, err := fn(ctx)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, venue.ErrUnauthorized) {
		return zero, classify(op, err)
	}

	m.log.Warn("venue call unauthorized, re-authenticating", logx.String("op", op))
	if aerr := m.reauth(ctx, seen); aerr != nil {
		return zero, fmt.Errorf("%s: %w: %w", op, venue.ErrAuthRetryPending, aerr)
	}
	v, err = fn(ctx)
	if err != nil {
		return zero, classify(op, err)
	}
	return v, nil
}

func classify(op string, err error) error {
	var apiErr *venue.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, venue.ErrUnexpected, err)
}

func (m *Manager) Post(ctx context.Context, title, body string) (string, error) {
	return Do(ctx, m, "post", func(ctx context.Context) (string, error) {
		return m.client.Post(ctx, title, body)
	})
}

func (m *Manager) DeletePost(ctx context.Context, postID string) error {
	_, err := Do(ctx, m, "delete_post", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.client.DeletePost(ctx, postID)
	})
	return err
}

func (m *Manager) CreateCalendarEvent(ctx context.Context, ev venue.CalendarEvent) (string, error) {
	return Do(ctx, m, "calendar_create", func(ctx context.Context) (string, error) {
		return m.client.CreateCalendarEvent(ctx, ev)
	})
}

func (m *Manager) DeleteCalendarEvent(ctx context.Context, eventID string) error {
	_, err := Do(ctx, m, "calendar_delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.client.DeleteCalendarEvent(ctx, eventID)
	})
	return err
}
