// Package venue talks to the platform where announcements are published:
// group posts, group calendar events and the login/second-factor flow.
package venue

import (
	"context"
	"time"
)

// Second-factor kinds accepted by VerifyCode.
const (
	KindTOTP     = "totp"
	KindEmailOTP = "emailOtp"
	KindRecovery = "otp"
)

// Session is the opaque credential persisted between restarts.
type Session struct {
	AuthCookie      string `json:"authCookie,omitempty"`
	TwoFactorCookie string `json:"twoFactorAuthCookie,omitempty"`
}

func (s Session) Empty() bool { return s.AuthCookie == "" }

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type CalendarEvent struct {
	Title       string
	Description string
	StartsAt    time.Time
	EndsAt      time.Time
}

// Client is the raw platform API. It does not retry; auth.Manager wraps it.
type Client interface {
	// Login authenticates with the configured credentials. It returns
	// *SecondFactorRequired when a one-time code is needed.
	Login(ctx context.Context) (User, error)
	VerifyCode(ctx context.Context, kind, code string) error
	CurrentUser(ctx context.Context) (User, error)

	Session() Session
	RestoreSession(s Session)

	Post(ctx context.Context, title, body string) (postID string, err error)
	DeletePost(ctx context.Context, postID string) error
	CreateCalendarEvent(ctx context.Context, ev CalendarEvent) (eventID string, err error)
	DeleteCalendarEvent(ctx context.Context, eventID string) error
}
