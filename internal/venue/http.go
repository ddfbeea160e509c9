package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	logx "announcebot/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://api.vrchat.cloud/api/1"
	DefaultUserAgent = "announcebot/1.0 (ops contact in config)"

	cookieAuth      = "auth"
	cookieTwoFactor = "twoFactorAuth"
)

type HTTPConfig struct {
	BaseURL    string
	Username   string
	Password   string
	GroupID    string
	UserAgent  string
	RatePerSec float64
	Timeout    time.Duration
	Logger     logx.Logger
}

// HTTPClient implements Client over the platform's REST API.
type HTTPClient struct {
	base    *url.URL
	cfg     HTTPConfig
	http    *http.Client
	jar     http.CookieJar
	limiter *rate.Limiter
	log     logx.Logger
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("venue base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPClient{
		base:    base,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Jar: jar},
		jar:     jar,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 2),
		log:     log.With(logx.String("comp", "venue")),
	}, nil
}

type loginResponse struct {
	User
	RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
}

func (c *HTTPClient) Login(ctx context.Context) (User, error) {
	var out loginResponse
	err := c.do(ctx, "login", http.MethodGet, "/auth/user", nil, &out, func(r *http.Request) {
		r.SetBasicAuth(url.QueryEscape(c.cfg.Username), url.QueryEscape(c.cfg.Password))
	})
	if err != nil {
		return User{}, err
	}
	if len(out.RequiresTwoFactorAuth) > 0 {
		return User{}, &SecondFactorRequired{Kinds: out.RequiresTwoFactorAuth}
	}
	return out.User, nil
}

func (c *HTTPClient) VerifyCode(ctx context.Context, kind, code string) error {
	var path string
	switch kind {
	case KindEmailOTP:
		path = "/auth/twofactorauth/emailotp/verify"
	case KindRecovery:
		path = "/auth/twofactorauth/otp/verify"
	default:
		path = "/auth/twofactorauth/totp/verify"
	}
	var out struct {
		Verified bool `json:"verified"`
	}
	err := c.do(ctx, "verify", http.MethodPost, path, map[string]string{"code": strings.TrimSpace(code)}, &out, nil)
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && (apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnauthorized):
		return ErrCodeRejected
	case err != nil:
		return err
	case !out.Verified:
		return ErrCodeRejected
	}
	return nil
}

func (c *HTTPClient) CurrentUser(ctx context.Context) (User, error) {
	var out loginResponse
	if err := c.do(ctx, "current_user", http.MethodGet, "/auth/user", nil, &out, nil); err != nil {
		return User{}, err
	}
	if len(out.RequiresTwoFactorAuth) > 0 || out.ID == "" {
		return User{}, ErrUnauthorized
	}
	return out.User, nil
}

func (c *HTTPClient) Session() Session {
	var s Session
	for _, ck := range c.jar.Cookies(c.base) {
		switch ck.Name {
		case cookieAuth:
			s.AuthCookie = ck.Value
		case cookieTwoFactor:
			s.TwoFactorCookie = ck.Value
		}
	}
	return s
}

func (c *HTTPClient) RestoreSession(s Session) {
	var cookies []*http.Cookie
	if s.AuthCookie != "" {
		cookies = append(cookies, &http.Cookie{Name: cookieAuth, Value: s.AuthCookie, Path: "/"})
	}
	if s.TwoFactorCookie != "" {
		cookies = append(cookies, &http.Cookie{Name: cookieTwoFactor, Value: s.TwoFactorCookie, Path: "/"})
	}
	if len(cookies) > 0 {
		c.jar.SetCookies(c.base, cookies)
	}
}

func (c *HTTPClient) Post(ctx context.Context, title, body string) (string, error) {
	req := map[string]any{
		"title":            title,
		"text":             body,
		"sendNotification": true,
		"visibility":       "group",
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "post", http.MethodPost, "/groups/"+url.PathEscape(c.cfg.GroupID)+"/posts", req, &out, nil); err != nil {
		return "", err
	}
	c.log.Info("group post created", logx.String("post_id", out.ID))
	return out.ID, nil
}

func (c *HTTPClient) DeletePost(ctx context.Context, postID string) error {
	path := "/groups/" + url.PathEscape(c.cfg.GroupID) + "/posts/" + url.PathEscape(postID)
	return c.do(ctx, "delete_post", http.MethodDelete, path, nil, nil, nil)
}

func (c *HTTPClient) CreateCalendarEvent(ctx context.Context, ev CalendarEvent) (string, error) {
	req := map[string]any{
		"title":                    ev.Title,
		"description":              ev.Description,
		"startsAt":                 ev.StartsAt.UTC().Format(time.RFC3339),
		"endsAt":                   ev.EndsAt.UTC().Format(time.RFC3339),
		"category":                 "other",
		"accessType":               "public",
		"sendCreationNotification": false,
		"isDraft":                  false,
		"featured":                 false,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "calendar_create", http.MethodPost, "/calendar/"+url.PathEscape(c.cfg.GroupID)+"/event", req, &out, nil); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &APIError{Op: "calendar_create", Status: http.StatusOK, Message: "response carried no event id"}
	}
	return out.ID, nil
}

func (c *HTTPClient) DeleteCalendarEvent(ctx context.Context, eventID string) error {
	path := "/calendar/" + url.PathEscape(c.cfg.GroupID) + "/" + url.PathEscape(eventID) + "/event"
	return c.do(ctx, "calendar_delete", http.MethodDelete, path, nil, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any, decorate func(*http.Request)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("venue: %s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("venue: %s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("venue: %s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug("venue call failed", logx.String("op", op), logx.Int("status", resp.StatusCode))
		return &APIError{Op: op, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("venue: %s: decode: %w", op, err)
	}
	return nil
}

// errorMessage pulls {"error":{"message":...}} out of a failure body.
func errorMessage(raw []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		return strings.Trim(env.Error.Message, `"`)
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
