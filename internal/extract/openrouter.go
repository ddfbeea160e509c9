package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "announcebot/pkg/logx"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-4o-mini"

	displayLayout = "2006-01-02 15:04"
)

type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Location *time.Location
	Timeout  time.Duration
	Logger   logx.Logger
	Now      func() time.Time
}

// OpenRouter implements Extractor over the OpenRouter chat completions API.
type OpenRouter struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewOpenRouter(cfg Config) *OpenRouter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &OpenRouter{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "extract")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// fields is the JSON shape the prompt asks for.
type fields struct {
	AnnounceDate   string `json:"announcement_date"`
	AnnounceTime   string `json:"announcement_time"`
	EventStartDate string `json:"event_start_date"`
	EventStartTime string `json:"event_start_time"`
	EventEndDate   string `json:"event_end_date"`
	EventEndTime   string `json:"event_end_time"`
	Title          string `json:"title"`
	EventTitle     string `json:"event_title"`
	Content        string `json:"content"`
}

func (o *OpenRouter) Extract(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(o.cfg.APIKey) == "" {
		return Result{}, fmt.Errorf("extract: api key not configured")
	}
	answer, err := o.complete(ctx, buildPrompt(text, o.cfg.Now().In(o.cfg.Location)))
	if err != nil {
		return Result{}, err
	}
	o.log.Debug("model answer", logx.Int("len", len(answer)))

	var f fields
	if err := json.Unmarshal([]byte(stripFences(answer)), &f); err != nil {
		return Result{}, fmt.Errorf("extract: decode model answer: %w", err)
	}
	return o.toResult(f)
}

func (o *OpenRouter) toResult(f fields) (Result, error) {
	var missing []string
	for name, v := range map[string]string{
		"announcement_date": f.AnnounceDate,
		"announcement_time": f.AnnounceTime,
		"title":             f.Title,
		"content":           f.Content,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrIncomplete, strings.Join(sortedCopy(missing), ", "))
	}

	loc := o.cfg.Location
	due, err := parseLocal(f.AnnounceDate, f.AnnounceTime, loc)
	if err != nil {
		return Result{}, fmt.Errorf("extract: announcement time: %w", err)
	}
	r := Result{
		Title:        strings.TrimSpace(f.Title),
		EventTitle:   strings.TrimSpace(f.EventTitle),
		Content:      strings.TrimSpace(f.Content),
		DueAt:        due.UTC(),
		DisplayDueAt: due.Format(displayLayout),
	}
	if r.EventTitle == "" {
		r.EventTitle = r.Title
	}

	if f.EventStartDate != "" && f.EventStartTime != "" {
		start, err := parseLocal(f.EventStartDate, f.EventStartTime, loc)
		if err != nil {
			return Result{}, fmt.Errorf("extract: event start: %w", err)
		}
		r.EventStartAt = start.UTC()
		r.EventEndAt = r.EventStartAt.Add(DefaultEventLength)

		endDate := f.EventEndDate
		if endDate == "" {
			endDate = f.EventStartDate
		}
		if f.EventEndTime != "" {
			end, err := parseLocal(endDate, f.EventEndTime, loc)
			if err != nil {
				return Result{}, fmt.Errorf("extract: event end: %w", err)
			}
			// An end before the start on the same date crosses midnight.
			if !end.After(start) && f.EventEndDate == "" {
				end = end.AddDate(0, 0, 1)
			}
			if end.After(start) {
				r.EventEndAt = end.UTC()
			}
		}
	}
	return r, nil
}

func (o *OpenRouter) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    o.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("X-Title", "announcebot")

	resp, err := o.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("extract: request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("extract: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extract: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("extract: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("extract: no choices in response")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
