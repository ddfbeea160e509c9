package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "announcebot/pkg/logx"
)

func fakeModel(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 1 {
			t.Errorf("bad request: %v", err)
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": answer}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newExtractor(t *testing.T, url string) *OpenRouter {
	t.Helper()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("tz: %v", err)
	}
	return NewOpenRouter(Config{BaseURL: url, APIKey: "key", Location: tokyo, Logger: logx.Nop()})
}

func TestExtractFullAnswer(t *testing.T) {
	answer := "```json\n" + `{
	  "announcement_date": "2023-10-27",
	  "announcement_time": "20:00",
	  "event_start_date": "2023-10-28",
	  "event_start_time": "21:00",
	  "event_end_date": "2023-10-28",
	  "event_end_time": "22:30",
	  "title": "Test Event",
	  "content": "Test Content"
	}` + "\n```"
	x := newExtractor(t, fakeModel(t, answer).URL)

	r, err := x.Extract(context.Background(), "party tomorrow")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if want := time.Date(2023, 10, 27, 11, 0, 0, 0, time.UTC); !r.DueAt.Equal(want) {
		t.Fatalf("due=%v want %v", r.DueAt, want)
	}
	if want := time.Date(2023, 10, 28, 12, 0, 0, 0, time.UTC); !r.EventStartAt.Equal(want) {
		t.Fatalf("start=%v", r.EventStartAt)
	}
	if r.EventEndAt.Sub(r.EventStartAt) != 90*time.Minute {
		t.Fatalf("end=%v", r.EventEndAt)
	}
	if r.Title != "Test Event" || r.EventTitle != "Test Event" || r.DisplayDueAt != "2023-10-27 20:00" {
		t.Fatalf("result=%+v", r)
	}
}

func TestExtractDefaultsEventEnd(t *testing.T) {
	answer := `{"announcement_date":"2023-10-27","announcement_time":"20:00",
		"event_start_date":"2023-10-28","event_start_time":"21:00","title":"T","content":"C"}`
	r, err := newExtractor(t, fakeModel(t, answer).URL).Extract(context.Background(), "x")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if r.EventEndAt.Sub(r.EventStartAt) != time.Hour {
		t.Fatalf("default length not applied: %v..%v", r.EventStartAt, r.EventEndAt)
	}
}

func TestExtractEndPastMidnight(t *testing.T) {
	answer := `{"announcement_date":"2023-10-27","announcement_time":"20:00",
		"event_start_date":"2023-10-28","event_start_time":"23:00","event_end_time":"01:00","title":"T","content":"C"}`
	r, err := newExtractor(t, fakeModel(t, answer).URL).Extract(context.Background(), "x")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if r.EventEndAt.Sub(r.EventStartAt) != 2*time.Hour {
		t.Fatalf("window=%v", r.EventEndAt.Sub(r.EventStartAt))
	}
}

func TestExtractMissingFields(t *testing.T) {
	answer := `{"title":"Test Event","content":"Test Content"}`
	_, err := newExtractor(t, fakeModel(t, answer).URL).Extract(context.Background(), "x")
	if !errors.Is(err, ErrIncomplete) || !strings.Contains(err.Error(), "announcement_date") {
		t.Fatalf("err=%v", err)
	}
}

func TestExtractUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err := newExtractor(t, srv.URL).Extract(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err=%v", err)
	}
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                          `{"a":1}`,
		"```json\n{\"a\":1}\n```":          `{"a":1}`,
		"here you go\n```\n{\"a\":1}\n```": `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripFences(in); got != want {
			t.Fatalf("stripFences(%q)=%q", in, got)
		}
	}
}
