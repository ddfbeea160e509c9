package extract

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const promptTemplate = `Extract the announcement details from the chat message below.
Today is %s (%s). Interpret every date and time in that timezone.

1. When the announcement should be posted (announcement_date, announcement_time)
2. When the event starts and ends, if mentioned (event_start_*, event_end_*)
3. A short title for the post and, if different, a title for the calendar event
4. The announcement body

Message:
%s

Reply with this JSON object only, no markdown and no explanation:
{
  "announcement_date": "YYYY-MM-DD",
  "announcement_time": "HH:MM",
  "event_start_date": "YYYY-MM-DD",
  "event_start_time": "HH:MM",
  "event_end_date": "YYYY-MM-DD",
  "event_end_time": "HH:MM",
  "title": "post title",
  "event_title": "calendar event title",
  "content": "post body"
}
Leave a field as an empty string when the message does not say.`

func buildPrompt(text string, now time.Time) string {
	return fmt.Sprintf(promptTemplate, now.Format("2006-01-02 Mon"), now.Location(), strings.TrimSpace(text))
}

// stripFences returns the JSON object inside a fenced code block, or the
// input unchanged when there is none.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "```") {
		return s
	}
	for _, block := range strings.Split(s, "```") {
		if strings.Contains(block, "{") && strings.Contains(block, "}") {
			block = strings.TrimSpace(block)
			block = strings.TrimPrefix(block, "json")
			return strings.TrimSpace(block)
		}
	}
	return s
}

var (
	dateLayouts = []string{"2006-01-02", "2006/01/02", "2006-1-2", "2006/1/2"}
	timeLayouts = []string{"15:04", "15:04:05", "3:04PM", "3:04 PM"}
)

func parseLocal(date, clock string, loc *time.Location) (time.Time, error) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	for _, dl := range dateLayouts {
		for _, tl := range timeLayouts {
			if t, err := time.ParseInLocation(dl+" "+tl, date+" "+clock, loc); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date/time %q %q", date, clock)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
