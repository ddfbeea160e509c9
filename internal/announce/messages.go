package announce

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"announcebot/internal/extract"
	"announcebot/internal/task/jobs"
)

const (
	msgRequestReceived      = "Announcement request received. Waiting for admin approval."
	msgAlreadyBooked        = "This announcement is already booked."
	msgProcessing           = "Processing…"
	msgBookingCancelled     = "The announcement booking was cancelled."
	msgProcessingError      = "Could not process the announcement: %v"
	msgPostFailed           = "Posting failed: %v"
	msgNoEventWindow        = "The event start and end times are unknown, so no calendar event was created."
	msgCalendarCreated      = "Calendar event created."
	msgCalendarFailed       = "Calendar event could not be created: %v"
	msgCalendarDeleted      = "Calendar event removed."
	msgCalendarDeleteFailed = "Calendar event tracking removed, but the venue reported an error: %v"

	displayLayout = "2006-01-02 15:04"

	// MaxContentLen bounds the content shown in a confirmation.
	MaxContentLen  = 1024
	listContentLen = 100
)

func errorf(format string, err error) string { return fmt.Sprintf(format, err) }

// clamp cuts s to n runes, ending in "..." when cut.
func clamp(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

func display(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format(displayLayout)
}

func pastDueText(res extract.Result, cfg Config) string {
	when := res.DisplayDueAt
	if when == "" {
		when = display(res.DueAt, cfg.Location)
	}
	return fmt.Sprintf("⚠️ The announcement time %s is more than %s in the past. It was not scheduled.", when, cfg.Staleness)
}

func formatConfirmation(j jobs.Job, dueText string, loc *time.Location) string {
	if dueText == "" {
		dueText = display(j.DueAt, loc)
	}
	var b strings.Builder
	b.WriteString("✅ Announcement scheduled\n")
	fmt.Fprintf(&b, "Post at: %s\n", dueText)
	fmt.Fprintf(&b, "Event start: %s\n", display(j.EventStartAt, loc))
	fmt.Fprintf(&b, "Event end: %s\n", display(j.EventEndAt, loc))
	fmt.Fprintf(&b, "Title: %s\n", j.Title)
	fmt.Fprintf(&b, "Content: %s\n", clamp(j.Body, MaxContentLen))
	fmt.Fprintf(&b, "Job ID: %s", j.ID)
	return b.String()
}

func formatPostedNow(j jobs.Job, at time.Time, loc *time.Location) string {
	return fmt.Sprintf("⏩ Posted immediately at %s\nTitle: %s\nContent: %s",
		display(at, loc), j.Title, clamp(j.Body, MaxContentLen))
}

func formatPosted(j jobs.Job) string {
	return "📣 Announcement posted: " + j.Title
}

func formatJobFailed(j jobs.Job) string {
	if j.Error == jobs.ReasonMissed {
		return fmt.Sprintf("❌ The announcement %q missed its posting window (job %s).", j.Title, j.ID)
	}
	return fmt.Sprintf("❌ Posting %q failed: %s\nJob %s is kept; cancel it or remove the approval to resubmit.", j.Title, j.Error, j.ID)
}

// FormatJobList renders jobs for the /list command.
func FormatJobList(js []jobs.Job, loc *time.Location) string {
	if len(js) == 0 {
		return "No announcements are scheduled."
	}
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	b.WriteString("Scheduled announcements:")
	for _, j := range js {
		fmt.Fprintf(&b, "\n\nID: %s\nPost at: %s\nTitle: %s\nContent: %s",
			j.ID, display(j.DueAt, loc), j.Title, clamp(j.Body, listContentLen))
	}
	return b.String()
}

func formatStartup(rep StartupReport, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 Restarted: %d job(s) restored, %d request(s) pending, %d queued.", rep.Restored, rep.Pending, rep.Queued)
	if len(rep.Skipped) > 0 {
		b.WriteString("\nMissed while offline, waiting for approval again:")
		for _, j := range rep.Skipped {
			fmt.Fprintf(&b, "\n- %s (%s)", j.Title, display(j.DueAt, loc))
		}
	}
	if len(rep.Failed) > 0 {
		b.WriteString("\nFailed before the restart, kept until cancelled:")
		for _, j := range rep.Failed {
			fmt.Fprintf(&b, "\n- %s (job %s): %s", j.Title, j.ID, j.Error)
		}
	}
	if len(rep.Unreadable) > 0 {
		fmt.Fprintf(&b, "\n⚠️ Stored state could not be read (%s). It will not be overwritten; check storage and restart.",
			strings.Join(rep.Unreadable, ", "))
	}
	return b.String()
}
