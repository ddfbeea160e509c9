package state

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"announcebot/internal/storage"
	logx "announcebot/pkg/logx"
)

func TestHistoryKeepsNewestWithinCapacity(t *testing.T) {
	s := New(5)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("msg%d", i)
		s.AddPending(id)
		s.MarkQueued(id, "r"+id)
		s.MarkCompleted(id)
	}
	want := []string{"msg5", "msg6", "msg7", "msg8", "msg9"}
	if got := s.History(); !reflect.DeepEqual(got, want) {
		t.Fatalf("history=%v want %v", got, want)
	}
	if s.InHistory("msg4") || !s.InHistory("msg9") {
		t.Fatalf("history index out of sync")
	}
	if s.IsQueued("msg9") || s.IsPending("msg9") {
		t.Fatalf("completed request still pending or queued")
	}
}

func TestMarkCompletedTwiceDoesNotDuplicate(t *testing.T) {
	s := New(3)
	s.MarkCompleted("a")
	s.MarkCompleted("a")
	if got := s.History(); len(got) != 1 {
		t.Fatalf("history=%v", got)
	}
}

func TestCancelReturnsCalendarID(t *testing.T) {
	s := New(0)
	s.AddPending("m1")
	s.MarkQueued("m1", "r1")
	s.SetCalendarEvent("m1", "cal1")

	cal, ok := s.Cancel("m1")
	if !ok || cal != "cal1" {
		t.Fatalf("cancel=%q,%v", cal, ok)
	}
	if s.HasCalendarEvent("m1") || s.IsQueued("m1") {
		t.Fatalf("cancel left state behind")
	}
	if _, has := s.ReplyID("m1"); has {
		t.Fatalf("reply id should be cleared")
	}
	if !s.IsPending("m1") {
		t.Fatalf("cancelled request returns to pending")
	}

	s.AddPending("m2")
	s.MarkQueued("m2", "r2")
	if cal, ok := s.Cancel("m2"); ok || cal != "" {
		t.Fatalf("no calendar expected, got %q", cal)
	}
}

func TestFindRequestByReply(t *testing.T) {
	s := New(0)
	s.AddPending("m1")
	s.MarkQueued("m1", "r1")
	s.AddPending("m2")

	if req, ok := s.FindRequestByReply("r1"); !ok || req != "m1" {
		t.Fatalf("lookup=%q,%v", req, ok)
	}
	if _, ok := s.FindRequestByReply(""); ok {
		t.Fatalf("empty reply must not match pending requests without a reply")
	}
	if _, ok := s.FindRequestByReply("nope"); ok {
		t.Fatalf("unknown reply matched")
	}
}

func TestIsBooked(t *testing.T) {
	s := New(0)
	s.AddPending("m1")
	if s.IsBooked("m1") {
		t.Fatalf("pending is not booked")
	}
	s.MarkQueued("m1", "r1")
	if !s.IsBooked("m1") {
		t.Fatalf("queued is booked")
	}
	s.MarkCompleted("m1")
	if !s.IsBooked("m1") {
		t.Fatalf("history is booked")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p := storage.NewPersistence(storage.NewMemory(), "g1", logx.Nop())
	ctx := context.Background()

	s := New(10)
	s.AddPending("waiting")
	s.AddPending("booked")
	s.MarkQueued("booked", "reply-1")
	s.SetCalendarEvent("booked", "cal-9")
	s.MarkCompleted("done")
	if !s.Save(ctx, p) {
		t.Fatalf("save failed")
	}

	var raw map[string]*string
	if !p.Load(ctx, KeyPending, &raw) {
		t.Fatalf("pending key missing")
	}
	if raw["waiting"] != nil || raw["booked"] == nil || *raw["booked"] != "reply-1" {
		t.Fatalf("pending wire form=%v", raw)
	}

	got := New(10)
	if failed := got.Load(ctx, p); len(failed) != 0 {
		t.Fatalf("failed keys=%v", failed)
	}
	if !got.IsPending("waiting") || got.IsQueued("waiting") {
		t.Fatalf("waiting request state wrong")
	}
	if !got.IsQueued("booked") {
		t.Fatalf("queued set not rebuilt from replies")
	}
	if cal, _ := got.CalendarEvent("booked"); cal != "cal-9" {
		t.Fatalf("calendar=%q", cal)
	}
	if !got.InHistory("done") {
		t.Fatalf("history lost")
	}
}

func TestLoadFromEmptyPersistence(t *testing.T) {
	p := storage.NewPersistence(storage.NewMemory(), "g1", logx.Nop())
	s := New(0)
	s.AddPending("stale")
	if failed := s.Load(context.Background(), p); len(failed) != 0 {
		t.Fatalf("missing keys reported as failed: %v", failed)
	}
	if pn, q, h := s.Counts(); pn+q+h != 0 {
		t.Fatalf("expected empty state, got %d/%d/%d", pn, q, h)
	}
}

func TestLoadReportsUnreadableKeys(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	p := storage.NewPersistence(mem, "g1", logx.Nop())
	p.Save(ctx, KeyHistory, []string{"done"})
	_ = mem.Put(ctx, "g1", KeyPending, []byte(`{"a": 5`))

	s := New(0)
	failed := s.Load(ctx, p)
	if !reflect.DeepEqual(failed, []string{KeyPending}) {
		t.Fatalf("failed=%v", failed)
	}
	if !s.InHistory("done") || s.IsPending("a") {
		t.Fatalf("readable keys not loaded or unreadable key used")
	}
}
