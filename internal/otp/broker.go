// Package otp correlates one-time code prompts with the chat replies that
// answer them.
package otp

import (
	"context"
	"strings"
	"sync"
	"time"

	"announcebot/internal/metrics"
	logx "announcebot/pkg/logx"

	"github.com/google/uuid"
)

// DefaultTimeout bounds how long a prompt waits for an answer.
const DefaultTimeout = 5 * time.Minute

// Challenge is one outstanding prompt.
type Challenge struct {
	ID       string
	Kind     string
	Attempt  int
	Deadline time.Time
}

// Prompter shows a challenge to the operators and reports how it ended.
type Prompter interface {
	Prompt(ctx context.Context, c Challenge) error
	// Settle is called once per challenge with resolved=false on timeout or
	// cancellation.
	Settle(ctx context.Context, c Challenge, resolved bool)
}

// Broker is a table of pending correlation ids, each resolved at most once.
type Broker struct {
	mu      sync.Mutex
	waiting map[string]chan string
	order   []string

	prompter Prompter
	timeout  time.Duration
	log      logx.Logger
	metrics  metrics.Sink
}

func NewBroker(p Prompter, timeout time.Duration, log logx.Logger, m metrics.Sink) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broker{
		waiting:  map[string]chan string{},
		prompter: p,
		timeout:  timeout,
		log:      log.With(logx.String("comp", "otp")),
		metrics:  metrics.OrNoop(m),
	}
}

// Request prompts for a code and blocks until it is resolved, the timeout
// elapses or ctx ends. ok is false in the latter two cases.
func (b *Broker) Request(ctx context.Context, kind string, attempt int) (code string, ok bool) {
	c := Challenge{
		ID:       uuid.NewString(),
		Kind:     kind,
		Attempt:  attempt,
		Deadline: time.Now().Add(b.timeout),
	}
	ch := make(chan string, 1)

	b.mu.Lock()
	b.waiting[c.ID] = ch
	b.order = append(b.order, c.ID)
	b.mu.Unlock()

	if b.prompter != nil {
		if err := b.prompter.Prompt(ctx, c); err != nil {
			b.forget(c.ID, ch)
			b.log.Error("otp prompt failed", logx.String("otp_id", c.ID), logx.Err(err))
			b.metrics.OTPRequest(metrics.OutcomeFailed)
			return "", false
		}
	}
	b.log.Info("waiting for one-time code", logx.String("otp_id", c.ID), logx.String("kind", kind), logx.Int("attempt", attempt))

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	outcome := metrics.OutcomeOK
	select {
	case code = <-ch:
		ok = true
	case <-timer.C:
		outcome = metrics.OutcomeTimeout
	case <-ctx.Done():
		outcome = metrics.OutcomeFailed
	}
	if ok {
		b.forget(c.ID, ch)
	} else {
		// A code resolved just before the deadline still counts.
		code, ok = b.forget(c.ID, ch)
	}
	if ok {
		b.metrics.OTPRequest(metrics.OutcomeOK)
		b.settle(c, true)
		return code, true
	}
	if outcome == metrics.OutcomeTimeout {
		b.log.Warn("one-time code timed out", logx.String("otp_id", c.ID))
	}
	b.metrics.OTPRequest(outcome)
	b.settle(c, false)
	return "", false
}

func (b *Broker) settle(c Challenge, resolved bool) {
	if b.prompter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.prompter.Settle(ctx, c, resolved)
}

// forget drops id from the table. If Resolve claimed id first, its code is
// already buffered in ch and is returned.
func (b *Broker) forget(id string, ch chan string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if _, waiting := b.waiting[id]; waiting {
		delete(b.waiting, id)
		return "", false
	}
	select {
	case code := <-ch:
		return code, true
	default:
		return "", false
	}
}

// Resolve delivers code to the challenge id. It reports false for an
// unknown, expired or already resolved id. Whichever of Resolve and the
// waiting Request removes id first decides the outcome.
func (b *Broker) Resolve(id, code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiting[id]
	if !ok {
		return false
	}
	delete(b.waiting, id)
	ch <- code
	return true
}

// ResolveLatest answers the most recent outstanding challenge. Chat replies
// that do not quote a prompt land here.
func (b *Broker) ResolveLatest(code string) bool {
	b.mu.Lock()
	var id string
	for i := len(b.order) - 1; i >= 0; i-- {
		if _, ok := b.waiting[b.order[i]]; ok {
			id = b.order[i]
			break
		}
	}
	b.mu.Unlock()
	if id == "" {
		return false
	}
	return b.Resolve(id, code)
}

// Pending returns the ids still waiting for a code.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.waiting))
	for _, id := range b.order {
		if _, ok := b.waiting[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
