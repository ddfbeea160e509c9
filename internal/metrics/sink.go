// Package metrics records scheduler, auth and persistence counters.
package metrics

import "time"

// Sink records metrics. Methods are fire-and-forget and must not block.
type Sink interface {
	JobScheduled()
	JobFinished(status string, lateness time.Duration)
	JobsLive(n int)
	ReauthAttempt(outcome string)
	OTPRequest(outcome string)
	PersistenceFailure(op, key string)
	RequestRejected(reason string)
}

// Outcome labels shared by the auth and OTP counters.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// OrNoop returns s, or a Noop sink when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return Noop{}
	}
	return s
}
