package metrics

import "time"

// Noop discards everything.
type Noop struct{}

func (Noop) JobScheduled()                     {}
func (Noop) JobFinished(string, time.Duration) {}
func (Noop) JobsLive(int)                      {}
func (Noop) ReauthAttempt(string)              {}
func (Noop) OTPRequest(string)                 {}
func (Noop) PersistenceFailure(string, string) {}
func (Noop) RequestRejected(string)            {}
