package spool

import (
	"time"

	"github.com/busybox42/elemta-core/internal/mail"
)

// Filter selects entries for Accept. A filter is used by a single Accept
// call and may keep state across one scan.
type Filter interface {
	// Accept reports whether m should be handed to the caller.
	Accept(m *mail.Mail, now time.Time) bool
	// WaitTime is asked after a scan that accepted nothing. Zero means wait
	// for the next change to the queue.
	WaitTime() time.Duration
}

// FilterFunc adapts a predicate into a Filter with no wait hint.
type FilterFunc func(m *mail.Mail) bool

// Accept implements Filter.
func (f FilterFunc) Accept(m *mail.Mail, _ time.Time) bool { return f(m) }

// WaitTime implements Filter.
func (f FilterFunc) WaitTime() time.Duration { return 0 }

// All returns a filter accepting every entry.
func All() Filter {
	return FilterFunc(func(*mail.Mail) bool { return true })
}

// DelayFunc returns the retry delay for a mail that failed attempts times.
type DelayFunc func(attempts int) time.Duration

// FixedDelay returns the same delay for every attempt.
func FixedDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// Schedule returns delays[attempts-1], repeating the last entry.
func Schedule(delays []time.Duration) DelayFunc {
	if len(delays) == 0 {
		return FixedDelay(0)
	}
	return func(attempts int) time.Duration {
		i := attempts - 1
		if i < 0 {
			i = 0
		}
		if i >= len(delays) {
			i = len(delays) - 1
		}
		return delays[i]
	}
}

type delayFilter struct {
	delay DelayFunc
	sleep time.Duration
}

// Delayed returns the retry filter: entries outside the ready state are
// accepted at once; ready entries once LastUpdated+delay has passed. Its
// wait time is the smallest remaining delay seen in the last scan.
func Delayed(delay DelayFunc) Filter {
	return &delayFilter{delay: delay}
}

func (f *delayFilter) Accept(m *mail.Mail, now time.Time) bool {
	if m.State != mail.StateReady {
		return true
	}
	due := m.LastUpdated.Add(f.delay(m.Attempts))
	if !due.After(now) {
		return true
	}
	if remaining := due.Sub(now); f.sleep == 0 || remaining < f.sleep {
		f.sleep = remaining
	}
	return false
}

func (f *delayFilter) WaitTime() time.Duration {
	d := f.sleep
	f.sleep = 0
	return d
}
