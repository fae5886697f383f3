package client

import "time"

const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMaxRetries = 10
)

// Backoff returns min(base * 2^retry, max).
func Backoff(base, max time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 0; i < retry; i++ {
		if delay > max-delay {
			return max
		}
		delay *= 2
	}

	if delay > max {
		return max
	}

	return delay
}

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
