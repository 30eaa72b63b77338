package registry

import "time"

// RetryPolicy spaces reconnect attempts. MaxAttempts counts consecutive
// failures; zero means retry forever.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    5,
	}
}

// Backoff returns the wait after the given number of consecutive failures.
func (p RetryPolicy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := p.InitialBackoff
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for i := 1; i < failures; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

func (p RetryPolicy) exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}
