package client

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy drives the per-segment retry loop around a single engine call:
//
//	200          → return
//	400/404      → permanent, no retry
//	503          → wait LoadingWait, retry in place; waits capped cumulatively
//	500/transport→ restart the engine, retry; at most MaxServerAttempts calls
//
// Loading waits never consume server-error attempts.
type RetryPolicy struct {
	// MaxServerAttempts is the total number of calls permitted when the
	// engine keeps failing with server errors. Default: 3.
	MaxServerAttempts int

	// LoadingWait is the pause after each 503 before retrying. Default: 1 s.
	LoadingWait time.Duration

	// LoadingWaitCap bounds the cumulative time spent waiting on 503s for
	// one segment. Default: 300 s.
	LoadingWaitCap time.Duration
}

// DefaultRetryPolicy returns the policy the workers run with.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxServerAttempts: 3,
		LoadingWait:       time.Second,
		LoadingWaitCap:    300 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxServerAttempts <= 0 {
		p.MaxServerAttempts = 3
	}
	if p.LoadingWait <= 0 {
		p.LoadingWait = time.Second
	}
	if p.LoadingWaitCap <= 0 {
		p.LoadingWaitCap = 300 * time.Second
	}
	return p
}

// Do runs call under the policy. restart is invoked between server-error
// attempts (typically Manager.Restart); a restart failure aborts the loop
// immediately since further calls would hit a dead engine.
func (p RetryPolicy) Do(ctx context.Context, restart func(context.Context) error, call func(context.Context) ([]byte, error)) ([]byte, error) {
	p = p.withDefaults()

	var (
		attempts    int
		loadingWait time.Duration
	)
	for {
		body, err := call(ctx)
		err = Classify(err)
		if err == nil {
			return body, nil
		}

		switch {
		case IsClient(err):
			return nil, err

		case IsLoading(err):
			if loadingWait >= p.LoadingWaitCap {
				return nil, fmt.Errorf("client: engine still loading after %s: %w", p.LoadingWaitCap, err)
			}
			select {
			case <-time.After(p.LoadingWait):
				loadingWait += p.LoadingWait
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		default: // server error
			attempts++
			if attempts >= p.MaxServerAttempts {
				return nil, fmt.Errorf("client: giving up after %d attempts: %w", attempts, err)
			}
			if restart != nil {
				if rerr := restart(ctx); rerr != nil {
					return nil, fmt.Errorf("client: engine restart failed: %w", rerr)
				}
			}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}
