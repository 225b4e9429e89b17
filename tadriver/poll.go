package tadriver

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned by PollUntil when the condition never held.
var ErrPollTimeout = errors.New("tadriver: poll timed out")

// PollUntil calls check immediately and then every interval until it
// reports done, returns an error, or timeout elapses. Cancellation of ctx
// is returned as ctx.Err(); expiry of timeout alone as ErrPollTimeout.
func PollUntil(ctx context.Context, interval, timeout time.Duration, check func(context.Context) (bool, error)) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(pctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-pctx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrPollTimeout
		case <-ticker.C:
		}
	}
}
