package orchestrator

import (
	"context"
	"time"

	"github.com/bounceproto/bounce/internal/errors"
)

// sendMessageWithRetry calls the transport up to MaxResponseRetries+1
// times with exponential backoff between attempts. Cancellation bypasses
// the retry loop entirely; exhaustion surfaces as a TransportError.
func (o *Orchestrator) sendMessageWithRetry(ctx context.Context, modelID, systemPrompt, userMessage string) (string, error) {
	attempts := o.cfg.MaxResponseRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", errors.Canceled(err)
		}

		resp, err := o.transport.SendMessage(ctx, modelID, systemPrompt, userMessage)
		if err == nil {
			return resp, nil
		}
		if errors.IsCanceled(err) {
			return "", errors.Canceled(err)
		}
		lastErr = err
		o.log.WithAgent(modelID).Warn("transport attempt failed",
			"attempt", attempt, "error", err)

		if attempt < attempts {
			backoff := o.cfg.RetryBackoff
			for i := 1; i < attempt; i++ {
				backoff *= 2
			}
			select {
			case <-ctx.Done():
				return "", errors.Canceled(ctx.Err())
			case <-o.after(backoff):
			}
		}
	}

	return "", &errors.TransportError{Model: modelID, Attempts: attempts, Err: lastErr}
}

// after is time.After unless overridden for tests.
func (o *Orchestrator) after(d time.Duration) <-chan time.Time {
	if o.sleepCh != nil {
		return o.sleepCh(d)
	}
	return time.After(d)
}
