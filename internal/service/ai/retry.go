package ai

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

const (
	maxTimeoutRetries = 2
	jitterPercent     = 30
)

// RetryPolicy bounds every provider call with a deadline and retries timeouts a
// limited number of times.
type RetryPolicy struct {
	Timeout   time.Duration
	Retries   int
	BaseDelay time.Duration
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable even when it is a timeout.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn under the per-attempt deadline. Only KindTimeout failures are
// retried, at most min(Retries, 2) times.
func (p RetryPolicy) Do(ctx context.Context, provider chat.Provider, fn func(ctx context.Context) error) error {
	retries := min(max(p.Retries, 0), maxTimeoutRetries)

	for attempt := 0; ; attempt++ {
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var perm *permanentError
		permanent := errors.As(err, &perm)
		if permanent {
			err = perm.err
		}
		err = Classify(provider, err)
		if permanent || attempt >= retries || !IsKind(err, KindTimeout) {
			return err
		}
		if err := sleepWithContext(ctx, retryDelay(p.BaseDelay, attempt)); err != nil {
			return err
		}
	}
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return fn(callCtx)
}

// retryDelay returns the delay for attempt n (0-indexed) with jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for range attempt {
		delay *= 2
	}
	spread := int64(delay) * jitterPercent / 100
	if spread <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int64N(2*spread)-spread)
}

// sleepWithContext sleeps for d, but returns early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Collect drains a chunk stream, calling onChunk for every text piece, and returns
// the full reply. An empty reply is reported as malformed.
func Collect(ctx context.Context, provider chat.Provider, chunks <-chan Chunk, onChunk func(string)) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				text := strings.TrimSpace(b.String())
				if text == "" {
					return "", Malformed(provider, "stream ended without text")
				}
				return text, nil
			}
			if chunk.Err != nil {
				return b.String(), chunk.Err
			}
			if chunk.Text == "" {
				continue
			}
			b.WriteString(chunk.Text)
			if onChunk != nil {
				onChunk(chunk.Text)
			}
		}
	}
}

// sendChunk delivers c unless ctx is done.
func sendChunk(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// NewHTTPClient returns the pooled client shared by every adapter. Deadlines come
// from the request context, so the client itself has no timeout.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 32
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{Transport: transport}
}
