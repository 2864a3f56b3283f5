package llm

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// RetryPolicy controls exponential backoff for transient LLM failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor.
	Multiplier float64

	// Jitter varies each delay randomly by up to ±20% when true.
	Jitter bool
}

// DefaultRetryPolicy returns the standard policy: 3 retries starting at
// 2s, doubling, capped at 60s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// IsRetryable reports whether an error is transient. Gateway errors
// (429/502/503/504), connection failures, DNS failures and timeouts are
// retryable; validation and auth errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "rate_limit", "rate_limit_exceeded", "http_429", "http_502", "http_503", "http_504":
			return true
		case "authentication_error", "invalid_api_key":
			return false
		}
	}

	msg := err.Error()
	for _, code := range []string{"502", "503", "504", "429"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	for _, keyword := range []string{
		"Gateway Timeout",
		"connection reset",
		"connection refused",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"service temporarily unavailable",
		"timeout",
		"Timeout",
	} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}

	return false
}

// Complete calls the provider with retry. It returns the response, the
// number of retries performed, and the final error if all attempts fail.
// Non-retryable errors are returned immediately.
func (rp RetryPolicy) Complete(ctx context.Context, provider Provider, req *CompletionRequest) (*CompletionResponse, int, error) {
	var lastErr error
	retries := 0

	for attempt := 0; attempt <= rp.MaxRetries; attempt++ {
		resp, err := provider.Complete(ctx, req)
		if err == nil {
			return resp, retries, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, retries, err
		}
		if attempt >= rp.MaxRetries {
			break
		}

		delay := rp.InitialDelay
		for i := 0; i < attempt; i++ {
			delay = time.Duration(float64(delay) * rp.Multiplier)
		}
		if delay > rp.MaxDelay {
			delay = rp.MaxDelay
		}
		if rp.Jitter {
			delay += time.Duration((rand.Float64()*0.4 - 0.2) * float64(delay))
		}

		select {
		case <-ctx.Done():
			return nil, retries, ctx.Err()
		case <-time.After(delay):
		}
		retries++
	}

	return nil, retries, lastErr
}
