package model

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// ClassifyHTTP turns a provider failure into a *core.ProviderError. Context
// cancellation and deadline errors are returned unchanged so callers can tell
// a caller abort apart from a provider fault. A zero status means the request
// never produced a response (connection failure).
func ClassifyHTTP(provider string, status int, resp *http.Response, err error) error {
	if status == 0 && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}

	pe := core.NewProviderError(provider, status, err)
	if resp != nil && pe.Kind == core.KindRateLimited {
		pe.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return pe
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Invalid or past values yield zero.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}
