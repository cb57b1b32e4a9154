package agentclient

import (
	"strconv"
	"time"
)

// HTTPError is returned for any non-2xx response from the agent service.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return "agentclient: http " + strconv.Itoa(e.Status) + ": " + e.Body
}

// NotFound reports whether the response was a 404.
func (e *HTTPError) NotFound() bool { return e.Status == 404 }

// Retryable reports whether spec §4.G's retry policy ("network/5xx/timeout")
// should treat this status as worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value (seconds, the only
// form the agent service emits) into a duration. Returns 0 on any
// malformed or empty input.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryConfig tunes RetryDo.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig matches spec §4.G: "up to 3 attempts for network/5xx/timeout".
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if ok := asHTTPError(err, &httpErr); ok {
		return httpErr.Retryable()
	}
	return isTimeoutOrNetwork(err)
}
