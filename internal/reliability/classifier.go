package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableSTTErrorCode classifies error codes carried on listen websocket
// Error frames. Auth and request-shape failures will fail identically on a
// reconnect, so only those are terminal; capacity and upstream faults are
// worth retrying, as is an unnamed code (usually a dropped connection).
func IsRetryableSTTErrorCode(code string) bool {
	c := strings.ToLower(strings.TrimSpace(code))
	if c == "" {
		return true
	}
	for _, terminal := range []string{"auth", "forbidden", "invalid", "bad_request", "unsupported", "payment"} {
		if strings.Contains(c, terminal) {
			return false
		}
	}
	return true
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
