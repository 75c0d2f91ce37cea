package admission

import (
	"math"
	"net/http"
	"strconv"
)

const (
	HeaderLimit            = "X-RateLimit-Limit"
	HeaderRemaining        = "X-RateLimit-Remaining"
	HeaderReset            = "X-RateLimit-Reset"
	HeaderRetryAfter       = "Retry-After"
	HeaderConcurrencyLimit = "X-Concurrency-Limit"
)

// WriteHeaders advertises the quota carried by d.
func WriteHeaders(h http.Header, d *Decision) {
	if d == nil || d.Limit <= 0 {
		return
	}

	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.RetryAfter > 0 {
		h.Set(HeaderRetryAfter, strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
	if d.ConcurrencyLimit > 0 {
		h.Set(HeaderConcurrencyLimit, strconv.Itoa(d.ConcurrencyLimit))
	}
}
