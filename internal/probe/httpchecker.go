package probe

import (
	"context"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds every outbound check.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a response body is read for evaluation.
const maxBodyBytes = 1 << 20

type HTTPChecker struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPChecker{
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

// Check issues a plain GET. The request is bound to ctx and to h.Timeout,
// whichever ends first.
func (h *HTTPChecker) Check(ctx context.Context, target string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Outcome{Err: err}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Outcome{Err: err, Latency: time.Since(start)}
	}
	defer resp.Body.Close()

	out := Outcome{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode == http.StatusOK {
		out.Body, out.BodyErr = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	}
	out.Latency = time.Since(start)
	return out
}
