package probe

import (
	"context"
	"time"
)

// Outcome is the raw result of one outbound check.
//
// Fields:
//   - Err: non-nil when the request did not complete (dial, DNS, timeout).
//     StatusCode, ContentType and Body are unset in that case.
//   - BodyErr: the body could not be read in full; evaluators treat the body
//     as absent.
type Outcome struct {
	StatusCode  int
	ContentType string
	Body        []byte
	BodyErr     error
	Err         error
	Latency     time.Duration
}

// Checker performs a single check against a target URL.
type Checker interface {
	Check(ctx context.Context, url string) Outcome
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, url string) Outcome

func (f CheckerFunc) Check(ctx context.Context, url string) Outcome { return f(ctx, url) }
