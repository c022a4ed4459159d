package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout bounds fn to the given duration via a derived context. fn must
// honour cancellation of the context it receives; when it does not finish in
// time the goroutine running it is abandoned and the call reports
// context.DeadlineExceeded under the given operation name. A non-positive
// timeout runs fn directly.
func WithTimeout(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	bounded, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- fn(bounded) }()

	select {
	case err := <-result:
		return err
	case <-bounded.Done():
		if cause := ctx.Err(); cause != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", op, cause)
		}
		return fmt.Errorf("%s: %w (limit: %v)", op, context.DeadlineExceeded, timeout)
	}
}
