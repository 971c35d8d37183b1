package scheduler

import (
	"context"

	"github.com/aiperf/aiperf/internal/types"
)

// ConcurrencyStrategy keeps exactly N credits outstanding at once: a
// semaphore-backed loop that refills a slot as soon as its occupant's
// CreditReturn arrives, rather than pinning one goroutine per virtual
// user.
type ConcurrencyStrategy struct {
	Concurrency int
	// Returns receives one value per CreditReturn; the caller feeds it
	// from its CreditReturn handler so the strategy knows when a slot
	// frees up without polling.
	Returns <-chan struct{}
	// Done, if non-nil, reports true once the strategy should stop issuing
	// new drops (e.g. a request-count limit was reached upstream).
	Done func() bool
}

func (c *ConcurrencyStrategy) Run(ctx context.Context, emit func(types.CreditDrop) error) error {
	sem := make(chan struct{}, c.Concurrency)

	for i := 0; i < c.Concurrency; i++ {
		sem <- struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sem:
		}

		if c.Done != nil && c.Done() {
			return nil
		}

		if err := emit(types.CreditDrop{}); err != nil {
			return err
		}

		go func() {
			select {
			case <-c.Returns:
			case <-ctx.Done():
			}
			select {
			case sem <- struct{}{}:
			default:
			}
		}()
	}
}
