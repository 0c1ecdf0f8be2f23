package httpfetch

import (
	"context"
	"sync/atomic"
	"time"
)

// fetchHedged issues a secondary request if the primary exceeds HedgeAfter
// and the hedge budget has not been exhausted; the first response to
// succeed wins and the other is cancelled.
func (f *Fetcher) fetchHedged(ctx context.Context, rawURL string) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}

	hedgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	primary := make(chan result, 1)
	go func() {
		resp, err := f.fetchWithRetry(hedgeCtx, rawURL)
		primary <- result{resp, err}
	}()

	var budget atomic.Int32
	budget.Store(int32(f.opts.HedgeBudget))

	secondary := make(chan result, 1)
	timer := time.NewTimer(f.opts.HedgeAfter)
	defer timer.Stop()

	// outstanding counts issued requests with no result yet; an error is
	// returned only once every issued request has failed.
	outstanding := 1
	for {
		select {
		case r := <-primary:
			outstanding--
			if r.err == nil || outstanding == 0 {
				return r.resp, r.err
			}
		case r := <-secondary:
			outstanding--
			if r.err == nil || outstanding == 0 {
				return r.resp, r.err
			}
		case <-timer.C:
			if budget.Add(-1) < 0 {
				// Budget exhausted: keep waiting on the primary only.
				continue
			}
			outstanding++
			go func() {
				resp, err := f.fetchWithRetry(hedgeCtx, rawURL)
				secondary <- result{resp, err}
			}()
			// Disable the timer; only one hedge is issued per fetch.
			timer.Stop()
		case <-ctx.Done():
			return nil, newError(KindCancelled, rawURL, ctx.Err())
		}
	}
}
