package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/dispatcher"
	"github.com/JakeFAU/novel-crawler/internal/worker"
)

// probeReport is one worker's result handed to the failure counter. The
// worker blocks on ack, so its pool slot is released only after the counter
// has seen the result.
type probeReport struct {
	num int
	ok  bool
	ack chan struct{}
}

// failureCounter owns the consecutive-failure count. It closes done once
// the count reaches limit and keeps draining reports until they are closed.
func failureCounter(limit int, reports <-chan probeReport, done chan<- struct{}) {
	consecutive := 0
	closed := false
	for rep := range reports {
		if rep.ok {
			consecutive = 0
		} else {
			consecutive++
		}
		if !closed && consecutive >= limit {
			close(done)
			closed = true
		}
		close(rep.ack)
	}
}

// explore probes new identifiers upward from start until limit consecutive
// probes fail or ctx ends.
func (o *Orchestrator) explore(ctx context.Context, rs *sweepRun, opts Options) error {
	site := rs.site
	start := opts.StartNum
	if start <= 0 {
		maxNum, err := o.store.MaxNum(ctx, site.Name, crawler.TableBooks)
		if err != nil {
			return fmt.Errorf("read max num: %w", err)
		}
		start = maxNum + 1
	}
	limit := opts.MaxErrors
	if limit <= 0 {
		limit = site.ExploreErrorLimit()
	}
	rs.tally.update(func(r *Report) { r.StartNum = start })
	rs.logger.Info("exploring", zap.Int("start", start), zap.Int("max_errors", limit))

	reports := make(chan probeReport)
	done := make(chan struct{})
	counterDone := make(chan struct{})
	go func() {
		defer close(counterDone)
		failureCounter(limit, reports, done)
	}()

	pool := dispatcher.New(site.PoolSize())
	num := start
spawn:
	for {
		if err := pool.Acquire(ctx); err != nil {
			break
		}
		select {
		case <-done:
			pool.Release()
			break spawn
		default:
		}
		if ctx.Err() != nil {
			pool.Release()
			break
		}
		n := num
		num++
		pool.Go(func() {
			var out worker.ProbeOutcome
			rs.track(func() { out = o.worker.Explore(ctx, site, n) })
			rs.probed(out)
			ack := make(chan struct{})
			reports <- probeReport{num: n, ok: out.OK(), ack: ack}
			<-ack
		})
	}
	pool.Wait()
	close(reports)
	<-counterDone

	rs.tally.update(func(r *Report) { r.LastNum = num - 1 })
	return nil
}
