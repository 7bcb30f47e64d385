package outpost

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"outpost/internal/store"
)

// SyncResult is the outcome of replaying one mutation.
type SyncResult struct {
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Status  int    `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SyncReport aggregates one sync pass. Results are in queue order.
type SyncReport struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []SyncResult  `json:"results"`
}

// OnReconnect drains the mutation queue against the network. Triggers that
// arrive while a pass is running join that pass and get its report; passes
// never overlap. It never fails: problems end up in the report or the log.
// Cancelling ctx stops new attempts; unattempted mutations stay queued.
func (e *Engine) OnReconnect(ctx context.Context) SyncReport {
	v, _, shared := e.syncSF.Do("sync", func() (any, error) {
		return e.syncPass(ctx), nil
	})
	if shared {
		e.logger.Debug("sync trigger coalesced into running pass")
	}
	return v.(SyncReport)
}

func (e *Engine) syncPass(ctx context.Context) (report SyncReport) {
	report.StartedAt = e.opts.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync pass aborted", zap.Any("panic", r))
			report = SyncReport{StartedAt: report.StartedAt}
		}
		report.Duration = e.opts.Now().Sub(report.StartedAt)
	}()

	pending, err := e.opts.Queue.List(ctx)
	if err != nil {
		e.logger.Error("sync pass skipped: cannot read queue", zap.Error(err))
		return report
	}
	if len(pending) == 0 {
		return report
	}

	// Mutations for one URL replay in queue order; different URLs replay in
	// parallel.
	var order []string
	byURL := make(map[string][]int)
	for i, m := range pending {
		if _, ok := byURL[m.URL]; !ok {
			order = append(order, m.URL)
		}
		byURL[m.URL] = append(byURL[m.URL], i)
	}

	results := make([]SyncResult, len(pending))
	attempted := make([]bool, len(pending))
	var g errgroup.Group
	g.SetLimit(e.opts.SyncConcurrency)
	for _, u := range order {
		idxs := byURL[u]
		g.Go(func() error {
			for _, i := range idxs {
				if ctx.Err() != nil {
					return nil
				}
				results[i] = e.replay(ctx, pending[i])
				attempted[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		if !attempted[i] {
			continue
		}
		report.Results = append(report.Results, r)
		report.Attempted++
		if r.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	e.opts.Metrics.syncPasses.Inc()
	e.opts.Metrics.syncResults.WithLabelValues("ok").Add(float64(report.Succeeded))
	e.opts.Metrics.syncResults.WithLabelValues("failed").Add(float64(report.Failed))
	e.logger.Info("sync pass done",
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", len(pending)-report.Attempted))

	if report.Succeeded > 0 {
		e.opts.Hub.Broadcast(report)
	}
	return report
}

// replay delivers one mutation exactly as it was queued. Only a 2xx removes
// it from the queue.
func (e *Engine) replay(ctx context.Context, m store.Mutation) SyncResult {
	res := SyncResult{ID: m.ID, Method: m.Method, URL: m.URL}
	resp, err := e.roundTrip(ctx, m.Method, m.URL, m.Header, m.Body)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Status = resp.Status
	if !resp.ok() {
		res.Error = fmt.Sprintf("rejected with status %d", resp.Status)
		return res
	}
	res.Success = true
	if err := e.opts.Queue.Delete(ctx, m.ID); err != nil {
		// The server has it; the entry will be delivered again next pass.
		e.logger.Warn("delivered mutation could not be removed from queue",
			zap.Uint64("id", m.ID), zap.Error(err))
	}
	return res
}

// Pending lists queued mutations in FIFO order.
func (e *Engine) Pending(ctx context.Context) ([]store.Mutation, error) {
	return e.opts.Queue.List(ctx)
}

// Purge removes a queued mutation on operator request. It reports whether
// the id was queued.
func (e *Engine) Purge(ctx context.Context, id uint64) (bool, error) {
	_, ok, err := e.opts.Queue.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if err := e.opts.Queue.Delete(ctx, id); err != nil {
		return false, err
	}
	e.logger.Info("mutation purged", zap.Uint64("id", id))
	return true, nil
}
