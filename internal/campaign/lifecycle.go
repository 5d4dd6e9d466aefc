package campaign

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/events"
	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/scheduler"
)

// Start moves a pending campaign to running, sends the first batch before
// returning and schedules the rest.
func (e *Engine) Start(ctx context.Context, id int64) (model.Progress, error) {
	r, err := e.begin(ctx, id)
	if err != nil {
		return model.Progress{}, err
	}
	return e.launch(r), nil
}

func (e *Engine) begin(ctx context.Context, id int64) (*run, error) {
	unlock := e.lock(id)
	defer unlock()

	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignPending {
		return nil, invalidState(c, "only pending campaigns can be started")
	}
	if err := e.requireReady(ctx); err != nil {
		return nil, err
	}

	r, err := e.load(ctx, *c)
	if err != nil {
		return nil, err
	}
	won, err := e.campaigns.Transition(ctx, id, []model.CampaignStatus{model.CampaignPending}, model.CampaignRunning, e.now())
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "start campaign", err)
	}
	if !won {
		return nil, model.NewError(model.KindInvalidState, "campaign changed state concurrently")
	}
	r.setStatus(model.CampaignRunning)
	r.arm(ctx)
	e.runtime.put(id, r)

	e.log.Info("campaign started",
		zap.Int64("campaign_id", id),
		zap.Int("pending", r.remaining()),
		zap.Int("batch_size", BatchSize(c.MaxMessagesPerHour, c.IntervalMinutes, r.remaining())))
	return r, nil
}

// Pause stops the timer after the in-flight batch. The working set stays
// in memory for Resume.
func (e *Engine) Pause(ctx context.Context, id int64) (model.Progress, error) {
	unlock := e.lock(id)
	defer unlock()

	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return model.Progress{}, err
	}
	if c.Status != model.CampaignRunning {
		return model.Progress{}, invalidState(c, "only running campaigns can be paused")
	}

	r := e.runtime.get(id)
	if r != nil {
		r.stop()
	}
	won, err := e.campaigns.Transition(ctx, id, []model.CampaignStatus{model.CampaignRunning}, model.CampaignPaused, e.now())
	if err != nil {
		return model.Progress{}, model.Wrap(model.KindTransaction, "pause campaign", err)
	}
	if !won {
		// the last batch completed it while we waited
		return model.Progress{}, model.NewError(model.KindInvalidState, "campaign is no longer running")
	}
	if r != nil {
		r.setStatus(model.CampaignPaused)
	}

	p, err := e.progressOf(ctx, *c)
	if err != nil {
		return model.Progress{}, err
	}
	e.publish(events.CampaignPaused, *c, model.CampaignPaused, p, "")
	e.log.Info("campaign paused", zap.Int64("campaign_id", id), zap.Int("processed", p.Processed))
	return p, nil
}

// Resume continues a paused campaign, rebuilding its working set from the
// pending rows when this process does not hold one.
func (e *Engine) Resume(ctx context.Context, id int64) (model.Progress, error) {
	r, p, err := e.reopen(ctx, id)
	if err != nil || r == nil {
		return p, err
	}
	return e.launch(r), nil
}

func (e *Engine) reopen(ctx context.Context, id int64) (*run, model.Progress, error) {
	unlock := e.lock(id)
	defer unlock()

	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return nil, model.Progress{}, err
	}
	if c.Status != model.CampaignPaused {
		return nil, model.Progress{}, invalidState(c, "only paused campaigns can be resumed")
	}
	if err := e.requireReady(ctx); err != nil {
		return nil, model.Progress{}, err
	}

	r := e.runtime.get(id)
	if r == nil {
		if r, err = e.load(ctx, *c); err != nil {
			return nil, model.Progress{}, err
		}
		e.log.Info("campaign working set rebuilt", zap.Int64("campaign_id", id), zap.Int("pending", r.remaining()))
	}

	e.flush(context.WithoutCancel(ctx), r, e.log.With(zap.Int64("campaign_id", id)))
	if r.remaining() == 0 && r.unsettled() == 0 {
		won, err := e.campaigns.Transition(ctx, id, []model.CampaignStatus{model.CampaignPaused}, model.CampaignCompleted, e.now())
		if err != nil {
			return nil, model.Progress{}, model.Wrap(model.KindTransaction, "complete campaign", err)
		}
		if !won {
			return nil, model.Progress{}, model.NewError(model.KindInvalidState, "campaign changed state concurrently")
		}
		p := r.snapshot()
		e.runtime.evict(id, nil)
		e.dropProgress(ctx, id)
		e.publish(events.CampaignCompleted, *c, model.CampaignCompleted, p, "")
		e.log.Info("campaign completed on resume", zap.Int64("campaign_id", id))
		return nil, p, nil
	}

	won, err := e.campaigns.Transition(ctx, id, []model.CampaignStatus{model.CampaignPaused}, model.CampaignRunning, e.now())
	if err != nil {
		return nil, model.Progress{}, model.Wrap(model.KindTransaction, "resume campaign", err)
	}
	if !won {
		return nil, model.Progress{}, model.NewError(model.KindInvalidState, "campaign changed state concurrently")
	}
	r.setStatus(model.CampaignRunning)
	r.arm(ctx)
	e.runtime.put(id, r)

	p := r.snapshot()
	e.publish(events.CampaignResumed, *c, model.CampaignRunning, p, "")
	e.log.Info("campaign resumed", zap.Int64("campaign_id", id), zap.Int("pending", r.remaining()))
	return r, p, nil
}

// Cancel stops a running or paused campaign for good and marks its unsent
// rows cancelled.
func (e *Engine) Cancel(ctx context.Context, id int64) (model.Progress, error) {
	unlock := e.lock(id)
	defer unlock()

	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return model.Progress{}, err
	}
	return e.cancelLocked(ctx, *c)
}

func (e *Engine) cancelLocked(ctx context.Context, c model.Campaign) (model.Progress, error) {
	if c.Status != model.CampaignRunning && c.Status != model.CampaignPaused {
		return model.Progress{}, invalidState(&c, "only running or paused campaigns can be cancelled")
	}

	store := context.WithoutCancel(ctx)
	if r := e.runtime.get(c.ID); r != nil {
		r.stop()
		// sent messages must not end up cancelled
		e.flush(store, r, e.log.With(zap.Int64("campaign_id", c.ID)))
	}
	won, err := e.campaigns.Transition(ctx, c.ID,
		[]model.CampaignStatus{model.CampaignRunning, model.CampaignPaused}, model.CampaignCancelled, e.now())
	if err != nil {
		return model.Progress{}, model.Wrap(model.KindTransaction, "cancel campaign", err)
	}
	if !won {
		return model.Progress{}, model.NewError(model.KindInvalidState, "campaign is no longer active")
	}

	n, err := e.campaigns.CancelPendingLogs(store, c.ID)
	if err != nil {
		e.log.Error("cancel pending rows failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
	}

	p, err := e.progressOf(store, c)
	if err != nil {
		return model.Progress{}, err
	}
	e.runtime.evict(c.ID, nil)
	e.dropProgress(store, c.ID)
	e.publish(events.CampaignCancelled, c, model.CampaignCancelled, p, "")
	e.log.Info("campaign cancelled", zap.Int64("campaign_id", c.ID), zap.Int64("rows_cancelled", n))
	return p, nil
}

// Delete removes a campaign and its rows, cancelling it first if it is
// running.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	unlock := e.lock(id)
	defer unlock()

	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == model.CampaignRunning {
		if _, err := e.cancelLocked(ctx, *c); err != nil {
			return err
		}
		if c, err = e.campaigns.Get(ctx, id); err != nil {
			return err
		}
		if c.Status == model.CampaignRunning {
			return model.NewError(model.KindInvalidState, "campaign is still running")
		}
	}

	if r := e.runtime.get(id); r != nil {
		r.stop()
		e.runtime.evict(id, r)
	}
	if err := e.campaigns.Delete(ctx, id); err != nil {
		return err
	}
	store := context.WithoutCancel(ctx)
	if c.ImageKey != nil && e.images != nil {
		if err := e.images.Delete(store, *c.ImageKey); err != nil {
			e.log.Warn("campaign image not removed", zap.Int64("campaign_id", id), zap.Error(err))
		}
	}
	e.dropProgress(store, id)
	e.publish(events.CampaignDeleted, *c, c.Status, model.Progress{Total: c.TotalRecipients}, "")
	e.log.Info("campaign deleted", zap.Int64("campaign_id", id))
	e.locks.Delete(id)
	return nil
}

// launch sends the first batch on the caller's goroutine and hands the
// rest to a scheduler ticking every interval.
func (e *Engine) launch(r *run) model.Progress {
	if e.processBatch(r.context(), r) {
		return r.snapshot()
	}

	c := r.info()
	id := c.ID
	interval := time.Duration(c.IntervalMinutes) * e.opts.IntervalUnit
	s, err := scheduler.New(interval, func(ctx context.Context) bool {
		return e.processBatch(ctx, r)
	}, e.log.With(zap.Int64("campaign_id", id)))
	if err != nil {
		e.log.Error("campaign scheduler not created", zap.Int64("campaign_id", id), zap.Error(err))
		return r.snapshot()
	}
	if !r.schedule(s) {
		e.log.Debug("campaign stopped before scheduling", zap.Int64("campaign_id", id))
	}
	return r.snapshot()
}

// load builds a working set from the persisted pending rows.
func (e *Engine) load(ctx context.Context, c model.Campaign) (*run, error) {
	pending, err := e.campaigns.PendingLogs(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	counts, err := e.campaigns.LogCounts(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return newRun(c, pending, counts), nil
}

func (e *Engine) progressOf(ctx context.Context, c model.Campaign) (model.Progress, error) {
	if r := e.runtime.get(c.ID); r != nil {
		return r.snapshot(), nil
	}
	counts, err := e.campaigns.LogCounts(ctx, c.ID)
	if err != nil {
		return model.Progress{}, err
	}
	return model.Progress{
		Processed: counts.Sent + counts.Error,
		Total:     c.TotalRecipients,
		Success:   counts.Sent,
		Errors:    counts.Error,
	}, nil
}

func (e *Engine) dropProgress(ctx context.Context, id int64) {
	if e.progress == nil {
		return
	}
	if err := e.progress.DropProgress(ctx, id); err != nil {
		e.log.Warn("progress cache not cleared", zap.Int64("campaign_id", id), zap.Error(err))
	}
}

func invalidState(c *model.Campaign, detail string) *model.Error {
	return model.NewError(model.KindInvalidState, detail).WithField("status", string(c.Status))
}
