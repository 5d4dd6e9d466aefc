package campaign

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/client"
	"github.com/LeventeLantos/bingo-registry/internal/events"
	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/storage"
)

// BatchSize is how many messages one interval may carry:
// ceil(maxPerHour * intervalMinutes / 60), never more than pending.
func BatchSize(maxPerHour, intervalMinutes, pending int) int {
	if pending <= 0 {
		return 0
	}
	n := int(math.Ceil(float64(maxPerHour) * float64(intervalMinutes) / 60))
	return max(1, min(n, pending))
}

type RecipientSource interface {
	Recipient(ctx context.Context, userID int64) (*model.Recipient, error)
}

// Sender delivers one batch of recipient rows in order, pausing a random
// jitter between messages.
type Sender struct {
	gateway    Gateway
	recipients RecipientSource
	contentMax int
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func() time.Duration

	onSent   func(ctx context.Context, l model.RecipientLog) error
	onFailed func(ctx context.Context, l model.RecipientLog, reason string) error
}

func NewSender(gateway Gateway, recipients RecipientSource, contentMax int) *Sender {
	return &Sender{
		gateway:    gateway,
		recipients: recipients,
		contentMax: contentMax,
		sleep:      sleepCtx,
		jitter:     func() time.Duration { return 0 },
	}
}

func (s *Sender) WithJitter(jitter func() time.Duration, sleep func(ctx context.Context, d time.Duration) error) *Sender {
	s.jitter = jitter
	s.sleep = sleep
	return s
}

func (s *Sender) WithHooks(
	onSent func(ctx context.Context, l model.RecipientLog) error,
	onFailed func(ctx context.Context, l model.RecipientLog, reason string) error,
) *Sender {
	s.onSent = onSent
	s.onFailed = onFailed
	return s
}

// ProcessBatch stops early only when ctx is cancelled between messages; a
// send already under way always completes and is reported.
func (s *Sender) ProcessBatch(ctx context.Context, template string, logs []model.RecipientLog, media *client.Media) (sent int, failed int) {
	work := context.WithoutCancel(ctx)
	for i, l := range logs {
		if ctx.Err() != nil {
			return sent, failed
		}
		if i > 0 {
			if err := s.sleep(ctx, s.jitter()); err != nil {
				return sent, failed
			}
		}

		if err := s.send(work, template, l, media); err != nil {
			failed++
			if s.onFailed != nil {
				_ = s.onFailed(work, l, err.Error())
			}
			continue
		}
		sent++
		if s.onSent != nil {
			_ = s.onSent(work, l)
		}
	}
	return sent, failed
}

func (s *Sender) send(ctx context.Context, template string, l model.RecipientLog, media *client.Media) error {
	rcp, err := s.recipients.Recipient(ctx, l.UserID)
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	body := Personalize(template, *rcp)
	if s.contentMax > 0 && utf8.RuneCountInString(body) > s.contentMax {
		return fmt.Errorf("content exceeds %d chars", s.contentMax)
	}
	if media != nil {
		return s.gateway.SendMediaWithCaption(ctx, rcp.Phone, *media, body)
	}
	return s.gateway.SendText(ctx, rcp.Phone, body)
}

// processBatch sends the next batch of r and reports whether the run is
// over, either drained and completed or stopped.
func (e *Engine) processBatch(ctx context.Context, r *run) (done bool) {
	r.batch.Lock()
	defer r.batch.Unlock()

	if ctx.Err() != nil {
		return true
	}

	c := r.info()
	batchID := uuid.NewString()
	log := e.log.With(zap.Int64("campaign_id", c.ID), zap.String("batch_id", batchID))

	store := context.WithoutCancel(ctx)
	e.flush(store, r, log)

	pending := r.remaining()
	if pending == 0 {
		if r.unsettled() > 0 {
			return false
		}
		return e.finish(store, r, batchID)
	}
	size := BatchSize(c.MaxMessagesPerHour, c.IntervalMinutes, pending)
	batch := r.next(size)
	started := time.Now()

	sender := NewSender(e.gateway, e.cohort, e.opts.ContentMax).
		WithJitter(e.opts.Jitter, e.opts.Sleep).
		WithHooks(
			func(ctx context.Context, l model.RecipientLog) error {
				r.take(l.ID)
				e.metrics.CampaignMessages.WithLabelValues(string(model.LogSent)).Inc()
				return e.record(ctx, r, outcome{log: l, sent: true, at: e.now()}, log)
			},
			func(ctx context.Context, l model.RecipientLog, reason string) error {
				r.take(l.ID)
				e.metrics.CampaignMessages.WithLabelValues(string(model.LogError)).Inc()
				log.Warn("campaign message failed", zap.Int64("log_id", l.ID), zap.String("phone", l.Phone), zap.String("reason", reason))
				return e.record(ctx, r, outcome{log: l, reason: reason}, log)
			},
		)

	sent, failed := sender.ProcessBatch(ctx, c.MessageTemplate, batch, e.loadImage(ctx, c, log))
	e.metrics.BatchDuration.Observe(time.Since(started).Seconds())

	p := r.snapshot()
	e.publish(events.CampaignProgress, c, model.CampaignRunning, p, batchID)
	if e.progress != nil {
		if err := e.progress.StoreProgress(store, c.ID, p); err != nil {
			log.Warn("progress cache write failed", zap.Error(err))
		}
	}
	log.Info("campaign batch processed",
		zap.Int("batch_size", size),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
		zap.Int("unrecorded", r.unsettled()),
		zap.Int("processed", p.Processed),
		zap.Int("total", p.Total))

	if r.remaining() == 0 && r.unsettled() == 0 {
		return e.finish(store, r, batchID)
	}
	return ctx.Err() != nil
}

// record writes one delivery outcome to the store and counts it. A failed
// write parks the outcome on r; the row stays pending in the store and the
// run cannot complete until a later flush records it.
func (e *Engine) record(ctx context.Context, r *run, o outcome, log *zap.Logger) error {
	var err error
	if o.sent {
		err = e.campaigns.MarkLogSent(ctx, o.log.ID, o.at)
	} else {
		err = e.campaigns.MarkLogError(ctx, o.log.ID, o.reason)
	}
	if err != nil {
		r.park(o)
		log.Error("recording message outcome failed",
			zap.Int64("log_id", o.log.ID),
			zap.Bool("sent", o.sent),
			zap.Error(err))
		return err
	}
	r.count(o.sent)
	return nil
}

// flush retries outcomes parked by earlier batches, oldest first.
func (e *Engine) flush(ctx context.Context, r *run, log *zap.Logger) {
	for _, o := range r.unpark() {
		_ = e.record(ctx, r, o, log)
	}
}

// finish completes a drained run. Losing the transition means a pause or
// cancel got there first; either way the timer ends. A store that still
// holds pending rows keeps the run going.
func (e *Engine) finish(ctx context.Context, r *run, batchID string) bool {
	c := r.info()
	counts, err := e.campaigns.LogCounts(ctx, c.ID)
	if err != nil {
		e.log.Error("campaign completion check failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
		return false
	}
	if counts.Pending > 0 {
		e.log.Warn("campaign drained with rows still pending in store",
			zap.Int64("campaign_id", c.ID),
			zap.Int("pending", counts.Pending))
		return false
	}

	won, err := e.campaigns.Transition(ctx, c.ID, []model.CampaignStatus{model.CampaignRunning}, model.CampaignCompleted, e.now())
	if err != nil {
		e.log.Error("campaign completion failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
		return false
	}
	if !won {
		return true
	}

	r.setStatus(model.CampaignCompleted)
	p := r.snapshot()
	e.runtime.evict(c.ID, r)
	e.dropProgress(ctx, c.ID)
	e.publish(events.CampaignCompleted, c, model.CampaignCompleted, p, batchID)
	e.log.Info("campaign completed",
		zap.Int64("campaign_id", c.ID),
		zap.Int("success", p.Success),
		zap.Int("errors", p.Errors))
	return true
}

// loadImage fetches the campaign image once per batch. A failed fetch sends
// the batch as text.
func (e *Engine) loadImage(ctx context.Context, c model.Campaign, log *zap.Logger) *client.Media {
	if c.ImageKey == nil || e.images == nil {
		return nil
	}
	data, err := e.images.Get(context.WithoutCancel(ctx), *c.ImageKey)
	if err != nil {
		log.Warn("campaign image unavailable, sending text only", zap.String("key", *c.ImageKey), zap.Error(err))
		return nil
	}
	name := *c.ImageKey
	if c.ImageFileName != nil {
		name = *c.ImageFileName
	}
	return &client.Media{Data: data, MimeType: storage.MimeType(name), FileName: name}
}
