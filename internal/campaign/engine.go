// Package campaign runs rate limited bulk sends to a cohort of registered
// players.
package campaign

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/cache"
	"github.com/LeventeLantos/bingo-registry/internal/client"
	"github.com/LeventeLantos/bingo-registry/internal/cohort"
	"github.com/LeventeLantos/bingo-registry/internal/events"
	"github.com/LeventeLantos/bingo-registry/internal/metrics"
	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/repo"
	"github.com/LeventeLantos/bingo-registry/internal/storage"
)

type Gateway interface {
	Status(ctx context.Context) (client.Status, error)
	SendText(ctx context.Context, phone, body string) error
	SendMediaWithCaption(ctx context.Context, phone string, media client.Media, caption string) error
}

type ImageStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type Options struct {
	// IntervalUnit is the length of one interval minute.
	IntervalUnit time.Duration
	JitterMin    time.Duration
	JitterMax    time.Duration
	// FailedPreview caps the failed recipients returned with a status.
	FailedPreview int
	// ContentMax rejects personalized bodies longer than this many runes.
	ContentMax int

	// Sleep and Jitter are replaceable so tests do not wait.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() time.Duration
}

func DefaultOptions() Options {
	return Options{
		IntervalUnit:  time.Minute,
		JitterMin:     5 * time.Second,
		JitterMax:     10 * time.Second,
		FailedPreview: 50,
		ContentMax:    4096,
	}
}

type Deps struct {
	Campaigns repo.CampaignRepository
	Cohort    repo.CohortRepository
	Gateway   Gateway
	Images    ImageStore
	Events    events.Publisher
	Progress  cache.ProgressCache
	Metrics   *metrics.Manager
	Log       *zap.Logger
	Now       func() time.Time
}

type Engine struct {
	campaigns repo.CampaignRepository
	cohort    repo.CohortRepository
	gateway   Gateway
	images    ImageStore
	events    events.Publisher
	progress  cache.ProgressCache
	metrics   *metrics.Manager
	log       *zap.Logger
	now       func() time.Time
	opts      Options
	validate  *validator.Validate

	runtime *Runtime
	locks   sync.Map
}

func NewEngine(d Deps, opts Options) *Engine {
	e := &Engine{
		campaigns: d.Campaigns,
		cohort:    d.Cohort,
		gateway:   d.Gateway,
		images:    d.Images,
		events:    d.Events,
		progress:  d.Progress,
		metrics:   d.Metrics,
		log:       d.Log,
		now:       d.Now,
		opts:      opts,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		runtime:   NewRuntime(),
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.opts.IntervalUnit <= 0 {
		e.opts.IntervalUnit = time.Minute
	}
	if e.opts.Sleep == nil {
		e.opts.Sleep = sleepCtx
	}
	if e.opts.Jitter == nil {
		lo, hi := e.opts.JitterMin, e.opts.JitterMax
		e.opts.Jitter = func() time.Duration { return uniform(lo, hi) }
	}
	return e
}

// Runtime exposes the working sets held by this engine.
func (e *Engine) Runtime() *Runtime { return e.runtime }

type Image struct {
	Data     []byte
	FileName string
}

type CreateRequest struct {
	Name               string `validate:"required,max=200"`
	MessageTemplate    string `validate:"required"`
	Filter             cohort.Filter
	IntervalMinutes    int `validate:"gte=1"`
	MaxMessagesPerHour int `validate:"gte=1"`
	Image              *Image
	CreatedBy          string
}

// Create resolves the cohort and freezes it into pending log rows.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.Campaign, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := e.validate.Struct(req); err != nil {
		return nil, model.Wrap(model.KindValidation, "invalid campaign", err)
	}
	if err := req.Filter.Validate(); err != nil {
		return nil, model.Wrap(model.KindValidation, "invalid cohort filter", err)
	}

	recipients, err := e.cohort.All(ctx, req.Filter)
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "resolve cohort", err)
	}
	if len(recipients) == 0 {
		return nil, model.NewError(model.KindEmptyCohort, "no registered users match the filter")
	}

	c := &model.Campaign{
		Name:               req.Name,
		MessageTemplate:    req.MessageTemplate,
		Filter:             req.Filter,
		IntervalMinutes:    req.IntervalMinutes,
		MaxMessagesPerHour: req.MaxMessagesPerHour,
		CreatedBy:          req.CreatedBy,
	}

	var imageKey string
	if req.Image != nil && len(req.Image.Data) > 0 {
		if e.images == nil {
			return nil, model.NewError(model.KindValidation, "campaign images are not configured")
		}
		imageKey = storage.CampaignImageKey(req.Image.FileName)
		if _, err := e.images.Put(ctx, imageKey, req.Image.Data, storage.MimeType(req.Image.FileName)); err != nil {
			return nil, model.Wrap(model.KindTransaction, "store campaign image", err)
		}
		name := req.Image.FileName
		c.ImageKey, c.ImageFileName = &imageKey, &name
	}

	id, err := e.campaigns.Create(ctx, c, recipients)
	if err != nil {
		if imageKey != "" {
			_ = e.images.Delete(context.WithoutCancel(ctx), imageKey)
		}
		return nil, model.Wrap(model.KindTransaction, "create campaign", err)
	}

	e.log.Info("campaign created",
		zap.Int64("campaign_id", id),
		zap.String("name", c.Name),
		zap.Int("recipients", len(recipients)))
	return e.campaigns.Get(ctx, id)
}

type Preview struct {
	Page    model.RecipientPage
	Summary model.CohortSummary
}

// Preview shows one page of the cohort a filter would select, with totals.
func (e *Engine) Preview(ctx context.Context, f cohort.Filter, page, limit int) (*Preview, error) {
	if err := f.Validate(); err != nil {
		return nil, model.Wrap(model.KindValidation, "invalid cohort filter", err)
	}
	p, err := e.cohort.Find(ctx, f, page, limit)
	if err != nil {
		return nil, err
	}
	sum, err := e.cohort.Summary(ctx, f)
	if err != nil {
		return nil, err
	}
	return &Preview{Page: p, Summary: sum}, nil
}

// Status returns the campaign with its log counts, the first failed
// recipients and, while running, its live progress.
func (e *Engine) Status(ctx context.Context, id int64) (*model.CampaignSummary, error) {
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.summarize(ctx, *c)
}

func (e *Engine) summarize(ctx context.Context, c model.Campaign) (*model.CampaignSummary, error) {
	counts, err := e.campaigns.LogCounts(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	failed, err := e.campaigns.FailedLogs(ctx, c.ID, e.opts.FailedPreview)
	if err != nil {
		return nil, err
	}

	s := &model.CampaignSummary{Campaign: c, Counts: counts, FailedNumbers: failed}
	if r := e.runtime.get(c.ID); r != nil {
		p := r.snapshot()
		s.Live = &p
	} else if e.progress != nil && c.Status == model.CampaignRunning {
		if p, ok, err := e.progress.LoadProgress(ctx, c.ID); err == nil && ok {
			s.Live = &p
		}
	}
	return s, nil
}

func (e *Engine) Logs(ctx context.Context, id int64, page, limit int) ([]model.RecipientLog, int, error) {
	if _, err := e.campaigns.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return e.campaigns.Logs(ctx, id, page, limit)
}

// List returns campaigns newest first; an empty status lists all.
func (e *Engine) List(ctx context.Context, status model.CampaignStatus) ([]model.CampaignSummary, error) {
	cs, err := e.campaigns.List(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]model.CampaignSummary, 0, len(cs))
	for _, c := range cs {
		s, err := e.summarize(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (e *Engine) Stats(ctx context.Context) (model.CampaignStats, error) {
	return e.campaigns.Stats(ctx)
}

// Recover parks campaigns a previous process left running. Their working
// sets are rebuilt from pending rows on Resume.
func (e *Engine) Recover(ctx context.Context) ([]int64, error) {
	ids, err := e.campaigns.PauseRunning(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.log.Warn("orphaned campaign paused", zap.Int64("campaign_id", id))
	}
	return ids, nil
}

// Shutdown stops every timer owned by this process. Campaigns stay running
// in the store and are parked by Recover on the next boot.
func (e *Engine) Shutdown() {
	for _, r := range e.runtime.all() {
		r.stop()
	}
}

func (e *Engine) lock(id int64) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) requireReady(ctx context.Context) error {
	st, err := e.gateway.Status(ctx)
	if err != nil {
		return model.Wrap(model.KindTransportUnavailable, "messaging gateway unreachable", err)
	}
	if !st.Ready {
		return model.NewError(model.KindTransportUnavailable, "messaging gateway not ready: "+st.Diagnostic)
	}
	return nil
}

func (e *Engine) publish(name events.Name, c model.Campaign, status model.CampaignStatus, p model.Progress, batchID string) {
	if e.events == nil {
		return
	}
	e.events.Publish(events.Event{
		Name:       name,
		CampaignID: c.ID,
		Status:     status,
		Progress:   p,
		BatchID:    batchID,
		At:         e.now().UTC(),
	})
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
