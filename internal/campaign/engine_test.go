package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/bingo-registry/internal/client"
	"github.com/LeventeLantos/bingo-registry/internal/cohort"
	"github.com/LeventeLantos/bingo-registry/internal/events"
	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/repo/repotest"
)

type fakeGateway struct {
	mu       sync.Mutex
	notReady bool
	failFor  map[string]bool
	texts    []string
	captions []string
	media    []client.Media
}

func (g *fakeGateway) Status(context.Context) (client.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return client.Status{Ready: !g.notReady, Diagnostic: "test"}, nil
}

func (g *fakeGateway) SendText(_ context.Context, phone, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFor[phone] {
		return model.ErrRecipientNotRegistered
	}
	g.texts = append(g.texts, phone+": "+body)
	return nil
}

func (g *fakeGateway) SendMediaWithCaption(_ context.Context, phone string, m client.Media, caption string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFor[phone] {
		return model.ErrRecipientNotRegistered
	}
	g.media = append(g.media, m)
	g.captions = append(g.captions, phone+": "+caption)
	return nil
}

func (g *fakeGateway) counts() (texts, media int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.texts), len(g.media)
}

type memImages struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memImages) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return "http://minio/" + key, nil
}

func (m *memImages) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return b, nil
}

func (m *memImages) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type fixture struct {
	store  *repotest.Store
	gw     *fakeGateway
	images *memImages
	hub    *events.Hub
	sub    *events.Subscription
	engine *Engine

	mu     sync.Mutex
	sleeps []time.Duration
}

func newFixture(t *testing.T, unit time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		store:  repotest.New(),
		gw:     &fakeGateway{failFor: map[string]bool{}},
		images: &memImages{},
		hub:    events.NewHub(nil),
	}
	f.sub = f.hub.Subscribe(256)
	f.engine = f.newEngine(unit)
	t.Cleanup(func() {
		f.engine.Shutdown()
		f.sub.Close()
	})
	return f
}

func (f *fixture) newEngine(unit time.Duration) *Engine {
	opts := DefaultOptions()
	opts.IntervalUnit = unit
	opts.Jitter = func() time.Duration { return 7 * time.Second }
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	return NewEngine(Deps{
		Campaigns: f.store.Campaigns(),
		Cohort:    f.store.Cohort(),
		Gateway:   f.gw,
		Images:    f.images,
		Events:    f.hub,
	}, opts)
}

func (f *fixture) addUsers(n int) []int64 {
	ids := make([]int64, 0, n)
	for i := range n {
		ids = append(ids, f.store.AddVerifiedUser(model.User{
			Phone:     fmt.Sprintf("59399000%04d", i),
			IDCard:    fmt.Sprintf("17%08d", i),
			FirstName: ptr(fmt.Sprintf("User%d", i)),
			LastName:  ptr("Test"),
		}))
	}
	return ids
}

func (f *fixture) create(t *testing.T, maxPerHour, interval int) *model.Campaign {
	t.Helper()
	c, err := f.engine.Create(context.Background(), CreateRequest{
		Name:               "promo",
		MessageTemplate:    "Hola {firstName}, tu tabla: {tableCode}",
		IntervalMinutes:    interval,
		MaxMessagesPerHour: maxPerHour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func (f *fixture) counts(t *testing.T, id int64) model.LogCounts {
	t.Helper()
	c, err := f.store.Campaigns().LogCounts(context.Background(), id)
	if err != nil {
		t.Fatalf("log counts: %v", err)
	}
	return c
}

func (f *fixture) status(t *testing.T, id int64) model.CampaignStatus {
	t.Helper()
	c, err := f.store.Campaigns().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c.Status
}

// drain collects published events until none arrive for a short while.
func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.sub.C():
			out = append(out, e)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func (f *fixture) waitFor(t *testing.T, name events.Name) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-f.sub.C():
			if e.Name == name {
				return e
			}
		case <-deadline:
			t.Fatalf("expected %s event, got none", name)
		}
	}
}

func names(evs []events.Event) []events.Name {
	out := make([]events.Name, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Name)
	}
	return out
}

func TestStart_SmallCohortCompletesInFirstBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(3)
	c := f.create(t, 180, 1)
	if c.TotalRecipients != 3 || c.Status != model.CampaignPending {
		t.Fatalf("expected pending campaign with 3 recipients, got %+v", c)
	}

	p, err := f.engine.Start(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.Processed != 3 || p.Success != 3 || p.Errors != 0 || p.Total != 3 {
		t.Fatalf("unexpected progress %+v", p)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if got := f.counts(t, c.ID); got.Sent != 3 || got.Pending != 0 {
		t.Fatalf("expected 3 sent, got %+v", got)
	}
	if n := len(f.engine.Runtime().Active()); n != 0 {
		t.Fatalf("expected working set evicted, got %d active", n)
	}

	f.mu.Lock()
	sleeps := len(f.sleeps)
	f.mu.Unlock()
	if sleeps != 2 {
		t.Fatalf("expected jitter between 3 messages (2 sleeps), got %d", sleeps)
	}

	evs := f.drain()
	got := names(evs)
	if len(got) != 2 || got[0] != events.CampaignProgress || got[1] != events.CampaignCompleted {
		t.Fatalf("expected [progress completed], got %v", got)
	}
	if evs[0].BatchID == "" || evs[0].BatchID != evs[1].BatchID {
		t.Fatalf("expected shared batch id, got %q and %q", evs[0].BatchID, evs[1].BatchID)
	}

	// newest registrations first
	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	if len(f.gw.texts) != 3 || f.gw.texts[0] != "593990000002: Hola User2, tu tabla: Sin tabla" {
		t.Fatalf("unexpected texts %v", f.gw.texts)
	}
}

func TestPauseResume_RetargetsOnlyPendingRows(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(10)
	c := f.create(t, 240, 1)
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	p, err := f.engine.Pause(ctx, c.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if p.Success != 4 {
		t.Fatalf("expected 4 sent before pause, got %+v", p)
	}
	if got := f.counts(t, c.ID); got.Sent != 4 || got.Pending != 6 {
		t.Fatalf("expected 4 sent and 6 pending, got %+v", got)
	}
	if got := f.status(t, c.ID); got != model.CampaignPaused {
		t.Fatalf("expected paused, got %s", got)
	}
	if ids := f.engine.Runtime().Active(); len(ids) != 1 {
		t.Fatalf("expected working set kept across pause, got %v", ids)
	}

	// a fresh engine has no working set and must rebuild it from the store
	f.engine.Shutdown()
	f.engine = f.newEngine(time.Millisecond)
	f.drain()

	if _, err := f.engine.Resume(ctx, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	done := f.waitFor(t, events.CampaignCompleted)
	if done.Progress.Success != 10 || done.Progress.Processed != 10 {
		t.Fatalf("expected 10 sent at completion, got %+v", done.Progress)
	}
	if got := f.counts(t, c.ID); got.Sent != 10 || got.Pending != 0 {
		t.Fatalf("expected all rows sent, got %+v", got)
	}
	if texts, _ := f.gw.counts(); texts != 10 {
		t.Fatalf("expected each recipient messaged once, got %d sends", texts)
	}
}

func TestResume_CompletesWhenNothingPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(4)
	ctx := context.Background()

	c2 := f.create(t, 60, 1)
	if _, err := f.engine.Start(ctx, c2.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.engine.Pause(ctx, c2.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	for _, l := range f.store.CampaignLogs(c2.ID) {
		if l.Status == model.LogPending {
			_ = f.store.Campaigns().MarkLogSent(ctx, l.ID, time.Now())
		}
	}
	f.engine.Shutdown()
	f.engine = f.newEngine(time.Hour)
	f.drain()

	p, err := f.engine.Resume(ctx, c2.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if p.Processed != 4 {
		t.Fatalf("expected 4 processed, got %+v", p)
	}
	if got := f.status(t, c2.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if got := names(f.drain()); len(got) != 1 || got[0] != events.CampaignCompleted {
		t.Fatalf("expected only a completed event, got %v", got)
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(2)
	ctx := context.Background()

	completed := f.create(t, 120, 1)
	if _, err := f.engine.Start(ctx, completed.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancelled := f.create(t, 60, 1)
	if _, err := f.engine.Start(ctx, cancelled.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.engine.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for _, id := range []int64{completed.ID, cancelled.ID} {
		ops := map[string]func() error{
			"start":  func() error { _, err := f.engine.Start(ctx, id); return err },
			"pause":  func() error { _, err := f.engine.Pause(ctx, id); return err },
			"resume": func() error { _, err := f.engine.Resume(ctx, id); return err },
			"cancel": func() error { _, err := f.engine.Cancel(ctx, id); return err },
		}
		for name, op := range ops {
			if err := op(); !errors.Is(err, model.ErrInvalidState) {
				t.Fatalf("campaign %d %s: expected invalid state, got %v", id, name, err)
			}
		}
	}
	if got := f.status(t, completed.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed to stay, got %s", got)
	}
	if got := f.status(t, cancelled.ID); got != model.CampaignCancelled {
		t.Fatalf("expected cancelled to stay, got %s", got)
	}
}

func TestPause_RequiresRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(1)
	c := f.create(t, 60, 1)

	_, err := f.engine.Pause(context.Background(), c.ID)
	if !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	var de *model.Error
	if !errors.As(err, &de) || de.Fields["status"] != string(model.CampaignPending) {
		t.Fatalf("expected status field pending, got %+v", de)
	}
	if _, err := f.engine.Resume(context.Background(), c.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected invalid state on resume, got %v", err)
	}
}

func TestStart_TransportUnavailableLeavesPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(2)
	c := f.create(t, 60, 1)
	f.gw.notReady = true

	_, err := f.engine.Start(context.Background(), c.ID)
	if !errors.Is(err, model.ErrTransportUnavailable) {
		t.Fatalf("expected transport unavailable, got %v", err)
	}
	if got := f.status(t, c.ID); got != model.CampaignPending {
		t.Fatalf("expected pending, got %s", got)
	}
	if got := f.counts(t, c.ID); got.Pending != 2 {
		t.Fatalf("expected untouched rows, got %+v", got)
	}
}

func TestCancel_MarksPendingRowsCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(3)
	c := f.create(t, 60, 1)
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	p, err := f.engine.Cancel(ctx, c.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if p.Success != 1 {
		t.Fatalf("expected 1 sent before cancel, got %+v", p)
	}
	if got := f.counts(t, c.ID); got.Sent != 1 || got.Cancelled != 2 || got.Pending != 0 {
		t.Fatalf("expected 1 sent and 2 cancelled, got %+v", got)
	}
	if got := f.status(t, c.ID); got != model.CampaignCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if ids := f.engine.Runtime().Active(); len(ids) != 0 {
		t.Fatalf("expected working set evicted, got %v", ids)
	}
	got := names(f.drain())
	if got[len(got)-1] != events.CampaignCancelled {
		t.Fatalf("expected cancelled event last, got %v", got)
	}
}

func TestCancel_FromPaused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(2)
	c := f.create(t, 60, 1)
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.engine.Pause(ctx, c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.engine.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.counts(t, c.ID); got.Cancelled != 1 || got.Sent != 1 {
		t.Fatalf("unexpected counts %+v", got)
	}
}

func TestDelete_CancelsRunningCampaignFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(3)
	c := f.create(t, 60, 1)
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.engine.Delete(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.engine.Status(ctx, c.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if logs := f.store.CampaignLogs(c.ID); len(logs) != 0 {
		t.Fatalf("expected logs removed, got %d", len(logs))
	}
	got := names(f.drain())
	if len(got) < 2 || got[len(got)-2] != events.CampaignCancelled || got[len(got)-1] != events.CampaignDeleted {
		t.Fatalf("expected [... cancelled deleted], got %v", got)
	}
	if err := f.engine.Delete(ctx, c.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestDelete_PendingCampaignRemovesImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(1)
	c, err := f.engine.Create(context.Background(), CreateRequest{
		Name:               "con imagen",
		MessageTemplate:    "Hola {firstName}",
		IntervalMinutes:    1,
		MaxMessagesPerHour: 60,
		Image:              &Image{Data: []byte("png"), FileName: "promo.png"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ImageKey == nil {
		t.Fatalf("expected image key")
	}
	if err := f.engine.Delete(context.Background(), c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.images.Get(context.Background(), *c.ImageKey); err == nil {
		t.Fatalf("expected image removed")
	}
}

func TestCreate_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.store.AddPlace(1, "Pichincha")
	f.addUsers(2)

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{
			name: "empty cohort",
			req: CreateRequest{
				Name: "x", MessageTemplate: "hola", IntervalMinutes: 1, MaxMessagesPerHour: 60,
				Filter: cohort.And(cohort.ByProvince{ProvinceID: 1}),
			},
			want: model.ErrEmptyCohort,
		},
		{
			name: "missing name",
			req:  CreateRequest{MessageTemplate: "hola", IntervalMinutes: 1, MaxMessagesPerHour: 60},
			want: model.ErrValidation,
		},
		{
			name: "zero interval",
			req:  CreateRequest{Name: "x", MessageTemplate: "hola", MaxMessagesPerHour: 60},
			want: model.ErrValidation,
		},
		{
			name: "invalid filter",
			req: CreateRequest{
				Name: "x", MessageTemplate: "hola", IntervalMinutes: 1, MaxMessagesPerHour: 60,
				Filter: cohort.And(cohort.ByCanton{}),
			},
			want: model.ErrValidation,
		},
		{
			name: "empty user id list",
			req: CreateRequest{
				Name: "x", MessageTemplate: "hola", IntervalMinutes: 1, MaxMessagesPerHour: 60,
				Filter: cohort.And(cohort.ByUserIDs{}),
			},
			want: model.ErrValidation,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Create(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	list, err := f.engine.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no campaigns persisted, got %d", len(list))
	}
}

func TestCreate_ByUserIDsFreezesRecipients(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	ids := f.addUsers(5)

	c, err := f.engine.Create(context.Background(), CreateRequest{
		Name: "elegidos", MessageTemplate: "hola", IntervalMinutes: 1, MaxMessagesPerHour: 60,
		Filter: cohort.And(cohort.ByUserIDs{UserIDs: ids[1:3]}),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.TotalRecipients != 2 {
		t.Fatalf("expected 2 recipients, got %d", c.TotalRecipients)
	}
	f.addUsers(1)
	if got := f.counts(t, c.ID); got.Total() != c.TotalRecipients || got.Pending != 2 {
		t.Fatalf("expected recipient list frozen at 2, got %+v", got)
	}
}

func TestBatch_FailureIsIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(3)
	f.gw.failFor["593990000001"] = true
	c := f.create(t, 180, 1)

	p, err := f.engine.Start(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.Success != 2 || p.Errors != 1 {
		t.Fatalf("expected 2 sent and 1 error, got %+v", p)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	s, err := f.engine.Status(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(s.FailedNumbers) != 1 || s.FailedNumbers[0].Phone != "593990000001" {
		t.Fatalf("expected failed recipient listed, got %+v", s.FailedNumbers)
	}
	if s.FailedNumbers[0].ErrorMessage == nil || *s.FailedNumbers[0].ErrorMessage == "" {
		t.Fatalf("expected error message recorded")
	}
}

func TestBatch_UnrecordedSendKeepsCampaignRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(3)
	c := f.create(t, 180, 1)
	f.store.SetFail(func(op string) error {
		if op == "mark sent" {
			return errors.New("db down")
		}
		return nil
	})

	p, err := f.engine.Start(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.Success != 0 {
		t.Fatalf("expected no recorded sends, got %+v", p)
	}
	if got := f.status(t, c.ID); got != model.CampaignRunning {
		t.Fatalf("expected campaign kept running, got %s", got)
	}
	if got := f.counts(t, c.ID); got.Pending != 3 {
		t.Fatalf("expected rows still pending in store, got %+v", got)
	}

	f.store.SetFail(nil)
	r := f.engine.runtime.get(c.ID)
	if r == nil {
		t.Fatalf("expected working set kept")
	}
	if done := f.engine.processBatch(r.context(), r); !done {
		t.Fatalf("expected run to finish once outcomes are recorded")
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if got := f.counts(t, c.ID); got.Sent != 3 || got.Pending != 0 {
		t.Fatalf("expected 3 sent, got %+v", got)
	}
	if texts, _ := f.gw.counts(); texts != 3 {
		t.Fatalf("expected each recipient messaged once, got %d sends", texts)
	}
}

func TestCancel_RecordsUnrecordedSendsFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(4)
	c := f.create(t, 120, 1)
	f.store.SetFail(func(op string) error {
		if op == "mark sent" || op == "mark error" {
			return errors.New("db down")
		}
		return nil
	})
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.store.SetFail(nil)

	if _, err := f.engine.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.counts(t, c.ID); got.Sent != 2 || got.Cancelled != 2 || got.Pending != 0 {
		t.Fatalf("expected 2 sent and 2 cancelled, got %+v", got)
	}
}

func TestBatch_RefetchesRecipient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	ids := f.addUsers(1)
	c, err := f.engine.Create(context.Background(), CreateRequest{
		Name: "tablas", MessageTemplate: "{firstName}: {tableCode}", IntervalMinutes: 1, MaxMessagesPerHour: 60,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// a table handed out after the cohort froze still shows up in the message
	if _, err := f.store.Tables().AssignNext(context.Background(), ids[0]); err == nil {
		t.Fatalf("expected empty pool")
	}
	f.store.AddTables("00001_00005")
	if _, err := f.store.Tables().AssignNext(context.Background(), ids[0]); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if _, err := f.engine.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	if len(f.gw.texts) != 1 || f.gw.texts[0] != "593990000000: User0: 00001_00005" {
		t.Fatalf("unexpected texts %v", f.gw.texts)
	}
}

func TestBatch_ImageWithTextFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(2)
	c, err := f.engine.Create(context.Background(), CreateRequest{
		Name: "foto", MessageTemplate: "Hola {firstName}", IntervalMinutes: 1, MaxMessagesPerHour: 60,
		Image: &Image{Data: []byte("jpeg-bytes"), FileName: "promo.JPG"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.engine.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	texts, media := f.gw.counts()
	if media != 1 || texts != 0 {
		t.Fatalf("expected first batch sent with image, got texts=%d media=%d", texts, media)
	}
	f.gw.mu.Lock()
	m := f.gw.media[0]
	f.gw.mu.Unlock()
	if string(m.Data) != "jpeg-bytes" || m.MimeType != "image/jpeg" || m.FileName != "promo.JPG" {
		t.Fatalf("unexpected media %+v", m)
	}

	// image gone: the next batch falls back to text
	_ = f.images.Delete(context.Background(), *c.ImageKey)
	f.engine.Shutdown()
	f.engine = f.newEngine(time.Millisecond)
	r, err := f.engine.load(context.Background(), *c)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r.setStatus(model.CampaignRunning)
	if !f.engine.processBatch(context.Background(), r) {
		t.Fatalf("expected last batch to finish the run")
	}
	if texts, _ := f.gw.counts(); texts != 1 {
		t.Fatalf("expected text fallback, got %d texts", texts)
	}
}

func TestStatus_ReportsLiveProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(3)
	c := f.create(t, 60, 1)
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	s, err := f.engine.Status(ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Status != model.CampaignRunning || s.Counts.Sent != 1 || s.Counts.Pending != 2 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.Live == nil || s.Live.Processed != 1 || s.Live.Total != 3 {
		t.Fatalf("expected live progress, got %+v", s.Live)
	}

	logs, total, err := f.engine.Logs(ctx, c.ID, 1, 2)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if total != 3 || len(logs) != 2 || logs[0].Status != model.LogSent {
		t.Fatalf("unexpected logs page total=%d %+v", total, logs)
	}

	st, err := f.engine.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalCampaigns != 1 || st.ActiveCampaigns != 1 || st.TotalMessagesSent != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestScheduledBatchesDrainCampaign(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5*time.Millisecond)
	f.addUsers(5)
	c := f.create(t, 120, 1)

	if _, err := f.engine.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := f.waitFor(t, events.CampaignCompleted)
	if done.Progress.Success != 5 {
		t.Fatalf("expected 5 sent, got %+v", done.Progress)
	}
	if got := f.status(t, c.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestRecover_PausesOrphanedCampaigns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(3)
	c := f.create(t, 60, 1)
	ctx := context.Background()
	if _, err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// simulate a crash: timers gone, store still says running
	f.engine.Shutdown()
	f.engine = f.newEngine(time.Hour)

	ids, err := f.engine.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(ids) != 1 || ids[0] != c.ID {
		t.Fatalf("expected campaign %d recovered, got %v", c.ID, ids)
	}
	if got := f.status(t, c.ID); got != model.CampaignPaused {
		t.Fatalf("expected paused, got %s", got)
	}
	p, err := f.engine.Resume(ctx, c.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if p.Processed != 2 {
		t.Fatalf("expected rebuilt progress to continue at 2, got %+v", p)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.addUsers(5)

	pv, err := f.engine.Preview(context.Background(), cohort.Filter{}, 1, 2)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pv.Page.TotalCount != 5 || len(pv.Page.Items) != 2 {
		t.Fatalf("unexpected page %+v", pv.Page)
	}
	if pv.Summary.TotalCount != 5 || pv.Summary.WithoutTable != 5 {
		t.Fatalf("unexpected summary %+v", pv.Summary)
	}

	again, err := f.engine.Preview(context.Background(), cohort.Filter{}, 1, 2)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if again.Page.TotalCount != pv.Page.TotalCount {
		t.Fatalf("expected stable total, got %d and %d", pv.Page.TotalCount, again.Page.TotalCount)
	}
	for i := range pv.Page.Items {
		if pv.Page.Items[i].UserID != again.Page.Items[i].UserID {
			t.Fatalf("expected stable order, got %d and %d at %d", pv.Page.Items[i].UserID, again.Page.Items[i].UserID, i)
		}
	}
	if _, err := f.engine.Preview(context.Background(), cohort.And(cohort.ByProvince{}), 1, 2); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
