package campaign

import (
	"context"
	"sync"
	"time"

	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/scheduler"
)

// run is the working set of one started campaign: the rows still to send
// and the counters reported in events.
type run struct {
	campaign model.Campaign

	// batch is held for the whole of one batch so stop can wait for it.
	batch sync.Mutex

	mu       sync.Mutex
	pending  []model.RecipientLog
	parked   []outcome
	progress model.Progress
	sched    *scheduler.Scheduler
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
}

func newRun(c model.Campaign, pending []model.RecipientLog, counts model.LogCounts) *run {
	return &run{
		campaign: c,
		pending:  pending,
		progress: model.Progress{
			Processed: counts.Sent + counts.Error,
			Total:     c.TotalRecipients,
			Success:   counts.Sent,
			Errors:    counts.Error,
		},
	}
}

func (r *run) info() model.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaign
}

func (r *run) setStatus(s model.CampaignStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaign.Status = s
}

func (r *run) context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *run) snapshot() model.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *run) remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// next returns up to n rows from the head of the working set without
// removing them.
func (r *run) next(n int) []model.RecipientLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	n = min(n, len(r.pending))
	return append([]model.RecipientLog(nil), r.pending[:n]...)
}

// outcome is a delivery result the store has not recorded yet.
type outcome struct {
	log    model.RecipientLog
	sent   bool
	reason string
	at     time.Time
}

// take removes the head row once its message has gone out, so it is never
// sent twice whether or not the store records it.
func (r *run) take(logID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) > 0 && r.pending[0].ID == logID {
		r.pending = r.pending[1:]
	}
}

// count adds a recorded outcome to the progress counters.
func (r *run) count(sent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Processed++
	if sent {
		r.progress.Success++
	} else {
		r.progress.Errors++
	}
}

// park keeps an outcome whose store write failed until a later batch
// records it.
func (r *run) park(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parked = append(r.parked, o)
}

func (r *run) unpark() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.parked
	r.parked = nil
	return out
}

// unsettled is the number of outcomes still waiting to be recorded.
func (r *run) unsettled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}

// arm prepares the run for sending. The returned context outlives the
// caller's request and is cancelled by stop.
func (r *run) arm(parent context.Context) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(parent))
	r.stopped = false
	return r.ctx
}

// stop cancels the run, halts its timer and waits for an in-flight batch.
func (r *run) stop() {
	r.mu.Lock()
	r.stopped = true
	s, cancel := r.sched, r.cancel
	r.sched, r.cancel = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s != nil {
		s.Stop()
	}
	r.batch.Lock()
	r.batch.Unlock()
}

// schedule starts s unless the run was stopped meanwhile.
func (r *run) schedule(s *scheduler.Scheduler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.sched = s
	return s.Start()
}

// Runtime owns the working sets of every campaign started by this process.
type Runtime struct {
	mu   sync.Mutex
	runs map[int64]*run
}

func NewRuntime() *Runtime {
	return &Runtime{runs: make(map[int64]*run)}
}

func (rt *Runtime) get(id int64) *run {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.runs[id]
}

func (rt *Runtime) put(id int64, r *run) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.runs[id] = r
}

// evict drops the working set only if it is still r, so a late tick
// cannot remove a newer run.
func (rt *Runtime) evict(id int64, r *run) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cur, ok := rt.runs[id]; ok && (r == nil || cur == r) {
		delete(rt.runs, id)
	}
}

// Active lists campaigns that currently hold a working set.
func (rt *Runtime) Active() []int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]int64, 0, len(rt.runs))
	for id := range rt.runs {
		ids = append(ids, id)
	}
	return ids
}

func (rt *Runtime) all() []*run {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*run, 0, len(rt.runs))
	for _, r := range rt.runs {
		out = append(out, r)
	}
	return out
}
