// Package events fans campaign progress notifications out to subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

type Name string

const (
	CampaignProgress  Name = "campaignProgress"
	CampaignCompleted Name = "campaignCompleted"
	CampaignCancelled Name = "campaignCancelled"
	CampaignPaused    Name = "campaignPaused"
	CampaignResumed   Name = "campaignResumed"
	CampaignDeleted   Name = "campaignDeleted"
)

type Event struct {
	Name       Name                 `json:"event"`
	CampaignID int64                `json:"campaignId"`
	Status     model.CampaignStatus `json:"status,omitempty"`
	Progress   model.Progress       `json:"progress"`
	BatchID    string               `json:"batchId,omitempty"`
	At         time.Time            `json:"at"`
}

// Publisher is what the campaign engine needs from the hub.
type Publisher interface {
	Publish(e Event)
}

// Hub never blocks a publisher: a subscriber whose buffer is full misses
// the event.
type Hub struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	dropped atomic.Uint64
	onDrop  func(Event)
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, subs: make(map[*Subscription]struct{})}
}

// OnDrop registers fn to run for every dropped event. Call before the
// hub is shared.
func (h *Hub) OnDrop(fn func(Event)) *Hub {
	h.onDrop = fn
	return h
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{hub: h, ch: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop(e)
			}
			h.log.Warn("event dropped for slow subscriber",
				zap.String("event", string(e.Name)),
				zap.Int64("campaign_id", e.CampaignID))
		}
	}
}

// Dropped counts events discarded because a subscriber buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type Subscription struct {
	hub  *Hub
	ch   chan Event
	once sync.Once
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}
