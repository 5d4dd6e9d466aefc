package repotest

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/LeventeLantos/bingo-registry/internal/cohort"
	"github.com/LeventeLantos/bingo-registry/internal/model"
)

type Campaigns struct{ s *Store }

func (r *Campaigns) Create(_ context.Context, c *model.Campaign, recipients []model.Recipient) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("create campaign"); err != nil {
		return 0, err
	}

	cp := *c
	cp.ID = r.s.id()
	cp.Status = model.CampaignPending
	cp.TotalRecipients = len(recipients)
	cp.CreatedAt = time.Now().UTC()
	r.s.campaigns[cp.ID] = &cp

	for _, rc := range recipients {
		id := r.s.id()
		r.s.logs[id] = &model.RecipientLog{
			ID: id, CampaignID: cp.ID, UserID: rc.UserID, Phone: rc.Phone,
			FirstName: rc.FirstName, LastName: rc.LastName,
			Status: model.LogPending, CreatedAt: cp.CreatedAt,
		}
	}
	return cp.ID, nil
}

func (r *Campaigns) Get(_ context.Context, id int64) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "campaign not found")
	}
	cp := *c
	return &cp, nil
}

func (r *Campaigns) List(_ context.Context, status model.CampaignStatus) ([]model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Campaign
	for _, c := range r.s.campaigns {
		if status == "" || c.Status == status {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *Campaigns) Transition(_ context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("transition"); err != nil {
		return false, err
	}
	c, ok := r.s.campaigns[id]
	if !ok || !slices.Contains(from, c.Status) {
		return false, nil
	}
	c.Status = to
	at = at.UTC()
	if to == model.CampaignRunning && c.StartedAt == nil {
		c.StartedAt = &at
	}
	if to.Terminal() {
		c.CompletedAt = &at
	}
	return true, nil
}

func (r *Campaigns) PauseRunning(_ context.Context) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []int64
	for _, c := range r.s.campaigns {
		if c.Status == model.CampaignRunning {
			c.Status = model.CampaignPaused
			ids = append(ids, c.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *Campaigns) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return model.NewError(model.KindNotFound, "campaign not found")
	}
	if c.Status == model.CampaignRunning {
		return model.NewError(model.KindInvalidState, "campaign is running")
	}
	for lid, l := range r.s.logs {
		if l.CampaignID == id {
			delete(r.s.logs, lid)
		}
	}
	delete(r.s.campaigns, id)
	return nil
}

func (r *Campaigns) Stats(_ context.Context) (model.CampaignStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var st model.CampaignStats
	for _, c := range r.s.campaigns {
		st.TotalCampaigns++
		switch c.Status {
		case model.CampaignRunning:
			st.ActiveCampaigns++
		case model.CampaignCompleted:
			st.CompletedCampaigns++
		}
	}
	for _, l := range r.s.logs {
		switch l.Status {
		case model.LogSent:
			st.TotalMessagesSent++
		case model.LogError:
			st.TotalErrors++
		}
	}
	return st, nil
}

func (r *Campaigns) PendingLogs(_ context.Context, campaignID int64) ([]model.RecipientLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.logsOf(campaignID, model.LogPending), nil
}

func (r *Campaigns) MarkLogSent(_ context.Context, logID int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("mark sent"); err != nil {
		return err
	}
	if l, ok := r.s.logs[logID]; ok && l.Status == model.LogPending {
		at = at.UTC()
		l.Status, l.SentAt, l.ErrorMessage = model.LogSent, &at, nil
	}
	return nil
}

func (r *Campaigns) MarkLogError(_ context.Context, logID int64, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("mark error"); err != nil {
		return err
	}
	if l, ok := r.s.logs[logID]; ok && l.Status == model.LogPending {
		l.Status, l.ErrorMessage = model.LogError, &reason
	}
	return nil
}

func (r *Campaigns) CancelPendingLogs(_ context.Context, campaignID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, l := range r.s.logs {
		if l.CampaignID == campaignID && l.Status == model.LogPending {
			l.Status = model.LogCancelled
			n++
		}
	}
	return n, nil
}

func (r *Campaigns) Logs(_ context.Context, campaignID int64, page, limit int) ([]model.RecipientLog, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.s.logsOf(campaignID, "")
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	start := min((page-1)*limit, len(all))
	end := min(start+limit, len(all))
	return all[start:end], len(all), nil
}

func (r *Campaigns) FailedLogs(_ context.Context, campaignID int64, limit int) ([]model.RecipientLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.s.logsOf(campaignID, model.LogError)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Campaigns) LogCounts(_ context.Context, campaignID int64) (model.LogCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var c model.LogCounts
	for _, l := range r.s.logs {
		if l.CampaignID != campaignID {
			continue
		}
		switch l.Status {
		case model.LogPending:
			c.Pending++
		case model.LogSent:
			c.Sent++
		case model.LogError:
			c.Error++
		case model.LogCancelled:
			c.Cancelled++
		}
	}
	return c, nil
}

type Cohort struct{ s *Store }

func (r *Cohort) Find(_ context.Context, f cohort.Filter, page, limit int) (model.RecipientPage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.match(f)
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	start := min((page-1)*limit, len(all))
	end := min(start+limit, len(all))
	return model.RecipientPage{Items: all[start:end], Page: page, Limit: limit, TotalCount: len(all)}, nil
}

func (r *Cohort) All(_ context.Context, f cohort.Filter) ([]model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.match(f), nil
}

func (r *Cohort) Summary(_ context.Context, f cohort.Filter) (model.CohortSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.match(f)
	sum := model.CohortSummary{TotalCount: len(all)}
	byProvince := map[string]int{}
	for _, rc := range all {
		if rc.TableCode != nil {
			sum.WithTable++
		}
		if rc.Province != nil {
			byProvince[*rc.Province]++
		}
	}
	sum.WithoutTable = sum.TotalCount - sum.WithTable
	for name, n := range byProvince {
		sum.ByProvince = append(sum.ByProvince, model.ProvinceCount{Province: name, Count: n})
	}
	sort.Slice(sum.ByProvince, func(i, j int) bool {
		if sum.ByProvince[i].Count != sum.ByProvince[j].Count {
			return sum.ByProvince[i].Count > sum.ByProvince[j].Count
		}
		return sum.ByProvince[i].Province < sum.ByProvince[j].Province
	})
	return sum, nil
}

func (r *Cohort) Recipient(_ context.Context, userID int64) (*model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok || !u.PhoneVerified {
		return nil, model.NewError(model.KindNotFound, "recipient not found")
	}
	rc := r.recipient(u)
	return &rc, nil
}

func (r *Cohort) match(f cohort.Filter) []model.Recipient {
	var out []model.Recipient
	for _, u := range r.s.users {
		if u.PhoneVerified && r.matches(u, f) {
			out = append(out, r.recipient(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UserID > out[j].UserID
	})
	return out
}

func (r *Cohort) matches(u *model.User, f cohort.Filter) bool {
	for _, p := range f.Predicates {
		switch p := p.(type) {
		case cohort.ByProvince:
			if !eq(u.ProvinceID, p.ProvinceID) {
				return false
			}
		case cohort.ByCanton:
			if !eq(u.CantonID, p.CantonID) {
				return false
			}
		case cohort.ByNeighborhood:
			if !eq(u.NeighborhoodID, p.NeighborhoodID) {
				return false
			}
		case cohort.ByNeighborhoods:
			if len(p.NeighborhoodIDs) > 0 && (u.NeighborhoodID == nil || !slices.Contains(p.NeighborhoodIDs, *u.NeighborhoodID)) {
				return false
			}
		case cohort.HasTable:
			if (u.AssignedTableID != nil) != p.Has {
				return false
			}
		case cohort.RegisteredBetween:
			if p.From != nil && u.CreatedAt.Before(*p.From) {
				return false
			}
			if p.To != nil && u.CreatedAt.After(*p.To) {
				return false
			}
		case cohort.Search:
			term := strings.ToLower(strings.TrimSpace(p.Term))
			if term == "" {
				continue
			}
			hay := strings.ToLower(deref(u.FirstName) + " " + deref(u.LastName) + " " + u.Phone)
			if !strings.Contains(hay, term) {
				return false
			}
		case cohort.ByUserIDs:
			if !slices.Contains(p.UserIDs, u.ID) {
				return false
			}
		}
	}
	return true
}

func (r *Cohort) recipient(u *model.User) model.Recipient {
	rc := model.Recipient{
		UserID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Phone: u.Phone, IDCard: u.IDCard,
		ProvinceID: u.ProvinceID, CantonID: u.CantonID, NeighborhoodID: u.NeighborhoodID,
		CreatedAt: u.CreatedAt,
	}
	rc.Province = r.place(u.ProvinceID)
	rc.Canton = r.place(u.CantonID)
	rc.Neighborhood = r.place(u.NeighborhoodID)
	if u.AssignedTableID != nil {
		if t, ok := r.s.tables[*u.AssignedTableID]; ok {
			code, delivered, validated := t.Code, t.Delivered, t.OCRValidated
			rc.TableCode, rc.TableDelivered, rc.OCRValidated = &code, &delivered, &validated
		}
	}
	return rc
}

func (r *Cohort) place(id *int64) *string {
	if id == nil {
		return nil
	}
	name, ok := r.s.places[*id]
	if !ok {
		return nil
	}
	return &name
}

func eq(v *int64, want int64) bool { return v != nil && *v == want }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
