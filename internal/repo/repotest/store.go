// Package repotest provides in-memory implementations of the repository
// interfaces for service level tests. They follow the same conflict and
// not-found conventions as the Postgres repositories.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/repo"
)

// Store is the shared backing state. Use the accessor methods to obtain the
// per-aggregate repositories.
type Store struct {
	mu     sync.Mutex
	nextID int64

	users     map[int64]*model.User
	tables    map[int64]*model.Table
	campaigns map[int64]*model.Campaign
	logs      map[int64]*model.RecipientLog
	places    map[int64]string

	// Fail, when set, is consulted before every mutating call; a non-nil
	// return aborts the call with that error.
	Fail func(op string) error
}

func New() *Store {
	return &Store{
		users:     make(map[int64]*model.User),
		tables:    make(map[int64]*model.Table),
		campaigns: make(map[int64]*model.Campaign),
		logs:      make(map[int64]*model.RecipientLog),
		places:    make(map[int64]string),
	}
}

func (s *Store) Users() *Users         { return &Users{s} }
func (s *Store) Tables() *Tables       { return &Tables{s} }
func (s *Store) Campaigns() *Campaigns { return &Campaigns{s} }
func (s *Store) Cohort() *Cohort       { return &Cohort{s} }

var (
	_ repo.UserRepository     = (*Users)(nil)
	_ repo.TableRepository    = (*Tables)(nil)
	_ repo.CampaignRepository = (*Campaigns)(nil)
	_ repo.CohortRepository   = (*Cohort)(nil)
)

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// SetFail swaps the failure hook while other goroutines may be using the
// store.
func (s *Store) SetFail(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fail = fn
}

func (s *Store) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

// AddPlace registers a location name so recipients can be denormalized.
func (s *Store) AddPlace(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.places[id] = name
}

// AddVerifiedUser inserts a completed registration and returns its id.
func (s *Store) AddVerifiedUser(u model.User) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = s.id()
	u.PhoneVerified = true
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC().Add(time.Duration(u.ID) * time.Millisecond)
	}
	s.users[u.ID] = &u
	return u.ID
}

// AddTables seeds undelivered pool tables.
func (s *Store) AddTables(codes ...string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(codes))
	for _, c := range codes {
		id := s.id()
		s.tables[id] = &model.Table{ID: id, Code: c, FileName: "BINGO_AMIGO_TABLA_" + c + ".pdf"}
		ids = append(ids, id)
	}
	return ids
}

// User returns a copy of the stored row, or nil.
func (s *Store) User(id int64) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (s *Store) UsersByPhone(phone string) []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.User
	for _, u := range s.sortedUsers() {
		if u.Phone == phone {
			out = append(out, *u)
		}
	}
	return out
}

func (s *Store) Table(id int64) *model.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// CampaignLogs returns every log row of a campaign in id order.
func (s *Store) CampaignLogs(campaignID int64) []model.RecipientLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logsOf(campaignID, "")
}

func (s *Store) sortedUsers() []*model.User {
	out := make([]*model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) logsOf(campaignID int64, status model.LogStatus) []model.RecipientLog {
	var out []model.RecipientLog
	for _, l := range s.logs {
		if l.CampaignID == campaignID && (status == "" || l.Status == status) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) holder(tableID int64) *model.User {
	for _, u := range s.users {
		if u.AssignedTableID != nil && *u.AssignedTableID == tableID {
			return u
		}
	}
	return nil
}

type Users struct{ s *Store }

func (r *Users) FindByPhoneOrIDCard(_ context.Context, phone, idCard string) ([]model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.User
	for _, u := range r.s.sortedUsers() {
		if u.Phone == phone || u.IDCard == idCard {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *Users) FindLatestByPhone(_ context.Context, phone string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.User
	for _, u := range r.s.sortedUsers() {
		if u.Phone != phone {
			continue
		}
		if best == nil || (u.PhoneVerified && !best.PhoneVerified) || u.PhoneVerified == best.PhoneVerified {
			best = u
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *Users) FindVerifiedByIDCard(_ context.Context, idCard string, excludeID int64) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.sortedUsers() {
		if u.IDCard == idCard && u.PhoneVerified && u.ID != excludeID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *Users) FindByIdentifier(_ context.Context, identifier string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.User
	for _, u := range r.s.sortedUsers() {
		if u.IDCard != identifier && u.Phone != identifier {
			continue
		}
		if best == nil || u.PhoneVerified || !best.PhoneVerified {
			best = u
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *Users) GetByID(_ context.Context, id int64) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "user not found")
	}
	cp := *u
	return &cp, nil
}

func (r *Users) CreatePending(_ context.Context, phone, idCard, otpHash string, expiresAt time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("create pending"); err != nil {
		return 0, err
	}
	id := r.s.id()
	exp := expiresAt.UTC()
	hash := otpHash
	r.s.users[id] = &model.User{
		ID: id, Phone: phone, IDCard: idCard,
		OTPHash: &hash, OTPExpiresAt: &exp,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (r *Users) UpdateOTP(_ context.Context, id int64, otpHash string, expiresAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("update otp"); err != nil {
		return err
	}
	u, ok := r.s.users[id]
	if !ok || u.PhoneVerified {
		return model.NewError(model.KindTransaction, "update otp: affected 0 rows")
	}
	exp := expiresAt.UTC()
	hash := otpHash
	u.OTPHash, u.OTPExpiresAt = &hash, &exp
	return nil
}

func (r *Users) DeleteExpiredIncomplete(_ context.Context, phone, idCard string, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, u := range r.s.users {
		if (u.Phone == phone || u.IDCard == idCard) && u.IsIncomplete() &&
			(u.OTPExpiresAt == nil || u.OTPExpiresAt.Before(now)) {
			delete(r.s.users, id)
			n++
		}
	}
	return n, nil
}

func (r *Users) DeleteIncomplete(_ context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok || u.PhoneVerified {
		return false, nil
	}
	delete(r.s.users, id)
	return true, nil
}

func (r *Users) DeleteIncompleteByIDCard(_ context.Context, idCard string, exceptID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, u := range r.s.users {
		if u.IDCard == idCard && id != exceptID && !u.PhoneVerified {
			delete(r.s.users, id)
			n++
		}
	}
	return n, nil
}

func (r *Users) Verify(_ context.Context, id int64, p model.Profile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("verify"); err != nil {
		return err
	}
	return r.verifyLocked(id, p)
}

func (r *Users) verifyLocked(id int64, p model.Profile) error {
	u, ok := r.s.users[id]
	if !ok || u.PhoneVerified {
		return model.NewError(model.KindAlreadyRegistered, "registration is no longer pending")
	}
	for _, o := range r.s.users {
		if o.ID == id || !o.PhoneVerified {
			continue
		}
		if o.Phone == u.Phone {
			return model.NewError(model.KindAlreadyRegistered, "phone already registered").WithField("phone", "already registered")
		}
		if o.IDCard == u.IDCard {
			return model.NewError(model.KindDuplicateIDCard, "id card already registered").WithField("idCard", "already registered")
		}
	}

	first, last, addr := p.FirstName, p.LastName, p.AddressDetail
	prov, canton, hood := p.ProvinceID, p.CantonID, p.NeighborhoodID
	u.FirstName, u.LastName, u.AddressDetail = &first, &last, &addr
	u.ProvinceID, u.CantonID, u.NeighborhoodID = &prov, &canton, &hood
	u.Latitude, u.Longitude = p.Latitude, p.Longitude
	u.PhoneVerified = true
	u.OTPHash, u.OTPExpiresAt = nil, nil
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Users) VerifyWithManualTable(_ context.Context, id int64, p model.Profile, mt repo.ManualTable) (*model.Table, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("verify with manual table"); err != nil {
		return nil, err
	}
	u, ok := r.s.users[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "user not found")
	}
	for _, t := range r.s.tables {
		if t.Code == mt.Code && (u.AssignedTableID == nil || *u.AssignedTableID != t.ID) {
			return nil, model.NewError(model.KindTableRangeTaken, "table range already registered").WithField("tableRange", "taken")
		}
	}

	// Snapshot so a failed verify leaves no trace, as a rolled back tx would.
	before := *u
	if err := r.verifyLocked(id, p); err != nil {
		*u = before
		return nil, err
	}

	var t *model.Table
	if u.AssignedTableID != nil {
		t = r.s.tables[*u.AssignedTableID]
	}
	if t == nil {
		t = &model.Table{ID: r.s.id(), CreatedAt: time.Now().UTC()}
		r.s.tables[t.ID] = t
	}
	url, conf, kw := mt.FileURL, mt.OCRConfidence, strings.Join(mt.OCRKeywords, ",")
	t.Code, t.FileName, t.FileURL = mt.Code, mt.FileName, &url
	t.Delivered, t.ManualRegistration, t.OCRValidated = true, true, true
	t.OCRConfidence, t.OCRKeywords = &conf, &kw
	tid := t.ID
	u.AssignedTableID = &tid

	cp := *t
	return &cp, nil
}

type Tables struct{ s *Store }

func (r *Tables) AssignNext(_ context.Context, userID int64) (*model.Table, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("assign table"); err != nil {
		return nil, err
	}

	var pick *model.Table
	for _, t := range r.s.tables {
		if !t.Delivered && (pick == nil || t.ID < pick.ID) {
			pick = t
		}
	}
	if pick == nil {
		return nil, model.ErrNoInventory
	}
	u, ok := r.s.users[userID]
	if !ok || u.AssignedTableID != nil {
		return nil, model.NewError(model.KindTransaction, "attach table to user: affected 0 rows")
	}

	pick.Delivered = true
	tid := pick.ID
	u.AssignedTableID = &tid
	cp := *pick
	return &cp, nil
}

func (r *Tables) Release(_ context.Context, tableID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("release table"); err != nil {
		return err
	}
	t, ok := r.s.tables[tableID]
	if !ok {
		return model.NewError(model.KindTransaction, "release table: affected 0 rows")
	}
	if u := r.s.holder(tableID); u != nil {
		u.AssignedTableID = nil
	}
	t.Delivered = false
	return nil
}

func (r *Tables) GetByUser(_ context.Context, userID int64) (*model.Table, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok || u.AssignedTableID == nil {
		return nil, nil
	}
	t, ok := r.s.tables[*u.AssignedTableID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *Tables) FindByCode(_ context.Context, code string) (*model.Table, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tables {
		if t.Code == code {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *Tables) InsertPool(_ context.Context, tables []model.Table) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[string]bool, len(r.s.tables))
	for _, t := range r.s.tables {
		seen[t.Code] = true
	}
	for _, t := range tables {
		if seen[t.Code] {
			return model.NewError(model.KindTableRangeTaken, fmt.Sprintf("table %s already exists", t.Code))
		}
		seen[t.Code] = true
	}
	for _, t := range tables {
		t.ID = r.s.id()
		t.Delivered = false
		cp := t
		r.s.tables[cp.ID] = &cp
	}
	return nil
}

func (r *Tables) Stats(_ context.Context) (model.TableStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var st model.TableStats
	for _, t := range r.s.tables {
		st.Total++
		if t.Delivered {
			st.Delivered++
		} else {
			st.Available++
		}
	}
	return st, nil
}
