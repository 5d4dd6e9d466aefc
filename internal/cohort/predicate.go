// Package cohort describes which verified users a campaign targets.
//
// A Filter is a conjunction of tagged predicates. Each predicate renders a
// SQL condition against the recipient query (aliases u, p, c, n, t) and
// round-trips through JSON as {"kind": "...", ...fields}.
package cohort

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindProvince          Kind = "province"
	KindCanton            Kind = "canton"
	KindNeighborhood      Kind = "neighborhood"
	KindNeighborhoods     Kind = "neighborhoods"
	KindHasTable          Kind = "has_table"
	KindRegisteredBetween Kind = "registered_between"
	KindSearch            Kind = "search"
	KindUserIDs           Kind = "user_ids"
)

// Predicate is implemented only by the types in this package.
type Predicate interface {
	Kind() Kind
	apply(w *where)
}

type ByProvince struct {
	ProvinceID int64 `json:"provinceId"`
}

type ByCanton struct {
	CantonID int64 `json:"cantonId"`
}

type ByNeighborhood struct {
	NeighborhoodID int64 `json:"neighborhoodId"`
}

type ByNeighborhoods struct {
	NeighborhoodIDs []int64 `json:"neighborhoodIds"`
}

type HasTable struct {
	Has bool `json:"has"`
}

// RegisteredBetween bounds created_at inclusively; either side may be nil.
type RegisteredBetween struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Search matches a substring of first name, last name or phone.
type Search struct {
	Term string `json:"term"`
}

type ByUserIDs struct {
	UserIDs []int64 `json:"userIds"`
}

func (ByProvince) Kind() Kind        { return KindProvince }
func (ByCanton) Kind() Kind          { return KindCanton }
func (ByNeighborhood) Kind() Kind    { return KindNeighborhood }
func (ByNeighborhoods) Kind() Kind   { return KindNeighborhoods }
func (HasTable) Kind() Kind          { return KindHasTable }
func (RegisteredBetween) Kind() Kind { return KindRegisteredBetween }
func (Search) Kind() Kind            { return KindSearch }
func (ByUserIDs) Kind() Kind         { return KindUserIDs }

func (p ByProvince) apply(w *where) {
	w.add("u.province_id = " + w.arg(p.ProvinceID))
}

func (p ByCanton) apply(w *where) {
	w.add("u.canton_id = " + w.arg(p.CantonID))
}

func (p ByNeighborhood) apply(w *where) {
	w.add("u.neighborhood_id = " + w.arg(p.NeighborhoodID))
}

func (p ByNeighborhoods) apply(w *where) {
	if len(p.NeighborhoodIDs) == 0 {
		return
	}
	w.add("u.neighborhood_id = ANY(" + w.arg(p.NeighborhoodIDs) + ")")
}

func (p HasTable) apply(w *where) {
	if p.Has {
		w.add("u.assigned_table_id IS NOT NULL")
		return
	}
	w.add("u.assigned_table_id IS NULL")
}

func (p RegisteredBetween) apply(w *where) {
	if p.From != nil {
		w.add("u.created_at >= " + w.arg(*p.From))
	}
	if p.To != nil {
		w.add("u.created_at <= " + w.arg(*p.To))
	}
}

func (p Search) apply(w *where) {
	term := strings.TrimSpace(p.Term)
	if term == "" {
		return
	}
	ph := w.arg("%" + likeEscaper.Replace(term) + "%")
	w.add("(u.first_name ILIKE " + ph + " OR u.last_name ILIKE " + ph + " OR u.phone LIKE " + ph + ")")
}

func (p ByUserIDs) apply(w *where) {
	if len(p.UserIDs) == 0 {
		return
	}
	w.add("u.id = ANY(" + w.arg(p.UserIDs) + ")")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Filter is the conjunction of its predicates. The zero Filter selects
// every verified user.
type Filter struct {
	Predicates []Predicate
}

func And(preds ...Predicate) Filter {
	return Filter{Predicates: preds}
}

func (f Filter) IsEmpty() bool { return len(f.Predicates) == 0 }

func (f Filter) Validate() error {
	for _, p := range f.Predicates {
		switch v := p.(type) {
		case nil:
			return errors.New("nil predicate")
		case RegisteredBetween:
			if v.From != nil && v.To != nil && v.From.After(*v.To) {
				return errors.New("registered_between: from is after to")
			}
		case ByProvince:
			if v.ProvinceID <= 0 {
				return errors.New("province: id must be > 0")
			}
		case ByCanton:
			if v.CantonID <= 0 {
				return errors.New("canton: id must be > 0")
			}
		case ByNeighborhood:
			if v.NeighborhoodID <= 0 {
				return errors.New("neighborhood: id must be > 0")
			}
		case ByNeighborhoods:
			// an empty list would otherwise match every verified user
			if len(v.NeighborhoodIDs) == 0 {
				return errors.New("neighborhoods: list must not be empty")
			}
		case ByUserIDs:
			if len(v.UserIDs) == 0 {
				return errors.New("user_ids: list must not be empty")
			}
		}
	}
	return nil
}

// Build renders the WHERE clause body and its positional arguments.
// Only verified users are ever selected.
func Build(f Filter) (string, []any) {
	w := &where{conds: []string{"u.phone_verified = TRUE"}}
	for _, p := range f.Predicates {
		if p != nil {
			p.apply(w)
		}
	}
	return strings.Join(w.conds, " AND "), w.args
}

type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string) { w.conds = append(w.conds, cond) }

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}
