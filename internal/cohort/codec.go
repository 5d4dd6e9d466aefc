package cohort

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var decoders = map[Kind]func(json.RawMessage) (Predicate, error){
	KindProvince:          decodeAs[ByProvince],
	KindCanton:            decodeAs[ByCanton],
	KindNeighborhood:      decodeAs[ByNeighborhood],
	KindNeighborhoods:     decodeAs[ByNeighborhoods],
	KindHasTable:          decodeAs[HasTable],
	KindRegisteredBetween: decodeAs[RegisteredBetween],
	KindSearch:            decodeAs[Search],
	KindUserIDs:           decodeAs[ByUserIDs],
}

func decodeAs[T Predicate](raw json.RawMessage) (Predicate, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// MarshalJSON encodes the filter as an array of tagged predicates.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(f.Predicates))
	for _, p := range f.Predicates {
		body, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		kind, _ := json.Marshal(p.Kind())
		fields["kind"] = kind
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("cohort filter: %w", err)
	}
	preds := make([]Predicate, 0, len(items))
	for i, raw := range items {
		var head struct {
			Kind Kind `json:"kind"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("cohort filter[%d]: %w", i, err)
		}
		decode, ok := decoders[head.Kind]
		if !ok {
			return fmt.Errorf("cohort filter[%d]: unknown predicate kind %q", i, head.Kind)
		}
		p, err := decode(raw)
		if err != nil {
			return fmt.Errorf("cohort filter[%d] %s: %w", i, head.Kind, err)
		}
		preds = append(preds, p)
	}
	f.Predicates = preds
	return nil
}

// Value stores the filter in a jsonb column.
func (f Filter) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *Filter) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		f.Predicates = nil
		return nil
	case []byte:
		return f.UnmarshalJSON(v)
	case string:
		return f.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cohort filter: cannot scan %T", src)
	}
}
