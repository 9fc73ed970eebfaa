package codec

import (
	"encoding/json"
	"math"
)

// MissingValue is how a missing reading crosses process boundaries (JSON, logs, journal).
const MissingValue = -1

// Reading is the outcome of one decoded register read: either a value or Missing.
type Reading struct {
	value float64
	ok    bool
}

// Missing is the reading produced for sentinel words, short reads and bus failures.
var Missing = Reading{}

func Value(v float64) Reading {
	if math.IsNaN(v) {
		return Missing
	}
	return Reading{value: v, ok: true}
}

func (r Reading) IsMissing() bool {
	return !r.ok
}

func (r Reading) Float64() (float64, bool) {
	return r.value, r.ok
}

// Or returns the value, or def when the reading is missing.
func (r Reading) Or(def float64) float64 {
	if !r.ok {
		return def
	}
	return r.value
}

// Legacy returns the value with missing mapped to MissingValue.
func (r Reading) Legacy() float64 {
	return r.Or(MissingValue)
}

func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Legacy())
}

func (r *Reading) UnmarshalJSON(bytes []byte) error {
	var v *float64
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}
	if v == nil || *v == MissingValue {
		*r = Missing
		return nil
	}
	*r = Value(*v)
	return nil
}

// Snapshot maps pin name to reading for one device at one sampling instant.
type Snapshot map[string]Reading

// Get returns the value of name; absent and missing pins both report false.
func (s Snapshot) Get(name string) (float64, bool) {
	r, ok := s[name]
	if !ok {
		return 0, false
	}
	return r.Float64()
}

func (s Snapshot) Clone() Snapshot {
	c := make(Snapshot, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// AllMissing reports whether no pin carries a value. An empty snapshot counts as all missing.
func (s Snapshot) AllMissing() bool {
	for _, r := range s {
		if !r.IsMissing() {
			return false
		}
	}
	return true
}

// Legacy flattens the snapshot for publishing with missing pins as MissingValue.
func (s Snapshot) Legacy() map[string]float64 {
	m := make(map[string]float64, len(s))
	for k, v := range s {
		m[k] = v.Legacy()
	}
	return m
}
