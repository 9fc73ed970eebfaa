package device

import (
	"encoding/json"
	"math"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Policy gates outgoing writes against configured [min, max] ranges.
type Policy struct {
	owner       string
	constraints map[string]*Constraint
}

func NewPolicy(owner string, constraints map[string]*Constraint) *Policy {
	if constraints == nil {
		constraints = map[string]*Constraint{}
	}
	return &Policy{owner: owner, constraints: constraints}
}

// Bounds returns the range of name. Unset bounds are infinite.
func (p *Policy) Bounds(name string) (min float64, max float64, ok bool) {
	c, ok := p.constraints[name]
	if !ok || c == nil {
		return math.Inf(-1), math.Inf(1), false
	}
	min, max = math.Inf(-1), math.Inf(1)
	if c.Min != nil {
		min = *c.Min
	}
	if c.Max != nil {
		max = *c.Max
	}
	return min, max, true
}

// Allow reports whether value may be written to name. Names without a constraint allow everything.
func (p *Policy) Allow(name string, value float64) bool {
	min, max, ok := p.Bounds(name)
	if !ok {
		return true
	}
	if value >= min && value <= max {
		return true
	}
	klog.V(1).InfoS("Reject write out of range", "device", p.owner, "register", name, "value", value, "min", min, "max", max)
	return false
}

// Constraints returns a copy of the effective constraints.
func (p *Policy) Constraints() map[string]Constraint {
	out := make(map[string]Constraint, len(p.constraints))
	for name, c := range p.constraints {
		if c != nil {
			out[name] = *c
		}
	}
	return out
}

// MergeConstraints applies overrides to defaults as a JSON merge patch: an override sets single
// bounds of a register and a null entry removes the register's constraint.
func MergeConstraints(defaults, overrides map[string]*Constraint, useDefaults bool) (map[string]*Constraint, error) {
	base := map[string]*Constraint{}
	if useDefaults {
		base = defaults
	}
	if len(overrides) == 0 {
		return dropNil(base), nil
	}

	original, err := json.Marshal(dropNil(base))
	if err != nil {
		return nil, errors.Wrap(err, "marshal default constraints")
	}
	patch, err := json.Marshal(overrides)
	if err != nil {
		return nil, errors.Wrap(err, "marshal instance constraints")
	}
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return nil, errors.Wrap(err, "merge constraints")
	}

	result := map[string]*Constraint{}
	if err = json.Unmarshal(merged, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshal merged constraints")
	}
	return dropNil(result), nil
}

func dropNil(constraints map[string]*Constraint) map[string]*Constraint {
	out := make(map[string]*Constraint, len(constraints))
	for name, c := range constraints {
		if c != nil {
			out[name] = c
		}
	}
	return out
}
