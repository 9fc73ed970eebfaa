package control

import (
	"fmt"
	"sort"

	"k8s.io/klog/v2"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/device"
	"talosgateway/pkg/runtime/constant"
)

// Constrained is a device with a resolved constraint policy.
type Constrained interface {
	Key() device.Key
	Policy() *device.Policy
}

// ConstraintEvaluator pulls measured values that left their configured range back into it.
type ConstraintEvaluator struct{}

func NewConstraintEvaluator() *ConstraintEvaluator {
	return &ConstraintEvaluator{}
}

// Evaluate emits one set_frequency per constrained pin of the snapshot whose value is out of
// range, with the value clamped to the nearest bound.
func (ce *ConstraintEvaluator) Evaluate(d Constrained, snapshot codec.Snapshot) []ControlAction {
	constraints := d.Policy().Constraints()
	names := make([]string, 0, len(constraints))
	for name := range constraints {
		names = append(names, name)
	}
	sort.Strings(names)

	key := d.Key()
	var actions []ControlAction
	for _, name := range names {
		v, ok := snapshot.Get(name)
		if !ok {
			continue
		}
		min, max, _ := d.Policy().Bounds(name)
		if v >= min && v <= max {
			continue
		}
		clamped := min
		if v > max {
			clamped = max
		}
		klog.V(2).InfoS("Measured value out of range", "device", key, "register", name, "value", v, "min", min, "max", max)
		actions = append(actions, ControlAction{
			Model:    key.Model,
			SlaveID:  key.SlaveID,
			Type:     constant.SetFrequency,
			Target:   name,
			Value:    &clamped,
			Source:   SourceConstraintEvaluator,
			Reason:   fmt.Sprintf("Value %v out of range [%v, %v]", v, min, max),
			Priority: constant.DefaultPriority,
		})
	}
	return actions
}
