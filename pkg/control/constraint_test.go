package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/device"
	"talosgateway/pkg/runtime/constant"
)

type constrained struct {
	key    device.Key
	policy *device.Policy
}

func (c constrained) Key() device.Key {
	return c.key
}

func (c constrained) Policy() *device.Policy {
	return c.policy
}

func TestConstraintEvaluator(t *testing.T) {
	min, max, floor := 30.0, 55.0, 10.0
	d := constrained{
		key: device.Key{Model: "TECO_VFD", SlaveID: 2},
		policy: device.NewPolicy("TECO_VFD_2", map[string]*device.Constraint{
			constant.RegHz: {Min: &min, Max: &max},
			"RW_HZ_B":      {Min: &floor},
			"RW_HZ_C":      {Max: &max},
		}),
	}

	s := codec.Snapshot{
		constant.RegHz: codec.Value(60),
		"RW_HZ_B":      codec.Value(5),
		"RW_HZ_C":      codec.Missing,
		"AIn01":        codec.Value(1000),
	}
	actions := NewConstraintEvaluator().Evaluate(d, s)
	require.Len(t, actions, 2)
	assert.Equal(t, constant.RegHz, actions[0].Target)
	assert.Equal(t, 55.0, *actions[0].Value)
	assert.Equal(t, constant.SetFrequency, actions[0].Type)
	assert.Equal(t, SourceConstraintEvaluator, actions[0].Source)
	assert.Equal(t, "Value 60 out of range [30, 55]", actions[0].Reason)
	assert.Equal(t, "RW_HZ_B", actions[1].Target)
	assert.Equal(t, 10.0, *actions[1].Value)

	s[constant.RegHz] = codec.Value(45)
	s["RW_HZ_B"] = codec.Value(10)
	assert.Empty(t, NewConstraintEvaluator().Evaluate(d, s))
}
