package control

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/runtime/constant"
)

type bounds map[string]float64

func (b bounds) Bounds(_ string, _ uint8, name string) (float64, float64, bool) {
	max, ok := b[name]
	if !ok {
		return math.Inf(-1), math.Inf(1), false
	}
	return 0, max, true
}

func snapshot(values map[string]float64) codec.Snapshot {
	s := codec.Snapshot{}
	for k, v := range values {
		s[k] = codec.Value(v)
	}
	return s
}

func TestEvaluateThresholdAndComposite(t *testing.T) {
	e := NewEvaluator(loadRuleSet(t))

	actions := e.Evaluate("TECO_VFD", 2, snapshot(map[string]float64{"AIn01": 41, "DIn01": 0}))
	require.Len(t, actions, 2)
	assert.Equal(t, "TECO_VFD", actions[0].Model)
	assert.Equal(t, uint8(2), actions[0].SlaveID)
	assert.Equal(t, constant.SetFrequency, actions[0].Type)
	assert.Equal(t, 50.0, *actions[0].Value)
	assert.Equal(t, 1, actions[0].Priority)
	assert.Equal(t, SourceControlEvaluator, actions[0].Source)
	assert.Equal(t, "[HT] High temperature | threshold(AIn01 gt 40) | measured=41", actions[0].Reason)
	assert.Equal(t, 45.0, *actions[1].Value)
	assert.Equal(t, 2, actions[1].Priority)

	actions = e.Evaluate("TECO_VFD", 2, snapshot(map[string]float64{"AIn01": 35, "DIn01": 1}))
	assert.Empty(t, actions)

	s := snapshot(map[string]float64{"AIn01": 35})
	s["DIn01"] = codec.Missing
	assert.Empty(t, e.Evaluate("TECO_VFD", 2, s))

	s = snapshot(map[string]float64{"DIn01": 0})
	s["AIn01"] = codec.Missing
	assert.Empty(t, e.Evaluate("TECO_VFD", 2, s))

	assert.Empty(t, e.Evaluate("TECO_VFD", 7, snapshot(map[string]float64{"AIn01": 99})))
}

func TestEvaluateIncrementalAndBlocking(t *testing.T) {
	e := NewEvaluator(loadRuleSet(t))

	actions := e.Evaluate("TECO_VFD", 3, snapshot(map[string]float64{"AIn01": 30, "AIn02": 22}))
	require.Len(t, actions, 1)
	assert.Equal(t, constant.AdjustFrequency, actions[0].Type)
	assert.Equal(t, 2.0, *actions[0].Value)
	assert.Contains(t, actions[0].Reason, "[SR] Supply return difference")
	assert.Contains(t, actions[0].Reason, "measured=8")

	actions = e.Evaluate("TECO_VFD", 3, snapshot(map[string]float64{"AIn01": 20, "AIn02": 30}))
	require.Len(t, actions, 1)
	assert.Equal(t, -2.0, *actions[0].Value)

	actions = e.Evaluate("TECO_VFD", 3, snapshot(map[string]float64{"AIn01": 22, "AIn02": 20}))
	require.Len(t, actions, 1)
	assert.Equal(t, constant.TurnOn, actions[0].Type)
	assert.Nil(t, actions[0].Value)
}

func TestEvaluateEmergencyAndCrossDevice(t *testing.T) {
	e := NewEvaluator(loadRuleSet(t), WithBounds(bounds{constant.RegHz: 50}))

	actions := e.Evaluate("TECO_VFD", 4, snapshot(map[string]float64{"AIn01": 65}))
	require.Len(t, actions, 1)
	assert.True(t, actions[0].EmergencyOverride)
	assert.Equal(t, 60.0, *actions[0].Value)
	assert.Contains(t, actions[0].Reason, "override constraint 50")

	actions = e.Evaluate("TECO_VFD", 4, snapshot(map[string]float64{"AIn01": 3}))
	require.Len(t, actions, 1)
	assert.Equal(t, "IO_MODULE", actions[0].Model)
	assert.Equal(t, uint8(9), actions[0].SlaveID)
	assert.Equal(t, "DO1", actions[0].Target)
	assert.Equal(t, 0, actions[0].Priority)

	e = NewEvaluator(loadRuleSet(t))
	actions = e.Evaluate("TECO_VFD", 4, snapshot(map[string]float64{"AIn01": 65}))
	assert.Contains(t, actions[0].Reason, "use original value")
}

func TestEvaluateAbsoluteLinear(t *testing.T) {
	gte := constant.GreaterThanOrEqual
	setFrequency := constant.SetFrequency
	base, temp, gain, min, max := 40.0, 25.0, 1.2, 30.0, 55.0
	threshold := -100.0
	rs, issues := NewRuleSet(Config{
		"TECO_VFD": {
			DefaultControls: []*ControlConditionRule{{
				Name: "linear", Code: "LIN", Operator: &gte, Threshold: &threshold, Source: "AIn01",
				Policy: &Policy{Type: constant.AbsoluteLinear, BaseFreq: &base, BaseTemp: &temp, GainHzPerUnit: &gain, MinFreq: &min, MaxFreq: &max},
				Action: &ActionTemplate{Type: &setFrequency},
			}},
			Instances: map[string]*InstanceControls{"2": {UseDefaultControls: true}},
		},
	})
	require.Empty(t, issues)
	e := NewEvaluator(rs)

	actions := e.Evaluate("TECO_VFD", 2, snapshot(map[string]float64{"AIn01": 29}))
	require.Len(t, actions, 1)
	assert.Equal(t, constant.SetFrequency, actions[0].Type)
	assert.Equal(t, constant.RegHz, actions[0].ResolvedTarget())
	assert.InDelta(t, 44.8, *actions[0].Value, 1e-9)
	assert.Equal(t, constant.DefaultPriority, actions[0].Priority)
}

func TestPolicies(t *testing.T) {
	base, temp, gain, min, max, deadband := 40.0, 25.0, 1.2, 30.0, 55.0, 1.0
	p := &Policy{Type: constant.AbsoluteLinear, BaseFreq: &base, BaseTemp: &temp, GainHzPerUnit: &gain, MinFreq: &min, MaxFreq: &max}
	assert.InDelta(t, 44.8, AbsoluteLinear(p, 29), 1e-9)
	assert.Equal(t, 55.0, AbsoluteLinear(p, 50))
	assert.Equal(t, 30.0, AbsoluteLinear(p, 10))
	p.Deadband = &deadband
	assert.Equal(t, 40.0, AbsoluteLinear(p, 25.5))

	incGain, step, band := 1.5, 2.0, 0.5
	inc := &Policy{Type: constant.IncrementalLinear, GainHzPerUnit: &incGain}
	delta, ok := IncrementalLinear(inc, 1)
	assert.True(t, ok)
	assert.Equal(t, 1.5, delta)
	inc.MaxStepHz = &step
	delta, _ = IncrementalLinear(inc, 10)
	assert.Equal(t, 2.0, delta)
	delta, _ = IncrementalLinear(inc, -7)
	assert.Equal(t, -2.0, delta)
	inc.Deadband = &band
	_, ok = IncrementalLinear(inc, 0.3)
	assert.False(t, ok)
	_, ok = IncrementalLinear(inc, 0)
	assert.False(t, ok)
}

func TestMatchOperators(t *testing.T) {
	threshold, lo, hi := 10.0, 5.0, 15.0
	s := snapshot(map[string]float64{"A": 10, "B": 12})
	tests := []struct {
		op   constant.Operator
		want bool
	}{
		{constant.GreaterThan, false},
		{constant.LessThan, false},
		{constant.GreaterThanOrEqual, true},
		{constant.LessThanOrEqual, true},
		{constant.Equal, true},
		{constant.NotEqual, false},
		{constant.Between, true},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			op := tt.op
			c := &Condition{Operator: &op, Threshold: &threshold, Min: &lo, Max: &hi, Source: "A"}
			assert.Equal(t, tt.want, Match(c, s))
		})
	}

	gt := constant.GreaterThan
	two := 2.0
	noAbs := false
	diff := &Condition{Type: constant.Difference, Operator: &gt, Threshold: &two, Sources: []string{"A", "B"}}
	assert.False(t, Match(diff, s))
	diff.Sources = []string{"B", "A"}
	assert.False(t, Match(diff, s))
	diff.Threshold = &lo
	diff.Sources = []string{"A", "B"}
	lo = 1
	assert.True(t, Match(diff, s))
	diff.Abs = &noAbs
	assert.False(t, Match(diff, s))

	anyOf := &Condition{Any: []*Condition{{Operator: &gt, Threshold: &threshold, Source: "missing"}, {Operator: &gt, Threshold: &threshold, Source: "B"}}}
	assert.True(t, Match(anyOf, s))
	assert.False(t, Match(nil, s))
}

func TestEvaluateIncrementalSignedDifference(t *testing.T) {
	gt := constant.GreaterThan
	adjust := constant.AdjustFrequency
	threshold, gain := 0.0, 1.5
	rule := &ControlConditionRule{
		Name: "supply return", Code: "SR", Priority: intPtr(1),
		ConditionType: constant.Difference, Operator: &gt, Threshold: &threshold, Sources: []string{"AIn01", "AIn02"},
		Policy: &Policy{Type: constant.IncrementalLinear, ConditionType: conditionType(constant.Difference),
			Sources: []string{"AIn01", "AIn02"}, GainHzPerUnit: &gain},
		Action: &ActionTemplate{Type: &adjust},
	}
	rs, issues := NewRuleSet(Config{"TECO_VFD": {
		Instances: map[string]*InstanceControls{"2": {Controls: []*ControlConditionRule{rule}}},
	}})
	require.Empty(t, issues)
	e := NewEvaluator(rs)

	actions := e.Evaluate("TECO_VFD", 2, snapshot(map[string]float64{"AIn01": 18, "AIn02": 25}))
	require.Len(t, actions, 1)
	assert.Equal(t, constant.AdjustFrequency, actions[0].Type)
	assert.Equal(t, -10.5, *actions[0].Value)

	abs := true
	rule.Policy.Abs = &abs
	measured, ok := Measure(rule.Policy.Input(), snapshot(map[string]float64{"AIn01": 18, "AIn02": 25}))
	require.True(t, ok)
	assert.Equal(t, 7.0, measured)
}

func stabilizedEvaluator(t *testing.T, leaf *Condition) (*Evaluator, *time.Time) {
	t.Helper()
	on := constant.TurnOn
	rs, issues := NewRuleSet(Config{"TECO_VFD": {
		Instances: map[string]*InstanceControls{"2": {Controls: []*ControlConditionRule{{
			Name: "stable", Code: "ST", Priority: intPtr(1),
			Composite: &Condition{All: []*Condition{leaf}},
			Action:    &ActionTemplate{Type: &on},
		}}}},
	}})
	require.Empty(t, issues)
	now := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	e := NewEvaluator(rs)
	e.clock = func() time.Time { return now }
	return e, &now
}

func TestEvaluateHysteresis(t *testing.T) {
	gt := constant.GreaterThan
	threshold, hysteresis := 40.0, 2.0
	e, _ := stabilizedEvaluator(t, &Condition{Type: constant.Threshold, Operator: &gt, Threshold: &threshold, Source: "AIn01", Hysteresis: &hysteresis})

	steps := []struct {
		value float64
		want  bool
	}{
		{39, false},
		{40, false},
		{40.5, true},
		{39, true},
		{38, true},
		{37.9, false},
		{39, false},
		{41, true},
	}
	for i, step := range steps {
		actions := e.Evaluate("TECO_VFD", 2, snapshot(map[string]float64{"AIn01": step.value}))
		assert.Equal(t, step.want, len(actions) == 1, "step %d value %v", i, step.value)
	}

	s := snapshot(nil)
	s["AIn01"] = codec.Missing
	assert.Empty(t, e.Evaluate("TECO_VFD", 2, s))
	assert.Empty(t, e.Evaluate("TECO_VFD", 2, snapshot(map[string]float64{"AIn01": 39})))
}

func TestEvaluateDebounce(t *testing.T) {
	gt := constant.GreaterThan
	threshold, debounce := 40.0, 30.0
	e, now := stabilizedEvaluator(t, &Condition{Type: constant.Threshold, Operator: &gt, Threshold: &threshold, Source: "AIn01", DebounceSec: &debounce})
	hot := snapshot(map[string]float64{"AIn01": 45})
	cool := snapshot(map[string]float64{"AIn01": 35})

	assert.Empty(t, e.Evaluate("TECO_VFD", 2, hot))
	*now = now.Add(20 * time.Second)
	assert.Empty(t, e.Evaluate("TECO_VFD", 2, hot))
	*now = now.Add(10 * time.Second)
	assert.Len(t, e.Evaluate("TECO_VFD", 2, hot), 1)
	*now = now.Add(5 * time.Second)
	assert.Len(t, e.Evaluate("TECO_VFD", 2, hot), 1)

	*now = now.Add(5 * time.Second)
	assert.Empty(t, e.Evaluate("TECO_VFD", 2, cool))
	*now = now.Add(5 * time.Second)
	assert.Empty(t, e.Evaluate("TECO_VFD", 2, hot))
	*now = now.Add(29 * time.Second)
	assert.Empty(t, e.Evaluate("TECO_VFD", 2, hot))
	*now = now.Add(time.Second)
	assert.Len(t, e.Evaluate("TECO_VFD", 2, hot), 1)

	assert.True(t, Match(&Condition{Type: constant.Threshold, Operator: &gt, Threshold: &threshold, Source: "AIn01", DebounceSec: &debounce}, hot))
}
