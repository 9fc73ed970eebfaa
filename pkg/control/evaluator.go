package control

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/runtime/constant"
)

const floatTolerance = 1e-9

// BoundsLookup returns the resolved constraint of a register on one instance.
type BoundsLookup interface {
	Bounds(model string, slaveID uint8, name string) (min float64, max float64, ok bool)
}

type EvaluatorOption func(*Evaluator)

// WithBounds lets emergency actions report the constraint they override.
func WithBounds(bounds BoundsLookup) EvaluatorOption {
	return func(e *Evaluator) {
		e.bounds = bounds
	}
}

// Evaluator turns a snapshot into candidate actions using the rules of the instance.
type Evaluator struct {
	rules  *RuleSet
	bounds BoundsLookup
	clock  func() time.Time

	// 回差与防抖状态, 各设备的周期并发调用
	mu     sync.Mutex
	leaves map[leafKey]*leafState
}

type leafKey struct {
	device string
	rule   string
	path   string
}

type leafState struct {
	isTrue       bool
	pendingSince time.Time
}

func NewEvaluator(rules *RuleSet, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		rules:  rules,
		clock:  time.Now,
		leaves: make(map[leafKey]*leafState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate walks the rules in precedence order. Every triggered rule contributes its actions, a
// triggered blocking rule ends the walk.
func (e *Evaluator) Evaluate(model string, slaveID uint8, snapshot codec.Snapshot) []ControlAction {
	rules := append([]*ControlConditionRule(nil), e.rules.Rules(model, slaveID)...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].PriorityOrDefault() < rules[j].PriorityOrDefault()
	})

	owner := fmt.Sprintf("%s_%d", model, slaveID)
	now := e.clock()
	var actions []ControlAction
	for _, rule := range rules {
		condition := rule.Condition()
		stabilize := func(c *Condition, path string, measured float64, ok bool) bool {
			return e.stabilize(leafKey{device: owner, rule: ruleKey(rule), path: path}, c, measured, ok, now)
		}
		if !match(condition, snapshot, "composite", stabilize) {
			continue
		}
		measured, ok := e.measure(rule, condition, snapshot)
		reason := fmt.Sprintf("[%s] %s | %s | measured=%s", rule.Code, rule.Name, condition.Summary(), fmtMeasured(measured, ok))
		klog.V(4).InfoS("Control rule triggered", "model", model, "slaveId", slaveID, "rule", rule.Name, "code", rule.Code, "measured", measured)

		for _, t := range rule.Templates() {
			if t == nil || t.Type == nil {
				continue
			}
			action, emit := e.build(model, slaveID, rule, t, measured, ok)
			if !emit {
				continue
			}
			action.Reason = reason + action.Reason
			actions = append(actions, action)
		}
		if rule.Blocking {
			klog.V(4).InfoS("Blocking rule stops evaluation", "model", model, "slaveId", slaveID, "rule", rule.Name)
			break
		}
	}
	return actions
}

// measure returns the policy input, else the value of the first leaf of the condition.
func (e *Evaluator) measure(rule *ControlConditionRule, condition *Condition, snapshot codec.Snapshot) (float64, bool) {
	if rule.Policy != nil {
		if input := rule.Policy.Input(); input != nil {
			return Measure(input, snapshot)
		}
	}
	return Measure(primaryLeaf(condition), snapshot)
}

func (e *Evaluator) build(model string, slaveID uint8, rule *ControlConditionRule, t *ActionTemplate, measured float64, measuredOk bool) (ControlAction, bool) {
	action := ControlAction{
		Model:             model,
		SlaveID:           slaveID,
		Type:              *t.Type,
		Target:            t.Target,
		Value:             t.Value,
		Source:            SourceControlEvaluator,
		Priority:          rule.PriorityOrDefault(),
		EmergencyOverride: t.EmergencyOverride,
	}
	if t.Model != "" {
		action.Model = t.Model
	}
	if t.SlaveID != nil {
		action.SlaveID = *t.SlaveID
	}
	if t.Priority != nil {
		action.Priority = *t.Priority
	}

	policy := rule.Policy
	switch rule.PolicyType() {
	case constant.AbsoluteLinear:
		if !measuredOk {
			return action, false
		}
		v := AbsoluteLinear(policy, measured)
		action.Type = constant.SetFrequency
		action.Value = &v
		action.Reason = fmt.Sprintf(" | absolute_linear=%.2f", v)
	case constant.IncrementalLinear:
		if !measuredOk {
			return action, false
		}
		delta, ok := IncrementalLinear(policy, measured)
		if !ok {
			klog.V(4).InfoS("Incremental adjustment within deadband", "model", action.Model, "slaveId", action.SlaveID, "rule", rule.Name, "measured", measured)
			return action, false
		}
		action.Type = constant.AdjustFrequency
		action.Value = &delta
		action.Reason = fmt.Sprintf(" | incremental_linear=%+.2f", delta)
	}

	if action.EmergencyOverride && action.Value != nil {
		action.Reason += e.emergencyNote(&action)
	}
	return action, true
}

// emergencyNote describes the constraint an emergency action bypasses.
func (e *Evaluator) emergencyNote(a *ControlAction) string {
	if e.bounds == nil {
		return " | emergency: use original value"
	}
	_, max, ok := e.bounds.Bounds(a.Model, a.SlaveID, a.ResolvedTarget())
	switch {
	case !ok || math.IsInf(max, 1):
		return " | emergency: use original value"
	case max < *a.Value:
		return fmt.Sprintf(" | emergency: override constraint %v", max)
	default:
		return fmt.Sprintf(" | emergency: use constraint max: %v", max)
	}
}

// AbsoluteLinear returns base_freq + gain*(measured-base_temp). Inside the deadband around
// base_temp the base frequency is kept. The result is clamped to [min_freq, max_freq].
func AbsoluteLinear(p *Policy, measured float64) float64 {
	offset := measured - deref(p.BaseTemp)
	v := deref(p.BaseFreq)
	if p.Deadband == nil || math.Abs(offset) >= *p.Deadband {
		v += deref(p.GainHzPerUnit) * offset
	}
	return codec.Round(clampOptional(v, p.MinFreq, p.MaxFreq), 2)
}

// IncrementalLinear returns gain*measured capped to ±max_step_hz. No adjustment is made when
// |measured| is inside the deadband or the delta is zero.
func IncrementalLinear(p *Policy, measured float64) (float64, bool) {
	if p.Deadband != nil && math.Abs(measured) <= *p.Deadband {
		return 0, false
	}
	delta := deref(p.GainHzPerUnit) * measured
	if p.MaxStepHz != nil {
		step := *p.MaxStepHz
		delta = math.Max(-step, math.Min(step, delta))
	}
	delta = codec.Round(delta, 2)
	if delta == 0 {
		return 0, false
	}
	return delta, true
}

// Match evaluates a condition tree without hysteresis or debounce. A leaf whose pins are missing
// never matches.
func Match(c *Condition, snapshot codec.Snapshot) bool {
	return match(c, snapshot, "composite", nil)
}

// leafFunc decides a stateful leaf. ok is false when the leaf could not be measured.
type leafFunc func(c *Condition, path string, measured float64, ok bool) bool

func match(c *Condition, snapshot codec.Snapshot, path string, leaf leafFunc) bool {
	if c == nil {
		return false
	}
	switch {
	case len(c.All) > 0:
		// 不短路, 每个叶子的防抖状态都要更新
		matched := true
		for i, child := range c.All {
			if !match(child, snapshot, fmt.Sprintf("%s.all[%d]", path, i), leaf) {
				matched = false
			}
		}
		return matched
	case len(c.Any) > 0:
		matched := false
		for i, child := range c.Any {
			if match(child, snapshot, fmt.Sprintf("%s.any[%d]", path, i), leaf) {
				matched = true
			}
		}
		return matched
	case c.Not != nil:
		if !c.Not.IsGroup() {
			if _, ok := Measure(c.Not, snapshot); !ok {
				return false
			}
		}
		return !match(c.Not, snapshot, path+".not", leaf)
	}

	measured, ok := Measure(c, snapshot)
	if c.Operator == nil {
		return false
	}
	if leaf != nil && c.Stateful() {
		return leaf(c, path, measured, ok)
	}
	return ok && compare(*c.Operator, measured, c)
}

// stabilize applies hysteresis to the raw comparison of a leaf, then requires it to hold for
// debounce_sec. An unreadable leaf resets its state.
func (e *Evaluator) stabilize(key leafKey, c *Condition, measured float64, ok bool, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok {
		delete(e.leaves, key)
		return false
	}
	st, found := e.leaves[key]
	if !found {
		st = &leafState{}
		e.leaves[key] = st
	}

	raw := compare(*c.Operator, measured, c)
	if h := deref(c.Hysteresis); h > 0 && st.isTrue {
		raw = holding(*c.Operator, measured, c, h, raw)
	}

	debounce := time.Duration(deref(c.DebounceSec) * float64(time.Second))
	if debounce <= 0 {
		st.isTrue = raw
		st.pendingSince = time.Time{}
		return raw
	}
	if !raw {
		st.isTrue = false
		st.pendingSince = time.Time{}
		return false
	}
	if st.pendingSince.IsZero() {
		st.pendingSince = now
	}
	st.isTrue = now.Sub(st.pendingSince) >= debounce
	if st.isTrue {
		klog.V(5).InfoS("Condition debounced", "device", key.device, "rule", key.rule, "leaf", key.path, "since", st.pendingSince)
	}
	return st.isTrue
}

// holding widens the comparison of a leaf that is already true by h.
func holding(op constant.Operator, v float64, c *Condition, h float64, raw bool) bool {
	threshold := deref(c.Threshold)
	switch op {
	case constant.GreaterThan, constant.GreaterThanOrEqual:
		return v >= threshold-h
	case constant.LessThan, constant.LessThanOrEqual:
		return v <= threshold+h
	case constant.Equal:
		return math.Abs(v-threshold) < floatTolerance+h
	case constant.Between:
		if c.Min == nil || c.Max == nil {
			return false
		}
		return v >= *c.Min-h && v <= *c.Max+h
	default:
		return raw
	}
}

func ruleKey(rule *ControlConditionRule) string {
	if rule.Code != "" {
		return rule.Code
	}
	return fmt.Sprintf("%s#%d", rule.Name, rule.PriorityOrDefault())
}

// Measure reads the leaf value: one pin for threshold, a-b for difference.
func Measure(c *Condition, snapshot codec.Snapshot) (float64, bool) {
	if c == nil {
		return 0, false
	}
	pins := c.Pins()
	if len(pins) == 0 {
		return 0, false
	}
	if c.Type != constant.Difference {
		return snapshot.Get(pins[0])
	}
	if len(pins) < 2 {
		return 0, false
	}
	a, ok := snapshot.Get(pins[0])
	if !ok {
		return 0, false
	}
	b, ok := snapshot.Get(pins[1])
	if !ok {
		return 0, false
	}
	if c.UseAbs() {
		return math.Abs(a - b), true
	}
	return a - b, true
}

func compare(op constant.Operator, v float64, c *Condition) bool {
	threshold := deref(c.Threshold)
	switch op {
	case constant.GreaterThan:
		return v > threshold
	case constant.LessThan:
		return v < threshold
	case constant.GreaterThanOrEqual:
		return v >= threshold
	case constant.LessThanOrEqual:
		return v <= threshold
	case constant.Equal:
		return math.Abs(v-threshold) < floatTolerance
	case constant.NotEqual:
		return math.Abs(v-threshold) >= floatTolerance
	case constant.Between:
		if c.Min == nil || c.Max == nil {
			return false
		}
		return v >= *c.Min && v <= *c.Max
	default:
		return false
	}
}

func primaryLeaf(c *Condition) *Condition {
	for c != nil && c.IsGroup() {
		switch {
		case len(c.All) > 0:
			c = c.All[0]
		case len(c.Any) > 0:
			c = c.Any[0]
		default:
			c = c.Not
		}
	}
	return c
}

func fmtMeasured(v float64, ok bool) string {
	if !ok {
		return "n/a"
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func clampOptional(v float64, min, max *float64) float64 {
	if min != nil && v < *min {
		v = *min
	}
	if max != nil && v > *max {
		v = *max
	}
	return v
}
