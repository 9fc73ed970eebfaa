package control

import (
	"fmt"
	"strings"

	"talosgateway/pkg/runtime/constant"
)

const (
	SourceControlEvaluator    = "ControlEvaluator"
	SourceConstraintEvaluator = "ConstraintEvaluator"
	SourceTimeControl         = "TimeControl"
	SourceActionBus           = "ActionBus"
)

// ControlAction is one candidate write produced by an evaluator and consumed by the executor.
type ControlAction struct {
	Model             string              `json:"model" mapstructure:"model"`                                     // 型号
	SlaveID           uint8               `json:"slave_id" mapstructure:"slave_id"`                               // 从站地址
	Type              constant.ActionType `json:"type" mapstructure:"type"`                                       // 动作类型
	Target            string              `json:"target,omitempty" mapstructure:"target"`                         // 目标寄存器
	Value             *float64            `json:"value,omitempty" mapstructure:"value"`                           // 目标值
	Source            string              `json:"source,omitempty" mapstructure:"source"`                         // 来源
	Reason            string              `json:"reason,omitempty" mapstructure:"reason"`                         // 原因
	Priority          int                 `json:"priority" mapstructure:"priority"`                               // 优先级, 越小越优先
	EmergencyOverride bool                `json:"emergency_override,omitempty" mapstructure:"emergency_override"` // 紧急动作绕过约束
}

// ResolvedTarget returns the target, else the default register of the action type.
func (a *ControlAction) ResolvedTarget() string {
	if a.Target != "" {
		return a.Target
	}
	return constant.DefaultTargetByAction[a.Type]
}

func (a *ControlAction) String() string {
	value := "<nil>"
	if a.Value != nil {
		value = fmt.Sprint(*a.Value)
	}
	return fmt.Sprintf("%s %s_%d %s=%s p%d", a.Type, a.Model, a.SlaveID, a.ResolvedTarget(), value, a.Priority)
}

// Condition is either a group (all, any, not) or a threshold/difference leaf.
type Condition struct {
	All []*Condition `json:"all,omitempty"`
	Any []*Condition `json:"any,omitempty"`
	Not *Condition   `json:"not,omitempty"`

	Type      constant.ConditionType `json:"type,omitempty"`      // threshold | difference
	Operator  *constant.Operator     `json:"operator,omitempty"`  // 比较符
	Source    string                 `json:"source,omitempty"`    // threshold 数据源
	Sources   []string               `json:"sources,omitempty"`   // difference 数据源, a - b
	Threshold *float64               `json:"threshold,omitempty"` // 阈值
	Min       *float64               `json:"min,omitempty"`       // between 下限
	Max       *float64               `json:"max,omitempty"`       // between 上限
	Abs       *bool                  `json:"abs,omitempty"`       // difference 取绝对值, 默认 true

	Hysteresis  *float64 `json:"hysteresis,omitempty"`   // 回差, 成立后数值回到阈值 ± 回差之外才释放
	DebounceSec *float64 `json:"debounce_sec,omitempty"` // 持续成立多少秒后才算成立
}

func (c *Condition) IsGroup() bool {
	return len(c.All) > 0 || len(c.Any) > 0 || c.Not != nil
}

// Stateful reports whether the leaf needs hysteresis or debounce state across cycles.
func (c *Condition) Stateful() bool {
	return deref(c.Hysteresis) > 0 || deref(c.DebounceSec) > 0
}

func (c *Condition) UseAbs() bool {
	return c.Abs == nil || *c.Abs
}

// Pins returns the snapshot pins a leaf reads, a-b order for difference.
func (c *Condition) Pins() []string {
	if c.Type == constant.Difference {
		return c.Sources
	}
	if c.Source != "" {
		return []string{c.Source}
	}
	if len(c.Sources) > 0 {
		return c.Sources[:1]
	}
	return nil
}

// Summary renders the condition as threshold(AIn01 gt 40), all(...), any(...) or not(...).
func (c *Condition) Summary() string {
	switch {
	case len(c.All) > 0:
		return "all(" + summaries(c.All) + ")"
	case len(c.Any) > 0:
		return "any(" + summaries(c.Any) + ")"
	case c.Not != nil:
		return "not(" + c.Not.Summary() + ")"
	}

	subject := strings.Join(c.Pins(), "")
	if c.Type == constant.Difference {
		subject = strings.Join(c.Pins(), "-")
		if c.UseAbs() {
			subject = "|" + subject + "|"
		}
	}
	op := "?"
	if c.Operator != nil {
		op = c.Operator.String()
	}
	if c.Operator != nil && *c.Operator == constant.Between {
		return fmt.Sprintf("%s(%s between %s..%s)", c.Type, subject, fmtBound(c.Min), fmtBound(c.Max))
	}
	return fmt.Sprintf("%s(%s %s %s)", c.Type, subject, op, fmtBound(c.Threshold))
}

func summaries(cs []*Condition) string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		parts = append(parts, c.Summary())
	}
	return strings.Join(parts, ", ")
}

func fmtBound(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

// Policy computes the action value of a triggered rule.
type Policy struct {
	Type constant.PolicyType `json:"type"`

	// 输入, 不配置时使用规则条件的第一个数据源
	ConditionType *constant.ConditionType `json:"condition_type,omitempty"`
	Source        string                  `json:"source,omitempty"`
	Sources       []string                `json:"sources,omitempty"`
	Abs           *bool                   `json:"abs,omitempty"` // difference 取绝对值, 默认 false

	BaseFreq      *float64 `json:"base_freq,omitempty"`        // 基准频率
	BaseTemp      *float64 `json:"base_temp,omitempty"`        // 基准温度
	GainHzPerUnit *float64 `json:"gain_hz_per_unit,omitempty"` // 增益
	MinFreq       *float64 `json:"min_freq,omitempty"`
	MaxFreq       *float64 `json:"max_freq,omitempty"`
	Deadband      *float64 `json:"deadband,omitempty"`    // 死区
	MaxStepHz     *float64 `json:"max_step_hz,omitempty"` // 单次最大调整量
}

// Input returns the policy's own input as a leaf condition, or nil to reuse the rule condition.
func (p *Policy) Input() *Condition {
	if p.Source == "" && len(p.Sources) == 0 {
		return nil
	}
	abs := p.UseAbs()
	c := &Condition{Source: p.Source, Sources: p.Sources, Abs: &abs}
	if p.ConditionType != nil {
		c.Type = *p.ConditionType
	} else if p.Source == "" && len(p.Sources) >= 2 {
		c.Type = constant.Difference
	}
	return c
}

// UseAbs reports whether a difference input is taken as |a-b|. Policies keep the sign unless abs
// is set.
func (p *Policy) UseAbs() bool {
	return p.Abs != nil && *p.Abs
}

// ActionTemplate is the action part of a rule. Model and slave id default to the evaluated device.
type ActionTemplate struct {
	Model             string               `json:"model,omitempty"`
	SlaveID           *uint8               `json:"slave_id,omitempty"`
	Type              *constant.ActionType `json:"type,omitempty"`
	Target            string               `json:"target,omitempty"`
	Value             *float64             `json:"value,omitempty"`
	Priority          *int                 `json:"priority,omitempty"`
	EmergencyOverride bool                 `json:"emergency_override,omitempty"`
}

// ControlConditionRule triggers its actions when its condition holds.
//
// The condition is either a composite tree or, for single leaf rules, the flat
// condition_type/operator/threshold/source fields.
type ControlConditionRule struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Priority *int   `json:"priority,omitempty"`
	Blocking bool   `json:"blocking,omitempty"`

	Composite *Condition `json:"composite,omitempty"`

	ConditionType constant.ConditionType `json:"condition_type,omitempty"`
	Operator      *constant.Operator     `json:"operator,omitempty"`
	Threshold     *float64               `json:"threshold,omitempty"`
	Min           *float64               `json:"min,omitempty"`
	Max           *float64               `json:"max,omitempty"`
	Source        string                 `json:"source,omitempty"`
	Sources       []string               `json:"sources,omitempty"`
	Abs           *bool                  `json:"abs,omitempty"`
	Hysteresis    *float64               `json:"hysteresis,omitempty"`
	DebounceSec   *float64               `json:"debounce_sec,omitempty"`

	Policy  *Policy           `json:"policy,omitempty"`
	Action  *ActionTemplate   `json:"action,omitempty"`
	Actions []*ActionTemplate `json:"actions,omitempty"`
}

// PriorityOrDefault returns the rule priority, 999 when unset.
func (r *ControlConditionRule) PriorityOrDefault() int {
	if r.Priority == nil {
		return constant.DefaultPriority
	}
	return *r.Priority
}

// Condition returns the composite, else a leaf built from the flat fields, else nil.
func (r *ControlConditionRule) Condition() *Condition {
	if r.Composite != nil {
		return r.Composite
	}
	if r.Operator == nil && r.Source == "" && len(r.Sources) == 0 {
		return nil
	}
	return &Condition{
		Type:        r.ConditionType,
		Operator:    r.Operator,
		Source:      r.Source,
		Sources:     r.Sources,
		Threshold:   r.Threshold,
		Min:         r.Min,
		Max:         r.Max,
		Abs:         r.Abs,
		Hysteresis:  r.Hysteresis,
		DebounceSec: r.DebounceSec,
	}
}

// Templates returns action followed by actions.
func (r *ControlConditionRule) Templates() []*ActionTemplate {
	if r.Action == nil {
		return r.Actions
	}
	return append([]*ActionTemplate{r.Action}, r.Actions...)
}

// PolicyType returns the policy type, discrete_setpoint when no policy is configured.
func (r *ControlConditionRule) PolicyType() constant.PolicyType {
	if r.Policy == nil {
		return constant.DiscreteSetpoint
	}
	return r.Policy.Type
}
