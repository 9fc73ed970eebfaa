package control

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
	"talosgateway/pkg/runtime/constant"
)

// InstanceControls are the rules of one slave.
type InstanceControls struct {
	UseDefaultControls bool                    `json:"use_default_controls,omitempty"` // 合并型号默认规则, 默认 false
	Controls           []*ControlConditionRule `json:"controls,omitempty"`
}

// ModelControls are the default rules of a model and its instance overrides keyed by slave id.
type ModelControls struct {
	DefaultControls []*ControlConditionRule      `json:"default_controls,omitempty"`
	Instances       map[string]*InstanceControls `json:"instances,omitempty"`
}

// Config is the control configuration keyed by model.
type Config map[string]*ModelControls

func LoadConfig(path string) (Config, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read control config %s", path)
	}
	config := Config{}
	if err = yaml.Unmarshal(bytes, &config); err != nil {
		return nil, errors.Wrapf(err, "parse control config %s", path)
	}
	return config, nil
}

type instanceRules struct {
	useDefaults bool
	rules       []*ControlConditionRule
}

// RuleSet holds the validated rules and resolves the merged rule list of an instance.
type RuleSet struct {
	defaults  map[string][]*ControlConditionRule
	instances map[string]map[uint8]*instanceRules
	// 合并结果缓存 key: model_slave
	cache *sync.Map
}

// NewRuleSet validates config. Invalid rules and instance keys are reported and left out, the
// rest of the configuration is kept.
func NewRuleSet(config Config) (*RuleSet, field.ErrorList) {
	rs := &RuleSet{
		defaults:  make(map[string][]*ControlConditionRule),
		instances: make(map[string]map[uint8]*instanceRules),
		cache:     &sync.Map{},
	}
	var issues field.ErrorList

	models := make([]string, 0, len(config))
	for model := range config {
		models = append(models, model)
	}
	sort.Strings(models)

	for _, model := range models {
		mc := config[model]
		path := field.NewPath(model)
		if mc == nil {
			continue
		}
		rs.defaults[model] = validRules(mc.DefaultControls, path.Child("default_controls"), &issues)

		keys := make([]string, 0, len(mc.Instances))
		for k := range mc.Instances {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		instances := make(map[uint8]*instanceRules, len(keys))
		for _, k := range keys {
			ipath := path.Child("instances").Key(k)
			slaveID, err := strconv.ParseUint(k, 10, 8)
			if err != nil {
				issues = append(issues, field.Invalid(ipath, k, "slave id must be an integer in [0, 255]"))
				continue
			}
			ic := mc.Instances[k]
			if ic == nil {
				ic = &InstanceControls{}
			}
			instances[uint8(slaveID)] = &instanceRules{
				useDefaults: ic.UseDefaultControls,
				rules:       validRules(ic.Controls, ipath.Child("controls"), &issues),
			}
		}
		rs.instances[model] = instances
	}
	return rs, issues
}

func validRules(rules []*ControlConditionRule, path *field.Path, issues *field.ErrorList) []*ControlConditionRule {
	valid := make([]*ControlConditionRule, 0, len(rules))
	for i, rule := range rules {
		if errs := ValidateRule(rule, path.Index(i)); len(errs) > 0 {
			*issues = append(*issues, errs...)
			continue
		}
		valid = append(valid, rule)
	}
	return valid
}

// Rules returns the merged, priority deduplicated rules of an instance in definition order. An
// instance without its own configuration has no rules.
func (rs *RuleSet) Rules(model string, slaveID uint8) []*ControlConditionRule {
	key := fmt.Sprintf("%s_%d", model, slaveID)
	if cached, ok := rs.cache.Load(key); ok {
		return cached.([]*ControlConditionRule)
	}

	ir, ok := rs.instances[model][slaveID]
	if !ok {
		klog.V(4).InfoS("No control config for instance", "model", model, "slaveId", slaveID)
		return nil
	}
	var merged []*ControlConditionRule
	if ir.useDefaults {
		merged = append(merged, rs.defaults[model]...)
	}
	merged = append(merged, ir.rules...)

	rules := Deduplicate(key, merged)
	actual, _ := rs.cache.LoadOrStore(key, rules)
	return actual.([]*ControlConditionRule)
}

// Deduplicate keeps one rule per priority, the last defined one, and preserves definition order.
func Deduplicate(owner string, rules []*ControlConditionRule) []*ControlConditionRule {
	seen := sets.New[int]()
	kept := make([]*ControlConditionRule, 0, len(rules))
	for i := len(rules) - 1; i >= 0; i-- {
		rule := rules[i]
		priority := rule.PriorityOrDefault()
		if seen.Has(priority) {
			klog.Warningf("Control rule %q (code %s) of %s dropped, priority %d is already used", rule.Name, rule.Code, owner, priority)
			continue
		}
		seen.Insert(priority)
		kept = append(kept, rule)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// ValidateRule checks the condition, policy and actions of a rule.
func ValidateRule(rule *ControlConditionRule, path *field.Path) field.ErrorList {
	var errs field.ErrorList
	if rule == nil {
		return append(errs, field.Required(path, "rule must not be empty"))
	}
	if rule.Name == "" {
		errs = append(errs, field.Required(path.Child("name"), ""))
	}

	condition := rule.Condition()
	if condition == nil {
		errs = append(errs, field.Required(path.Child("composite"), "a composite or a flat condition is required"))
	} else {
		errs = append(errs, validateCondition(condition, path.Child("composite"))...)
	}

	if rule.Policy != nil {
		errs = append(errs, validatePolicy(rule.Policy, path.Child("policy"))...)
	}

	templates := rule.Templates()
	if len(templates) == 0 {
		errs = append(errs, field.Required(path.Child("actions"), "at least one action is required"))
	}
	typed := 0
	for i, t := range templates {
		if t == nil || t.Type == nil {
			continue
		}
		typed++
		if *t.Type == constant.ActionTypeUnknown {
			errs = append(errs, field.NotSupported(path.Child("actions").Index(i).Child("type"), t.Type.String(), sets.List(sets.KeySet(constant.StringToActionType))))
			continue
		}
		if rule.PolicyType() == constant.DiscreteSetpoint && t.Value == nil && needsValue(*t.Type) {
			errs = append(errs, field.Required(path.Child("actions").Index(i).Child("value"), fmt.Sprintf("%s with discrete_setpoint needs a value", t.Type)))
		}
	}
	if len(templates) > 0 && typed == 0 {
		errs = append(errs, field.Required(path.Child("actions"), "no action has a type"))
	}
	return errs
}

func needsValue(t constant.ActionType) bool {
	return t == constant.SetFrequency || t == constant.AdjustFrequency || t == constant.WriteDO
}

func validateCondition(c *Condition, path *field.Path) field.ErrorList {
	var errs field.ErrorList
	groups := 0
	if len(c.All) > 0 {
		groups++
		for i, child := range c.All {
			errs = append(errs, validateChild(child, path.Child("all").Index(i))...)
		}
	}
	if len(c.Any) > 0 {
		groups++
		for i, child := range c.Any {
			errs = append(errs, validateChild(child, path.Child("any").Index(i))...)
		}
	}
	if c.Not != nil {
		groups++
		errs = append(errs, validateCondition(c.Not, path.Child("not"))...)
	}
	if groups > 1 {
		return append(errs, field.Invalid(path, c.Summary(), "only one of all, any and not may be set"))
	}
	if groups == 1 {
		return errs
	}

	if c.Operator == nil {
		errs = append(errs, field.Required(path.Child("operator"), ""))
	} else if *c.Operator == constant.OperatorUnknown {
		errs = append(errs, field.NotSupported(path.Child("operator"), c.Operator.String(), sets.List(sets.KeySet(constant.StringToOperator))))
	} else if *c.Operator == constant.Between {
		if c.Min == nil || c.Max == nil {
			errs = append(errs, field.Required(path, "between needs min and max"))
		} else if *c.Min > *c.Max {
			errs = append(errs, field.Invalid(path.Child("min"), *c.Min, fmt.Sprintf("must not exceed max %v", *c.Max)))
		}
	} else if c.Threshold == nil {
		errs = append(errs, field.Required(path.Child("threshold"), ""))
	}

	if c.Hysteresis != nil && *c.Hysteresis < 0 {
		errs = append(errs, field.Invalid(path.Child("hysteresis"), *c.Hysteresis, "must not be negative"))
	}
	if c.DebounceSec != nil && *c.DebounceSec < 0 {
		errs = append(errs, field.Invalid(path.Child("debounce_sec"), *c.DebounceSec, "must not be negative"))
	}

	switch c.Type {
	case constant.ConditionTypeUnknown:
		errs = append(errs, field.NotSupported(path.Child("type"), c.Type.String(), sets.List(sets.KeySet(constant.StringToConditionType))))
	case constant.Difference:
		if len(c.Sources) != 2 {
			errs = append(errs, field.Invalid(path.Child("sources"), c.Sources, "difference needs exactly 2 sources"))
		}
	default:
		if len(c.Pins()) != 1 {
			errs = append(errs, field.Required(path.Child("source"), "threshold needs one source"))
		}
	}
	return errs
}

func validateChild(c *Condition, path *field.Path) field.ErrorList {
	if c == nil {
		return field.ErrorList{field.Required(path, "")}
	}
	return validateCondition(c, path)
}

func validatePolicy(p *Policy, path *field.Path) field.ErrorList {
	var errs field.ErrorList
	if p.Type == constant.PolicyTypeUnknown {
		errs = append(errs, field.NotSupported(path.Child("type"), p.Type.String(), sets.List(sets.KeySet(constant.StringToPolicyType))))
	}
	if p.ConditionType != nil && *p.ConditionType == constant.ConditionTypeUnknown {
		errs = append(errs, field.NotSupported(path.Child("condition_type"), p.ConditionType.String(), sets.List(sets.KeySet(constant.StringToConditionType))))
	}
	if input := p.Input(); input != nil {
		want := input.Type.SourceCount()
		if len(input.Pins()) < want {
			errs = append(errs, field.Invalid(path.Child("sources"), input.Pins(), fmt.Sprintf("%s needs %d sources", input.Type, want)))
		}
	}

	switch p.Type {
	case constant.AbsoluteLinear:
		if p.BaseFreq == nil {
			errs = append(errs, field.Required(path.Child("base_freq"), "absolute_linear needs base_freq"))
		}
		if p.BaseTemp == nil {
			errs = append(errs, field.Required(path.Child("base_temp"), "absolute_linear needs base_temp"))
		}
		if p.GainHzPerUnit == nil {
			errs = append(errs, field.Required(path.Child("gain_hz_per_unit"), "absolute_linear needs gain_hz_per_unit"))
		}
	case constant.IncrementalLinear:
		if p.GainHzPerUnit == nil {
			errs = append(errs, field.Required(path.Child("gain_hz_per_unit"), "incremental_linear needs gain_hz_per_unit"))
		}
		if p.MaxStepHz != nil && *p.MaxStepHz <= 0 {
			errs = append(errs, field.Invalid(path.Child("max_step_hz"), *p.MaxStepHz, "must be positive"))
		}
	}
	if p.Deadband != nil && *p.Deadband < 0 {
		errs = append(errs, field.Invalid(path.Child("deadband"), *p.Deadband, "must not be negative"))
	}
	if p.MinFreq != nil && p.MaxFreq != nil && *p.MinFreq > *p.MaxFreq {
		errs = append(errs, field.Invalid(path.Child("min_freq"), *p.MinFreq, fmt.Sprintf("must not exceed max_freq %v", *p.MaxFreq)))
	}
	return errs
}
