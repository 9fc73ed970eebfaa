package device

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/validation/field"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/scale"
)

// NewModel validates spec and builds its runtime Model. Invalid registers, computed fields, hook
// triggers and bindings are dropped and reported, the rest of the model stays usable. A nil Model
// is returned only when the model has no name.
func NewModel(spec *DeviceModel) (*Model, field.ErrorList) {
	allErrs := field.ErrorList{}
	if spec.Model == "" {
		return nil, append(allErrs, field.Required(field.NewPath("model"), "model name is required"))
	}

	copied := *spec
	m := &Model{
		DeviceModel: &copied,
		Hooks:       HookTable{},
		scaleKinds:  make(map[string]scale.Kind),
	}

	registerPath := field.NewPath("register_map")
	registers := make(map[string]*RegisterDefinition, len(spec.RegisterMap))
	computed := make(map[string]*ComputedField, len(spec.ComputedFields))
	computedPaths := make(map[string]*field.Path, len(spec.ComputedFields))
	for name, cf := range spec.ComputedFields {
		computed[name] = cf
		computedPaths[name] = field.NewPath("computed_fields").Key(name)
	}

	for _, name := range sortedKeys(spec.RegisterMap) {
		def := spec.RegisterMap[name]
		path := registerPath.Key(name)
		if def == nil {
			allErrs = append(allErrs, field.Required(path, "register definition is empty"))
			continue
		}
		if def.IsComputed() {
			computed[name] = &ComputedField{Formula: def.Formula.Name, Inputs: def.Inputs, Params: def.Params}
			computedPaths[name] = path
			continue
		}
		if errs := validateRegister(def, spec, path); len(errs) > 0 {
			allErrs = append(allErrs, errs...)
			continue
		}
		registers[name] = def
		if def.ScaleFrom != "" {
			kind, _ := scale.KindFromScaleFrom(def.ScaleFrom)
			m.scaleKinds[name] = kind
		}
	}

	for _, name := range sortedKeys(registers) {
		def := registers[name]
		if len(def.ComposedOf) == 0 {
			continue
		}
		if errs := validateComposed(def, spec, registers, registerPath.Key(name).Child("composed_of")); len(errs) > 0 {
			allErrs = append(allErrs, errs...)
			delete(registers, name)
			delete(m.scaleKinds, name)
		}
	}
	m.RegisterMap = registers

	for _, name := range sortedKeys(computed) {
		c, errs := compileComputed(name, computed[name], registers, computedPaths[name])
		if len(errs) > 0 {
			allErrs = append(allErrs, errs...)
			continue
		}
		m.computed = append(m.computed, c)
	}

	allErrs = append(allErrs, m.compileHooks()...)

	if errs := ValidateCapabilities(&m.Capabilities, registers, field.NewPath("capabilities")); len(errs) > 0 {
		allErrs = append(allErrs, errs...)
		m.Capabilities.OnOffBinding = nil
	}

	constraints, errs := ValidateConstraints(spec.DefaultConstraints, field.NewPath("default_constraints"))
	allErrs = append(allErrs, errs...)
	m.DefaultConstraints = constraints

	return m, allErrs
}

func validateRegister(def *RegisterDefinition, spec *DeviceModel, path *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}
	registerType := def.RegisterTypeOr(spec.RegisterType)

	if def.Formula.Name != "" {
		allErrs = append(allErrs, field.Invalid(path.Child("formula"), def.Formula.Name, "named formulas are only valid on computed fields"))
	} else if len(def.Formula.Linear) > 0 && len(def.Formula.Linear) != 3 {
		allErrs = append(allErrs, field.Invalid(path.Child("formula"), def.Formula.Linear, "linear formula needs exactly 3 coefficients"))
	}
	if def.Bit != nil && *def.Bit > 15 {
		allErrs = append(allErrs, field.Invalid(path.Child("bit"), *def.Bit, "bit index must be between 0 and 15"))
	}
	if def.ScaleFrom != "" {
		if _, ok := scale.KindFromScaleFrom(def.ScaleFrom); !ok {
			allErrs = append(allErrs, field.NotSupported(path.Child("scale_from"), def.ScaleFrom, sortedKeys(scale.ScaleFromToKind)))
		}
	}
	if def.Scale != nil && *def.Scale == 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("scale"), *def.Scale, "must not be zero"))
	}
	if def.Precision != nil && *def.Precision < 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("precision"), *def.Precision, "must not be negative"))
	}
	if def.Writable && !registerType.Writable() {
		allErrs = append(allErrs, field.Invalid(path.Child("writable"), def.Writable, registerType.String()+" registers are read only"))
	}
	if def.Writable && len(def.ComposedOf) > 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("writable"), def.Writable, "composed registers are read only"))
	}
	for i, pattern := range def.InvalidPattern.Words {
		if len(pattern) == 0 {
			allErrs = append(allErrs, field.Invalid(path.Child("invalid_raw_words").Index(i), pattern, "pattern must not be empty"))
		}
	}
	return allErrs
}

func validateComposed(def *RegisterDefinition, spec *DeviceModel, registers map[string]*RegisterDefinition, path *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}
	if len(def.ComposedOf) != 3 {
		return append(allErrs, field.Invalid(path, def.ComposedOf, "composed field needs exactly 3 registers: hi, mid, lo"))
	}
	for i, sub := range def.ComposedOf {
		subDef, ok := registers[sub]
		switch {
		case !ok:
			allErrs = append(allErrs, field.NotFound(path.Index(i), sub))
		case !subDef.IsReadable():
			allErrs = append(allErrs, field.Invalid(path.Index(i), sub, "sub register is not readable"))
		case len(subDef.ComposedOf) > 0:
			allErrs = append(allErrs, field.Invalid(path.Index(i), sub, "sub register is itself composed"))
		case subDef.RegisterTypeOr(spec.RegisterType).IsBit():
			allErrs = append(allErrs, field.Invalid(path.Index(i), sub, "sub register must be a word register"))
		}
	}
	return allErrs
}

func compileComputed(name string, cf *ComputedField, registers map[string]*RegisterDefinition, path *field.Path) (computedField, field.ErrorList) {
	allErrs := field.ErrorList{}
	if cf == nil {
		return computedField{}, append(allErrs, field.Required(path, "computed field is empty"))
	}
	if _, clash := registers[name]; clash {
		allErrs = append(allErrs, field.Duplicate(path, name))
	}
	formula, ok := codec.LookupFormula(cf.Formula)
	if !ok {
		allErrs = append(allErrs, field.NotSupported(path.Child("formula"), cf.Formula, codec.FormulaNames()))
	}
	if len(cf.Inputs) == 0 {
		allErrs = append(allErrs, field.Required(path.Child("inputs"), "at least one input is required"))
	}
	for i, in := range cf.Inputs {
		def, ok := registers[in]
		if !ok || !def.IsReadable() {
			allErrs = append(allErrs, field.NotFound(path.Child("inputs").Index(i), in))
		}
	}
	if ok && len(cf.Inputs) > 0 {
		if _, err := formula.Bind(make([]float64, len(cf.Inputs)), cf.Params); err != nil {
			allErrs = append(allErrs, field.Invalid(path.Child("params"), cf.Params, err.Error()))
		}
	}
	if len(allErrs) > 0 {
		return computedField{}, allErrs
	}
	return computedField{name: name, formula: formula, inputs: cf.Inputs, params: cf.Params}, nil
}

// compileHooks resolves hook triggers to register names. The first hook naming a register wins.
func (m *Model) compileHooks() field.ErrorList {
	allErrs := field.ErrorList{}
	byOffset := make(map[uint16][]string)
	for _, name := range sortedKeys(m.RegisterMap) {
		offset := m.RegisterMap[name].Offset
		byOffset[offset] = append(byOffset[offset], name)
	}
	kinds := make([]string, 0, len(scale.Kinds))
	for _, k := range scale.Kinds {
		kinds = append(kinds, "scales."+string(k))
	}

	for i, hook := range m.WriteHooks {
		path := field.NewPath("write_hooks").Index(i)
		inv := Invalidation{}
		for j, s := range hook.Invalidate {
			kind, ok := scale.ParseKind(s)
			if !ok {
				allErrs = append(allErrs, field.NotSupported(path.Child("invalidate").Index(j), s, kinds))
				continue
			}
			inv.Kinds = append(inv.Kinds, kind)
		}
		inv.All = len(inv.Kinds) == 0

		triggers := make([]string, 0, len(hook.Registers)+len(hook.Offsets))
		for j, name := range hook.Registers {
			if _, ok := m.RegisterMap[name]; !ok {
				allErrs = append(allErrs, field.NotFound(path.Child("registers").Index(j), name))
				continue
			}
			triggers = append(triggers, name)
		}
		for j, offset := range hook.Offsets {
			names, ok := byOffset[offset]
			if !ok {
				allErrs = append(allErrs, field.NotFound(path.Child("offsets").Index(j), offset))
				continue
			}
			triggers = append(triggers, names...)
		}

		for _, name := range triggers {
			if _, exists := m.Hooks[name]; !exists {
				m.Hooks[name] = inv
			}
		}
	}
	return allErrs
}

// ValidateCapabilities checks that every binding target is a writable register.
func ValidateCapabilities(caps *Capabilities, registers map[string]*RegisterDefinition, path *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}
	if caps == nil || caps.OnOffBinding == nil {
		return allErrs
	}
	targetsPath := path.Child("on_off_binding", "targets")
	if len(caps.OnOffBinding.Targets) == 0 {
		return append(allErrs, field.Required(targetsPath, "binding needs at least one target"))
	}
	for i, target := range caps.OnOffBinding.Targets {
		def, ok := registers[target]
		switch {
		case !ok:
			allErrs = append(allErrs, field.NotFound(targetsPath.Index(i), target))
		case !def.Writable:
			allErrs = append(allErrs, field.Invalid(targetsPath.Index(i), target, "binding target is not writable"))
		}
	}
	return allErrs
}

// ValidateConstraints drops constraints whose min exceeds max.
func ValidateConstraints(constraints map[string]*Constraint, path *field.Path) (map[string]*Constraint, field.ErrorList) {
	allErrs := field.ErrorList{}
	valid := make(map[string]*Constraint, len(constraints))
	for _, name := range sortedKeys(constraints) {
		c := constraints[name]
		if c != nil && c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			allErrs = append(allErrs, field.Invalid(path.Key(name), *c, "min must not exceed max"))
			continue
		}
		valid[name] = c
	}
	return valid, allErrs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
