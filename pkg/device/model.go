package device

import (
	"bytes"
	"encoding/json"
	"fmt"

	"talosgateway/pkg/codec"
	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/scale"
)

const computedType = "computed"

// Formula is either a linear transform [n1, n2, n3] or, on computed fields, the name of a
// combining formula.
type Formula struct {
	Linear []float64
	Name   string
}

func (f Formula) IsZero() bool {
	return len(f.Linear) == 0 && f.Name == ""
}

func (f Formula) MarshalJSON() ([]byte, error) {
	if f.Name != "" {
		return json.Marshal(f.Name)
	}
	return json.Marshal(f.Linear)
}

func (f *Formula) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = Formula{}
		return nil
	}
	if trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		*f = Formula{Name: name}
		return nil
	}
	var linear []float64
	if err := json.Unmarshal(trimmed, &linear); err != nil {
		return fmt.Errorf("formula must be a name or [n1, n2, n3]: %w", err)
	}
	*f = Formula{Linear: linear}
	return nil
}

// RegisterDefinition 寄存器点位定义
type RegisterDefinition struct {
	Offset       uint16                 `json:"offset"`                  // 寄存器地址
	Format       constant.Format        `json:"format,omitempty"`        // 编码格式, 决定读取字数
	Readable     *bool                  `json:"readable,omitempty"`      // 默认可读
	Writable     bool                   `json:"writable,omitempty"`      // 默认只读
	Scale        *float64               `json:"scale,omitempty"`         // 静态倍率
	ScaleFrom    string                 `json:"scale_from,omitempty"`    // 动态倍率来源
	Formula      Formula                `json:"formula,omitempty"`       // 线性变换 (raw+n1)*n2+n3
	Bit          *uint8                 `json:"bit,omitempty"`           // 位索引 0-15
	Precision    *int                   `json:"precision,omitempty"`     // 小数位
	ComposedOf   []string               `json:"composed_of,omitempty"`   // hi, mid, lo
	RegisterType *constant.RegisterType `json:"register_type,omitempty"` // 覆盖设备默认寄存器类型
	Type         string                 `json:"type,omitempty"`          // computed 或 thermometer 等
	Description  string                 `json:"description,omitempty"`
	codec.InvalidPattern

	// computed 点位
	Inputs []string           `json:"inputs,omitempty"`
	Params map[string]float64 `json:"params,omitempty"`
}

func (r *RegisterDefinition) IsReadable() bool {
	return r.Readable == nil || *r.Readable
}

// ScaleOrOne returns the static scale, 1 when unset.
func (r *RegisterDefinition) ScaleOrOne() float64 {
	if r.Scale == nil {
		return 1
	}
	return *r.Scale
}

func (r *RegisterDefinition) RegisterTypeOr(def constant.RegisterType) constant.RegisterType {
	if r.RegisterType == nil {
		return def
	}
	return *r.RegisterType
}

func (r *RegisterDefinition) IsComputed() bool {
	return r.Type == computedType
}

type ComputedField struct {
	Formula string             `json:"formula"`
	Inputs  []string           `json:"inputs"`
	Params  map[string]float64 `json:"params,omitempty"`
}

// WriteHook 写入触发寄存器后清除倍率缓存
type WriteHook struct {
	Registers  []string `json:"registers,omitempty"`
	Offsets    []uint16 `json:"offsets,omitempty"`
	Invalidate []string `json:"invalidate,omitempty"` // scales.current 等, 为空时清除全部
}

// UnmarshalJSON also accepts a bare register name, which invalidates every factor.
func (h *WriteHook) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*h = WriteHook{Registers: []string{name}}
		return nil
	}
	type plain WriteHook
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*h = WriteHook(p)
	return nil
}

// OnOffBinding fans an on/off request out to several targets. Swap On and Off for active-low wiring.
type OnOffBinding struct {
	Targets []string `json:"targets"`
	On      *float64 `json:"on,omitempty"`
	Off     *float64 `json:"off,omitempty"`
}

func (b *OnOffBinding) OnValue() float64 {
	if b.On == nil {
		return 1
	}
	return *b.On
}

func (b *OnOffBinding) OffValue() float64 {
	if b.Off == nil {
		return 0
	}
	return *b.Off
}

type Capabilities struct {
	SupportsOnOff *bool         `json:"supports_on_off,omitempty"`
	OnOffBinding  *OnOffBinding `json:"on_off_binding,omitempty"`
}

// Constraint bounds an outgoing write. A nil bound is unbounded.
type Constraint struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// DeviceModel 设备驱动定义, 同型号实例共享
type DeviceModel struct {
	Model              string                         `json:"model"`
	Type               string                         `json:"type,omitempty"`
	DeviceType         string                         `json:"device_type,omitempty"`
	Description        string                         `json:"description,omitempty"`
	RegisterType       constant.RegisterType          `json:"register_type,omitempty"`
	RegisterMap        map[string]*RegisterDefinition `json:"register_map"`
	ComputedFields     map[string]*ComputedField      `json:"computed_fields,omitempty"`
	WriteHooks         []WriteHook                    `json:"write_hooks,omitempty"`
	Capabilities       Capabilities                   `json:"capabilities,omitempty"`
	DefaultConstraints map[string]*Constraint         `json:"default_constraints,omitempty"`
	scale.Config
}

// Kind returns the device type, accepting both type and device_type.
func (m *DeviceModel) Kind() string {
	if m.Type != "" {
		return m.Type
	}
	return m.DeviceType
}

// Model is a validated DeviceModel. Registers that failed validation are absent from
// RegisterMap, computed fields are resolved and write hooks compiled.
type Model struct {
	*DeviceModel
	Hooks      HookTable
	computed   []computedField
	scaleKinds map[string]scale.Kind
}

type computedField struct {
	name    string
	formula *codec.Formula
	inputs  []string
	params  map[string]float64
}

func (m *Model) Register(name string) (*RegisterDefinition, bool) {
	def, ok := m.RegisterMap[name]
	return def, ok
}

// ControlRegister returns the first writable register among the well-known on/off names.
func (m *Model) ControlRegister() (string, bool) {
	for _, name := range constant.ControlRegisterCandidates {
		if def, ok := m.RegisterMap[name]; ok && def.Writable {
			return name, true
		}
	}
	return "", false
}

// ReadableNames returns the readable register names in sorted order.
func (m *Model) ReadableNames() []string {
	names := make([]string, 0, len(m.RegisterMap))
	for _, name := range sortedKeys(m.RegisterMap) {
		if m.RegisterMap[name].IsReadable() {
			names = append(names, name)
		}
	}
	return names
}

func (m *Model) ComputedNames() []string {
	names := make([]string, 0, len(m.computed))
	for _, c := range m.computed {
		names = append(names, c.name)
	}
	return names
}

// Compute adds the computed fields to snapshot.
func (m *Model) Compute(snapshot codec.Snapshot) {
	for _, c := range m.computed {
		inputs := make([]codec.Reading, 0, len(c.inputs))
		for _, in := range c.inputs {
			inputs = append(inputs, snapshot[in])
		}
		snapshot[c.name] = c.formula.Apply(inputs, c.params)
	}
}
