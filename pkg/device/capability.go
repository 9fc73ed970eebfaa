package device

import (
	"strings"
	"sync"

	"talosgateway/pkg/runtime/constant"
)

// OnOffTarget is one register written by an on/off request.
type OnOffTarget struct {
	Register string
	On       float64
	Off      float64
}

func (t OnOffTarget) Value(on bool) float64 {
	if on {
		return t.On
	}
	return t.Off
}

// CapabilityResolver decides per (model, slave) whether on/off control is supported and which
// registers carry it. Instance overrides win over the driver declaration.
type CapabilityResolver struct {
	mu        sync.RWMutex
	models    map[string]*Model
	instances map[Key]*Capabilities
}

func NewCapabilityResolver(models map[string]*Model) *CapabilityResolver {
	return &CapabilityResolver{
		models:    models,
		instances: make(map[Key]*Capabilities),
	}
}

// Override sets the instance level capabilities of key.
func (r *CapabilityResolver) Override(key Key, caps *Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caps == nil {
		delete(r.instances, key)
		return
	}
	r.instances[key] = caps
}

// SupportsOnOff resolves, first match wins: instance override, driver declaration, a writable
// RW_ON_OFF register, an inverter like device type.
func (r *CapabilityResolver) SupportsOnOff(model string, slaveID uint8) bool {
	if caps, ok := r.instance(model, slaveID); ok && caps.SupportsOnOff != nil {
		return *caps.SupportsOnOff
	}
	m, ok := r.models[model]
	if !ok {
		return false
	}
	if m.Capabilities.SupportsOnOff != nil {
		return *m.Capabilities.SupportsOnOff
	}
	if def, ok := m.RegisterMap[constant.RegOnOff]; ok && def.Writable {
		return true
	}
	kind := strings.ToLower(m.Kind())
	for _, t := range constant.OnOffDeviceTypes {
		if kind == t {
			return true
		}
	}
	return false
}

// Binding returns the on/off binding of the instance, else of the driver.
func (r *CapabilityResolver) Binding(model string, slaveID uint8) (*OnOffBinding, bool) {
	if caps, ok := r.instance(model, slaveID); ok && caps.OnOffBinding != nil {
		return caps.OnOffBinding, true
	}
	m, ok := r.models[model]
	if !ok || m.Capabilities.OnOffBinding == nil {
		return nil, false
	}
	return m.Capabilities.OnOffBinding, true
}

// OnOffTargets returns the binding targets, else the control register written with 1 and 0.
func (r *CapabilityResolver) OnOffTargets(model string, slaveID uint8) []OnOffTarget {
	if binding, ok := r.Binding(model, slaveID); ok {
		targets := make([]OnOffTarget, 0, len(binding.Targets))
		for _, t := range binding.Targets {
			targets = append(targets, OnOffTarget{Register: t, On: binding.OnValue(), Off: binding.OffValue()})
		}
		return targets
	}
	m, ok := r.models[model]
	if !ok {
		return nil
	}
	if name, ok := m.ControlRegister(); ok {
		return []OnOffTarget{{Register: name, On: 1, Off: 0}}
	}
	return nil
}

func (r *CapabilityResolver) instance(model string, slaveID uint8) (*Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.instances[Key{Model: model, SlaveID: slaveID}]
	return caps, ok
}
