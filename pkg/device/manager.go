package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"
	"talosgateway/pkg/protocol/modbus"
	"talosgateway/pkg/runtime"
	"talosgateway/pkg/runtime/constant"
)

type Option func(*Manager)

func WithPortManager(ports *modbus.PortManager) Option {
	return func(m *Manager) {
		m.ports = ports
	}
}

// WithCloser registers a dependency closed by Shutdown, in reverse registration order.
func WithCloser(label string, closer func(context.Context) error) Option {
	return func(m *Manager) {
		m.closers = append(m.closers, runtime.LabeledCloser{Label: label, Closer: closer})
	}
}

// Manager indexes the device instances by (model, slave_id) and owns their ports.
type Manager struct {
	models       map[string]*Model   // 型号 -> 驱动
	ports        *modbus.PortManager // 总线
	capabilities *CapabilityResolver // 启停能力
	devices      *sync.Map           // Key -> *Device
	closers      []runtime.LabeledCloser
}

func NewManager(models map[string]*Model, opts ...Option) *Manager {
	m := &Manager{
		models:       models,
		capabilities: NewCapabilityResolver(models),
		devices:      &sync.Map{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ports == nil {
		m.ports = modbus.NewPortManager()
	}
	return m
}

func (m *Manager) Models() map[string]*Model {
	return m.models
}

func (m *Manager) Ports() *modbus.PortManager {
	return m.ports
}

func (m *Manager) Capabilities() *CapabilityResolver {
	return m.capabilities
}

// Load opens the configured ports and creates the device instances. A port or instance that
// fails validation is reported and skipped, the rest are loaded.
func (m *Manager) Load(config *Config) field.ErrorList {
	allErrs := field.ErrorList{}
	portsPath := field.NewPath("ports")
	for _, name := range sortedKeys(config.Ports) {
		port := config.Ports[name]
		if errs := modbus.ValidatePortConfig(&port, portsPath.Key(name)); len(errs) > 0 {
			allErrs = append(allErrs, errs...)
			continue
		}
		if _, err := m.ports.Open(name, port); err != nil {
			allErrs = append(allErrs, field.Invalid(portsPath.Key(name), port.Location, err.Error()))
		}
	}

	devicesPath := field.NewPath("devices")
	for i := range config.Devices {
		if _, errs := m.addDevice(&config.Devices[i], devicesPath.Index(i)); len(errs) > 0 {
			allErrs = append(allErrs, errs...)
		}
	}
	for _, e := range allErrs {
		klog.ErrorS(e, "Invalid device configuration")
	}
	klog.V(2).InfoS("Loaded devices", "devices", m.Len(), "issues", len(allErrs))
	return allErrs
}

// AddDevice creates one instance on an already opened port. Rejected capability or constraint
// overrides are logged and the instance keeps the driver defaults for them.
func (m *Manager) AddDevice(instance *InstanceConfig) (*Device, error) {
	d, errs := m.addDevice(instance, field.NewPath("device"))
	if d == nil {
		return nil, errs.ToAggregate()
	}
	for _, e := range errs {
		klog.ErrorS(e, "Ignored invalid device override", "device", d.Key())
	}
	return d, nil
}

func (m *Manager) addDevice(instance *InstanceConfig, path *field.Path) (*Device, field.ErrorList) {
	allErrs := field.ErrorList{}
	model, ok := m.models[instance.Model]
	if !ok {
		allErrs = append(allErrs, field.NotFound(path.Child("model"), instance.Model))
	}
	port, ok := m.ports.Get(instance.Port)
	if !ok {
		allErrs = append(allErrs, field.NotFound(path.Child("port"), instance.Port))
	}
	if instance.SlaveID == 0 || instance.SlaveID > 247 {
		allErrs = append(allErrs, field.Invalid(path.Child("slave_id"), instance.SlaveID, "must be in [1, 247]"))
	}
	key := instance.Key()
	if _, exist := m.devices.Load(key); exist {
		allErrs = append(allErrs, field.Duplicate(path, key.String()))
	}
	if len(allErrs) > 0 {
		return nil, allErrs
	}

	opts := make([]DeviceOption, 0, 3)
	if capErrs := ValidateCapabilities(instance.Capabilities, model.RegisterMap, path.Child("capabilities")); len(capErrs) > 0 {
		allErrs = append(allErrs, capErrs...)
	} else if instance.Capabilities != nil {
		m.capabilities.Override(key, instance.Capabilities)
	}
	opts = append(opts, WithCapabilityResolver(m.capabilities))

	overrides, constraintErrs := ValidateConstraints(instance.Constraints, path.Child("constraints"))
	allErrs = append(allErrs, constraintErrs...)
	constraints, err := MergeConstraints(model.DefaultConstraints, overrides, instance.UsesDefaultConstraints())
	if err != nil {
		allErrs = append(allErrs, field.Invalid(path.Child("constraints"), instance.Constraints, err.Error()))
		constraints = model.DefaultConstraints
	}
	opts = append(opts, WithPolicy(NewPolicy(key.String(), constraints)))
	if instance.Modes != nil {
		opts = append(opts, WithScaleModes(*instance.Modes))
	}

	d := NewDevice(model, instance.SlaveID, port, opts...)
	if _, loaded := m.devices.LoadOrStore(key, d); loaded {
		return nil, append(allErrs, field.Duplicate(path, key.String()))
	}
	klog.V(2).InfoS("Added device", "device", key, "port", port.Name(), "constraints", len(constraints))
	return d, allErrs
}

// Get returns the device of (model, slaveID).
func (m *Manager) Get(model string, slaveID uint8) (*Device, error) {
	v, ok := m.devices.Load(Key{Model: model, SlaveID: slaveID})
	if !ok {
		return nil, fmt.Errorf("%w: %s_%d", constant.ErrDeviceNotFound, model, slaveID)
	}
	return v.(*Device), nil
}

// List returns every device ordered by model and slave id.
func (m *Manager) List() []*Device {
	devices := make([]*Device, 0)
	m.devices.Range(func(_, value any) bool {
		devices = append(devices, value.(*Device))
		return true
	})
	sort.Slice(devices, func(i, j int) bool {
		a, b := devices[i].Key(), devices[j].Key()
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		return a.SlaveID < b.SlaveID
	})
	return devices
}

func (m *Manager) Len() int {
	n := 0
	m.devices.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// IsHealthy reports whether the last ReadAll of the device saw any value. Unknown devices are
// unhealthy.
func (m *Manager) IsHealthy(model string, slaveID uint8) bool {
	d, err := m.Get(model, slaveID)
	if err != nil {
		return false
	}
	return d.IsOnline()
}

// Bounds returns the resolved constraint of a register on one instance.
func (m *Manager) Bounds(model string, slaveID uint8, name string) (float64, float64, bool) {
	d, err := m.Get(model, slaveID)
	if err != nil {
		return 0, 0, false
	}
	return d.Policy().Bounds(name)
}

// Shutdown closes the ports and then the registered dependencies.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []string
	if err := m.ports.Close(); err != nil {
		klog.V(2).InfoS("Failed to close ports", "err", err)
		errs = append(errs, err.Error())
	}
	for i := len(m.closers); i > 0; i-- {
		lc := m.closers[i-1]
		if err := lc.Closer(ctx); err != nil {
			klog.V(2).InfoS("Failed to stopped dependencies service", "service", lc.Label)
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to shutdown device manager: [%s]", strings.Join(errs, ","))
	}
	return nil
}
