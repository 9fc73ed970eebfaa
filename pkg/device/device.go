package device

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"talosgateway/pkg/bus"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/metrics"
	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/scale"
)

// Key identifies a device instance.
type Key struct {
	Model   string `json:"model"`
	SlaveID uint8  `json:"slave_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s_%d", k.Model, k.SlaveID)
}

type DeviceOption func(*Device)

func WithPolicy(policy *Policy) DeviceOption {
	return func(d *Device) {
		d.policy = policy
	}
}

func WithCapabilityResolver(resolver *CapabilityResolver) DeviceOption {
	return func(d *Device) {
		d.capabilities = resolver
	}
}

// WithScaleModes replaces the scale modes of the model for this instance.
func WithScaleModes(modes scale.Modes) DeviceOption {
	return func(d *Device) {
		config := d.model.Config
		config.Modes = modes
		d.scales = scale.NewResolver(config)
	}
}

// Device is one (model, slave) on a port. Reads never fail hard: transport errors and sentinel
// words come back as codec.Missing together with the cause.
type Device struct {
	key          Key
	model        *Model
	port         *bus.Port
	scales       *scale.Resolver
	policy       *Policy
	capabilities *CapabilityResolver
	online       *atomic.Bool
}

func NewDevice(model *Model, slaveID uint8, port *bus.Port, opts ...DeviceOption) *Device {
	d := &Device{
		key:    Key{Model: model.Model, SlaveID: slaveID},
		model:  model,
		port:   port,
		scales: scale.NewResolver(model.Config),
		online: atomic.NewBool(true),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.policy == nil {
		d.policy = NewPolicy(d.key.String(), model.DefaultConstraints)
	}
	if d.capabilities == nil {
		d.capabilities = NewCapabilityResolver(map[string]*Model{model.Model: model})
	}
	return d
}

func (d *Device) Key() Key {
	return d.key
}

func (d *Device) Model() *Model {
	return d.model
}

func (d *Device) Port() *bus.Port {
	return d.port
}

func (d *Device) Scales() *scale.Resolver {
	return d.scales
}

func (d *Device) Policy() *Policy {
	return d.policy
}

func (d *Device) Register(name string) (*RegisterDefinition, bool) {
	return d.model.Register(name)
}

func (d *Device) Allow(name string, value float64) bool {
	return d.policy.Allow(name, value)
}

func (d *Device) SupportsOnOff() bool {
	return d.capabilities.SupportsOnOff(d.key.Model, d.key.SlaveID)
}

func (d *Device) OnOffTargets() []OnOffTarget {
	return d.capabilities.OnOffTargets(d.key.Model, d.key.SlaveID)
}

func (d *Device) OnOffBinding() (*OnOffBinding, bool) {
	return d.capabilities.Binding(d.key.Model, d.key.SlaveID)
}

func (d *Device) IsOnline() bool {
	return d.online.Load()
}

func (d *Device) setOnline(online bool) {
	if d.online.Swap(online) != online {
		if online {
			klog.InfoS("Device back online", "device", d.key)
		} else {
			klog.V(1).InfoS("Device offline", "device", d.key)
		}
	}
	metrics.SetDeviceOnline(d.key.Model, fmt.Sprint(d.key.SlaveID), online)
}

func (d *Device) busFor(def *RegisterDefinition) *bus.RegisterBus {
	return d.port.Bus(d.key.SlaveID, def.RegisterTypeOr(d.model.RegisterType))
}

// ReadValue reads one register and applies bit extraction, linear formula, static scale, dynamic
// scale and precision, in that order.
func (d *Device) ReadValue(ctx context.Context, name string) (codec.Reading, error) {
	def, ok := d.model.Register(name)
	if !ok {
		return codec.Missing, fmt.Errorf("%w: %s", constant.ErrRegisterNotFound, name)
	}
	if !def.IsReadable() {
		klog.V(2).InfoS("Register is not readable", "device", d.key, "register", name)
		return codec.Missing, fmt.Errorf("%w: %s", constant.ErrRegisterWriteOnly, name)
	}

	b := d.busFor(def)
	switch {
	case len(def.ComposedOf) > 0:
		v, err := d.readComposed(ctx, def)
		if err != nil {
			klog.V(2).InfoS("Failed to read composed register", "device", d.key, "register", name, "err", err)
			return codec.Missing, err
		}
		return codec.Value(d.transform(ctx, name, def, v)), nil
	case b.RegisterType().IsBit():
		bits, err := b.ReadBits(ctx, def.Offset, 1)
		if err != nil {
			klog.V(2).InfoS("Failed to read bit register", "device", d.key, "register", name, "registerType", b.RegisterType(), "offset", def.Offset)
			return codec.Missing, err
		}
		if bits[0] {
			return codec.Value(1), nil
		}
		return codec.Value(0), nil
	}

	words, err := b.ReadWords(ctx, def.Offset, def.Format.Words())
	reading := codec.DecodeReading(def.Format, words, def.InvalidPattern)
	v, ok := reading.Float64()
	if !ok {
		klog.V(2).InfoS("Register read yielded no value", "device", d.key, "register", name, "offset", def.Offset, "words", words, "err", err)
		return codec.Missing, err
	}
	return codec.Value(d.transform(ctx, name, def, v)), nil
}

func (d *Device) readComposed(ctx context.Context, def *RegisterDefinition) (float64, error) {
	var words [3]uint16
	for i, sub := range def.ComposedOf {
		subDef, ok := d.model.Register(sub)
		if !ok {
			return 0, fmt.Errorf("%w: %s", constant.ErrRegisterNotFound, sub)
		}
		w, err := d.busFor(subDef).ReadU16(ctx, subDef.Offset)
		if err != nil {
			return 0, err
		}
		words[i] = w
	}
	return float64(codec.Compose48(words[0], words[1], words[2])), nil
}

func (d *Device) transform(ctx context.Context, name string, def *RegisterDefinition, v float64) float64 {
	if def.Bit != nil {
		v = codec.ExtractBit(v, *def.Bit)
	}
	if len(def.Formula.Linear) == 3 {
		v = codec.ApplyLinearFormula(v, [3]float64{def.Formula.Linear[0], def.Formula.Linear[1], def.Formula.Linear[2]})
	}
	if def.Scale != nil {
		v = codec.ApplyScale(v, *def.Scale)
	}
	if kind, ok := d.model.scaleKinds[name]; ok {
		v = codec.ApplyScale(v, d.scales.Factor(ctx, kind, d.readIndex))
	}
	if def.Precision != nil {
		v = codec.Round(v, *def.Precision)
	}
	return v
}

func (d *Device) readIndex(ctx context.Context, name string) codec.Reading {
	def, ok := d.model.Register(name)
	if !ok {
		klog.V(2).InfoS("Scale index register not defined", "device", d.key, "register", name)
		return codec.Missing
	}
	w, err := d.busFor(def).ReadU16(ctx, def.Offset)
	if err != nil {
		klog.V(2).InfoS("Failed to read scale index", "device", d.key, "register", name, "err", err)
		return codec.Missing
	}
	return codec.Value(float64(w))
}

// WriteValue writes value in display scale to name. The constraint policy is checked first and a
// successful write fires the write hooks of name.
func (d *Device) WriteValue(ctx context.Context, name string, value float64) error {
	return d.write(ctx, name, value, true)
}

// ForceWriteValue writes like WriteValue without the constraint gate, for emergency actions.
func (d *Device) ForceWriteValue(ctx context.Context, name string, value float64) error {
	if !d.policy.Allow(name, value) {
		min, max, _ := d.policy.Bounds(name)
		klog.InfoS("Constraint bypassed", "device", d.key, "register", name, "value", value, "min", min, "max", max)
	}
	return d.write(ctx, name, value, false)
}

func (d *Device) write(ctx context.Context, name string, value float64, gated bool) error {
	def, ok := d.model.Register(name)
	if !ok {
		return fmt.Errorf("%w: %s", constant.ErrRegisterNotFound, name)
	}
	if !def.Writable {
		klog.V(2).InfoS("Register is not writable", "device", d.key, "register", name)
		return fmt.Errorf("%w: %s", constant.ErrRegisterReadOnly, name)
	}
	if gated && !d.policy.Allow(name, value) {
		min, max, _ := d.policy.Bounds(name)
		return fmt.Errorf("%w: %s=%v outside [%v, %v]", constant.ErrConstraintRejected, name, value, min, max)
	}

	b := d.busFor(def)
	switch {
	case b.RegisterType() == constant.Coil:
		if err := b.WriteCoil(ctx, def.Offset, value != 0); err != nil {
			return err
		}
		klog.InfoS("Write coil", "device", d.key, "register", name, "offset", def.Offset, "on", value != 0)
	case def.Bit != nil:
		word, err := d.writeBit(ctx, b, def, value != 0)
		if err != nil {
			return err
		}
		klog.InfoS("Write bit", "device", d.key, "register", name, "offset", def.Offset, "bit", *def.Bit, "word", word)
	default:
		words, err := codec.EncodeForWrite(def.Format, value, def.ScaleOrOne())
		if err != nil {
			return fmt.Errorf("encode %s=%v: %w", name, value, err)
		}
		if err = b.WriteWords(ctx, def.Offset, words); err != nil {
			return err
		}
		klog.InfoS("Write register", "device", d.key, "register", name, "offset", def.Offset, "value", value, "raw", words)
	}

	d.model.Hooks.Fire(name, d.scales)
	return nil
}

// writeBit sets or clears one bit with a read-modify-write of the holding word and returns the
// word written.
func (d *Device) writeBit(ctx context.Context, b *bus.RegisterBus, def *RegisterDefinition, on bool) (uint16, error) {
	current, err := b.ReadU16(ctx, def.Offset)
	if err != nil {
		klog.V(2).InfoS("Failed to read before bit write", "device", d.key, "offset", def.Offset, "err", err)
		return 0, err
	}
	word := codec.SetBit(current, *def.Bit, on)
	if err = b.WriteU16(ctx, def.Offset, word); err != nil {
		klog.V(2).InfoS("Failed to write bit", "device", d.key, "offset", def.Offset, "from", current, "to", word, "err", err)
		return 0, err
	}
	return word, nil
}

// WriteOnOff writes every on/off target of the device.
func (d *Device) WriteOnOff(ctx context.Context, on bool) error {
	targets := d.OnOffTargets()
	if len(targets) == 0 {
		klog.V(2).InfoS("No on/off register", "device", d.key)
		return fmt.Errorf("%w: %s", constant.ErrOnOffUnsupported, d.key)
	}
	var errs []error
	for _, t := range targets {
		if err := d.WriteValue(ctx, t.Register, t.Value(on)); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// ReadAll samples every readable register and the computed fields. Contiguous word registers are
// bulk read, the rest one by one. When every bulk read fails the per register reads are skipped
// and the device is reported offline with an all missing snapshot.
func (d *Device) ReadAll(ctx context.Context) codec.Snapshot {
	readable := d.model.ReadableNames()
	snapshot := make(codec.Snapshot, len(readable)+len(d.model.computed))

	ranges := d.model.bulkRanges(constant.MaxRegsPerBulk)
	bulkFailed := len(ranges) > 0
	for _, r := range ranges {
		b := d.port.Bus(d.key.SlaveID, r.registerType)
		words, err := b.ReadWords(ctx, r.start, r.count)
		if err != nil {
			klog.V(2).InfoS("Bulk read failed", "device", d.key, "registerType", r.registerType, "start", r.start, "count", r.count, "err", err)
			for _, name := range r.names {
				snapshot[name] = codec.Missing
			}
			continue
		}
		bulkFailed = false
		for _, name := range r.names {
			def := d.model.RegisterMap[name]
			reading := codec.DecodeReading(def.Format, words[def.Offset-r.start:], def.InvalidPattern)
			if v, ok := reading.Float64(); ok {
				reading = codec.Value(d.transform(ctx, name, def, v))
			}
			snapshot[name] = reading
		}
	}

	if bulkFailed {
		klog.V(2).InfoS("All bulk reads failed, device treated as offline", "device", d.key)
		for _, name := range readable {
			snapshot[name] = codec.Missing
		}
		for _, name := range d.model.ComputedNames() {
			snapshot[name] = codec.Missing
		}
		d.setOnline(false)
		return snapshot
	}

	for _, name := range readable {
		if _, done := snapshot[name]; done {
			continue
		}
		snapshot[name], _ = d.ReadValue(ctx, name)
	}
	d.model.Compute(snapshot)

	online := len(readable) == 0
	for _, name := range readable {
		if !snapshot[name].IsMissing() {
			online = true
			break
		}
	}
	d.setOnline(online)
	return snapshot
}
