package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/device"
	"talosgateway/pkg/metrics"
	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/storage"
)

const writeTolerance = 1e-6

// Device is what the executor needs from a device instance.
type Device interface {
	ReadValue(ctx context.Context, name string) (codec.Reading, error)
	WriteValue(ctx context.Context, name string, value float64) error
	ForceWriteValue(ctx context.Context, name string, value float64) error
	Register(name string) (*device.RegisterDefinition, bool)
	Allow(name string, value float64) bool
	SupportsOnOff() bool
	OnOffTargets() []device.OnOffTarget
}

// DeviceResolver finds the device of an action.
type DeviceResolver interface {
	Resolve(model string, slaveID uint8) (Device, error)
}

// ResolverFunc adapts a function to DeviceResolver.
type ResolverFunc func(model string, slaveID uint8) (Device, error)

func (f ResolverFunc) Resolve(model string, slaveID uint8) (Device, error) {
	return f(model, slaveID)
}

// ManagerResolver resolves devices from a device.Manager.
func ManagerResolver(m *device.Manager) DeviceResolver {
	return ResolverFunc(func(model string, slaveID uint8) (Device, error) {
		d, err := m.Get(model, slaveID)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// HealthChecker reports whether a device is worth writing to.
type HealthChecker interface {
	IsHealthy(model string, slaveID uint8) bool
}

type ExecutorOption func(*Executor)

func WithHealthChecker(health HealthChecker) ExecutorOption {
	return func(e *Executor) {
		e.health = health
	}
}

func WithJournal(journal storage.Journal) ExecutorOption {
	return func(e *Executor) {
		e.journal = journal
	}
}

// Result is the outcome of one surviving action.
type Result struct {
	Action   ControlAction
	Outcome  storage.Outcome
	Previous *float64
	Written  *float64
	Err      error
}

// Executor resolves conflicts inside a batch and writes the survivors.
type Executor struct {
	devices DeviceResolver
	health  HealthChecker
	journal storage.Journal
}

func NewExecutor(devices DeviceResolver, opts ...ExecutorOption) *Executor {
	e := &Executor{devices: devices, journal: storage.Nop{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type groupKey struct {
	model   string
	slaveID uint8
	target  string
}

func keyOf(a *ControlAction) groupKey {
	k := groupKey{model: a.Model, slaveID: a.SlaveID}
	if a.Type.IsOnOff() && a.Target == "" {
		k.target = "type:" + a.Type.String()
	} else if target := a.ResolvedTarget(); target != "" {
		k.target = target
	} else {
		k.target = "type:" + a.Type.String()
	}
	return k
}

// Resolve keeps one action per (model, slave, target), the lowest priority, first seen on ties.
// Survivors keep the order their group first appeared in.
func Resolve(actions []ControlAction) []ControlAction {
	index := make(map[groupKey]int, len(actions))
	survivors := make([]ControlAction, 0, len(actions))
	for _, a := range actions {
		k := keyOf(&a)
		i, ok := index[k]
		if !ok {
			index[k] = len(survivors)
			survivors = append(survivors, a)
			continue
		}
		kept := survivors[i]
		if a.Priority < kept.Priority {
			klog.InfoS("Action superseded", "model", k.model, "slaveId", k.slaveID, "target", k.target,
				"kept", a.String(), "keptSource", a.Source, "dropped", kept.String(), "droppedSource", kept.Source)
			survivors[i] = a
			continue
		}
		klog.InfoS("Action superseded", "model", k.model, "slaveId", k.slaveID, "target", k.target,
			"kept", kept.String(), "keptSource", kept.Source, "dropped", a.String(), "droppedSource", a.Source)
	}
	return survivors
}

// Execute resolves conflicts and runs every surviving action. A failing action never stops the
// rest of the batch.
func (e *Executor) Execute(ctx context.Context, actions []ControlAction) []Result {
	if len(actions) == 0 {
		return nil
	}
	survivors := Resolve(actions)
	results := make([]Result, 0, len(survivors))
	for _, a := range survivors {
		r := e.executeOne(ctx, a)
		metrics.ObserveAction(a.Type.String(), string(r.Outcome))
		e.record(ctx, &r)
		results = append(results, r)
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, a ControlAction) (r Result) {
	r = Result{Action: a}
	defer func() {
		if p := recover(); p != nil {
			klog.ErrorS(fmt.Errorf("%v", p), "Recovered from panic while executing action", "model", a.Model, "slaveId", a.SlaveID, "type", a.Type, "target", a.ResolvedTarget())
			r.Outcome = storage.OutcomeFailed
			r.Err = fmt.Errorf("panic: %v", p)
		}
	}()

	if e.health != nil && !e.health.IsHealthy(a.Model, a.SlaveID) {
		klog.V(2).InfoS("Skip action for offline device", "model", a.Model, "slaveId", a.SlaveID, "type", a.Type)
		return r.skip(constant.ErrDeviceOffline)
	}
	d, err := e.devices.Resolve(a.Model, a.SlaveID)
	if err != nil || d == nil {
		klog.V(2).InfoS("Skip action for unknown device", "model", a.Model, "slaveId", a.SlaveID, "type", a.Type, "err", err)
		if err == nil {
			err = constant.ErrDeviceNotFound
		}
		return r.skip(err)
	}

	switch {
	case a.Type == constant.Reset:
		return e.reset(ctx, d, r)
	case a.Type.IsOnOff():
		return e.onOff(ctx, d, r)
	default:
		return e.write(ctx, d, r)
	}
}

// reset always writes, 9 for a truthy value and 1 otherwise.
func (e *Executor) reset(ctx context.Context, d Device, r Result) Result {
	a := r.Action
	target := a.ResolvedTarget()
	code := float64(constant.ResetIdleCode)
	if a.Value != nil && *a.Value != 0 {
		code = float64(constant.ResetActiveCode)
	}
	if err := d.WriteValue(ctx, target, code); err != nil {
		klog.V(2).InfoS("Failed to write reset", "model", a.Model, "slaveId", a.SlaveID, "target", target, "value", code, "err", err)
		return r.fail(err)
	}
	return r.written(code)
}

// onOff writes the targets whose current state differs. An explicit target restricts the write to
// that register.
func (e *Executor) onOff(ctx context.Context, d Device, r Result) Result {
	a := r.Action
	if !d.SupportsOnOff() {
		klog.Warningf("Device %s_%d does not support on/off control, %s skipped", a.Model, a.SlaveID, a.Type)
		return r.skip(constant.ErrOnOffUnsupported)
	}
	on := a.Type == constant.TurnOn
	targets := d.OnOffTargets()
	if a.Target != "" {
		targets = restrict(targets, a.Target)
	}
	if len(targets) == 0 {
		klog.Warningf("Device %s_%d has no on/off register, %s skipped", a.Model, a.SlaveID, a.Type)
		return r.skip(constant.ErrOnOffUnsupported)
	}

	var errs []error
	wrote := false
	for _, t := range targets {
		desired := t.Value(on)
		reading, err := d.ReadValue(ctx, t.Register)
		if current, ok := reading.Float64(); err == nil && ok && equal(current, desired) {
			klog.V(4).InfoS("On/off state unchanged", "model", a.Model, "slaveId", a.SlaveID, "target", t.Register, "value", desired)
			continue
		}
		if err = d.WriteValue(ctx, t.Register, desired); err != nil {
			klog.V(2).InfoS("Failed to write on/off", "model", a.Model, "slaveId", a.SlaveID, "target", t.Register, "value", desired, "err", err)
			errs = append(errs, err)
			continue
		}
		wrote = true
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		return r.fail(err)
	}
	if !wrote {
		r.Outcome = storage.OutcomeUnchanged
		return r
	}
	v := 0.0
	if on {
		v = 1
	}
	return r.written(v)
}

func restrict(targets []device.OnOffTarget, register string) []device.OnOffTarget {
	for _, t := range targets {
		if t.Register == register {
			return []device.OnOffTarget{t}
		}
	}
	return []device.OnOffTarget{{Register: register, On: 1, Off: 0}}
}

// write handles set_frequency, adjust_frequency and write_do.
func (e *Executor) write(ctx context.Context, d Device, r Result) Result {
	a := r.Action
	target := a.ResolvedTarget()
	def, ok := d.Register(target)
	if !ok {
		klog.V(2).InfoS("Action target not found", "model", a.Model, "slaveId", a.SlaveID, "target", target)
		return r.fail(fmt.Errorf("%w: %s", constant.ErrRegisterNotFound, target))
	}
	if !def.Writable {
		klog.V(2).InfoS("Action target is not writable", "model", a.Model, "slaveId", a.SlaveID, "target", target)
		return r.fail(fmt.Errorf("%w: %s", constant.ErrRegisterReadOnly, target))
	}
	if a.Value == nil {
		klog.V(2).InfoS("Action has no value", "model", a.Model, "slaveId", a.SlaveID, "type", a.Type, "target", target)
		return r.skip(errors.New("action has no value"))
	}

	desired := *a.Value
	reading, err := d.ReadValue(ctx, target)
	current, readOk := reading.Float64()
	if err == nil && readOk {
		r.Previous = &current
	}

	if a.Type == constant.AdjustFrequency {
		if math.Abs(desired) < writeTolerance {
			return r.skip(errors.New("zero adjustment"))
		}
		if err != nil || !readOk {
			klog.V(2).InfoS("Cannot adjust, current value unknown", "model", a.Model, "slaveId", a.SlaveID, "target", target, "err", err)
			return r.skip(fmt.Errorf("current %s unknown", target))
		}
		desired = codec.Round(current+desired, 2)
	} else if err != nil || !readOk {
		klog.V(2).InfoS("Failed to read before write, writing anyway", "model", a.Model, "slaveId", a.SlaveID, "target", target, "err", err)
	}

	if r.Previous != nil && equal(current, desired) {
		klog.V(4).InfoS("Value unchanged, skip write", "model", a.Model, "slaveId", a.SlaveID, "target", target, "value", desired)
		r.Outcome = storage.OutcomeUnchanged
		return r
	}

	if a.EmergencyOverride {
		err = d.ForceWriteValue(ctx, target, desired)
	} else {
		if !d.Allow(target, desired) {
			klog.InfoS("Constraint rejected write", "model", a.Model, "slaveId", a.SlaveID, "target", target, "value", desired, "source", a.Source)
			return r.skip(fmt.Errorf("%w: %s=%v", constant.ErrConstraintRejected, target, desired))
		}
		err = d.WriteValue(ctx, target, desired)
	}
	if err != nil {
		klog.V(2).InfoS("Failed to write action", "model", a.Model, "slaveId", a.SlaveID, "target", target, "value", desired, "err", err)
		return r.fail(err)
	}
	klog.InfoS("Action executed", "model", a.Model, "slaveId", a.SlaveID, "type", a.Type, "target", target, "value", desired, "reason", a.Reason)
	return r.written(desired)
}

func (e *Executor) record(ctx context.Context, r *Result) {
	if err := e.journal.Record(ctx, r.Entry()); err != nil {
		klog.V(2).InfoS("Failed to record action", "model", r.Action.Model, "slaveId", r.Action.SlaveID, "err", err)
	}
}

// Entry converts the result to a journal entry.
func (r *Result) Entry() *storage.Entry {
	a := r.Action
	entry := &storage.Entry{
		Time:     time.Now(),
		Model:    a.Model,
		SlaveID:  a.SlaveID,
		Type:     a.Type.String(),
		Target:   a.ResolvedTarget(),
		Value:    a.Value,
		Previous: r.Previous,
		Priority: a.Priority,
		Source:   a.Source,
		Reason:   a.Reason,
		Outcome:  r.Outcome,
	}
	if r.Written != nil {
		entry.Value = r.Written
	}
	if r.Err != nil {
		entry.Error = r.Err.Error()
	}
	return entry
}

func (r Result) skip(err error) Result {
	r.Outcome = storage.OutcomeSkipped
	r.Err = err
	return r
}

func (r Result) fail(err error) Result {
	r.Outcome = storage.OutcomeFailed
	r.Err = err
	return r
}

func (r Result) written(v float64) Result {
	r.Outcome = storage.OutcomeWritten
	r.Written = &v
	return r
}

func equal(a, b float64) bool {
	return math.Abs(a-b) < writeTolerance
}
