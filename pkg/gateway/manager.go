package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/control"
	"talosgateway/pkg/device"
	"talosgateway/pkg/metrics"
)

const defaultInterval = 5 * time.Second

// Instance is one polled device.
type Instance interface {
	Key() device.Key
	Policy() *device.Policy
	ReadAll(ctx context.Context) codec.Snapshot
	IsOnline() bool
}

// ActionSource supplies actions injected from outside the cycle, e.g. the MQTT action bus.
type ActionSource interface {
	DrainFor(model string, slaveID uint8) []control.ControlAction
}

// ResultSink receives the results of every executed batch.
type ResultSink interface {
	PublishResults(ctx context.Context, results []control.Result) error
}

type Option func(*Manager)

func WithInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.interval = interval
	}
}

func WithTimeControl(tc *control.TimeControl) Option {
	return func(m *Manager) {
		m.timeControl = tc
	}
}

func WithActionSource(source ActionSource) Option {
	return func(m *Manager) {
		m.source = source
	}
}

func WithResultSink(sink ResultSink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

func WithMeta(meta *Meta) Option {
	return func(m *Manager) {
		m.meta = meta
	}
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager runs the read, evaluate, execute cycle of every device.
type Manager struct {
	meta        *Meta
	interval    time.Duration                // 轮询周期
	evaluator   *control.Evaluator           // 规则控制
	constraints *control.ConstraintEvaluator // 约束纠偏
	timeControl *control.TimeControl         // 时段控制, 可为空
	executor    *control.Executor
	source      ActionSource
	sink        ResultSink
	now         func() time.Time

	mu        sync.Mutex
	instances []Instance
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(evaluator *control.Evaluator, executor *control.Executor, opts ...Option) *Manager {
	m := &Manager{
		meta:        NewMeta("talos-gateway"),
		interval:    defaultInterval,
		evaluator:   evaluator,
		constraints: control.NewConstraintEvaluator(),
		executor:    executor,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs one cycle goroutine per instance until Shutdown or ctx is done. Cycles of one
// instance never overlap.
func (m *Manager) Start(ctx context.Context, instances []Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		klog.V(2).InfoS("Control cycles already running")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.instances = instances
	for _, inst := range instances {
		inst := inst
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			wait.UntilWithContext(ctx, func(ctx context.Context) {
				m.Cycle(ctx, inst)
			}, m.interval)
		}()
	}
	klog.V(1).InfoS("Control cycles started", "devices", len(instances), "interval", m.interval)
}

// Cycle reads the instance once, collects the actions of every producer and executes them as
// one batch.
func (m *Manager) Cycle(ctx context.Context, inst Instance) (results []control.Result) {
	key := inst.Key()
	start := m.now()
	defer func() {
		if err := recover(); err != nil {
			klog.ErrorS(fmt.Errorf("%v", err), "Control cycle panicked", "device", key)
		}
		metrics.ObserveCycle(key.Model, fmt.Sprint(key.SlaveID), start)
	}()

	snapshot := inst.ReadAll(ctx)
	online := inst.IsOnline()

	var actions []control.ControlAction
	allowed := true
	if m.timeControl != nil {
		actions = append(actions, m.timeControl.Actions(key, online, start)...)
		allowed = m.timeControl.Allow(key, start)
	}
	if online {
		if allowed {
			actions = append(actions, m.evaluator.Evaluate(key.Model, key.SlaveID, snapshot)...)
		} else {
			klog.V(4).InfoS("Outside work hours, rule evaluation skipped", "device", key)
		}
		actions = append(actions, m.constraints.Evaluate(inst, snapshot)...)
	}
	if m.source != nil {
		actions = append(actions, m.source.DrainFor(key.Model, key.SlaveID)...)
	}
	if len(actions) == 0 {
		return nil
	}

	klog.V(4).InfoS("Executing control batch", "device", key, "actions", len(actions))
	results = m.executor.Execute(ctx, actions)
	if m.sink != nil {
		if err := m.sink.PublishResults(ctx, results); err != nil {
			klog.V(2).InfoS("Failed to publish results", "device", key, "err", err)
		}
	}
	return results
}

// Status reports the running state and the last known health of every instance.
func (m *Manager) Status() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Status{Meta: m.meta, Running: m.cancel != nil, Devices: make([]DeviceStatus, 0, len(m.instances))}
	for _, inst := range m.instances {
		online := inst.IsOnline()
		if online {
			s.Online++
		}
		s.Devices = append(s.Devices, DeviceStatus{Key: inst.Key(), Online: online})
	}
	return s
}

// Shutdown stops the cycles and waits for the running ones to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		klog.V(1).InfoS("Control cycles stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Instances adapts the devices of a device.Manager.
func Instances(devices []*device.Device) []Instance {
	out := make([]Instance, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	return out
}
