package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/control"
	"talosgateway/pkg/control/actionbus"
	"talosgateway/pkg/device"
	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/storage"
)

// fakeDevice keeps register values in memory and serves both the cycle and the executor.
type fakeDevice struct {
	mu     sync.Mutex
	key    device.Key
	policy *device.Policy
	values map[string]float64
	online bool
	writes []string
}

func newFakeDevice(slaveID uint8, values map[string]float64) *fakeDevice {
	min, max := 30.0, 55.0
	return &fakeDevice{
		key:    device.Key{Model: "TECO_VFD", SlaveID: slaveID},
		policy: device.NewPolicy("TECO_VFD", map[string]*device.Constraint{constant.RegHz: {Min: &min, Max: &max}}),
		values: values,
		online: true,
	}
}

func (f *fakeDevice) Key() device.Key {
	return f.key
}

func (f *fakeDevice) Policy() *device.Policy {
	return f.policy
}

func (f *fakeDevice) ReadAll(context.Context) codec.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := codec.Snapshot{}
	for name, v := range f.values {
		if f.online {
			s[name] = codec.Value(v)
		} else {
			s[name] = codec.Missing
		}
	}
	return s
}

func (f *fakeDevice) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeDevice) ReadValue(_ context.Context, name string) (codec.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[name]
	if !ok {
		return codec.Missing, nil
	}
	return codec.Value(v), nil
}

func (f *fakeDevice) WriteValue(ctx context.Context, name string, value float64) error {
	return f.ForceWriteValue(ctx, name, value)
}

func (f *fakeDevice) ForceWriteValue(_ context.Context, name string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
	f.writes = append(f.writes, name)
	return nil
}

func (f *fakeDevice) Register(name string) (*device.RegisterDefinition, bool) {
	switch name {
	case constant.RegHz, constant.RegReset:
		return &device.RegisterDefinition{Writable: true}, true
	}
	return nil, false
}

func (f *fakeDevice) Allow(name string, value float64) bool {
	return f.policy.Allow(name, value)
}

func (f *fakeDevice) SupportsOnOff() bool {
	return false
}

func (f *fakeDevice) OnOffTargets() []device.OnOffTarget {
	return nil
}

func (f *fakeDevice) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func newTestManager(t *testing.T, d *fakeDevice, opts ...Option) *Manager {
	config, err := control.LoadConfig("testdata/controls.yaml")
	require.NoError(t, err)
	rules, issues := control.NewRuleSet(config)
	require.Empty(t, issues)
	executor := control.NewExecutor(control.ResolverFunc(func(model string, slaveID uint8) (control.Device, error) {
		if model == d.key.Model && slaveID == d.key.SlaveID {
			return d, nil
		}
		return nil, constant.ErrDeviceNotFound
	}))
	return NewManager(control.NewEvaluator(rules), executor, opts...)
}

func TestCycleExecutesRulesAndInjectedActions(t *testing.T) {
	d := newFakeDevice(2, map[string]float64{"AIn01": 45, constant.RegHz: 40, constant.RegReset: 1})
	queue := actionbus.NewQueue()
	one := 1.0
	queue.Push(
		control.ControlAction{Model: "TECO_VFD", SlaveID: 2, Type: constant.Reset, Value: &one, Priority: 5},
		control.ControlAction{Model: "TECO_VFD", SlaveID: 3, Type: constant.Reset, Value: &one, Priority: 5},
	)
	m := newTestManager(t, d, WithActionSource(queue))

	results := m.Cycle(context.Background(), d)
	require.Len(t, results, 2)
	assert.Equal(t, storage.OutcomeWritten, results[0].Outcome)
	assert.Equal(t, 50.0, *results[0].Written)
	assert.Equal(t, control.SourceControlEvaluator, results[0].Action.Source)
	assert.Equal(t, constant.Reset, results[1].Action.Type)
	assert.Equal(t, float64(constant.ResetActiveCode), *results[1].Written)
	assert.Equal(t, []string{constant.RegHz, constant.RegReset}, d.written())
	assert.Equal(t, 1, queue.Len())

	results = m.Cycle(context.Background(), d)
	require.Len(t, results, 1)
	assert.Equal(t, storage.OutcomeUnchanged, results[0].Outcome)
}

func TestCycleOutsideWorkHours(t *testing.T) {
	d := newFakeDevice(2, map[string]float64{"AIn01": 45, constant.RegHz: 60})
	start, end := control.ClockTime(8*3600), control.ClockTime(9*3600)
	te, err := control.NewTimeEvaluator(&control.TimeControlConfig{
		Timezone:  "UTC",
		WorkHours: map[string]*control.Schedule{control.DefaultSchedule: {Start: &start, End: &end}},
	})
	require.NoError(t, err)
	tc := control.NewTimeControl(te, device.NewCapabilityResolver(nil))
	now := time.Date(2024, time.January, 1, 20, 0, 0, 0, time.UTC)
	m := newTestManager(t, d, WithTimeControl(tc), withClock(func() time.Time { return now }))

	results := m.Cycle(context.Background(), d)
	require.Len(t, results, 1)
	assert.Equal(t, control.SourceConstraintEvaluator, results[0].Action.Source)
	assert.Equal(t, 55.0, *results[0].Written)
}

func TestCycleOfflineDevice(t *testing.T) {
	d := newFakeDevice(2, map[string]float64{"AIn01": 45, constant.RegHz: 40})
	d.online = false
	m := newTestManager(t, d)
	assert.Empty(t, m.Cycle(context.Background(), d))
	assert.Empty(t, d.written())
}

func TestStartAndShutdown(t *testing.T) {
	d := newFakeDevice(2, map[string]float64{"AIn01": 45, constant.RegHz: 40})
	m := newTestManager(t, d, WithInterval(10*time.Millisecond))
	assert.False(t, m.Status().Running)

	m.Start(context.Background(), []Instance{d})
	require.Eventually(t, func() bool {
		return len(d.written()) > 0
	}, time.Second, 10*time.Millisecond)

	s := m.Status()
	assert.True(t, s.Running)
	assert.Equal(t, 1, s.Online)
	require.Len(t, s.Devices, 1)
	assert.Equal(t, d.key, s.Devices[0].Key)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.False(t, m.Status().Running)
	assert.NoError(t, m.Shutdown(ctx))
}
