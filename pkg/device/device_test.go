package device

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
	"talosgateway/pkg/bus"
	"talosgateway/pkg/bus/bustest"
	"talosgateway/pkg/runtime/constant"
)

func newTestDevice(t *testing.T) (*Device, *bustest.Transport) {
	t.Helper()
	model := loadTestModel(t, "vfd.yaml")
	tr := bustest.New()
	return NewDevice(model, 1, bus.NewPort("bus0", tr)), tr
}

func seedVfd(tr *bustest.Transport) {
	tr.SetWords(1, constant.Holding, 0, 250, 1, 11238, 0b100)
	tr.SetWord(1, constant.Holding, 10, 500)
	tr.SetWord(1, constant.Holding, 20, 1)
	tr.SetWord(1, constant.Holding, 30, 0b1)
	tr.SetWords(1, constant.Holding, 40, 0, 1, 11238)
	bits := math.Float32bits(12.5)
	tr.SetWords(1, constant.Holding, 50, uint16(bits>>16), uint16(bits))
	tr.SetWord(1, constant.Holding, 60, 10)
	tr.SetWords(1, constant.Holding, 100, 4800, 1)
	tr.SetBit(1, constant.DiscreteInput, 5, true)
}

func TestReadValue(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)
	seedVfd(tr)

	tests := []struct {
		name string
		want float64
	}{
		{name: "R_TEMP", want: 25},
		{name: "R_STATUS_RUN", want: 1},
		{name: "R_CURRENT", want: 50},
		{name: "R_COUNTER", want: 76774},
		{name: "R_POWER", want: 12.5},
		{name: "R_LEVEL", want: 13},
		{name: "R_ALARM", want: 1},
		{name: "RW_HZ", want: 48},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reading, err := d.ReadValue(ctx, tt.name)
			require.NoError(t, err)
			v, ok := reading.Float64()
			require.True(t, ok)
			assert.InDelta(t, tt.want, v, 1e-9)
		})
	}
}

func TestReadValueMissing(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)
	tr.SetWord(1, constant.Holding, 0, 0xFFFF)

	reading, err := d.ReadValue(ctx, "R_TEMP")
	assert.NoError(t, err)
	assert.True(t, reading.IsMissing())

	reading, err = d.ReadValue(ctx, "NOPE")
	assert.ErrorIs(t, err, constant.ErrRegisterNotFound)
	assert.True(t, reading.IsMissing())

	tr.Fail = true
	reading, err = d.ReadValue(ctx, "RW_HZ")
	assert.ErrorIs(t, err, bus.ErrTransport)
	assert.True(t, reading.IsMissing())

	reading, err = d.ReadValue(ctx, "R_COUNTER")
	assert.Error(t, err)
	assert.True(t, reading.IsMissing())
}

func TestWriteValue(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)

	require.NoError(t, d.WriteValue(ctx, "RW_HZ", 48))
	assert.Equal(t, uint16(4800), tr.Word(1, constant.Holding, 100))

	err := d.WriteValue(ctx, "RW_HZ", 61)
	assert.ErrorIs(t, err, constant.ErrConstraintRejected)
	err = d.WriteValue(ctx, "RW_HZ", 29.9)
	assert.ErrorIs(t, err, constant.ErrConstraintRejected)
	assert.Equal(t, 1, tr.WriteCount())

	assert.ErrorIs(t, d.WriteValue(ctx, "R_TEMP", 1), constant.ErrRegisterReadOnly)
	assert.ErrorIs(t, d.WriteValue(ctx, "NOPE", 1), constant.ErrRegisterNotFound)
	assert.Equal(t, 1, tr.WriteCount())
}

func TestForceWriteValue(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)

	var logs bytes.Buffer
	klog.LogToStderr(false)
	klog.SetOutput(&logs)
	t.Cleanup(func() { klog.LogToStderr(true) })

	require.NoError(t, d.ForceWriteValue(ctx, "RW_HZ", 48))
	klog.Flush()
	assert.NotContains(t, logs.String(), "Constraint bypassed")

	require.NoError(t, d.ForceWriteValue(ctx, "RW_HZ", 60))
	klog.Flush()
	assert.Contains(t, logs.String(), "Constraint bypassed")
	assert.Equal(t, uint16(6000), tr.Word(1, constant.Holding, 100))
	assert.Equal(t, 2, tr.WriteCount())
}

func TestWriteBit(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)
	tr.SetWord(1, constant.Holding, 30, 0b1)

	require.NoError(t, d.WriteValue(ctx, "RW_FLAGS", 1))
	assert.Equal(t, uint16(0b10001), tr.Word(1, constant.Holding, 30))
	reading, err := d.ReadValue(ctx, "RW_FLAGS")
	require.NoError(t, err)
	assert.Equal(t, 1.0, reading.Or(-1))

	require.NoError(t, d.WriteValue(ctx, "RW_FLAGS", 0))
	assert.Equal(t, uint16(0b1), tr.Word(1, constant.Holding, 30))

	tr.Fail = true
	assert.Error(t, d.WriteValue(ctx, "RW_FLAGS", 1))
}

func TestWriteHookInvalidatesScale(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)
	seedVfd(tr)

	reading, err := d.ReadValue(ctx, "R_CURRENT")
	require.NoError(t, err)
	assert.InDelta(t, 50, reading.Or(-1), 1e-9)

	// a changed index alone does not touch the cached factor
	tr.SetWord(1, constant.Holding, 20, 2)
	reading, _ = d.ReadValue(ctx, "R_CURRENT")
	assert.InDelta(t, 50, reading.Or(-1), 1e-9)

	require.NoError(t, d.WriteValue(ctx, "SCALE_CurrentIndex", 2))
	reading, _ = d.ReadValue(ctx, "R_CURRENT")
	assert.InDelta(t, 500, reading.Or(-1), 1e-9)
}

func TestWriteOnOff(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)

	assert.True(t, d.SupportsOnOff())
	require.NoError(t, d.WriteOnOff(ctx, true))
	assert.Equal(t, uint16(1), tr.Word(1, constant.Holding, 101))
	require.NoError(t, d.WriteOnOff(ctx, false))
	assert.Equal(t, uint16(0), tr.Word(1, constant.Holding, 101))

	meter, errs := NewModel(&DeviceModel{Model: "METER", RegisterMap: map[string]*RegisterDefinition{"R_V": {}}})
	require.Empty(t, errs)
	m := NewDevice(meter, 2, d.Port())
	assert.False(t, m.SupportsOnOff())
	assert.ErrorIs(t, m.WriteOnOff(ctx, true), constant.ErrOnOffUnsupported)
}

func TestReadAll(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)
	seedVfd(tr)

	snapshot := d.ReadAll(ctx)
	want := map[string]float64{
		"R_TEMP":             25,
		"R_ENERGY_HI":        1,
		"R_ENERGY_LO":        11238,
		"R_ENERGY":           76774,
		"R_STATUS_RUN":       1,
		"R_CURRENT":          50,
		"SCALE_CurrentIndex": 1,
		"RW_FLAGS":           0,
		"R_CNT_HI":           0,
		"R_CNT_MID":          1,
		"R_CNT_LO":           11238,
		"R_COUNTER":          76774,
		"R_POWER":            12.5,
		"R_LEVEL":            13,
		"R_ALARM":            1,
		"RW_HZ":              48,
		"RW_ON_OFF":          1,
	}
	assert.Len(t, snapshot, len(want))
	for name, v := range want {
		got, ok := snapshot.Get(name)
		if assert.True(t, ok, name) {
			assert.InDelta(t, v, got, 1e-9, name)
		}
	}
	// 7 bulk ranges, then R_CURRENT with its index, the composed R_COUNTER and the R_ALARM bit
	assert.Equal(t, 13, tr.Reads)
	assert.True(t, d.IsOnline())
}

func TestReadAllOffline(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)
	seedVfd(tr)
	tr.Fail = true

	snapshot := d.ReadAll(ctx)
	assert.True(t, snapshot.AllMissing())
	assert.Contains(t, snapshot, "R_ENERGY")
	assert.Contains(t, snapshot, "R_ALARM")
	assert.False(t, d.IsOnline())

	tr.Fail = false
	snapshot = d.ReadAll(ctx)
	assert.False(t, snapshot.AllMissing())
	assert.True(t, d.IsOnline())
}

func TestReadAllPartialSentinel(t *testing.T) {
	ctx := context.Background()
	d, tr := newTestDevice(t)
	seedVfd(tr)
	tr.SetWord(1, constant.Holding, 2, 0xFFFF)

	snapshot := d.ReadAll(ctx)
	assert.True(t, snapshot["R_ENERGY_LO"].IsMissing())
	assert.True(t, snapshot["R_ENERGY"].IsMissing())
	assert.False(t, snapshot["R_TEMP"].IsMissing())
	assert.True(t, d.IsOnline())
}

func TestPolicy(t *testing.T) {
	lo, hi := 30.0, 55.0
	p := NewPolicy("VFD_X_1", map[string]*Constraint{
		"RW_HZ":   {Min: &lo, Max: &hi},
		"RW_TEMP": {Max: &hi},
	})

	assert.True(t, p.Allow("RW_HZ", 30))
	assert.True(t, p.Allow("RW_HZ", 55))
	assert.False(t, p.Allow("RW_HZ", 61))
	assert.False(t, p.Allow("RW_HZ", 29.99))
	assert.True(t, p.Allow("RW_TEMP", -1000))
	assert.False(t, p.Allow("RW_TEMP", 56))
	assert.True(t, p.Allow("RW_ANY", 1e9))

	min, max, ok := p.Bounds("RW_TEMP")
	assert.True(t, ok)
	assert.True(t, math.IsInf(min, -1))
	assert.Equal(t, 55.0, max)
}

func TestMergeConstraints(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	defaults := map[string]*Constraint{
		"RW_HZ": {Min: f(30), Max: f(50)},
		"RW_DO": {Min: f(2)},
	}

	tests := []struct {
		name        string
		overrides   map[string]*Constraint
		useDefaults bool
		want        map[string]*Constraint
	}{
		{
			name:        "defaults only",
			useDefaults: true,
			want:        defaults,
		},
		{
			name:        "single bound override",
			overrides:   map[string]*Constraint{"RW_HZ": {Max: f(55)}},
			useDefaults: true,
			want: map[string]*Constraint{
				"RW_HZ": {Min: f(30), Max: f(55)},
				"RW_DO": {Min: f(2)},
			},
		},
		{
			name:        "null removes",
			overrides:   map[string]*Constraint{"RW_DO": nil},
			useDefaults: true,
			want:        map[string]*Constraint{"RW_HZ": {Min: f(30), Max: f(50)}},
		},
		{
			name:      "instance only",
			overrides: map[string]*Constraint{"RW_HZ": {Max: f(45)}},
			want:      map[string]*Constraint{"RW_HZ": {Max: f(45)}},
		},
		{
			name: "nothing",
			want: map[string]*Constraint{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeConstraints(defaults, tt.overrides, tt.useDefaults)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCapabilityResolver(t *testing.T) {
	yes, no := true, false
	models := map[string]*Model{}
	add := func(spec *DeviceModel) {
		m, errs := NewModel(spec)
		require.Empty(t, errs)
		models[m.Model] = m
	}
	add(&DeviceModel{Model: "DECLARED_OFF", Type: "inverter", Capabilities: Capabilities{SupportsOnOff: &no},
		RegisterMap: map[string]*RegisterDefinition{constant.RegOnOff: {Writable: true}}})
	add(&DeviceModel{Model: "WRITABLE", RegisterMap: map[string]*RegisterDefinition{constant.RegOnOff: {Writable: true}}})
	add(&DeviceModel{Model: "READ_ONLY", RegisterMap: map[string]*RegisterDefinition{constant.RegOnOff: {}}})
	add(&DeviceModel{Model: "VFD", DeviceType: "VFD", RegisterMap: map[string]*RegisterDefinition{constant.RegRun: {Writable: true}}})
	add(&DeviceModel{Model: "PUMP", Type: "pump", RegisterMap: map[string]*RegisterDefinition{
		"DO_1": {Offset: 1, Writable: true},
		"DO_2": {Offset: 2, Writable: true},
	}})

	r := NewCapabilityResolver(models)
	r.Override(Key{Model: "PUMP", SlaveID: 3}, &Capabilities{
		SupportsOnOff: &yes,
		OnOffBinding:  &OnOffBinding{Targets: []string{"DO_1", "DO_2"}, On: new(float64), Off: &[]float64{1}[0]},
	})
	r.Override(Key{Model: "WRITABLE", SlaveID: 2}, &Capabilities{SupportsOnOff: &no})

	assert.False(t, r.SupportsOnOff("DECLARED_OFF", 1))
	assert.True(t, r.SupportsOnOff("WRITABLE", 1))
	assert.False(t, r.SupportsOnOff("WRITABLE", 2))
	assert.False(t, r.SupportsOnOff("READ_ONLY", 1))
	assert.True(t, r.SupportsOnOff("VFD", 1))
	assert.False(t, r.SupportsOnOff("PUMP", 1))
	assert.True(t, r.SupportsOnOff("PUMP", 3))
	assert.False(t, r.SupportsOnOff("UNKNOWN", 1))

	assert.Equal(t, []OnOffTarget{{Register: constant.RegRun, On: 1, Off: 0}}, r.OnOffTargets("VFD", 1))
	assert.Equal(t, []OnOffTarget{
		{Register: "DO_1", On: 0, Off: 1},
		{Register: "DO_2", On: 0, Off: 1},
	}, r.OnOffTargets("PUMP", 3))
	assert.Empty(t, r.OnOffTargets("PUMP", 1))

	r.Override(Key{Model: "PUMP", SlaveID: 3}, nil)
	assert.False(t, r.SupportsOnOff("PUMP", 3))
}
