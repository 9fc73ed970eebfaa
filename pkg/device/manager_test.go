package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"talosgateway/pkg/bus"
	"talosgateway/pkg/bus/bustest"
	"talosgateway/pkg/protocol/modbus"
	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/scale"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *bustest.Transport) {
	t.Helper()
	model := loadTestModel(t, "vfd.yaml")
	tr := bustest.New()
	ports := modbus.NewPortManager()
	ports.Add(bus.NewPort("bus0", tr))
	opts = append(opts, WithPortManager(ports))
	return NewManager(map[string]*Model{model.Model: model}, opts...), tr
}

func TestManagerLoad(t *testing.T) {
	m, _ := newTestManager(t)
	max := 50.0
	useDefaults := false
	issues := m.Load(&Config{
		Devices: []InstanceConfig{
			{Model: "VFD_X", SlaveID: 1, Port: "bus0", Constraints: map[string]*Constraint{"RW_HZ": {Max: &max}}},
			{Model: "VFD_X", SlaveID: 2, Port: "bus0", UseDefaultConstraints: &useDefaults},
			{Model: "VFD_X", SlaveID: 1, Port: "bus0"},
			{Model: "NOPE", SlaveID: 3, Port: "bus0"},
			{Model: "VFD_X", SlaveID: 4, Port: "missing"},
			{Model: "VFD_X", SlaveID: 0, Port: "bus0"},
		},
	})

	fields := make([]string, 0, len(issues))
	for _, e := range issues {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{"devices[2]", "devices[3].model", "devices[4].port", "devices[5].slave_id"}, fields)
	assert.Equal(t, 2, m.Len())

	d, err := m.Get("VFD_X", 1)
	require.NoError(t, err)
	min, hi, ok := d.Policy().Bounds("RW_HZ")
	assert.True(t, ok)
	assert.Equal(t, 30.0, min)
	assert.Equal(t, 50.0, hi)

	d, err = m.Get("VFD_X", 2)
	require.NoError(t, err)
	assert.True(t, d.Allow("RW_HZ", 61))

	_, err = m.Get("VFD_X", 9)
	assert.ErrorIs(t, err, constant.ErrDeviceNotFound)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, uint8(1), list[0].Key().SlaveID)
	assert.Equal(t, uint8(2), list[1].Key().SlaveID)
}

func TestManagerInstanceOverrides(t *testing.T) {
	m, tr := newTestManager(t)
	off := false
	fixed := 0.5
	d, err := m.AddDevice(&InstanceConfig{
		Model:        "VFD_X",
		SlaveID:      7,
		Port:         "bus0",
		Capabilities: &Capabilities{SupportsOnOff: &off},
		Modes:        &scale.Modes{Kwh: scale.KwhMode{Mode: "fixed", FixedScale: &fixed}},
	})
	require.NoError(t, err)
	assert.False(t, d.SupportsOnOff())
	assert.Equal(t, 0.5, d.Scales().Factor(context.Background(), scale.Kwh, d.readIndex))

	other, err := m.AddDevice(&InstanceConfig{Model: "VFD_X", SlaveID: 8, Port: "bus0"})
	require.NoError(t, err)
	assert.True(t, other.SupportsOnOff())

	// a binding to a read only register is dropped, the driver default stays
	lo, hi := 60.0, 10.0
	rejected, err := m.AddDevice(&InstanceConfig{
		Model:        "VFD_X",
		SlaveID:      9,
		Port:         "bus0",
		Capabilities: &Capabilities{OnOffBinding: &OnOffBinding{Targets: []string{"R_TEMP"}}},
		Constraints:  map[string]*Constraint{"RW_HZ": {Min: &lo, Max: &hi}},
	})
	require.NoError(t, err)
	assert.Equal(t, []OnOffTarget{{Register: constant.RegOnOff, On: 1, Off: 0}}, rejected.OnOffTargets())
	assert.False(t, rejected.Allow("RW_HZ", 61))
	assert.True(t, rejected.Allow("RW_HZ", 40))

	_, err = m.AddDevice(&InstanceConfig{Model: "VFD_X", SlaveID: 9, Port: "bus0"})
	assert.Error(t, err)
	_, err = m.Get("VFD_X", 10)
	assert.True(t, errors.Is(err, constant.ErrDeviceNotFound))

	assert.Zero(t, tr.Reads)
}

func TestManagerHealthAndShutdown(t *testing.T) {
	var closed []string
	m, tr := newTestManager(t,
		WithCloser("journal", func(context.Context) error {
			closed = append(closed, "journal")
			return nil
		}),
		WithCloser("bus", func(context.Context) error {
			closed = append(closed, "bus")
			return errors.New("boom")
		}),
	)
	_, err := m.AddDevice(&InstanceConfig{Model: "VFD_X", SlaveID: 1, Port: "bus0"})
	require.NoError(t, err)

	assert.True(t, m.IsHealthy("VFD_X", 1))
	assert.False(t, m.IsHealthy("VFD_X", 2))

	tr.Fail = true
	d, _ := m.Get("VFD_X", 1)
	d.ReadAll(context.Background())
	assert.False(t, m.IsHealthy("VFD_X", 1))

	err = m.Shutdown(context.Background())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, []string{"bus", "journal"}, closed)
	assert.True(t, tr.Closed)
}
