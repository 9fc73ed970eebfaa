package scale

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/runtime/constant"
)

type countingReader struct {
	values map[string]codec.Reading
	calls  map[string]int
}

func newCountingReader(values map[string]codec.Reading) *countingReader {
	return &countingReader{values: values, calls: map[string]int{}}
}

func (c *countingReader) read(_ context.Context, name string) codec.Reading {
	c.calls[name]++
	if v, ok := c.values[name]; ok {
		return v
	}
	return codec.Missing
}

func float(v float64) *float64 { return &v }

func TestFactorFromTables(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(Config{Tables: Tables{
		Current: []float64{0.001, 0.01, 0.1},
		Voltage: []float64{0.1, 1},
		Energy:  []float64{1, 10},
	}})
	reader := newCountingReader(map[string]codec.Reading{
		constant.RegCurrentIndex: codec.Value(2),
		constant.RegVoltageIndex: codec.Value(7),
		constant.RegEnergyIndex:  codec.Value(1),
	})

	assert.Equal(t, 0.1, r.Factor(ctx, Current, reader.read))
	assert.Equal(t, DefaultVoltageScale, r.Factor(ctx, Voltage, reader.read), "out of range index")
	assert.InDelta(t, 0.01, r.Factor(ctx, EnergyAuto, reader.read), 1e-12)
	assert.InDelta(t, 0.01, r.Factor(ctx, Kwh, reader.read), 1e-12)
	assert.Equal(t, 1.0, r.Factor(ctx, Kind("bogus"), reader.read))

	assert.Equal(t, 0.1, r.Factor(ctx, Current, reader.read))
	assert.Equal(t, 1, reader.calls[constant.RegCurrentIndex], "cached after first resolve")
	assert.Equal(t, 1, reader.calls[constant.RegEnergyIndex])
}

func TestFactorDefaultsOnMissingIndex(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(Config{Tables: Tables{Current: []float64{1, 2}}})
	reader := newCountingReader(nil)

	assert.Equal(t, DefaultCurrentScale, r.Factor(ctx, Current, reader.read))
	assert.InDelta(t, DefaultEnergyScale*DefaultEnergyPostMultiplier, r.Factor(ctx, EnergyAuto, reader.read), 1e-12)
}

func TestKwhFixedMode(t *testing.T) {
	ctx := context.Background()
	reader := newCountingReader(nil)

	r := NewResolver(Config{Modes: Modes{Kwh: KwhMode{Mode: "FIXED", FixedScale: float(0.1)}}})
	assert.Equal(t, 0.1, r.Factor(ctx, Kwh, reader.read))

	r = NewResolver(Config{Modes: Modes{Kwh: KwhMode{Mode: "fixed"}}})
	assert.Equal(t, DefaultKwhFixedScale, r.Factor(ctx, Kwh, reader.read))
	assert.Zero(t, reader.calls[constant.RegEnergyIndex])
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(Config{Tables: Tables{Current: []float64{0.01, 0.1}, Voltage: []float64{1, 10}}})
	reader := newCountingReader(map[string]codec.Reading{
		constant.RegCurrentIndex: codec.Value(0),
		constant.RegVoltageIndex: codec.Value(0),
	})
	r.Factor(ctx, Current, reader.read)
	r.Factor(ctx, Voltage, reader.read)

	reader.values[constant.RegCurrentIndex] = codec.Value(1)
	r.Invalidate(Current)
	_, cached := r.Cached(Current)
	assert.False(t, cached)
	_, cached = r.Cached(Voltage)
	assert.True(t, cached)
	assert.Equal(t, 0.1, r.Factor(ctx, Current, reader.read))

	r.Invalidate()
	_, cached = r.Cached(Voltage)
	assert.False(t, cached)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("scales.current")
	assert.True(t, ok)
	assert.Equal(t, Current, k)

	k, ok = ParseKind("kwh")
	assert.True(t, ok)
	assert.Equal(t, Kwh, k)

	_, ok = ParseKind("scales.power")
	assert.False(t, ok)

	k, ok = KindFromScaleFrom("energy_index")
	assert.True(t, ok)
	assert.Equal(t, EnergyAuto, k)
}
