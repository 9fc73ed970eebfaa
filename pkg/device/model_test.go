package device

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/scale"
)

func loadTestModel(t *testing.T, file string) *Model {
	t.Helper()
	model, errs, err := LoadModel(filepath.Join("testdata", file))
	require.NoError(t, err)
	require.NotNil(t, model)
	require.Empty(t, errs)
	return model
}

func TestLoadModels(t *testing.T) {
	models, report, err := LoadModels("testdata")
	require.NoError(t, err)

	require.Contains(t, models, "VFD_X")
	require.Contains(t, models, "BROKEN_Y")
	assert.Len(t, models, 2)

	fields := make([]string, 0, len(report))
	for _, e := range report {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "garbage.yml")
	assert.Contains(t, fields, "broken.yaml.register_map[R_BAD_BIT].bit")
	assert.NotContains(t, fields, "README.txt")

	_, _, err = LoadModels(filepath.Join("testdata", "missing"))
	assert.Error(t, err)
}

func TestNewModelDropsInvalidEntries(t *testing.T) {
	model, errs, err := LoadModel(filepath.Join("testdata", "broken.yaml"))
	require.NoError(t, err)
	require.NotNil(t, model)

	byField := map[string]field.ErrorType{}
	for _, e := range errs {
		byField[e.Field] = e.Type
	}
	assert.Equal(t, map[string]field.ErrorType{
		"register_map[R_BAD_BIT].bit":              field.ErrorTypeInvalid,
		"register_map[R_BAD_SCALE].scale_from":     field.ErrorTypeNotSupported,
		"register_map[R_BAD_WRITE].writable":       field.ErrorTypeInvalid,
		"register_map[R_BAD_FORMULA].formula":      field.ErrorTypeInvalid,
		"register_map[R_BAD_COMPOSED].composed_of": field.ErrorTypeInvalid,
		"register_map[R_BAD_COMPUTED].formula":     field.ErrorTypeNotSupported,
		"write_hooks[0].registers[0]":              field.ErrorTypeNotFound,
		"capabilities.on_off_binding.targets[0]":   field.ErrorTypeInvalid,
	}, byField)

	assert.Equal(t, []string{"R_OK"}, model.ReadableNames())
	assert.Empty(t, model.ComputedNames())
	assert.Empty(t, model.Hooks)
	assert.Nil(t, model.Capabilities.OnOffBinding)
}

func TestNewModelRequiresName(t *testing.T) {
	model, errs := NewModel(&DeviceModel{})
	assert.Nil(t, model)
	require.Len(t, errs, 1)
	assert.Equal(t, field.ErrorTypeRequired, errs[0].Type)
}

func TestNewModelComposedSubRegisters(t *testing.T) {
	coil := constant.Coil
	model, errs := NewModel(&DeviceModel{
		Model: "M",
		RegisterMap: map[string]*RegisterDefinition{
			"HI":  {Offset: 0},
			"MID": {Offset: 1, RegisterType: &coil},
			"LO":  {Offset: 2, Readable: new(bool)},
			"SUM": {ComposedOf: []string{"HI", "MID", "LO"}},
		},
	})
	require.Len(t, errs, 2)
	assert.Equal(t, "register_map[SUM].composed_of[1]", errs[0].Field)
	assert.Equal(t, "register_map[SUM].composed_of[2]", errs[1].Field)
	_, ok := model.Register("SUM")
	assert.False(t, ok)
}

func TestComputedFields(t *testing.T) {
	model := loadTestModel(t, "vfd.yaml")
	assert.Equal(t, []string{"R_ENERGY"}, model.ComputedNames())

	snapshot := codec.Snapshot{"R_ENERGY_HI": codec.Value(1), "R_ENERGY_LO": codec.Value(11238)}
	model.Compute(snapshot)
	v, ok := snapshot.Get("R_ENERGY")
	require.True(t, ok)
	assert.Equal(t, 76774.0, v)

	snapshot = codec.Snapshot{"R_ENERGY_HI": codec.Value(1), "R_ENERGY_LO": codec.Missing}
	model.Compute(snapshot)
	assert.True(t, snapshot["R_ENERGY"].IsMissing())
}

func TestComputedFieldParams(t *testing.T) {
	model, errs := NewModel(&DeviceModel{
		Model: "M",
		RegisterMap: map[string]*RegisterDefinition{
			"HI": {Offset: 0},
			"LO": {Offset: 1},
		},
		ComputedFields: map[string]*ComputedField{
			"TOTAL":   {Formula: "combine_32bit_be_with_dp", Inputs: []string{"HI", "LO"}, Params: map[string]float64{"dp": 2}},
			"NO_DP":   {Formula: "combine_32bit_be_with_dp", Inputs: []string{"HI", "LO"}},
			"UNKNOWN": {Formula: "combine_32bit_be", Inputs: []string{"HI", "NOPE"}},
		},
	})
	require.Len(t, errs, 2)
	assert.Equal(t, "computed_fields[NO_DP].params", errs[0].Field)
	assert.Equal(t, "computed_fields[UNKNOWN].inputs[1]", errs[1].Field)

	snapshot := codec.Snapshot{"HI": codec.Value(1), "LO": codec.Value(11238)}
	model.Compute(snapshot)
	v, ok := snapshot.Get("TOTAL")
	require.True(t, ok)
	assert.InDelta(t, 767.74, v, 1e-9)
}

func TestWriteHookDeclarations(t *testing.T) {
	spec := &DeviceModel{}
	require.NoError(t, yaml.Unmarshal([]byte(`
model: HOOKS
register_map:
  SCALE_CurrentIndex: {offset: 20, writable: true}
  SCALE_VoltageIndex: {offset: 21, writable: true}
  MODE: {offset: 22, writable: true}
  MODE_ALIAS: {offset: 22, writable: true}
write_hooks:
  - SCALE_VoltageIndex
  - offsets: [22]
    invalidate: [scales.kwh, energy_auto]
  - registers: [SCALE_CurrentIndex, SCALE_VoltageIndex]
    invalidate: [scales.current]
`), spec))
	model, errs := NewModel(spec)
	require.Empty(t, errs)

	assert.Equal(t, HookTable{
		"SCALE_VoltageIndex": {All: true},
		"MODE":               {Kinds: []scale.Kind{scale.Kwh, scale.EnergyAuto}},
		"MODE_ALIAS":         {Kinds: []scale.Kind{scale.Kwh, scale.EnergyAuto}},
		"SCALE_CurrentIndex": {Kinds: []scale.Kind{scale.Current}},
	}, model.Hooks)

	resolver := scale.NewResolver(scale.Config{})
	read := func(_ context.Context, _ string) codec.Reading { return codec.Missing }
	resolver.Factor(context.Background(), scale.Current, read)
	resolver.Factor(context.Background(), scale.Voltage, read)

	assert.False(t, model.Hooks.Fire("OTHER", resolver))
	assert.True(t, model.Hooks.Fire("SCALE_CurrentIndex", resolver))
	_, cached := resolver.Cached(scale.Current)
	assert.False(t, cached)
	_, cached = resolver.Cached(scale.Voltage)
	assert.True(t, cached)

	assert.True(t, model.Hooks.Fire("SCALE_VoltageIndex", resolver))
	_, cached = resolver.Cached(scale.Voltage)
	assert.False(t, cached)
}

func TestControlRegister(t *testing.T) {
	tests := []struct {
		name      string
		registers map[string]*RegisterDefinition
		want      string
		wantOk    bool
	}{
		{
			name:      "on off first",
			registers: map[string]*RegisterDefinition{constant.RegRun: {Writable: true}, constant.RegOnOff: {Writable: true}},
			want:      constant.RegOnOff,
			wantOk:    true,
		},
		{
			name:      "skips read only",
			registers: map[string]*RegisterDefinition{constant.RegOnOff: {}, constant.RegStart: {Writable: true}},
			want:      constant.RegStart,
			wantOk:    true,
		},
		{
			name:      "none",
			registers: map[string]*RegisterDefinition{constant.RegHz: {Writable: true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, errs := NewModel(&DeviceModel{Model: "M", RegisterMap: tt.registers})
			require.Empty(t, errs)
			got, ok := model.ControlRegister()
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBulkRanges(t *testing.T) {
	input := constant.Input
	model, errs := NewModel(&DeviceModel{
		Model: "M",
		RegisterMap: map[string]*RegisterDefinition{
			"A":     {Offset: 0, Format: constant.FormatU32BE},
			"B":     {Offset: 2},
			"C":     {Offset: 1},
			"GAP":   {Offset: 10},
			"IN":    {Offset: 11, RegisterType: &input},
			"FAR":   {Offset: 200},
			"SCALE": {Offset: 3, ScaleFrom: "current_index"},
			"WO":    {Offset: 4, Readable: new(bool), Writable: true},
		},
	})
	require.Empty(t, errs)

	ranges := model.bulkRanges(120)
	require.Len(t, ranges, 4)
	assert.Equal(t, bulkRange{registerType: constant.Holding, start: 0, count: 3, names: []string{"A", "C", "B"}}, ranges[0])
	assert.Equal(t, bulkRange{registerType: constant.Holding, start: 10, count: 1, names: []string{"GAP"}}, ranges[1])
	assert.Equal(t, bulkRange{registerType: constant.Holding, start: 200, count: 1, names: []string{"FAR"}}, ranges[2])
	assert.Equal(t, bulkRange{registerType: constant.Input, start: 11, count: 1, names: []string{"IN"}}, ranges[3])

	split := model.bulkRanges(2)
	assert.Equal(t, uint16(2), split[0].count)
	assert.Equal(t, []string{"A", "C"}, split[0].names)
	assert.Equal(t, uint16(2), split[1].start)
}

func TestFormulaUnmarshal(t *testing.T) {
	def := &RegisterDefinition{}
	require.NoError(t, yaml.Unmarshal([]byte(`{offset: 1, formula: [0, 0.5, 1]}`), def))
	assert.Equal(t, []float64{0, 0.5, 1}, def.Formula.Linear)

	require.NoError(t, yaml.Unmarshal([]byte(`{type: computed, formula: combine_32bit_le, inputs: [A, B]}`), def))
	assert.Equal(t, "combine_32bit_le", def.Formula.Name)
	assert.True(t, def.IsComputed())

	assert.Error(t, yaml.Unmarshal([]byte(`{formula: {a: 1}}`), &RegisterDefinition{}))
}
