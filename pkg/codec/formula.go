package codec

import (
	"fmt"
	"math"
	"sort"
)

// Formula combines several register values into one computed value.
// Args names the positional arguments: computed field inputs fill them first, named params after.
type Formula struct {
	Name string
	Args []string
	Fn   func(args []float64) float64
}

func CombineU32BE(hi, lo float64) float64 {
	return float64(uint32(mask(hi))<<16 | uint32(mask(lo)))
}

func CombineU32LE(lo, hi float64) float64 {
	return CombineU32BE(hi, lo)
}

func CombineSignedBE(hi, lo float64) float64 {
	return float64(int32(uint32(mask(hi))<<16 | uint32(mask(lo))))
}

func CombineSignedLE(lo, hi float64) float64 {
	return CombineSignedBE(hi, lo)
}

func Combine64(w3, w2, w1, w0 float64) float64 {
	return float64(uint64(mask(w3))<<48 | uint64(mask(w2))<<32 | uint64(mask(w1))<<16 | uint64(mask(w0)))
}

// ApplyDecimalPoint divides v by 10^dp.
func ApplyDecimalPoint(v, dp float64) float64 {
	return v / math.Pow10(int(dp))
}

var formulas = map[string]*Formula{
	"combine_32bit_be": {
		Args: []string{"hi", "lo"},
		Fn:   func(a []float64) float64 { return CombineU32BE(a[0], a[1]) },
	},
	"combine_32bit_le": {
		Args: []string{"lo", "hi"},
		Fn:   func(a []float64) float64 { return CombineU32LE(a[0], a[1]) },
	},
	"combine_32bit_signed_be": {
		Args: []string{"hi", "lo"},
		Fn:   func(a []float64) float64 { return CombineSignedBE(a[0], a[1]) },
	},
	"combine_32bit_signed_le": {
		Args: []string{"lo", "hi"},
		Fn:   func(a []float64) float64 { return CombineSignedLE(a[0], a[1]) },
	},
	"combine_64bit_4word": {
		Args: []string{"w3", "w2", "w1", "w0"},
		Fn:   func(a []float64) float64 { return Combine64(a[0], a[1], a[2], a[3]) },
	},
	"apply_decimal_point": {
		Args: []string{"value", "dp"},
		Fn:   func(a []float64) float64 { return ApplyDecimalPoint(a[0], a[1]) },
	},
	"combine_32bit_be_with_dp": {
		Args: []string{"hi", "lo", "dp"},
		Fn:   func(a []float64) float64 { return ApplyDecimalPoint(CombineU32BE(a[0], a[1]), a[2]) },
	},
	"combine_64bit_4word_with_dp": {
		Args: []string{"w3", "w2", "w1", "w0", "dp"},
		Fn: func(a []float64) float64 {
			return ApplyDecimalPoint(Combine64(a[0], a[1], a[2], a[3]), a[4])
		},
	},
}

func init() {
	for name, f := range formulas {
		f.Name = name
	}
}

func LookupFormula(name string) (*Formula, bool) {
	f, ok := formulas[name]
	return f, ok
}

func FormulaNames() []string {
	names := make([]string, 0, len(formulas))
	for name := range formulas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind orders inputs and params into the argument list of f.
func (f *Formula) Bind(inputs []float64, params map[string]float64) ([]float64, error) {
	if len(inputs) > len(f.Args) {
		return nil, fmt.Errorf("formula %s takes %d arguments, got %d inputs", f.Name, len(f.Args), len(inputs))
	}
	args := make([]float64, len(f.Args))
	copy(args, inputs)
	for i := len(inputs); i < len(f.Args); i++ {
		v, ok := params[f.Args[i]]
		if !ok {
			return nil, fmt.Errorf("formula %s missing argument %q", f.Name, f.Args[i])
		}
		args[i] = v
	}
	return args, nil
}

// Apply evaluates f. Any missing input makes the result missing.
func (f *Formula) Apply(inputs []Reading, params map[string]float64) Reading {
	values := make([]float64, 0, len(inputs))
	for _, in := range inputs {
		v, ok := in.Float64()
		if !ok {
			return Missing
		}
		values = append(values, v)
	}
	args, err := f.Bind(values, params)
	if err != nil {
		return Missing
	}
	return Value(f.Fn(args))
}

func mask(v float64) uint16 {
	return uint16(int64(v) & 0xFFFF)
}
