package codec

import (
	"errors"
	"math"

	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/utils/binutil"
)

var ErrInvalidValue = errors.New("value cannot be encoded")

// ExtractBit returns bit of v as 0 or 1.
func ExtractBit(v float64, bit uint8) float64 {
	return float64(int64(v) >> bit & 1)
}

// ApplyLinearFormula computes (v+n1)*n2+n3.
func ApplyLinearFormula(v float64, f [3]float64) float64 {
	return (v+f[0])*f[1] + f[2]
}

func ApplyScale(v, scale float64) float64 {
	return v * scale
}

// Round rounds v to precision decimal places.
func Round(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}

// SetBit sets or clears bit in word.
func SetBit(word uint16, bit uint8, on bool) uint16 {
	if on {
		return word | 1<<bit
	}
	return word &^ (1 << bit)
}

// EncodeForWrite converts a display value to raw words in the word order of format.
// Integer formats write round(value/scale); a zero scale counts as 1.
func EncodeForWrite(format constant.Format, value, scale float64) ([]uint16, error) {
	if scale == 0 {
		scale = 1
	}
	scaled := value / scale
	if math.IsNaN(scaled) || math.IsInf(scaled, 0) {
		return nil, ErrInvalidValue
	}

	switch format {
	case constant.FormatF32BE:
		hi, lo := binutil.SplitFloat32(float32(scaled))
		return []uint16{hi, lo}, nil
	case constant.FormatF32LE, constant.FormatF32BESwap:
		hi, lo := binutil.SplitFloat32(float32(scaled))
		return []uint16{lo, hi}, nil
	case constant.FormatU32BE:
		hi, lo := binutil.SplitUint32(uint32(clamp(math.RoundToEven(scaled), math.MinInt32, math.MaxUint32)))
		return []uint16{hi, lo}, nil
	case constant.FormatU32LE:
		hi, lo := binutil.SplitUint32(uint32(clamp(math.RoundToEven(scaled), math.MinInt32, math.MaxUint32)))
		return []uint16{lo, hi}, nil
	default:
		raw := int64(clamp(math.RoundToEven(scaled), math.MinInt16, math.MaxUint16))
		return []uint16{uint16(raw)}, nil
	}
}

func clamp(v, lo, hi float64) int64 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return int64(v)
}
