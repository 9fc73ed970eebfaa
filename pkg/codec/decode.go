package codec

import (
	"errors"

	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/utils/binutil"
)

var ErrShortWords = errors.New("not enough words for format")

// InvalidPattern holds the configured sentinel words of one register.
type InvalidPattern struct {
	Raw   []uint16   `json:"invalid_raw,omitempty"`       // 单字无效值
	Words [][]uint16 `json:"invalid_raw_words,omitempty"` // 多字无效值, 长度需与读取字数一致
}

// Decode turns words into a number following the word order of format.
// An unknown format yields the first word verbatim, or 0 without words.
func Decode(format constant.Format, words []uint16) (float64, error) {
	if format == constant.FormatUnknown {
		if len(words) == 0 {
			return 0, nil
		}
		return float64(words[0]), nil
	}
	if len(words) < int(format.Words()) {
		return 0, ErrShortWords
	}

	switch format {
	case constant.FormatU16:
		return float64(words[0]), nil
	case constant.FormatI16:
		return float64(int16(words[0])), nil
	case constant.FormatU32LE:
		return float64(binutil.JoinUint32(words[1], words[0])), nil
	case constant.FormatU32BE:
		return float64(binutil.JoinUint32(words[0], words[1])), nil
	case constant.FormatF32LE:
		return float64(binutil.JoinFloat32(words[1], words[0])), nil
	case constant.FormatF32BE:
		return float64(binutil.JoinFloat32(words[0], words[1])), nil
	case constant.FormatF32BESwap:
		return Decode(constant.FormatF32BE, []uint16{words[1], words[0]})
	default:
		return float64(words[0]), nil
	}
}

// IsInvalid reports whether words carry a sentinel. No words at all is invalid.
func IsInvalid(words []uint16, pattern InvalidPattern) bool {
	if len(words) == 0 {
		return true
	}

	for _, p := range pattern.Words {
		if equalWords(p, words) {
			return true
		}
	}

	switch len(words) {
	case 1:
		if words[0] == constant.InvalidU16 {
			return true
		}
		for _, raw := range pattern.Raw {
			if raw == words[0] {
				return true
			}
		}
	case 2:
		return words[0] == constant.InvalidU16 && words[1] == constant.InvalidU16
	}
	return false
}

// DecodeReading decodes words into a Reading, mapping sentinels and short reads to Missing.
func DecodeReading(format constant.Format, words []uint16, pattern InvalidPattern) Reading {
	n := int(format.Words())
	if len(words) < n {
		return Missing
	}
	words = words[:n]
	if IsInvalid(words, pattern) {
		return Missing
	}
	v, err := Decode(format, words)
	if err != nil {
		return Missing
	}
	return Value(v)
}

// Compose48 joins three registers as hi<<32 | mid<<16 | lo.
func Compose48(hi, mid, lo uint16) uint64 {
	return uint64(hi)<<32 | uint64(mid)<<16 | uint64(lo)
}

func equalWords(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
