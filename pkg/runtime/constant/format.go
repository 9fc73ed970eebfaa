package constant

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format is the on-wire layout of a register value. Word order refers to the sequence of
// 16-bit registers, not to the byte order inside one register.
type Format int8

const (
	FormatU16 Format = iota
	FormatI16
	FormatU32LE
	FormatU32BE
	FormatF32LE
	FormatF32BE
	FormatF32BESwap
	// FormatUnknown decodes as the first word verbatim.
	FormatUnknown
)

var FormatToString = map[Format]string{
	FormatU16:       "u16",
	FormatI16:       "i16",
	FormatU32LE:     "u32_le",
	FormatU32BE:     "u32_be",
	FormatF32LE:     "f32_le",
	FormatF32BE:     "f32_be",
	FormatF32BESwap: "f32_be_swap",
	FormatUnknown:   "unknown",
}

var StringToFormat = map[string]Format{
	"u16":         FormatU16,
	"i16":         FormatI16,
	"u32":         FormatU32LE,
	"u32_le":      FormatU32LE,
	"u32_be":      FormatU32BE,
	"f32":         FormatF32BE,
	"f32_le":      FormatF32LE,
	"f32_be":      FormatF32BE,
	"f32_be_swap": FormatF32BESwap,
}

var FormatWord = map[Format]uint16{
	FormatU16:       1,
	FormatI16:       1,
	FormatU32LE:     2,
	FormatU32BE:     2,
	FormatF32LE:     2,
	FormatF32BE:     2,
	FormatF32BESwap: 2,
	FormatUnknown:   1,
}

// ParseFormat never fails, an unrecognised name yields FormatUnknown.
func ParseFormat(s string) Format {
	if f, ok := StringToFormat[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f
	}
	return FormatUnknown
}

func (f Format) Words() uint16 {
	if w, ok := FormatWord[f]; ok {
		return w
	}
	return 1
}

func (f Format) String() string {
	if s, ok := FormatToString[f]; ok {
		return s
	}
	return fmt.Sprintf("format(%d)", int8(f))
}

func (f Format) MarshalJSON() ([]byte, error) {
	if s, ok := FormatToString[f]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown format %d", f)
}

func (f *Format) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}
	*f = ParseFormat(s)
	return nil
}
