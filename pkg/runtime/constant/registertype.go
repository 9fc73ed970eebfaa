package constant

import (
	"encoding/json"
	"fmt"
)

type RegisterType int8

const (
	Holding RegisterType = iota
	Input
	Coil
	DiscreteInput
)

var RegisterTypeToString = map[RegisterType]string{
	Holding:       "holding",
	Input:         "input",
	Coil:          "coil",
	DiscreteInput: "discrete_input",
}

var StringToRegisterType = map[string]RegisterType{
	"holding":        Holding,
	"input":          Input,
	"coil":           Coil,
	"discrete_input": DiscreteInput,
}

// IsBit reports whether the register space is addressed in single bits.
func (rt RegisterType) IsBit() bool {
	return rt == Coil || rt == DiscreteInput
}

func (rt RegisterType) Writable() bool {
	return rt == Holding || rt == Coil
}

func (rt RegisterType) String() string {
	if s, ok := RegisterTypeToString[rt]; ok {
		return s
	}
	return fmt.Sprintf("registerType(%d)", int8(rt))
}

func (rt RegisterType) MarshalJSON() ([]byte, error) {
	if s, ok := RegisterTypeToString[rt]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown register type %d", rt)
}

func (rt *RegisterType) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}

	v, ok := StringToRegisterType[s]
	if !ok {
		return fmt.Errorf("unknown register type %s", s)
	}
	*rt = v
	return nil
}
