package constant

import (
	"encoding/json"
	"fmt"
)

type PolicyType int8

const (
	DiscreteSetpoint PolicyType = iota
	AbsoluteLinear
	IncrementalLinear
	PolicyTypeUnknown PolicyType = -1
)

var PolicyTypeToString = map[PolicyType]string{
	DiscreteSetpoint:  "discrete_setpoint",
	AbsoluteLinear:    "absolute_linear",
	IncrementalLinear: "incremental_linear",
	PolicyTypeUnknown: "unknown",
}

var StringToPolicyType = map[string]PolicyType{
	"discrete_setpoint":  DiscreteSetpoint,
	"absolute_linear":    AbsoluteLinear,
	"incremental_linear": IncrementalLinear,
}

func (pt PolicyType) String() string {
	if s, ok := PolicyTypeToString[pt]; ok {
		return s
	}
	return fmt.Sprintf("policyType(%d)", int8(pt))
}

func (pt PolicyType) MarshalJSON() ([]byte, error) {
	if s, ok := PolicyTypeToString[pt]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown policy type %d", pt)
}

func (pt *PolicyType) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}

	v, ok := StringToPolicyType[s]
	if !ok {
		v = PolicyTypeUnknown
	}
	*pt = v
	return nil
}

type ActionType int8

const (
	SetFrequency ActionType = iota
	AdjustFrequency
	WriteDO
	Reset
	TurnOn
	TurnOff
	ActionTypeUnknown ActionType = -1
)

var ActionTypeToString = map[ActionType]string{
	SetFrequency:      "set_frequency",
	AdjustFrequency:   "adjust_frequency",
	WriteDO:           "write_do",
	Reset:             "reset",
	TurnOn:            "turn_on",
	TurnOff:           "turn_off",
	ActionTypeUnknown: "unknown",
}

var StringToActionType = map[string]ActionType{
	"set_frequency":    SetFrequency,
	"adjust_frequency": AdjustFrequency,
	"write_do":         WriteDO,
	"reset":            Reset,
	"turn_on":          TurnOn,
	"turn_off":         TurnOff,
}

// DefaultTargetByAction is the register an action writes when it names none.
var DefaultTargetByAction = map[ActionType]string{
	SetFrequency:    RegHz,
	AdjustFrequency: RegHz,
	WriteDO:         RegDO,
	Reset:           RegReset,
}

func (at ActionType) IsOnOff() bool {
	return at == TurnOn || at == TurnOff
}

func (at ActionType) String() string {
	if s, ok := ActionTypeToString[at]; ok {
		return s
	}
	return fmt.Sprintf("actionType(%d)", int8(at))
}

func (at ActionType) MarshalJSON() ([]byte, error) {
	if s, ok := ActionTypeToString[at]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown action type %d", at)
}

func (at *ActionType) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}

	v, ok := StringToActionType[s]
	if !ok {
		v = ActionTypeUnknown
	}
	*at = v
	return nil
}
