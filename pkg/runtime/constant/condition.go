package constant

import (
	"encoding/json"
	"fmt"
)

type ConditionType int8

const (
	Threshold ConditionType = iota
	Difference
	// ConditionTypeUnknown is decoded from an unrecognised name and rejected by rule validation.
	ConditionTypeUnknown ConditionType = -1
)

var ConditionTypeToString = map[ConditionType]string{
	Threshold:            "threshold",
	Difference:           "difference",
	ConditionTypeUnknown: "unknown",
}

var StringToConditionType = map[string]ConditionType{
	"threshold":  Threshold,
	"difference": Difference,
}

// SourceCount is the number of snapshot pins a condition of this type reads.
func (ct ConditionType) SourceCount() int {
	if ct == Difference {
		return 2
	}
	return 1
}

func (ct ConditionType) String() string {
	if s, ok := ConditionTypeToString[ct]; ok {
		return s
	}
	return fmt.Sprintf("conditionType(%d)", int8(ct))
}

func (ct ConditionType) MarshalJSON() ([]byte, error) {
	if s, ok := ConditionTypeToString[ct]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown condition type %d", ct)
}

func (ct *ConditionType) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}

	v, ok := StringToConditionType[s]
	if !ok {
		v = ConditionTypeUnknown
	}
	*ct = v
	return nil
}

type Operator int8

const (
	GreaterThan Operator = iota
	LessThan
	GreaterThanOrEqual
	LessThanOrEqual
	Equal
	NotEqual
	Between
	OperatorUnknown Operator = -1
)

var OperatorToString = map[Operator]string{
	GreaterThan:        "gt",
	LessThan:           "lt",
	GreaterThanOrEqual: "gte",
	LessThanOrEqual:    "lte",
	Equal:              "eq",
	NotEqual:           "neq",
	Between:            "between",
	OperatorUnknown:    "unknown",
}

var StringToOperator = map[string]Operator{
	"gt":      GreaterThan,
	"lt":      LessThan,
	"gte":     GreaterThanOrEqual,
	"lte":     LessThanOrEqual,
	"eq":      Equal,
	"neq":     NotEqual,
	"between": Between,
}

func (op Operator) String() string {
	if s, ok := OperatorToString[op]; ok {
		return s
	}
	return fmt.Sprintf("operator(%d)", int8(op))
}

func (op Operator) MarshalJSON() ([]byte, error) {
	if s, ok := OperatorToString[op]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown operator %d", op)
}

func (op *Operator) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}

	v, ok := StringToOperator[s]
	if !ok {
		v = OperatorUnknown
	}
	*op = v
	return nil
}
