package constant

import (
	"encoding/json"
	"fmt"
)

type Transport int8

const (
	TransportRtu Transport = iota
	TransportTcp
	TransportRtuOverTcp
)

var TransportToString = map[Transport]string{
	TransportRtu:        "rtu",
	TransportTcp:        "tcp",
	TransportRtuOverTcp: "rtu_over_tcp",
}

var StringToTransport = map[string]Transport{
	"rtu":          TransportRtu,
	"tcp":          TransportTcp,
	"rtu_over_tcp": TransportRtuOverTcp,
}

func (t Transport) String() string {
	return TransportToString[t]
}

func (t Transport) MarshalJSON() ([]byte, error) {
	if s, ok := TransportToString[t]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown transport %d", t)
}

func (t *Transport) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}
	v, ok := StringToTransport[s]
	if !ok {
		return fmt.Errorf("unknown transport %s", s)
	}
	*t = v
	return nil
}

type StopBits int

const (
	// OneStopBit sets 1 stop bit (default)
	OneStopBit StopBits = iota
	// OnePointFiveStopBits sets 1.5 stop bits
	OnePointFiveStopBits
	// TwoStopBits sets 2 stop bits
	TwoStopBits
)

var StopBitsToString = map[StopBits]string{
	OneStopBit:           "1",
	OnePointFiveStopBits: "1.5",
	TwoStopBits:          "2",
}

var StringToStopBits = map[string]StopBits{
	"1":   OneStopBit,
	"1.5": OnePointFiveStopBits,
	"2":   TwoStopBits,
}

func (sb StopBits) MarshalJSON() ([]byte, error) {
	if s, ok := StopBitsToString[sb]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown stop bits %d", sb)
}

// UnmarshalJSON accepts both "1" and 1.
func (sb *StopBits) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(bytes, &n); err != nil {
			return err
		}
		s = n.String()
	}
	v, ok := StringToStopBits[s]
	if !ok {
		return fmt.Errorf("unknown stop bits %s", s)
	}
	*sb = v
	return nil
}

type Parity int

const (
	// NoParity disable parity control (default)
	NoParity Parity = iota
	// OddParity enable odd-parity check
	OddParity
	// EvenParity enable even-parity check
	EvenParity
	// MarkParity enable mark-parity (always 1) check
	MarkParity
	// SpaceParity enable space-parity (always 0) check
	SpaceParity
)

var ParityToString = map[Parity]string{
	NoParity:    "N",
	OddParity:   "O",
	EvenParity:  "E",
	MarkParity:  "M",
	SpaceParity: "S",
}

var StringToParity = map[string]Parity{
	"N":           NoParity,
	"O":           OddParity,
	"E":           EvenParity,
	"M":           MarkParity,
	"S":           SpaceParity,
	"noParity":    NoParity,
	"oddParity":   OddParity,
	"evenParity":  EvenParity,
	"markParity":  MarkParity,
	"spaceParity": SpaceParity,
}

func (p Parity) MarshalJSON() ([]byte, error) {
	if s, ok := ParityToString[p]; ok {
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("unknown parity %d", p)
}

func (p *Parity) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}
	v, ok := StringToParity[s]
	if !ok {
		return fmt.Errorf("unknown parity %s", s)
	}
	*p = v
	return nil
}
