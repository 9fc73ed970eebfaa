// Package bustest provides an in-memory bus.Transport for tests.
package bustest

import (
	"context"
	"errors"
	"sync"

	"talosgateway/pkg/bus"
	"talosgateway/pkg/runtime/constant"
)

var _ bus.Transport = (*Transport)(nil)

var ErrInjected = errors.New("injected transport failure")

type key struct {
	slave        uint8
	registerType constant.RegisterType
	offset       uint16
}

// Write records one write transaction.
type Write struct {
	Slave  uint8
	Offset uint16
	Values []uint16
	Coil   bool
}

// Transport keeps registers and bits in maps. Unset registers read as 0.
type Transport struct {
	mux       sync.Mutex
	words     map[key]uint16
	bits      map[key]bool
	Writes    []Write
	Reads     int
	Fail      bool
	FailSlave map[uint8]bool
	Closed    bool

	// InFlight counts concurrent calls, MaxInFlight records the peak.
	inFlight    int
	MaxInFlight int
}

func New() *Transport {
	return &Transport{
		words:     make(map[key]uint16),
		bits:      make(map[key]bool),
		FailSlave: make(map[uint8]bool),
	}
}

func (t *Transport) SetWord(slave uint8, registerType constant.RegisterType, offset uint16, value uint16) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.words[key{slave, registerType, offset}] = value
}

func (t *Transport) SetWords(slave uint8, registerType constant.RegisterType, offset uint16, values ...uint16) {
	for i, v := range values {
		t.SetWord(slave, registerType, offset+uint16(i), v)
	}
}

func (t *Transport) Word(slave uint8, registerType constant.RegisterType, offset uint16) uint16 {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.words[key{slave, registerType, offset}]
}

func (t *Transport) SetBit(slave uint8, registerType constant.RegisterType, offset uint16, on bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.bits[key{slave, registerType, offset}] = on
}

func (t *Transport) Bit(slave uint8, registerType constant.RegisterType, offset uint16) bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.bits[key{slave, registerType, offset}]
}

func (t *Transport) WriteCount() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.Writes)
}

func (t *Transport) enter(slave uint8) error {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.inFlight++
	if t.inFlight > t.MaxInFlight {
		t.MaxInFlight = t.inFlight
	}
	if t.Fail || t.FailSlave[slave] {
		return ErrInjected
	}
	return nil
}

func (t *Transport) leave() {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.inFlight--
}

func (t *Transport) ReadRegisters(_ context.Context, slave uint8, registerType constant.RegisterType, offset uint16, count uint16) ([]uint16, error) {
	defer t.leave()
	if err := t.enter(slave); err != nil {
		return nil, err
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	t.Reads++
	words := make([]uint16, count)
	for i := range words {
		words[i] = t.words[key{slave, registerType, offset + uint16(i)}]
	}
	return words, nil
}

func (t *Transport) ReadBits(_ context.Context, slave uint8, registerType constant.RegisterType, offset uint16, count uint16) ([]bool, error) {
	defer t.leave()
	if err := t.enter(slave); err != nil {
		return nil, err
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	t.Reads++
	bits := make([]bool, count)
	for i := range bits {
		bits[i] = t.bits[key{slave, registerType, offset + uint16(i)}]
	}
	return bits, nil
}

func (t *Transport) WriteRegister(ctx context.Context, slave uint8, offset uint16, value uint16) error {
	return t.WriteRegisters(ctx, slave, offset, []uint16{value})
}

func (t *Transport) WriteRegisters(_ context.Context, slave uint8, offset uint16, values []uint16) error {
	defer t.leave()
	if err := t.enter(slave); err != nil {
		return err
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	for i, v := range values {
		t.words[key{slave, constant.Holding, offset + uint16(i)}] = v
	}
	t.Writes = append(t.Writes, Write{Slave: slave, Offset: offset, Values: append([]uint16(nil), values...)})
	return nil
}

func (t *Transport) WriteCoil(_ context.Context, slave uint8, offset uint16, on bool) error {
	defer t.leave()
	if err := t.enter(slave); err != nil {
		return err
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	t.bits[key{slave, constant.Coil, offset}] = on
	t.Writes = append(t.Writes, Write{Slave: slave, Offset: offset, Coil: on})
	return nil
}

func (t *Transport) Close() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.Closed = true
	return nil
}
