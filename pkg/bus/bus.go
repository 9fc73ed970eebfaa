package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
	"talosgateway/pkg/metrics"
	"talosgateway/pkg/runtime/constant"
)

var (
	ErrTransport           = errors.New("register transport failure")
	ErrUnsupportedRegister = errors.New("register type not supported by operation")
	ErrPortClosed          = errors.New("port closed")
)

// Transport moves words between the gateway and one physical bus. Implementations need
// not be safe for concurrent use, Port serialises every call.
type Transport interface {
	ReadRegisters(ctx context.Context, slave uint8, registerType constant.RegisterType, offset uint16, count uint16) ([]uint16, error)
	ReadBits(ctx context.Context, slave uint8, registerType constant.RegisterType, offset uint16, count uint16) ([]bool, error)
	WriteRegister(ctx context.Context, slave uint8, offset uint16, value uint16) error
	WriteRegisters(ctx context.Context, slave uint8, offset uint16, values []uint16) error
	WriteCoil(ctx context.Context, slave uint8, offset uint16, on bool) error
	Close() error
}

// Port is one half-duplex physical bus. Its lock is only taken inside RegisterBus methods.
type Port struct {
	name      string
	transport Transport
	mux       sync.Mutex
	closed    bool

	busMux sync.Mutex
	buses  map[busKey]*RegisterBus
}

type busKey struct {
	slave        uint8
	registerType constant.RegisterType
}

func NewPort(name string, transport Transport) *Port {
	return &Port{
		name:      name,
		transport: transport,
		buses:     make(map[busKey]*RegisterBus),
	}
}

func (p *Port) Name() string {
	return p.name
}

// Bus returns the cached RegisterBus of (slave, registerType), creating it on first use.
func (p *Port) Bus(slave uint8, registerType constant.RegisterType) *RegisterBus {
	p.busMux.Lock()
	defer p.busMux.Unlock()
	key := busKey{slave: slave, registerType: registerType}
	if b, ok := p.buses[key]; ok {
		return b
	}
	b := &RegisterBus{port: p, slave: slave, registerType: registerType}
	p.buses[key] = b
	return b
}

func (p *Port) Close() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.transport.Close()
}

// do runs fn holding the port lock. Cancellation before acquisition is honoured, the lock is
// always released on return or panic.
func (p *Port) do(ctx context.Context, op string, fn func(t Transport) error) (err error) {
	if err = ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	p.mux.Lock()
	defer p.mux.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrTransport, r)
		}
		metrics.ObserveBusTransaction(p.name, op, err)
	}()

	if p.closed {
		return fmt.Errorf("%w: %v", ErrTransport, ErrPortClosed)
	}
	if err = ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err = fn(p.transport); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// RegisterBus addresses one register space of one slave on a Port.
type RegisterBus struct {
	port         *Port
	slave        uint8
	registerType constant.RegisterType
}

func (b *RegisterBus) Slave() uint8 {
	return b.slave
}

func (b *RegisterBus) RegisterType() constant.RegisterType {
	return b.registerType
}

// ReadWords reads count contiguous words. On failure it returns count 0xFFFF words and a
// wrapped ErrTransport, so callers that ignore the error still decode a sentinel.
func (b *RegisterBus) ReadWords(ctx context.Context, offset uint16, count uint16) ([]uint16, error) {
	if b.registerType.IsBit() {
		return invalidWords(count), fmt.Errorf("%w: %w", ErrTransport, ErrUnsupportedRegister)
	}
	var words []uint16
	err := b.port.do(ctx, "read_registers", func(t Transport) error {
		var err error
		words, err = t.ReadRegisters(ctx, b.slave, b.registerType, offset, count)
		if err == nil && len(words) < int(count) {
			err = fmt.Errorf("short read: %d of %d words", len(words), count)
		}
		return err
	})
	if err != nil {
		klog.V(4).InfoS("Failed to read registers", "port", b.port.name, "slave", b.slave, "registerType", b.registerType, "offset", offset, "count", count, "err", err)
		return invalidWords(count), err
	}
	return words[:count], nil
}

func (b *RegisterBus) ReadU16(ctx context.Context, offset uint16) (uint16, error) {
	words, err := b.ReadWords(ctx, offset, 1)
	return words[0], err
}

func (b *RegisterBus) WriteU16(ctx context.Context, offset uint16, value uint16) error {
	if b.registerType != constant.Holding {
		return fmt.Errorf("%w: %w", ErrTransport, ErrUnsupportedRegister)
	}
	err := b.port.do(ctx, "write_register", func(t Transport) error {
		return t.WriteRegister(ctx, b.slave, offset, value)
	})
	if err != nil {
		klog.V(2).InfoS("Failed to write register", "port", b.port.name, "slave", b.slave, "offset", offset, "value", value, "err", err)
	}
	return err
}

// WriteWords writes a multi-word value in one transaction, a single word goes out as FC06.
func (b *RegisterBus) WriteWords(ctx context.Context, offset uint16, values []uint16) error {
	if len(values) == 1 {
		return b.WriteU16(ctx, offset, values[0])
	}
	if b.registerType != constant.Holding {
		return fmt.Errorf("%w: %w", ErrTransport, ErrUnsupportedRegister)
	}
	err := b.port.do(ctx, "write_registers", func(t Transport) error {
		return t.WriteRegisters(ctx, b.slave, offset, values)
	})
	if err != nil {
		klog.V(2).InfoS("Failed to write registers", "port", b.port.name, "slave", b.slave, "offset", offset, "values", values, "err", err)
	}
	return err
}

// ReadBits reads count coils or discrete inputs, all false on failure.
func (b *RegisterBus) ReadBits(ctx context.Context, offset uint16, count uint16) ([]bool, error) {
	if !b.registerType.IsBit() {
		return make([]bool, count), fmt.Errorf("%w: %w", ErrTransport, ErrUnsupportedRegister)
	}
	var bits []bool
	err := b.port.do(ctx, "read_bits", func(t Transport) error {
		var err error
		bits, err = t.ReadBits(ctx, b.slave, b.registerType, offset, count)
		if err == nil && len(bits) < int(count) {
			err = fmt.Errorf("short read: %d of %d bits", len(bits), count)
		}
		return err
	})
	if err != nil {
		klog.V(4).InfoS("Failed to read bits", "port", b.port.name, "slave", b.slave, "registerType", b.registerType, "offset", offset, "err", err)
		return make([]bool, count), err
	}
	return bits[:count], nil
}

func (b *RegisterBus) WriteCoil(ctx context.Context, offset uint16, on bool) error {
	if b.registerType != constant.Coil {
		return fmt.Errorf("%w: %w", ErrTransport, ErrUnsupportedRegister)
	}
	err := b.port.do(ctx, "write_coil", func(t Transport) error {
		return t.WriteCoil(ctx, b.slave, offset, on)
	})
	if err != nil {
		klog.V(2).InfoS("Failed to write coil", "port", b.port.name, "slave", b.slave, "offset", offset, "on", on, "err", err)
	}
	return err
}

// ReadByType reads count values of the bus register space as words, bits widen to 0/1.
func (b *RegisterBus) ReadByType(ctx context.Context, offset uint16, count uint16) ([]uint16, error) {
	if !b.registerType.IsBit() {
		return b.ReadWords(ctx, offset, count)
	}
	bits, err := b.ReadBits(ctx, offset, count)
	if err != nil {
		return invalidWords(count), err
	}
	words := make([]uint16, len(bits))
	for i, bit := range bits {
		if bit {
			words[i] = 1
		}
	}
	return words, nil
}

// WriteByType writes value as a coil state or a holding register word.
func (b *RegisterBus) WriteByType(ctx context.Context, offset uint16, value uint16) error {
	if b.registerType == constant.Coil {
		return b.WriteCoil(ctx, offset, value != 0)
	}
	return b.WriteU16(ctx, offset, value)
}

func invalidWords(count uint16) []uint16 {
	words := make([]uint16, count)
	for i := range words {
		words[i] = constant.InvalidU16
	}
	return words
}
