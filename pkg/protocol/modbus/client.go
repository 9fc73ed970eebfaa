package modbus

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"
	"talosgateway/pkg/bus"
	"talosgateway/pkg/protocol/modbus/model"
	modbus "talosgateway/pkg/protocol/modbus/runtime"
	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/utils/binutil"
)

var _ bus.Transport = (*Client)(nil)

var ErrUnsupportedTransport = errors.New("unsupported modbus transport")
var ErrRequestTooLarge = errors.New("modbus request exceeds protocol limit")

type Option func(*Client)

// WithMessenger uses m instead of dialing on first request.
func WithMessenger(m modbus.Messenger) Option {
	return func(c *Client) {
		c.messenger = m
	}
}

// Client speaks modbus over one messenger. It is not safe for concurrent use, bus.Port
// serialises callers.
type Client struct {
	transport     constant.Transport
	modeler       model.ModbusModeler
	address       *modbus.Address
	messenger     modbus.Messenger
	transactionId uint16
}

// NewClient does not connect, the messenger is opened on the first request and reopened
// after a bad connection.
func NewClient(transport constant.Transport, address *modbus.Address, opts ...Option) (*Client, error) {
	modeler, ok := model.ModbusModelers[transport]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedTransport, transport)
	}
	c := &Client{
		transport: transport,
		modeler:   modeler,
		address:   address,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ReadRegisters(ctx context.Context, slave uint8, registerType constant.RegisterType, offset uint16, count uint16) ([]uint16, error) {
	if registerType.IsBit() {
		return nil, bus.ErrUnsupportedRegister
	}
	if count == 0 || count > modbus.PerRequestMaxRegister {
		return nil, ErrRequestTooLarge
	}
	pdu := make([]byte, 5)
	pdu[0] = byte(modbus.ReadFunctionCode[registerType])
	binutil.WriteUint16(pdu[1:], offset)
	binutil.WriteUint16(pdu[3:], count)

	data, err := c.ask(ctx, slave, pdu, 2+int(count)*2)
	if err != nil {
		return nil, err
	}
	if len(data) != int(count)*2 {
		return nil, modbus.ErrMessageDataLengthNotEnough
	}
	return binutil.BytesToWords(data), nil
}

func (c *Client) ReadBits(ctx context.Context, slave uint8, registerType constant.RegisterType, offset uint16, count uint16) ([]bool, error) {
	if !registerType.IsBit() {
		return nil, bus.ErrUnsupportedRegister
	}
	if count == 0 || count > modbus.PerRequestMaxCoil {
		return nil, ErrRequestTooLarge
	}
	pdu := make([]byte, 5)
	pdu[0] = byte(modbus.ReadFunctionCode[registerType])
	binutil.WriteUint16(pdu[1:], offset)
	binutil.WriteUint16(pdu[3:], count)

	byteCount := (int(count) + 7) / 8
	data, err := c.ask(ctx, slave, pdu, 2+byteCount)
	if err != nil {
		return nil, err
	}
	if len(data) < byteCount {
		return nil, modbus.ErrMessageDataLengthNotEnough
	}
	// 数组解压
	bits := binutil.ByteToBool(binutil.ExpandBool(data, byteCount))
	return bits[:count], nil
}

func (c *Client) WriteRegister(ctx context.Context, slave uint8, offset uint16, value uint16) error {
	pdu := make([]byte, 5)
	pdu[0] = byte(modbus.WriteSingleRegister)
	binutil.WriteUint16(pdu[1:], offset)
	binutil.WriteUint16(pdu[3:], value)
	_, err := c.ask(ctx, slave, pdu, 5)
	return err
}

func (c *Client) WriteRegisters(ctx context.Context, slave uint8, offset uint16, values []uint16) error {
	if len(values) == 0 || len(values) > 123 {
		return ErrRequestTooLarge
	}
	pdu := make([]byte, 6, 6+len(values)*2)
	pdu[0] = byte(modbus.WriteMultipleRegister)
	binutil.WriteUint16(pdu[1:], offset)
	binutil.WriteUint16(pdu[3:], uint16(len(values)))
	pdu[5] = byte(len(values) * 2)
	pdu = append(pdu, binutil.WordsToBytes(values)...)
	_, err := c.ask(ctx, slave, pdu, 5)
	return err
}

func (c *Client) WriteCoil(ctx context.Context, slave uint8, offset uint16, on bool) error {
	pdu := make([]byte, 5)
	pdu[0] = byte(modbus.WriteSingleCoil)
	binutil.WriteUint16(pdu[1:], offset)
	if on {
		binutil.WriteUint16(pdu[3:], 0xFF00)
	}
	_, err := c.ask(ctx, slave, pdu, 5)
	return err
}

func (c *Client) Close() error {
	if c.messenger != nil {
		c.messenger.Close()
		c.messenger = nil
	}
	return nil
}

func (c *Client) ask(ctx context.Context, slave uint8, pdu []byte, responsePduLength int) ([]byte, error) {
	dataFrame := c.modeler.GenerateMessage(slave, pdu, responsePduLength)
	var buf []byte
	err := c.retry(ctx, func(messenger modbus.Messenger) error {
		if dataFrame.NeedCheckTransaction {
			c.transactionId++
			dataFrame.WriteTransactionId(c.transactionId)
		}
		n, err := messenger.AskAtLeast(dataFrame.DataFrame, dataFrame.ResponseDataFrame, dataFrame.MinResponseLength)
		if err != nil {
			return err
		}
		buf, err = dataFrame.ValidateAndExtractMessage(n)
		return err
	})
	return buf, err
}

func (c *Client) retry(ctx context.Context, fun func(messenger modbus.Messenger) error) error {
	var lastErr error
	for i := 0; i < modbus.MaxRetry; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.messenger == nil || !c.messenger.Available() {
			m, err := c.modeler.NewMessenger(c.address)
			if err != nil {
				lastErr = err
				continue
			}
			c.messenger = m
		}

		err := fun(c.messenger)
		if err == nil {
			return nil
		}
		var exception *modbus.ExceptionError
		if errors.As(err, &exception) {
			return err
		}
		lastErr = err
		if errors.Is(err, modbus.ErrModbusBadConn) {
			c.messenger.Close()
			newMessenger, err := c.modeler.NewMessenger(c.address)
			if err != nil {
				c.messenger = nil
				lastErr = err
				continue
			}
			c.messenger.Reset(newMessenger)
		} else {
			klog.V(2).InfoS("Failed to ask modbus server", "error", err, "attempt", i+1, "location", c.address.Location)
		}
	}
	return fmt.Errorf("%w: %v", modbus.ErrManyRetry, lastErr)
}
