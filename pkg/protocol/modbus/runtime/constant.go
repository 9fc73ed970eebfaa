package runtime

import (
	"errors"
	"fmt"

	"go.bug.st/serial"
	"talosgateway/pkg/runtime/constant"
)

var ErrModbusBadConn = errors.New("modbus bad connection")
var ErrModbusServerBadResp = errors.New("modbus server bad response")
var ErrModbusClosed = errors.New("modbus messenger closed")
var ErrMessageTransaction = errors.New("modbus message transaction not match")
var ErrMessageSlave = errors.New("modbus message slave not match")
var ErrMessageDataLengthNotEnough = errors.New("modbus message data length not enough")
var ErrMessageFunctionCodeError = errors.New("modbus message function code error")
var ErrCRC16Error = errors.New("modbus rtu message crc16 error")
var ErrManyRetry = errors.New("modbus request retry more than three times")

type FunctionCode uint8

const (
	ReadCoilStatus        FunctionCode = 0x01
	ReadInputStatus       FunctionCode = 0x02
	ReadHoldRegister      FunctionCode = 0x03
	ReadInputRegister     FunctionCode = 0x04
	WriteSingleCoil       FunctionCode = 0x05
	WriteSingleRegister   FunctionCode = 0x06
	WriteMultipleRegister FunctionCode = 0x10
)

// functionCode03 modbus 一次最多读取125个寄存器
// functionCode01 modbus 一次最多读取2000个线圈
const (
	PerRequestMaxRegister = 125
	PerRequestMaxCoil     = 2000
	MaxRetry              = 3
)

var ReadFunctionCode = map[constant.RegisterType]FunctionCode{
	constant.Coil:          ReadCoilStatus,
	constant.DiscreteInput: ReadInputStatus,
	constant.Holding:       ReadHoldRegister,
	constant.Input:         ReadInputRegister,
}

// ExceptionError 异常响应, 功能码最高位置1
type ExceptionError struct {
	FunctionCode FunctionCode
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception %#02x on function %#02x", e.Code, uint8(e.FunctionCode))
}

func (e *ExceptionError) Unwrap() error {
	return ErrMessageFunctionCodeError
}

var StopBitsToStopBits = map[constant.StopBits]serial.StopBits{
	constant.OneStopBit:           serial.OneStopBit,
	constant.OnePointFiveStopBits: serial.OnePointFiveStopBits,
	constant.TwoStopBits:          serial.TwoStopBits,
}

var ParityToParity = map[constant.Parity]serial.Parity{
	constant.NoParity:    serial.NoParity,
	constant.OddParity:   serial.OddParity,
	constant.EvenParity:  serial.EvenParity,
	constant.MarkParity:  serial.MarkParity,
	constant.SpaceParity: serial.SpaceParity,
}
