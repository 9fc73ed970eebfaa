package model

import (
	modbus "talosgateway/pkg/protocol/modbus/runtime"
	"talosgateway/pkg/runtime/constant"
)

var _ ModbusModeler = (*ModbusTcp)(nil)
var _ ModbusModeler = (*ModbusRtu)(nil)
var _ ModbusModeler = (*ModbusRtuOverTcp)(nil)

var ModbusModelers = map[constant.Transport]ModbusModeler{
	constant.TransportTcp:        &ModbusTcp{},
	constant.TransportRtu:        &ModbusRtu{},
	constant.TransportRtuOverTcp: &ModbusRtuOverTcp{},
}

// ModbusModeler 不同传输方式的报文封装与连接建立
type ModbusModeler interface {
	// GenerateMessage wraps pdu into an adu for slave. responsePduLength is the pdu length of a
	// normal response, function code included.
	GenerateMessage(slave uint8, pdu []byte, responsePduLength int) *modbus.ModBusDataFrame
	NewMessenger(address *modbus.Address) (modbus.Messenger, error)
}
