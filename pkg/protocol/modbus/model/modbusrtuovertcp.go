package model

import (
	modbus "talosgateway/pkg/protocol/modbus/runtime"
)

// ModbusRtuOverTcp rtu 报文经串口服务器透传
type ModbusRtuOverTcp struct {
}

func (m *ModbusRtuOverTcp) NewMessenger(address *modbus.Address) (modbus.Messenger, error) {
	tunnel, err := dialTcp(address)
	if err != nil {
		return nil, err
	}
	return &modbus.TcpClient{
		Tunnel:  tunnel,
		Timeout: address.Option.Timeout,
	}, nil
}

func (m *ModbusRtuOverTcp) GenerateMessage(slave uint8, pdu []byte, responsePduLength int) *modbus.ModBusDataFrame {
	return generateRtuMessage(slave, pdu, responsePduLength)
}
