package model

import (
	"go.bug.st/serial"
	"k8s.io/klog/v2"
	modbus "talosgateway/pkg/protocol/modbus/runtime"
	"talosgateway/pkg/utils/crcutil"
)

// RtuNonDataLength 地址(1) + 16位校验(2)
const RtuNonDataLength = 3

type ModbusRtu struct {
}

func (m *ModbusRtu) NewMessenger(address *modbus.Address) (modbus.Messenger, error) {
	mode := &serial.Mode{
		BaudRate: address.Option.BaudRate,
		Parity:   modbus.ParityToParity[address.Option.Parity],
		DataBits: address.Option.DataBits,
		StopBits: modbus.StopBitsToStopBits[address.Option.StopBits],
	}
	port, err := serial.Open(address.Location, mode)
	if err != nil {
		klog.V(2).InfoS("Failed to connect serial port", "address", address.Location, "error", err)
		return nil, err
	}
	return &modbus.SerialClient{
		Timeout: address.Option.Timeout,
		Port:    port,
	}, nil
}

func (m *ModbusRtu) GenerateMessage(slave uint8, pdu []byte, responsePduLength int) *modbus.ModBusDataFrame {
	return generateRtuMessage(slave, pdu, responsePduLength)
}

func generateRtuMessage(slave uint8, pdu []byte, responsePduLength int) *modbus.ModBusDataFrame {
	// 01 03 00 00 00 0A C5 CD
	// 01  设备地址
	// 03  功能码
	// 00 00  起始地址
	// 00 0A  寄存器数量(word数量)/线圈数量
	// C5 CD  crc16检验码
	message := make([]byte, 1, len(pdu)+RtuNonDataLength)
	message[0] = slave
	message = append(message, pdu...)
	message = crcutil.AppendCrc16(message)

	return &modbus.ModBusDataFrame{
		Slave:             slave,
		FunctionCode:      modbus.FunctionCode(pdu[0]),
		NeedCheckCrc16Sum: true,
		DataFrame:         message,
		ResponseDataFrame: make([]byte, RtuNonDataLength+responsePduLength),
		MinResponseLength: RtuNonDataLength + 2,
	}
}
