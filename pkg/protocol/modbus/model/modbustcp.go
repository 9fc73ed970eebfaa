package model

import (
	"fmt"
	"net"

	"k8s.io/klog/v2"
	modbus "talosgateway/pkg/protocol/modbus/runtime"
	"talosgateway/pkg/utils/binutil"
)

// TcpNonDataLength mbap头(6) + 地址(1)
const TcpNonDataLength = 7

type ModbusTcp struct {
}

func (m *ModbusTcp) NewMessenger(address *modbus.Address) (modbus.Messenger, error) {
	tunnel, err := dialTcp(address)
	if err != nil {
		return nil, err
	}
	return &modbus.TcpClient{
		Tunnel:  tunnel,
		Timeout: address.Option.Timeout,
		Framed:  true,
	}, nil
}

func (m *ModbusTcp) GenerateMessage(slave uint8, pdu []byte, responsePduLength int) *modbus.ModBusDataFrame {
	// 00 01 00 00 00 06 18 03 00 02 00 02
	// 00 01  此次通信事务处理标识符，一般每次通信之后将被要求加1以区别不同的通信数据报文
	// 00 00  表示协议标识符，00 00为modbus协议
	// 00 06  数据长度，用来指示接下来数据的长度，单位字节
	// 18  设备地址，用以标识连接在串行线或者网络上的远程服务端的地址。以上七个字节也被称为modbus报文头
	// 03  功能码，此时代码03为读取保持寄存器数据
	// 00 02  起始地址
	// 00 02  寄存器数量(word数量)/线圈数量
	message := make([]byte, TcpNonDataLength, TcpNonDataLength+len(pdu))
	binutil.WriteUint16(message[2:], 0)                  // 协议版本
	binutil.WriteUint16(message[4:], uint16(len(pdu)+1)) // 剩余长度
	message[6] = slave
	message = append(message, pdu...)

	return &modbus.ModBusDataFrame{
		Slave:                slave,
		FunctionCode:         modbus.FunctionCode(pdu[0]),
		NeedCheckTransaction: true,
		DataFrame:            message,
		ResponseDataFrame:    make([]byte, TcpNonDataLength+responsePduLength),
		MinResponseLength:    TcpNonDataLength + 2,
	}
}

func dialTcp(address *modbus.Address) (net.Conn, error) {
	addr := address.Location
	if address.Option.Port > 0 {
		addr = fmt.Sprintf("%s:%d", address.Location, address.Option.Port)
	}
	tunnel, err := net.DialTimeout("tcp", addr, address.Option.Timeout)
	if err != nil {
		klog.V(2).InfoS("Failed to connect modbus server", "address", addr, "error", err)
		return nil, err
	}
	return tunnel, nil
}
