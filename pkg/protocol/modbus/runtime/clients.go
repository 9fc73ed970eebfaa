package runtime

import (
	"errors"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
	"k8s.io/klog/v2"
	"talosgateway/pkg/runtime/constant"
	"talosgateway/pkg/utils/binutil"
)

var _ Messenger = (*TcpClient)(nil)
var _ Messenger = (*SerialClient)(nil)

// Messenger 一问一答的报文通道
type Messenger interface {
	// AskAtLeast writes request and reads into response, failing when fewer than min bytes arrive.
	AskAtLeast(request []byte, response []byte, min int) (int, error)
	Close()
	Available() bool
	Reset(messenger Messenger)
}

type Address struct {
	Location string  `json:"location"`         // 地址路径 /dev/ttyUSB0 或 host
	Option   *Option `json:"option,omitempty"` // 地址其他参数
}

type Option struct {
	Port     int               `json:"port,omitempty"`     // 端口号
	BaudRate int               `json:"baudRate,omitempty"` // 波特率
	DataBits int               `json:"dataBits,omitempty"` // 数据位
	Parity   constant.Parity   `json:"parity,omitempty"`   // 校验位
	StopBits constant.StopBits `json:"stopBits,omitempty"` // 停止位
	Timeout  time.Duration     `json:"-"`                  // 读超时
}

type TcpClient struct {
	Timeout time.Duration
	Tunnel  net.Conn
	// Framed tcp 报文带 MBAP 头, 按头中的长度读取剩余字节
	Framed bool
}

func (tc *TcpClient) Reset(messenger Messenger) {
	ntc := (messenger).(*TcpClient)
	tc.Tunnel = ntc.Tunnel
}

func (tc *TcpClient) Available() bool {
	return tc.Tunnel != nil
}

func (tc *TcpClient) Close() {
	if tc.Tunnel != nil {
		_ = tc.Tunnel.Close()
	}
}

func (tc *TcpClient) AskAtLeast(request []byte, response []byte, min int) (int, error) {
	if tc.Tunnel == nil {
		return 0, ErrModbusBadConn
	}
	_, err := tc.Tunnel.Write(request)
	if err != nil {
		klog.V(2).InfoS("Failed to ask message", "error", err)
		return 0, ErrModbusBadConn
	}
	klog.V(5).InfoS("Succeed to write byte to tcp tunnel", "bytes", request)
	// 设置读超时
	deadLineTime := time.Now().Add(tc.Timeout)
	err = tc.Tunnel.SetReadDeadline(deadLineTime)
	if err != nil {
		klog.V(2).InfoS("Tcp connect timeout", "error", err)
		return 0, err
	}

	if !tc.Framed {
		return tc.readUntilTimeout(response, min)
	}

	n, err := io.ReadAtLeast(tc.Tunnel, response, min)
	if err != nil {
		klog.V(2).InfoS("Failed to read byte from tcp tunnel", "error", err)
		return n, ErrModbusBadConn
	}
	if n < 6 {
		return n, nil
	}

	total := 6 + int(binutil.ParseUint16(response[4:]))
	if total > len(response) {
		return n, ErrMessageDataLengthNotEnough
	}
	if n < total {
		if _, err = io.ReadFull(tc.Tunnel, response[n:total]); err != nil {
			klog.V(2).InfoS("Failed to read byte from tcp tunnel", "error", err)
			return n, ErrModbusBadConn
		}
	}
	return total, nil
}

// readUntilTimeout 透传报文没有长度头, 读满或超时为止
func (tc *TcpClient) readUntilTimeout(response []byte, min int) (int, error) {
	n := 0
	for n < len(response) {
		m, err := tc.Tunnel.Read(response[n:])
		n += m
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && n >= min {
				return n, nil
			}
			klog.V(2).InfoS("Failed to read byte from tcp tunnel", "error", err, "length", n)
			return n, ErrModbusBadConn
		}
	}
	return n, nil
}

type SerialClient struct {
	Timeout time.Duration
	Port    serial.Port
}

func (sc *SerialClient) Reset(messenger Messenger) {
	nsc := (messenger).(*SerialClient)
	sc.Port = nsc.Port
}

func (sc *SerialClient) Available() bool {
	return sc.Port != nil
}

func (sc *SerialClient) Close() {
	if sc.Port != nil {
		_ = sc.Port.Close()
	}
}

// AskAtLeast reads until response is full or the read timeout expires. A short answer is
// accepted when it holds at least min bytes, rtu exception frames are shorter than data frames.
func (sc *SerialClient) AskAtLeast(request []byte, response []byte, min int) (int, error) {
	if sc.Port == nil {
		return 0, ErrModbusBadConn
	}
	_ = sc.Port.ResetInputBuffer()
	rql, err := sc.Port.Write(request)
	if err != nil {
		klog.V(2).InfoS("Failed to write byte to series port", "error", err)
		return 0, ErrModbusBadConn
	}
	klog.V(5).InfoS("Succeed to write byte to series port", "bytes", request, "length", rql)
	// 设置读超时
	err = sc.Port.SetReadTimeout(sc.Timeout)
	if err != nil {
		klog.V(2).InfoS("Serial port connect timeout", "error", err)
		return 0, err
	}

	buf := make([]byte, 256)
	responseBytesLength := len(response)
	bytesLength := 0

	for bytesLength < responseBytesLength {
		n, err := sc.Port.Read(buf)
		if err != nil {
			klog.V(2).InfoS("Failed to read byte from series port", "error", err)
			return 0, ErrModbusBadConn
		}
		if n == 0 {
			break
		}
		if bytesLength+n > responseBytesLength {
			n = responseBytesLength - bytesLength
		}
		copy(response[bytesLength:], buf[:n])
		bytesLength += n
	}
	klog.V(5).InfoS("Succeed to read byte from series port", "bytes", response[:bytesLength])
	if bytesLength < min {
		klog.V(2).InfoS("Modbus rtu data length no enough", "bytesLength", bytesLength)
		return bytesLength, ErrMessageDataLengthNotEnough
	}

	return bytesLength, nil
}
