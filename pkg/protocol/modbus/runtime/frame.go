package runtime

import (
	"k8s.io/klog/v2"
	"talosgateway/pkg/utils/binutil"
	"talosgateway/pkg/utils/crcutil"
)

/**
modbus 协议 ADU = 地址(1) + pdu(253) + 16位校验(2) = 256
modbus tcp报文
tcp报文头(6)  +  地址(1)   +   pdu(253) = 260
modbus rtu报文
地址(1) + pdu(253) + 16位校验(2) = 256
modbus rtu over tcp
地址(1) + pdu(253) + 16位校验(2) = 256, 透传
*/

// ModBusDataFrame 一次请求的报文及其期望响应
type ModBusDataFrame struct {
	Slave                uint8
	FunctionCode         FunctionCode
	TransactionId        uint16
	NeedCheckTransaction bool
	NeedCheckCrc16Sum    bool
	DataFrame            []byte
	ResponseDataFrame    []byte
	// MinResponseLength 异常响应的长度, 少于此长度视为报文不完整
	MinResponseLength int
}

func (df *ModBusDataFrame) WriteTransactionId(id uint16) {
	df.TransactionId = id
	binutil.WriteUint16(df.DataFrame, id)
}

// ValidateAndExtractMessage checks the first n response bytes and returns the pdu data after
// the function code: byte count + data for reads, the echoed address and value for writes.
func (df *ModBusDataFrame) ValidateAndExtractMessage(n int) ([]byte, error) {
	buf := df.ResponseDataFrame[:n]

	if df.NeedCheckTransaction {
		if len(buf) < 6 {
			return nil, ErrMessageDataLengthNotEnough
		}
		transactionId := binutil.ParseUint16(buf[:])
		if transactionId != df.TransactionId {
			klog.V(2).InfoS("Failed to match message transaction id", "request transactionId", df.TransactionId, "response transactionId", transactionId)
			return nil, ErrMessageTransaction
		}
		buf = buf[6:]
	}

	if df.NeedCheckCrc16Sum {
		if !crcutil.ValidCrc16(buf) {
			klog.V(2).InfoS("Failed to check CRC16", "frame", buf)
			return nil, ErrCRC16Error
		}
		buf = buf[:len(buf)-2]
	}

	if len(buf) < 3 {
		return nil, ErrMessageDataLengthNotEnough
	}
	slave := buf[0]
	if slave != df.Slave {
		klog.V(2).InfoS("Failed to match modbus slave", "request slave", df.Slave, "response slave", slave)
		return nil, ErrMessageSlave
	}
	functionCode := buf[1]
	if functionCode&0x80 > 0 {
		klog.V(2).InfoS("Failed to parse modbus message", "error code", buf[2], "functionCode", functionCode&0x7F)
		return nil, &ExceptionError{FunctionCode: FunctionCode(functionCode & 0x7F), Code: buf[2]}
	}
	if FunctionCode(functionCode) != df.FunctionCode {
		klog.V(2).InfoS("Failed to match modbus function code", "request", df.FunctionCode, "response", functionCode)
		return nil, ErrMessageFunctionCodeError
	}

	switch df.FunctionCode {
	case ReadCoilStatus, ReadInputStatus, ReadHoldRegister, ReadInputRegister:
		byteDataLength := int(buf[2])
		if byteDataLength+3 > len(buf) {
			klog.V(2).InfoS("Failed to get message enough length", "byteDataLength", byteDataLength, "length", len(buf))
			return nil, ErrMessageDataLengthNotEnough
		}
		return binutil.Dup(buf[3 : 3+byteDataLength]), nil
	default:
		if len(buf) < 6 {
			return nil, ErrMessageDataLengthNotEnough
		}
		return binutil.Dup(buf[2:6]), nil
	}
}
