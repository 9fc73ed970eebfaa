package crcutil

import (
	"github.com/sigurn/crc16"
	"talosgateway/pkg/utils/binutil"
)

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CheckCrc16sum modbus rtu 校验和
func CheckCrc16sum(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

// AppendCrc16 追加校验码, 低字节在前
func AppendCrc16(data []byte) []byte {
	sum := make([]byte, 2)
	binutil.WriteUint16LittleEndian(sum, CheckCrc16sum(data))
	return append(data, sum...)
}

// ValidCrc16 校验报文末尾两个字节
func ValidCrc16(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	return CheckCrc16sum(frame[:n]) == binutil.ParseUint16LittleEndian(frame[n:])
}
