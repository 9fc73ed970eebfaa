package binutil

import "math"

// ParseUint16 解析 大端
func ParseUint16(buf []byte) uint16 {
	return uint16(buf[0])<<8 | uint16(buf[1])
}

// ParseUint16LittleEndian 解析
func ParseUint16LittleEndian(buf []byte) uint16 {
	return uint16(buf[1])<<8 | uint16(buf[0])
}

// WriteUint16 编码
func WriteUint16(buf []byte, value uint16) {
	buf[0] = byte(value >> 8)
	buf[1] = byte(value)
}

// WriteUint16LittleEndian 编码
func WriteUint16LittleEndian(buf []byte, value uint16) {
	buf[1] = byte(value >> 8)
	buf[0] = byte(value)
}

// JoinUint32 高位字在前
func JoinUint32(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}

// SplitUint32 拆分为高低两个字
func SplitUint32(value uint32) (hi, lo uint16) {
	return uint16(value >> 16), uint16(value)
}

// SplitFloat32 IEEE-754 单精度拆分为高低两个字
func SplitFloat32(value float32) (hi, lo uint16) {
	return SplitUint32(math.Float32bits(value))
}

func JoinFloat32(hi, lo uint16) float32 {
	return math.Float32frombits(JoinUint32(hi, lo))
}

// BytesToWords 报文数据区转换为寄存器字, 奇数长度忽略最后一个字节
func BytesToWords(buf []byte) []uint16 {
	words := make([]uint16, len(buf)/2)
	for i := range words {
		words[i] = ParseUint16(buf[i*2:])
	}
	return words
}

// WordsToBytes 寄存器字编码为报文数据区
func WordsToBytes(words []uint16) []byte {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		WriteUint16(buf[i*2:], w)
	}
	return buf
}

// Dup 复制
func Dup(buf []byte) []byte {
	b := make([]byte, len(buf))
	copy(b, buf)
	return b
}

// ByteToBool 编码
func ByteToBool(buf []byte) []bool {
	r := make([]bool, len(buf))
	for i, v := range buf {
		if v > 0 {
			r[i] = true
		}
	}
	return r
}

// ShrinkBool 压缩布尔类型
func ShrinkBool(buf []byte) []byte {
	length := len(buf)
	// length = length % 8 == 0 ? length / 8 : length / 8 + 1;
	ln := length >> 3    // length/8
	if length&0x07 > 0 { // length%8
		ln++
	}

	b := make([]byte, ln)

	for i := 0; i < length; i++ {
		if buf[i] > 0 {
			// b[i/8] += 1 << (i % 8)
			b[i>>3] += 1 << (i & 0x07)
		}
	}

	return b
}

// ExpandBool 展开布尔类型
func ExpandBool(buf []byte, count int) []byte {
	if count > len(buf) {
		count = len(buf)
	}
	expandLength := count << 3
	b := make([]byte, expandLength)
	for i := 0; i < expandLength; i++ {
		if buf[i>>3]&(1<<(i&0x07)) > 0 {
			b[i] = 1
		}
	}
	return b
}
