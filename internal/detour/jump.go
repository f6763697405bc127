package detour

import (
	"encoding/binary"
	"math"
	"unsafe"
)

const (
	// nearJumpLen is the encoded size of `jmp rel32`.
	nearJumpLen = 5

	// absJumpLen is the encoded size of `movabs r11, imm64; jmp r11`,
	// used on 64-bit targets when the displacement exceeds rel32 range.
	absJumpLen = 13
)

var ptrSize = int(unsafe.Sizeof(uintptr(0)))

// nearDisplacement computes the rel32 operand for a near jump placed at
// `from`, reporting whether the displacement fits.
func nearDisplacement(from, to uint64) (int32, bool) {
	disp := int64(to) - int64(from) - nearJumpLen
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return 0, false
	}

	return int32(disp), true
}

// encodeNearJump encodes `jmp rel32`.
func encodeNearJump(rel int32) []byte {
	buf := make([]byte, nearJumpLen)
	buf[0] = 0xE9
	binary.LittleEndian.PutUint32(buf[1:], uint32(rel))

	return buf
}

// encodeAbsJump encodes `movabs r11, to; jmp r11`. R11 is caller-saved
// and never carries arguments in either the C or the Go calling
// convention, so clobbering it at a function entry is safe.
func encodeAbsJump(to uint64) []byte {
	buf := make([]byte, absJumpLen)
	buf[0], buf[1] = 0x49, 0xBB // movabs r11, imm64
	binary.LittleEndian.PutUint64(buf[2:], to)
	buf[10], buf[11], buf[12] = 0x41, 0xFF, 0xE3 // jmp r11

	return buf
}

// jumpTo encodes an unconditional jump from `from` to `to` using the
// shortest form the displacement allows. On 32-bit targets the rel32
// arithmetic wraps around the address space, so the near form always
// reaches.
func jumpTo(from, to uintptr) []byte {
	if ptrSize == 4 {
		rel := uint32(to) - uint32(from) - nearJumpLen
		return encodeNearJump(int32(rel))
	}

	if rel, ok := nearDisplacement(uint64(from), uint64(to)); ok {
		return encodeNearJump(rel)
	}

	return encodeAbsJump(uint64(to))
}
