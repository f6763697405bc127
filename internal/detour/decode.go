package detour

import "fmt"

// Decoder modes. The patch window is decoded in the bitness of the process
// the engine runs in.
const (
	mode32 = 32
	mode64 = 64
)

func nativeMode() int {
	if ptrSize == 4 {
		return mode32
	}
	return mode64
}

// instruction describes a single decoded instruction: its encoded length
// and whether it uses a program-counter-relative encoding. Relative
// instructions cannot be relocated into a trampoline verbatim.
type instruction struct {
	length   int
	relative bool
}

// decodeInstr decodes the first instruction in code. The decoder is a
// deliberate whitelist of the encodings that appear in real function
// prologues; anything outside it returns ErrUnsupportedPrologue so the
// caller falls back to a strategy that does not relocate instructions.
func decodeInstr(code []byte, mode int) (instruction, error) {
	i := 0
	var rex byte
	opsize := false

prefixes:
	for i < len(code) {
		switch b := code[i]; {
		case b == 0x66:
			opsize = true
			i++
		case b == 0x67:
			i++
		case b == 0x2E || b == 0x36 || b == 0x3E || b == 0x26 || b == 0x64 || b == 0x65:
			i++
		case b == 0xF0 || b == 0xF2 || b == 0xF3:
			i++
		case mode == mode64 && b >= 0x40 && b <= 0x4F:
			rex = b
			i++
		default:
			break prefixes
		}
	}

	if i >= len(code) {
		return instruction{}, fmt.Errorf("%w: truncated instruction", ErrUnsupportedPrologue)
	}

	immSize := 4
	if opsize {
		immSize = 2
	}

	op := code[i]
	i++

	switch {
	// Single-byte instructions without operands.
	case op >= 0x50 && op <= 0x5F, // push/pop r
		op == 0x90, // nop
		op == 0xC3, // ret
		op == 0xC9, // leave
		op == 0xCC, // int3
		op == 0x98, // cwde
		op == 0x99: // cdq
		return instruction{length: i}, nil

	// Immediate-only forms.
	case op == 0x6A, // push imm8
		op == 0x04, op == 0x0C, op == 0x14, op == 0x1C, // alu al, imm8
		op == 0x24, op == 0x2C, op == 0x34, op == 0x3C,
		op == 0xA8: // test al, imm8
		return instruction{length: i + 1}, nil

	case op == 0x68, // push imm
		op == 0x05, op == 0x0D, op == 0x15, op == 0x1D, // alu eax, imm
		op == 0x25, op == 0x2D, op == 0x35, op == 0x3D,
		op == 0xA9: // test eax, imm
		return instruction{length: i + immSize}, nil

	case op >= 0xB0 && op <= 0xB7: // mov r8, imm8
		return instruction{length: i + 1}, nil

	case op >= 0xB8 && op <= 0xBF: // mov r, imm
		if rex&0x08 != 0 {
			return instruction{length: i + 8}, nil // REX.W: imm64
		}
		return instruction{length: i + immSize}, nil

	// Relative control flow. Never relocatable.
	case op == 0xE8, op == 0xE9: // call/jmp rel32
		return instruction{length: i + 4, relative: true}, nil

	case op == 0xEB, // jmp rel8
		op >= 0x70 && op <= 0x7F, // jcc rel8
		op >= 0xE0 && op <= 0xE3: // loop/jcxz rel8
		return instruction{length: i + 1, relative: true}, nil

	// ModRM forms without an immediate.
	case op <= 0x3B && op&0x04 == 0, // alu r/m forms 00-03, 08-0B, ... 38-3B
		op == 0x63 && mode == mode64, // movsxd
		op == 0x84, op == 0x85, // test
		op == 0x86, op == 0x87, // xchg
		op >= 0x88 && op <= 0x8B, // mov
		op == 0x8D, // lea
		op == 0x8F, // pop r/m
		op >= 0xD0 && op <= 0xD3, // shift by 1/cl
		op == 0xFE, op == 0xFF: // inc/dec/call/jmp/push r/m
		return modrmInstr(code, i, mode, 0)

	// ModRM forms with an immediate.
	case op == 0x80, op == 0x83, // alu r/m, imm8
		op == 0xC0, op == 0xC1, // shift r/m, imm8
		op == 0xC6: // mov r/m8, imm8
		return modrmInstr(code, i, mode, 1)

	case op == 0x81, op == 0xC7: // alu/mov r/m, imm
		return modrmInstr(code, i, mode, immSize)

	case op == 0xF6: // test/not/neg r/m8
		return groupF6F7(code, i, mode, 1)

	case op == 0xF7: // test/not/neg r/m
		return groupF6F7(code, i, mode, immSize)

	case op == 0x0F:
		return decodeTwoByte(code, i, mode, immSize)
	}

	return instruction{}, fmt.Errorf("%w: opcode %#02x", ErrUnsupportedPrologue, op)
}

func decodeTwoByte(code []byte, i, mode, immSize int) (instruction, error) {
	if i >= len(code) {
		return instruction{}, fmt.Errorf("%w: truncated instruction", ErrUnsupportedPrologue)
	}

	op2 := code[i]
	i++

	switch {
	case op2 >= 0x80 && op2 <= 0x8F: // jcc rel32
		return instruction{length: i + 4, relative: true}, nil

	case op2 >= 0x90 && op2 <= 0x9F, // setcc
		op2 == 0x1E, // endbr (nop r/m with F3)
		op2 == 0x1F, // multi-byte nop
		op2 == 0xAF, // imul
		op2 == 0xB6, op2 == 0xB7, // movzx
		op2 == 0xBE, op2 == 0xBF, // movsx
		op2 >= 0x40 && op2 <= 0x4F: // cmovcc
		return modrmInstr(code, i, mode, 0)

	case op2 == 0x05, // syscall
		op2 == 0x31: // rdtsc
		return instruction{length: i}, nil

	case op2 == 0x0B: // ud2
		return instruction{length: i}, nil
	}

	return instruction{}, fmt.Errorf("%w: opcode 0f %#02x", ErrUnsupportedPrologue, op2)
}

func groupF6F7(code []byte, i, mode, immSize int) (instruction, error) {
	if i >= len(code) {
		return instruction{}, fmt.Errorf("%w: truncated instruction", ErrUnsupportedPrologue)
	}

	// Only /0 and /1 (test) carry an immediate.
	if reg := (code[i] >> 3) & 7; reg > 1 {
		immSize = 0
	}

	return modrmInstr(code, i, mode, immSize)
}

// modrmInstr finishes decoding an instruction at its ModRM byte, adding
// any SIB byte, displacement and trailing immediate. In 64-bit mode the
// mod=00 rm=101 encoding addresses memory relative to RIP and counts as
// relative.
func modrmInstr(code []byte, i, mode, immSize int) (instruction, error) {
	if i >= len(code) {
		return instruction{}, fmt.Errorf("%w: truncated instruction", ErrUnsupportedPrologue)
	}

	m := code[i]
	i++

	mod := m >> 6
	rm := m & 7
	relative := false

	if mod != 3 {
		if rm == 4 {
			if i >= len(code) {
				return instruction{}, fmt.Errorf("%w: truncated instruction", ErrUnsupportedPrologue)
			}
			sib := code[i]
			i++
			if mod == 0 && sib&7 == 5 {
				i += 4 // disp32 with no base
			}
		} else if mod == 0 && rm == 5 {
			i += 4
			if mode == mode64 {
				relative = true // RIP-relative addressing
			}
		}

		switch mod {
		case 1:
			i++
		case 2:
			i += 4
		}
	}

	i += immSize
	if i > len(code) {
		return instruction{}, fmt.Errorf("%w: truncated instruction", ErrUnsupportedPrologue)
	}

	return instruction{length: i, relative: relative}, nil
}

// prologueLength walks whole instructions from the start of code until at
// least need bytes are covered, returning the exact boundary. It fails if
// the window contains a relative instruction or anything the decoder does
// not recognize.
func prologueLength(code []byte, need, mode int) (int, error) {
	off := 0
	for off < need {
		instr, err := decodeInstr(code[off:], mode)
		if err != nil {
			return 0, err
		}

		if instr.relative {
			return 0, fmt.Errorf(
				"%w: relative instruction at entry+%d",
				ErrUnsupportedPrologue,
				off,
			)
		}

		off += instr.length
	}

	return off, nil
}
