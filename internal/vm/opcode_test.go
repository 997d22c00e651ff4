package vm

import (
	"errors"
	"testing"

	"github.com/retroenv/retrogolib/assert"
)

func newTestVM(program ...uint8) *VM {
	return New(program, DefaultFont)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		word uint16
		want Opcode
	}{
		{"jump", 0x1234, Opcode{Word: 0x1234, Leading: 0x1, X: 0x2, Y: 0x3, N: 0x4, KK: 0x34, NNN: 0x234}},
		{"draw", 0xD01F, Opcode{Word: 0xD01F, Leading: 0xD, X: 0x0, Y: 0x1, N: 0xF, KK: 0x1F, NNN: 0x01F}},
		{"all zero", 0x0000, Opcode{}},
		{"all ones", 0xFFFF, Opcode{Word: 0xFFFF, Leading: 0xF, X: 0xF, Y: 0xF, N: 0xF, KK: 0xFF, NNN: 0xFFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decode(tt.word))
		})
	}
}

func TestAddImmediateWrapsWithoutFlag(t *testing.T) {
	vm := newTestVM(0x71, 0xFF) // add v1, 0xFF
	vm.registers[0x1] = 0xFF
	vm.registers[0xF] = 1

	assert.NoError(t, vm.Step())

	assert.Equal(t, uint8(0xFE), vm.registers[0x1])
	assert.Equal(t, uint8(1), vm.registers[0xF], "VF must be untouched")
	assert.Equal(t, ProgramStart+2, vm.pc)
}

func TestAddWithCarry(t *testing.T) {
	tests := []struct {
		name   string
		x, y   uint8
		want   uint8
		wantVF uint8
	}{
		{"carry", 0xFF, 0x02, 0x01, 1},
		{"no carry", 0x01, 0x01, 0x02, 0},
		{"exactly 255", 0xFE, 0x01, 0xFF, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0x81, 0x24) // add v1, v2
			vm.registers[0x1] = tt.x
			vm.registers[0x2] = tt.y

			assert.NoError(t, vm.Step())

			assert.Equal(t, tt.want, vm.registers[0x1])
			assert.Equal(t, tt.wantVF, vm.registers[0xF])
		})
	}
}

func TestSubWithBorrow(t *testing.T) {
	tests := []struct {
		name   string
		x, y   uint8
		want   uint8
		wantVF uint8
	}{
		{"borrow", 0x05, 0x0A, 0xFB, 1},
		{"no borrow", 0x0A, 0x05, 0x05, 0},
		{"equal", 0x07, 0x07, 0x00, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0x81, 0x25) // sub v1, v2
			vm.registers[0x1] = tt.x
			vm.registers[0x2] = tt.y

			assert.NoError(t, vm.Step())

			assert.Equal(t, tt.want, vm.registers[0x1])
			assert.Equal(t, tt.wantVF, vm.registers[0xF])
		})
	}
}

func TestSubReversed(t *testing.T) {
	tests := []struct {
		name   string
		x, y   uint8
		want   uint8
		wantVF uint8
	}{
		{"borrow", 0x0A, 0x05, 0xFB, 1},
		{"no borrow", 0x05, 0x0A, 0x05, 0},
		{"equal", 0x07, 0x07, 0x00, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0x81, 0x27) // rsb v1, v2
			vm.registers[0x1] = tt.x
			vm.registers[0x2] = tt.y

			assert.NoError(t, vm.Step())

			assert.Equal(t, tt.want, vm.registers[0x1])
			assert.Equal(t, tt.wantVF, vm.registers[0xF])
		})
	}
}

func TestBitwiseOps(t *testing.T) {
	tests := []struct {
		name string
		n    uint8
		want uint8
	}{
		{"or", 0x1, 0xCC | 0xAA},
		{"and", 0x2, 0xCC & 0xAA},
		{"xor", 0x3, 0xCC ^ 0xAA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0x81, 0x20|tt.n)
			vm.registers[0x1] = 0xCC
			vm.registers[0x2] = 0xAA

			assert.NoError(t, vm.Step())

			assert.Equal(t, tt.want, vm.registers[0x1])
		})
	}
}

func TestMoveRegister(t *testing.T) {
	vm := newTestVM(0x81, 0x20) // mov v1, v2
	vm.registers[0x2] = 0x42

	assert.NoError(t, vm.Step())

	assert.Equal(t, uint8(0x42), vm.registers[0x1])
}

func TestShiftRight(t *testing.T) {
	tests := []struct {
		name   string
		x      uint8
		want   uint8
		wantVF uint8
	}{
		{"lsb set", 0x05, 0x02, 1},
		{"lsb clear", 0x04, 0x02, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0x81, 0x06) // shr v1
			vm.registers[0x1] = tt.x

			assert.NoError(t, vm.Step())

			assert.Equal(t, tt.want, vm.registers[0x1])
			assert.Equal(t, tt.wantVF, vm.registers[0xF])
		})
	}
}

func TestShiftLeft(t *testing.T) {
	tests := []struct {
		name   string
		x      uint8
		want   uint8
		wantVF uint8
	}{
		{"msb set", 0x81, 0x02, 1},
		{"msb clear", 0x41, 0x82, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0x81, 0x0E) // shl v1
			vm.registers[0x1] = tt.x

			assert.NoError(t, vm.Step())

			assert.Equal(t, tt.want, vm.registers[0x1])
			assert.Equal(t, tt.wantVF, vm.registers[0xF])
		})
	}
}

func TestSkipInstructions(t *testing.T) {
	tests := []struct {
		name     string
		program  []uint8
		v1, v2   uint8
		wantSkip bool
	}{
		{"skeq const taken", []uint8{0x31, 0x42}, 0x42, 0, true},
		{"skeq const not taken", []uint8{0x31, 0x42}, 0x41, 0, false},
		{"skne const taken", []uint8{0x41, 0x42}, 0x41, 0, true},
		{"skne const not taken", []uint8{0x41, 0x42}, 0x42, 0, false},
		{"skeq reg taken", []uint8{0x51, 0x20}, 0x42, 0x42, true},
		{"skeq reg not taken", []uint8{0x51, 0x20}, 0x42, 0x41, false},
		{"skne reg taken", []uint8{0x91, 0x20}, 0x42, 0x41, true},
		{"skne reg not taken", []uint8{0x91, 0x20}, 0x42, 0x42, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(tt.program...)
			vm.registers[0x1] = tt.v1
			vm.registers[0x2] = tt.v2

			assert.NoError(t, vm.Step())

			want := ProgramStart + 2
			if tt.wantSkip {
				want = ProgramStart + 4
			}
			assert.Equal(t, want, vm.pc)
		})
	}
}

func TestJump(t *testing.T) {
	vm := newTestVM(0x13, 0x45) // jmp 0x345

	assert.NoError(t, vm.Step())

	assert.Equal(t, uint16(0x345), vm.pc)
}

func TestJumpToSelfReportsLoop(t *testing.T) {
	vm := newTestVM(0x12, 0x00) // jmp 0x200
	vm.delayTimer = 2

	err := vm.Step()

	assert.True(t, errors.Is(err, ErrInfiniteLoop))
	assert.Equal(t, ProgramStart, vm.pc)
	assert.Equal(t, uint8(1), vm.delayTimer, "a spinning program still drains its timers")
}

func TestJumpIndexed(t *testing.T) {
	vm := newTestVM(0xB3, 0x00) // jmi 0x300
	vm.registers[0x0] = 0x21

	assert.NoError(t, vm.Step())

	assert.Equal(t, uint16(0x321), vm.pc)
}

func TestCallReturnRoundTrip(t *testing.T) {
	vm := newTestVM(
		0x22, 0x04, // 0x200: jsr 0x204
		0x00, 0x00, // 0x202: sys (never reached before the return)
		0x00, 0xEE, // 0x204: rts
	)

	assert.NoError(t, vm.Step())
	assert.Equal(t, uint16(0x204), vm.pc)
	assert.Equal(t, uint16(1), vm.sp)

	assert.NoError(t, vm.Step())
	assert.Equal(t, ProgramStart+2, vm.pc)
	assert.Equal(t, uint16(0), vm.sp)
}

func TestCallStackOverflow(t *testing.T) {
	vm := newTestVM(0x22, 0x00) // jsr 0x200
	vm.sp = StackSize

	err := vm.Step()

	assert.True(t, errors.Is(err, ErrStackOverflow))
}

func TestReturnStackUnderflow(t *testing.T) {
	vm := newTestVM(0x00, 0xEE) // rts

	err := vm.Step()

	assert.True(t, errors.Is(err, ErrStackUnderflow))
}

func TestMachineCodeJumpIsNoop(t *testing.T) {
	vm := newTestVM(0x01, 0x23) // sys 0x123

	assert.NoError(t, vm.Step())

	assert.Equal(t, ProgramStart+2, vm.pc)
}

func TestUnknownOpcode(t *testing.T) {
	tests := []struct {
		name    string
		program []uint8
	}{
		{"family 8", []uint8{0x81, 0x28}},
		{"family e", []uint8{0xE1, 0x00}},
		{"family f", []uint8{0xF1, 0x99}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(tt.program...)

			err := vm.Step()

			assert.True(t, errors.Is(err, ErrUnknownOpcode))
		})
	}
}

func TestClearScreen(t *testing.T) {
	vm := newTestVM(0x00, 0xE0) // cls
	vm.screen.blit(3, 5)
	vm.AckRedraw()

	assert.NoError(t, vm.Step())

	for i, pixel := range vm.Display() {
		if pixel != 0 {
			t.Fatalf("pixel %d still lit after cls", i)
		}
	}
	assert.True(t, vm.NeedsRedraw())
}

func TestSetIndex(t *testing.T) {
	vm := newTestVM(0xA1, 0x23) // mvi 0x123

	assert.NoError(t, vm.Step())

	assert.Equal(t, uint16(0x123), vm.index)
}

func TestAddToIndex(t *testing.T) {
	tests := []struct {
		name   string
		index  uint16
		x      uint8
		want   uint16
		wantVF uint8
	}{
		{"in range", 0x0010, 0x02, 0x0012, 0},
		{"past program memory", 0x0F00, 0x01, 0x0F01, 1},
		{"exactly at limit", 0x0EFF, 0x01, 0x0F00, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0xF1, 0x1E) // adi v1
			vm.index = tt.index
			vm.registers[0x1] = tt.x

			assert.NoError(t, vm.Step())

			assert.Equal(t, tt.want, vm.index)
			assert.Equal(t, tt.wantVF, vm.registers[0xF])
		})
	}
}

func TestRandomMasked(t *testing.T) {
	vm := newTestVM(0xC1, 0x00) // rand v1, 0x00
	vm.registers[0x1] = 0x42

	assert.NoError(t, vm.Step())

	// A zero mask forces a zero result regardless of the random source.
	assert.Equal(t, uint8(0), vm.registers[0x1])
}

func TestFontIndex(t *testing.T) {
	vm := newTestVM(0xF1, 0x29) // font v1
	vm.registers[0x1] = 0xA

	assert.NoError(t, vm.Step())

	assert.Equal(t, uint16(50), vm.index)
}

func TestBCDStore(t *testing.T) {
	tests := []struct {
		name  string
		value uint8
		want  [3]uint8
	}{
		{"three digits", 156, [3]uint8{1, 5, 6}},
		{"two digits", 42, [3]uint8{0, 4, 2}},
		{"zero", 0, [3]uint8{0, 0, 0}},
		{"max", 255, [3]uint8{2, 5, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0xF1, 0x33) // bcd v1
			vm.registers[0x1] = tt.value
			vm.index = 0x300

			assert.NoError(t, vm.Step())

			assert.Equal(t, tt.want[0], vm.memory[0x300])
			assert.Equal(t, tt.want[1], vm.memory[0x301])
			assert.Equal(t, tt.want[2], vm.memory[0x302])
		})
	}
}

func TestBCDStoreOutOfRange(t *testing.T) {
	vm := newTestVM(0xF1, 0x33) // bcd v1
	vm.index = MemorySize - 2

	err := vm.Step()

	assert.True(t, errors.Is(err, ErrMemoryOutOfRange))
}

func TestStoreRegisters(t *testing.T) {
	vm := newTestVM(0xF3, 0x55) // str v0-v3
	vm.registers[0x0] = 0x10
	vm.registers[0x1] = 0x11
	vm.registers[0x2] = 0x12
	vm.registers[0x3] = 0x13
	vm.registers[0x4] = 0x14
	vm.index = 0x300

	assert.NoError(t, vm.Step())

	assert.Equal(t, uint8(0x10), vm.memory[0x300])
	assert.Equal(t, uint8(0x11), vm.memory[0x301])
	assert.Equal(t, uint8(0x12), vm.memory[0x302])
	assert.Equal(t, uint8(0x13), vm.memory[0x303])
	assert.Equal(t, uint8(0x00), vm.memory[0x304], "V4 is past the store range")
	assert.Equal(t, uint16(0x300), vm.index, "I must not move")
}

func TestLoadRegisters(t *testing.T) {
	vm := newTestVM(0xF2, 0x65) // ldr v0-v2
	vm.index = 0x300
	vm.memory[0x300] = 0x20
	vm.memory[0x301] = 0x21
	vm.memory[0x302] = 0x22
	vm.memory[0x303] = 0x23

	assert.NoError(t, vm.Step())

	assert.Equal(t, uint8(0x20), vm.registers[0x0])
	assert.Equal(t, uint8(0x21), vm.registers[0x1])
	assert.Equal(t, uint8(0x22), vm.registers[0x2])
	assert.Equal(t, uint8(0x00), vm.registers[0x3], "V3 is past the load range")
	assert.Equal(t, uint16(0x300), vm.index, "I must not move")
}

func TestStoreLoadRegistersOutOfRange(t *testing.T) {
	tests := []struct {
		name    string
		program []uint8
	}{
		{"store", []uint8{0xF3, 0x55}},
		{"load", []uint8{0xF3, 0x65}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(tt.program...)
			vm.index = MemorySize - 2

			err := vm.Step()

			assert.True(t, errors.Is(err, ErrMemoryOutOfRange))
		})
	}
}

func TestDelayTimer(t *testing.T) {
	vm := newTestVM(0x61, 0x05, 0xF1, 0x15, 0xF2, 0x07) // mov v1, 5; sdelay v1; gdelay v2

	assert.NoError(t, vm.Step())
	assert.NoError(t, vm.Step())

	// The timer ticks at the end of the setting step already.
	assert.Equal(t, uint8(4), vm.delayTimer)

	assert.NoError(t, vm.Step())
	assert.Equal(t, uint8(4), vm.registers[0x2], "gdelay reads before the tick")
	assert.Equal(t, uint8(3), vm.delayTimer)
}

func TestSoundTimer(t *testing.T) {
	vm := newTestVM(0x61, 0x02, 0xF1, 0x18) // mov v1, 2; ssound v1

	assert.NoError(t, vm.Step())
	assert.NoError(t, vm.Step())

	assert.Equal(t, uint8(1), vm.soundTimer)
}

func TestKeySkipIfPressed(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		v1       uint8
		wantSkip bool
	}{
		{"pressed and equal", Key5, 0x5, true},
		{"pressed and different", Key6, 0x5, false},
		{"no key pressed", KeyNone, 0x5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0xE1, 0x9E) // skpr v1
			vm.registers[0x1] = tt.v1
			vm.SetPressedKey(tt.key)

			assert.NoError(t, vm.Step())

			want := ProgramStart + 2
			if tt.wantSkip {
				want = ProgramStart + 4
			}
			assert.Equal(t, want, vm.pc)
		})
	}
}

func TestKeySkipIfNotPressed(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		v1       uint8
		wantSkip bool
	}{
		{"pressed and different", Key6, 0x5, true},
		{"pressed and equal", Key5, 0x5, false},
		{"no key pressed", KeyNone, 0x5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(0xE1, 0xA1) // skup v1
			vm.registers[0x1] = tt.v1
			vm.SetPressedKey(tt.key)

			assert.NoError(t, vm.Step())

			want := ProgramStart + 2
			if tt.wantSkip {
				want = ProgramStart + 4
			}
			assert.Equal(t, want, vm.pc)
		})
	}
}

func TestWaitForKey(t *testing.T) {
	vm := newTestVM(0xF1, 0x0A) // key v1
	vm.AckRedraw()

	// No key: the PC freezes and the same instruction runs again, but the
	// redraw flag keeps the host loop painting.
	assert.NoError(t, vm.Step())
	assert.Equal(t, ProgramStart, vm.pc)
	assert.True(t, vm.NeedsRedraw())

	assert.NoError(t, vm.Step())
	assert.Equal(t, ProgramStart, vm.pc)

	vm.SetPressedKey(KeyB)
	assert.NoError(t, vm.Step())
	assert.Equal(t, uint8(0xB), vm.registers[0x1])
	assert.Equal(t, ProgramStart+2, vm.pc)
}

func TestDrawSprite(t *testing.T) {
	vm := newTestVM(0xD1, 0x22) // sprite v1, v2, 2
	vm.index = 0x300
	vm.memory[0x300] = 0b11000000
	vm.memory[0x301] = 0b00000001
	vm.registers[0x1] = 4
	vm.registers[0x2] = 6
	vm.AckRedraw()

	assert.NoError(t, vm.Step())

	gfx := vm.Display()
	assert.Equal(t, uint8(1), gfx[6*ScreenWidth+4])
	assert.Equal(t, uint8(1), gfx[6*ScreenWidth+5])
	assert.Equal(t, uint8(1), gfx[7*ScreenWidth+11])
	assert.Equal(t, uint8(0), vm.registers[0xF], "no collision on an empty screen")
	assert.True(t, vm.NeedsRedraw())
}

func TestDrawSpriteTwiceRestoresScreen(t *testing.T) {
	vm := newTestVM(
		0xD1, 0x23, // sprite v1, v2, 3
		0xD1, 0x23, // sprite v1, v2, 3
	)
	vm.index = 0x000 // font glyph 0
	vm.registers[0x1] = 10
	vm.registers[0x2] = 10

	assert.NoError(t, vm.Step())
	assert.Equal(t, uint8(0), vm.registers[0xF])

	assert.NoError(t, vm.Step())
	assert.Equal(t, uint8(1), vm.registers[0xF], "second draw collides everywhere the first drew")

	for i, pixel := range vm.Display() {
		if pixel != 0 {
			t.Fatalf("pixel %d still lit after double draw", i)
		}
	}
}

func TestDrawSpriteWrapsAroundScreen(t *testing.T) {
	vm := newTestVM(0xD1, 0x21) // sprite v1, v2, 1
	vm.index = 0x300
	vm.memory[0x300] = 0xFF
	vm.registers[0x1] = 62
	vm.registers[0x2] = 0

	assert.NoError(t, vm.Step())

	gfx := vm.Display()
	assert.Equal(t, uint8(1), gfx[62])
	assert.Equal(t, uint8(1), gfx[63])
	assert.Equal(t, uint8(1), gfx[0], "columns wrap onto the same row")
	assert.Equal(t, uint8(1), gfx[1])
	assert.Equal(t, uint8(1), gfx[5])
	assert.Equal(t, uint8(0), gfx[6])
}

func TestDrawSpriteCollision(t *testing.T) {
	vm := newTestVM(0xD1, 0x21) // sprite v1, v2, 1
	vm.index = 0x300
	vm.memory[0x300] = 0b10000000
	vm.screen.blit(0, 0)

	assert.NoError(t, vm.Step())

	assert.Equal(t, uint8(1), vm.registers[0xF])
	assert.Equal(t, uint8(0), vm.Display()[0])
}

func TestDrawSpriteOutOfRange(t *testing.T) {
	vm := newTestVM(0xD1, 0x22) // sprite v1, v2, 2
	vm.index = MemorySize - 1

	err := vm.Step()

	assert.True(t, errors.Is(err, ErrMemoryOutOfRange))
}
