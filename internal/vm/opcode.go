package vm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
)

// Opcode is the decoded view of one 2-byte instruction word. It is derived
// by fixed bit-masking and recomputed on every step, never stored.
type Opcode struct {
	Word    uint16 // Raw instruction word
	Leading uint8  // Leading nibble, the instruction family
	X       uint8  // Second nibble, first register index
	Y       uint8  // Third nibble, second register index
	N       uint8  // Low nibble
	KK      uint8  // Low byte
	NNN     uint16 // Low 12 bits, address operand
}

// decode extracts the operand fields from an instruction word. Any 16-bit
// pattern decodes; legality is judged during execution.
func decode(word uint16) Opcode {
	return Opcode{
		Word:    word,
		Leading: uint8(word >> 12),
		X:       uint8(word>>8) & 0x0F,
		Y:       uint8(word>>4) & 0x0F,
		N:       uint8(word) & 0x0F,
		KK:      uint8(word),
		NNN:     word & 0x0FFF,
	}
}

func (vm *VM) execute(op Opcode) error {
	instr := lookup(op)

	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug(
			"exec",
			"pc", fmt.Sprintf("0x%04x", vm.pc),
			"opcode", fmt.Sprintf("0x%04x", op.Word),
			"instr", instr.Name(op),
		)
	}

	return instr.Execute(vm, op)
}

type instruction struct {
	Name    func(op Opcode) string
	Execute func(vm *VM, op Opcode) error
}

func lookup(op Opcode) instruction {
	switch op.Leading {
	case 0x0:
		switch op.KK {
		case 0xE0:
			// 00E0 - Clear screen
			return clsInstruction

		case 0xEE:
			// 00EE - Return from subroutine
			return rtsInstruction
		}

		// 0NNN - Machine code jump, ignored on modern interpreters
		return sysInstruction

	case 0x1:
		// 1NNN - Jumps to address NNN
		return jmpInstruction

	case 0x2:
		// 2NNN - Calls subroutine at NNN
		return jsrInstruction

	case 0x3:
		// 3XNN - Skips the next instruction if VX equals NN
		return skeq1Instruction

	case 0x4:
		// 4XNN - Skips the next instruction if VX does not equal NN
		return skne1Instruction

	case 0x5:
		// 5XY0 - Skips the next instruction if VX equals VY
		return skeq2Instruction

	case 0x6:
		// 6XNN - Sets VX to NN
		return mov1Instruction

	case 0x7:
		// 7XNN - Adds NN to VX
		return add1Instruction

	case 0x8:
		// 8XY_
		switch op.N {
		case 0x0:
			// 8XY0 - Sets VX to the value of VY
			return mov2Instruction

		case 0x1:
			// 8XY1 - Sets VX to (VX OR VY)
			return orInstruction

		case 0x2:
			// 8XY2 - Sets VX to (VX AND VY)
			return andInstruction

		case 0x3:
			// 8XY3 - Sets VX to (VX XOR VY)
			return xorInstruction

		case 0x4:
			// 8XY4 - Adds VY to VX. VF is set to 1 when there's a carry, and to 0 when there isn't.
			return add2Instruction

		case 0x5:
			// 8XY5 - VY is subtracted from VX. VF is set to 1 when there's a borrow, and to 0 when there isn't.
			return subInstruction

		case 0x6:
			// 8XY6 - Shifts VX right by one. VF is set to the value of the least significant bit of VX before the shift.
			return shrInstruction

		case 0x7:
			// 8XY7 - Sets VX to VY minus VX. VF is set to 1 when there's a borrow, and to 0 when there isn't.
			return rsbInstruction

		case 0xE:
			// 8XYE - Shifts VX left by one. VF is set to the value of the most significant bit of VX before the shift.
			return shlInstruction
		}

	case 0x9:
		// 9XY0 - Skips the next instruction if VX doesn't equal VY
		return skne2Instruction

	case 0xA:
		// ANNN - Sets I to the address NNN
		return mviInstruction

	case 0xB:
		// BNNN - Jumps to the address NNN plus V0
		return jmiInstruction

	case 0xC:
		// CXNN - Sets VX to a random number, masked by NN
		return randInstruction

	case 0xD:
		// DXYN - Draws a sprite at coordinate (VX, VY) that has a width of 8
		// pixels and a height of N pixels.
		// Each row of 8 pixels is read as bit-coded starting from memory
		// location I;
		// I value doesn't change after the execution of this instruction.
		// VF is set to 1 if any screen pixels are flipped from set to unset
		// when the sprite is drawn, and to 0 if that doesn't happen.
		return spriteInstruction

	case 0xE:
		switch op.KK {
		case 0x9E:
			// EX9E - Skips the next instruction if the key stored in VX is pressed
			return skprInstruction

		case 0xA1:
			// EXA1 - Skips the next instruction if the key stored in VX isn't pressed
			return skupInstruction
		}

	case 0xF:
		switch op.KK {
		case 0x07:
			// FX07 - Sets VX to the value of the delay timer
			return gdelayInstruction

		case 0x0A:
			// FX0A - A key press is awaited, and then stored in VX
			return keyInstruction

		case 0x15:
			// FX15 - Sets the delay timer to VX
			return sdelayInstruction

		case 0x18:
			// FX18 - Sets the sound timer to VX
			return ssoundInstruction

		case 0x1E:
			// FX1E - Adds VX to I
			// VF is set to 1 when the updated I exceeds 0x0F00, and 0
			// when it doesn't.
			return adiInstruction

		case 0x29:
			// FX29 - Sets I to the location of the sprite for the
			// character in VX. Characters 0-F (in hexadecimal) are
			// represented by a 4x5 font
			return fontInstruction

		case 0x33:
			// FX33 - Stores the Binary-coded decimal representation of VX
			// at the addresses I, I plus 1, and I plus 2
			return bcdInstruction

		case 0x55:
			// FX55 - Stores V0 to VX in memory starting at address I
			return strInstruction

		case 0x65:
			// FX65 - Reads memory starting at address I into V0...VX
			return ldrInstruction
		}
	}

	return unknownInstruction
}

var (
	// 00E0	cls	Clear the screen
	clsInstruction = instruction{
		Name: func(op Opcode) string {
			return "cls"
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.screen.clear()
			vm.drawFlag = true
			vm.pc += InstructionSize
			return nil
		},
	}

	// 00EE	rts	return from subroutine call
	rtsInstruction = instruction{
		Name: func(op Opcode) string {
			return "rts"
		},
		Execute: func(vm *VM, op Opcode) error {
			if vm.sp == 0 {
				return fmt.Errorf("%w: rts at 0x%04x", ErrStackUnderflow, vm.pc)
			}

			vm.sp--
			vm.pc = vm.stack[vm.sp]
			vm.pc += InstructionSize
			return nil
		},
	}

	// 0xxx	sys xxx	legacy machine code jump, ignored
	sysInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("sys 0x%04x", op.NNN)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.pc += InstructionSize
			return nil
		},
	}

	// 1xxx	jmp xxx	jump to address xxx
	jmpInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("jmp 0x%04x", op.NNN)
		},
		Execute: func(vm *VM, op Opcode) error {
			if op.NNN == vm.pc {
				return ErrInfiniteLoop
			}
			vm.pc = op.NNN
			return nil
		},
	}

	// 2xxx	jsr xxx	jump to subroutine at address xxx
	jsrInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("jsr 0x%04x", op.NNN)
		},
		Execute: func(vm *VM, op Opcode) error {
			if vm.sp == StackSize {
				return fmt.Errorf("%w: jsr at 0x%04x", ErrStackOverflow, vm.pc)
			}

			vm.stack[vm.sp] = vm.pc
			vm.sp++
			vm.pc = op.NNN
			return nil
		},
	}

	// 3rxx	skeq vr,xx	skip if register r = constant
	skeq1Instruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("skeq v%x, %d", op.X, op.KK)
		},
		Execute: func(vm *VM, op Opcode) error {
			if vm.registers[op.X] == op.KK {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// 4rxx	skne vr,xx	skip if register r <> constant
	skne1Instruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("skne v%x, %d", op.X, op.KK)
		},
		Execute: func(vm *VM, op Opcode) error {
			if vm.registers[op.X] != op.KK {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// 5ry0	skeq vr,vy	skip if register r = register y
	skeq2Instruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("skeq v%x, v%x", op.X, op.Y)
		},
		Execute: func(vm *VM, op Opcode) error {
			if vm.registers[op.X] == vm.registers[op.Y] {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// 6rxx	mov vr,xx	move constant to register r
	mov1Instruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("mov v%x, %d", op.X, op.KK)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.registers[op.X] = op.KK
			vm.pc += InstructionSize
			return nil
		},
	}

	// 7rxx	add vr,xx	add constant to register r	No carry generated
	add1Instruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("add v%x, %d", op.X, op.KK)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.registers[op.X] += op.KK
			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry0	mov vr,vy	move register vy into vr
	mov2Instruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("mov v%x, v%x", op.X, op.Y)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.registers[op.X] = vm.registers[op.Y]
			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry1	or rx,ry	or register vy into register vx
	orInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("or v%x, v%x", op.X, op.Y)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.registers[op.X] |= vm.registers[op.Y]
			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry2	and rx,ry	and register vy into register vx
	andInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("and v%x, v%x", op.X, op.Y)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.registers[op.X] &= vm.registers[op.Y]
			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry3	xor rx,ry	exclusive or register ry into register rx
	xorInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("xor v%x, v%x", op.X, op.Y)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.registers[op.X] ^= vm.registers[op.Y]
			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry4	add vr,vy	add register vy to vr, carry in vf
	add2Instruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("add v%x, v%x", op.X, op.Y)
		},
		Execute: func(vm *VM, op Opcode) error {
			sum := uint16(vm.registers[op.X]) + uint16(vm.registers[op.Y])

			vm.registers[op.X] = uint8(sum)
			if sum > 0xFF {
				vm.registers[0x0F] = 1
			} else {
				vm.registers[0x0F] = 0
			}

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry5	sub vr,vy	subtract register vy from vr, vf set to 1 if borrows
	subInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("sub v%x, v%x", op.X, op.Y)
		},
		Execute: func(vm *VM, op Opcode) error {
			x := vm.registers[op.X]
			y := vm.registers[op.Y]

			if y > x {
				vm.registers[0x0F] = 1
			} else {
				vm.registers[0x0F] = 0
			}

			vm.registers[op.X] = x - y
			vm.pc += InstructionSize
			return nil
		},
	}

	// 8r06	shr vr	shift register vr right, bit 0 goes into register vf
	shrInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("shr v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			x := vm.registers[op.X]

			vm.registers[0x0F] = x & 0x1
			vm.registers[op.X] = x >> 1
			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry7	rsb vr,vy	subtract register vr from register vy, result in vr	vf set to 1 if borrows
	rsbInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("rsb v%x, v%x", op.X, op.Y)
		},
		Execute: func(vm *VM, op Opcode) error {
			x := vm.registers[op.X]
			y := vm.registers[op.Y]

			if x > y {
				vm.registers[0x0F] = 1
			} else {
				vm.registers[0x0F] = 0
			}

			vm.registers[op.X] = y - x
			vm.pc += InstructionSize
			return nil
		},
	}

	// 8r0e	shl vr	shift register vr left, bit 7 goes into register vf
	shlInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("shl v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			x := vm.registers[op.X]

			vm.registers[0x0F] = x >> 7
			vm.registers[op.X] = x << 1
			vm.pc += InstructionSize
			return nil
		},
	}

	// 9ry0	skne vr,vy	skip if register r <> register y
	skne2Instruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("skne v%x, v%x", op.X, op.Y)
		},
		Execute: func(vm *VM, op Opcode) error {
			if vm.registers[op.X] != vm.registers[op.Y] {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// axxx	mvi xxx	Load index register with constant xxx
	mviInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("mvi 0x%04x", op.NNN)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.index = op.NNN
			vm.pc += InstructionSize
			return nil
		},
	}

	// bxxx	jmi xxx	Jump to address xxx+register v0
	jmiInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("jmi 0x%04x", op.NNN)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.pc = op.NNN + uint16(vm.registers[0])
			return nil
		},
	}

	// crxx	rand vr,xx	vr = random byte masked with xx
	randInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("rand v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.registers[op.X] = uint8(rand.IntN(256)) & op.KK
			vm.pc += InstructionSize
			return nil
		},
	}

	// drys	sprite vr,vy,s	Draw sprite at screen location vr,vy height s
	// Sprites stored in memory at location in index register, maximum 8 bits wide.
	// Wraps around the screen.
	// If when drawn, clears a pixel, vf is set to 1 otherwise it is zero.
	// All drawing is xor drawing (e.g. it toggles the screen pixels)
	spriteInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("sprite v%x, v%x, %d", op.X, op.Y, op.N)
		},
		Execute: func(vm *VM, op Opcode) error {
			height := uint16(op.N)
			xLocation := uint16(vm.registers[op.X])
			yLocation := uint16(vm.registers[op.Y])

			hasCollision := uint8(0)
			for y := uint16(0); y < height; y++ {
				rowAddr := vm.index + y
				if int(vm.index)+int(y) >= len(vm.memory) {
					return fmt.Errorf("%w: sprite row at 0x%04x", ErrMemoryOutOfRange, rowAddr)
				}

				row := vm.memory[rowAddr]

				const width = uint16(8)
				for x := uint16(0); x < width; x++ {
					mask := uint8(0x80 >> x)
					if (row & mask) != 0 {
						if vm.screen.blit(x+xLocation, y+yLocation) {
							hasCollision = 1
						}
					}
				}
			}

			vm.registers[0x0F] = hasCollision
			vm.drawFlag = true
			vm.pc += InstructionSize
			return nil
		},
	}

	// er9e	skpr r	skip if key (register r) pressed
	skprInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("skpr v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			if vm.pressedKey != KeyNone && uint8(vm.pressedKey) == vm.registers[op.X] {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// era1	skup r	skip if key (register r) not pressed
	// With no key down neither this nor skpr skips.
	skupInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("skup v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			if vm.pressedKey != KeyNone && uint8(vm.pressedKey) != vm.registers[op.X] {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// fr07	gdelay vr	get delay timer into vr
	gdelayInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("gdelay v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.registers[op.X] = vm.delayTimer
			vm.pc += InstructionSize
			return nil
		},
	}

	// fr0a	key vr	wait for keypress, put key in register vr
	// While no key is down the PC stays put and the same instruction is
	// decoded again next step; the redraw flag keeps the host painting.
	keyInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("key v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			if vm.pressedKey == KeyNone {
				vm.drawFlag = true
				return nil
			}

			vm.registers[op.X] = uint8(vm.pressedKey)
			vm.pc += InstructionSize
			return nil
		},
	}

	// fr15	sdelay vr	set the delay timer to vr
	sdelayInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("sdelay v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.delayTimer = vm.registers[op.X]
			vm.pc += InstructionSize
			return nil
		},
	}

	// fr18	ssound vr	set the sound timer to vr
	ssoundInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("ssound v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.soundTimer = vm.registers[op.X]
			vm.pc += InstructionSize
			return nil
		},
	}

	// fr1e	adi vr	add register vr to the index register
	adiInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("adi v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.index += uint16(vm.registers[op.X])

			// Not a real carry: flags the index running past the end of
			// program memory.
			if vm.index > 0x0F00 {
				vm.registers[0x0F] = 1
			} else {
				vm.registers[0x0F] = 0
			}

			vm.pc += InstructionSize
			return nil
		},
	}

	// fr29	font vr	point I to the sprite for hexadecimal character in vr	Sprite is 5 bytes high
	fontInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("font v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			vm.index = uint16(vm.registers[op.X]) * 0x5
			vm.pc += InstructionSize
			return nil
		},
	}

	// fr33	bcd vr	store the bcd representation of register vr at location I,I+1,I+2	Doesn't change I
	bcdInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("bcd v%x", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			if int(vm.index)+2 >= len(vm.memory) {
				return fmt.Errorf("%w: bcd at 0x%04x", ErrMemoryOutOfRange, vm.index)
			}

			x := vm.registers[op.X]

			vm.memory[vm.index] = x / 100
			vm.memory[vm.index+1] = (x / 10) % 10
			vm.memory[vm.index+2] = x % 10
			vm.pc += InstructionSize
			return nil
		},
	}

	// fr55	str v0-vr	store registers v0-vr at location I onwards	Doesn't change I
	strInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("str %d", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			n := uint16(op.X)
			if int(vm.index)+int(n) >= len(vm.memory) {
				return fmt.Errorf("%w: str at 0x%04x", ErrMemoryOutOfRange, vm.index)
			}

			for i := uint16(0); i <= n; i++ {
				vm.memory[vm.index+i] = vm.registers[i]
			}

			vm.pc += InstructionSize
			return nil
		},
	}

	// fr65	ldr v0-vr	load registers v0-vr from location I onwards	Doesn't change I
	ldrInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("ldr %d", op.X)
		},
		Execute: func(vm *VM, op Opcode) error {
			n := uint16(op.X)
			if int(vm.index)+int(n) >= len(vm.memory) {
				return fmt.Errorf("%w: ldr at 0x%04x", ErrMemoryOutOfRange, vm.index)
			}

			for i := uint16(0); i <= n; i++ {
				vm.registers[i] = vm.memory[vm.index+i]
			}

			vm.pc += InstructionSize
			return nil
		},
	}

	unknownInstruction = instruction{
		Name: func(op Opcode) string {
			return fmt.Sprintf("unknown 0x%04X", op.Word)
		},
		Execute: func(vm *VM, op Opcode) error {
			return fmt.Errorf("%w: 0x%04X at 0x%04x", ErrUnknownOpcode, op.Word, vm.pc)
		},
	}
)
