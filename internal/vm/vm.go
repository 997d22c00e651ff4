package vm

import (
	"errors"
	"fmt"
	"log/slog"
)

const (
	MemorySize    = 4096
	StackSize     = 16
	RegisterCount = 16
	ScreenWidth   = 64
	ScreenHeight  = 32

	ProgramStart    = uint16(0x200)
	InstructionSize = 2
)

var (
	ErrQuit   = errors.New("quit")
	ErrReboot = errors.New("reboot")

	ErrUnknownOpcode    = errors.New("unknown op code")
	ErrStackOverflow    = errors.New("stack overflow")
	ErrStackUnderflow   = errors.New("stack underflow")
	ErrMemoryOutOfRange = errors.New("memory access out of range")

	// ErrInfiniteLoop reports a jump targeting its own address. The machine
	// state stays valid; Run idles on it awaiting a reboot.
	ErrInfiniteLoop = errors.New("infinite loop")
)

type VM struct {
	memory    []uint8 // Memory (4k)
	registers []uint8 // V registers (V0-VF)

	stack []uint16 // Stack
	sp    uint16   // Stack pointer

	pc    uint16 // Program counter
	index uint16 // Index register

	delayTimer uint8 // Delay timer
	soundTimer uint8 // Sound timer

	screen     *display // Graphics buffer
	drawFlag   bool     // Indicates a draw has occurred
	pressedKey Key      // Currently pressed key, if any

	program []byte
	font    []byte
}

// New creates a machine with the given program image and an 80-byte font
// table (see DefaultFont). The machine is reset and ready to Step.
func New(program, font []byte) *VM {
	vm := &VM{
		memory:    make([]uint8, MemorySize),
		registers: make([]uint8, RegisterCount),
		stack:     make([]uint16, StackSize),
		screen:    newDisplay(),
		program:   program,
		font:      font,
	}
	vm.Reset()
	return vm
}

// HAL is the boundary layer driving the machine: it supplies the currently
// pressed key, presents the frame buffer and paces execution.
type HAL interface {
	ReadKey() (Key, error)
	Draw(gfx []uint8) error
	WaitForNextFrame() error
}

type Key uint8

const (
	Key0 = Key(iota)
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9
	KeyA
	KeyB
	KeyC
	KeyD
	KeyE
	KeyF

	// KeyNone means no key is currently pressed.
	KeyNone = Key(0xFF)
)

// Run executes the machine against the given boundary layer until it fails,
// the program loops forever or the boundary layer requests a stop.
func (vm *VM) Run(hal HAL) error {
	vm.Reset()

	for {
		err := vm.runStep(hal)
		if err != nil {
			if errors.Is(err, ErrInfiniteLoop) {
				slog.Info("program looped")
				return vm.waitForReboot(hal)
			}

			return err
		}
	}
}

func (vm *VM) waitForReboot(hal HAL) error {
	for {
		if err := hal.WaitForNextFrame(); err != nil {
			return err
		}

		if _, err := hal.ReadKey(); err != nil {
			return err
		}
	}
}

func (vm *VM) runStep(hal HAL) error {
	key, err := hal.ReadKey()
	if err != nil {
		return err
	}
	vm.SetPressedKey(key)

	if err := vm.Step(); err != nil {
		return err
	}

	if vm.NeedsRedraw() {
		if err := hal.Draw(vm.Display()); err != nil {
			return err
		}
		vm.AckRedraw()
	}

	return hal.WaitForNextFrame()
}

// Reset restores the machine to its power-on state: cleared memory,
// registers and display, font at 0x000, program at 0x200, PC at 0x200.
func (vm *VM) Reset() {
	vm.pc = ProgramStart
	vm.index = 0
	vm.sp = 0

	// Clear the display
	vm.screen.clear()
	vm.drawFlag = true

	vm.pressedKey = KeyNone

	// Clear the stack and V registers
	slog.Debug("clear stack", "n", len(vm.stack))
	for i := range vm.stack {
		vm.stack[i] = 0
	}

	slog.Debug("clear registers", "n", len(vm.registers))
	for i := range vm.registers {
		vm.registers[i] = 0
	}

	// Clear memory
	slog.Debug("clear memory", "n", len(vm.memory))
	for i := range vm.memory {
		vm.memory[i] = 0
	}

	// Load font set into memory
	slog.Debug("load font", "at", fmt.Sprintf("0x%04x", 0), "n", len(vm.font))
	copy(vm.memory[0:], vm.font)

	// Load program into memory
	slog.Info("load program", "at", fmt.Sprintf("0x%04x", ProgramStart), "n", len(vm.program))
	copy(vm.memory[ProgramStart:], vm.program)

	// Reset timers
	vm.delayTimer = 0
	vm.soundTimer = 0
}

// SetPressedKey supplies the key currently held down, or KeyNone.
// At most one key is tracked; the boundary layer owns debouncing.
func (vm *VM) SetPressedKey(key Key) {
	vm.pressedKey = key
}

// Display returns the 64x32 frame buffer, one byte per pixel, row-major.
// The returned slice is owned by the machine and must not be modified.
func (vm *VM) Display() []uint8 {
	return vm.screen.buffer()
}

// NeedsRedraw reports whether the frame buffer changed since the last
// AckRedraw.
func (vm *VM) NeedsRedraw() bool {
	return vm.drawFlag
}

// AckRedraw acknowledges that the frame buffer has been presented.
func (vm *VM) AckRedraw() {
	vm.drawFlag = false
}

// Step advances the machine by exactly one instruction, then decrements
// each non-zero timer by one.
func (vm *VM) Step() error {
	opcode, err := vm.fetch()
	if err != nil {
		return err
	}

	err = vm.execute(decode(opcode))
	if err != nil && !errors.Is(err, ErrInfiniteLoop) {
		return err
	}

	// Update timers. A looped program still spins, so its timers keep
	// draining.
	if vm.delayTimer > 0 {
		vm.delayTimer--
	}

	if vm.soundTimer > 0 {
		vm.soundTimer--
	}

	return err
}

func (vm *VM) fetch() (uint16, error) {
	if int(vm.pc)+1 >= len(vm.memory) {
		return 0, fmt.Errorf("%w: fetch at 0x%04x", ErrMemoryOutOfRange, vm.pc)
	}

	hi := vm.memory[vm.pc]
	lo := vm.memory[vm.pc+1]

	opcode := uint16(hi)<<8 | uint16(lo) // Op code is two bytes
	return opcode, nil
}
