// Package term renders the machine in a terminal using gocui, as an
// alternative to the SDL front end for hosts without a display server.
package term

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/janhrastnik/chip8/internal/vm"
	"github.com/jroimartin/gocui"
)

const displayView = "display"

// Terminals report no key-up events, so a pressed key counts as held
// for this long after its last press.
const keyHoldDuration = 200 * time.Millisecond

type Term struct {
	gui *gocui.Gui

	mu        sync.Mutex
	pressed   vm.Key
	pressedAt time.Time
	stopped   bool

	done chan struct{}
}

func New() (*Term, error) {
	gui, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, fmt.Errorf("failed to init gocui: %w", err)
	}

	t := &Term{
		gui:     gui,
		pressed: vm.KeyNone,
		done:    make(chan struct{}),
	}

	gui.SetManagerFunc(t.layout)

	if err := gui.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, func(*gocui.Gui, *gocui.View) error {
		return gocui.ErrQuit
	}); err != nil {
		gui.Close()
		return nil, fmt.Errorf("failed to bind quit key: %w", err)
	}

	for r, key := range runeKeyMap {
		if err := gui.SetKeybinding("", r, gocui.ModNone, func(*gocui.Gui, *gocui.View) error {
			t.press(key)
			return nil
		}); err != nil {
			gui.Close()
			return nil, fmt.Errorf("failed to bind key %q: %w", r, err)
		}
	}

	// The gocui main loop owns the terminal until quit.
	go func() {
		defer close(t.done)

		if err := gui.MainLoop(); err != nil && err != gocui.ErrQuit {
			slog.Error("terminal ui failed", "err", err)
		}

		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
	}()

	return t, nil
}

func (t *Term) Shutdown() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()

	if !stopped {
		t.gui.Update(func(*gocui.Gui) error {
			return gocui.ErrQuit
		})
	}

	<-t.done
	t.gui.Close()
}

func (t *Term) layout(g *gocui.Gui) error {
	if v, err := g.SetView(displayView, 0, 0, vm.ScreenWidth+1, vm.ScreenHeight+1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "CHIP-8"
	}

	return nil
}

func (t *Term) press(key vm.Key) {
	t.mu.Lock()
	t.pressed = key
	t.pressedAt = time.Now()
	t.mu.Unlock()
}

// ReadKey returns the key currently considered held down, or vm.KeyNone.
func (t *Term) ReadKey() (vm.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return vm.KeyNone, vm.ErrQuit
	}

	if t.pressed != vm.KeyNone && time.Since(t.pressedAt) > keyHoldDuration {
		t.pressed = vm.KeyNone
	}

	return t.pressed, nil
}

// Draw repaints the display view. View updates must go through the gocui
// main loop, hence Update.
func (t *Term) Draw(gfx []uint8) error {
	var sb strings.Builder
	for y := 0; y < vm.ScreenHeight; y++ {
		for x := 0; x < vm.ScreenWidth; x++ {
			if gfx[y*vm.ScreenWidth+x] != 0 {
				sb.WriteRune('█')
			} else {
				sb.WriteByte(' ')
			}
		}
		sb.WriteByte('\n')
	}
	frame := sb.String()

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return vm.ErrQuit
	}

	t.gui.Update(func(g *gocui.Gui) error {
		v, err := g.View(displayView)
		if err != nil {
			return err
		}

		v.Clear()
		fmt.Fprint(v, frame)
		return nil
	})

	return nil
}

func (t *Term) WaitForNextFrame() error {
	const delayDuration = 2 * time.Millisecond
	time.Sleep(delayDuration)
	return nil
}

// Same physical layout as the SDL front end.
var runeKeyMap = map[rune]vm.Key{
	'x': vm.Key0,
	'1': vm.Key1,
	'2': vm.Key2,
	'3': vm.Key3,
	'q': vm.Key4,
	'w': vm.Key5,
	'e': vm.Key6,
	'a': vm.Key7,
	's': vm.Key8,
	'd': vm.Key9,
	'z': vm.KeyA,
	'c': vm.KeyB,
	'4': vm.KeyC,
	'r': vm.KeyD,
	'f': vm.KeyE,
	'v': vm.KeyF,
}
