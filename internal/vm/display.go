package vm

// display is the 64x32 monochrome frame buffer, one byte per pixel,
// row-major. Pixels are toggled by XOR during sprite drawing.
type display struct {
	pixels []uint8
}

func newDisplay() *display {
	return &display{
		pixels: make([]uint8, ScreenWidth*ScreenHeight),
	}
}

func (d *display) clear() {
	for i := range d.pixels {
		d.pixels[i] = 0
	}
}

// blit XORs a single bit at (x, y), wrapping both coordinates onto the
// screen. It reports whether a lit pixel was erased.
func (d *display) blit(x, y uint16) bool {
	x %= ScreenWidth
	y %= ScreenHeight

	addr := ScreenWidth*y + x
	d.pixels[addr] ^= 1
	return d.pixels[addr] == 0
}

func (d *display) buffer() []uint8 {
	return d.pixels
}
