package device

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
)

// Virtual is an in-memory device used when no platform driver is registered
// and throughout the tests. The screen is a flat framebuffer; keyboard and
// mouse record what was synthesized instead of touching hardware.
type Virtual struct {
	mu     sync.Mutex
	width  int
	height int
	x, y   int

	Typed  []string
	Keys   []KeyEvent
	Clicks []VirtualClick
}

// VirtualClick is one recorded button transition.
type VirtualClick struct {
	Button string
	Down   bool
	X, Y   int
}

// NewVirtual returns a virtual device with the given screen size.
func NewVirtual(width, height int) *Virtual {
	return &Virtual{width: width, height: height}
}

// NewVirtualDevice wraps a Virtual in a Device carrying the always-on
// capabilities only.
func NewVirtualDevice(width, height int) (*Device, *Virtual) {
	v := NewVirtual(width, height)
	return &Device{Screen: v, Keyboard: v, Mouse: v}, v
}

func (v *Virtual) Capture() (image.Image, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, v.width, v.height))
	for i := range img.Pix {
		img.Pix[i] = 0x20
	}
	img.Set(v.x, v.y, color.White) // cursor marker
	return img, nil
}

func (v *Virtual) Dimensions() (int, int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.width, v.height, nil
}

func (v *Virtual) TypeText(text string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Typed = append(v.Typed, text)
	return nil
}

func (v *Virtual) KeyEvent(key string, down bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Keys = append(v.Keys, KeyEvent{Key: key, Down: down})
	return nil
}

func (v *Virtual) Position() (int, int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.x, v.y, nil
}

func (v *Virtual) MoveTo(x, y int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.x, v.y = x, y
	return nil
}

func (v *Virtual) Button(button string, down bool) error {
	switch button {
	case "left", "right", "middle":
	default:
		return fmt.Errorf("unknown button %q", button)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Clicks = append(v.Clicks, VirtualClick{Button: button, Down: down, X: v.x, Y: v.y})
	return nil
}

func (v *Virtual) Scroll(dx, dy int) error { return nil }

// Snapshot copies the recorded activity. Use it when the device is being
// driven from another goroutine; the exported slices must not be read
// concurrently with writes.
func (v *Virtual) Snapshot() (typed []string, keys []KeyEvent, clicks []VirtualClick) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.Typed...),
		append([]KeyEvent(nil), v.Keys...),
		append([]VirtualClick(nil), v.Clicks...)
}

// VirtualShell runs nothing; it echoes the command back as stdout. Useful
// for exercising the shell endpoints without a real interpreter.
type VirtualShell struct{}

func (VirtualShell) Exec(ctx context.Context, command string) (string, string, int, error) {
	select {
	case <-ctx.Done():
		return "", "", -1, ctx.Err()
	default:
		return command + "\n", "", 0, nil
	}
}
