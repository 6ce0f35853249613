// Package device defines the capability interfaces the agent drives and the
// process-global serialization around the shared input hardware.
//
// Concrete OS drivers (screen grabbers, input synthesis, shells) plug in
// behind these interfaces; the rest of the agent never touches a platform
// API directly.
package device

import (
	"context"
	"image"
	"sync"
)

// Screen captures the primary display.
type Screen interface {
	Capture() (image.Image, error)
	Dimensions() (width, height int, err error)
}

// Keyboard synthesizes keystrokes.
type Keyboard interface {
	TypeText(text string) error
	// KeyEvent presses (down=true) or releases a single named key.
	KeyEvent(key string, down bool) error
}

// Mouse synthesizes pointer events.
type Mouse interface {
	Position() (x, y int, err error)
	MoveTo(x, y int) error
	// Button presses (down=true) or releases a named button: left, right, middle.
	Button(button string, down bool) error
	// Scroll moves the wheel; positive dy scrolls up, positive dx scrolls right.
	Scroll(dx, dy int) error
}

// FileSystem is the optional file capability.
type FileSystem interface {
	List(path string) ([]FileInfo, error)
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
}

// FileInfo describes one directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Shell is the optional command-execution capability.
type Shell interface {
	Exec(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
}

// Updater is the optional self-update capability. Stage downloads the given
// version next to the running binary; the swap happens out of process.
type Updater interface {
	Stage(version string, restart bool) error
}

// Device bundles the capabilities available on this host. Screen, Keyboard
// and Mouse are always present; the rest are nil when unsupported.
//
// InputLock serializes every synthetic input action process-wide. The OS
// input queue is a single shared resource; interleaving two logical actions
// (say, a typed phrase and a click) produces garbage on screen. This lock is
// independent of the keepalive gate, which only arbitrates between remote
// requests and the keepalive worker.
type Device struct {
	Screen   Screen
	Keyboard Keyboard
	Mouse    Mouse
	Files    FileSystem
	Shell    Shell
	Updater  Updater

	InputLock sync.Mutex
}

// Capabilities returns the capability names advertised to the cloud.
func (d *Device) Capabilities() []string {
	caps := []string{"display", "keyboard", "mouse"}
	if d.Files != nil {
		caps = append(caps, "file")
	}
	if d.Shell != nil {
		caps = append(caps, "shell")
	}
	if d.Updater != nil {
		caps = append(caps, "update")
	}
	return caps
}
