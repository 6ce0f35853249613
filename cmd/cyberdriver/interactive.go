package main

import (
	"context"
	"log"
	"os"

	"golang.org/x/term"

	"github.com/cyberdesk/cyberdriver/internal/supervisor"
)

// startInteractive puts stdin in raw mode and reads single-key commands:
// p pauses the tunnel, r resumes it, q (or Ctrl-C) quits. Returns a restore
// function for the terminal state; it is safe to call more than once.
func startInteractive(sup *supervisor.Supervisor, quit context.CancelFunc) func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		log.Printf("interactive mode requested but stdin is not a terminal")
		return func() {}
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		log.Printf("interactive mode unavailable: %v", err)
		return func() {}
	}
	restore := func() { _ = term.Restore(fd, old) }

	log.Printf("interactive: [p]ause tunnel, [r]esume tunnel, [q]uit")
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			switch buf[0] {
			case 'p', 'P':
				sup.Disable()
			case 'r', 'R':
				sup.Enable()
			case 'q', 'Q', 0x03: // Ctrl-C arrives as a byte in raw mode
				restore()
				quit()
				return
			}
		}
	}()
	return restore
}
