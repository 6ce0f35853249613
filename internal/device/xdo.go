package device

import (
	"fmt"
	"strings"
)

// KeyEvent is one press or release in an expanded key sequence.
type KeyEvent struct {
	Key  string
	Down bool
}

// modifiers are held across the chord rather than pressed and released.
var modifiers = map[string]bool{
	"ctrl": true, "control": true,
	"alt":   true,
	"shift": true,
	"win":   true, "cmd": true, "super": true, "meta": true,
}

// literalKeys are the non-modifier tokens the grammar accepts.
var literalKeys = map[string]bool{
	"enter": true, "return": true,
	"esc": true, "escape": true,
	"tab": true, "space": true, "backspace": true, "delete": true, "insert": true,
	"home": true, "end": true, "pageup": true, "pagedown": true,
	"up": true, "down": true, "left": true, "right": true,
	"capslock": true,
}

func init() {
	for c := 'a'; c <= 'z'; c++ {
		literalKeys[string(c)] = true
	}
	for c := '0'; c <= '9'; c++ {
		literalKeys[string(c)] = true
	}
	for i := 1; i <= 24; i++ {
		literalKeys[fmt.Sprintf("f%d", i)] = true
	}
}

// normalizeKey maps token aliases onto the canonical key names the Keyboard
// capability understands.
func normalizeKey(tok string) string {
	switch tok {
	case "control":
		return "ctrl"
	case "win", "cmd", "meta":
		return "super"
	case "escape":
		return "esc"
	case "return":
		return "enter"
	}
	return tok
}

// ParseXDO expands an xdotool-style sequence ("ctrl+c ctrl+v") into key
// events, one slice per whitespace-separated chord. Within a chord,
// modifiers go down in order, each literal key is pressed and released, and
// modifiers come back up in reverse order.
func ParseXDO(sequence string) ([][]KeyEvent, error) {
	chords := strings.Fields(sequence)
	if len(chords) == 0 {
		return nil, fmt.Errorf("empty key sequence")
	}

	var out [][]KeyEvent
	for _, chord := range chords {
		var mods, keys []string
		for _, tok := range strings.Split(chord, "+") {
			tok = strings.ToLower(tok)
			switch {
			case modifiers[tok]:
				mods = append(mods, normalizeKey(tok))
			case literalKeys[tok]:
				keys = append(keys, normalizeKey(tok))
			default:
				return nil, fmt.Errorf("unknown key %q in chord %q", tok, chord)
			}
		}

		var events []KeyEvent
		for _, m := range mods {
			events = append(events, KeyEvent{Key: m, Down: true})
		}
		for _, k := range keys {
			events = append(events, KeyEvent{Key: k, Down: true}, KeyEvent{Key: k, Down: false})
		}
		for i := len(mods) - 1; i >= 0; i-- {
			events = append(events, KeyEvent{Key: mods[i], Down: false})
		}
		out = append(out, events)
	}
	return out, nil
}
