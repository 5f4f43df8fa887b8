// Package editor is the interactive assumption review: a raw-mode
// checklist where a human toggles the agent's assumptions before the work
// loop proceeds, requests a replan, or aborts the run.
package editor

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ANSI escape sequences used by the review screen.
const (
	clearScreen = "\033[2J"
	cursorHome  = "\033[H"
	cursorHide  = "\033[?25l"
	cursorShow  = "\033[?25h"

	reset    = "\033[0m"
	bold     = "\033[1m"
	dim      = "\033[2m"
	fgGreen  = "\033[32m"
	fgYellow = "\033[33m"
	fgCyan   = "\033[36m"
)

// terminal owns raw mode for the duration of the review.
type terminal struct {
	in       *os.File
	out      io.Writer
	oldState *term.State
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{in: os.Stdin, out: out}
}

func (t *terminal) enterRaw() error {
	state, err := term.MakeRaw(int(t.in.Fd()))
	if err != nil {
		return fmt.Errorf("entering raw mode: %w", err)
	}
	t.oldState = state
	fmt.Fprint(t.out, cursorHide)
	return nil
}

func (t *terminal) exitRaw() {
	fmt.Fprint(t.out, cursorShow)
	if t.oldState != nil {
		_ = term.Restore(int(t.in.Fd()), t.oldState)
		t.oldState = nil
	}
}

func (t *terminal) size() (width, height int) {
	w, h, err := term.GetSize(int(t.in.Fd()))
	if err != nil {
		return 80, 24
	}
	return w, h
}

// key is a decoded key press.
type key int

const (
	keyNone key = iota
	keyUp
	keyDown
	keyToggle
	keyConfirm
	keyReplan
	keyQuit
)

// keyReader decodes raw terminal input into review keys. Unrecognized
// input decodes to keyNone and is ignored by the loop.
type keyReader struct {
	r *bufio.Reader
}

func newKeyReader(r io.Reader) *keyReader {
	return &keyReader{r: bufio.NewReaderSize(r, 16)}
}

func (k *keyReader) read() (key, error) {
	b, err := k.r.ReadByte()
	if err != nil {
		return keyNone, err
	}

	switch b {
	case 0x03, 'q': // Ctrl+C
		return keyQuit, nil
	case 0x0D: // Enter
		return keyConfirm, nil
	case ' ':
		return keyToggle, nil
	case 'j':
		return keyDown, nil
	case 'k':
		return keyUp, nil
	case 'r', 0x12: // r or Ctrl+R
		return keyReplan, nil
	case 0x1B:
		return k.readArrow()
	}
	return keyNone, nil
}

func (k *keyReader) readArrow() (key, error) {
	b, err := k.r.ReadByte()
	if err != nil || b != '[' {
		return keyNone, err
	}
	b, err = k.r.ReadByte()
	if err != nil {
		return keyNone, err
	}
	switch b {
	case 'A':
		return keyUp, nil
	case 'B':
		return keyDown, nil
	}
	return keyNone, nil
}
