package display

import (
	"bufio"
	"fmt"
	"io"
)

// Console is a [Screen] on an ANSI terminal, such as the node's local
// tty. A frame is buffered and written on Flush.
type Console struct {
	w *bufio.Writer
}

// NewConsole creates a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: bufio.NewWriter(w)}
}

// Clear erases the terminal and homes the cursor.
func (c *Console) Clear() { c.w.WriteString("\x1b[2J\x1b[H") }

// SetCursor moves to column x, row y (zero based).
func (c *Console) SetCursor(x, y int) { fmt.Fprintf(c.w, "\x1b[%d;%dH", y+1, x+1) }

// SetTextSize is a no-op; terminals have one text size.
func (c *Console) SetTextSize(int) {}

// Print writes s at the cursor.
func (c *Console) Print(s string) { c.w.WriteString(s) }

// Flush writes the buffered frame.
func (c *Console) Flush() error { return c.w.Flush() }

// Discard is a [Screen] for nodes without a display.
type Discard struct{}

func (Discard) Clear()             {}
func (Discard) SetCursor(_, _ int) {}
func (Discard) SetTextSize(int)    {}
func (Discard) Print(string)       {}
