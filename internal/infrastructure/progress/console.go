// Package progress holds the operator-facing ProgressSink implementations.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/netly/fleet/internal/core/ports"
)

// Console writes messages as lines and progress as a self-overwriting counter.
type Console struct {
	out io.Writer
	err io.Writer

	mu     sync.Mutex
	label  string
	total  int
	active bool
}

var _ ports.ProgressSink = (*Console)(nil)

func NewConsole(out, errOut io.Writer) *Console {
	return &Console{out: out, err: errOut}
}

// clearLine ends a pending counter line so the next message starts clean. Caller holds mu.
func (c *Console) clearLine() {
	if c.active {
		fmt.Fprintln(c.out)
	}
}

func (c *Console) Info(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLine()
	fmt.Fprintln(c.out, msg)
}

func (c *Console) Error(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLine()
	fmt.Fprintln(c.err, "error: "+msg)
}

func (c *Console) StartProgress(label string, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.label, c.total, c.active = label, total, true
	c.redraw(0)
}

func (c *Console) Advance(done int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redraw(done)
}

func (c *Console) EndProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLine()
	c.active = false
}

// redraw prints the counter. Caller holds mu.
func (c *Console) redraw(done int) {
	if !c.active {
		return
	}
	fmt.Fprintf(c.out, "\r%s [%d/%d]", c.label, done, c.total)
}
