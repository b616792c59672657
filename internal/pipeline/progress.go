package pipeline

import (
	"fmt"
	"io"
	"sync"
)

// Progress writes human-readable progress text. Status lines overwrite each
// other on a terminal and are dropped otherwise; Printf lines are always
// written. A nil *Progress discards everything.
type Progress struct {
	mu     sync.Mutex
	w      io.Writer
	tty    bool
	status bool // a status line is on screen
}

// NewProgress writes to w. tty selects in-place status lines.
func NewProgress(w io.Writer, tty bool) *Progress {
	return &Progress{w: w, tty: tty}
}

// Printf writes one permanent line.
func (p *Progress) Printf(format string, args ...any) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status {
		fmt.Fprint(p.w, "\r\033[K")
		p.status = false
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Statusf replaces the current status line.
func (p *Progress) Statusf(format string, args ...any) {
	if p == nil || !p.tty {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "\r\033[K"+format, args...)
	p.status = true
}

// Done ends the current status line.
func (p *Progress) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status {
		fmt.Fprintln(p.w)
		p.status = false
	}
}
