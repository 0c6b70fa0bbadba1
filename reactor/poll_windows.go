//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package reactor

import (
	"context"
	"fmt"
	"os"
	"time"
)

// wakePipe on Windows falls back to an os.Pipe; Windows has no portable
// poll(2) over arbitrary fds, so Run is unsupported on this platform (see
// Run below). The type still exists so Selector compiles uniformly.
type wakePipe struct {
	r *os.File
	w *os.File
}

func (p *wakePipe) open() error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	p.r, p.w = r, w
	return nil
}

func (p *wakePipe) readFD() int { return int(p.r.Fd()) }

func (p *wakePipe) signal() { _, _ = p.w.Write([]byte{0}) }

func (p *wakePipe) drain() {
	var buf [64]byte
	for {
		n, err := p.r.Read(buf[:])
		if n == 0 || err != nil {
			return
		}
	}
}

// Run always fails on Windows: the reactor relies on unix.Poll over raw
// socket and pipe fds, which has no equivalent here. The daemon is
// unix-only, matching the source's dependence on select()/poll() and
// fork/exec for the transform stage.
func (s *Selector) Run(ctx context.Context) error {
	return fmt.Errorf("reactor: Run is unsupported on this platform")
}

// IdleSince reports how long fd has gone without a readiness event.
func (s *Selector) IdleSince(fd int) (time.Duration, bool) {
	r, ok := s.regs[fd]
	if !ok {
		return 0, false
	}
	return time.Since(r.lastActivity), true
}
