//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package reactor

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// wakePipe is a self-pipe used to wake a blocked unix.Poll call from any
// goroutine, the portable equivalent of writing one byte to a pipe fd
// registered with the selector (selector_notify_block in the source).
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

func (p *wakePipe) signal() {
	_, _ = p.w.Write([]byte{0})
}

func (p *wakePipe) drain() {
	var buf [64]byte
	for {
		n, err := p.r.Read(buf[:])
		if n == 0 || err != nil {
			return
		}
	}
}

// Run polls the registered fds until ctx is cancelled or an unrecoverable
// poll error occurs. Exactly one of OnRead/OnWrite fires per ready fd per
// iteration; idle fds are left untouched here, expiry is the caller's
// business via lastActivity (exposed through IdleSince).
func (s *Selector) Run(ctx context.Context) error {
	timeoutMs := int(s.idleTimeout / time.Millisecond)
	if timeoutMs <= 0 {
		timeoutMs = 1000
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		fds := make([]unix.PollFd, 0, len(s.regs))
		order := make([]int, 0, len(s.regs))
		for fd, r := range s.regs {
			var events int16
			if r.interest&Read != 0 {
				events |= unix.POLLIN
			}
			if r.interest&Write != 0 {
				events |= unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
			order = append(order, fd)
		}

		n, err := unix.Poll(fds, timeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue // idle tick; caller inspects IdleSince for timeouts
		}

		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			fd := order[i]
			r, ok := s.regs[fd]
			if !ok {
				continue // unregistered mid-loop by an earlier callback
			}
			r.lastActivity = time.Now()
			switch {
			case pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0:
				r.handler.OnRead(s, fd)
			case pfd.Revents&unix.POLLIN != 0:
				r.handler.OnRead(s, fd)
			case pfd.Revents&unix.POLLOUT != 0:
				r.handler.OnWrite(s, fd)
			}
		}
	}
}

// IdleSince reports how long fd has gone without a readiness event. Used
// by the connection FSM to enforce the proxy's idle-connection timeout.
func (s *Selector) IdleSince(fd int) (time.Duration, bool) {
	r, ok := s.regs[fd]
	if !ok {
		return 0, false
	}
	return time.Since(r.lastActivity), true
}
