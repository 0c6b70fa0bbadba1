//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/errclass.go
//

// Package errclass maps Go errors to short, stable classification strings
// for structured logging, mirroring the per-platform errno tables in
// unix.go and windows.go.
//
// This package exists in the teacher's own tree as a set of unused,
// platform-gated errno constants (no exported classifier). medproxy
// completes it with [New], the entry point [nop.ErrClassifierFunc]
// expects, and extends the table with the two conditions the proxy's
// transform stage and reactor observe directly: EPIPE (writing to a
// transformer whose stdin already closed) and EAGAIN (a non-blocking
// I/O call that must be retried, not treated as a failure).
package errclass

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// New classifies err into a short label. It returns "" for a nil error,
// "EOF" for io.EOF, "ETIMEDOUT" for a [context.DeadlineExceeded] or a
// [net.Error] reporting Timeout(), "ECANCELED" for [context.Canceled],
// the matching errno name for a wrapped [syscall.Errno] in the table
// below, and "EUNKNOWN" otherwise.
//
// This matches [nop.ErrClassifierFunc]'s signature, so the proxy
// wires it in as ErrClassifierFunc(errclass.New).
func New(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, io.EOF):
		return "EOF"
	case errors.Is(err, context.Canceled):
		return "ECANCELED"
	case errors.Is(err, context.DeadlineExceeded):
		return "ETIMEDOUT"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "ETIMEDOUT"
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if label, ok := classifyErrno(errno); ok {
			return label
		}
	}
	return "EUNKNOWN"
}

func classifyErrno(errno syscall.Errno) (string, bool) {
	switch errno {
	case syscall.Errno(errEADDRNOTAVAIL):
		return "EADDRNOTAVAIL", true
	case syscall.Errno(errEADDRINUSE):
		return "EADDRINUSE", true
	case syscall.Errno(errECONNABORTED):
		return "ECONNABORTED", true
	case syscall.Errno(errECONNREFUSED):
		return "ECONNREFUSED", true
	case syscall.Errno(errECONNRESET):
		return "ECONNRESET", true
	case syscall.Errno(errEHOSTUNREACH):
		return "EHOSTUNREACH", true
	case syscall.Errno(errEINVAL):
		return "EINVAL", true
	case syscall.Errno(errEINTR):
		return "EINTR", true
	case syscall.Errno(errENETDOWN):
		return "ENETDOWN", true
	case syscall.Errno(errENETUNREACH):
		return "ENETUNREACH", true
	case syscall.Errno(errENOBUFS):
		return "ENOBUFS", true
	case syscall.Errno(errENOTCONN):
		return "ENOTCONN", true
	case syscall.Errno(errEPROTONOSUPPORT):
		return "EPROTONOSUPPORT", true
	case syscall.Errno(errETIMEDOUT):
		return "ETIMEDOUT", true
	case syscall.Errno(errEPIPE):
		return "EPIPE", true
	case syscall.Errno(errEAGAIN):
		return "EAGAIN", true
	}
	return "", false
}
