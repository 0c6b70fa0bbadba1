// SPDX-License-Identifier: GPL-3.0-or-later

// Package transform implements the proxy's response transform stage: the
// four-endpoint scheduler that relays an origin's response body to the
// client, optionally piping it through an external shell command, and
// re-framing the outgoing stream as HTTP/1.1 chunked transfer-encoding
// whenever the transformer is active or the origin's response was
// already chunked.
//
// This is the Go translation of transformBody.c's richer of its two
// incompatible copies (spec.md 9): chunked re-framing plus pid tracking,
// built directly on the fd-oriented [reactor.Selector] and [ring.Buffer]
// already used by the rest of the engine, rather than os/exec's
// blocking Read/Write, so that the spawned filter's stdin/stdout sit in
// the same single-threaded readiness loop as the client and origin fds.
package transform

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/bassosimone/medproxy/errclass"
	"github.com/bassosimone/medproxy/reactor"
	"github.com/bassosimone/medproxy/ring"
	"golang.org/x/sys/unix"
)

// CommandStatus records why a transformer command is or is not running.
type CommandStatus int

const (
	// StatusNone means no command was configured; the stage runs in
	// permanent pass-through mode.
	StatusNone CommandStatus = iota
	// StatusOK means the child process was spawned successfully.
	StatusOK
	// StatusPipeErr means setting up the child's stdio failed: the stderr
	// file could not be opened, a pipe could not be created, or a pipe
	// end was not an *os.File.
	StatusPipeErr
	// StatusForkErr means the child process could not be started.
	StatusForkErr
	// StatusExecErr means the child exited (e.g. exec failure) before the
	// parent could register its fds. spawn never reports it: a child
	// that has already exited is noticed later through its pipes.
	StatusExecErr
	// StatusNonblockingErr means setting a pipe fd non-blocking failed.
	StatusNonblockingErr
	// StatusSelectErr means registering a transform fd with the selector
	// failed.
	StatusSelectErr
)

// chunkFramingOverhead is the room chunkedBuffer has beyond bufCap: enough
// for one hex length line and the CRLFs around a chunk of up to bufCap
// bytes.
const chunkFramingOverhead = 32

// Stage relays an origin response body to the client, through an
// optional transformer subprocess. A *Stage owns the transformer's pipe
// fds (and, if spawned, its pid) for the duration of one connection; it
// never touches the client or origin fd's lifecycle, only their
// readiness interest.
type Stage struct {
	sel      *reactor.Selector
	logger   func(msg string, args ...any)
	clientFD int
	originFD int

	writeBuffer   *ring.Buffer // origin -> (transform stdin | chunked framer)
	readBuffer    *ring.Buffer // transform stdout -> chunked framer
	chunkedBuffer *ring.Buffer // framed bytes -> client

	chunked bool // output must use chunked transfer-encoding

	active               bool // a transformer child is running
	writeToTransformFD   int
	readFromTransformFD  int
	cmd                  *exec.Cmd
	stdin                *os.File
	stdout               *os.File
	commandStatus        CommandStatus
	commandPid           int
	transformersRegd     bool
	transformCommandDone bool // transformCommandExecuted in spec.md: a stdin write or stdout read moved at least one byte
	transformFinished    bool
	responseFinished     bool
	lastChunkSent        bool
	sentInputEOF         bool
	finished             bool

	// OnDone is invoked exactly once, when both directions have fully
	// drained (spec.md 4.4's DONE transition).
	OnDone func()

	// RefDelta, if set, is called with +1 for every fd the stage
	// registers and -1 for every fd it unregisters, so the owning
	// connection's reference count (spec.md 3, invariant 3 in spec.md 8)
	// stays equal to the number of fds registered on its behalf.
	RefDelta func(delta int)
}

func (s *Stage) bumpRef(delta int) {
	if s.RefDelta != nil {
		s.RefDelta(delta)
	}
}

// New returns a [*Stage] wired to a selector and the two already-connected
// endpoints (clientFD for writes, originFD for reads). bufCap sizes the
// three ring buffers; chunked reports whether the origin response
// advertised Transfer-Encoding: chunked (spec.md 4.4's isChunked).
func New(sel *reactor.Selector, clientFD, originFD int, bufCap int, originChunked bool, logger func(msg string, args ...any)) *Stage {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	return &Stage{
		sel:           sel,
		logger:        logger,
		clientFD:      clientFD,
		originFD:      originFD,
		writeBuffer:   ring.New(bufCap),
		readBuffer:    ring.New(bufCap),
		chunkedBuffer: ring.New(bufCap + chunkFramingOverhead),
		chunked:       originChunked,
	}
}

// Preload seeds writeBuffer with body bytes the caller already read from
// originFD (e.g. while scanning the response head for a trailing
// fragment of the body in the same read). Must be called before Start.
func (s *Stage) Preload(body []byte) {
	if len(body) == 0 {
		return
	}
	s.writeBuffer.Write(body)
}

// CommandStatus reports why the transformer is (or is not) active.
func (s *Stage) CommandStatus() CommandStatus { return s.commandStatus }

// Active reports whether a transformer child is currently relaying bytes.
func (s *Stage) Active() bool { return s.active }

// Chunked reports whether the outgoing stream will be framed as HTTP/1.1
// chunked transfer-encoding: true once a transformer is active, or the
// origin's response was already chunked. Only meaningful after [Stage.Start]
// returns, since spawning the transformer is what finally settles whether
// pass-through or re-framing applies.
func (s *Stage) Chunked() bool { return s.chunked }

// Start registers the origin and client fds with the selector and, if
// command is non-empty, spawns the transformer per spec.md 4.4's five
// lifecycle steps, falling back to pass-through on any failure.
func (s *Stage) Start(command, stderrPath string) error {
	if command != "" {
		s.spawn(command, stderrPath)
	}
	if s.active || s.chunked {
		// Either the transformer forces re-framing, or the origin was
		// already chunked and pass-through must preserve that framing.
		s.chunked = true
	}
	if err := s.sel.Register(s.originFD, originHandler{s}, reactor.Read); err != nil {
		s.finished = true // nothing was registered; a later Abort must be a no-op
		return fmt.Errorf("transform: registering origin fd: %w", err)
	}
	s.bumpRef(1)
	if err := s.sel.Register(s.clientFD, clientHandler{s}, reactor.NoInterest); err != nil {
		s.sel.Unregister(s.originFD)
		s.bumpRef(-1)
		s.finished = true // already unwound above; a later Abort must be a no-op
		return fmt.Errorf("transform: registering client fd: %w", err)
	}
	s.bumpRef(1)
	s.recompute()
	return nil
}

// spawn implements spec.md 4.4's child process lifecycle. Any failure at
// any step demotes the stage to pass-through (commandStatus records why)
// and never leaves an orphaned fd or process behind.
func (s *Stage) spawn(command, stderrPath string) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), "HTTPD_VERSION=1.0.0")

	if stderrPath != "" {
		stderr, err := os.OpenFile(stderrPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			s.commandStatus = StatusPipeErr
			return
		}
		defer stderr.Close()
		cmd.Stderr = stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.commandStatus = StatusPipeErr
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		s.commandStatus = StatusPipeErr
		return
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		s.commandStatus = StatusForkErr
		return
	}

	// Step 4: cmd.ProcessState stays nil until Wait, so this check does
	// not detect a child that has already exited (e.g. `false`). Such a
	// child is noticed later, through EPIPE on its stdin or EOF on its
	// stdout (transformWriteHandler, transformReadHandler).
	if cmd.ProcessState != nil {
		stdin.Close()
		stdout.Close()
		s.commandStatus = StatusExecErr
		return
	}

	stdinFile, ok1 := stdin.(*os.File)
	stdoutFile, ok2 := stdout.(*os.File)
	if !ok1 || !ok2 {
		stdin.Close()
		stdout.Close()
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		s.commandStatus = StatusPipeErr
		return
	}
	if err := unix.SetNonblock(int(stdinFile.Fd()), true); err != nil {
		s.teardownFailedSpawn(cmd, stdinFile, stdoutFile, StatusNonblockingErr)
		return
	}
	if err := unix.SetNonblock(int(stdoutFile.Fd()), true); err != nil {
		s.teardownFailedSpawn(cmd, stdinFile, stdoutFile, StatusNonblockingErr)
		return
	}

	s.cmd = cmd
	s.stdin = stdinFile
	s.stdout = stdoutFile
	s.writeToTransformFD = int(stdinFile.Fd())
	s.readFromTransformFD = int(stdoutFile.Fd())
	s.commandPid = cmd.Process.Pid
	s.active = true
	s.commandStatus = StatusOK
}

func (s *Stage) teardownFailedSpawn(cmd *exec.Cmd, stdin, stdout *os.File, status CommandStatus) {
	stdin.Close()
	stdout.Close()
	_ = cmd.Process.Kill()
	_, _ = cmd.Process.Wait()
	s.commandStatus = status
}

// registerTransformFds is the second half of the spawn sequence: it is
// deferred until Start has already registered origin/client so that a
// failure here leaves exactly those two fds (not four) for the caller to
// unregister.
func (s *Stage) registerTransformFds() {
	if !s.active || s.transformersRegd {
		return
	}
	if err := s.sel.Register(s.writeToTransformFD, transformWriteHandler{s}, reactor.NoInterest); err != nil {
		s.abandonTransformer(StatusSelectErr)
		return
	}
	s.bumpRef(1)
	if err := s.sel.Register(s.readFromTransformFD, transformReadHandler{s}, reactor.Read); err != nil {
		s.sel.Unregister(s.writeToTransformFD)
		s.bumpRef(-1)
		s.abandonTransformer(StatusSelectErr)
		return
	}
	s.bumpRef(1)
	s.transformersRegd = true
}

// abandonTransformer kills and reaps the child and demotes the stage to
// pass-through mid-flight (used when late registration fails).
func (s *Stage) abandonTransformer(status CommandStatus) {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
	_ = s.stdin.Close()
	_ = s.stdout.Close()
	s.active = false
	s.commandStatus = status
}

// sourceBuffer is the ring buffer whose bytes feed the chunked framer:
// the transformer's stdout when active, or the raw origin bytes in
// pass-through mode.
func (s *Stage) sourceBuffer() *ring.Buffer {
	if s.active {
		return s.readBuffer
	}
	return s.writeBuffer
}

// sourceFinished reports whether sourceBuffer has seen its own EOF.
func (s *Stage) sourceFinished() bool {
	if s.active {
		return s.transformFinished
	}
	return s.responseFinished
}

// recompute re-derives every fd's registered interest from the predicate
// table in spec.md 4.4, frames at most one chunk into chunkedBuffer, and
// detects the DONE condition. Called after every successful I/O.
func (s *Stage) recompute() {
	// The buffers are linear, not wrapping: rewind each one once drained
	// so that it can take a further bufCap bytes.
	if !s.chunkedBuffer.CanRead() {
		s.chunkedBuffer.Reset()
	}
	s.refillChunked()
	if !s.writeBuffer.CanRead() {
		s.writeBuffer.Reset()
	}
	if !s.readBuffer.CanRead() {
		s.readBuffer.Reset()
	}

	if s.active {
		if !s.transformersRegd && s.commandStatus == StatusOK {
			s.registerTransformFds()
		}
		if s.writeToTransformFD != 0 {
			if s.writeBuffer.CanRead() {
				s.setInterest(s.writeToTransformFD, reactor.Write)
			} else {
				s.setInterest(s.writeToTransformFD, reactor.NoInterest)
				if s.responseFinished && !s.sentInputEOF {
					// Signal the transformer that no more input is coming,
					// per spec.md 4.4(a): closing writeToTransformFd once
					// writeBuffer is drained is the flush signal.
					_ = s.stdin.Close()
					s.sentInputEOF = true
				}
			}
		}
		if s.readFromTransformFD != 0 {
			if s.readBuffer.CanWrite() && !s.transformFinished {
				s.setInterest(s.readFromTransformFD, reactor.Read)
			} else {
				s.setInterest(s.readFromTransformFD, reactor.NoInterest)
			}
		}
	}

	wantOriginRead := s.writeBuffer.CanWrite() && !s.responseFinished &&
		!s.chunkedBuffer.CanRead() && !s.writeBuffer.CanRead()
	s.setInterest(s.originFD, boolInterest(wantOriginRead, reactor.Read))

	wantClientWrite := s.chunkedBuffer.CanRead()
	s.setInterest(s.clientFD, boolInterest(wantClientWrite, reactor.Write))

	if s.isDone() {
		s.finish()
	}
}

func boolInterest(want bool, i reactor.Interest) reactor.Interest {
	if want {
		return i
	}
	return reactor.NoInterest
}

func (s *Stage) setInterest(fd int, i reactor.Interest) {
	_ = s.sel.SetInterest(fd, i)
}

// refillChunked frames exactly one chunk's worth of newly available
// source bytes into chunkedBuffer, or the terminal "0\r\n\r\n" once the
// source is fully drained and finished. Never emits a partial chunk.
func (s *Stage) refillChunked() {
	if s.chunkedBuffer.CanRead() || s.lastChunkSent {
		return
	}
	src := s.sourceBuffer()
	if src.CanRead() {
		if s.chunked {
			PrepareChunkedBuffer(s.chunkedBuffer, src)
		} else {
			n := src.Len()
			s.chunkedBuffer.Write(src.ReadPtr()[:n])
			src.ReadAdv(n)
		}
		return
	}
	if s.sourceFinished() {
		if s.chunked {
			SentLastChunked(s.chunkedBuffer)
		}
		s.lastChunkSent = true
	}
}

func (s *Stage) isDone() bool {
	if !s.responseFinished {
		return false
	}
	if s.active && !s.transformFinished {
		return false
	}
	if !s.lastChunkSent && s.chunked {
		return false
	}
	if s.chunkedBuffer.CanRead() {
		return false
	}
	return true
}

// finish unregisters every owned fd, reaps the transformer if still
// alive, and invokes OnDone exactly once.
func (s *Stage) finish() {
	if s.finished {
		return
	}
	s.finished = true
	s.sel.Unregister(s.originFD)
	s.bumpRef(-1)
	s.sel.Unregister(s.clientFD)
	s.bumpRef(-1)
	if s.active && s.transformersRegd {
		s.sel.Unregister(s.writeToTransformFD)
		s.bumpRef(-1)
		s.sel.Unregister(s.readFromTransformFD)
		s.bumpRef(-1)
	}
	if s.active {
		s.killAndReap()
	}
	if done := s.OnDone; done != nil {
		s.OnDone()
	}
}

// killAndReap terminates the transformer if it is still running and
// always reaps it, matching spec.md 4.4's teardown obligation: never
// leave a zombie behind.
func (s *Stage) killAndReap() {
	_ = s.stdin.Close()
	_ = s.stdout.Close()
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(unix.SIGTERM)
	}
	_, _ = s.cmd.Process.Wait()
}

// Abort tears the stage down immediately (the connection FSM's ERROR
// transition), regardless of how much data has been relayed.
func (s *Stage) Abort() {
	s.finish()
}

// --- reactor.Handler adapters, one per endpoint role ---

type originHandler struct{ s *Stage }

func (h originHandler) OnRead(sel *reactor.Selector, fd int) {
	s := h.s
	if !s.writeBuffer.CanWrite() {
		return
	}
	buf := s.writeBuffer.WritePtr()
	n, err := unix.Read(fd, buf)
	switch {
	case n > 0:
		s.writeBuffer.WriteAdv(n)
	case n == 0 || err == nil:
		s.responseFinished = true
	case err == unix.EAGAIN:
		// spurious readiness; nothing to do until the next event.
	default:
		s.logger("transformOriginReadError", "err", err, "errClass", errclass.New(err))
		s.responseFinished = true
	}
	s.recompute()
}

func (h originHandler) OnWrite(sel *reactor.Selector, fd int) {}

type clientHandler struct{ s *Stage }

func (h clientHandler) OnWrite(sel *reactor.Selector, fd int) {
	s := h.s
	if !s.chunkedBuffer.CanRead() {
		return
	}
	p := s.chunkedBuffer.ReadPtr()
	n, err := unix.Write(fd, p)
	if n > 0 {
		s.chunkedBuffer.ReadAdv(n)
	}
	if err != nil && err != unix.EAGAIN {
		s.logger("transformClientWriteError", "err", err, "errClass", errclass.New(err))
		s.finish()
		return
	}
	s.recompute()
}

func (h clientHandler) OnRead(sel *reactor.Selector, fd int) {}

type transformWriteHandler struct{ s *Stage }

func (h transformWriteHandler) OnWrite(sel *reactor.Selector, fd int) {
	s := h.s
	if !s.writeBuffer.CanRead() {
		return
	}
	p := s.writeBuffer.ReadPtr()
	n, err := unix.Write(fd, p)
	if n > 0 {
		s.writeBuffer.ReadAdv(n)
		s.transformCommandDone = true
	}
	if err != nil && err != unix.EAGAIN && err != unix.EPIPE {
		s.logger("transformStdinWriteError", "err", err, "errClass", errclass.New(err))
	}
	if err == unix.EPIPE {
		// The transformer exited before consuming stdin (spec.md 4.4(c)):
		// the undelivered bytes can never be sent, so drop them and treat
		// its stdout as already finished rather than spin retrying a
		// write that will never succeed.
		s.writeBuffer.ReadAdv(s.writeBuffer.Len())
		s.transformFinished = true
	}
	s.recompute()
}

func (h transformWriteHandler) OnRead(sel *reactor.Selector, fd int) {}

type transformReadHandler struct{ s *Stage }

func (h transformReadHandler) OnRead(sel *reactor.Selector, fd int) {
	s := h.s
	if !s.readBuffer.CanWrite() {
		return
	}
	buf := s.readBuffer.WritePtr()
	n, err := unix.Read(fd, buf)
	switch {
	case n > 0:
		s.readBuffer.WriteAdv(n)
		s.transformCommandDone = true
	case n == 0 || err == nil:
		s.transformFinished = true
	case err == unix.EAGAIN:
	default:
		s.logger("transformStdoutReadError", "err", err, "errClass", errclass.New(err))
		s.transformFinished = true
	}
	s.recompute()
}

func (h transformReadHandler) OnWrite(sel *reactor.Selector, fd int) {}
