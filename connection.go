// SPDX-License-Identifier: GPL-3.0-or-later

package medproxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/bassosimone/medproxy/errclass"
	"github.com/bassosimone/nop"
	"github.com/bassosimone/medproxy/reactor"
	"github.com/bassosimone/medproxy/reqparse"
	"github.com/bassosimone/medproxy/resolve"
	"github.com/bassosimone/medproxy/ring"
	"github.com/bassosimone/medproxy/transform"
	"golang.org/x/sys/unix"
)

// State is one of the connection state machine's states (spec.md 4.3).
type State int

const (
	StateParse State = iota
	StateResolve
	StateConnect
	StateForwardHead
	StateTransformBody
	StateDone
	StateError
)

func (st State) String() string {
	switch st {
	case StateParse:
		return "PARSE"
	case StateResolve:
		return "RESOLVE"
	case StateConnect:
		return "CONNECT"
	case StateForwardHead:
		return "FORWARD_HEAD"
	case StateTransformBody:
		return "TRANSFORM_BODY"
	case StateDone:
		return "DONE"
	default:
		return "ERROR"
	}
}

// Connection drives one accepted client socket from PARSE through
// DONE/ERROR, per spec.md 4.3. It owns the client fd (always) and the
// origin fd (from CONNECT onward); the optional [transform.Stage] it
// starts in TRANSFORM_BODY takes over both fds' readiness registration
// for the remainder of the connection's life.
type Connection struct {
	sel      *reactor.Selector
	cfg      *Config
	resolver resolve.Resolver
	spanID   string

	state State

	clientFD int
	originFD int
	refs     int

	host string
	port int

	reqBuf *ring.Buffer
	parser *reqparse.Parser

	rewrittenHead []byte
	headWritten   int

	respBuf       *ring.Buffer
	respChunked   bool
	headCommitted bool // the origin's response status line/headers were sent to the client

	stage *transform.Stage

	// onDone is invoked exactly once when the connection reaches DONE or
	// ERROR and every owned fd has been unregistered and closed.
	onDone func(*Connection)
}

// NewConnection registers clientConn's underlying fd with sel and begins
// PARSE. clientConn is closed once its fd has been duplicated onto a
// raw, non-blocking descriptor the reactor can poll directly (the same
// fd discipline transform.Stage uses for the pipes it owns).
func NewConnection(sel *reactor.Selector, cfg *Config, resolver resolve.Resolver, clientConn net.Conn, onDone func(*Connection)) (*Connection, error) {
	fd, err := dupConnFD(clientConn)
	clientConn.Close()
	if err != nil {
		return nil, fmt.Errorf("medproxy: duplicating client fd: %w", err)
	}
	c := &Connection{
		sel:      sel,
		cfg:      cfg,
		resolver: resolver,
		spanID:   nop.NewSpanID(),
		state:    StateParse,
		clientFD: fd,
		reqBuf:   ring.New(cfg.BufferCap),
		parser:   reqparse.New(),
		onDone:   onDone,
	}
	if err := sel.Register(fd, clientParseHandler{c}, reactor.Read); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("medproxy: registering client fd: %w", err)
	}
	c.refs++
	c.cfg.Logger.Debug("proxyAccept", "spanID", c.spanID, "fd", fd)
	return c, nil
}

// syscallConner is satisfied by every *net.TCPConn (and net.Conn wrapping
// one), the only conn types dupConnFD ever receives.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// dupConnFD extracts an independent, non-blocking raw fd from conn via
// SyscallConn+dup, so the reactor can own the descriptor directly
// instead of going through net.Conn's blocking Read/Write and its
// runtime-integrated poller — the same raw-fd discipline
// transform.Stage already uses for the pipes it owns. conn is left open;
// callers close it once the dup succeeds (Dup keeps the OS resource
// alive independent of the original fd).
func dupConnFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscallConner)
	if !ok {
		return 0, fmt.Errorf("medproxy: %T does not support SyscallConn", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("medproxy: SyscallConn: %w", err)
	}
	var dupFD int
	var dupErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		dupFD, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		return 0, fmt.Errorf("medproxy: rawConn.Control: %w", ctrlErr)
	}
	if dupErr != nil {
		return 0, fmt.Errorf("medproxy: dup: %w", dupErr)
	}
	if err := unix.SetNonblock(dupFD, true); err != nil {
		unix.Close(dupFD)
		return 0, fmt.Errorf("medproxy: SetNonblock: %w", err)
	}
	return dupFD, nil
}

func (c *Connection) transitionTo(next State) {
	c.cfg.Logger.Debug("proxyStateChange", "spanID", c.spanID, "from", c.state.String(), "to", next.String())
	c.state = next
}

// fail transitions to ERROR, best-effort writes an HTTP error response
// to the client if no response head has been forwarded yet (spec.md 7),
// and tears the connection down.
func (c *Connection) fail(status int, reason string, args ...any) {
	if c.state == StateError || c.state == StateDone {
		return
	}
	c.cfg.Logger.Debug("proxyError", append([]any{"spanID", c.spanID, "reason", reason, "status", status}, args...)...)
	c.transitionTo(StateError)
	if status != 0 && !c.headCommitted {
		// The origin's response head was never forwarded: it is still
		// safe to speak for the client (spec.md 7's "has not yet
		// committed to forwarding the origin's response head").
		c.writeErrorResponse(status)
	}
	c.teardown()
}

func (c *Connection) writeErrorResponse(status int) {
	body := httpStatusText(status)
	resp := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, body, len(body), body,
	)
	buf := []byte(resp)
	_ = unix.SetNonblock(c.clientFD, false)
	for len(buf) > 0 {
		n, err := unix.Write(c.clientFD, buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil && err != unix.EINTR {
			break
		}
	}
}

func httpStatusText(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Internal Server Error"
	}
}

// teardown unregisters and closes every fd the connection still owns,
// tears the transform stage down if it's still running, and invokes
// onDone exactly once.
func (c *Connection) teardown() {
	if c.stage != nil {
		c.stage.Abort() // no-op if already finished; invokes its own OnDone
		return
	}
	c.releaseClientAndOrigin()
	if c.onDone != nil {
		done := c.onDone
		c.onDone = nil
		done(c)
	}
}

func (c *Connection) releaseClientAndOrigin() {
	if c.clientFD != 0 {
		c.sel.Unregister(c.clientFD)
		unix.Close(c.clientFD)
		c.refs--
		c.clientFD = 0
	}
	if c.originFD != 0 {
		c.sel.Unregister(c.originFD)
		unix.Close(c.originFD)
		c.refs--
		c.originFD = 0
	}
}

// --- PARSE ---

type clientParseHandler struct{ c *Connection }

func (h clientParseHandler) OnRead(sel *reactor.Selector, fd int) {
	c := h.c
	if !c.reqBuf.CanWrite() {
		c.fail(400, "requestHeadTooLarge")
		return
	}
	buf := c.reqBuf.WritePtr()
	n, err := unix.Read(fd, buf)
	switch {
	case n > 0:
		c.reqBuf.WriteAdv(n)
	case n == 0 || err == nil:
		c.fail(400, "clientEOFDuringParse")
		return
	case err == unix.EAGAIN:
		return
	default:
		c.fail(0, "clientReadError", "err", err, "errClass", errclass.New(err))
		return
	}

	if phase := c.parser.Feed(c.reqBuf); phase == reqparse.PhaseError {
		c.fail(400, "parseError")
		return
	} else if phase != reqparse.PhaseDone {
		return
	}

	host, port, ok := c.parser.ResolvedHost()
	if !ok {
		c.fail(400, "noRoutableHost")
		return
	}
	c.host, c.port = host, port
	c.cfg.Logger.Info("proxyParseDone", "spanID", c.spanID, "host", host, "port", port,
		"method", c.parser.Request().Method)
	c.beginResolve()
}

func (h clientParseHandler) OnWrite(sel *reactor.Selector, fd int) {}

// --- RESOLVE ---

// resolveToken correlates a NotifyBlock completion with the connection
// that requested it (the selector's block queue is shared across every
// in-flight connection).
type resolveToken struct {
	c    *Connection
	addr net.IP
	err  error
}

func (c *Connection) beginResolve() {
	c.transitionTo(StateResolve)
	c.sel.SetInterest(c.clientFD, reactor.NoInterest)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.IdleTimeout)
		defer cancel()
		addr, err := c.resolver.Resolve(ctx, c.host)
		var ip net.IP
		if err == nil {
			ip = net.IP(addr.AsSlice())
		}
		c.sel.NotifyBlock(resolveBlockHandler{}, resolveToken{c: c, addr: ip, err: err})
	}()
}

// resolveBlockHandler dispatches a completed resolve back onto the
// reactor goroutine; it carries no state of its own because the token
// already identifies the waiting connection.
type resolveBlockHandler struct{}

func (resolveBlockHandler) OnBlock(sel *reactor.Selector, token any) {
	t := token.(resolveToken)
	t.c.onResolveDone(t.addr, t.err)
}

func (c *Connection) onResolveDone(addr net.IP, err error) {
	if c.state != StateResolve {
		return // connection already failed/torn down while resolve was in flight
	}
	if err != nil {
		c.fail(502, "resolveFailed", "err", err, "errClass", errclass.New(err))
		return
	}
	c.cfg.Logger.Info("proxyResolveDone", "spanID", c.spanID, "addr", addr.String())
	c.beginConnect(addr)
}

// --- CONNECT ---

type connectToken struct {
	c    *Connection
	conn net.Conn
	err  error
}

func (c *Connection) beginConnect(addr net.IP) {
	c.transitionTo(StateConnect)
	target := net.JoinHostPort(addr.String(), strconv.Itoa(c.port))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.IdleTimeout)
		defer cancel()
		conn, err := c.cfg.Dialer.DialContext(ctx, "tcp", target)
		c.sel.NotifyBlock(connectBlockHandler{}, connectToken{c: c, conn: conn, err: err})
	}()
}

type connectBlockHandler struct{}

func (connectBlockHandler) OnBlock(sel *reactor.Selector, token any) {
	t := token.(connectToken)
	t.c.onConnectDone(t.conn, t.err)
}

func (c *Connection) onConnectDone(conn net.Conn, err error) {
	if c.state != StateConnect {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.fail(502, "connectFailed", "err", err, "errClass", errclass.New(err))
		return
	}
	fd, dupErr := dupConnFD(conn)
	conn.Close()
	if dupErr != nil {
		c.fail(502, "connectFdDupFailed", "err", dupErr)
		return
	}
	c.originFD = fd
	c.refs++
	c.cfg.Logger.Info("proxyConnectDone", "spanID", c.spanID, "fd", fd)
	c.beginForwardHead()
}

// --- FORWARD_HEAD ---

func (c *Connection) beginForwardHead() {
	c.transitionTo(StateForwardHead)
	c.rewrittenHead = buildForwardedHead(c.parser, c.reqBuf)
	if err := c.sel.Register(c.originFD, originForwardHandler{c}, reactor.Write); err != nil {
		c.fail(502, "originRegisterFailed", "err", err)
		return
	}
	c.refs++
}

// buildForwardedHead rewrites the parsed request line to origin-form
// (spec.md 6: "rewrites absolute-form targets to origin-form before
// forwarding") and appends whatever header bytes reqparse left
// unconsumed in reqBuf — reqparse only extracts Method/Target/Version/
// Host, passing every other header byte through untouched (spec.md 4.2).
func buildForwardedHead(p *reqparse.Parser, reqBuf *ring.Buffer) []byte {
	req := p.Request()
	var b bytes.Buffer
	path := req.TargetPath
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&b, "%s %s HTTP/%d.%d\r\n", req.Method, path, req.VersionMajor, req.VersionMinor)
	if req.TargetHost != "" && !req.HasHostHeader {
		fmt.Fprintf(&b, "Host: %s\r\n", req.TargetHost)
	}
	switch {
	case len(p.RawHeaderBytes()) > 0:
		// Origin-form request: feedHeader already consumed every header
		// byte out of reqBuf, retaining only the Host value; these are
		// the bytes it saw along the way.
		b.Write(p.RawHeaderBytes())
	case reqBuf.Len() > 0:
		// Absolute-form request: feedVersion skipped header parsing
		// entirely (spec.md 4.2's absolute-form shortcut), so reqBuf
		// still holds every header byte, untouched.
		n := reqBuf.Len()
		b.Write(reqBuf.ReadPtr()[:n])
		reqBuf.ReadAdv(n)
	default:
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

type originForwardHandler struct{ c *Connection }

func (h originForwardHandler) OnWrite(sel *reactor.Selector, fd int) {
	c := h.c
	remaining := c.rewrittenHead[c.headWritten:]
	if len(remaining) == 0 {
		c.onHeadForwarded()
		return
	}
	n, err := unix.Write(fd, remaining)
	if n > 0 {
		c.headWritten += n
	}
	switch {
	case err == nil || err == unix.EAGAIN:
	default:
		c.fail(502, "originWriteHeadError", "err", err, "errClass", errclass.New(err))
		return
	}
	if c.headWritten >= len(c.rewrittenHead) {
		c.onHeadForwarded()
	}
}

func (h originForwardHandler) OnRead(sel *reactor.Selector, fd int) {}

func (c *Connection) onHeadForwarded() {
	c.sel.Unregister(c.originFD)
	c.refs--
	c.cfg.Logger.Debug("proxyHeadForwarded", "spanID", c.spanID, "bytes", len(c.rewrittenHead))
	c.beginResponseHeadScan()
}

// --- response head scan (bridges FORWARD_HEAD to TRANSFORM_BODY) ---
//
// Not one of spec.md's four request sub-parsers: this reads the
// origin's status line and headers well enough to detect
// Transfer-Encoding: chunked, and hands any body bytes already read in
// the same buffer to transform.Stage via Preload. The status line and
// headers are forwarded unchanged unless the stage re-frames the body
// as chunked (see [rewriteHeadForChunked]).

type responseScanHandler struct{ c *Connection }

// beginResponseHeadScan registers originFD to read the response head.
// clientFD stays registered under clientParseHandler with NoInterest
// (set back in beginResolve) for the rest of PARSE/RESOLVE/CONNECT/
// FORWARD_HEAD/this scan — reactor has no "change handler" operation
// short of unregister+re-register, and an idle NoInterest registration
// never calls back, so there is nothing to gain by churning it.
//
// The head buffer has the same capacity as the stage's writeBuffer, so
// any body bytes read along with the head always fit in Preload; a
// response head larger than one buffer is itself an upstream protocol
// error.
func (c *Connection) beginResponseHeadScan() {
	c.respBuf = ring.New(c.cfg.BufferCap)
	if err := c.sel.Register(c.originFD, responseScanHandler{c}, reactor.Read); err != nil {
		c.fail(502, "originScanRegisterFailed", "err", err)
		return
	}
	c.refs++
}

func (h responseScanHandler) OnRead(sel *reactor.Selector, fd int) {
	c := h.c
	if !c.respBuf.CanWrite() {
		c.fail(502, "responseHeadTooLarge")
		return
	}
	n, err := unix.Read(fd, c.respBuf.WritePtr())
	switch {
	case n > 0:
		c.respBuf.WriteAdv(n)
	case n == 0 || err == nil:
		c.fail(502, "originEOFDuringHeadScan")
		return
	case err == unix.EAGAIN:
		return
	default:
		c.fail(502, "originReadHeadError", "err", err, "errClass", errclass.New(err))
		return
	}

	head := c.respBuf.ReadPtr()
	idx := bytes.Index(head, []byte("\r\n\r\n"))
	if idx < 0 {
		return
	}
	headLen := idx + 4
	headerBytes := head[:headLen]
	bodyBytes := append([]byte(nil), head[headLen:]...)
	c.respChunked = headerHasChunkedEncoding(headerBytes)
	c.cfg.Logger.Debug("proxyResponseHeadDone", "spanID", c.spanID, "chunked", c.respChunked)
	c.beginTransformBody(headerBytes, bodyBytes)
}

func (h responseScanHandler) OnWrite(sel *reactor.Selector, fd int) {}

func headerHasChunkedEncoding(head []byte) bool {
	for _, line := range bytes.Split(head, []byte("\r\n")) {
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		name := strings.TrimSpace(string(line[:i]))
		if !strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		if strings.Contains(strings.ToLower(string(line[i+1:])), "chunked") {
			return true
		}
	}
	return false
}

// --- TRANSFORM_BODY ---

func (c *Connection) beginTransformBody(headerBytes, bodyBytes []byte) {
	c.transitionTo(StateTransformBody)
	c.sel.Unregister(c.originFD)
	c.refs--
	c.sel.Unregister(c.clientFD)
	c.refs--

	stage := transform.New(c.sel, c.clientFD, c.originFD, c.cfg.BufferCap, c.respChunked, c.slogFunc())
	stage.RefDelta = func(delta int) { c.refs += delta }
	stage.OnDone = func() {
		c.cfg.Logger.Info("proxyTransformDone", "spanID", c.spanID)
		if c.state != StateError {
			c.transitionTo(StateDone)
		}
		// The stage only unregisters clientFD/originFD from the
		// selector; it never owned the underlying descriptors (the
		// Connection does), so closing them is still our job.
		unix.Close(c.clientFD)
		unix.Close(c.originFD)
		c.clientFD, c.originFD = 0, 0
		c.stage = nil
		if c.onDone != nil {
			done := c.onDone
			c.onDone = nil
			done(c)
		}
	}
	stage.Preload(bodyBytes)

	command := c.cfg.Command
	if c.cfg.NoTransform {
		command = ""
	}
	if err := stage.Start(command, c.cfg.StderrPath); err != nil {
		// Start unwinds any registration it made itself on failure and
		// never calls OnDone (nothing reached recompute), so the stage
		// never owned clientFD/originFD: release them exactly like any
		// other early failure instead of going through c.stage.Abort.
		c.cfg.Logger.Debug("proxyError", "spanID", c.spanID, "reason", "transformStartError", "err", err)
		c.transitionTo(StateError)
		c.releaseClientAndOrigin()
		if c.onDone != nil {
			done := c.onDone
			c.onDone = nil
			done(c)
		}
		return
	}
	// c.stage must be set before the head write below can fail: a
	// writeResponseHead error goes through c.fail -> teardown, and
	// teardown only unwinds the transformer's pipe fds (and reaps its
	// process) when c.stage is non-nil.
	c.stage = stage
	if stage.CommandStatus() == transform.StatusOK {
		c.cfg.Logger.Info("proxyTransformSpawn", "spanID", c.spanID)
	}

	// Start has now settled whether the outgoing stream is chunked (a
	// transformer spawned, or the origin was already chunked); the head
	// committed to the client must match, per spec.md 6: "emits a
	// Transfer-Encoding: chunked header (removing any incoming
	// Content-Length) whenever the transform stage is active" (spec.md
	// 8 scenario 2's exact expected byte stream).
	head := headerBytes
	if stage.Chunked() {
		head = rewriteHeadForChunked(headerBytes)
	}
	if err := c.writeResponseHead(head); err != nil {
		c.fail(0, "clientWriteHeadError", "err", err)
		return
	}
}

// rewriteHeadForChunked strips any Content-Length header line from a
// status-line-plus-headers block and ensures it carries exactly one
// Transfer-Encoding: chunked line, per spec.md 6. headerBytes must end
// in the terminating CRLFCRLF; malformed input is returned unchanged
// rather than risk corrupting a response already in flight.
func rewriteHeadForChunked(headerBytes []byte) []byte {
	idx := bytes.Index(headerBytes, []byte("\r\n\r\n"))
	if idx < 0 {
		return headerBytes
	}
	lines := bytes.Split(headerBytes[:idx], []byte("\r\n"))
	var b bytes.Buffer
	b.Write(lines[0]) // status line, never a header: always kept verbatim
	b.WriteString("\r\n")
	sawChunked := false
	for _, line := range lines[1:] {
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		name := strings.TrimSpace(string(line[:i]))
		switch {
		case strings.EqualFold(name, "Content-Length"):
			continue
		case strings.EqualFold(name, "Transfer-Encoding"):
			if strings.Contains(strings.ToLower(string(line[i+1:])), "chunked") {
				sawChunked = true
			}
		}
		b.Write(line)
		b.WriteString("\r\n")
	}
	if !sawChunked {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// writeResponseHead forwards the given status-line-plus-headers block to
// the client. Callers have already rewritten it for chunked framing where
// needed (see [rewriteHeadForChunked]); a non-transformed, non-chunked
// response needs no rewrite at all, so this always writes exactly the
// bytes it is given.
func (c *Connection) writeResponseHead(headerBytes []byte) error {
	_ = unix.SetNonblock(c.clientFD, false)
	defer unix.SetNonblock(c.clientFD, true)
	c.headCommitted = true
	buf := headerBytes
	for len(buf) > 0 {
		n, err := unix.Write(c.clientFD, buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil && err != unix.EINTR {
			return err
		}
	}
	return nil
}

func (c *Connection) slogFunc() func(msg string, args ...any) {
	return func(msg string, args ...any) {
		c.cfg.Logger.Debug(msg, append([]any{"spanID", c.spanID}, args...)...)
	}
}

// CheckIdle transitions the connection to ERROR (spec.md 5, 504 Gateway
// Timeout) if it has gone without a readiness event on its primary fd
// for longer than cfg.IdleTimeout. Called by the listener's idle sweep
// (Listener.idleSweepLoop) on every tick, since reactor.Selector itself
// only exposes per-fd IdleSince rather than a periodic sweep callback
// (see DESIGN.md).
func (c *Connection) CheckIdle() {
	if c.state == StateDone || c.state == StateError {
		return
	}
	fd := c.clientFD
	if fd == 0 {
		fd = c.originFD
	}
	if fd == 0 {
		return
	}
	idle, ok := c.sel.IdleSince(fd)
	if !ok || idle < c.cfg.IdleTimeout {
		return
	}
	c.fail(504, "idleTimeout", "idleFor", idle.String())
}
