// Package connection implements the transport layer of the ESC/VP.net
// protocol: one TCP socket, byte-level framing of device responses, and
// correlation of outbound requests with inbound frames.
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/tavru/escvpnet/internal/escvp"
	"github.com/tavru/escvpnet/internal/logging"
)

const (
	readBufferSize = 4096

	defaultReadyAttempts = 6
	defaultReadyTimeout  = 5 * time.Second
)

// Handlers carries the callbacks a Connection dispatches into. Both are
// optional.
type Handlers struct {
	// OnEvent receives the payload of each unsolicited IMEVENT frame. It
	// runs on the read loop and must not block.
	OnEvent func(payload string)

	// OnDisconnect fires once when the socket goes away, after every
	// pending request has been failed. It receives the connection so the
	// owner can tell which link died.
	OnDisconnect func(c *Connection)
}

type result struct {
	frame string
	err   error
}

// pendingRequest is an outstanding command awaiting its correlated response.
// Requests resolve strictly FIFO against arriving frames.
type pendingRequest struct {
	token string
	done  chan result
}

// Connection owns one physical ESC/VP.net link. All exported methods are
// safe for concurrent use; requests issued concurrently are serviced in
// send order.
type Connection struct {
	conn     net.Conn
	handlers Handlers

	mu       sync.Mutex
	buf      []byte
	pending  *queue.Queue // of *pendingRequest
	closed   bool
	lastRecv time.Time

	// ready receives one token per bare-terminator acknowledgement.
	ready chan struct{}

	readyAttempts int
	readyTimeout  time.Duration
}

// Dial opens a TCP connection to the device and starts the read loop. It
// does not perform the protocol handshake; call Handshake next.
func Dial(host string, port int, timeout time.Duration, handlers Handlers) (*Connection, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, addr)
		}
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	c := &Connection{
		conn:          conn,
		handlers:      handlers,
		pending:       queue.New(),
		lastRecv:      time.Now(),
		ready:         make(chan struct{}, 1),
		readyAttempts: defaultReadyAttempts,
		readyTimeout:  defaultReadyTimeout,
	}

	go c.readLoop()

	return c, nil
}

// Handshake sends the ESC/VP.net preamble and validates the status byte in
// the device's 16-byte echo. A non-OK status yields a *HandshakeError.
func (c *Connection) Handshake(ctx context.Context) error {
	req := &pendingRequest{token: escvp.Preamble, done: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending.Add(req)
	c.mu.Unlock()

	msg := append([]byte(escvp.Preamble), escvp.HandshakeSuffix...)
	logging.Debug("escvp: >> %q", msg)
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	select {
	case res := <-req.done:
		if res.err != nil {
			return fmt.Errorf("handshake: %w", res.err)
		}
		if len(res.frame) <= escvp.HandshakeStatusOffset {
			return fmt.Errorf("handshake: short response (%d bytes)", len(res.frame))
		}
		if status := res.frame[escvp.HandshakeStatusOffset]; status != escvp.HandshakeStatusOK {
			return &HandshakeError{Status: status}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes a request line and blocks until the matching response frame
// arrives, the context is cancelled, or the connection is lost. The request
// is matched to responses by its command token: the line up to the first
// space, minus any query suffix, so "PWR?" matches a "PWR=01" reply.
func (c *Connection) Send(ctx context.Context, line string) (string, error) {
	token, _, _ := strings.Cut(line, " ")
	token = strings.TrimSuffix(token, "?")

	req := &pendingRequest{token: token, done: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.pending.Add(req)
	c.mu.Unlock()

	if err := c.write(line); err != nil {
		return "", err
	}

	select {
	case res := <-req.done:
		return res.frame, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendNoResponse writes a request line without registering a pending
// request. Used for keepalive probes and for commands whose acknowledgement
// is a bare terminator consumed by WaitReady rather than a framed response.
func (c *Connection) SendNoResponse(line string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	return c.write(line)
}

// WaitReady confirms the device finished processing a state-changing
// command. Those commands acknowledge asynchronously with a bare terminator
// whose timing is unreliable, so any stale acknowledgement is discarded and
// empty probe lines are sent until one elicits a fresh terminator. If the
// attempt budget runs out the connection is considered wedged and is
// force-closed.
func (c *Connection) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
	default:
	}

	for attempt := 0; attempt < c.readyAttempts; attempt++ {
		if err := c.SendNoResponse(""); err != nil {
			return err
		}

		timer := time.NewTimer(c.readyTimeout)
		select {
		case <-c.ready:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	logging.Warn("escvp: device not ready after %d probes, closing connection", c.readyAttempts)
	c.Close()
	return fmt.Errorf("%w: no ready acknowledgement after %d probes", ErrCommand, c.readyAttempts)
}

// Close aborts the socket immediately. The device does not support a
// graceful shutdown. All queued pending requests fail with ErrCommand.
func (c *Connection) Close() {
	c.teardown()
}

// LastReceived returns the time the last byte arrived from the device.
func (c *Connection) LastReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecv
}

func (c *Connection) write(line string) error {
	logging.Debug("escvp: >> %q", line)
	if _, err := c.conn.Write([]byte(line + escvp.SendTerminator)); err != nil {
		return fmt.Errorf("%w: write: %v", ErrCommand, err)
	}
	return nil
}

func (c *Connection) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			logging.Debug("escvp: << %q", buf[:n])
			c.mu.Lock()
			c.lastRecv = time.Now()
			c.buf = append(c.buf, buf[:n]...)
			c.mu.Unlock()

			for c.consumeFrame() {
			}
		}
		if err != nil {
			c.teardown()
			return
		}
	}
}

// consumeFrame applies one step of the framing rules to the inbound buffer
// and returns whether it made progress. Callers loop until it returns false.
func (c *Connection) consumeFrame() bool {
	term := []byte(escvp.RecvTerminator)

	c.mu.Lock()

	// A bare terminator is the acknowledgement of a state-changing command.
	if bytes.HasPrefix(c.buf, term) {
		c.buf = c.buf[len(term):]
		c.mu.Unlock()
		c.signalReady()
		return true
	}

	// Unsolicited event frame.
	if bytes.HasPrefix(c.buf, []byte(escvp.EventPrefix)) {
		idx := bytes.Index(c.buf, term)
		if idx < 0 {
			c.mu.Unlock()
			return false
		}
		frame := string(c.buf[:idx])
		c.buf = c.buf[idx+len(term):]
		c.mu.Unlock()

		payload := strings.TrimPrefix(strings.TrimPrefix(frame, escvp.EventPrefix), " ")
		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(payload)
		}
		return true
	}

	// The handshake echo carries no terminator of its own. Splice one in
	// after the fixed-length response so it parses like a normal frame.
	if bytes.HasPrefix(c.buf, []byte(escvp.Preamble)) {
		if len(c.buf) < escvp.HandshakeResponseLen {
			c.mu.Unlock()
			return false
		}
		if !bytes.HasPrefix(c.buf[escvp.HandshakeResponseLen:], term) {
			spliced := make([]byte, 0, len(c.buf)+len(term))
			spliced = append(spliced, c.buf[:escvp.HandshakeResponseLen]...)
			spliced = append(spliced, term...)
			spliced = append(spliced, c.buf[escvp.HandshakeResponseLen:]...)
			c.buf = spliced
		}
	}

	idx := bytes.Index(c.buf, term)
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	frame := string(c.buf[:idx])
	c.buf = c.buf[idx+len(term):]

	if frame == escvp.ErrorToken {
		req := c.popPendingLocked()
		c.mu.Unlock()
		if req == nil {
			logging.Warn("escvp: unexpected %s frame", escvp.ErrorToken)
			return true
		}
		req.done <- result{err: fmt.Errorf("%w: device returned %s", ErrCommand, escvp.ErrorToken)}
		return true
	}

	// Resolve against the oldest pending request. A token mismatch fails
	// that request and retries the frame against the next one, so a single
	// missed response cannot poison the rest of the queue.
	var (
		matched  *pendingRequest
		mismatch []*pendingRequest
	)
	for c.pending.Length() > 0 {
		req := c.pending.Remove().(*pendingRequest)
		if strings.HasPrefix(frame, req.token) {
			matched = req
			break
		}
		logging.Warn("escvp: response %q does not match pending command %q", frame, req.token)
		mismatch = append(mismatch, req)
	}
	c.mu.Unlock()

	for _, req := range mismatch {
		req.done <- result{err: fmt.Errorf("%w: response mismatch", ErrCommand)}
	}
	if matched == nil {
		logging.Warn("escvp: discarding unexpected frame %q", frame)
		return true
	}
	matched.done <- result{frame: frame}
	return true
}

func (c *Connection) popPendingLocked() *pendingRequest {
	if c.pending.Length() == 0 {
		return nil
	}
	return c.pending.Remove().(*pendingRequest)
}

func (c *Connection) signalReady() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.buf = nil

	var pending []*pendingRequest
	for c.pending.Length() > 0 {
		pending = append(pending, c.pending.Remove().(*pendingRequest))
	}
	c.mu.Unlock()

	// Abort rather than shut down gracefully; a lingering half-open
	// connection is exactly what wedges the device.
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = c.conn.Close()

	for _, req := range pending {
		req.done <- result{err: fmt.Errorf("%w: connection closed", ErrCommand)}
	}

	logging.Info("escvp: connection terminated")
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(c)
	}
}
