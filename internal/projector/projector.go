// Package projector implements the session layer of the ESC/VP.net client:
// device state, command semantics and connection lifecycle management on top
// of the transport in internal/connection.
package projector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tavru/escvpnet/internal/connection"
	"github.com/tavru/escvpnet/internal/escvp"
	"github.com/tavru/escvpnet/internal/logging"
)

const (
	defaultConnectTimeout  = 30 * time.Second
	defaultMonitorInterval = 30 * time.Second
	defaultKeepaliveAfter  = time.Minute
	defaultDeadAfter       = 3 * time.Minute
	defaultPowerOffQuiet   = 10 * time.Second
)

var (
	// ErrNotReady indicates an operation attempted without an established
	// connection.
	ErrNotReady = errors.New("projector not connected")

	// ErrMalformedResponse indicates a query response missing the expected
	// "CMD=" prefix or carrying an unparseable value.
	ErrMalformedResponse = errors.New("malformed query response")
)

// State is the connection state of a Projector.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Projector is one ESC/VP.net device session. It owns at most one live
// connection, tracks device state across reconnects and runs a background
// monitor that keeps the link healthy.
type Projector struct {
	host string
	port int

	connectTimeout  time.Duration
	monitorInterval time.Duration
	keepaliveAfter  time.Duration
	deadAfter       time.Duration
	powerOffQuiet   time.Duration

	mu           sync.Mutex
	conn         *connection.Connection
	state        State
	serialNumber string
	powerStatus  int
	sourceCode   string
	sources      map[string]string
	quietUntil   time.Time
	subscribers  map[chan Snapshot]struct{}

	// connectMu serializes connection attempts; at most one is in flight.
	connectMu sync.Mutex

	cancelMonitor context.CancelFunc
	monitorDone   chan struct{}
}

// Option configures a Projector.
type Option func(*Projector)

// WithPort overrides the default ESC/VP.net port.
func WithPort(port int) Option {
	return func(p *Projector) { p.port = port }
}

// WithConnectTimeout bounds each TCP connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Projector) { p.connectTimeout = d }
}

// WithMonitorInterval sets the health-monitor tick.
func WithMonitorInterval(d time.Duration) Option {
	return func(p *Projector) { p.monitorInterval = d }
}

// WithKeepaliveAfter sets the liveness age that triggers a keepalive probe.
func WithKeepaliveAfter(d time.Duration) Option {
	return func(p *Projector) { p.keepaliveAfter = d }
}

// WithDeadAfter sets the liveness age at which the link is declared dead.
func WithDeadAfter(d time.Duration) Option {
	return func(p *Projector) { p.deadAfter = d }
}

// WithPowerOffQuiet sets the quiet period enforced after a power-off.
func WithPowerOffQuiet(d time.Duration) Option {
	return func(p *Projector) { p.powerOffQuiet = d }
}

// New creates a session for the projector at host. No connection is made
// until Connect.
func New(host string, opts ...Option) *Projector {
	p := &Projector{
		host:            host,
		port:            escvp.DefaultPort,
		connectTimeout:  defaultConnectTimeout,
		monitorInterval: defaultMonitorInterval,
		keepaliveAfter:  defaultKeepaliveAfter,
		deadAfter:       defaultDeadAfter,
		powerOffQuiet:   defaultPowerOffQuiet,
		powerStatus:     escvp.PowerUnknown,
		sources:         map[string]string{},
		subscribers:     map[chan Snapshot]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect starts the background monitor and makes one immediate connection
// attempt. Attempt failures are logged, not returned: the monitor retries on
// its next tick. If a monitor is already running only the attempt is made.
func (p *Projector) Connect(ctx context.Context) {
	p.mu.Lock()
	if p.cancelMonitor == nil {
		mctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		p.cancelMonitor = cancel
		p.monitorDone = done
		go p.monitor(mctx, done)
	}
	p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		logging.Warn("projector %s: connect failed: %v", p.host, err)
	}
}

// ConnectOnce performs a single connection attempt without starting the
// background monitor. One-shot callers (CLI commands, pairing flows) use it
// to fail fast instead of relying on monitor retries.
func (p *Projector) ConnectOnce(ctx context.Context) error {
	return p.connect(ctx)
}

// Disconnect cancels the monitor, waits for it to stop, then closes any live
// connection. Safe to call on a session that never connected.
func (p *Projector) Disconnect() {
	p.mu.Lock()
	cancel := p.cancelMonitor
	done := p.monitorDone
	p.cancelMonitor = nil
	p.monitorDone = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// SetPower turns the projector on or off and waits for the device to accept
// the command. After a power-off the session enforces a quiet period before
// the next outbound command: the device's network interface wedges if it is
// spoken to too soon, and only the remote control recovers it.
func (p *Projector) SetPower(ctx context.Context, on bool) error {
	arg := "OFF"
	if on {
		arg = "ON"
	}
	if err := p.execute(ctx, escvp.CmdPower, arg); err != nil {
		return err
	}
	if !on {
		p.mu.Lock()
		p.quietUntil = time.Now().Add(p.powerOffQuiet)
		p.mu.Unlock()
	}
	return nil
}

// SetSource switches to the named input. An unknown name is a warning and a
// no-op, not an error: the source table is device-reported and may not be
// populated yet.
func (p *Projector) SetSource(ctx context.Context, name string) error {
	p.mu.Lock()
	var code string
	for c, n := range p.sources {
		if n == name {
			code = c
			break
		}
	}
	p.mu.Unlock()

	if code == "" {
		logging.Warn("projector: unknown source name %q", name)
		return nil
	}
	return p.execute(ctx, escvp.CmdSource, code)
}

// LoadLensMemory recalls the lens memory stored in the given slot.
func (p *Projector) LoadLensMemory(ctx context.Context, slot int) error {
	return p.execute(ctx, escvp.CmdLensMemory, strconv.Itoa(slot))
}

// LoadImageMemory recalls the picture memory stored in the given slot.
func (p *Projector) LoadImageMemory(ctx context.Context, slot int) error {
	return p.execute(ctx, escvp.CmdImageMemory, strconv.Itoa(slot))
}

// Power reports whether the device is on (powered or warming up).
func (p *Projector) Power() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return escvp.PowerIsOn(p.powerStatus)
}

// ConnectionOK reports whether a connection is currently established.
func (p *Projector) ConnectionOK() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && p.state == StateReady
}

// State returns the current connection state.
func (p *Projector) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SerialNumber returns the cached device serial number, or "" before the
// first successful status refresh.
func (p *Projector) SerialNumber() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serialNumber
}

// SourceList returns the human-readable names of all known inputs, sorted.
func (p *Projector) SourceList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.sources))
	for _, name := range p.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source returns the name of the current input, or "unknown" when the code
// is unset or absent from the source table.
func (p *Projector) Source() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name, ok := p.sources[p.sourceCode]; ok {
		return name
	}
	return "unknown"
}

func (p *Projector) connect(ctx context.Context) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.setState(StateConnecting)
	logging.Debug("projector: connecting to %s:%d", p.host, p.port)

	conn, err := connection.Dial(p.host, p.port, p.connectTimeout, connection.Handlers{
		OnEvent:      p.onEvent,
		OnDisconnect: p.dropConnection,
	})
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}

	// Install before the handshake: the peer can drop the socket at any
	// moment, and the disconnect callback must find this connection in
	// place to clear it. A close during the handshake leaves p.conn nil.
	p.mu.Lock()
	p.conn = conn
	p.state = StateHandshaking
	p.mu.Unlock()

	// Cancelled mid-dial: unwind without keeping the socket.
	if ctx.Err() != nil {
		conn.Close()
		return ctx.Err()
	}

	if err := conn.Handshake(ctx); err != nil {
		conn.Close()
		return err
	}

	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return fmt.Errorf("connection lost during handshake")
	}
	p.state = StateReady
	p.mu.Unlock()

	if err := p.updateStatus(ctx); err != nil {
		logging.Warn("projector: initial status refresh failed: %v", err)
	}

	logging.Info("projector: connected to %s:%d", p.host, p.port)
	p.notify()
	return nil
}

func (p *Projector) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.monitorOnce(ctx)
		}
	}
}

func (p *Projector) monitorOnce(ctx context.Context) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		switch err := p.connect(ctx); {
		case err == nil:
		case errors.Is(err, context.Canceled):
		case errors.Is(err, connection.ErrConnectTimeout):
			logging.Debug("projector: reconnect timed out")
		default:
			logging.Warn("projector: reconnect failed: %v", err)
		}
		return
	}

	age := time.Since(conn.LastReceived())
	switch {
	case age >= p.deadAfter:
		logging.Warn("projector: no traffic for %s, resetting connection", age.Round(time.Second))
		conn.Close()
	case age >= p.keepaliveAfter:
		if err := conn.SendNoResponse(""); err != nil {
			logging.Warn("projector: keepalive failed: %v", err)
		}
	}
}

// updateStatus refreshes the cached device state. Invoked after a handshake
// completes and after every unsolicited event.
func (p *Projector) updateStatus(ctx context.Context) error {
	conn, err := p.currentConn()
	if err != nil {
		return err
	}

	// Let any in-flight state change settle before querying.
	if err := conn.WaitReady(ctx); err != nil {
		return err
	}

	raw, err := p.query(ctx, escvp.CmdPower)
	if err != nil {
		return err
	}
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: power status %q", ErrMalformedResponse, raw)
	}

	p.mu.Lock()
	p.powerStatus = code
	serialKnown := p.serialNumber != ""
	p.mu.Unlock()

	if !serialKnown {
		serial, err := p.query(ctx, escvp.CmdSerialNumber)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.serialNumber = serial
		p.mu.Unlock()
	}

	if !escvp.PowerIsOn(code) {
		p.notify()
		return nil
	}

	// Source queries fail while the device is still settling; try again on
	// the next refresh.
	if err := p.refreshSource(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		logging.Debug("projector: not ready to retrieve sources: %v", err)
	}

	p.notify()
	return nil
}

func (p *Projector) refreshSource(ctx context.Context) error {
	src, err := p.query(ctx, escvp.CmdSource)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.sourceCode = src
	needTable := len(p.sources) == 0
	p.mu.Unlock()

	if !needTable {
		return nil
	}

	raw, err := p.query(ctx, escvp.CmdSourceList)
	if err != nil {
		return err
	}
	table := escvp.ParseSourceList(raw)

	p.mu.Lock()
	if len(p.sources) == 0 {
		p.sources = table
	}
	p.mu.Unlock()
	return nil
}

func (p *Projector) query(ctx context.Context, command string) (string, error) {
	conn, err := p.currentConn()
	if err != nil {
		return "", err
	}
	if err := p.waitQuiet(ctx); err != nil {
		return "", err
	}

	frame, err := conn.Send(ctx, escvp.Query(command))
	if err != nil {
		return "", err
	}
	value, ok := escvp.ResponseValue(command, frame)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMalformedResponse, frame)
	}
	return value, nil
}

func (p *Projector) execute(ctx context.Context, command, arg string) error {
	conn, err := p.currentConn()
	if err != nil {
		return err
	}
	if err := p.waitQuiet(ctx); err != nil {
		return err
	}

	if err := conn.SendNoResponse(escvp.Command(command, arg)); err != nil {
		return err
	}
	return conn.WaitReady(ctx)
}

func (p *Projector) currentConn() (*connection.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.state != StateReady {
		return nil, ErrNotReady
	}
	return p.conn, nil
}

// waitQuiet blocks while the post-power-off quiet period is in effect.
func (p *Projector) waitQuiet(ctx context.Context) error {
	p.mu.Lock()
	until := p.quietUntil
	p.mu.Unlock()

	d := time.Until(until)
	if d <= 0 {
		return nil
	}

	logging.Debug("projector: holding commands for %s after power off", d.Round(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onEvent runs on the connection's read loop. The refresh happens on its own
// goroutine so frame parsing never blocks on device queries; the payload is
// only a trigger, the refreshed state comes from direct queries.
func (p *Projector) onEvent(payload string) {
	logging.Debug("projector: event: %s", payload)
	go func() {
		if err := p.updateStatus(context.Background()); err != nil {
			logging.Debug("projector: event refresh failed: %v", err)
		}
	}()
}

// dropConnection handles the transport's disconnect callback. Power and
// source become unknown; the serial number and source table are immutable
// device properties and survive.
func (p *Projector) dropConnection(c *connection.Connection) {
	p.mu.Lock()
	if p.conn != c {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.state = StateDisconnected
	p.powerStatus = escvp.PowerUnknown
	p.sourceCode = ""
	p.mu.Unlock()

	logging.Info("projector: connection lost")
	p.notify()
}

func (p *Projector) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
