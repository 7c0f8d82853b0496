package projector

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tavru/escvpnet/internal/connection"
	"github.com/tavru/escvpnet/internal/escvp"
)

// fakeProjector speaks just enough ESC/VP.net to exercise the session layer:
// handshake echo, query responses, bare-terminator acknowledgements and
// unsolicited events.
type fakeProjector struct {
	t  *testing.T
	ln net.Listener

	mu                  sync.Mutex
	power               string
	serial              string
	source              string
	sourceList          string
	handshakeStatus     byte
	closeAfterHandshake bool
	conns               []net.Conn

	commands chan string
	probes   chan struct{}
}

func newFakeProjector(t *testing.T) *fakeProjector {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeProjector{
		t:               t,
		ln:              ln,
		power:           "01",
		serial:          "ABC1234567",
		source:          "30",
		sourceList:      "30 HDMI1 41 HDMI2",
		handshakeStatus: escvp.HandshakeStatusOK,
		commands:        make(chan string, 16),
		probes:          make(chan struct{}, 64),
	}

	go f.acceptLoop()
	t.Cleanup(func() {
		_ = ln.Close()
		f.closeAll()
	})

	return f
}

func (f *fakeProjector) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeProjector) setPower(code string) {
	f.mu.Lock()
	f.power = code
	f.mu.Unlock()
}

func (f *fakeProjector) setHandshakeStatus(status byte) {
	f.mu.Lock()
	f.handshakeStatus = status
	f.mu.Unlock()
}

func (f *fakeProjector) setCloseAfterHandshake(v bool) {
	f.mu.Lock()
	f.closeAfterHandshake = v
	f.mu.Unlock()
}

func (f *fakeProjector) closeAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// sendEvent emits an unsolicited IMEVENT frame on the most recent link.
func (f *fakeProjector) sendEvent(payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.conns)
	conn := f.conns[len(f.conns)-1]
	_, err := conn.Write([]byte(escvp.EventPrefix + " " + payload + escvp.RecvTerminator))
	require.NoError(f.t, err)
}

func (f *fakeProjector) drainProbes() {
	for {
		select {
		case <-f.probes:
		default:
			return
		}
	}
}

func (f *fakeProjector) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handleConn(conn)
	}
}

func (f *fakeProjector) handleConn(conn net.Conn) {
	reader := bufio.NewReader(conn)

	buf := make([]byte, escvp.HandshakeResponseLen)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return
	}
	echo := make([]byte, escvp.HandshakeResponseLen)
	copy(echo, escvp.Preamble)
	f.mu.Lock()
	echo[escvp.HandshakeStatusOffset] = f.handshakeStatus
	dropNow := f.closeAfterHandshake
	f.mu.Unlock()
	if _, err := conn.Write(echo); err != nil {
		return
	}
	if dropNow {
		_ = conn.Close()
		return
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, escvp.SendTerminator)
		f.handleLine(conn, line)
	}
}

func (f *fakeProjector) handleLine(conn net.Conn, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ack := func() { _, _ = conn.Write([]byte(escvp.RecvTerminator)) }
	respond := func(frame string) { _, _ = conn.Write([]byte(frame + escvp.RecvTerminator)) }

	switch line {
	case "":
		select {
		case f.probes <- struct{}{}:
		default:
		}
		ack()
	case "PWR?":
		respond("PWR=" + f.power)
	case "SNO?":
		respond("SNO=" + f.serial)
	case "SOURCE?":
		respond("SOURCE=" + f.source)
	case "SOURCELIST?":
		respond("SOURCELIST=" + f.sourceList)
	default:
		select {
		case f.commands <- line:
		default:
		}
		ack()
	}
}

func (f *fakeProjector) expectCommand(expected string) {
	f.t.Helper()
	select {
	case cmd := <-f.commands:
		require.Equal(f.t, expected, cmd)
	case <-time.After(2 * time.Second):
		f.t.Fatalf("device never received %q", expected)
	}
}

func (f *fakeProjector) expectNoCommand() {
	f.t.Helper()
	select {
	case cmd := <-f.commands:
		f.t.Fatalf("device unexpectedly received %q", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestProjector(f *fakeProjector, opts ...Option) *Projector {
	all := append([]Option{
		WithPort(f.port()),
		WithConnectTimeout(time.Second),
		WithPowerOffQuiet(10 * time.Millisecond),
	}, opts...)
	return New("127.0.0.1", all...)
}

func Test_ConnectOnce_InitialStatus(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f)
	defer p.Disconnect()

	require.NoError(t, p.ConnectOnce(context.Background()))

	require.True(t, p.ConnectionOK())
	require.Equal(t, StateReady, p.State())
	require.True(t, p.Power())
	require.Equal(t, "ABC1234567", p.SerialNumber())
	require.Equal(t, "HDMI1", p.Source())
	require.Equal(t, []string{"HDMI1", "HDMI2"}, p.SourceList())
}

func Test_ConnectOnce_PowerCodes(t *testing.T) {
	tests := []struct {
		code     string
		power    bool
		status   string
	}{
		{"01", true, "Power on"},
		{"02", true, "Warm up"},
		{"00", false, "Standby / Network off"},
		{"04", false, "Standby / Network on"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			f := newFakeProjector(t)
			f.setPower(tt.code)
			p := newTestProjector(f)
			defer p.Disconnect()

			require.NoError(t, p.ConnectOnce(context.Background()))
			require.Equal(t, tt.power, p.Power())
			require.Equal(t, tt.status, p.Snapshot().PowerStatus)
		})
	}
}

func Test_ConnectOnce_HandshakeRejected(t *testing.T) {
	f := newFakeProjector(t)
	f.setHandshakeStatus(0x53)
	p := newTestProjector(f)

	err := p.ConnectOnce(context.Background())

	var hsErr *connection.HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, byte(0x53), hsErr.Status)
	require.Equal(t, StateDisconnected, p.State())
	require.False(t, p.ConnectionOK())
}

func Test_SetPower(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f)
	defer p.Disconnect()
	require.NoError(t, p.ConnectOnce(context.Background()))

	require.NoError(t, p.SetPower(context.Background(), true))
	f.expectCommand("PWR ON")

	require.NoError(t, p.SetPower(context.Background(), false))
	f.expectCommand("PWR OFF")

	// The post-off quiet period must not wedge later commands for good.
	require.NoError(t, p.SetPower(context.Background(), true))
	f.expectCommand("PWR ON")
}

func Test_SetPower_NotReady(t *testing.T) {
	p := New("127.0.0.1")
	require.ErrorIs(t, p.SetPower(context.Background(), true), ErrNotReady)
}

func Test_SetSource(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f)
	defer p.Disconnect()
	require.NoError(t, p.ConnectOnce(context.Background()))

	require.NoError(t, p.SetSource(context.Background(), "HDMI1"))
	f.expectCommand("SOURCE 30")

	// Unknown names are a warning and a no-op, never an error.
	require.NoError(t, p.SetSource(context.Background(), "VGA"))
	f.expectNoCommand()
}

func Test_LoadMemories(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f)
	defer p.Disconnect()
	require.NoError(t, p.ConnectOnce(context.Background()))

	require.NoError(t, p.LoadLensMemory(context.Background(), 2))
	f.expectCommand("POPLP 2")

	require.NoError(t, p.LoadImageMemory(context.Background(), 1))
	f.expectCommand("POPMEM 1")
}

func Test_Disconnect_KeepsCachedIdentity(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f)
	defer p.Disconnect()
	require.NoError(t, p.ConnectOnce(context.Background()))

	f.closeAll()

	require.Eventually(t, func() bool { return !p.ConnectionOK() },
		2*time.Second, 10*time.Millisecond)

	// Power and source become unknown; serial number and source table are
	// immutable device properties and survive the disconnect.
	require.False(t, p.Power())
	require.Equal(t, "unknown", p.Source())
	require.Equal(t, "ABC1234567", p.SerialNumber())
	require.Equal(t, []string{"HDMI1", "HDMI2"}, p.SourceList())
}

func Test_ConnectOnce_PeerClosesAfterHandshake(t *testing.T) {
	f := newFakeProjector(t)
	f.setCloseAfterHandshake(true)
	p := newTestProjector(f)
	defer p.Disconnect()

	// The peer drops the socket right after its handshake echo. Whether the
	// attempt reports success or failure depends on timing; either way the
	// session must not keep believing it holds a live connection.
	_ = p.ConnectOnce(context.Background())

	require.Eventually(t, func() bool {
		return !p.ConnectionOK() && p.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
}

func Test_Monitor_RecoversFromCloseDuringConnect(t *testing.T) {
	f := newFakeProjector(t)
	f.setCloseAfterHandshake(true)
	p := newTestProjector(f, WithMonitorInterval(20*time.Millisecond))
	defer p.Disconnect()

	p.Connect(context.Background())
	require.Eventually(t, func() bool { return !p.ConnectionOK() },
		2*time.Second, 5*time.Millisecond)

	// Once the device behaves again the monitor must re-establish the link.
	f.setCloseAfterHandshake(false)
	require.Eventually(t, p.ConnectionOK, 2*time.Second, 10*time.Millisecond)
}

func Test_Connect_SecondCallReusesMonitor(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f, WithMonitorInterval(20*time.Millisecond))

	p.Connect(context.Background())
	p.Connect(context.Background())
	require.True(t, p.ConnectionOK())

	// Disconnect must stop the monitor entirely; a leaked monitor from the
	// first call would reconnect here.
	p.Disconnect()
	require.False(t, p.ConnectionOK())
	time.Sleep(100 * time.Millisecond)
	require.False(t, p.ConnectionOK())
}

func Test_Monitor_Reconnects(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f, WithMonitorInterval(30*time.Millisecond))
	defer p.Disconnect()

	p.Connect(context.Background())
	require.True(t, p.ConnectionOK())

	f.closeAll()
	require.Eventually(t, func() bool { return !p.ConnectionOK() },
		2*time.Second, 5*time.Millisecond)

	require.Eventually(t, p.ConnectionOK, 2*time.Second, 10*time.Millisecond)
}

func Test_Monitor_Keepalive(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f,
		WithKeepaliveAfter(time.Millisecond),
		WithDeadAfter(time.Hour),
	)
	defer p.Disconnect()
	require.NoError(t, p.ConnectOnce(context.Background()))

	time.Sleep(20 * time.Millisecond)
	f.drainProbes()

	p.monitorOnce(context.Background())

	select {
	case <-f.probes:
	case <-time.After(time.Second):
		t.Fatal("monitor never sent a keepalive probe")
	}
}

func Test_Monitor_DeadLinkForcesDisconnect(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f,
		WithKeepaliveAfter(time.Millisecond),
		WithDeadAfter(5*time.Millisecond),
	)
	defer p.Disconnect()
	require.NoError(t, p.ConnectOnce(context.Background()))

	time.Sleep(20 * time.Millisecond)
	f.drainProbes()

	p.monitorOnce(context.Background())

	require.Eventually(t, func() bool { return !p.ConnectionOK() },
		2*time.Second, 5*time.Millisecond)

	// Past the dead threshold the monitor resets the link instead of
	// probing it.
	select {
	case <-f.probes:
		t.Fatal("monitor sent a keepalive on a dead link")
	default:
	}
}

func Test_Event_TriggersStatusRefresh(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f)
	defer p.Disconnect()
	require.NoError(t, p.ConnectOnce(context.Background()))
	require.Equal(t, "Power on", p.Snapshot().PowerStatus)

	f.setPower("02")
	f.sendEvent("0001 2")

	require.Eventually(t, func() bool {
		return p.Snapshot().PowerStatus == "Warm up"
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_Snapshot(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f)
	defer p.Disconnect()
	require.NoError(t, p.ConnectOnce(context.Background()))

	snap := p.Snapshot()
	require.True(t, snap.Connected)
	require.True(t, snap.Power)
	require.Equal(t, "Power on", snap.PowerStatus)
	require.Equal(t, "HDMI1", snap.Source)
	require.Equal(t, []string{"HDMI1", "HDMI2"}, snap.Sources)
	require.Equal(t, "ABC1234567", snap.SerialNumber)
}

func Test_Subscribe_NotifiesOnChange(t *testing.T) {
	f := newFakeProjector(t)
	p := newTestProjector(f)
	defer p.Disconnect()

	updates, cancel := p.Subscribe()
	defer cancel()

	require.NoError(t, p.ConnectOnce(context.Background()))

	select {
	case snap := <-updates:
		require.True(t, snap.Connected)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered after connect")
	}
}

func Test_Identify(t *testing.T) {
	f := newFakeProjector(t)

	serial, err := Identify(context.Background(), "127.0.0.1", f.port(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "ABC1234567", serial)
}
