package projector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tavru/escvpnet/internal/connection"
	"github.com/tavru/escvpnet/internal/escvp"
)

// Snapshot is a point-in-time read model of the device for consumers that
// should not reach into the session.
type Snapshot struct {
	Connected    bool     `json:"connected"`
	Power        bool     `json:"power"`
	PowerStatus  string   `json:"power_status"`
	Source       string   `json:"source"`
	Sources      []string `json:"sources"`
	SerialNumber string   `json:"serial_number"`
}

// Snapshot returns the current device state.
func (p *Projector) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	source := "unknown"
	if name, ok := p.sources[p.sourceCode]; ok {
		source = name
	}
	sources := make([]string, 0, len(p.sources))
	for _, name := range p.sources {
		sources = append(sources, name)
	}

	snap := Snapshot{
		Connected:    p.conn != nil && p.state == StateReady,
		Power:        escvp.PowerIsOn(p.powerStatus),
		PowerStatus:  escvp.PowerStatusName(p.powerStatus),
		Source:       source,
		Sources:      sources,
		SerialNumber: p.serialNumber,
	}
	sort.Strings(snap.Sources)
	return snap
}

// Subscribe registers for state-change notifications. Each change delivers a
// fresh snapshot; slow receivers miss intermediate updates rather than block
// the session. The returned cancel function must be called to release the
// subscription.
func (p *Projector) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	p.mu.Lock()
	p.subscribers[ch] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		delete(p.subscribers, ch)
		p.mu.Unlock()
	}
	return ch, cancel
}

func (p *Projector) notify() {
	snap := p.Snapshot()

	p.mu.Lock()
	for ch := range p.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
	p.mu.Unlock()
}

// Identify opens a throwaway connection, reads the device serial number and
// closes again. Pairing flows use it to derive a stable unique id before a
// session is set up.
func Identify(ctx context.Context, host string, port int, timeout time.Duration) (string, error) {
	conn, err := connection.Dial(host, port, timeout, connection.Handlers{})
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.Handshake(ctx); err != nil {
		return "", err
	}

	frame, err := conn.Send(ctx, escvp.Query(escvp.CmdSerialNumber))
	if err != nil {
		return "", err
	}
	serial, ok := escvp.ResponseValue(escvp.CmdSerialNumber, frame)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMalformedResponse, frame)
	}
	return serial, nil
}
