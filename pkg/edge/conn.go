// Package edge implements the edge-stream engine: the state machine and
// relay cell dispatcher that sit at the boundary between a circuit and the
// application byte stream it carries, on both the AP (SOCKS client) side and
// the EXIT (destination-facing) side.
//
// The original design runs this as a single-threaded reactor toggling each
// connection's read/write readiness; this package keeps the same
// stop_reading/start_reading semantics but drives them from a goroutine per
// connection, matching how the rest of this module structures concurrency.
package edge

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/opd-ai/go-tor-edge/pkg/bytebuf"
	"github.com/opd-ai/go-tor-edge/pkg/circuit"
	"github.com/opd-ai/go-tor-edge/pkg/flowctl"
	"github.com/opd-ai/go-tor-edge/pkg/logger"
)

// Role distinguishes the two edge connection types spec.md's data model
// names: the AP side, which terminates a SOCKS client, and the EXIT side,
// which terminates the circuit by talking to the real destination.
type Role int

const (
	RoleAP Role = iota
	RoleExit
)

func (r Role) String() string {
	if r == RoleExit {
		return "EXIT"
	}
	return "AP"
}

// State is the lifecycle state of an edge connection. AP connections run
// SocksWait -> APOpen; EXIT connections run Resolving -> Connecting ->
// ExitOpen. Closed is terminal for both.
type State int

const (
	StateSocksWait State = iota
	StateAPOpen
	StateResolving
	StateConnecting
	StateExitOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSocksWait:
		return "SOCKS_WAIT"
	case StateAPOpen:
		return "AP_OPEN"
	case StateResolving:
		return "RESOLVING"
	case StateConnecting:
		return "CONNECTING"
	case StateExitOpen:
		return "EXIT_OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Conn is one edge connection: the per-stream state the dispatcher and the
// byte pump share. It implements circuit.StreamHandle so a Circuit can own
// it without importing this package.
type Conn struct {
	mu sync.Mutex

	role     Role
	state    State
	streamID uint16

	circ       *circuit.Circuit
	cpathLayer int // AP only: index into circ.Hops this stream's windows track; -1 if none

	channel *bytebuf.Channel
	log     *logger.Logger

	packageWindow *flowctl.Window // credit to send RELAY_DATA outward on the circuit
	deliverWindow *flowctl.Window // credit to accept RELAY_DATA inward from the circuit

	markedForClose  bool
	doneSending     bool // local socket's write side is shut, app data still draining
	doneReceiving   bool
	inbufReachedEOF bool

	halfCloseEnabled bool

	target string
	port   uint16

	resolveCancel context.CancelFunc

	closeOnce sync.Once
}

// NewAPConn wraps an accepted SOCKS client connection in SOCKS_WAIT state,
// awaiting a complete SOCKS4 request before a circuit is chosen.
func NewAPConn(conn net.Conn, log *logger.Logger, halfCloseEnabled bool) *Conn {
	return &Conn{
		role:             RoleAP,
		state:            StateSocksWait,
		channel:          bytebuf.New(conn, log),
		log:              log.Component("edge-ap"),
		cpathLayer:       -1,
		halfCloseEnabled: halfCloseEnabled,
	}
}

// NewExitConn wraps a freshly recognized RELAY_BEGIN stream in RESOLVING
// state; no local socket exists yet since the destination isn't connected.
func NewExitConn(streamID uint16, circ *circuit.Circuit, log *logger.Logger, halfCloseEnabled bool) *Conn {
	return &Conn{
		role:             RoleExit,
		state:            StateResolving,
		streamID:         streamID,
		circ:             circ,
		cpathLayer:       -1,
		log:              log.Component("edge-exit"),
		packageWindow:    flowctl.NewStreamWindow(),
		deliverWindow:    flowctl.NewStreamWindow(),
		halfCloseEnabled: halfCloseEnabled,
	}
}

// StreamID implements circuit.StreamHandle.
func (c *Conn) StreamID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// SetStreamID assigns the stream ID once a circuit has allocated one for an
// AP connection (the exit side already knows its ID from the BEGIN cell).
func (c *Conn) SetStreamID(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamID = id
}

// AttachCircuit records which circuit and cpath layer an AP connection's
// stream was opened on, and initializes its stream-level flow-control
// windows (spec.md section 3).
func (c *Conn) AttachCircuit(circ *circuit.Circuit, cpathLayer int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circ = circ
	c.cpathLayer = cpathLayer
	c.packageWindow = flowctl.NewStreamWindow()
	c.deliverWindow = flowctl.NewStreamWindow()
}

// MarkForClose implements circuit.StreamHandle: it tears down the local
// socket but performs no circuit-side bookkeeping, since the circuit calling
// this already owns (and will clear) the stream map entry.
func (c *Conn) MarkForClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.markedForClose = true
		c.state = StateClosed
		c.mu.Unlock()
		if c.channel != nil {
			c.channel.Close()
			c.channel.Release()
		}
	})
}

// IsMarkedForClose reports whether this connection has been torn down.
func (c *Conn) IsMarkedForClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markedForClose
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection to a new lifecycle state.
func (c *Conn) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Channel returns the underlying buffered byte channel (C1).
func (c *Conn) Channel() *bytebuf.Channel { return c.channel }

// Circuit returns the circuit this connection's stream belongs to.
func (c *Conn) Circuit() *circuit.Circuit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circ
}

// SetTarget records the destination this stream was asked to reach.
func (c *Conn) SetTarget(host string, port uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = host
	c.port = port
}

// Target returns the destination host and port this stream is for.
func (c *Conn) Target() (string, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.port
}

// PackageWindow returns this stream's outward (send) flow-control window.
func (c *Conn) PackageWindow() *flowctl.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packageWindow
}

// DeliverWindow returns this stream's inward (receive) flow-control window.
func (c *Conn) DeliverWindow() *flowctl.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliverWindow
}

// CpathLayerWindow returns the package window of the cpath layer this
// AP-side stream terminates at (spec.md section 4.3's third decrement
// scope), or nil for exit-side streams and AP streams not yet attached to a
// circuit.
func (c *Conn) CpathLayerWindow() *flowctl.Window {
	c.mu.Lock()
	circ, layer := c.circ, c.cpathLayer
	c.mu.Unlock()
	if circ == nil || layer < 0 {
		return nil
	}
	hop := circ.LayerWindow(layer)
	if hop == nil {
		return nil
	}
	return hop.PackageWindow
}

// SetDoneSending marks the local socket's write side as finished. With
// half-close disabled this immediately closes the connection; with it
// enabled it only records the flag, and the connection stays open until it
// is closed elsewhere (the peer's RELAY_END, or ServeAP returning).
func (c *Conn) SetDoneSending() {
	c.mu.Lock()
	halfClose := c.halfCloseEnabled
	c.doneSending = true
	c.mu.Unlock()
	if !halfClose {
		c.MarkForClose()
	}
}

// DoneSending reports whether SetDoneSending has been called.
func (c *Conn) DoneSending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneSending
}

// SetDoneReceiving marks that the peer's RELAY_END has been processed, so no
// further RELAY_DATA is expected from the circuit for this stream (spec.md
// section 3's done_receiving flag).
func (c *Conn) SetDoneReceiving() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doneReceiving = true
}

// DoneReceiving reports whether SetDoneReceiving has been called.
func (c *Conn) DoneReceiving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneReceiving
}

// SetInbufReachedEOF records that the local socket's read side saw EOF.
func (c *Conn) SetInbufReachedEOF() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbufReachedEOF = true
}

// InbufReachedEOF reports whether the local socket's read side saw EOF.
func (c *Conn) InbufReachedEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbufReachedEOF
}

// SetResolveCancel records the cancel function for this stream's in-flight
// DNS resolution (or connect attempt), so a RELAY_END arriving mid-resolve
// can cancel it explicitly (spec.md section 4.4 step 5) instead of letting
// it run to its own timeout.
func (c *Conn) SetResolveCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveCancel = cancel
}

// CancelPendingResolve cancels this stream's in-flight resolve/connect, if
// any, and is idempotent: calling it after the resolve already finished (or
// more than once) is a no-op.
func (c *Conn) CancelPendingResolve() {
	c.mu.Lock()
	cancel := c.resolveCancel
	c.resolveCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Role returns whether this is an AP-side or EXIT-side connection.
func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}
