package edge

import (
	"fmt"

	"github.com/opd-ai/go-tor-edge/pkg/cell"
	"github.com/opd-ai/go-tor-edge/pkg/circuit"
	"github.com/opd-ai/go-tor-edge/pkg/logger"
)

// Dispatcher implements the relay cell command table: given a decoded relay
// cell arriving on a circuit, it finds (or creates) the edge connection the
// cell belongs to and applies the command appropriate to that connection's
// role, enforcing a sanity gate on non-open streams: the exit side accepts
// only RELAY_END there, the AP side also RELAY_CONNECTED and RELAY_SENDME,
// and any other command is dropped.
type Dispatcher struct {
	log *logger.Logger

	// halfCloseEnabled is threaded into every exit stream this dispatcher
	// creates from an inbound RELAY_BEGIN, matching the engine's configured
	// half-close policy (spec.md's optional extension, section 9).
	halfCloseEnabled bool

	// OnConnected fires when an AP-side stream receives RELAY_CONNECTED,
	// the signal to reply to the waiting SOCKS client.
	OnConnected func(conn *Conn)

	// OnAppData fires when DATA arrives for either role; the receiver is
	// expected to queue the bytes onto conn.Channel()'s outbuf and flush.
	OnAppData func(conn *Conn, data []byte)

	// OnStreamClosed fires once a stream has been fully torn down, either
	// locally or by a RELAY_END from the peer.
	OnStreamClosed func(conn *Conn, reason byte)

	// OnNewExitStream fires when a RELAY_BEGIN creates a new exit-side
	// stream; the receiver owns resolving/connecting to the destination
	// and eventually replying with RELAY_CONNECTED or RELAY_END.
	OnNewExitStream func(circ *circuit.Circuit, conn *Conn, req *cell.BeginRequest)
}

// NewDispatcher builds a Dispatcher. Callback fields are left nil and should
// be set by the caller before Attach is used.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Dispatcher{log: log.Component("dispatcher")}
}

// Attach registers this dispatcher as circ's relay cell router, replacing
// the circuit's legacy single-channel delivery path.
func (d *Dispatcher) Attach(circ *circuit.Circuit) {
	circ.SetDispatch(func(rc *cell.RelayCell) error {
		return d.handle(circ, rc)
	})
}

func (d *Dispatcher) handle(circ *circuit.Circuit, rc *cell.RelayCell) error {
	if rc.StreamID == cell.ZeroStreamID {
		return d.handleCircuitScoped(circ, rc)
	}

	if h, ok := circ.GetPStream(rc.StreamID); ok {
		conn, ok := h.(*Conn)
		if !ok {
			return fmt.Errorf("dispatcher: stream %d handle is not an edge.Conn", rc.StreamID)
		}
		return d.handleAPSide(circ, conn, rc)
	}

	if h, ok := circ.GetNStream(rc.StreamID); ok {
		conn, ok := h.(*Conn)
		if !ok {
			return fmt.Errorf("dispatcher: stream %d handle is not an edge.Conn", rc.StreamID)
		}
		return d.handleExitSide(circ, conn, rc)
	}

	if rc.Command == cell.RelayBegin {
		return d.handleNewBegin(circ, rc)
	}

	d.log.Debug("dropping relay cell for unknown stream", "stream_id", rc.StreamID, "command", cell.RelayCmdString(rc.Command))
	return nil
}

// handleCircuitScoped applies the command table's ZERO_STREAM row: the
// circuit-control commands spec.md section 4.5 lists (EXTEND/EXTENDED/
// TRUNCATE/TRUNCATED) plus circuit-level SENDME. This engine's circuits are
// always the AP's own view of a circuit it originated (spec.md section 1
// scopes circuit construction itself to the circuit collaborator), so the
// AP column of the table is what's reachable here: EXTEND/TRUNCATE are
// things an AP never legitimately receives and are dropped, EXTENDED is
// dropped too (circuit.Builder grows the cpath with AddHop alone and applies
// no EXTENDED key material), and TRUNCATED shrinks the cpath. Circuit-level SENDME is normally intercepted earlier by
// Circuit.DeliverRelayCell; it is handled here too as a harmless no-op so
// direct dispatcher use (e.g. in tests) stays consistent.
func (d *Dispatcher) handleCircuitScoped(circ *circuit.Circuit, rc *cell.RelayCell) error {
	switch rc.Command {
	case cell.RelayExtend:
		d.log.Warn("EXTEND received on the AP's own circuit, dropping", "circuit_id", circ.ID)

	case cell.RelayTruncate:
		d.log.Warn("TRUNCATE received on the AP's own circuit, dropping", "circuit_id", circ.ID)

	case cell.RelayExtended:
		d.log.Debug("EXTENDED arrived outside circuit construction, dropping", "circuit_id", circ.ID)

	case cell.RelayTruncated:
		layerHint := circ.Length() - 1
		if len(rc.Data) > 0 {
			layerHint = int(rc.Data[0])
		}
		circ.TruncateCpathTo(layerHint)

	case cell.RelaySendme:
		// Circuit-level SENDME window bookkeeping lives in Circuit itself
		// (Circuit.DeliverRelayCell intercepts it before dispatch); nothing
		// further to do at this layer.

	default:
		return fmt.Errorf("dispatcher: protocol violation, unrecognized circuit-scoped relay command %s", cell.RelayCmdString(rc.Command))
	}

	return nil
}

// handleAPSide applies the command table for a stream this engine opened as
// an AP on behalf of a local SOCKS client (spec.md section 6, AP column).
func (d *Dispatcher) handleAPSide(circ *circuit.Circuit, conn *Conn, rc *cell.RelayCell) error {
	state := conn.State()

	if state != StateAPOpen && rc.Command != cell.RelayConnected && rc.Command != cell.RelayEnd && rc.Command != cell.RelaySendme {
		d.log.Debug("sanity gate: dropping cell on non-open AP stream", "stream_id", rc.StreamID, "state", state, "command", cell.RelayCmdString(rc.Command))
		return nil
	}

	switch rc.Command {
	case cell.RelayConnected:
		if state != StateAPOpen {
			conn.SetState(StateAPOpen)
			if d.OnConnected != nil {
				d.OnConnected(conn)
			}
		}

	case cell.RelayData:
		if pw := conn.DeliverWindow(); pw != nil {
			if violated := pw.DecrementDeliver(); violated {
				return fmt.Errorf("dispatcher: stream %d deliver window violated", rc.StreamID)
			}
		}
		if d.OnAppData != nil {
			d.OnAppData(conn, rc.Data)
		}
		d.maybeSendStreamSendme(circ, conn)

	case cell.RelaySendme:
		if pw := conn.PackageWindow(); pw != nil {
			pw.ReplenishPackage()
		}
		if ch := conn.Channel(); ch != nil {
			ch.StartReading()
		}

	case cell.RelayEnd:
		reason := byte(cell.ReasonMisc)
		if len(rc.Data) > 0 {
			reason = rc.Data[0]
		}
		conn.SetDoneReceiving()
		circ.RemovePStream(rc.StreamID)
		conn.MarkForClose()
		if d.OnStreamClosed != nil {
			d.OnStreamClosed(conn, reason)
		}

	case cell.RelayBegin:
		d.log.Debug("BEGIN is not valid on an AP stream, dropping", "stream_id", rc.StreamID)

	default:
		return fmt.Errorf("dispatcher: protocol violation, unrecognized AP-side relay command %s", cell.RelayCmdString(rc.Command))
	}

	return nil
}

// handleExitSide applies the command table for a stream this engine is
// terminating as an exit (spec.md section 6, EXIT column).
func (d *Dispatcher) handleExitSide(circ *circuit.Circuit, conn *Conn, rc *cell.RelayCell) error {
	state := conn.State()

	if state != StateExitOpen && rc.Command != cell.RelayEnd {
		d.log.Debug("sanity gate: dropping cell on non-open exit stream", "stream_id", rc.StreamID, "state", state, "command", cell.RelayCmdString(rc.Command))
		return nil
	}

	switch rc.Command {
	case cell.RelayData:
		if pw := conn.DeliverWindow(); pw != nil {
			if violated := pw.DecrementDeliver(); violated {
				return fmt.Errorf("dispatcher: stream %d deliver window violated", rc.StreamID)
			}
		}
		if d.OnAppData != nil {
			d.OnAppData(conn, rc.Data)
		}
		d.maybeSendStreamSendme(circ, conn)

	case cell.RelaySendme:
		if pw := conn.PackageWindow(); pw != nil {
			pw.ReplenishPackage()
		}
		if ch := conn.Channel(); ch != nil {
			ch.StartReading()
		}

	case cell.RelayEnd:
		reason := byte(cell.ReasonMisc)
		if len(rc.Data) > 0 {
			reason = rc.Data[0]
		}
		if state == StateResolving || state == StateConnecting {
			conn.CancelPendingResolve()
		}
		conn.SetDoneReceiving()
		circ.RemoveNStream(rc.StreamID)
		conn.MarkForClose()
		if d.OnStreamClosed != nil {
			d.OnStreamClosed(conn, reason)
		}

	case cell.RelayBegin, cell.RelayConnected, cell.RelayExtended, cell.RelayTruncated:
		d.log.Debug("command not valid on an exit stream, dropping", "stream_id", rc.StreamID, "command", cell.RelayCmdString(rc.Command))

	default:
		return fmt.Errorf("dispatcher: protocol violation, unrecognized exit-side relay command %s", cell.RelayCmdString(rc.Command))
	}

	return nil
}

// handleNewBegin creates a new exit-side stream from an inbound RELAY_BEGIN,
// registers it on the circuit, and hands it to OnNewExitStream to resolve
// and connect.
func (d *Dispatcher) handleNewBegin(circ *circuit.Circuit, rc *cell.RelayCell) error {
	req, err := cell.ParseBeginRequest(rc.Data)
	if err != nil {
		end := cell.NewRelayCell(rc.StreamID, cell.RelayEnd, []byte{cell.ReasonMisc})
		return circ.SendRelayCell(end)
	}

	conn := NewExitConn(rc.StreamID, circ, d.log, d.halfCloseEnabled)
	conn.SetTarget(req.Host, req.Port)
	circ.AddNStream(rc.StreamID, conn)

	d.log.Info("new exit stream", "stream_id", rc.StreamID, "target", req.Host, "port", req.Port)

	if d.OnNewExitStream != nil {
		d.OnNewExitStream(circ, conn, req)
	}
	return nil
}

// maybeSendStreamSendme applies spec.md section 4.3's stream-level SENDME
// emission policy: while this stream's deliver window has dropped at least
// STREAMWINDOW_INCREMENT below STREAMWINDOW_START and its outbuf isn't too
// full to accept more, emit RELAY_SENDME and restore the credit, repeating
// while the condition still holds (a burst of cells can cross more than one
// increment boundary at once).
func (d *Dispatcher) maybeSendStreamSendme(circ *circuit.Circuit, conn *Conn) {
	pw := conn.DeliverWindow()
	if pw == nil {
		return
	}
	ch := conn.Channel()
	for pw.NeedsSendme() {
		if ch != nil && ch.OutbufTooFull() {
			return
		}
		sendme := cell.NewRelayCell(conn.StreamID(), cell.RelaySendme, nil)
		if err := circ.SendRelayCell(sendme); err != nil {
			d.log.Debug("failed to send stream sendme", "stream_id", conn.StreamID(), "error", err)
			return
		}
		pw.ReplenishDeliver()
	}
}
