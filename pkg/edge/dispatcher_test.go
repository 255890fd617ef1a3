package edge

import (
	"net"
	"testing"

	"github.com/opd-ai/go-tor-edge/pkg/bytebuf"
	"github.com/opd-ai/go-tor-edge/pkg/cell"
	"github.com/opd-ai/go-tor-edge/pkg/circuit"
	"github.com/opd-ai/go-tor-edge/pkg/logger"
)

func TestDispatcherSanityGateDropsDataOnNonOpenAPStream(t *testing.T) {
	circ := circuit.NewCircuit(1)
	conn := NewExitConn(5, circ, logger.NewDefault(), false) // reuse as a plain stream holder
	conn.state = StateSocksWait
	circ.AddPStream(5, conn)

	var gotData bool
	d := NewDispatcher(logger.NewDefault())
	d.OnAppData = func(*Conn, []byte) { gotData = true }

	rc := cell.NewRelayCell(5, cell.RelayData, []byte("hello"))
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gotData {
		t.Error("sanity gate should have dropped DATA on a non-open AP stream")
	}
}

func TestDispatcherConnectedOpensAPStream(t *testing.T) {
	circ := circuit.NewCircuit(1)
	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	conn.state = StateSocksWait
	circ.AddPStream(5, conn)

	var notified *Conn
	d := NewDispatcher(logger.NewDefault())
	d.OnConnected = func(c *Conn) { notified = c }

	rc := cell.NewRelayCell(5, cell.RelayConnected, nil)
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if conn.State() != StateAPOpen {
		t.Errorf("State() = %v, want AP_OPEN", conn.State())
	}
	if notified != conn {
		t.Error("OnConnected was not invoked with the connection")
	}
}

func TestDispatcherDataDeliversOnOpenAPStream(t *testing.T) {
	circ := circuit.NewCircuit(1)
	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	conn.state = StateAPOpen
	circ.AddPStream(5, conn)

	var got []byte
	d := NewDispatcher(logger.NewDefault())
	d.OnAppData = func(_ *Conn, data []byte) { got = data }

	rc := cell.NewRelayCell(5, cell.RelayData, []byte("payload"))
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("OnAppData data = %q, want %q", got, "payload")
	}
}

func TestDispatcherEndRemovesStream(t *testing.T) {
	circ := circuit.NewCircuit(1)
	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	conn.state = StateAPOpen
	circ.AddPStream(5, conn)

	var closedReason byte
	d := NewDispatcher(logger.NewDefault())
	d.OnStreamClosed = func(_ *Conn, reason byte) { closedReason = reason }

	rc := cell.NewRelayCell(5, cell.RelayEnd, []byte{cell.ReasonDone})
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok := circ.GetPStream(5); ok {
		t.Error("expected stream removed from PStreams after END")
	}
	if closedReason != cell.ReasonDone {
		t.Errorf("closedReason = %d, want %d", closedReason, cell.ReasonDone)
	}
	if !conn.IsMarkedForClose() {
		t.Error("expected conn marked for close after END")
	}
}

func TestDispatcherNewBeginCreatesExitStream(t *testing.T) {
	circ := circuit.NewCircuit(1)

	var gotHost string
	var gotPort uint16
	d := NewDispatcher(logger.NewDefault())
	d.OnNewExitStream = func(_ *circuit.Circuit, _ *Conn, req *cell.BeginRequest) {
		gotHost = req.Host
		gotPort = req.Port
	}

	rc := cell.NewRelayCell(9, cell.RelayBegin, cell.EncodeBeginPayload("example.com", 443))
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gotHost != "example.com" || gotPort != 443 {
		t.Errorf("got (%q, %d), want (example.com, 443)", gotHost, gotPort)
	}
	if _, ok := circ.GetNStream(9); !ok {
		t.Error("expected new exit stream registered in NStreams")
	}
}

func TestDispatcherEndMidResolveCancelsPendingResolve(t *testing.T) {
	circ := circuit.NewCircuit(1)
	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	circ.AddNStream(5, conn)

	var cancelled bool
	conn.SetResolveCancel(func() { cancelled = true })

	d := NewDispatcher(logger.NewDefault())
	rc := cell.NewRelayCell(5, cell.RelayEnd, []byte{cell.ReasonDone})
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !cancelled {
		t.Error("expected RELAY_END mid-resolve to cancel the pending resolve")
	}
	if _, ok := circ.GetNStream(5); ok {
		t.Error("expected exit stream removed from NStreams after END")
	}
	if !conn.IsMarkedForClose() {
		t.Error("expected conn marked for close after END")
	}
}

func TestDispatcherEndWhileExitOpenDoesNotTouchResolveCancel(t *testing.T) {
	circ := circuit.NewCircuit(1)
	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	conn.state = StateExitOpen
	circ.AddNStream(5, conn)

	var cancelled bool
	conn.SetResolveCancel(func() { cancelled = true })

	d := NewDispatcher(logger.NewDefault())
	rc := cell.NewRelayCell(5, cell.RelayEnd, []byte{cell.ReasonDone})
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if cancelled {
		t.Error("RELAY_END on an already-open exit stream should not touch the resolve cancel func")
	}
}

func TestDispatcherUnknownStreamNonBeginDropped(t *testing.T) {
	circ := circuit.NewCircuit(1)
	d := NewDispatcher(logger.NewDefault())

	rc := cell.NewRelayCell(42, cell.RelaySendme, nil)
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestDispatcherCircuitScopedTruncatedShrinksCpath(t *testing.T) {
	circ := circuit.NewCircuit(1)
	for i := 0; i < 3; i++ {
		if err := circ.AddHop(&circuit.Hop{}); err != nil {
			t.Fatalf("AddHop: %v", err)
		}
	}
	d := NewDispatcher(logger.NewDefault())

	rc := cell.NewRelayCell(cell.ZeroStreamID, cell.RelayTruncated, []byte{1})
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if circ.Length() != 1 {
		t.Errorf("Length() = %d, want 1 after TRUNCATED to layer 1", circ.Length())
	}
}

func TestDispatcherCircuitScopedExtendDropped(t *testing.T) {
	circ := circuit.NewCircuit(1)
	d := NewDispatcher(logger.NewDefault())

	rc := cell.NewRelayCell(cell.ZeroStreamID, cell.RelayExtend, nil)
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestDispatcherCircuitScopedUnknownCommandTearsCircuit(t *testing.T) {
	circ := circuit.NewCircuit(1)
	d := NewDispatcher(logger.NewDefault())

	rc := cell.NewRelayCell(cell.ZeroStreamID, cell.RelayIntroduce1, nil)
	if err := d.handle(circ, rc); err == nil {
		t.Error("expected an error (circuit tear signal) for an unrecognized circuit-scoped command")
	}
}

func TestDispatcherAPSideUnknownCommandTearsCircuit(t *testing.T) {
	circ := circuit.NewCircuit(1)
	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	conn.state = StateAPOpen
	circ.AddPStream(5, conn)

	d := NewDispatcher(logger.NewDefault())
	rc := cell.NewRelayCell(5, cell.RelayIntroduce1, nil)
	if err := d.handle(circ, rc); err == nil {
		t.Error("expected an error (circuit tear signal) for an unrecognized AP-side command")
	}
}

func TestDispatcherExitSideUnknownCommandTearsCircuit(t *testing.T) {
	circ := circuit.NewCircuit(1)
	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	conn.state = StateExitOpen
	circ.AddNStream(5, conn)

	d := NewDispatcher(logger.NewDefault())
	rc := cell.NewRelayCell(5, cell.RelayIntroduce1, nil)
	if err := d.handle(circ, rc); err == nil {
		t.Error("expected an error (circuit tear signal) for an unrecognized exit-side command")
	}
}

type fakeCellSender struct {
	sent []*cell.Cell
}

func (f *fakeCellSender) SendCell(c *cell.Cell) error {
	f.sent = append(f.sent, c)
	return nil
}

func TestDispatcherEmitsStreamSendmeOnceThresholdCrossed(t *testing.T) {
	circ := circuit.NewCircuit(1)
	circ.SetState(circuit.StateOpen)
	sender := &fakeCellSender{}
	circ.SetConnection(sender)

	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	conn.state = StateExitOpen
	circ.AddNStream(5, conn)

	d := NewDispatcher(logger.NewDefault())

	// STREAMWINDOW_START=500, STREAMWINDOW_INCREMENT=50: the window must
	// drop below 450 before a SENDME is due. 50 DATA cells bring deliver
	// from 500 to 450, which is not yet "below" 450 (strict <), so no
	// SENDME should fire yet.
	for i := 0; i < 50; i++ {
		rc := cell.NewRelayCell(5, cell.RelayData, []byte("x"))
		if err := d.handle(circ, rc); err != nil {
			t.Fatalf("handle DATA #%d: %v", i, err)
		}
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d cells before threshold crossed, want 0", len(sender.sent))
	}
	if conn.DeliverWindow().Deliver() != 450 {
		t.Fatalf("deliver window = %d, want 450", conn.DeliverWindow().Deliver())
	}

	// The 51st cell drops deliver to 449 < 450: a SENDME must fire and
	// restore the credit by STREAMWINDOW_INCREMENT.
	rc := cell.NewRelayCell(5, cell.RelayData, []byte("x"))
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle DATA #51: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d cells, want exactly 1 SENDME", len(sender.sent))
	}
	if conn.DeliverWindow().Deliver() != 499 {
		t.Fatalf("deliver window after sendme = %d, want 499 (449+50)", conn.DeliverWindow().Deliver())
	}
}

func TestDispatcherWithholdsStreamSendmeWhenOutbufTooFull(t *testing.T) {
	circ := circuit.NewCircuit(1)
	circ.SetState(circuit.StateOpen)
	sender := &fakeCellSender{}
	circ.SetConnection(sender)

	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	conn.state = StateExitOpen
	circ.AddNStream(5, conn)

	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })
	conn.channel = bytebuf.New(srv, logger.NewDefault())
	conn.channel.WriteToBuf(make([]byte, bytebuf.OutbufHighWaterMark+1))

	// Force the deliver window straight past the threshold without routing
	// 51 cells through handle().
	for conn.DeliverWindow().Deliver() >= 450 {
		conn.DeliverWindow().DecrementDeliver()
	}

	d := NewDispatcher(logger.NewDefault())
	d.OnAppData = func(*Conn, []byte) {}

	rc := cell.NewRelayCell(5, cell.RelayData, []byte("x"))
	if err := d.handle(circ, rc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("SENDME should be withheld while outbuf is too full")
	}
}
