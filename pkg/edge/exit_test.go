package edge

import (
	"net"
	"testing"

	"github.com/opd-ai/go-tor-edge/pkg/cell"
	"github.com/opd-ai/go-tor-edge/pkg/circuit"
	"github.com/opd-ai/go-tor-edge/pkg/logger"
)

func TestIpPayloadEncodesIPv4AndPort(t *testing.T) {
	payload := ipPayload(net.ParseIP("93.184.216.34"), 443)
	if len(payload) != 8 {
		t.Fatalf("len(payload) = %d, want 8", len(payload))
	}
	want := []byte{93, 184, 216, 34, 0x01, 0xBB}
	if string(payload[:6]) != string(want) {
		t.Errorf("payload[:6] = %v, want %v", payload[:6], want)
	}
}

func TestIpPayloadFallsBackToZeroForNonV4(t *testing.T) {
	payload := ipPayload(net.ParseIP("2001:db8::1"), 80)
	if len(payload) != 8 {
		t.Fatalf("len(payload) = %d, want 8", len(payload))
	}
	if payload[0] != 0 || payload[1] != 0 || payload[2] != 0 || payload[3] != 0 {
		t.Errorf("expected zeroed IPv4 fallback, got %v", payload[:4])
	}
}

func TestEndExitStreamRemovesStreamAndClosesConn(t *testing.T) {
	circ := circuit.NewCircuit(1)
	conn := NewExitConn(5, circ, logger.NewDefault(), false)
	circ.AddNStream(5, conn)

	e := NewEngine(&stubPicker{}, logger.NewDefault(), false, 0, 0)
	e.endExitStream(circ, conn, cell.ReasonResolveFailed)

	if _, ok := circ.GetNStream(5); ok {
		t.Error("expected stream removed from NStreams")
	}
	if !conn.IsMarkedForClose() {
		t.Error("expected conn marked for close")
	}
}
