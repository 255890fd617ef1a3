package edge

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/opd-ai/go-tor-edge/pkg/bytebuf"
	"github.com/opd-ai/go-tor-edge/pkg/cell"
	"github.com/opd-ai/go-tor-edge/pkg/circuit"
)

// serveExitStream resolves and connects to conn's target, replies
// RELAY_CONNECTED or RELAY_END accordingly, and on success pumps bytes
// between the destination socket and the circuit until either side closes.
// Invoked as the Dispatcher's OnNewExitStream callback, so it owns conn for
// its entire lifetime.
func (e *Engine) serveExitStream(circ *circuit.Circuit, conn *Conn, req *cell.BeginRequest) {
	conn.SetState(StateResolving)

	ctx, cancel := context.WithTimeout(context.Background(), e.resolveTimeout+e.connectTimeout)
	defer cancel()
	conn.SetResolveCancel(cancel)
	defer conn.SetResolveCancel(nil)

	ip, err := e.resolver.Resolve(ctx, req.Host)
	if err != nil {
		e.endExitStream(circ, conn, cell.ReasonResolveFailed)
		return
	}

	if e.exitPolicy != nil && !e.exitPolicy.Allowed(ip, req.Port) {
		e.endExitStream(circ, conn, cell.ReasonExitPolicy)
		return
	}

	conn.SetState(StateConnecting)
	dialer := net.Dialer{Timeout: e.connectTimeout}
	dest, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ip.String(), req.Port))
	if err != nil {
		reason := byte(cell.ReasonConnectRefused)
		if ctx.Err() != nil {
			reason = cell.ReasonTimeout
		}
		e.endExitStream(circ, conn, reason)
		return
	}

	conn.mu.Lock()
	conn.channel = bytebuf.New(dest, e.log)
	conn.state = StateExitOpen
	conn.mu.Unlock()

	connectedCell := cell.NewRelayCell(conn.StreamID(), cell.RelayConnected, ipPayload(ip, req.Port))
	if err := circ.SendRelayCell(connectedCell); err != nil {
		conn.MarkForClose()
		return
	}

	e.pumpInward(circ, conn)
}

func (e *Engine) endExitStream(circ *circuit.Circuit, conn *Conn, reason byte) {
	endCell := cell.NewRelayCell(conn.StreamID(), cell.RelayEnd, []byte{reason})
	circ.SendRelayCell(endCell)
	circ.RemoveNStream(conn.StreamID())
	conn.MarkForClose()
}

// pumpInward reads bytes arriving from the real destination and packages
// them as RELAY_DATA back toward the AP, mirroring pumpOutward's role on the
// exit side of the stream.
func (e *Engine) pumpInward(circ *circuit.Circuit, conn *Conn) {
	ch := conn.Channel()
	buf := make([]byte, cell.PayloadLen-cell.RelayCellHeaderLen)

	for {
		if conn.IsMarkedForClose() {
			return
		}

		if ch.IsReadingStopped() {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		n, err := ch.FillFromSocket()
		if n > 0 {
			for ch.Datalen() > 0 {
				chunk := ch.FetchFromBuf(buf, len(buf))
				if chunk == 0 {
					break
				}
				if pw := conn.PackageWindow(); pw != nil {
					exhausted, werr := pw.DecrementPackage()
					if werr != nil {
						return
					}
					if exhausted {
						ch.StopReading()
					}
				}
				dataCell := cell.NewRelayCell(conn.StreamID(), cell.RelayData, buf[:chunk])
				if sendErr := circ.SendRelayCell(dataCell); sendErr != nil {
					return
				}
			}
		}

		if err == io.EOF {
			conn.SetInbufReachedEOF()
			endCell := cell.NewRelayCell(conn.StreamID(), cell.RelayEnd, []byte{cell.ReasonDone})
			circ.SendRelayCell(endCell)
			conn.SetDoneSending()
			return
		}
		if err != nil {
			return
		}
	}
}

func ipPayload(ip net.IP, port uint16) []byte {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	payload := make([]byte, 4+4)
	copy(payload, v4)
	payload[4] = byte(port >> 8)
	payload[5] = byte(port)
	return payload
}
