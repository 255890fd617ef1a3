package edge

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/opd-ai/go-tor-edge/pkg/cell"
	"github.com/opd-ai/go-tor-edge/pkg/circuit"
	"github.com/opd-ai/go-tor-edge/pkg/socks"
)

// CircuitPicker selects (or builds) the circuit a new AP stream should be
// attached to; the engine's circuit pool/builder implements this, kept
// abstract here so the edge package never needs to know how a circuit was
// chosen (newest open circuit, per-destination isolation, fresh build, ...).
type CircuitPicker interface {
	PickCircuit(ctx context.Context, destAddr string, destPort uint16) (*circuit.Circuit, error)
}

// ServeAP drives one accepted SOCKS client connection through its full
// lifecycle: parse the SOCKS4 request out of inbuf, pick a circuit, send
// RELAY_BEGIN, wait for RELAY_CONNECTED (delivered asynchronously via the
// dispatcher's OnConnected callback), then pump bytes in both directions
// until the stream or the socket closes. It blocks until the connection is
// fully torn down, so callers run it in its own goroutine per accepted
// client.
func (e *Engine) ServeAP(ctx context.Context, rawConn net.Conn) {
	conn := NewAPConn(rawConn, e.log, e.halfCloseEnabled)
	defer conn.MarkForClose()

	req, err := e.readSocksRequest(conn)
	if err != nil {
		e.log.Debug("socks parse failed", "error", err)
		return
	}

	circ, err := e.picker.PickCircuit(ctx, req.DestAddr, req.DestPort)
	if err != nil {
		conn.Channel().WriteToBuf(socks.WriteReply(socks.ReplyRejected))
		conn.Channel().FlushBuf()
		e.log.Warn("pick circuit failed", "dest", req.DestAddr, "error", err)
		return
	}

	streamID, err := circ.NextStreamID()
	if err != nil {
		conn.Channel().WriteToBuf(socks.WriteReply(socks.ReplyRejected))
		conn.Channel().FlushBuf()
		return
	}
	conn.SetStreamID(streamID)
	conn.SetTarget(req.DestAddr, req.DestPort)
	conn.AttachCircuit(circ, circ.Length()-1)
	circ.AddPStream(streamID, conn)

	connected := make(chan struct{}, 1)
	e.registerConnectedWaiter(streamID, connected)
	defer e.unregisterConnectedWaiter(streamID)

	beginCell := cell.NewRelayCell(streamID, cell.RelayBegin, cell.EncodeBeginPayload(req.DestAddr, req.DestPort))
	if err := circ.SendRelayCell(beginCell); err != nil {
		conn.Channel().WriteToBuf(socks.WriteReply(socks.ReplyRejected))
		conn.Channel().FlushBuf()
		return
	}

	select {
	case <-connected:
		conn.Channel().WriteToBuf(socks.WriteReply(socks.ReplyGranted))
	case <-time.After(e.connectTimeout):
		conn.Channel().WriteToBuf(socks.WriteReply(socks.ReplyRejected))
		conn.Channel().FlushBuf()
		circ.RemovePStream(streamID)
		return
	case <-ctx.Done():
		circ.RemovePStream(streamID)
		return
	}
	if err := conn.Channel().FlushBuf(); err != nil {
		circ.RemovePStream(streamID)
		return
	}

	e.pumpOutward(ctx, circ, conn)
}

func (e *Engine) readSocksRequest(conn *Conn) (*socks.Request, error) {
	ch := conn.Channel()
	for {
		n, err := ch.FillFromSocket()
		if n == 0 && err == io.EOF {
			return nil, fmt.Errorf("edge: client closed before sending socks request")
		}
		if err != nil && err != io.EOF {
			return nil, err
		}

		raw := ch.PeekInbuf()
		result, req, consumed := socks.Parse(raw)
		switch result {
		case socks.Parsed:
			ch.DiscardInbuf(consumed)
			return req, nil
		case socks.ParseError:
			return nil, fmt.Errorf("edge: malformed socks4 request")
		case socks.NeedMoreData:
			if err == io.EOF {
				return nil, fmt.Errorf("edge: truncated socks4 request")
			}
		}
	}
}

// pumpOutward reads application bytes out of conn's inbuf and packages them
// as RELAY_DATA cells until the local socket or the stream closes,
// respecting this stream's package window (spec.md section 4.3: stop
// reading once the window reaches zero).
func (e *Engine) pumpOutward(ctx context.Context, circ *circuit.Circuit, conn *Conn) {
	ch := conn.Channel()
	buf := make([]byte, cell.PayloadLen-cell.RelayCellHeaderLen)

	for {
		if conn.IsMarkedForClose() {
			return
		}

		if ch.IsReadingStopped() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
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
				if lw := conn.CpathLayerWindow(); lw != nil {
					exhausted, werr := lw.DecrementPackage()
					if werr != nil {
						return
					}
					if exhausted {
						ch.StopReading()
					}
				}
				dataCell := cell.NewRelayCell(conn.StreamID(), cell.RelayData, buf[:chunk])
				if sendErr := circ.SendRelayCell(dataCell); sendErr != nil {
					e.log.Debug("send relay data failed", "error", sendErr)
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

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
