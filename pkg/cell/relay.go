// Package cell provides relay cell functionality for Tor protocol
package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/go-tor-edge/pkg/security"
)

// Relay commands from tor-spec.txt section 6.1
const (
	RelayBegin     byte = 1
	RelayData      byte = 2
	RelayEnd       byte = 3
	RelayConnected byte = 4
	// RelaySendme grants the peer more packaging credit (legacy circuit/stream SENDME).
	RelaySendme byte = 5
	// RelayExtend asks the receiving relay to extend the circuit one more hop (legacy CREATE-based form).
	RelayExtend byte = 6
	// RelayExtended carries the CREATED-equivalent handshake reply back to the AP.
	RelayExtended byte = 7
	// RelayTruncate tears down everything past the receiving hop.
	RelayTruncate byte = 8
	// RelayTruncated acknowledges a TRUNCATE or reports an unrequested circuit teardown.
	RelayTruncated     byte = 9
	RelayDrop          byte = 10
	RelayResolve       byte = 11
	RelayResolved      byte = 12
	RelayBeginDir      byte = 13
	RelayExtend2       byte = 14
	RelayExtended2     byte = 15
	RelayIntroduce1    byte = 32 // INTRODUCE1 cell for onion services
	RelayIntroduce2    byte = 33 // INTRODUCE2 cell for onion services
	RelayRendezvous1   byte = 34 // RENDEZVOUS1 cell for onion services
	RelayRendezvous2   byte = 35 // RENDEZVOUS2 cell for onion services
	RelayIntroEstab    byte = 38 // ESTABLISH_INTRO cell for onion services
	RelayIntroEstdAck  byte = 39 // INTRO_ESTABLISHED cell for onion services
)

// ZeroStreamID marks a relay cell as circuit-scoped rather than bound to one stream.
const ZeroStreamID uint16 = 0

// End reasons from tor-spec.txt section 6.3, carried in a RELAY_END cell's single data byte.
const (
	ReasonMisc            byte = 1
	ReasonResolveFailed   byte = 2
	ReasonConnectRefused  byte = 3
	ReasonExitPolicy      byte = 4
	ReasonDestroy         byte = 5
	ReasonDone            byte = 6
	ReasonTimeout         byte = 7
	ReasonNoRoute         byte = 8
	ReasonHibernating     byte = 9
	ReasonInternal        byte = 10
	ReasonResourceLimit   byte = 11
)

// RelayCell represents the payload of a RELAY or RELAY_EARLY cell
type RelayCell struct {
	Command    byte    // Relay command
	Recognized uint16  // Must be zero
	StreamID   uint16  // Stream ID
	Digest     [4]byte // Running digest
	Length     uint16  // Length of data
	Data       []byte  // Relay data
}

// RelayCell header size: Command(1) + Recognized(2) + StreamID(2) + Digest(4) + Length(2) = 11 bytes
const RelayCellHeaderLen = 11

// NewRelayCell creates a new relay cell
func NewRelayCell(streamID uint16, cmd byte, data []byte) *RelayCell {
	// Safely convert data length to uint16
	length, err := security.SafeLenToUint16(data)
	if err != nil {
		// Data is too large, truncate to max uint16
		length = 65535
	}

	return &RelayCell{
		Command:    cmd,
		Recognized: 0,
		StreamID:   streamID,
		Digest:     [4]byte{0, 0, 0, 0},
		Length:     length,
		Data:       data,
	}
}

// Encode encodes the relay cell into a byte slice
func (rc *RelayCell) Encode() ([]byte, error) {
	// Maximum relay cell data size
	maxDataLen := PayloadLen - RelayCellHeaderLen
	if len(rc.Data) > maxDataLen {
		return nil, fmt.Errorf("relay cell data too large: %d > %d", len(rc.Data), maxDataLen)
	}

	// Create payload buffer
	payload := make([]byte, PayloadLen)

	// Write header
	payload[0] = rc.Command
	binary.BigEndian.PutUint16(payload[1:3], rc.Recognized)
	binary.BigEndian.PutUint16(payload[3:5], rc.StreamID)
	copy(payload[5:9], rc.Digest[:])
	binary.BigEndian.PutUint16(payload[9:11], rc.Length)

	// Write data
	copy(payload[11:], rc.Data)

	// Rest is zero padding (already initialized to zero)

	return payload, nil
}

// DecodeRelayCell decodes a relay cell from a payload
func DecodeRelayCell(payload []byte) (*RelayCell, error) {
	if len(payload) < RelayCellHeaderLen {
		return nil, fmt.Errorf("payload too short for relay cell: %d < %d", len(payload), RelayCellHeaderLen)
	}

	rc := &RelayCell{
		Command:    payload[0],
		Recognized: binary.BigEndian.Uint16(payload[1:3]),
		StreamID:   binary.BigEndian.Uint16(payload[3:5]),
		Length:     binary.BigEndian.Uint16(payload[9:11]),
	}
	copy(rc.Digest[:], payload[5:9])

	// Validate length - defense in depth (AUDIT-015)
	maxDataLen := uint16(PayloadLen - RelayCellHeaderLen)
	if rc.Length > maxDataLen {
		return nil, fmt.Errorf("relay cell length exceeds maximum: %d > %d", rc.Length, maxDataLen)
	}
	if int(rc.Length) > len(payload)-RelayCellHeaderLen {
		return nil, fmt.Errorf("relay cell data length exceeds payload: %d > %d", rc.Length, len(payload)-RelayCellHeaderLen)
	}

	// Extract data
	if rc.Length > 0 {
		rc.Data = make([]byte, rc.Length)
		copy(rc.Data, payload[11:11+rc.Length])
	}

	return rc, nil
}

// RelayCmdString returns a human-readable string for a relay command
func RelayCmdString(cmd byte) string {
	switch cmd {
	case RelayBegin:
		return "RELAY_BEGIN"
	case RelayData:
		return "RELAY_DATA"
	case RelayEnd:
		return "RELAY_END"
	case RelayConnected:
		return "RELAY_CONNECTED"
	case RelaySendme:
		return "RELAY_SENDME"
	case RelayExtend:
		return "RELAY_EXTEND"
	case RelayExtended:
		return "RELAY_EXTENDED"
	case RelayTruncate:
		return "RELAY_TRUNCATE"
	case RelayTruncated:
		return "RELAY_TRUNCATED"
	case RelayDrop:
		return "RELAY_DROP"
	case RelayResolve:
		return "RELAY_RESOLVE"
	case RelayResolved:
		return "RELAY_RESOLVED"
	case RelayBeginDir:
		return "RELAY_BEGIN_DIR"
	case RelayExtend2:
		return "RELAY_EXTEND2"
	case RelayExtended2:
		return "RELAY_EXTENDED2"
	default:
		return fmt.Sprintf("RELAY_UNKNOWN(%d)", cmd)
	}
}

// BeginRequest is the parsed payload of a RELAY_BEGIN cell: "host:port\0" plus
// whatever flags trail it (legacy clients send none; tor-spec.txt section 6.2
// reserves 4 trailing flag bytes, which this parser tolerates but ignores).
type BeginRequest struct {
	Host string
	Port uint16
}

// ParseBeginRequest parses a RELAY_BEGIN payload of the form "host:port\0...".
// It rejects payloads lacking the terminating NUL, lacking a ':' separator,
// or whose port does not parse to a nonzero uint16, per spec.md section 6.
func ParseBeginRequest(payload []byte) (*BeginRequest, error) {
	nul := -1
	for i, b := range payload {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return nil, fmt.Errorf("relay begin: payload missing NUL terminator")
	}

	addr := string(payload[:nul])
	colon := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			colon = i
			break
		}
	}
	if colon < 0 {
		return nil, fmt.Errorf("relay begin: payload missing ':' separator")
	}

	host := addr[:colon]
	portStr := addr[colon+1:]
	var port uint32
	for _, r := range portStr {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("relay begin: non-numeric port %q", portStr)
		}
		port = port*10 + uint32(r-'0')
		if port > 0xFFFF {
			return nil, fmt.Errorf("relay begin: port out of range %q", portStr)
		}
	}
	if portStr == "" || port == 0 {
		return nil, fmt.Errorf("relay begin: port is zero")
	}
	if host == "" {
		return nil, fmt.Errorf("relay begin: empty host")
	}

	return &BeginRequest{Host: host, Port: uint16(port)}, nil
}

// EncodeBeginPayload builds the "host:port\0" payload of a RELAY_BEGIN cell.
func EncodeBeginPayload(host string, port uint16) []byte {
	s := fmt.Sprintf("%s:%d", host, port)
	payload := make([]byte, len(s)+1)
	copy(payload, s)
	return payload
}

// ReasonString returns a human-readable label for a RELAY_END reason byte.
func ReasonString(reason byte) string {
	switch reason {
	case ReasonMisc:
		return "MISC"
	case ReasonResolveFailed:
		return "RESOLVEFAILED"
	case ReasonConnectRefused:
		return "CONNECTREFUSED"
	case ReasonExitPolicy:
		return "EXITPOLICY"
	case ReasonDestroy:
		return "DESTROY"
	case ReasonDone:
		return "DONE"
	case ReasonTimeout:
		return "TIMEOUT"
	case ReasonNoRoute:
		return "NOROUTE"
	case ReasonHibernating:
		return "HIBERNATING"
	case ReasonInternal:
		return "INTERNAL"
	case ReasonResourceLimit:
		return "RESOURCELIMIT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", reason)
	}
}
