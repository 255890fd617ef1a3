package edge

import (
	"net"
	"sync"
	"time"

	"github.com/opd-ai/go-tor-edge/pkg/cell"
	"github.com/opd-ai/go-tor-edge/pkg/circuit"
	"github.com/opd-ai/go-tor-edge/pkg/logger"
)

// ExitPolicy decides whether this relay is willing to open a connection to
// a given resolved address and port, mirroring the original exit-policy
// check performed between DNS resolution and connect().
type ExitPolicy interface {
	Allowed(ip net.IP, port uint16) bool
}

// AllowAllExitPolicy permits every destination; used when no policy is configured.
type AllowAllExitPolicy struct{}

// Allowed always reports true.
func (AllowAllExitPolicy) Allowed(net.IP, uint16) bool { return true }

// Engine owns the dispatcher and the collaborators (circuit picker,
// resolver, timeouts) needed to drive both AP-side and exit-side edge
// connections end to end. It is the package's single entry point: callers
// construct one Engine per relay process and call ServeAP for each accepted
// SOCKS client and Attach for each circuit this process terminates as an
// exit.
type Engine struct {
	log        *logger.Logger
	dispatcher *Dispatcher
	picker     CircuitPicker
	resolver   *Resolver
	exitPolicy ExitPolicy

	halfCloseEnabled bool
	resolveTimeout   time.Duration
	connectTimeout   time.Duration

	mu      sync.Mutex
	waiters map[uint16]chan struct{}
}

// NewEngine builds an Engine. picker selects circuits for outgoing AP
// streams; resolveTimeout/connectTimeout bound exit-side DNS resolution and
// TCP connect attempts.
func NewEngine(picker CircuitPicker, log *logger.Logger, halfCloseEnabled bool, resolveTimeout, connectTimeout time.Duration) *Engine {
	if log == nil {
		log = logger.NewDefault()
	}
	e := &Engine{
		log:              log.Component("edge-engine"),
		picker:           picker,
		resolver:         NewResolver(resolveTimeout),
		exitPolicy:       AllowAllExitPolicy{},
		halfCloseEnabled: halfCloseEnabled,
		resolveTimeout:   resolveTimeout,
		connectTimeout:   connectTimeout,
		waiters:          make(map[uint16]chan struct{}),
	}

	d := NewDispatcher(log)
	d.halfCloseEnabled = halfCloseEnabled
	d.OnConnected = func(conn *Conn) { e.notifyConnected(conn.StreamID()) }
	d.OnAppData = func(conn *Conn, data []byte) {
		ch := conn.Channel()
		if ch == nil {
			return
		}
		ch.WriteToBuf(data)
		if err := ch.FlushBuf(); err != nil {
			conn.MarkForClose()
		}
	}
	d.OnStreamClosed = func(conn *Conn, reason byte) {
		e.log.Debug("stream closed", "stream_id", conn.StreamID(), "reason", cell.ReasonString(reason))
	}
	d.OnNewExitStream = e.serveExitStream
	e.dispatcher = d

	return e
}

// SetExitPolicy replaces the policy consulted before connecting to a
// resolved exit destination. Passing nil restores AllowAllExitPolicy.
func (e *Engine) SetExitPolicy(p ExitPolicy) {
	if p == nil {
		p = AllowAllExitPolicy{}
	}
	e.exitPolicy = p
}

// Attach registers this Engine's dispatcher on circ, so relay cells arriving
// on it are routed through the AP/exit command table instead of the
// circuit's legacy single-stream channel.
func (e *Engine) Attach(circ *circuit.Circuit) {
	e.dispatcher.Attach(circ)
}

func (e *Engine) registerConnectedWaiter(streamID uint16, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiters[streamID] = ch
}

func (e *Engine) unregisterConnectedWaiter(streamID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.waiters, streamID)
}

func (e *Engine) notifyConnected(streamID uint16) {
	e.mu.Lock()
	ch, ok := e.waiters[streamID]
	e.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
