// Package flowctl implements the windowed flow-control scheme that gates
// how many RELAY_DATA cells a stream, circuit, or cpath layer may originate
// or accept before it must wait for a SENDME.
package flowctl

import "fmt"

// Flow-control constants. These are design parameters, not runtime-tunable
// (spec.md section 4.3): changing them changes the wire protocol.
const (
	// StreamWindowStart is the initial package/deliver credit of a stream.
	StreamWindowStart = 500
	// StreamWindowIncrement is the credit a stream-level SENDME restores.
	StreamWindowIncrement = 50
	// CircWindowStart is the initial package/deliver credit of a circuit (or cpath layer).
	CircWindowStart = 1000
	// CircWindowIncrement is the credit a circuit-level SENDME restores.
	CircWindowIncrement = 100
)

// Window is a single package/deliver credit counter, scoped to a stream, a
// circuit, or one cpath layer depending on who owns it.
type Window struct {
	start     int
	increment int
	package_  int
	deliver   int
}

// NewStreamWindow returns a window with stream-scoped start/increment values.
func NewStreamWindow() *Window {
	return newWindow(StreamWindowStart, StreamWindowIncrement)
}

// NewCircWindow returns a window with circuit-scoped (or cpath-layer-scoped)
// start/increment values.
func NewCircWindow() *Window {
	return newWindow(CircWindowStart, CircWindowIncrement)
}

func newWindow(start, increment int) *Window {
	return &Window{start: start, increment: increment, package_: start, deliver: start}
}

// Package returns the current package (egress) credit.
func (w *Window) Package() int { return w.package_ }

// Deliver returns the current deliver (ingress) credit.
func (w *Window) Deliver() int { return w.deliver }

// Start returns the window's starting/maximum credit for either counter.
func (w *Window) Start() int { return w.start }

// Increment returns the credit a single SENDME restores.
func (w *Window) Increment() int { return w.increment }

// DecrementPackage applies the packaging rule (spec.md section 4.3): before
// originating a data cell, decrement this window's package credit by one.
// It reports whether the credit reached exactly zero, the signal to stop
// reading the local socket until a SENDME arrives.
func (w *Window) DecrementPackage() (exhausted bool, err error) {
	if w.package_ <= 0 {
		return true, fmt.Errorf("flowctl: package window already exhausted")
	}
	w.package_--
	return w.package_ == 0, nil
}

// DecrementDeliver applies the delivery rule: before handing payload to the
// local socket, decrement this window's deliver credit by one. A negative
// result is a protocol violation — spec.md requires the caller tear down the
// whole circuit when that happens.
func (w *Window) DecrementDeliver() (violated bool) {
	w.deliver--
	return w.deliver < 0
}

// NeedsSendme reports whether this window's deliver credit has dropped far
// enough below its start to warrant emitting a SENDME (spec.md section 4.3:
// "deliver_window < START - INCREMENT").
func (w *Window) NeedsSendme() bool {
	return w.deliver < w.start-w.increment
}

// ReplenishDeliver restores deliver credit by one increment; called once per
// SENDME this side emits.
func (w *Window) ReplenishDeliver() {
	w.deliver += w.increment
}

// ReplenishPackage restores package credit by one increment; called on
// receipt of a matching SENDME from the peer.
func (w *Window) ReplenishPackage() {
	w.package_ += w.increment
}

// CanPackage reports whether a cell may currently be originated.
func (w *Window) CanPackage() bool {
	return w.package_ > 0
}

// Valid reports the invariant from spec.md section 3: both counters stay
// within [0, start] at every quiescent point. A deliver credit that went
// negative (underflow) is intentionally excluded — that state is real and
// transient between DecrementDeliver returning violated=true and the caller
// tearing the circuit down, so callers check it explicitly instead.
func (w *Window) Valid() bool {
	return w.package_ >= 0 && w.package_ <= w.start && w.deliver <= w.start
}
