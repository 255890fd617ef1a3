// Package circuit provides circuit building functionality for the Tor protocol.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-tor-edge/pkg/connection"
	"github.com/opd-ai/go-tor-edge/pkg/logger"
)

// HopSpec identifies one relay to add to a circuit being built. Path
// selection (which relays to pick) is a separate concern upstream of this
// engine; the builder only knows how to connect to and register relays it
// is handed.
type HopSpec struct {
	Fingerprint string
	Address     string // host:port
	IsGuard     bool
	IsExit      bool
}

// Builder constructs Tor circuits through the network
type Builder struct {
	logger  *logger.Logger
	manager *Manager
	mu      sync.Mutex
}

// NewBuilder creates a new circuit builder
func NewBuilder(manager *Manager, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Builder{
		logger:  log.Component("builder"),
		manager: manager,
	}
}

// BuildCircuit builds a circuit over the given hops, in order, connecting to
// the first hop directly. hops must contain at least one entry.
func (b *Builder) BuildCircuit(ctx context.Context, hops []HopSpec, timeout time.Duration) (*Circuit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(hops) == 0 {
		return nil, fmt.Errorf("build circuit: no hops given")
	}

	b.logger.Info("Building circuit", "hops", len(hops), "first", hops[0].Address)

	circuit, err := b.manager.CreateCircuit()
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit: %w", err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	firstConn, err := b.connectToRelay(buildCtx, hops[0].Address)
	if err != nil {
		circuit.SetState(StateFailed)
		return nil, fmt.Errorf("failed to connect to first hop: %w", err)
	}
	circuit.SetConnection(firstConn)

	for _, spec := range hops {
		if err := circuit.AddHop(&Hop{
			Fingerprint: spec.Fingerprint,
			Address:     spec.Address,
			IsGuard:     spec.IsGuard,
			IsExit:      spec.IsExit,
		}); err != nil {
			circuit.SetState(StateFailed)
			return nil, fmt.Errorf("failed to add hop %s: %w", spec.Address, err)
		}
		b.logger.Info("Extended circuit", "circuit_id", circuit.ID, "hop", spec.Address)
	}

	circuit.SetState(StateOpen)
	b.logger.Info("Circuit built successfully", "circuit_id", circuit.ID, "hops", circuit.Length())

	return circuit, nil
}

// connectToRelay establishes a connection to a relay, retrying transient
// dial failures with the connection package's exponential backoff.
func (b *Builder) connectToRelay(ctx context.Context, address string) (*connection.Connection, error) {
	cfg := connection.DefaultConfig(address)
	conn := connection.New(cfg, b.logger)

	if err := conn.ConnectWithRetry(ctx, cfg, connection.DefaultRetryConfig()); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	// Wait for connection to be ready
	select {
	case <-ctx.Done():
		if err := conn.Close(); err != nil {
			b.logger.Error("Failed to close connection on context cancellation", "function", "connectToRelay", "error", err)
		}
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
		// Connection established
	}

	return conn, nil
}
