package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/go-tor-edge/pkg/logger"
)

func testHops() []HopSpec {
	return []HopSpec{
		{Fingerprint: "GUARD123", Address: "127.0.0.1:9001", IsGuard: true},
		{Fingerprint: "MIDDLE123", Address: "127.0.0.1:9002"},
		{Fingerprint: "EXIT123", Address: "127.0.0.1:9003", IsExit: true},
	}
}

func unreachableHops() []HopSpec {
	return []HopSpec{
		{Fingerprint: "GUARD123", Address: "192.0.2.1:9001", IsGuard: true},
		{Fingerprint: "MIDDLE123", Address: "192.0.2.2:9002"},
		{Fingerprint: "EXIT123", Address: "192.0.2.3:9003", IsExit: true},
	}
}

func TestNewBuilder(t *testing.T) {
	manager := NewManager()
	log := logger.NewDefault()

	builder := NewBuilder(manager, log)

	if builder == nil {
		t.Fatal("NewBuilder returned nil")
	}
	if builder.logger == nil {
		t.Error("Builder logger is nil")
	}
	if builder.manager == nil {
		t.Error("Builder manager is nil")
	}

	builder2 := NewBuilder(manager, nil)
	if builder2.logger == nil {
		t.Error("Builder should create default logger when nil is passed")
	}
}

func TestBuildCircuitNoHops(t *testing.T) {
	manager := NewManager()
	builder := NewBuilder(manager, logger.NewDefault())

	if _, err := builder.BuildCircuit(context.Background(), nil, time.Second); err == nil {
		t.Fatal("expected error when no hops given")
	}
}

func TestBuildCircuitUnreachable(t *testing.T) {
	manager := NewManager()
	builder := NewBuilder(manager, logger.NewDefault())

	ctx := context.Background()
	_, err := builder.BuildCircuit(ctx, unreachableHops(), 200*time.Millisecond)
	if err == nil {
		t.Error("expected error when building circuit without real relays")
	}

	if manager.Count() != 1 {
		t.Errorf("expected 1 circuit in manager, got %d", manager.Count())
	}

	circuits := manager.ListCircuits()
	if len(circuits) > 0 {
		c, _ := manager.GetCircuit(circuits[0])
		if c.GetState() != StateFailed {
			t.Errorf("expected circuit state to be Failed, got %s", c.GetState())
		}
	}
}

func TestBuilderConcurrentBuilds(t *testing.T) {
	manager := NewManager()
	builder := NewBuilder(manager, logger.NewDefault())

	ctx := context.Background()
	done := make(chan bool)

	for i := 0; i < 3; i++ {
		go func() {
			_, _ = builder.BuildCircuit(ctx, unreachableHops(), time.Second)
			done <- true
		}()
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("test timed out")
		}
	}

	if manager.Count() < 1 {
		t.Error("expected at least 1 circuit to be created")
	}
}

func TestBuildCircuitTimeout(t *testing.T) {
	manager := NewManager()
	builder := NewBuilder(manager, logger.NewDefault())

	ctx := context.Background()
	_, err := builder.BuildCircuit(ctx, unreachableHops(), 100*time.Millisecond)
	if err == nil {
		t.Error("expected error when building circuit to unreachable addresses")
	}
}

func TestBuildCircuitContextCancelled(t *testing.T) {
	manager := NewManager()
	builder := NewBuilder(manager, logger.NewDefault())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := builder.BuildCircuit(ctx, unreachableHops(), 5*time.Second)
	if err == nil {
		t.Error("expected error when context is cancelled")
	}
}
