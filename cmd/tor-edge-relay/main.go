// Package main provides the edge-stream relay engine executable: it accepts
// SOCKS4 clients, builds or reuses a circuit over an operator-supplied hop
// path, and pumps application bytes through that circuit's edge streams.
//
// Path selection (which relays to use) is out of scope for this engine — the
// operator supplies the path directly via -hops, the same way a directory
// client would hand a chosen path to the circuit builder.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/opd-ai/go-tor-edge/pkg/circuit"
	"github.com/opd-ai/go-tor-edge/pkg/config"
	"github.com/opd-ai/go-tor-edge/pkg/edge"
	tderrors "github.com/opd-ai/go-tor-edge/pkg/errors"
	"github.com/opd-ai/go-tor-edge/pkg/logger"
	"github.com/opd-ai/go-tor-edge/pkg/pool"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (torrc format)")
	socksPort := flag.Int("socks-port", 0, "SOCKS4 proxy port (default: 9050)")
	dataDir := flag.String("data-dir", "", "Data directory for persistent state")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	hops := flag.String("hops", "", "Comma-separated host:port list of relays to build circuits through")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-tor-edge-relay version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		if err := config.LoadFromFile(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
	}
	if *socksPort != 0 {
		cfg.SocksPort = *socksPort
	}
	if *dataDir != "" {
		cfg.DataDirectory = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level, os.Stdout)

	hopSpecs, err := parseHops(*hops)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -hops: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	if err := run(ctx, cfg, hopSpecs, log); err != nil {
		log.Error("application error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func parseHops(raw string) ([]circuit.HopSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var specs []circuit.HopSpec
	for i, part := range strings.Split(raw, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("hop %d (%q): %w", i, addr, err)
		}
		specs = append(specs, circuit.HopSpec{
			Fingerprint: fmt.Sprintf("hop-%d", i),
			Address:     addr,
			IsExit:      i == len(strings.Split(raw, ","))-1,
		})
	}
	return specs, nil
}

// circuitPool adapts pool.CircuitPool to edge.CircuitPicker: it hands out a
// prebuilt circuit when one is idle and open, or builds one on demand over
// the configured hop path. Path selection itself is out of scope for this
// engine — the hop path is fixed for the process's lifetime.
type circuitPool struct {
	pool   *pool.CircuitPool
	engine *edge.Engine
	// linkCtx is the process lifetime, not the per-request ctx PickCircuit
	// is called with: a circuit's receive loop must outlive the single
	// SOCKS request that happened to pick it.
	linkCtx context.Context
}

func (p *circuitPool) PickCircuit(ctx context.Context, destAddr string, destPort uint16) (*circuit.Circuit, error) {
	c, err := p.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	p.engine.Attach(c)
	c.StartReceiveLoop(p.linkCtx)
	return c, nil
}

func run(ctx context.Context, cfg *config.Config, hops []circuit.HopSpec, log *logger.Logger) error {
	manager := circuit.NewManager()
	builder := circuit.NewBuilder(manager, log)

	cp := &circuitPool{linkCtx: ctx}
	// breaker guards the fixed hop path: if the configured relays are
	// unreachable, fail fast instead of retrying a dead path on every
	// SOCKS request and prebuild tick.
	breaker := tderrors.NewCircuitBreaker(nil)
	buildFunc := func(ctx context.Context) (*circuit.Circuit, error) {
		if len(hops) == 0 {
			return nil, fmt.Errorf("no circuit available and no -hops configured")
		}
		var built *circuit.Circuit
		err := breaker.Execute(ctx, func() error {
			c, err := builder.BuildCircuit(ctx, hops, cfg.ConnectTimeout)
			if err != nil {
				return err
			}
			built = c
			return nil
		})
		if err != nil {
			return nil, err
		}
		return built, nil
	}
	poolCfg := pool.DefaultCircuitPoolConfig()
	if len(hops) == 0 {
		poolCfg.PrebuildEnabled = false
		poolCfg.MinCircuits = 0
	}
	circuitPool := pool.NewCircuitPool(poolCfg, buildFunc, log)
	defer circuitPool.Close()
	cp.pool = circuitPool

	engine := edge.NewEngine(cp, log, cfg.HalfCloseEnabled, cfg.ResolveTimeout, cfg.ConnectTimeout)
	cp.engine = engine

	listenAddr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.SocksPort)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()

	log.Info("edge relay listening", "address", listenAddr, "hops", len(hops))

	var wg sync.WaitGroup
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				log.Warn("accept failed", "error", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				engine.ServeAP(ctx, conn)
			}()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context cancelled", "reason", ctx.Err())
	}

	ln.Close()
	<-acceptDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := manager.Close(shutdownCtx); err != nil {
		log.Warn("error closing circuit manager", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout exceeded, forcing exit")
	}

	return nil
}
