// Command tunnelcored is a standalone demo host for the tunnel core: it
// wires a loopback PipeHostIO and an engine (the NoOp reflector, or the
// gVisor-backed terminator with -netstack) into a running
// provider.Controller, answers app-message commands on stdin, and serves
// Prometheus metrics when -metrics is set and the configuration enables
// them.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tunnelcore/internal/config"
	"tunnelcore/internal/engine"
	"tunnelcore/internal/hostio"
	"tunnelcore/internal/provider"
	"tunnelcore/internal/rpc"
)

func main() {
	var cfgPath string
	var metricsAddr string
	var netstack bool
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.StringVar(&metricsAddr, "metrics", "", "metrics exposition listen address, e.g. :9100")
	flag.BoolVar(&netstack, "netstack", false, "terminate TCP/UDP locally with the gVisor engine instead of reflecting packets")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var eng engine.Engine
	if netstack {
		eng = engine.NewNetstack(int(cfg.Provider.MTU))
	} else {
		eng = engine.NewNoOp()
	}

	pipe := hostio.NewPipeHostIO(int(cfg.Provider.Memory.PacketBatchLimit))
	ctrl := provider.NewController(pipe, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx, cfg); err != nil {
		log.Fatalf("start: %v", err)
	}
	log.Printf("tunnel started: device %s/%s, mtu %d", cfg.Provider.IPv4.Address, cfg.Provider.IPv4.SubnetMask, cfg.Provider.MTU)

	if metricsAddr != "" && cfg.Provider.Metrics.Enabled {
		go func() {
			if err := ctrl.ServeMetrics(ctx, metricsAddr); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
		log.Printf("metrics listening on %s", metricsAddr)
	}

	dispatcher := rpc.New(ctrl, func() float64 { return float64(time.Now().UnixNano()) / 1e9 })
	go runCommandLoop(ctx, dispatcher)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Printf("shutting down...")
	ctrl.Stop()
	cancel()
}

// runCommandLoop reads one app-message command per line from stdin and
// writes its JSON response to stdout, until ctx is cancelled or stdin
// closes. This stands in for the host-supplied RPC transport, which is
// out of scope here beyond the command grammar itself.
func runCommandLoop(ctx context.Context, d *rpc.Dispatcher) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		out, err := d.HandleJSON(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rpc: %v\n", err)
			continue
		}
		fmt.Println(string(out))
	}
}
