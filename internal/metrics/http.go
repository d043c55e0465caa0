package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Exposition serves the most recent snapshot as Prometheus-style text,
// adapted from the flat-label counters the core previously wrote ad
// hoc per upstream.
type Exposition struct {
	mu   sync.RWMutex
	last MetricsSnapshot
	have bool
}

// NewExposition returns an empty Exposition; feed it snapshots via
// Accept (it implements Sink) as the collector reports them.
func NewExposition() *Exposition {
	return &Exposition{}
}

// Accept implements Sink, recording the latest snapshot to serve.
func (e *Exposition) Accept(snap MetricsSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = snap
	e.have = true
}

// Serve runs an HTTP server exposing /metrics until ctx is cancelled.
func (e *Exposition) Serve(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", e.handle)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (e *Exposition) handle(w http.ResponseWriter, _ *http.Request) {
	e.mu.RLock()
	snap, have := e.last, e.have
	e.mu.RUnlock()
	if !have {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# no metrics reported yet\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeCounter(w, "tunnelcore_outbound_packets_total", snap.OutboundPackets)
	writeCounter(w, "tunnelcore_outbound_bytes_total", snap.OutboundBytes)
	writeCounter(w, "tunnelcore_inbound_packets_total", snap.InboundPackets)
	writeCounter(w, "tunnelcore_inbound_bytes_total", snap.InboundBytes)
	writeGauge(w, "tunnelcore_active_tcp_connections", float64(snap.ActiveTCP))
	writeGauge(w, "tunnelcore_active_udp_connections", float64(snap.ActiveUDP))
	writeGauge(w, "tunnelcore_error_events", float64(len(snap.Errors)))
}

func writeCounter(w http.ResponseWriter, name string, v uint64) {
	fmt.Fprintf(w, "%s %d\n", name, v)
}

func writeGauge(w http.ResponseWriter, name string, v float64) {
	fmt.Fprintf(w, "%s %.0f\n", name, v)
}
