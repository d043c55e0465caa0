// Package provider is the controller façade the host application drives:
// it validates configuration, applies network settings once at start, and
// owns the tunnel adapter's lifecycle.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tunnelcore/internal/budget"
	"tunnelcore/internal/config"
	"tunnelcore/internal/engine"
	"tunnelcore/internal/flowtrack"
	"tunnelcore/internal/hostio"
	"tunnelcore/internal/hosttrack"
	"tunnelcore/internal/logging"
	"tunnelcore/internal/metrics"
	"tunnelcore/internal/policy"
	"tunnelcore/internal/tunnel"
)

// Status mirrors the controller's externally visible state.
type Status struct {
	State     string
	StartTime time.Time
	LastError string

	IsStopping             bool
	RelayRestartInProgress bool
	Reasserting            bool
	RelayMode              string
	DefaultPathSignature   string
}

const (
	stateDisconnected = "disconnected"
	stateConnecting   = "connecting"
	stateConnected    = "connected"
)

// Controller wires configuration, host I/O, and an engine into a running
// tunnel.Adapter, and exposes its status to the host application.
type Controller struct {
	hostIO hostio.HostIO
	engine engine.Engine

	mu     sync.RWMutex
	status Status

	adapter    *tunnel.Adapter
	collector  *metrics.Collector
	exposition *metrics.Exposition
	byteBudget *budget.ByteBudget
	cancel     context.CancelFunc
	reloadMu   sync.Mutex
	activeCfg  *config.Config
	logger     *logging.Logger
}

// NewController returns a Controller bound to hostIO and eng. Neither is
// started until Start is called.
func NewController(hostIO hostio.HostIO, eng engine.Engine) *Controller {
	return &Controller{
		hostIO: hostIO,
		engine: eng,
		status: Status{State: stateDisconnected},
	}
}

// Start validates cfg, applies it to the host interface, builds the
// tunnel's supporting components, and starts the orchestrator.
func (c *Controller) Start(ctx context.Context, cfg *config.Config) error {
	c.mu.Lock()
	if c.status.State != stateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("provider: already %s", c.status.State)
	}
	c.status = Status{State: stateConnecting, StartTime: time.Now()}
	c.mu.Unlock()

	logger := logging.New(cfg.Logging)
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
	logger.Infof(config.BreadcrumbDevice, "device", "starting: mtu=%d address=%s", cfg.Provider.MTU, cfg.Provider.IPv4.Address)

	if err := cfg.Validate(); err != nil {
		c.fail(err)
		return fmt.Errorf("provider: invalid configuration: %w", err)
	}

	if err := c.hostIO.SetNetworkSettings(ctx, cfg.Provider); err != nil {
		c.fail(err)
		return fmt.Errorf("provider: set_network_settings: %w", err)
	}

	policyStore := policy.NewStore()
	applyPolicies(policyStore, cfg.Provider.Policies)

	var exposition *metrics.Exposition
	var sink metrics.Sink
	if cfg.Provider.Metrics.Enabled {
		exposition = metrics.NewExposition()
		sink = exposition
	}
	sink = withMetricsLogging(sink, logger)
	collector := metrics.New(cfg.Provider.Metrics.ReportingInterval, sink)
	byteBudget := budget.NewByteBudget(int64(cfg.Provider.Memory.PacketPoolBytes))

	runCtx, cancel := context.WithCancel(ctx)

	adapter := tunnel.New(tunnel.Config{
		HostIO:           c.hostIO,
		Engine:           c.engine,
		Metrics:          collector,
		HostTracker:      hosttrack.New(0),
		PolicyStore:      policyStore,
		ByteBudget:       byteBudget,
		SendWindow:       budget.NewSendWindow(cfg.Provider.Memory.MaxConcurrentNetworkSends),
		FlowTracker:      flowtrack.New(5*time.Minute, 2*time.Second, 8192),
		BurstTracker:     flowtrack.NewBurstTracker(),
		MTU:              int(cfg.Provider.MTU),
		PerFlowBytes:     cfg.Provider.Memory.PerFlowBytes,
		PacketBatchLimit: cfg.Provider.Memory.PacketBatchLimit,
		Events:           tunnel.EventSinkFunc(c.onEvent),
		Logger:           logger,
	})

	if err := adapter.Start(runCtx); err != nil {
		cancel()
		logger.Warnf(config.BreadcrumbDevice, "device", "start failed: %v", err)
		c.fail(err)
		return fmt.Errorf("provider: adapter start: %w", err)
	}
	logger.Infof(config.BreadcrumbDevice, "device", "started")

	c.mu.Lock()
	c.adapter = adapter
	c.collector = collector
	c.exposition = exposition
	c.byteBudget = byteBudget
	c.cancel = cancel
	c.activeCfg = cfg
	c.status = Status{
		State:                stateConnected,
		StartTime:            c.status.StartTime,
		RelayMode:            "tunnel",
		DefaultPathSignature: pathSignature(cfg),
	}
	c.mu.Unlock()
	return nil
}

func pathSignature(cfg *config.Config) string {
	return fmt.Sprintf("%s/%d", cfg.Provider.IPv4.Address, cfg.Provider.MTU)
}

// ReloadConfiguration rebuilds the policy store from a new configuration
// without restarting the connection table or engine.
func (c *Controller) ReloadConfiguration(cfg *config.Config) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("provider: invalid configuration: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adapter == nil {
		return fmt.Errorf("provider: not connected")
	}
	applyPolicies(c.adapter.PolicyStore(), cfg.Provider.Policies)
	c.activeCfg = cfg
	return nil
}

// Stop halts the adapter and returns to the disconnected state.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.status.IsStopping = true
	adapter := c.adapter
	cancel := c.cancel
	logger := c.logger
	c.mu.Unlock()

	logger.Infof(config.BreadcrumbDevice, "device", "stopping")

	if adapter != nil {
		adapter.Stop()
	}
	if cancel != nil {
		cancel()
	}

	c.mu.Lock()
	c.adapter = nil
	c.cancel = nil
	c.status = Status{State: stateDisconnected, RelayRestartInProgress: c.status.RelayRestartInProgress}
	c.mu.Unlock()

	logger.Infof(config.BreadcrumbDevice, "device", "stopped")
}

// RestartRelay rebuilds the running tunnel by calling Stop and then Start
// against the last-applied configuration, so the adapter and engine are
// torn down and started again, the state passes through disconnected, and
// network settings are applied once more. RelayRestartInProgress is set
// for the duration.
func (c *Controller) RestartRelay(ctx context.Context) error {
	c.mu.Lock()
	if c.adapter == nil {
		c.mu.Unlock()
		return fmt.Errorf("provider: not connected")
	}
	c.status.RelayRestartInProgress = true
	cfg := c.activeCfg
	c.mu.Unlock()

	c.Stop()
	err := c.Start(ctx, cfg)

	c.mu.Lock()
	c.status.RelayRestartInProgress = false
	c.mu.Unlock()
	return err
}

// FlushMetrics runs the collector's report check now rather than waiting
// for the next recorded packet. As with any report, a snapshot reaches the
// sink only if the counters are dirty and the reporting interval has
// elapsed since the last one; it does not bypass the interval.
func (c *Controller) FlushMetrics() {
	c.mu.RLock()
	collector := c.collector
	c.mu.RUnlock()
	if collector != nil {
		collector.Tick()
	}
}

// PacketCounts returns the running outbound/inbound packet totals.
func (c *Controller) PacketCounts() (outbound, inbound uint64) {
	c.mu.RLock()
	collector := c.collector
	c.mu.RUnlock()
	if collector == nil {
		return 0, 0
	}
	snap := collector.Peek()
	return snap.OutboundPackets, snap.InboundPackets
}

// WaitingForBackpressureRelief reports whether the byte budget is near
// its admission limit and new batches are likely to be refused.
func (c *Controller) WaitingForBackpressureRelief() bool {
	c.mu.RLock()
	bb := c.byteBudget
	c.mu.RUnlock()
	if bb == nil {
		return false
	}
	return bb.Utilization() >= budget.WarnThreshold
}

// Diagnostics returns a snapshot of internal state useful for the
// `diagnostics` RPC command.
func (c *Controller) Diagnostics() map[string]any {
	status := c.Snapshot()
	out, in := c.PacketCounts()
	return map[string]any{
		"state":                status.State,
		"relayMode":            status.RelayMode,
		"defaultPathSignature": status.DefaultPathSignature,
		"outboundPacketCount":  out,
		"inboundPacketCount":   in,
	}
}

// Snapshot returns the controller's current status.
func (c *Controller) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Collector returns the active metrics collector, or nil if disconnected.
func (c *Controller) Collector() *metrics.Collector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collector
}

// ServeMetrics starts the HTTP exposition endpoint, if metrics are
// enabled, blocking until ctx is cancelled.
func (c *Controller) ServeMetrics(ctx context.Context, addr string) error {
	c.mu.RLock()
	exp := c.exposition
	c.mu.RUnlock()
	if exp == nil {
		return fmt.Errorf("provider: metrics exposition not enabled")
	}
	return exp.Serve(ctx, addr)
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.status = Status{State: stateDisconnected, LastError: err.Error()}
	c.mu.Unlock()
}

func (c *Controller) onEvent(e tunnel.Event) {
	if e.Kind != tunnel.EventDidFail {
		return
	}
	c.mu.Lock()
	c.status.LastError = e.Message
	c.mu.Unlock()
}

// withMetricsLogging wraps sink (which may be nil) so every accepted
// snapshot is also breadcrumbed through logger under BreadcrumbMetrics.
func withMetricsLogging(sink metrics.Sink, logger *logging.Logger) metrics.Sink {
	return metrics.SinkFunc(func(snap metrics.MetricsSnapshot) {
		logger.Debugf(config.BreadcrumbMetrics, "metrics", "out=%d/%dB in=%d/%dB errs=%d",
			snap.OutboundPackets, snap.OutboundBytes, snap.InboundPackets, snap.InboundBytes, len(snap.Errors))
		if sink != nil {
			sink.Accept(snap)
		}
	})
}

func applyPolicies(store *policy.Store, p config.Policies) {
	var rules []policy.HostRule
	for _, h := range p.BlockedHosts {
		rules = append(rules, policy.BlockedHostRule(h))
	}
	for _, r := range p.TrafficShaping.Rules {
		var portList []uint16
		for _, port := range r.Ports {
			portList = append(portList, uint16(port))
		}
		rules = append(rules, policy.HostRule{
			Hosts: r.Hosts,
			Ports: portList,
			Action: policy.Action{
				Kind: policy.ActionShape,
				Shape: policy.ShapeParams{
					FixedLatencyMS: int(r.Policy.FixedLatencyMS),
					JitterMS:       int(r.Policy.JitterMS),
					BytesPerSecond: r.Policy.BytesPerSecond,
				},
			},
		})
	}

	var fallback *policy.Action
	if p.TrafficShaping.DefaultPolicy != nil {
		dp := p.TrafficShaping.DefaultPolicy
		fallback = &policy.Action{
			Kind: policy.ActionShape,
			Shape: policy.ShapeParams{
				FixedLatencyMS: int(dp.FixedLatencyMS),
				JitterMS:       int(dp.JitterMS),
				BytesPerSecond: dp.BytesPerSecond,
			},
		}
	}
	store.Build(rules, fallback)
}
