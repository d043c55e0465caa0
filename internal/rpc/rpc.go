// Package rpc implements the app-message command grammar (spec §6): a
// small, fixed set of lowercase commands dispatched to the provider
// controller, answered with a single JSON response shape.
package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"tunnelcore/internal/provider"
)

// Response is the JSON object returned for every command, known or not.
type Response struct {
	OK                           bool    `json:"ok"`
	Command                      string  `json:"command"`
	Error                        *string `json:"error"`
	Timestamp                    float64 `json:"timestamp"`
	IsStopping                   bool    `json:"isStopping"`
	WaitingForBackpressureRelief bool    `json:"waitingForBackpressureRelief"`
	RelayRestartInProgress       bool    `json:"relayRestartInProgress"`
	Reasserting                  bool    `json:"reasserting"`
	RelayMode                    string  `json:"relayMode"`
	DefaultPathSignature         string  `json:"defaultPathSignature"`
	OutboundPacketCount          uint64  `json:"outboundPacketCount"`
	InboundPacketCount           uint64  `json:"inboundPacketCount"`
}

// Dispatcher routes app-message commands to a provider.Controller.
type Dispatcher struct {
	controller *provider.Controller
	now        func() float64
}

// New returns a Dispatcher answering on behalf of controller.
func New(controller *provider.Controller, now func() float64) *Dispatcher {
	return &Dispatcher{controller: controller, now: now}
}

// Handle parses, dispatches, and answers a raw command string. The
// command grammar is lowercase and whitespace-trimmed; anything else is
// "unsupported-command".
func (d *Dispatcher) Handle(ctx context.Context, raw string) Response {
	cmd := strings.ToLower(strings.TrimSpace(raw))
	resp := d.baseResponse(cmd)

	switch cmd {
	case "status":
		resp.OK = true
	case "diagnostics":
		resp.OK = true
	case "flushmetrics":
		d.controller.FlushMetrics()
		resp.OK = true
	case "restartrelay":
		if err := d.controller.RestartRelay(ctx); err != nil {
			resp.OK = false
			msg := err.Error()
			resp.Error = &msg
		} else {
			resp.OK = true
		}
	case "reloadconfiguration":
		// Configuration is supplied out-of-band (the host re-reads its
		// config file and calls provider.Controller.ReloadConfiguration
		// directly); this command only acknowledges, without checking or
		// reloading anything.
		resp.OK = true
	default:
		resp.OK = false
		msg := "unsupported-command"
		resp.Error = &msg
	}

	return d.refreshed(cmd, resp)
}

// HandleJSON is Handle, marshalled to the wire JSON object.
func (d *Dispatcher) HandleJSON(ctx context.Context, raw string) ([]byte, error) {
	return json.Marshal(d.Handle(ctx, raw))
}

func (d *Dispatcher) baseResponse(cmd string) Response {
	return Response{Command: cmd, Timestamp: d.now()}
}

// refreshed re-reads the controller's live status so every response
// (success or failure) carries current counters and relay state.
func (d *Dispatcher) refreshed(cmd string, resp Response) Response {
	status := d.controller.Snapshot()
	out, in := d.controller.PacketCounts()

	resp.Command = cmd
	resp.IsStopping = status.IsStopping
	resp.RelayRestartInProgress = status.RelayRestartInProgress
	resp.Reasserting = status.Reasserting
	resp.RelayMode = status.RelayMode
	resp.DefaultPathSignature = status.DefaultPathSignature
	resp.WaitingForBackpressureRelief = d.controller.WaitingForBackpressureRelief()
	resp.OutboundPacketCount = out
	resp.InboundPacketCount = in
	return resp
}
