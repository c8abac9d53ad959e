// Package dispatch sends commands to the display app.
//
// Dispatch is fire-and-forget: one attempt, no retries. Every command sets
// state on the app, so a dropped command is corrected the next time the
// agent asserts that state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/teslashibe/go-rehab/pkg/endpoint"
	"github.com/teslashibe/go-rehab/pkg/protocol"
)

// Sentinel errors carried by Result.Err.
var (
	// ErrNoEndpoint indicates there was no peer to address.
	ErrNoEndpoint = errors.New("dispatch: no endpoint available")

	// ErrTransport indicates the send was attempted and failed or timed out.
	ErrTransport = errors.New("dispatch: transport failure")
)

// Transport performs one addressed RPC and waits for its acknowledgement
// under its own timeout.
type Transport interface {
	PerformRPC(ctx context.Context, identity, method, payload string) error
}

// Status classifies a dispatch outcome.
type Status int

const (
	// StatusSent means the transport acknowledged the call.
	StatusSent Status = iota
	// StatusNoEndpoint means nothing was sent because no peer was resolved.
	StatusNoEndpoint
	// StatusTransportFailure means the call was attempted and failed.
	StatusTransportFailure
)

// String returns a human-readable status.
func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusNoEndpoint:
		return "no_endpoint"
	case StatusTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Dispatch call.
type Result struct {
	Status   Status
	Method   string
	Endpoint string
	Err      error
}

// OK reports whether the command was sent.
func (r Result) OK() bool { return r.Status == StatusSent }

// Stats counts dispatch outcomes.
type Stats struct {
	Sent       uint64 `json:"sent"`
	NoEndpoint uint64 `json:"no_endpoint"`
	Failures   uint64 `json:"transport_failures"`
}

// Dispatcher encodes commands and hands them to a Transport.
type Dispatcher struct {
	transport Transport
	logger    *slog.Logger

	sent       atomic.Uint64
	noEndpoint atomic.Uint64
	failures   atomic.Uint64
}

// New creates a dispatcher. A nil logger uses slog.Default.
func New(transport Transport, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		transport: transport,
		logger:    logger.With("component", "dispatch"),
	}
}

// Dispatch sends (method, payload) to ep. It never panics or returns an
// error directly; inspect Result.Status.
func (d *Dispatcher) Dispatch(ctx context.Context, ep *endpoint.Endpoint, method string, payload protocol.Payload) Result {
	res := Result{Method: method}

	if ep == nil {
		d.noEndpoint.Add(1)
		res.Status = StatusNoEndpoint
		res.Err = ErrNoEndpoint
		d.logger.Warn("no remote participant available", "method", method)
		return res
	}
	res.Endpoint = ep.Identity

	text, err := protocol.Command{Method: method, Payload: payload}.Encode()
	if err != nil {
		return d.fail(res, err)
	}

	if d.transport == nil {
		return d.fail(res, errors.New("no transport configured"))
	}

	d.logger.Debug("sending rpc", "method", method, "endpoint", ep.Identity, "payload", text)

	if err := d.transport.PerformRPC(ctx, ep.Identity, method, text); err != nil {
		return d.fail(res, err)
	}

	d.sent.Add(1)
	res.Status = StatusSent
	d.logger.Info("rpc sent", "method", method, "endpoint", ep.Identity)
	return res
}

func (d *Dispatcher) fail(res Result, cause error) Result {
	d.failures.Add(1)
	res.Status = StatusTransportFailure
	res.Err = fmt.Errorf("%w: %s to %s: %w", ErrTransport, res.Method, res.Endpoint, cause)
	d.logger.Error("failed to send rpc",
		"method", res.Method,
		"endpoint", res.Endpoint,
		"error", cause,
	)
	return res
}

// Stats returns a snapshot of the outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:       d.sent.Load(),
		NoEndpoint: d.noEndpoint.Load(),
		Failures:   d.failures.Load(),
	}
}
