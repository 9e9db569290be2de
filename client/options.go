// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/internal/logging"
	"github.com/absmach/mcsb/transport"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultMinProducerBytes = 8 << 20
	DefaultMinConsumerBytes = 8 << 20
	DefaultMinProducerSlabs = 4
	DefaultMinConsumerSlabs = 4
	DefaultCtrlSockName     = "/tmp/mcsb-%U.sock"
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultVerbosity        = logging.DefaultVerbosity
)

// Options configures an MCSB client. Options must not be changed after they
// are passed to New.
type Options struct {
	// Flow control floors. The client does not open until the Manager grants
	// buffers meeting all four.
	MinProducerBytes int64
	MinConsumerBytes int64
	MinProducerSlabs int
	MinConsumerSlabs int

	// Identity
	CtrlSockName string // Manager control socket, used when Transport is nil
	ClientName   string // Reported to the Manager; defaults to DefaultClientName()

	// Group is requested from the Manager once the channel opens. Clients in
	// the same group never receive each other's messages.
	Group string

	// Integrity
	CRCPolicy crc.Policy

	// Message IDs at or above MessageIDLimit are rejected. Zero accepts every
	// ID except transport.ReservedID.
	MessageIDLimit uint32

	// MutablePayloads lets handlers obtain a writable view of inbound payloads
	// through Payload.Mutable.
	MutablePayloads bool

	// ShutdownTimeout bounds how long Poll keeps draining after Close.
	ShutdownTimeout time.Duration

	// Logging
	Verbosity int          // 0 critical .. 5 debug; used when Logger is nil
	Logger    *slog.Logger // Overrides Verbosity

	// Transport carries messages to the Manager. When nil, New dials
	// CtrlSockName over a unix socket.
	Transport transport.Transport

	// Telemetry; the global providers are used when nil.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// Callbacks, all invoked from inside Poll or Close.
	OnStateChange func(from, to State)         // Called after every state change
	OnDropReport  func(segments, bytes uint32) // Called when the Manager dropped inbound data
	OnError       func(err error)              // Called by Run for failures Poll reported

	// OnRegistration, when set, subscribes to registration changes made by
	// every client of the Manager. The changes in place when the channel
	// opens are reported first.
	OnRegistration func(r Registration)
}

// NewOptions creates Options with the MCSB defaults.
func NewOptions() *Options {
	return &Options{
		MinProducerBytes: DefaultMinProducerBytes,
		MinConsumerBytes: DefaultMinConsumerBytes,
		MinProducerSlabs: DefaultMinProducerSlabs,
		MinConsumerSlabs: DefaultMinConsumerSlabs,
		CtrlSockName:     DefaultCtrlSockName,
		CRCPolicy:        crc.None,
		ShutdownTimeout:  DefaultShutdownTimeout,
		Verbosity:        DefaultVerbosity,
	}
}

// DefaultClientName derives a client name from the program name and PID,
// for example "sink[4242]".
func DefaultClientName() string {
	return fmt.Sprintf("%s[%d]", filepath.Base(os.Args[0]), os.Getpid())
}

// SetProducerWatermarks sets the producer byte and slab floors.
func (o *Options) SetProducerWatermarks(bytes int64, slabs int) *Options {
	o.MinProducerBytes = bytes
	o.MinProducerSlabs = slabs
	return o
}

// SetConsumerWatermarks sets the consumer byte and slab floors.
func (o *Options) SetConsumerWatermarks(bytes int64, slabs int) *Options {
	o.MinConsumerBytes = bytes
	o.MinConsumerSlabs = slabs
	return o
}

// SetCtrlSockName sets the Manager control socket path.
func (o *Options) SetCtrlSockName(name string) *Options {
	o.CtrlSockName = name
	return o
}

// SetClientName sets the name reported to the Manager.
func (o *Options) SetClientName(name string) *Options {
	o.ClientName = name
	return o
}

// SetGroup sets the group requested on open.
func (o *Options) SetGroup(name string) *Options {
	o.Group = name
	return o
}

// SetCRCPolicy sets the checksum policy.
func (o *Options) SetCRCPolicy(p crc.Policy) *Options {
	o.CRCPolicy = p
	return o
}

// SetMessageIDLimit sets the exclusive upper bound for message IDs.
func (o *Options) SetMessageIDLimit(limit uint32) *Options {
	o.MessageIDLimit = limit
	return o
}

// SetMutablePayloads enables Payload.Mutable.
func (o *Options) SetMutablePayloads(enabled bool) *Options {
	o.MutablePayloads = enabled
	return o
}

// SetShutdownTimeout sets the drain bound applied after Close.
func (o *Options) SetShutdownTimeout(d time.Duration) *Options {
	o.ShutdownTimeout = d
	return o
}

// SetVerbosity sets the log verbosity.
func (o *Options) SetVerbosity(v int) *Options {
	o.Verbosity = v
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetTransport sets the transport.
func (o *Options) SetTransport(t transport.Transport) *Options {
	o.Transport = t
	return o
}

// SetMeterProvider sets the OpenTelemetry meter provider.
func (o *Options) SetMeterProvider(mp metric.MeterProvider) *Options {
	o.MeterProvider = mp
	return o
}

// SetTracerProvider sets the OpenTelemetry tracer provider.
func (o *Options) SetTracerProvider(tp trace.TracerProvider) *Options {
	o.TracerProvider = tp
	return o
}

// SetOnStateChange sets the state change callback.
func (o *Options) SetOnStateChange(fn func(from, to State)) *Options {
	o.OnStateChange = fn
	return o
}

// SetOnDropReport sets the drop report callback.
func (o *Options) SetOnDropReport(fn func(segments, bytes uint32)) *Options {
	o.OnDropReport = fn
	return o
}

// SetOnRegistration sets the registration callback.
func (o *Options) SetOnRegistration(fn func(r Registration)) *Options {
	o.OnRegistration = fn
	return o
}

// SetOnError sets the callback Run uses for failures.
func (o *Options) SetOnError(fn func(err error)) *Options {
	o.OnError = fn
	return o
}

// Validate checks the options.
func (o *Options) Validate() error {
	var n negotiator
	if err := n.configure(o.MinProducerBytes, o.MinConsumerBytes, o.MinProducerSlabs, o.MinConsumerSlabs); err != nil {
		return err
	}

	switch {
	case !o.CRCPolicy.Valid():
		return fmt.Errorf("%w: CRC policy %s", ErrInvalidConfiguration, o.CRCPolicy)
	case o.Verbosity < 0:
		return fmt.Errorf("%w: negative verbosity %d", ErrInvalidConfiguration, o.Verbosity)
	case o.ShutdownTimeout < 0:
		return fmt.Errorf("%w: negative shutdown timeout %s", ErrInvalidConfiguration, o.ShutdownTimeout)
	case o.Transport == nil && o.CtrlSockName == "":
		return fmt.Errorf("%w: control socket name required", ErrInvalidConfiguration)
	}
	return nil
}
