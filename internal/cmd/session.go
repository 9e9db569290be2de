// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/absmach/mcsb/client"
	"github.com/absmach/mcsb/config"
	"github.com/absmach/mcsb/internal/logging"
	"github.com/absmach/mcsb/internal/telemetry"
	"github.com/absmach/mcsb/transport/memory"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	pollInterval     = 100 * time.Millisecond
	telemetryTimeout = 5 * time.Second
)

// session is one open client plus the process plumbing around it.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   *client.Client
	mgr      *memory.Manager
	peers    []*client.Client
	start    time.Time
	shutdown telemetry.ShutdownFunc
}

// open resolves the configuration, installs telemetry and returns a session
// whose client is Open. configure may adjust the options before New.
func (rf *rootFlags) open(cmd *cobra.Command, configure func(*client.Options)) (*session, error) {
	ctx := cmd.Context()
	cfg, err := config.Resolve(rf.configFile, rf.mcsb)
	if err != nil {
		return nil, err
	}

	logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Verbosity, cfg.Log.Format)
	shutdown, err := telemetry.InitProvider(ctx, cfg.Telemetry, uuid.NewString())
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown,
	}

	opts := cfg.ClientOptions().SetLogger(logger)
	if rf.loopback {
		s.mgr = rf.manager()
		opts.SetTransport(s.mgr.Dial())
	}
	if configure != nil {
		configure(opts)
	}

	c, err := client.New(opts)
	if err != nil {
		s.stopTelemetry()
		return nil, err
	}
	s.client = c
	if err := waitOpen(ctx, c); err != nil {
		s.close()
		return nil, err
	}

	logger.Info("Channel open",
		"client_id", c.ClientID(),
		"shm", c.ShmName(),
		"max_send", c.MaxSendMessageSize(),
		"max_recv", c.MaxRecvMessageSize())
	s.start = time.Now()
	return s, nil
}

// attachEcho connects an in-process peer that resends every message on from
// as to. It needs a loopback session.
func (s *session) attachEcho(from, to client.MessageID) error {
	if s.mgr == nil {
		return errors.New("echo peer requires --loopback")
	}
	opts := s.cfg.ClientOptions().
		SetLogger(s.logger.With("peer", "echo")).
		SetClientName("echo").
		SetGroup("").
		SetTransport(s.mgr.Dial())
	peer, err := client.New(opts)
	if err != nil {
		return err
	}
	s.peers = append(s.peers, peer)

	echo := client.HandlerFunc(func(_ client.MessageID, p client.Payload) error {
		return peer.Send(to, p.Bytes())
	})
	if err := peer.Register(from, client.NewIdentity(), echo); err != nil {
		return err
	}
	return waitOpen(context.Background(), peer)
}

// pollPeers gives every in-process peer a zero-budget poll.
func (s *session) pollPeers() {
	for _, p := range s.peers {
		if err := p.Poll(0); err != nil {
			s.logger.Warn("Peer poll failed", "error", err)
		}
	}
}

// poll polls the peers and then the session client for budget. Only a
// transport failure is returned; other failures are logged.
func (s *session) poll(budget time.Duration) error {
	s.pollPeers()
	err := s.client.Poll(budget)
	if err == nil {
		return nil
	}
	if errors.Is(err, client.ErrTransportFailure) {
		return err
	}
	s.logger.Warn("Poll reported failures", "error", err)
	return nil
}

func (s *session) elapsed() time.Duration {
	return time.Since(s.start)
}

// close drains and closes every client and flushes telemetry.
func (s *session) close() {
	for _, c := range append(s.peers, s.client) {
		if c == nil {
			continue
		}
		if err := drain(c); err != nil {
			s.logger.Warn("Failures reported while draining", "error", err)
		}
	}
	s.stopTelemetry()
}

func (s *session) stopTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
	defer cancel()
	if err := s.shutdown(ctx); err != nil {
		s.logger.Warn("Telemetry shutdown failed", "error", err)
	}
}

func waitOpen(ctx context.Context, c *client.Client) error {
	for {
		err := c.Poll(pollInterval)
		switch c.State() {
		case client.StateOpen:
			return nil
		case client.StateClosing, client.StateClosed:
			if err == nil {
				err = client.ErrClosed
			}
			return fmt.Errorf("channel did not open: %w", err)
		}
		if err := ctx.Err(); err != nil {
			c.Close()
			return err
		}
	}
}

// drain closes c and polls until it is Closed, returning every failure Poll
// reported on the way. The client's shutdown timeout bounds the wait.
func drain(c *client.Client) error {
	c.Close()
	var errs []error
	for c.State() != client.StateClosed {
		if err := c.Poll(pollInterval); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeReport prints v as a YAML document.
func writeReport(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = fmt.Fprintf(w, "---\n%s...\n", data)
	return err
}

func perSecond(n uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
