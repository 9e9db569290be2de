// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/absmach/mcsb/client"
	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/internal/capture"
	"github.com/absmach/mcsb/internal/logging"
	"github.com/spf13/cobra"
)

const (
	defaultSinkID  = 10000
	reportInterval = time.Second
	ackSize        = 8
)

type sinkReport struct {
	ElapsedTime     float64 `yaml:"elapsedTime"`
	MsgsRcvd        uint64  `yaml:"msgsRcvd"`
	BytesRcvd       uint64  `yaml:"bytesRcvd"`
	SegmentsDropped uint64  `yaml:"segmentsDropped"`
	BytesDropped    uint64  `yaml:"bytesDropped"`
	TotalMsgRate    float64 `yaml:"totalMsgRate"`
	TotalByteRate   float64 `yaml:"totalByteRate"`

	IntervalMsgRate  *float64 `yaml:"intervalMsgRate,omitempty"`
	IntervalByteRate *float64 `yaml:"intervalByteRate,omitempty"`
	Captured         *int     `yaml:"captured,omitempty"`
}

type sink struct {
	s       *session
	echoID  *client.MessageID
	ackID   *client.MessageID
	delay   time.Duration
	capture *capture.Writer

	msgs  uint64
	bytes uint64
	err   error
}

func (k *sink) HandleMessage(id client.MessageID, p client.Payload) error {
	k.msgs++
	k.bytes += uint64(p.Len())
	if k.delay > 0 {
		time.Sleep(k.delay)
	}

	if k.capture != nil {
		b := p.Bytes()
		if err := k.capture.Write(uint32(id), crc.Checksum(b), b); err != nil && k.err == nil {
			k.err = fmt.Errorf("capture write failed: %w", err)
		}
	}
	if k.ackID != nil {
		ack := make([]byte, min(ackSize, p.Len()))
		p.CopyTo(ack)
		if err := k.s.client.Send(*k.ackID, ack); err != nil {
			return err
		}
	}
	if k.echoID != nil {
		return k.s.client.Send(*k.echoID, p.Bytes())
	}
	return nil
}

func (k *sink) report(elapsed time.Duration) sinkReport {
	st := k.s.client.Stats()
	r := sinkReport{
		ElapsedTime:     elapsed.Seconds(),
		MsgsRcvd:        k.msgs,
		BytesRcvd:       k.bytes,
		SegmentsDropped: st.DroppedSegments,
		BytesDropped:    st.DroppedBytes,
		TotalMsgRate:    perSecond(k.msgs, elapsed),
		TotalByteRate:   perSecond(k.bytes, elapsed),
	}
	if k.capture != nil {
		n := k.capture.Count()
		r.Captured = &n
	}
	return r
}

// newSinkCommand constructs the `sink` command.
func newSinkCommand(rf *rootFlags) *cobra.Command {
	sinkCmd := &cobra.Command{
		Use:   "sink [msgID]",
		Short: "Receive messages and print a report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := client.MessageID(defaultSinkID)
			if len(args) > 0 {
				v, err := parseMessageID(args[0])
				if err != nil {
					return err
				}
				id = v
			}
			count, _ := cmd.Flags().GetUint64("count")
			limit, _ := cmd.Flags().GetDuration("time")
			delay, _ := cmd.Flags().GetDuration("delay")
			capturePath, _ := cmd.Flags().GetString("capture")

			k := &sink{delay: delay}
			if cmd.Flags().Changed("echo-id") {
				v, _ := cmd.Flags().GetUint32("echo-id")
				echo := client.MessageID(v)
				k.echoID = &echo
			}
			if cmd.Flags().Changed("ack-id") {
				v, _ := cmd.Flags().GetUint32("ack-id")
				ack := client.MessageID(v)
				k.ackID = &ack
			}

			s, err := rf.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.close()
			k.s = s

			if capturePath != "" {
				w, err := capture.Create(capturePath)
				if err != nil {
					return err
				}
				k.capture = w
			}

			if err := s.client.Register(id, client.NewIdentity(), k); err != nil {
				return err
			}
			s.logger.Log(cmd.Context(), logging.LevelNotice, "Sink receiving", "message_id", id)

			runErr := k.run(cmd.Context(), cmd.ErrOrStderr(), count, limit)
			if k.capture != nil {
				if err := k.capture.Close(); err != nil && runErr == nil {
					runErr = err
				}
			}
			if err := writeReport(cmd.OutOrStdout(), k.report(s.elapsed())); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			return k.err
		},
	}
	sinkCmd.Flags().Uint64P("count", "c", 0, "exit after receiving this many messages")
	sinkCmd.Flags().DurationP("time", "t", 0, "exit after this long")
	sinkCmd.Flags().Uint32P("echo-id", "e", 0, "echo received messages on this message ID")
	sinkCmd.Flags().Uint32P("ack-id", "a", 0, "acknowledge each message with its first 8 bytes on this message ID")
	sinkCmd.Flags().DurationP("delay", "d", 0, "wait after each received message")
	sinkCmd.Flags().String("capture", "", "record received messages to this file")
	return sinkCmd
}

// run polls until ctx is done or a limit is reached. Interval reports go to
// stderr at info verbosity.
func (k *sink) run(ctx context.Context, stderr io.Writer, count uint64, limit time.Duration) error {
	verbose := k.s.cfg.Log.Verbosity >= logging.VerbosityInfo
	nextReport := time.Now().Add(reportInterval)
	var lastMsgs, lastBytes uint64

	for {
		if ctx.Err() != nil {
			return nil
		}
		if count > 0 && k.msgs >= count {
			return nil
		}
		budget := pollInterval
		if limit > 0 {
			remaining := limit - k.s.elapsed()
			if remaining <= 0 {
				return nil
			}
			budget = min(budget, remaining)
		}

		if err := k.s.poll(budget); err != nil {
			return err
		}
		if k.s.client.State() == client.StateClosed {
			return client.ErrClosed
		}

		if now := time.Now(); verbose && now.After(nextReport) {
			r := k.report(k.s.elapsed())
			msgRate := perSecond(k.msgs-lastMsgs, reportInterval)
			byteRate := perSecond(k.bytes-lastBytes, reportInterval)
			r.IntervalMsgRate, r.IntervalByteRate = &msgRate, &byteRate
			_ = writeReport(stderr, r)
			lastMsgs, lastBytes = k.msgs, k.bytes
			nextReport = now.Add(reportInterval)
		}
	}
}
