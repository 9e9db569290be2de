// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/absmach/mcsb/client"
	"github.com/absmach/mcsb/config"
	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/internal/capture"
	"github.com/absmach/mcsb/internal/logging"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const (
	defaultSourceSize = 64 << 10
	defaultSourceRate = 40 // MB/s
	maxSourceRate     = 100000
	bytesPerMB        = 1e6
	sendPeriod        = 10 * time.Millisecond
)

var errMessageSize = errors.New("message size exceeds the producer limit")

type sourceReport struct {
	ElapsedTime     float64 `yaml:"elapsedTime"`
	MsgsSent        uint64  `yaml:"msgsSent"`
	BytesSent       uint64  `yaml:"bytesSent"`
	TargetRate      float64 `yaml:"targetRate,omitempty"`
	MsgRate         float64 `yaml:"msgRate"`
	ByteRate        float64 `yaml:"byteRate"`
	SegmentsDropped uint64  `yaml:"segmentsDropped"`
	BytesDropped    uint64  `yaml:"bytesDropped"`
	Replayed        string  `yaml:"replayed,omitempty"`
}

type source struct {
	s     *session
	id    client.MessageID
	size  int
	rate  float64 // bytes per second
	count uint64
	limit time.Duration
}

// newSourceCommand constructs the `source` command.
func newSourceCommand(rf *rootFlags) *cobra.Command {
	sourceCmd := &cobra.Command{
		Use:   "source [msgID [msgSize [rate]]]",
		Short: "Send messages at a target data rate",
		Long: "Send messages on msgID (default is the process ID). The message size " +
			"defaults to 64K and accepts K, M and G suffixes. The rate is in MB/s " +
			"and defaults to 40.",
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := &source{
				id:   client.MessageID(os.Getpid()),
				size: defaultSourceSize,
				rate: defaultSourceRate * bytesPerMB,
			}
			if len(args) > 0 {
				v, err := parseMessageID(args[0])
				if err != nil {
					return err
				}
				src.id = v
			}
			if len(args) > 1 {
				v, err := config.ParseSize(args[1])
				if err != nil {
					return err
				}
				if v < 0 {
					return fmt.Errorf("%w: %s", config.ErrInvalidSize, args[1])
				}
				src.size = int(v)
			}
			if len(args) > 2 {
				v, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return fmt.Errorf("invalid rate %q", args[2])
				}
				switch {
				case v <= 0:
					v = defaultSourceRate
				case v > maxSourceRate:
					v = maxSourceRate
				}
				src.rate = v * bytesPerMB
			}
			src.count, _ = cmd.Flags().GetUint64("count")
			src.limit, _ = cmd.Flags().GetDuration("time")
			replay, _ := cmd.Flags().GetString("replay")

			s, err := rf.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.close()
			src.s = s

			r := sourceReport{}
			var runErr error
			if replay != "" {
				r.Replayed = replay
				runErr = src.replay(cmd.Context(), replay)
			} else {
				if limit := s.client.MaxSendMessageSize(); uint64(src.size) > limit {
					return fmt.Errorf("%w: %d > %d", errMessageSize, src.size, limit)
				}
				r.TargetRate = src.rate
				runErr = src.run(cmd.Context(), cmd.ErrOrStderr())
			}

			elapsed := s.elapsed()
			st := s.client.Stats()
			r.ElapsedTime = elapsed.Seconds()
			r.MsgsSent = st.MessagesSent
			r.BytesSent = st.BytesSent
			r.MsgRate = perSecond(st.MessagesSent, elapsed)
			r.ByteRate = perSecond(st.BytesSent, elapsed)
			r.SegmentsDropped = st.DroppedSegments
			r.BytesDropped = st.DroppedBytes
			if err := writeReport(cmd.OutOrStdout(), r); err != nil {
				return err
			}
			return runErr
		},
	}
	sourceCmd.Flags().Uint64P("count", "c", 0, "exit after sending this many messages")
	sourceCmd.Flags().DurationP("time", "t", 0, "exit after this long")
	sourceCmd.Flags().String("replay", "", "send the messages recorded in this capture file instead")
	return sourceCmd
}

// done reports whether a count or time limit has been reached.
func (src *source) done() bool {
	if src.count > 0 && src.s.client.Stats().MessagesSent >= src.count {
		return true
	}
	return src.limit > 0 && src.s.elapsed() >= src.limit
}

// run sends fixed-size messages paced by a token bucket holding about one
// send period's worth of bytes.
func (src *source) run(ctx context.Context, stderr io.Writer) error {
	burst := max(src.size, int(src.rate*sendPeriod.Seconds()))
	limiter := rate.NewLimiter(rate.Limit(src.rate), burst)
	payload := make([]byte, src.size)

	verbose := src.s.cfg.Log.Verbosity >= logging.VerbosityInfo
	nextReport := time.Now().Add(reportInterval)
	var last client.Stats

	for !src.done() {
		if ctx.Err() != nil {
			return nil
		}
		if src.limit > 0 {
			waitCtx, cancel := context.WithTimeout(ctx, src.limit-src.s.elapsed())
			err := limiter.WaitN(waitCtx, max(src.size, 1))
			cancel()
			if err != nil {
				continue
			}
		} else if err := limiter.WaitN(ctx, max(src.size, 1)); err != nil {
			return nil
		}

		if err := src.s.client.Send(src.id, payload); err != nil {
			return err
		}
		if err := src.s.poll(0); err != nil {
			return err
		}

		if now := time.Now(); verbose && now.After(nextReport) {
			st := src.s.client.Stats()
			_ = writeReport(stderr, sourceReport{
				ElapsedTime: src.s.elapsed().Seconds(),
				MsgsSent:    st.MessagesSent,
				BytesSent:   st.BytesSent,
				TargetRate:  src.rate,
				MsgRate:     perSecond(st.MessagesSent-last.MessagesSent, reportInterval),
				ByteRate:    perSecond(st.BytesSent-last.BytesSent, reportInterval),
			})
			last = st
			nextReport = now.Add(reportInterval)
		}
	}
	return nil
}

// replay resends a capture, keeping the recorded spacing between messages.
// Records whose checksum does not match are skipped.
func (src *source) replay(ctx context.Context, path string) error {
	r, err := capture.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	start := time.Now()
	for !src.done() {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.CRC != 0 && !crc.Valid(rec.CRC, rec.Payload) {
			src.s.logger.Warn("Skipping corrupted capture record", "message_id", rec.ID, "offset", rec.Offset)
			continue
		}

		if wait := time.Until(start.Add(rec.Offset)); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
		}
		if err := src.s.client.Send(client.MessageID(rec.ID), rec.Payload); err != nil {
			return err
		}
		if err := src.s.poll(0); err != nil {
			return err
		}
	}
	return nil
}
