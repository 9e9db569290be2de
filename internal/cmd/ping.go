// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/absmach/mcsb/client"
	"github.com/absmach/mcsb/internal/logging"
	"github.com/spf13/cobra"
)

const (
	defaultPingID   = 10000
	seqSize         = 8
	minPingInterval = 100 * time.Millisecond
	floodInterval   = 10 * time.Millisecond
)

var errMessageLoss = errors.New("messages lost")

// runningStats accumulates mean and variance in one pass.
type runningStats struct {
	count  uint64
	m1, m2 float64
	min    float64
	max    float64
}

func (r *runningStats) add(v float64) {
	if r.count == 0 || v < r.min {
		r.min = v
	}
	if r.count == 0 || v > r.max {
		r.max = v
	}
	r.count++
	delta := v - r.m1
	r.m1 += delta / float64(r.count)
	r.m2 += delta * delta * float64(r.count-1) / float64(r.count)
}

func (r *runningStats) stddev() float64 {
	if r.count < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.count-1))
}

type flightTimeStats struct {
	Min    float64 `yaml:"min"`
	Avg    float64 `yaml:"avg"`
	Max    float64 `yaml:"max"`
	StdDev float64 `yaml:"stddev"`
}

type pingReport struct {
	ElapsedTime     float64         `yaml:"elapsedTime"`
	MsgsSent        uint64          `yaml:"msgsSent"`
	MsgsRcvd        uint64          `yaml:"msgsRcvd"`
	PctMsgLoss      float64         `yaml:"pctMsgLoss"`
	BytesSent       uint64          `yaml:"bytesSent"`
	BytesRcvd       uint64          `yaml:"bytesRcvd"`
	SegmentsDropped uint64          `yaml:"segmentsDropped"`
	BytesDropped    uint64          `yaml:"bytesDropped"`
	ZeroFill        bool            `yaml:"zeroFill"`
	Preload         uint            `yaml:"preload"`
	MsgRate         float64         `yaml:"msgRate"`
	ByteRate        float64         `yaml:"byteRate"`
	FlightTimeStats flightTimeStats `yaml:"flightTimeStats"`
}

type inFlight struct {
	seq  uint64
	sent time.Time
}

type pinger struct {
	s        *session
	sendID   client.MessageID
	size     int
	interval time.Duration
	timeout  time.Duration
	flood    bool
	zeroFill bool
	preload  uint
	count    uint64

	sent      uint64
	bytesSent uint64
	rcvd      uint64
	bytesRcvd uint64
	queue     []inFlight
	stats     runningStats
	next      time.Time
}

func (p *pinger) HandleMessage(id client.MessageID, payload client.Payload) error {
	size := payload.Len()
	p.rcvd++
	p.bytesRcvd += uint64(size)

	if size < seqSize {
		p.s.logger.Info("Message too small", "size", size, "message_id", id)
		return nil
	}
	var b [seqSize]byte
	payload.CopyTo(b[:])
	seq := binary.LittleEndian.Uint64(b[:])

	var sent time.Time
	for len(p.queue) > 0 {
		head := p.queue[0]
		p.queue = p.queue[1:]
		if head.seq == seq {
			sent = head.sent
			break
		}
		p.s.logger.Info("Skipped sequence number", "seq", head.seq)
	}
	if sent.IsZero() {
		p.s.logger.Info("Received sequence number not in flight", "seq", seq)
		return nil
	}

	rtt := time.Since(sent)
	p.stats.add(rtt.Seconds())
	p.s.logger.Log(context.Background(), logging.LevelNotice, "Reply",
		"size", size, "message_id", id, "seq", seq, "time", rtt)

	if p.flood {
		p.next = time.Now().Add(floodInterval)
		return p.send()
	}
	return nil
}

// send sends the next sequence number unless the count is exhausted.
func (p *pinger) send() error {
	if p.count > 0 && p.sent >= p.count {
		return nil
	}
	buf := make([]byte, p.size)
	if !p.zeroFill {
		for i := seqSize; i < len(buf); i++ {
			buf[i] = byte(i)
		}
	}
	binary.LittleEndian.PutUint64(buf, p.sent)
	if err := p.s.client.Send(p.sendID, buf); err != nil {
		return err
	}
	p.queue = append(p.queue, inFlight{seq: p.sent, sent: time.Now()})
	p.sent++
	p.bytesSent += uint64(p.size)
	return nil
}

// expire drops in-flight messages older than the timeout.
func (p *pinger) expire(now time.Time) {
	for len(p.queue) > 0 && now.Sub(p.queue[0].sent) >= p.timeout {
		p.s.logger.Info("Timeout", "seq", p.queue[0].seq)
		p.queue = p.queue[1:]
	}
}

func (p *pinger) done() bool {
	return len(p.queue) == 0 && p.count > 0 && p.sent >= p.count
}

func (p *pinger) run(ctx context.Context) error {
	for i := uint(0); i < p.preload; i++ {
		if err := p.send(); err != nil {
			return err
		}
	}
	p.next = time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}
		now := time.Now()
		if !now.Before(p.next) {
			if err := p.send(); err != nil {
				return err
			}
			p.next = now.Add(p.interval)
		}
		p.expire(now)
		if p.done() {
			return nil
		}

		budget := min(max(time.Until(p.next), 0), pollInterval)
		if err := p.s.poll(budget); err != nil {
			return err
		}
		if p.done() {
			return nil
		}
	}
}

func (p *pinger) report(elapsed time.Duration) pingReport {
	st := p.s.client.Stats()
	r := pingReport{
		ElapsedTime:     elapsed.Seconds(),
		MsgsSent:        p.sent,
		MsgsRcvd:        p.rcvd,
		BytesSent:       p.bytesSent,
		BytesRcvd:       p.bytesRcvd,
		SegmentsDropped: st.DroppedSegments,
		BytesDropped:    st.DroppedBytes,
		ZeroFill:        p.zeroFill,
		Preload:         p.preload,
		MsgRate:         perSecond(p.sent, elapsed),
		ByteRate:        perSecond(p.bytesSent, elapsed),
		FlightTimeStats: flightTimeStats{
			Min:    p.stats.min,
			Avg:    p.stats.m1,
			Max:    p.stats.max,
			StdDev: p.stats.stddev(),
		},
	}
	if p.sent > 0 {
		r.PctMsgLoss = 100 - float64(p.rcvd)*100/float64(p.sent)
	}
	return r
}

// newPingCommand constructs the `ping` command.
func newPingCommand(rf *rootFlags) *cobra.Command {
	pingCmd := &cobra.Command{
		Use:   "ping [msgID]",
		Short: "Send messages, await replies and report round-trip times",
		Long: "Send sequence-numbered messages on msgID and time their return on " +
			"--recv-id. Run a sink with --echo-id to reflect them, or use --loopback, " +
			"which starts an in-process echo peer when the two IDs differ.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &pinger{sendID: defaultPingID, timeout: time.Second}
			if len(args) > 0 {
				v, err := parseMessageID(args[0])
				if err != nil {
					return err
				}
				p.sendID = v
			}
			recvID := p.sendID
			if cmd.Flags().Changed("recv-id") {
				v, _ := cmd.Flags().GetUint32("recv-id")
				recvID = client.MessageID(v)
			}
			p.size, _ = cmd.Flags().GetInt("size")
			p.interval, _ = cmd.Flags().GetDuration("interval")
			p.zeroFill, _ = cmd.Flags().GetBool("zero")
			p.flood, _ = cmd.Flags().GetBool("flood")
			p.preload, _ = cmd.Flags().GetUint("preload")
			p.count, _ = cmd.Flags().GetUint64("count")

			if p.size < seqSize {
				return fmt.Errorf("size must be at least %d bytes", seqSize)
			}
			if p.interval < minPingInterval {
				return fmt.Errorf("interval must be at least %s", minPingInterval)
			}
			if p.flood {
				p.interval = floodInterval
			}

			s, err := rf.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.close()
			p.s = s

			if rf.loopback && recvID != p.sendID {
				if err := s.attachEcho(p.sendID, recvID); err != nil {
					return err
				}
			}
			if err := s.client.Register(recvID, client.NewIdentity(), p); err != nil {
				return err
			}

			runErr := p.run(cmd.Context())
			if err := writeReport(cmd.OutOrStdout(), p.report(s.elapsed())); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if p.rcvd != p.sent {
				return fmt.Errorf("%w: %d of %d", errMessageLoss, p.sent-min(p.rcvd, p.sent), p.sent)
			}
			return nil
		},
	}
	pingCmd.Flags().Uint32P("recv-id", "r", 0, "message ID replies arrive on (default msgID)")
	pingCmd.Flags().IntP("size", "s", defaultSourceSize, "size of each message")
	pingCmd.Flags().DurationP("interval", "i", time.Second, "time between messages")
	pingCmd.Flags().BoolP("zero", "z", false, "zero-fill messages before sending")
	pingCmd.Flags().BoolP("flood", "f", false, "send the next message as soon as a reply arrives")
	pingCmd.Flags().UintP("preload", "l", 0, "send this many extra messages at startup")
	pingCmd.Flags().Uint64P("count", "c", 0, "exit after sending and awaiting this many messages")
	return pingCmd
}
