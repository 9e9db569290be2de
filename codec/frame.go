// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/absmach/mcsb/internal/bufpool"
)

// Kind identifies what a frame body carries.
type Kind byte

// Frame kinds.
const (
	KindControl Kind = 0x01
	KindData    Kind = 0x02
)

// HeaderSize is the encoded size of a frame header: kind plus body length.
const HeaderSize = 5

// MaxFrameSize bounds a frame body. Larger frames are rejected on both ends.
const MaxFrameSize = 64 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrUnknownKind   = errors.New("unknown frame kind")
	ErrShortBody     = errors.New("frame body too short")
)

// Frame is a single length-delimited unit on a control connection.
type Frame struct {
	Kind Kind
	Body []byte
}

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k == KindControl || k == KindData
}

// WriteFrame writes a frame whose body is the concatenation of parts, using
// a single Write call.
func WriteFrame(w io.Writer, kind Kind, parts ...[]byte) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	buf.Grow(HeaderSize + n)
	buf.WriteByte(byte(kind))
	if err := EncodeUint32(buf, uint32(n)); err != nil {
		return err
	}
	for _, p := range parts {
		buf.Write(p)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	kind, n, err := parseHeader(hdr[:])
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, Body: body}, nil
}

// ParseFrame decodes the first frame in buf. It returns the number of bytes
// consumed, or zero when buf does not yet hold a complete frame. The returned
// body aliases buf.
func ParseFrame(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, nil
	}
	kind, n, err := parseHeader(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	end := HeaderSize + int(n)
	if len(buf) < end {
		return Frame{}, 0, nil
	}
	return Frame{Kind: kind, Body: buf[HeaderSize:end]}, end, nil
}

func parseHeader(hdr []byte) (Kind, uint32, error) {
	kind := Kind(hdr[0])
	if !kind.valid() {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	n := Uint32(hdr[1:])
	if n > MaxFrameSize {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	return kind, n, nil
}
