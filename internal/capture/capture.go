// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package capture records MCSB data messages to zstd-compressed files and
// reads them back for replay.
//
// A capture file is the 8-byte Magic followed by one zstd stream. Each record
// in the stream is a uvarint offset in microseconds since the capture
// started, followed by a codec data frame.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/absmach/mcsb/codec"
	"github.com/klauspost/compress/zstd"
)

// Magic starts every capture file.
const Magic = "MCSBCAP\x01"

var (
	ErrBadMagic  = errors.New("not an MCSB capture file")
	ErrNotData   = errors.New("capture record is not a data frame")
	ErrCorrupted = errors.New("corrupted capture record")
)

// Record is one captured message.
type Record struct {
	Offset  time.Duration // Since the first record
	ID      uint32
	CRC     uint32
	Payload []byte
}

// Writer appends records to a capture.
type Writer struct {
	enc    *zstd.Encoder
	closer io.Closer
	start  time.Time
	now    func() time.Time
	count  int
	hdr    []byte
}

// NewWriter writes the capture header to w and returns a Writer. Close
// flushes the compressed stream but does not close w.
func NewWriter(w io.Writer) (*Writer, error) {
	if _, err := io.WriteString(w, Magic); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{enc: enc, now: time.Now}, nil
}

// Create creates a capture file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Write appends a message.
func (w *Writer) Write(id, sum uint32, payload []byte) error {
	now := w.now()
	if w.count == 0 {
		w.start = now
	}
	offset := now.Sub(w.start).Microseconds()
	if offset < 0 {
		offset = 0
	}

	w.hdr = binary.AppendUvarint(w.hdr[:0], uint64(offset))
	if _, err := w.enc.Write(w.hdr); err != nil {
		return err
	}
	dh := codec.DataHeader(id, sum)
	if err := codec.WriteFrame(w.enc, codec.KindData, dh[:], payload); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	return w.count
}

// Close flushes the capture. A file opened by Create is closed too.
func (w *Writer) Close() error {
	err := w.enc.Close()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader reads records from a capture.
type Reader struct {
	dec    *zstd.Decoder
	br     *bufio.Reader
	closer io.Closer
}

// NewReader checks the capture header and returns a Reader.
func NewReader(r io.Reader) (*Reader, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMagic, err)
	}
	if string(magic) != Magic {
		return nil, ErrBadMagic
	}
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Reader{dec: dec, br: bufio.NewReader(dec)}, nil
}

// Open opens the capture file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Next returns the next record, or io.EOF after the last one. The payload
// is owned by the caller.
func (r *Reader) Next() (Record, error) {
	offset, err := binary.ReadUvarint(r.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}

	f, err := codec.ReadFrame(r.br)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if f.Kind != codec.KindData {
		return Record{}, ErrNotData
	}
	id, sum, payload, err := codec.DecodeData(f.Body)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return Record{
		Offset:  time.Duration(offset) * time.Microsecond,
		ID:      id,
		CRC:     sum,
		Payload: payload,
	}, nil
}

// Close releases the decoder. A file opened by Open is closed too.
func (r *Reader) Close() error {
	r.dec.Close()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
