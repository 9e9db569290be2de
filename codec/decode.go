// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
)

func DecodeByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func DecodeUint16(r io.Reader) (uint16, error) {
	var num [2]byte
	if _, err := io.ReadFull(r, num[:]); err != nil {
		return 0, err
	}
	return Uint16(num[:]), nil
}

func DecodeUint32(r io.Reader) (uint32, error) {
	var num [4]byte
	if _, err := io.ReadFull(r, num[:]); err != nil {
		return 0, err
	}
	return Uint32(num[:]), nil
}

// Uint16 reads a big-endian uint16 from the first two bytes of b.
func Uint16(b []byte) uint16 {
	_ = b[1]
	return uint16(b[1]) | uint16(b[0])<<8
}

// Uint32 reads a big-endian uint32 from the first four bytes of b.
func Uint32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24
}
