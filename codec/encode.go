// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import "io"

// AppendUint16 appends v to dst in big-endian order.
func AppendUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

// AppendUint32 appends v to dst in big-endian order.
func AppendUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// EncodeUint32 writes v to w in big-endian order.
func EncodeUint32(w io.Writer, v uint32) error {
	var num [4]byte
	_, err := w.Write(AppendUint32(num[:0], v))
	return err
}
