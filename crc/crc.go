// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package crc defines the checksum policy applied to MCSB messages and the
// CRC-32C checksum used to seal them.
package crc

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// ErrInvalidPolicy is returned when a policy name cannot be parsed.
var ErrInvalidPolicy = errors.New("invalid CRC policy")

// Policy governs whether checksums are attached on send and verified on receive.
type Policy uint8

// CRC policies.
const (
	None Policy = iota
	SetOnly
	VerifyOnly
	SetAndVerify
	// Default defers to the Manager's policy, reported during the handshake.
	Default
)

var table = crc32.MakeTable(crc32.Castagnoli)

// ParsePolicy parses a policy from its configuration name. Both the short
// names used on the command line (OFF, SET, VERIFY, ON, DEFAULT) and the
// long names returned by String are accepted, case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF", "NONE":
		return None, nil
	case "SET", "SETONLY", "SET_ONLY":
		return SetOnly, nil
	case "VERIFY", "VERIFYONLY", "VERIFY_ONLY":
		return VerifyOnly, nil
	case "ON", "SETANDVERIFY", "SET_AND_VERIFY":
		return SetAndVerify, nil
	case "DEFAULT", "":
		return Default, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case None:
		return "OFF"
	case SetOnly:
		return "SET"
	case VerifyOnly:
		return "VERIFY"
	case SetAndVerify:
		return "ON"
	case Default:
		return "DEFAULT"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// Valid reports whether p is one of the five defined policies.
func (p Policy) Valid() bool {
	return p <= Default
}

// Sets reports whether checksums are computed and attached on send.
func (p Policy) Sets() bool {
	return p == SetOnly || p == SetAndVerify
}

// Verifies reports whether attached checksums are checked on receive.
func (p Policy) Verifies() bool {
	return p == VerifyOnly || p == SetAndVerify
}

// Resolve replaces Default with fallback. A fallback of Default resolves to None.
func (p Policy) Resolve(fallback Policy) Policy {
	if p != Default {
		return p
	}
	if fallback == Default || !fallback.Valid() {
		return None
	}
	return fallback
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPolicy, uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Set implements pflag.Value.
func (p *Policy) Set(s string) error {
	return p.UnmarshalText([]byte(s))
}

// Type implements pflag.Value.
func (p *Policy) Type() string {
	return "crcPolicy"
}

// Checksum returns the CRC-32C of b. Zero is reserved to mean "no checksum",
// so a payload whose true checksum is zero travels unprotected.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, table)
}

// Update continues a running checksum with b.
func Update(sum uint32, b []byte) uint32 {
	return crc32.Update(sum, table, b)
}

// Valid reports whether sum matches b. A zero sum is treated as unset and
// always matches.
func Valid(sum uint32, b []byte) bool {
	return sum == 0 || Checksum(b) == sum
}
