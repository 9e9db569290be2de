// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidSize is returned for byte sizes that cannot be parsed.
var ErrInvalidSize = errors.New("invalid byte size")

// Size is a byte count. Its text form is a number with an optional
// power-of-two suffix: k or K (KiB), M, G or T. Fractions are accepted when
// the result is a whole number of bytes, so "1.5K" is 1536.
type Size int64

const (
	kib Size = 1 << (10 * (iota + 1))
	mib
	gib
	tib
)

// ParseSize parses a byte size.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidSize)
	}

	mult := Size(1)
	num := s
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = kib
	case 'M':
		mult = mib
	case 'G':
		mult = gib
	case 'T':
		mult = tib
	}
	if mult != 1 {
		num = s[:len(s)-1]
	}

	if n, err := strconv.ParseInt(num, 10, 64); err == nil {
		if n > math.MaxInt64/int64(mult) || n < math.MinInt64/int64(mult) {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
		}
		return Size(n) * mult, nil
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	v := f * float64(mult)
	if v != math.Trunc(v) || math.Abs(v) >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q is not a whole number of bytes", ErrInvalidSize, s)
	}
	return Size(v), nil
}

// String formats the size with the largest exact suffix.
func (s Size) String() string {
	for _, u := range []struct {
		size   Size
		suffix string
	}{{tib, "T"}, {gib, "G"}, {mib, "M"}, {kib, "K"}} {
		if s != 0 && s%u.size == 0 {
			return strconv.FormatInt(int64(s/u.size), 10) + u.suffix
		}
	}
	return strconv.FormatInt(int64(s), 10)
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Set implements pflag.Value.
func (s *Size) Set(v string) error {
	return s.UnmarshalText([]byte(v))
}

// Type implements pflag.Value.
func (s *Size) Type() string {
	return "size"
}
