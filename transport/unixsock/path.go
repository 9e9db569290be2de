// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package unixsock

import (
	"os"
	"os/user"
	"strings"
)

// UserPlaceholder is replaced with the user name in socket paths.
const UserPlaceholder = "%U"

// Username returns the invoking user's name: $USER, then the password
// database, then "unknown".
func Username() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// ExpandPath substitutes the user name for every UserPlaceholder in path.
func ExpandPath(path string) string {
	if !strings.Contains(path, UserPlaceholder) {
		return path
	}
	return strings.ReplaceAll(path, UserPlaceholder, Username())
}
