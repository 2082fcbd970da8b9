/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries build-time version information.
package version

import "fmt"

// Version is set at build time via ldflags:
//
//	-X github.com/streamhost/streamhost/internal/version.Version=X.Y.Z
var Version = "0.3.0"

// Commit is the git revision the binary was built from, set via ldflags.
var Commit = "unknown"

// String returns the human-readable version line.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
