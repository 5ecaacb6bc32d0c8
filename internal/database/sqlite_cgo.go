//go:build cgo

// This file registers the cgo-accelerated sqlite3 driver as an
// alternative to the pure-Go modernc.org/sqlite driver used by default.
// Build with -tags cgo on platforms where a C toolchain is available and
// the faster driver is preferred; the pure-Go driver remains the default
// so the module still cross-compiles without cgo.
package database

import (
	_ "github.com/mattn/go-sqlite3"
)
