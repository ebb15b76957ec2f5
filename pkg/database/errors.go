// Package database provides sentinel errors for repository operations.
package database

import (
	"github.com/solarmesh/btc/pkg/btcerr"
)

// ErrNotFound is returned when a requested bundle row is not found. Queue
// Store callers should generally match against btcerr.ErrNotFound, which
// this aliases.
var ErrNotFound = btcerr.ErrNotFound
