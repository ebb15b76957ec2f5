// Package btcerr defines the stable error kinds surfaced by the bundle
// transport core. Messages are part of the contract: callers and UIs may
// match on them, so wording must not drift once shipped.
package btcerr

import "errors"

var (
	// ErrInvalidSignature is returned when a bundle's signature does not
	// verify against its claimed author public key.
	ErrInvalidSignature = errors.New("signature does not verify")

	// ErrBundleIDMismatch is returned when the recomputed content-address
	// does not match the bundle's claimed bundleId.
	ErrBundleIDMismatch = errors.New("bundle id does not match content address")

	// ErrExpired is returned when a bundle's expiresAt has already passed.
	ErrExpired = errors.New("bundle expired")

	// ErrHopLimitExceeded is returned when hopCount has reached or exceeded
	// hopLimit.
	ErrHopLimitExceeded = errors.New("hop limit exceeded")

	// ErrDuplicateBundle is returned when a bundle with the same bundleId
	// is already present in inbox or quarantine.
	ErrDuplicateBundle = errors.New("bundle already exists")

	// ErrCacheBudgetExceeded is returned when admission cannot free enough
	// space even after eviction.
	ErrCacheBudgetExceeded = errors.New("cache budget exceeded")

	// ErrAudienceDenied is returned when a requester or peer is not a
	// member of the keyring required by a bundle's audience.
	ErrAudienceDenied = errors.New("audience denied")

	// ErrStorageError wraps a persistence-layer failure. Use
	// fmt.Errorf("...: %w", ErrStorageError) style wrapping at call sites
	// that need to attach the underlying driver error; ErrStorageError
	// itself matches via errors.Is.
	ErrStorageError = errors.New("storage error")

	// ErrNotFound is returned by Queue Store lookups for a bundleId that
	// does not exist in any queue.
	ErrNotFound = errors.New("bundle not found")
)
